package logger

import (
	"context"
	"log/slog"
	"sort"
)

// Audit stream attribute keys. Every audit line carries KeyStream and
// KeyRecord; the remaining keys depend on the record type.
const (
	KeyStream    = "stream"
	KeyRecord    = "record"
	KeyTxID      = "tx_id"
	KeyHeight    = "height"
	KeyKind      = "kind"
	KeySender    = "sender"
	KeyNonce     = "nonce"
	KeyTimestamp = "timestamp"
	KeyStatus    = "status"
	KeyCode      = "code"
	KeyCategory  = "category"
	KeyMessage   = "message"
	KeyEvents    = "events"
	KeyEvent     = "event"
	KeySeq       = "seq"
	KeyAt        = "at"
	KeyFields    = "fields"

	StreamAudit = "audit"
)

// Record types written under KeyRecord.
const (
	RecordSubmission = "submission"
	RecordReceipt    = "receipt"
	RecordEvent      = "event"
)

// Submission is the audit record for a transaction accepted into the journal.
type Submission struct {
	TxID   string
	Kind   string
	Sender string
	Nonce  uint64
}

// Receipt is the audit record for one transaction outcome. A non-empty Code
// marks a rejection.
type Receipt struct {
	TxID      string
	Height    uint64
	Kind      string
	Sender    string
	Timestamp int64
	Status    string
	Code      string
	Category  string
	Message   string
	Events    int
}

// Rejected reports whether the receipt carries an error code.
func (r Receipt) Rejected() bool { return r.Code != "" }

func (r Receipt) attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String(KeyRecord, RecordReceipt),
		slog.String(KeyTxID, r.TxID),
		slog.Uint64(KeyHeight, r.Height),
		slog.String(KeyKind, r.Kind),
		slog.String(KeySender, r.Sender),
		slog.Int64(KeyTimestamp, r.Timestamp),
		slog.String(KeyStatus, r.Status),
	}
	if r.Rejected() {
		return append(attrs,
			slog.String(KeyCode, r.Code),
			slog.String(KeyCategory, r.Category),
			slog.String(KeyMessage, r.Message),
		)
	}
	return append(attrs, slog.Int(KeyEvents, r.Events))
}

// Event is the audit record for one protocol event. TxID is empty for events
// raised at genesis. Seq is the event's position within its transaction.
type Event struct {
	TxID   string
	Height uint64
	Seq    int
	Type   string
	At     int64
	Fields map[string]string
}

func (e Event) attrs() []slog.Attr {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]any, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, slog.String(k, e.Fields[k]))
	}
	return []slog.Attr{
		slog.String(KeyRecord, RecordEvent),
		slog.String(KeyTxID, e.TxID),
		slog.Uint64(KeyHeight, e.Height),
		slog.Int(KeySeq, e.Seq),
		slog.String(KeyEvent, e.Type),
		slog.Int64(KeyAt, e.At),
		slog.Group(KeyFields, fields...),
	}
}

// Auditor writes typed audit records to a slog logger.
type Auditor struct {
	l *slog.Logger
}

// NewAuditor wraps l. A nil logger resolves to Audit() on every write, so an
// Auditor built before Init follows the installed stream.
func NewAuditor(l *slog.Logger) *Auditor {
	return &Auditor{l: l}
}

func (a *Auditor) logger() *slog.Logger {
	if a == nil || a.l == nil {
		return Audit()
	}
	return a.l
}

// Submission records a transaction entering the journal.
func (a *Auditor) Submission(ctx context.Context, s Submission) {
	a.logger().LogAttrs(ctx, slog.LevelInfo, "tx submitted",
		slog.String(KeyRecord, RecordSubmission),
		slog.String(KeyTxID, s.TxID),
		slog.String(KeyKind, s.Kind),
		slog.String(KeySender, s.Sender),
		slog.Uint64(KeyNonce, s.Nonce),
	)
}

// Receipt records a transaction outcome; rejections are logged at warn.
func (a *Auditor) Receipt(ctx context.Context, r Receipt) {
	if r.Rejected() {
		a.logger().LogAttrs(ctx, slog.LevelWarn, "tx rejected", r.attrs()...)
		return
	}
	a.logger().LogAttrs(ctx, slog.LevelInfo, "tx applied", r.attrs()...)
}

// Event records one protocol event.
func (a *Auditor) Event(ctx context.Context, e Event) {
	a.logger().LogAttrs(ctx, slog.LevelInfo, "protocol event", e.attrs()...)
}
