// Package txlog is the replication log in front of the engine: it journals
// submitted transactions, orders them through a queue, applies them one at a
// time and records every receipt, applied or rejected.
package txlog

import (
	stdErrors "errors"
	"maps"
	"slices"

	"ARS-Engine/internal/engine"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
)

// Status 表示日志记录在生命周期中的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusApplying Status = "applying"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// Terminal 报告状态是否不再变化。
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusRejected || s == StatusFailed
}

// Record 是一条交易日志。
type Record struct {
	ID         string          `json:"id"`
	Tx         engine.Tx       `json:"tx"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	ErrorCode  string          `json:"error_code,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	Receipt    *engine.Receipt `json:"receipt,omitempty"`
	Height     uint64          `json:"height,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// ReplayTx 返回重放所需的交易：ID 取自记录，时间戳取自回执。
func (r *Record) ReplayTx() engine.Tx {
	tx := cloneTx(r.Tx)
	tx.ID = r.ID
	if r.Receipt != nil && r.Receipt.Timestamp > 0 {
		tx.Timestamp = r.Receipt.Timestamp
	}
	return tx
}

var (
	// ErrTxNotFound 表示指定的日志记录不存在。
	ErrTxNotFound = xerrors.New(CodeTxNotFound, "")
	// ErrTxConflict 表示记录在当前状态下无法进行所请求的操作。
	ErrTxConflict = xerrors.New(CodeTxConflict, "")
	// ErrTxCompleted 表示记录已有最终回执。
	ErrTxCompleted = xerrors.New(CodeTxCompleted, "")
	// ErrTxExhausted 表示记录的重试次数已经耗尽。
	ErrTxExhausted = xerrors.New(CodeTxExhausted, "")
)

const (
	CodeTxNotFound   xerrors.Code = "TXLOG_NOT_FOUND"
	CodeTxConflict   xerrors.Code = "TXLOG_CONFLICT"
	CodeTxCompleted  xerrors.Code = "TXLOG_COMPLETED"
	CodeTxExhausted  xerrors.Code = "TXLOG_RETRIES_EXHAUSTED"
	CodeTxValidation xerrors.Code = "TXLOG_VALIDATION_FAILED"
	CodeTxPublish    xerrors.Code = "TXLOG_PUBLISH_FAILED"
	CodeTxJournal    xerrors.Code = "TXLOG_JOURNAL_FAILED"
	CodeTxReplay     xerrors.Code = "TXLOG_REPLAY_FAILED"
)

func init() {
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{
		Message:  "journal record not found",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTxConflict, xerrors.Attributes{
		Message:  "journal record conflict",
		Category: xerrors.CategoryState,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTxCompleted, xerrors.Attributes{
		Message:  "transaction already has a final receipt",
		Category: xerrors.CategoryState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTxExhausted, xerrors.Attributes{
		Message:  "transaction retries exhausted",
		Category: xerrors.CategoryInfra,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTxValidation, xerrors.Attributes{
		Message:  "transaction validation failed",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTxPublish, xerrors.Attributes{
		Message:   "failed to publish transaction",
		Category:  xerrors.CategoryInfra,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTxJournal, xerrors.Attributes{
		Message:  "failed to journal receipt",
		Category: xerrors.CategoryInfra,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTxReplay, xerrors.Attributes{
		Message:  "journal replay diverged",
		Category: xerrors.CategoryInfra,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsTxError 判断错误是否为指定的日志错误。
func IsTxError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range []*xerrors.Error{ErrTxNotFound, ErrTxConflict, ErrTxCompleted, ErrTxExhausted} {
		if stdErrors.Is(err, sentinel) {
			return sentinel.Code() == target
		}
	}
	return xerrors.CodeOf(err) == target
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusApplying, StatusApplied, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTx(tx engine.Tx) engine.Tx {
	tx.Payload = slices.Clone(tx.Payload)
	return tx
}

func cloneReceipt(r *engine.Receipt) *engine.Receipt {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata = maps.Clone(r.Metadata)
	if r.Events != nil {
		out.Events = make([]event.Event, len(r.Events))
		for i, ev := range r.Events {
			ev.Attributes = maps.Clone(ev.Attributes)
			out.Events[i] = ev
		}
	}
	return &out
}

func cloneRecord(r *Record) *Record {
	out := *r
	out.Tx = cloneTx(r.Tx)
	out.Receipt = cloneReceipt(r.Receipt)
	return &out
}
