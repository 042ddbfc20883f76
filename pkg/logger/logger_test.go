package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, raw []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestAuditFileReceivesTypedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "engine.log")
	if err := Init(Config{Format: "text", OutputPaths: []string{"stderr"}, Audit: AuditConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	NewAuditor(nil).Receipt(context.Background(), Receipt{TxID: "abc", Height: 7, Kind: "mint", Sender: "founder", Status: "applied", Events: 1})
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := decodeLines(t, content)
	if len(lines) != 1 {
		t.Fatalf("expected one audit line, got %d: %s", len(lines), content)
	}
	line := lines[0]
	if line[KeyStream] != StreamAudit || line[KeyRecord] != RecordReceipt || line[KeyTxID] != "abc" || line[KeyHeight] != float64(7) {
		t.Fatalf("unexpected audit line: %s", content)
	}
}

func TestInitRequiresAuditPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestReceiptSchema(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditor(newAuditLogger(&buf))
	ctx := context.Background()

	audit.Receipt(ctx, Receipt{TxID: "ok", Height: 3, Kind: "vote", Sender: "alice", Timestamp: 100, Status: "applied", Events: 2})
	audit.Receipt(ctx, Receipt{TxID: "bad", Height: 3, Kind: "mint", Sender: "mallory", Timestamp: 101, Status: "rejected",
		Code: "UNAUTHORIZED", Category: "authorization", Message: "not the authority"})

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %d", len(lines))
	}
	applied, rejected := lines[0], lines[1]
	if applied["level"] != "INFO" || applied[KeyEvents] != float64(2) || applied[KeyKind] != "vote" {
		t.Fatalf("unexpected applied receipt: %v", applied)
	}
	if _, ok := applied[KeyCode]; ok {
		t.Fatalf("applied receipt must not carry a code: %v", applied)
	}
	if rejected["level"] != "WARN" || rejected[KeyCode] != "UNAUTHORIZED" || rejected[KeyCategory] != "authorization" || rejected[KeyMessage] != "not the authority" {
		t.Fatalf("unexpected rejected receipt: %v", rejected)
	}
	if _, ok := rejected[KeyEvents]; ok {
		t.Fatalf("rejected receipt must not count events: %v", rejected)
	}
	for _, key := range []string{KeyStream, KeyRecord, KeyTxID, KeyHeight, KeySender, KeyTimestamp, KeyStatus} {
		if _, ok := rejected[key]; !ok {
			t.Fatalf("rejected receipt missing %q: %v", key, rejected)
		}
	}
}

func TestEventAndSubmissionSchema(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditor(newAuditLogger(&buf))
	ctx := context.Background()

	audit.Event(ctx, Event{TxID: "abc", Height: 4, Seq: 1, Type: "tokens_minted", At: 200,
		Fields: map[string]string{"to": "alice", "amount": "50"}})
	audit.Submission(ctx, Submission{TxID: "abc", Kind: "mint", Sender: "founder", Nonce: 9})

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %d", len(lines))
	}
	ev := lines[0]
	if ev[KeyRecord] != RecordEvent || ev[KeyEvent] != "tokens_minted" || ev[KeySeq] != float64(1) || ev[KeyAt] != float64(200) {
		t.Fatalf("unexpected event line: %v", ev)
	}
	fields, ok := ev[KeyFields].(map[string]any)
	if !ok || fields["to"] != "alice" || fields["amount"] != "50" {
		t.Fatalf("event fields should be grouped: %v", ev)
	}
	if !strings.Contains(buf.String(), `"fields":{"amount":"50","to":"alice"}`) {
		t.Fatalf("event fields should be written in key order: %s", buf.String())
	}

	sub := lines[1]
	if sub[KeyRecord] != RecordSubmission || sub[KeyNonce] != float64(9) || sub[KeyStream] != StreamAudit {
		t.Fatalf("unexpected submission line: %v", sub)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"info+2":  slog.LevelInfo + 2,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
