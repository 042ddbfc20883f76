package txlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"

	"ARS-Engine/internal/engine"
	xerrors "ARS-Engine/internal/errors"
	mysqlstore "ARS-Engine/internal/storage/mysql"
	"ARS-Engine/internal/storage/sqltest"
)

func openSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreLifecycle(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()

	tx, err := engine.NewTx(engine.KindMint, "founder", 1, 0, engine.AmountPayload{Account: "alice", Amount: 10})
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	tx.ID = "tx-1"
	record := &Record{ID: tx.ID, Tx: tx, Status: StatusPending, MaxRetries: 2}
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, record); !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	got, err := store.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tx.Kind != engine.KindMint || got.Tx.Nonce != 1 || string(got.Tx.Payload) != string(tx.Payload) {
		t.Fatalf("tx body did not round trip: %+v", got.Tx)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	claimed, err := store.Claim(ctx, "tx-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusApplying || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "tx-1"); !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected conflict while applying, got %v", err)
	}

	receipt := engine.Receipt{TxID: "tx-1", Kind: engine.KindMint, Status: engine.StatusApplied, Height: 3, Timestamp: 1_700_000_100}
	if err := store.MarkApplied(ctx, "tx-1", receipt); err != nil {
		t.Fatalf("mark applied: %v", err)
	}
	if _, err := store.Claim(ctx, "tx-1"); !errors.Is(err, ErrTxCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}

	applied, err := store.Applied(ctx, 0, 0)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(applied) != 1 || applied[0].Height != 3 || applied[0].Receipt == nil {
		t.Fatalf("unexpected applied page: %+v", applied)
	}
	if ts := applied[0].ReplayTx().Timestamp; ts != 1_700_000_100 {
		t.Fatalf("replay timestamp should come from the receipt, got %d", ts)
	}

	if err := store.MarkApplied(ctx, "missing", receipt); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected not found for missing receipt target, got %v", err)
	}
}

func TestSQLStoreRetriesAndStats(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()

	for _, r := range []*Record{
		newRecord("a", engine.KindMint, "founder"),
		newRecord("b", engine.KindVote, "val-1"),
		newRecord("c", engine.KindTick, SchedulerSender),
	} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}

	for i := 0; i < 2; i++ {
		if _, err := store.Claim(ctx, "a"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := store.MarkFailed(ctx, "a", xerrors.CodeExternalFailure, "rpc down", false); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "a"); !errors.Is(err, ErrTxExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if _, err := store.Claim(ctx, "b"); err != nil {
		t.Fatalf("claim b: %v", err)
	}
	rejected := engine.Receipt{TxID: "b", Status: engine.StatusRejected, Code: "UNAUTHORIZED", Message: "not a voter"}
	if err := store.MarkRejected(ctx, "b", rejected); err != nil {
		t.Fatalf("mark rejected: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	failing, err := store.List(ctx, BuildListOptions(WithErrorCode(string(xerrors.CodeExternalFailure))))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failing) != 1 || failing[0].ID != "a" || failing[0].LastError != "rpc down" {
		t.Fatalf("unexpected failing list: %+v", failing)
	}

	byQuery, err := store.List(ctx, BuildListOptions(WithQuery("voter")))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(byQuery) != 1 || byQuery[0].ID != "b" {
		t.Fatalf("unexpected query list: %+v", byQuery)
	}

	ticks, err := store.List(ctx, BuildListOptions(WithKinds(engine.KindTick), WithStatuses(StatusPending)))
	if err != nil {
		t.Fatalf("list ticks: %v", err)
	}
	if len(ticks) != 1 || ticks[0].Tx.Sender != SchedulerSender {
		t.Fatalf("unexpected tick list: %+v", ticks)
	}

	empty, err := store.Stats(ctx, BuildListOptions(WithSender("nobody")))
	if err != nil {
		t.Fatalf("empty stats: %v", err)
	}
	if empty.Total != 0 || empty.NewestUpdatedAt != 0 {
		t.Fatalf("expected empty stats, got %+v", empty)
	}
}

func TestSQLStoreMapsMySQLDuplicateKey(t *testing.T) {
	db, drv := sqltest.Open(t,
		sqltest.ExecPrefix("INSERT INTO tx_journal", sqltest.Result{}).Fail(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
		sqltest.ExecPrefix("INSERT INTO tx_journal", sqltest.Result{}).Fail(errors.New("connection reset")),
	)
	store := NewSQLStore(db, mysqlstore.IsDuplicateKey)
	ctx := context.Background()

	if err := store.Create(ctx, newRecord("dup", engine.KindMint, "founder")); !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	err := store.Create(ctx, newRecord("other", engine.KindMint, "founder"))
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable storage failure, got %v", err)
	}
	args := drv.Args(0)
	if len(args) != 10 || args[0] != "dup" || args[5] != string(StatusPending) {
		t.Fatalf("unexpected insert args: %v", args)
	}
	drv.AssertConsumed(t)
}

func TestSQLStoreClaimReportsExhausted(t *testing.T) {
	db, drv := sqltest.Open(t,
		sqltest.ExecPrefix("UPDATE tx_journal SET status = ?, attempts = attempts + 1", sqltest.Result{Affected: 0}),
		sqltest.QueryPrefix("SELECT id, kind, sender", sqltest.Rows{
			Columns: []string{"id", "kind", "sender", "nonce", "body", "status", "attempts", "max_retries", "error_code", "last_error", "receipt", "height", "created_at", "updated_at"},
			Values: [][]any{{
				"tx-9", "mint", "founder", int64(4), `{"id":"tx-9","kind":"mint","sender":"founder","nonce":4,"timestamp":0}`,
				"failed", int64(3), int64(3), "EXTERNAL_FAILURE", "rpc down", nil, int64(0), int64(100), int64(200),
			}},
		}),
	)
	store := NewSQLStore(db, nil)

	record, err := store.Claim(context.Background(), "tx-9")
	if !errors.Is(err, ErrTxExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if record == nil || record.Status != StatusFailed || record.Tx.Nonce != 4 || record.Receipt != nil {
		t.Fatalf("unexpected record: %+v", record)
	}
	drv.AssertConsumed(t)
}
