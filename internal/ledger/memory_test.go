package ledger

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "ARS-Engine/internal/errors"
)

func TestMemoryLedgerTransfers(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger("ARU")

	if err := l.Mint(ctx, "alice", 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(ctx, "alice", "bob", 40); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := l.Burn(ctx, "bob", 10); err != nil {
		t.Fatalf("burn: %v", err)
	}
	bal, _ := l.BalanceOf(ctx, "bob")
	if bal != 30 {
		t.Fatalf("expected bob=30, got %d", bal)
	}
	if l.Supply() != 90 {
		t.Fatalf("expected supply 90, got %d", l.Supply())
	}

	err := l.Transfer(ctx, "bob", "alice", 31)
	if !stdErrors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if xerrors.MetadataOf(err)["required"] != "31" {
		t.Fatalf("missing bound metadata: %v", xerrors.MetadataOf(err))
	}
}

func TestMemoryLedgerFailNext(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger("SOL")
	l.FailNext(stdErrors.New("rpc down"))

	err := l.Mint(ctx, "vault", 1)
	if xerrors.CodeOf(err) != xerrors.CodeExternalFailure {
		t.Fatalf("expected external failure, got %v", err)
	}
	if err := l.Mint(ctx, "vault", 1); err != nil {
		t.Fatalf("second mint should succeed: %v", err)
	}
}
