package engine

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ARS-Engine/internal/admin"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/governance"
	"ARS-Engine/internal/guard"
	"ARS-Engine/internal/ledger"
	"ARS-Engine/internal/registry"
	"ARS-Engine/internal/reserve"
	"ARS-Engine/internal/supply"
	"ARS-Engine/pkg/logger"
)

const t0 = int64(1_700_000_000)

type fixture struct {
	e       *Engine
	genesis Genesis
	tokens  *ledger.MemoryLedger
	usdc    *ledger.MemoryLedger
	nonces  map[string]uint64
	applied []Tx
	seq     int
}

type recordingObserver struct {
	applies map[ReceiptStatus]int
	last    Gauges
}

func (o *recordingObserver) ObserveApply(_ Kind, status ReceiptStatus, _ xerrors.Code, _ time.Duration) {
	o.applies[status]++
}

func (o *recordingObserver) ObserveState(g Gauges) { o.last = g }

func baseGenesis() Genesis {
	return Genesis{
		Authority:     "founder",
		Treasury:      "treasury",
		InitialSupply: 1_000_000,
		StartTime:     t0,
		Assets: []reserve.Asset{
			{Symbol: "USDC", Amount: 2_000_000, Price: reserve.PriceScale, TargetWeightBps: 10_000},
		},
		Agents: []GenesisAgent{
			{ID: "val-1", Stake: 20_000, Reputation: 90},
			{ID: "val-2", Stake: 20_000, Reputation: 90},
			{ID: "val-3", Stake: 20_000, Reputation: 90},
			{ID: "val-4", Stake: 20_000, Reputation: 90},
			{ID: "val-5", Stake: 20_000, Reputation: 90},
		},
		Params: DefaultParams(),
	}
}

func newFixture(t *testing.T, g Genesis, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		genesis: g,
		tokens:  ledger.NewMemoryLedger("ARS"),
		usdc:    ledger.NewMemoryLedger("USDC"),
		nonces:  make(map[string]uint64),
	}
	base := []Option{
		WithLedger(f.tokens),
		WithCustody(reserve.LedgerSet{"USDC": f.usdc}),
		WithLogger(logger.Discard()),
		WithAuditLogger(logger.Discard()),
	}
	e, err := New(context.Background(), g, append(base, opts...)...)
	require.NoError(t, err)
	f.e = e
	return f
}

func (f *fixture) tx(t *testing.T, kind Kind, sender string, at int64, payload any) Tx {
	t.Helper()
	f.nonces[sender]++
	tx, err := NewTx(kind, sender, f.nonces[sender], at, payload)
	require.NoError(t, err)
	f.seq++
	tx.ID = fmt.Sprintf("tx-%03d", f.seq)
	return tx
}

func (f *fixture) apply(t *testing.T, tx Tx) (Receipt, error) {
	t.Helper()
	r, err := f.e.Apply(context.Background(), tx)
	if err == nil {
		f.applied = append(f.applied, tx)
	}
	return r, err
}

func (f *fixture) mustApply(t *testing.T, tx Tx) Receipt {
	t.Helper()
	r, err := f.apply(t, tx)
	require.NoError(t, err, "tx %s (%s)", tx.ID, tx.Kind)
	require.True(t, r.Applied())
	return r
}

func hasEvent(r Receipt, typ event.Type) bool {
	for _, ev := range r.Events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestGenesis(t *testing.T) {
	f := newFixture(t, baseGenesis())
	snap := f.e.Snapshot()
	assert.Equal(t, uint64(0), snap.Height)
	assert.Equal(t, uint64(1_000_000), snap.Supply.TotalSupply)
	assert.Equal(t, uint64(1_000_000), snap.Vault.Liabilities)
	assert.Equal(t, uint64(20_000), snap.Vault.VHR)
	assert.Len(t, snap.Agents, 5)
	assert.Equal(t, registry.TierWhitelisted, snap.Agents[0].Tier)

	bal, err := f.tokens.BalanceOf(context.Background(), "treasury")
	require.NoError(t, err)
	assert.Equal(t, uint64(900_000), bal, "genesis agent stake is bonded out of the treasury")
	escrow, err := f.tokens.BalanceOf(context.Background(), registry.StakeEscrowAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), escrow)
	held, err := f.usdc.BalanceOf(context.Background(), reserve.VaultAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000), held)

	t.Run("rejects missing authority", func(t *testing.T) {
		g := baseGenesis()
		g.Authority = ""
		_, err := New(context.Background(), g, WithLogger(logger.Discard()))
		assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
	})
	t.Run("rejects unfunded agent stake", func(t *testing.T) {
		g := baseGenesis()
		g.InitialSupply = 50_000
		_, err := New(context.Background(), g, WithLogger(logger.Discard()))
		assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
	})
	t.Run("rejects unknown tier", func(t *testing.T) {
		g := baseGenesis()
		g.Agents[0].Tier = "root"
		_, err := New(context.Background(), g, WithLogger(logger.Discard()))
		assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
	})
}

func TestMintCapThroughEngine(t *testing.T) {
	obs := &recordingObserver{applies: make(map[ReceiptStatus]int)}
	f := newFixture(t, baseGenesis(), WithObserver(obs))

	r := f.mustApply(t, f.tx(t, KindMint, "founder", t0+10, AmountPayload{Account: "alice", Amount: 20_000}))
	assert.Equal(t, uint64(1), r.Height)
	assert.True(t, hasEvent(r, event.SupplyMinted))

	before := f.e.Snapshot()
	r, err := f.apply(t, f.tx(t, KindMint, "founder", t0+20, AmountPayload{Account: "alice", Amount: 1}))
	require.ErrorIs(t, err, supply.ErrMintCapExceeded)
	assert.Equal(t, StatusRejected, r.Status)
	assert.Equal(t, supply.CodeMintCapExceeded, r.Code)
	assert.Equal(t, xerrors.CategoryEconomicLimit, r.Category)
	assert.Equal(t, "20000", r.Metadata["required"])
	assert.Equal(t, "20001", r.Metadata["actual"])
	assert.Empty(t, r.Events)

	after := f.e.Snapshot()
	assert.Equal(t, before, after, "rejected tx leaves state untouched")
	assert.Equal(t, uint64(1_020_000), after.Vault.Liabilities)
	assert.Equal(t, uint64(19_607), after.Vault.VHR)

	bal, err := f.tokens.BalanceOf(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), bal)
	assert.Equal(t, 1, obs.applies[StatusApplied])
	assert.Equal(t, 1, obs.applies[StatusRejected])
	assert.Equal(t, uint64(1_020_000), obs.last.TotalSupply)

	t.Run("only the authority mints", func(t *testing.T) {
		_, err := f.apply(t, f.tx(t, KindMint, "mallory", t0+30, AmountPayload{Account: "mallory", Amount: 1}))
		assert.Equal(t, xerrors.CodeUnauthorized, xerrors.CodeOf(err))
	})
	t.Run("ledger failure discards the mint", func(t *testing.T) {
		f.tokens.FailNext(stdErrors.New("rpc unavailable"))
		_, err := f.apply(t, f.tx(t, KindBurn, "founder", t0+40, AmountPayload{Account: "alice", Amount: 100}))
		assert.Equal(t, xerrors.CodeExternalFailure, xerrors.CodeOf(err))
		assert.Equal(t, uint64(1_020_000), f.e.Snapshot().Supply.TotalSupply)
	})
}

func TestNonceAndTimestamp(t *testing.T) {
	f := newFixture(t, baseGenesis())
	ctx := context.Background()

	first, err := NewTx(KindMint, "founder", 5, t0+10, AmountPayload{Account: "a", Amount: 1})
	require.NoError(t, err)
	_, err = f.e.Apply(ctx, first)
	require.NoError(t, err)

	t.Run("nonce must increase", func(t *testing.T) {
		for _, nonce := range []uint64{5, 4} {
			tx, _ := NewTx(KindMint, "founder", nonce, t0+20, AmountPayload{Account: "a", Amount: 1})
			_, err := f.e.Apply(ctx, tx)
			assert.ErrorIs(t, err, registry.ErrInvalidNonce, "nonce %d", nonce)
		}
	})
	t.Run("agents use registry nonces", func(t *testing.T) {
		tx, _ := NewTx(KindVerifyAgent, "val-1", 1, t0+20, nil)
		_, err := f.e.Apply(ctx, tx)
		require.NoError(t, err)
		snap := f.e.Snapshot()
		agent, ok := snap.Agent("val-1")
		require.True(t, ok)
		assert.Equal(t, uint64(1), agent.Nonce)
	})
	t.Run("timestamp cannot go backwards", func(t *testing.T) {
		tx, _ := NewTx(KindMint, "founder", 9, t0+5, AmountPayload{Account: "a", Amount: 1})
		r, err := f.e.Apply(ctx, tx)
		assert.ErrorIs(t, err, ErrClockSkew)
		assert.Equal(t, "non_monotonic", r.Metadata["reason"])
	})
	t.Run("reference clock bounds skew but replay skips it", func(t *testing.T) {
		g := baseGenesis()
		clocked := newFixture(t, g, WithClock(FixedClock(t0)))
		tx, _ := NewTx(KindTick, "", 0, t0+g.Params.MaxClockSkew+1, nil)
		r, err := clocked.e.Apply(ctx, tx)
		assert.ErrorIs(t, err, ErrClockSkew)
		assert.Equal(t, "ahead_of_clock", r.Metadata["reason"])

		_, err = clocked.e.Replay(ctx, tx)
		assert.NoError(t, err)
	})
	t.Run("unknown kind", func(t *testing.T) {
		tx, _ := NewTx("teleport", "founder", 10, t0+30, nil)
		_, err := f.e.Apply(ctx, tx)
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	})
}

func TestOracleRoundThroughEngine(t *testing.T) {
	g := baseGenesis()
	g.Params.Oracle.TargetSubmitters = 5
	f := newFixture(t, g)

	values := []uint64{5000, 5000, 5000, 10000, 10000}
	var last Receipt
	for i, v := range values {
		agent := fmt.Sprintf("val-%d", i+1)
		last = f.mustApply(t, f.tx(t, KindOracleSubmit, agent, t0+10, OracleSubmitPayload{Value: v}))
	}
	assert.True(t, hasEvent(last, event.OracleAggregated))

	r := f.mustApply(t, f.tx(t, KindTick, "", t0+10+g.Params.Oracle.DisputeWindow, nil))
	assert.True(t, hasEvent(r, event.OracleUpdated))

	snap := f.e.Snapshot()
	assert.Equal(t, uint64(5000), snap.Oracle.Value)
	assert.True(t, snap.Oracle.Fresh)
	assert.Equal(t, uint64(1), snap.Oracle.Sequence)
}

func TestBreakerGatesSupplyAndOracle(t *testing.T) {
	f := newFixture(t, baseGenesis())
	at := t0 + 100

	r := f.mustApply(t, f.tx(t, KindTriggerBreaker, "val-1", at, TriggerBreakerPayload{
		Reason:   reserve.ReasonOracleAnomaly,
		Evidence: []byte("feed diverged from venue by 40%"),
		Stake:    1_000,
	}))
	assert.True(t, hasEvent(r, event.CircuitBreakerTriggered))

	t.Run("mint and burn blocked", func(t *testing.T) {
		_, err := f.apply(t, f.tx(t, KindMint, "founder", at+1, AmountPayload{Account: "a", Amount: 10}))
		assert.ErrorIs(t, err, reserve.ErrCircuitBreakerActive)
		_, err = f.apply(t, f.tx(t, KindBurn, "founder", at+1, AmountPayload{Account: "treasury", Amount: 10}))
		assert.ErrorIs(t, err, reserve.ErrCircuitBreakerActive)
	})
	t.Run("oracle submissions blocked", func(t *testing.T) {
		r, err := f.apply(t, f.tx(t, KindOracleSubmit, "val-2", at+1, OracleSubmitPayload{Value: 5000}))
		assert.ErrorIs(t, err, reserve.ErrCircuitBreakerActive)
		assert.Equal(t, "oracle_submit", r.Metadata["operation"])
	})
	t.Run("withdrawals capped", func(t *testing.T) {
		_, err := f.apply(t, f.tx(t, KindWithdraw, "founder", at+1, VaultPayload{Account: "ops", Asset: "USDC", Amount: 250_000}))
		assert.ErrorIs(t, err, reserve.ErrEmergencyLimitExceeded)
	})
	t.Run("validation reopens the protocol", func(t *testing.T) {
		r := f.mustApply(t, f.tx(t, KindValidateBreaker, "val-2", at+2, ValidateBreakerPayload{Valid: true}))
		assert.True(t, hasEvent(r, event.CircuitBreakerValidated))
		snap := f.e.Snapshot()
		assert.False(t, snap.Breaker.Active)
		trigger, _ := snap.Agent("val-1")
		assert.Equal(t, 95, trigger.Reputation)
		assert.Zero(t, trigger.Locked)

		f.mustApply(t, f.tx(t, KindMint, "founder", at+3, AmountPayload{Account: "a", Amount: 10}))
	})
}

func TestBreakerExpiresLazily(t *testing.T) {
	g := baseGenesis()
	f := newFixture(t, g)
	f.mustApply(t, f.tx(t, KindTriggerBreaker, "val-1", t0+1, TriggerBreakerPayload{
		Reason: reserve.ReasonOracleAnomaly, Evidence: []byte("x"), Stake: 1_000,
	}))
	r := f.mustApply(t, f.tx(t, KindMint, "founder", t0+1+g.Params.Breaker.AutoExpire, AmountPayload{Account: "a", Amount: 10}))
	assert.True(t, hasEvent(r, event.CircuitBreakerExpired))
	snap := f.e.Snapshot()
	assert.False(t, snap.Breaker.Active)
	assert.True(t, snap.Breaker.NeedsValidation)
}

func TestGovernanceProposalExecutesMint(t *testing.T) {
	g := baseGenesis()
	f := newFixture(t, g)
	created := t0 + 10
	period := int64(3_600)

	tx, err := ProposalTx("val-1", 1, created, governance.MintToken{Amount: 5_000, Dest: "treasury"}, period)
	require.NoError(t, err)
	f.nonces["val-1"] = 1
	tx.ID = "propose"
	r := f.mustApply(t, tx)
	assert.True(t, hasEvent(r, event.ProposalCreated))

	f.mustApply(t, f.tx(t, KindVote, "val-1", created+1, VotePayload{Proposal: 1, Prediction: true, Stake: 10_000}))
	f.mustApply(t, f.tx(t, KindVote, "val-2", created+1, VotePayload{Proposal: 1, Prediction: true, Stake: 10_000}))
	f.mustApply(t, f.tx(t, KindVote, "val-3", created+1, VotePayload{Proposal: 1, Prediction: false, Stake: 2_500}))

	ended := created + period
	r = f.mustApply(t, f.tx(t, KindTick, "", ended, nil))
	assert.True(t, hasEvent(r, event.ProposalFinalized))
	p, ok := f.e.Snapshot().Proposal(1)
	require.True(t, ok)
	assert.Equal(t, governance.StatusPassed, p.Status)
	assert.Equal(t, uint64(200), p.QuadraticYes)
	assert.Equal(t, uint64(50), p.QuadraticNo)

	_, err = f.apply(t, f.tx(t, KindExecuteProposal, "keeper", ended+1, ProposalPayload{Proposal: 1}))
	assert.ErrorIs(t, err, governance.ErrExecutionDelayNotMet)

	ready := ended + g.Params.Governance.ExecutionDelay
	r = f.mustApply(t, f.tx(t, KindExecuteProposal, "keeper", ready, ProposalPayload{Proposal: 1}))
	assert.True(t, hasEvent(r, event.ProposalExecuted))
	assert.True(t, hasEvent(r, event.SupplyMinted))

	snap := f.e.Snapshot()
	assert.Equal(t, uint64(1_005_000), snap.Supply.TotalSupply)
	assert.Equal(t, uint64(1_005_000), snap.Vault.Liabilities)
	assert.Equal(t, uint64(1_005_000), f.tokens.Supply())

	_, err = f.apply(t, f.tx(t, KindExecuteProposal, "keeper", ready+1, ProposalPayload{Proposal: 1}))
	assert.ErrorIs(t, err, governance.ErrAlreadyExecuted)
}

func TestUpdateParametersProposal(t *testing.T) {
	g := baseGenesis()
	f := newFixture(t, g)
	tx, err := ProposalTx("val-1", 1, t0+10, governance.UpdateParameters{Key: "max_slippage_bps", Value: 50}, 3_600)
	require.NoError(t, err)
	f.nonces["val-1"] = 1
	f.mustApply(t, tx)
	f.mustApply(t, f.tx(t, KindVote, "val-2", t0+11, VotePayload{Proposal: 1, Prediction: true, Stake: 400}))

	f.mustApply(t, f.tx(t, KindTick, "", t0+10+3_600, nil))
	ready := t0 + 10 + 3_600 + g.Params.Governance.ExecutionDelay
	r := f.mustApply(t, f.tx(t, KindExecuteProposal, "keeper", ready, ProposalPayload{Proposal: 1}))
	assert.True(t, hasEvent(r, event.ParameterUpdated))
	assert.Equal(t, uint64(50), f.e.Snapshot().Params.Reserve.MaxSlippageBps)
}

func TestSetParameter(t *testing.T) {
	f := newFixture(t, baseGenesis())

	r := f.mustApply(t, f.tx(t, KindSetParameter, "founder", t0+1, SetParameterPayload{Key: "mint_cap_bps", Value: 500}))
	assert.True(t, hasEvent(r, event.ParameterUpdated))
	snap := f.e.Snapshot()
	assert.Equal(t, uint64(500), snap.Params.Supply.MintCapBps)
	assert.Equal(t, uint64(200), snap.Supply.Current.MintCapBps, "caps apply from the next epoch")

	_, err := f.apply(t, f.tx(t, KindSetParameter, "founder", t0+2, SetParameterPayload{Key: "circuit_breaker_cooldown", Value: 1}))
	assert.ErrorIs(t, err, ErrParameterNotGovernable)
	_, err = f.apply(t, f.tx(t, KindSetParameter, "founder", t0+2, SetParameterPayload{Key: "mint_cap_bps", Value: -1}))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = f.apply(t, f.tx(t, KindSetParameter, "founder", t0+2, SetParameterPayload{Key: "mint_cap_bps", Value: 10_001}))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = f.apply(t, f.tx(t, KindSetParameter, "mallory", t0+2, SetParameterPayload{Key: "mint_cap_bps", Value: 1}))
	assert.Equal(t, xerrors.CodeUnauthorized, xerrors.CodeOf(err))

	assert.Contains(t, GovernableKeys(), "execution_delay")
	assert.NotContains(t, GovernableKeys(), "admin_transfer_min_timelock_hours")
}

func TestAdminHandoverThroughEngine(t *testing.T) {
	f := newFixture(t, baseGenesis())
	start := t0 + 1
	f.mustApply(t, f.tx(t, KindAdminInitiate, "founder", start, AdminInitiatePayload{NewAdmin: "dao", TimelockHours: 48}))

	_, err := f.apply(t, f.tx(t, KindAdminAccept, "mallory", start+1, nil))
	assert.Equal(t, xerrors.CodeUnauthorized, xerrors.CodeOf(err))

	_, err = f.apply(t, f.tx(t, KindAdminConfirm, "founder", start+48*3_600, nil))
	assert.Equal(t, xerrors.CodeUnauthorized, xerrors.CodeOf(err), "the pending admin has not accepted yet")

	r := f.mustApply(t, f.tx(t, KindAdminAccept, "dao", start+2, nil))
	assert.True(t, hasEvent(r, event.AdminTransferAccepted))
	assert.True(t, f.e.Snapshot().Admin.Accepted)

	t.Run("acceptance consumes the pending admin's nonce", func(t *testing.T) {
		replayed, err := NewTx(KindAdminAccept, "dao", f.nonces["dao"], start+3, nil)
		require.NoError(t, err)
		_, err = f.e.Apply(context.Background(), replayed)
		assert.ErrorIs(t, err, registry.ErrInvalidNonce)
	})

	_, err = f.apply(t, f.tx(t, KindAdminConfirm, "founder", start+3_600, nil))
	assert.ErrorIs(t, err, admin.ErrTimelockNotMet)
	_, err = f.apply(t, f.tx(t, KindAdminConfirm, "dao", start+48*3_600, nil))
	assert.Equal(t, xerrors.CodeUnauthorized, xerrors.CodeOf(err), "only the authority confirms")

	r = f.mustApply(t, f.tx(t, KindAdminConfirm, "founder", start+48*3_600, nil))
	assert.True(t, hasEvent(r, event.AdminTransferExecuted))

	snap := f.e.Snapshot()
	assert.True(t, snap.Admin.Immutable)
	assert.Equal(t, "dao", snap.Admin.Authority)

	_, err = f.apply(t, f.tx(t, KindSetParameter, "dao", start+48*3_600+1, SetParameterPayload{Key: "mint_cap_bps", Value: 100}))
	assert.ErrorIs(t, err, admin.ErrProtocolAlreadyImmutable)
	_, err = f.apply(t, f.tx(t, KindMint, "founder", start+48*3_600+1, AmountPayload{Account: "a", Amount: 1}))
	assert.Equal(t, xerrors.CodeUnauthorized, xerrors.CodeOf(err))
}

func assertEscrowMatchesStake(t *testing.T, f *fixture) {
	t.Helper()
	var total uint64
	for _, a := range f.e.Snapshot().Agents {
		total += a.Stake
	}
	held, err := f.tokens.BalanceOf(context.Background(), registry.StakeEscrowAccount)
	require.NoError(t, err)
	assert.Equal(t, total, held, "escrow balance tracks registered stake")
	assert.Equal(t, f.e.Snapshot().Supply.TotalSupply, f.tokens.Supply(), "ledger supply tracks state supply")
}

func TestStakeEscrowThroughEngine(t *testing.T) {
	f := newFixture(t, baseGenesis())
	ctx := context.Background()
	assertEscrowMatchesStake(t, f)

	t.Run("registration without a balance is rejected", func(t *testing.T) {
		r, err := f.apply(t, f.tx(t, KindRegisterAgent, "sybil", t0+1, RegisterAgentPayload{Stake: 1_000_000_000_000}))
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		assert.Equal(t, ledger.CodeInsufficientBalance, r.Code)
		_, ok := f.e.Snapshot().Agent("sybil")
		assert.False(t, ok, "a rejected registration leaves no agent behind")
	})

	f.mustApply(t, f.tx(t, KindMint, "founder", t0+2, AmountPayload{Account: "alice", Amount: 5_000}))
	r := f.mustApply(t, f.tx(t, KindRegisterAgent, "alice", t0+3, RegisterAgentPayload{Stake: 1_500, Type: "feeder"}))
	assert.True(t, hasEvent(r, event.AgentRegistered))
	bal, err := f.tokens.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(3_500), bal)
	assertEscrowMatchesStake(t, f)

	t.Run("add stake pulls from the agent", func(t *testing.T) {
		r := f.mustApply(t, f.tx(t, KindAddStake, "alice", t0+4, StakePayload{Amount: 1_000}))
		assert.True(t, hasEvent(r, event.StakeAdded))
		agent, _ := f.e.Snapshot().Agent("alice")
		assert.Equal(t, uint64(2_500), agent.Stake)

		_, err := f.apply(t, f.tx(t, KindAddStake, "alice", t0+5, StakePayload{Amount: 2_501}))
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		agent, _ = f.e.Snapshot().Agent("alice")
		assert.Equal(t, uint64(2_500), agent.Stake)

		_, err = f.apply(t, f.tx(t, KindAddStake, "bob", t0+5, StakePayload{Amount: 1}))
		assert.ErrorIs(t, err, registry.ErrAgentNotFound)
		assertEscrowMatchesStake(t, f)
	})

	t.Run("withdraw releases only unlocked stake", func(t *testing.T) {
		_, err := f.apply(t, f.tx(t, KindWithdrawStake, "alice", t0+6, StakePayload{Amount: 2_501}))
		assert.ErrorIs(t, err, registry.ErrInsufficientStake)

		r := f.mustApply(t, f.tx(t, KindWithdrawStake, "alice", t0+6, StakePayload{Amount: 2_000}))
		assert.True(t, hasEvent(r, event.StakeWithdrawn))
		bal, err := f.tokens.BalanceOf(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(4_500), bal)
		agent, _ := f.e.Snapshot().Agent("alice")
		assert.Equal(t, uint64(500), agent.Stake)
		assertEscrowMatchesStake(t, f)
	})

	t.Run("forfeited breaker stake is burned", func(t *testing.T) {
		supplyBefore := f.e.Snapshot().Supply.TotalSupply
		f.mustApply(t, f.tx(t, KindTriggerBreaker, "val-1", t0+7, TriggerBreakerPayload{
			Reason: reserve.ReasonOracleAnomaly, Evidence: []byte("x"), Stake: 1_000,
		}))
		r := f.mustApply(t, f.tx(t, KindValidateBreaker, "val-2", t0+8, ValidateBreakerPayload{Valid: false, Severity: 1}))
		assert.True(t, hasEvent(r, event.StakeForfeited))

		snap := f.e.Snapshot()
		trigger, _ := snap.Agent("val-1")
		validator, _ := snap.Agent("val-2")
		assert.Equal(t, uint64(19_000), trigger.Stake)
		assert.Equal(t, uint64(20_500), validator.Stake)
		assert.Equal(t, supplyBefore-500, snap.Supply.TotalSupply)
		assert.Equal(t, snap.Supply.TotalSupply, snap.Vault.Liabilities)
		assertEscrowMatchesStake(t, f)
	})
}

func TestVaultThroughEngine(t *testing.T) {
	f := newFixture(t, baseGenesis())
	ctx := context.Background()

	t.Run("withdraw below 150 percent is rejected", func(t *testing.T) {
		r, err := f.apply(t, f.tx(t, KindWithdraw, "founder", t0+1, VaultPayload{Account: "ops", Asset: "usdc", Amount: 600_000}))
		assert.ErrorIs(t, err, reserve.ErrVHRTooLow)
		assert.Equal(t, "15000", r.Metadata["required"])
		assert.Equal(t, "14000", r.Metadata["actual"])

		f.mustApply(t, f.tx(t, KindWithdraw, "founder", t0+2, VaultPayload{Account: "ops", Asset: "USDC", Amount: 500_000}))
		assert.Equal(t, uint64(15_000), f.e.Snapshot().Vault.VHR)
		bal, err := f.usdc.BalanceOf(ctx, "ops")
		require.NoError(t, err)
		assert.Equal(t, uint64(500_000), bal)
	})
	t.Run("deposit pulls from the sender", func(t *testing.T) {
		require.NoError(t, f.usdc.Mint(ctx, "alice", 1_000))
		r := f.mustApply(t, f.tx(t, KindDeposit, "alice", t0+3, VaultPayload{Asset: "USDC", Amount: 1_000}))
		assert.True(t, hasEvent(r, event.VaultDeposited))
		asset, ok := reserveAsset(f.e.Snapshot(), "USDC")
		require.True(t, ok)
		assert.Equal(t, uint64(1_501_000), asset.Amount)
	})
	t.Run("prices move the ratio", func(t *testing.T) {
		_, err := f.apply(t, f.tx(t, KindUpdatePrice, "mallory", t0+4, UpdatePricePayload{Asset: "USDC", Price: 1}))
		assert.Error(t, err)
		r := f.mustApply(t, f.tx(t, KindUpdatePrice, "val-1", t0+4, UpdatePricePayload{Asset: "usdc", Price: 2 * reserve.PriceScale}))
		assert.True(t, hasEvent(r, event.AssetPriceUpdated))
		assert.Equal(t, uint64(30_020), f.e.Snapshot().Vault.VHR)
	})
	t.Run("new assets start empty", func(t *testing.T) {
		_, err := f.apply(t, f.tx(t, KindRegisterAsset, "founder", t0+5, RegisterAssetPayload{Asset: reserve.Asset{Symbol: "SOL", Amount: 5, Price: 150 * reserve.PriceScale}}))
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
		_, err = f.apply(t, f.tx(t, KindRegisterAsset, "founder", t0+5, RegisterAssetPayload{Asset: reserve.Asset{Symbol: "SOL", Price: 150 * reserve.PriceScale, TargetWeightBps: 1_000}}))
		assert.Error(t, err, "weights already sum to 10000")
	})
}

func reserveAsset(s Snapshot, symbol string) (reserve.Asset, bool) {
	for _, a := range s.Vault.Assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return reserve.Asset{}, false
}

func twoAssetGenesis() Genesis {
	g := baseGenesis()
	g.Assets = []reserve.Asset{
		{Symbol: "AAA", Amount: 1_500_000, Price: reserve.PriceScale, TargetWeightBps: 5_000},
		{Symbol: "BBB", Amount: 500_000, Price: reserve.PriceScale, TargetWeightBps: 5_000},
	}
	return g
}

func TestRebalanceThroughEngine(t *testing.T) {
	ctx := context.Background()
	venue := reserve.NewMemoryVenue(map[string]uint64{"AAA": reserve.PriceScale, "BBB": reserve.PriceScale})
	custody := reserve.LedgerSet{"AAA": ledger.NewMemoryLedger("AAA"), "BBB": ledger.NewMemoryLedger("BBB")}
	g := twoAssetGenesis()
	g.InitialSupply = 100_000
	g.Agents = nil
	f := newFixture(t, g, WithVenue(venue), WithCustody(custody))

	r := f.mustApply(t, f.tx(t, KindRebalance, "keeper", t0+1, nil))
	assert.True(t, hasEvent(r, event.VaultRebalanced))
	snap := f.e.Snapshot()
	a, _ := reserveAsset(snap, "AAA")
	b, _ := reserveAsset(snap, "BBB")
	assert.Equal(t, uint64(1_000_000), a.Amount)
	assert.Equal(t, uint64(1_000_000), b.Amount)

	t.Run("custody matches the vault after every leg", func(t *testing.T) {
		for _, asset := range f.e.Snapshot().Vault.Assets {
			bal, err := custody.Ledger(asset.Symbol).BalanceOf(ctx, reserve.VaultAccount)
			require.NoError(t, err)
			assert.Equal(t, asset.Amount, bal, asset.Symbol)
		}
	})
	t.Run("the grown asset can be withdrawn", func(t *testing.T) {
		f.mustApply(t, f.tx(t, KindWithdraw, "founder", t0+2, VaultPayload{Account: "ops", Asset: "BBB", Amount: 900_000}))
		bal, err := custody.Ledger("BBB").BalanceOf(ctx, "ops")
		require.NoError(t, err)
		assert.Equal(t, uint64(900_000), bal)
	})

	_, err := f.apply(t, f.tx(t, KindRebalance, "keeper", t0+3, nil))
	assert.ErrorIs(t, err, reserve.ErrRebalanceTooSoon)
}

func TestRebalanceQuotesEveryLegFirst(t *testing.T) {
	venue := reserve.NewMemoryVenue(map[string]uint64{"AAA": reserve.PriceScale, "BBB": reserve.PriceScale, "CCC": 2 * reserve.PriceScale})
	g := baseGenesis()
	g.Assets = []reserve.Asset{
		{Symbol: "AAA", Amount: 2_000_000, Price: reserve.PriceScale, TargetWeightBps: 4_000},
		{Symbol: "BBB", Amount: 500_000, Price: reserve.PriceScale, TargetWeightBps: 3_000},
		{Symbol: "CCC", Amount: 500_000, Price: reserve.PriceScale, TargetWeightBps: 3_000},
	}
	f := newFixture(t, g, WithVenue(venue))

	r, err := f.apply(t, f.tx(t, KindRebalance, "keeper", t0+1, nil))
	assert.ErrorIs(t, err, reserve.ErrSlippageExceeded)
	assert.Equal(t, "quote", r.Metadata["stage"])
	assert.Zero(t, venue.Fills())
	a, _ := reserveAsset(f.e.Snapshot(), "AAA")
	assert.Equal(t, uint64(2_000_000), a.Amount)
}

type reentrantVenue struct {
	e     *Engine
	inner error
}

func (v *reentrantVenue) Quote(ctx context.Context, _, _ string, _ uint64) (uint64, error) {
	_, v.inner = v.e.Apply(ctx, Tx{Kind: KindTick, Timestamp: t0 + 1})
	return 0, v.inner
}

func (v *reentrantVenue) Execute(context.Context, string, string, uint64, uint64) (uint64, error) {
	return 0, stdErrors.New("unreachable")
}

func TestOverlappingApplyIsRejected(t *testing.T) {
	venue := &reentrantVenue{}
	f := newFixture(t, twoAssetGenesis(), WithVenue(venue))
	venue.e = f.e

	r, err := f.apply(t, f.tx(t, KindRebalance, "keeper", t0+1, nil))
	require.Error(t, err)
	assert.Equal(t, StatusRejected, r.Status)
	assert.ErrorIs(t, venue.inner, guard.ErrReentrancy)
	assert.Equal(t, uint64(0), f.e.Height())

	f.mustApply(t, f.tx(t, KindTick, "", t0+2, nil))
	assert.Equal(t, uint64(1), f.e.Height())
}

func TestReplayReproducesState(t *testing.T) {
	g := baseGenesis()
	f := newFixture(t, g)
	f.mustApply(t, f.tx(t, KindMint, "founder", t0+1, AmountPayload{Account: "newbie", Amount: 7_000}))
	f.mustApply(t, f.tx(t, KindRegisterAgent, "newbie", t0+2, RegisterAgentPayload{Stake: 1_500, Type: "feeder"}))
	f.mustApply(t, f.tx(t, KindVerifyAgent, "newbie", t0+3, nil))
	f.mustApply(t, f.tx(t, KindSetParameter, "founder", t0+4, SetParameterPayload{Key: "rebalance_interval", Value: 7_200}))
	_, err := f.apply(t, f.tx(t, KindMint, "founder", t0+5, AmountPayload{Account: "newbie", Amount: 50_000}))
	require.Error(t, err)
	f.mustApply(t, f.tx(t, KindTick, "", t0+86_400, nil))

	replica := newFixture(t, g)
	for _, tx := range f.applied {
		_, err := replica.e.Replay(context.Background(), tx)
		require.NoError(t, err, "replay %s", tx.ID)
	}
	assert.Equal(t, f.e.Snapshot(), replica.e.Snapshot())
	assert.Equal(t, f.tokens.Supply(), replica.tokens.Supply())
}

func TestAttachSwapsLedgerAfterReplay(t *testing.T) {
	g := baseGenesis()
	f := newFixture(t, g)
	f.mustApply(t, f.tx(t, KindMint, "founder", t0+1, AmountPayload{Account: "val-1", Amount: 5_000}))

	replica := newFixture(t, g)
	for _, tx := range f.applied {
		_, err := replica.e.Replay(context.Background(), tx)
		require.NoError(t, err)
	}

	live := ledger.NewMemoryLedger("ARS")
	require.NoError(t, replica.e.Attach(WithLedger(live)))

	next, err := NewTx(KindMint, "founder", 2, t0+2, AmountPayload{Account: "val-2", Amount: 1_000})
	require.NoError(t, err)
	next.ID = "tx-live"
	_, err = replica.e.Apply(context.Background(), next)
	require.NoError(t, err)

	balance, err := live.BalanceOf(context.Background(), "val-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), balance)
	assert.Equal(t, uint64(1_006_000), replica.e.Snapshot().Supply.TotalSupply)
}

func TestAuditTrailRecordsReceiptsAndEvents(t *testing.T) {
	var buf bytes.Buffer
	sink := slog.New(slog.NewJSONHandler(&buf, nil))
	f := newFixture(t, baseGenesis(), WithAuditLogger(sink))
	buf.Reset()

	mint := f.tx(t, KindMint, "founder", t0+10, AmountPayload{Account: "alice", Amount: 500})
	r := f.mustApply(t, mint)
	_, err := f.apply(t, f.tx(t, KindMint, "mallory", t0+20, AmountPayload{Account: "mallory", Amount: 1}))
	require.Error(t, err)

	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2+len(r.Events))

	t.Run("applied receipt precedes its events", func(t *testing.T) {
		head := lines[0]
		assert.Equal(t, logger.RecordReceipt, head[logger.KeyRecord])
		assert.Equal(t, mint.ID, head[logger.KeyTxID])
		assert.Equal(t, float64(r.Height), head[logger.KeyHeight])
		assert.Equal(t, string(KindMint), head[logger.KeyKind])
		assert.Equal(t, float64(len(r.Events)), head[logger.KeyEvents])
		for i, ev := range r.Events {
			line := lines[1+i]
			assert.Equal(t, logger.RecordEvent, line[logger.KeyRecord])
			assert.Equal(t, mint.ID, line[logger.KeyTxID])
			assert.Equal(t, float64(i), line[logger.KeySeq])
			assert.Equal(t, string(ev.Type), line[logger.KeyEvent])
		}
	})

	t.Run("rejection carries the error code", func(t *testing.T) {
		last := lines[len(lines)-1]
		assert.Equal(t, logger.RecordReceipt, last[logger.KeyRecord])
		assert.Equal(t, "WARN", last["level"])
		assert.Equal(t, "mallory", last[logger.KeySender])
		assert.Equal(t, string(xerrors.CodeUnauthorized), last[logger.KeyCode])
		assert.NotEmpty(t, last[logger.KeyCategory])
	})
}
