package reserve

import (
	"context"
	stdErrors "errors"
	"math/big"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/ledger"
	"ARS-Engine/internal/registry"
)

const t0 = int64(1_700_000_000)

func newMonitor(t *testing.T, assets ...Asset) *Monitor {
	t.Helper()
	m := New(DefaultConfig(), DefaultBreakerConfig())
	rec := event.NewRecorder(t0)
	for _, a := range assets {
		require.NoError(t, m.RegisterAsset(rec, a))
	}
	return m
}

func TestComputeVHR(t *testing.T) {
	t.Run("sentinel without liabilities", func(t *testing.T) {
		vhr, err := ComputeVHR(123, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(VHRSentinel), vhr)
	})
	t.Run("matches floor formula", func(t *testing.T) {
		rng := rand.New(rand.NewSource(11))
		for i := 0; i < 1_000; i++ {
			total := uint64(rng.Int63n(1 << 40))
			liab := uint64(rng.Int63n(1<<40) + 1)
			vhr, err := ComputeVHR(total, liab)
			require.NoError(t, err)
			want := new(big.Int).Mul(new(big.Int).SetUint64(total), big.NewInt(10_000))
			want.Quo(want, new(big.Int).SetUint64(liab))
			if want.Cmp(big.NewInt(VHRSentinel)) > 0 {
				want.SetInt64(VHRSentinel)
			}
			require.Equal(t, want.Uint64(), vhr)
		}
	})
	t.Run("healthy vaults never exceed the sentinel", func(t *testing.T) {
		vhr, err := ComputeVHR(2_000_000, 100_000)
		require.NoError(t, err)
		assert.Equal(t, uint64(VHRSentinel), vhr)

		vhr, err = ComputeVHR(^uint64(0), 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(VHRSentinel), vhr)

		vhr, err = ComputeVHR(655_349, 100_000)
		require.NoError(t, err)
		assert.Equal(t, uint64(65_534), vhr)
	})
	t.Run("min ratio above the ceiling is rejected", func(t *testing.T) {
		m := New(DefaultConfig(), DefaultBreakerConfig())
		cfg := m.Config()
		cfg.MinVHR = VHRSentinel + 1
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(m.SetConfig(cfg)))
	})
}

func TestDepositAndWithdraw(t *testing.T) {
	ctx := context.Background()
	usdc := ledger.NewMemoryLedger("USDC")
	require.NoError(t, usdc.Mint(ctx, "alice", 5_000))
	custody := LedgerSet{"USDC": usdc}

	m := newMonitor(t, Asset{Symbol: "usdc", Price: PriceScale, TargetWeightBps: 10_000})
	require.NoError(t, m.SyncLiabilities(1_000))
	assert.Equal(t, uint64(0), m.Vault.VHR)

	rec := event.NewRecorder(t0)
	require.NoError(t, m.Deposit(ctx, rec, custody, "alice", "USDC", 2_000))
	assert.Equal(t, uint64(2_000), m.Vault.TotalValue)
	assert.Equal(t, uint64(20_000), m.Vault.VHR)
	bal, _ := usdc.BalanceOf(ctx, VaultAccount)
	assert.Equal(t, uint64(2_000), bal)
	assert.Equal(t, 1, rec.Count(event.VaultDeposited))

	t.Run("withdrawal below 150 percent is rejected", func(t *testing.T) {
		err := m.Withdraw(ctx, rec, custody, "bob", "USDC", 600)
		require.Error(t, err)
		assert.True(t, stdErrors.Is(err, ErrVHRTooLow))
		assert.Equal(t, "15000", xerrors.MetadataOf(err)["required"])
		assert.Equal(t, "14000", xerrors.MetadataOf(err)["actual"])
		assert.Equal(t, uint64(2_000), m.Vault.TotalValue)
	})
	t.Run("withdrawal down to the minimum passes", func(t *testing.T) {
		require.NoError(t, m.Withdraw(ctx, rec, custody, "bob", "USDC", 500))
		assert.Equal(t, uint64(15_000), m.Vault.VHR)
		got, _ := usdc.BalanceOf(ctx, "bob")
		assert.Equal(t, uint64(500), got)
	})
	t.Run("unknown asset", func(t *testing.T) {
		err := m.Deposit(ctx, rec, custody, "alice", "DOGE", 1)
		assert.True(t, stdErrors.Is(err, ErrAssetNotFound))
	})
	t.Run("raw balance check", func(t *testing.T) {
		require.NoError(t, m.SyncLiabilities(0))
		err := m.Withdraw(ctx, rec, custody, "bob", "USDC", 10_000)
		assert.True(t, stdErrors.Is(err, ErrInsufficientReserve))
	})
	assert.False(t, m.Vault.Guard.Held)
}

func TestWithdrawEmergencyLimitWhileBreakerActive(t *testing.T) {
	ctx := context.Background()
	m := newMonitor(t, Asset{Symbol: "USDC", Price: PriceScale, TargetWeightBps: 10_000})
	rec := event.NewRecorder(t0)
	require.NoError(t, m.Deposit(ctx, rec, nil, "alice", "USDC", 10_000))
	m.Breaker.Active = true

	err := m.Withdraw(ctx, rec, nil, "bob", "USDC", 1_001)
	assert.True(t, stdErrors.Is(err, ErrEmergencyLimitExceeded))
	require.NoError(t, m.Withdraw(ctx, rec, nil, "bob", "USDC", 1_000))
}

func TestRebalance(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T) (*Monitor, *MemoryVenue, LedgerSet) {
		m := newMonitor(t,
			Asset{Symbol: "AAA", Price: PriceScale, TargetWeightBps: 5_000},
			Asset{Symbol: "BBB", Price: 2 * PriceScale, TargetWeightBps: 5_000},
		)
		custody := LedgerSet{"AAA": ledger.NewMemoryLedger("AAA"), "BBB": ledger.NewMemoryLedger("BBB")}
		require.NoError(t, custody["AAA"].Mint(ctx, "seed", 8_000))
		require.NoError(t, custody["BBB"].Mint(ctx, "seed", 1_000))
		rec := event.NewRecorder(t0)
		require.NoError(t, m.Deposit(ctx, rec, custody, "seed", "AAA", 8_000))
		require.NoError(t, m.Deposit(ctx, rec, custody, "seed", "BBB", 1_000))
		return m, NewMemoryVenue(map[string]uint64{"AAA": PriceScale, "BBB": 2 * PriceScale}), custody
	}
	held := func(t *testing.T, custody LedgerSet, symbol string) uint64 {
		t.Helper()
		bal, err := custody.Ledger(symbol).BalanceOf(ctx, VaultAccount)
		require.NoError(t, err)
		return bal
	}

	t.Run("moves surplus into deficit", func(t *testing.T) {
		m, venue, custody := setup(t)
		needed, err := m.NeedsRebalance()
		require.NoError(t, err)
		require.True(t, needed)

		rec := event.NewRecorder(t0 + 10)
		res, err := m.Rebalance(ctx, rec, venue, custody)
		require.NoError(t, err)
		require.Len(t, res.Legs, 1)
		assert.Equal(t, "AAA", res.Legs[0].In)
		assert.Equal(t, "BBB", res.Legs[0].Out)
		assert.Equal(t, uint64(3_000), res.Legs[0].AmountIn)

		a, _ := m.Asset("AAA")
		b, _ := m.Asset("BBB")
		assert.Equal(t, uint64(5_000), a.Amount)
		assert.Equal(t, uint64(2_500), b.Amount)
		assert.Equal(t, a.Amount, held(t, custody, "AAA"), "custody follows the books")
		assert.Equal(t, b.Amount, held(t, custody, "BBB"), "custody follows the books")
		assert.Equal(t, t0+10, m.Vault.LastRebalance)
		assert.Equal(t, 1, rec.Count(event.VaultRebalanced))

		_, err = m.Rebalance(ctx, event.NewRecorder(t0+100), venue, custody)
		assert.True(t, stdErrors.Is(err, ErrRebalanceTooSoon))

		res, err = m.Rebalance(ctx, event.NewRecorder(t0+10+3_600), venue, custody)
		require.NoError(t, err)
		assert.True(t, res.Skipped, "balanced vault is a no-op")
	})

	t.Run("slippage aborts", func(t *testing.T) {
		m, venue, custody := setup(t)
		venue.SetSlippage(200)
		_, err := m.Rebalance(ctx, event.NewRecorder(t0), venue, custody)
		require.Error(t, err)
		assert.True(t, stdErrors.Is(err, ErrSlippageExceeded))
		assert.Equal(t, "0", xerrors.MetadataOf(err)["executed_legs"])
		assert.False(t, m.Vault.Guard.Held)
		assert.Zero(t, venue.Fills())
		assert.Equal(t, uint64(8_000), held(t, custody, "AAA"))
	})

	t.Run("venue failure surfaces as external", func(t *testing.T) {
		m, venue, custody := setup(t)
		venue.FailNext(stdErrors.New("pool paused"))
		_, err := m.Rebalance(ctx, event.NewRecorder(t0), venue, custody)
		assert.Equal(t, xerrors.CodeExternalFailure, xerrors.CodeOf(err))
	})

	t.Run("blocked while breaker active", func(t *testing.T) {
		m, venue, custody := setup(t)
		m.Breaker.Active = true
		_, err := m.Rebalance(ctx, event.NewRecorder(t0), venue, custody)
		assert.True(t, stdErrors.Is(err, ErrCircuitBreakerActive))
	})

	t.Run("every leg is quoted before any executes", func(t *testing.T) {
		m := newMonitor(t,
			Asset{Symbol: "AAA", Price: PriceScale, TargetWeightBps: 4_000},
			Asset{Symbol: "BBB", Price: PriceScale, TargetWeightBps: 3_000},
			Asset{Symbol: "CCC", Price: PriceScale, TargetWeightBps: 3_000},
		)
		rec := event.NewRecorder(t0)
		require.NoError(t, m.Deposit(ctx, rec, nil, "seed", "AAA", 10_000))
		// CCC quotes 5% under the book price, so the second leg fails its quote.
		venue := NewMemoryVenue(map[string]uint64{"AAA": PriceScale, "BBB": PriceScale, "CCC": PriceScale * 105 / 100})

		legs, err := m.Plan()
		require.NoError(t, err)
		require.Len(t, legs, 2)

		_, err = m.Rebalance(ctx, event.NewRecorder(t0+1), venue, nil)
		require.Error(t, err)
		assert.True(t, stdErrors.Is(err, ErrSlippageExceeded))
		assert.Equal(t, "quote", xerrors.MetadataOf(err)["stage"])
		assert.Equal(t, "AAA->CCC", xerrors.MetadataOf(err)["leg"])
		assert.Zero(t, venue.Fills(), "no leg may fill when a later quote is short")
	})

	t.Run("settlement failure rejects the run", func(t *testing.T) {
		m, venue, custody := setup(t)
		custody["BBB"].(*ledger.MemoryLedger).FailNext(stdErrors.New("custody offline"))
		_, err := m.Rebalance(ctx, event.NewRecorder(t0), venue, custody)
		assert.Equal(t, xerrors.CodeExternalFailure, xerrors.CodeOf(err))
		assert.Equal(t, "0", xerrors.MetadataOf(err)["settled_legs"])
	})
}

func breakerFixture(t *testing.T) (*Monitor, *registry.Registry) {
	t.Helper()
	rec := event.NewRecorder(t0)
	reg := registry.New(registry.DefaultConfig())
	_, err := reg.Register(rec, "watcher", "w", 5_000, "sentinel")
	require.NoError(t, err)
	_, err = reg.Register(rec, "validator", "v", 1_000, "validator")
	require.NoError(t, err)
	require.NoError(t, reg.Whitelist(rec, "validator"))
	_, err = reg.AdjustReputation(rec, "watcher", 30)
	require.NoError(t, err)
	return New(DefaultConfig(), DefaultBreakerConfig()), reg
}

func TestBreakerTrigger(t *testing.T) {
	t.Run("requires reputation", func(t *testing.T) {
		m, reg := breakerFixture(t)
		_, err := reg.AdjustReputation(nil, "watcher", -20)
		require.NoError(t, err)
		err = m.Trigger(event.NewRecorder(t0), reg, "watcher", ReasonOracleAnomaly, []byte("x"), 1_000)
		assert.True(t, stdErrors.Is(err, ErrInsufficientReputation))
	})
	t.Run("tiered stake", func(t *testing.T) {
		m, reg := breakerFixture(t)
		err := m.Trigger(event.NewRecorder(t0), reg, "watcher", ReasonReserveShortfall, []byte("x"), 4_999)
		assert.True(t, stdErrors.Is(err, registry.ErrInsufficientStake))
		assert.Equal(t, "5000", xerrors.MetadataOf(err)["required"])
	})
	t.Run("locks stake and hashes evidence", func(t *testing.T) {
		m, reg := breakerFixture(t)
		rec := event.NewRecorder(t0)
		require.NoError(t, m.Trigger(rec, reg, "watcher", ReasonOracleAnomaly, []byte("feed diverged"), 1_000))
		assert.True(t, m.Breaker.Active)
		assert.Len(t, m.Breaker.EvidenceHash, 66)
		assert.Equal(t, t0+86_400, m.Breaker.ExpiresAt)
		a, _ := reg.Get("watcher")
		assert.Equal(t, uint64(1_000), a.Locked)

		err := m.Trigger(rec, reg, "watcher", ReasonOracleAnomaly, []byte("again"), 1_000)
		assert.True(t, stdErrors.Is(err, ErrCircuitBreakerActive))
	})
	t.Run("expiry keeps validation pending", func(t *testing.T) {
		m, reg := breakerFixture(t)
		require.NoError(t, m.Trigger(event.NewRecorder(t0), reg, "watcher", ReasonOracleAnomaly, []byte("x"), 1_000))
		rec := event.NewRecorder(t0 + 86_400)
		m.Tick(rec)
		assert.False(t, m.Breaker.Active)
		assert.True(t, m.Breaker.NeedsValidation)
		assert.Equal(t, 1, rec.Count(event.CircuitBreakerExpired))

		err := m.Trigger(rec, reg, "watcher", ReasonOracleAnomaly, []byte("x"), 1_000)
		assert.True(t, stdErrors.Is(err, ErrCircuitBreakerCooldown))
	})
}

func TestBreakerValidate(t *testing.T) {
	t.Run("invalid trigger slashes the trigger agent only", func(t *testing.T) {
		m, reg := breakerFixture(t)
		require.NoError(t, m.Trigger(event.NewRecorder(t0), reg, "watcher", ReasonOracleAnomaly, []byte("x"), 1_000))

		rec := event.NewRecorder(t0 + 60)
		require.NoError(t, m.Validate(rec, reg, "validator", false, 3))

		watcher, _ := reg.Get("watcher")
		validator, _ := reg.Get("validator")
		assert.Equal(t, uint64(4_000), watcher.Stake)
		assert.Equal(t, uint64(0), watcher.Locked)
		assert.Equal(t, 50, watcher.Reputation)
		assert.Equal(t, uint64(1_500), validator.Stake)
		assert.Equal(t, registry.InitialReputation, validator.Reputation)

		assert.False(t, m.Breaker.Active)
		assert.Equal(t, t0+60+86_400, m.Breaker.CooldownUntil)
		assert.Equal(t, 1, rec.Count(event.CircuitBreakerValidated))
	})

	t.Run("valid trigger unlocks and rewards", func(t *testing.T) {
		m, reg := breakerFixture(t)
		require.NoError(t, m.Trigger(event.NewRecorder(t0), reg, "watcher", ReasonOracleAnomaly, []byte("x"), 1_000))
		require.NoError(t, m.Validate(event.NewRecorder(t0+60), reg, "validator", true, 0))
		watcher, _ := reg.Get("watcher")
		assert.Equal(t, uint64(5_000), watcher.Stake)
		assert.Equal(t, uint64(0), watcher.Locked)
		assert.Equal(t, 85, watcher.Reputation)
	})

	t.Run("re-trigger inside cooldown fails", func(t *testing.T) {
		m, reg := breakerFixture(t)
		require.NoError(t, m.Trigger(event.NewRecorder(t0), reg, "watcher", ReasonOracleAnomaly, []byte("x"), 1_000))
		require.NoError(t, m.Validate(event.NewRecorder(t0+60), reg, "validator", true, 0))

		err := m.Trigger(event.NewRecorder(t0+3_600), reg, "watcher", ReasonOracleAnomaly, []byte("y"), 1_000)
		assert.True(t, stdErrors.Is(err, ErrCircuitBreakerCooldown))
		require.NoError(t, m.Trigger(event.NewRecorder(t0+60+86_400), reg, "watcher", ReasonOracleAnomaly, []byte("y"), 1_000))
	})

	t.Run("validator restrictions", func(t *testing.T) {
		m, reg := breakerFixture(t)
		assert.True(t, stdErrors.Is(m.Validate(event.NewRecorder(t0), reg, "validator", true, 0), ErrBreakerNotPending))
		require.NoError(t, m.Trigger(event.NewRecorder(t0), reg, "watcher", ReasonOracleAnomaly, []byte("x"), 1_000))
		err := m.Validate(event.NewRecorder(t0), reg, "watcher", false, 1)
		assert.True(t, stdErrors.Is(err, registry.ErrInsufficientTier))
		err = m.Validate(event.NewRecorder(t0), reg, "validator", false, 11)
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	})
}

func TestReasonText(t *testing.T) {
	var r Reason
	require.NoError(t, r.UnmarshalText([]byte("Governance_Attack")))
	assert.Equal(t, ReasonGovernanceAttack, r)
	assert.Error(t, r.UnmarshalText([]byte("boredom")))
}

func TestLoadAssetDefinitions(t *testing.T) {
	defs, err := LoadAssetDefinitions("")
	require.NoError(t, err)
	require.Len(t, defs.Assets, 4)

	path := filepath.Join(t.TempDir(), "assets.yaml")
	content := "assets:\n  - symbol: SOL\n    price: 150000000\n    target_weight_bps: 6000\n  - symbol: USDC\n    price: 1000000\n    target_weight_bps: 4000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	defs, err = LoadAssetDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs.Assets, 2)
	assert.Equal(t, uint64(6_000), defs.Assets[0].TargetWeightBps)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("assets:\n  - symbol: A\n    target_weight_bps: 10001\n"), 0o600))
	_, err = LoadAssetDefinitions(bad)
	assert.Error(t, err)
}
