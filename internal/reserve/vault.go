// Package reserve tracks the multi-asset vault backing the reserve token:
// health ratio, custody movements, rebalancing and the circuit breaker.
package reserve

import (
	"context"
	"sort"
	"strings"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/guard"
	"ARS-Engine/internal/ledger"
)

const (
	// PriceScale 是资产价格的定点精度，价格 1_000_000 表示 1 个计价单位。
	PriceScale = 1_000_000
	// VHRSentinel 是抵押率上限，负债为零时直接返回该值。
	VHRSentinel = 65535
	// VaultAccount 是金库在外部账本上的账户名。
	VaultAccount = "reserve-vault"
)

// Config 描述金库参数。
type Config struct {
	MinVHR                uint64 `json:"min_vhr_bps"`
	RebalanceThresholdBps uint64 `json:"rebalance_threshold_bps"`
	RebalanceInterval     int64  `json:"rebalance_interval"`
	MaxSlippageBps        uint64 `json:"max_slippage_bps"`
	EmergencyWithdrawBps  uint64 `json:"emergency_withdraw_bps"`
}

// DefaultConfig 返回协议默认参数。
func DefaultConfig() Config {
	return Config{
		MinVHR:                15_000,
		RebalanceThresholdBps: 500,
		RebalanceInterval:     3600,
		MaxSlippageBps:        100,
		EmergencyWithdrawBps:  1_000,
	}
}

func (c Config) validate() error {
	if c.MinVHR == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "min_vhr_bps must be positive")
	}
	if c.MinVHR > VHRSentinel {
		return xerrors.New(xerrors.CodeInvalidArgument, "min_vhr_bps exceeds the ratio ceiling",
			xerrors.WithBound(VHRSentinel, c.MinVHR))
	}
	if c.RebalanceThresholdBps > checked.BpsDenominator || c.MaxSlippageBps > checked.BpsDenominator ||
		c.EmergencyWithdrawBps > checked.BpsDenominator {
		return xerrors.New(xerrors.CodeInvalidArgument, "bps parameters must not exceed 10000")
	}
	if c.RebalanceInterval < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "rebalance_interval must not be negative")
	}
	return nil
}

// Asset 是金库持有的一种储备资产。
type Asset struct {
	Symbol          string `json:"symbol" yaml:"symbol"`
	Amount          uint64 `json:"amount" yaml:"amount"`
	Price           uint64 `json:"price" yaml:"price"`
	TargetWeightBps uint64 `json:"target_weight_bps" yaml:"target_weight_bps"`
}

// Value 返回资产的计价价值。
func (a Asset) Value() (uint64, error) {
	return checked.MulDiv(a.Amount, a.Price, PriceScale)
}

// Vault 是金库的账面状态。
type Vault struct {
	Assets        []Asset     `json:"assets"`
	TotalValue    uint64      `json:"total_value"`
	Liabilities   uint64      `json:"liabilities"`
	VHR           uint64      `json:"vhr"`
	LastRebalance int64       `json:"last_rebalance"`
	Guard         guard.Guard `json:"guard"`
}

// Custody 按资产符号返回外部托管账本，未配置时返回 nil。
type Custody interface {
	Ledger(symbol string) ledger.TokenLedger
}

// LedgerSet 是以符号为键的 Custody 实现。
type LedgerSet map[string]ledger.TokenLedger

// Ledger 实现 Custody。
func (s LedgerSet) Ledger(symbol string) ledger.TokenLedger {
	if s == nil {
		return nil
	}
	return s[symbol]
}

// Monitor 组合金库与熔断器。
type Monitor struct {
	cfg  Config
	bcfg BreakerConfig

	Vault   Vault   `json:"vault"`
	Breaker Breaker `json:"breaker"`
}

// New 创建空金库。熔断阈值只在此处设定。
func New(cfg Config, bcfg BreakerConfig) *Monitor {
	def := DefaultConfig()
	if cfg.MinVHR == 0 {
		cfg.MinVHR = def.MinVHR
	}
	if cfg.RebalanceInterval == 0 {
		cfg.RebalanceInterval = def.RebalanceInterval
	}
	m := &Monitor{cfg: cfg, bcfg: bcfg.normalize()}
	m.Vault.VHR = VHRSentinel
	return m
}

// Clone 深拷贝。
func (m *Monitor) Clone() *Monitor {
	cp := *m
	cp.Vault.Assets = append([]Asset(nil), m.Vault.Assets...)
	return &cp
}

// Config 返回金库参数。
func (m *Monitor) Config() Config { return m.cfg }

// BreakerConfig 返回熔断参数。
func (m *Monitor) BreakerConfig() BreakerConfig { return m.bcfg }

// SetConfig 更新金库参数。
func (m *Monitor) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	m.cfg = cfg
	return nil
}

// ComputeVHR 返回 min(floor(total*10000/liabilities), VHRSentinel)，负债为零时返回哨兵值。
func ComputeVHR(total, liabilities uint64) (uint64, error) {
	// 比值不小于 7 时结果必然超过上限，也避免了乘法溢出。
	if liabilities == 0 || total/liabilities >= 7 {
		return VHRSentinel, nil
	}
	vhr, err := checked.MulDiv(total, checked.BpsDenominator, liabilities)
	if err != nil {
		return 0, err
	}
	if vhr > VHRSentinel {
		return VHRSentinel, nil
	}
	return vhr, nil
}

// RegisterAsset 登记新的储备资产。调用方负责权限校验。
func (m *Monitor) RegisterAsset(rec *event.Recorder, a Asset) error {
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	if a.Symbol == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "asset symbol cannot be empty")
	}
	if a.Price == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "asset price must be positive")
	}
	if _, ok := m.find(a.Symbol); ok {
		return ErrAssetExists.With(xerrors.WithMetadata("asset", a.Symbol))
	}
	var weights uint64
	for _, existing := range m.Vault.Assets {
		weights += existing.TargetWeightBps
	}
	if weights+a.TargetWeightBps > checked.BpsDenominator {
		return xerrors.New(xerrors.CodeInvalidArgument, "target weights exceed 10000 bps",
			xerrors.WithBound(checked.BpsDenominator, weights+a.TargetWeightBps))
	}
	m.Vault.Assets = append(m.Vault.Assets, a)
	sort.Slice(m.Vault.Assets, func(i, j int) bool { return m.Vault.Assets[i].Symbol < m.Vault.Assets[j].Symbol })
	if err := m.revalue(); err != nil {
		return err
	}
	rec.Emit(event.AssetRegistered, "asset", a.Symbol, "price", event.U(a.Price), "target_weight_bps", event.U(a.TargetWeightBps))
	return nil
}

// UpdatePrice 更新资产价格并重算抵押率。
func (m *Monitor) UpdatePrice(symbol string, price uint64) error {
	if price == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "asset price must be positive")
	}
	idx, ok := m.find(symbol)
	if !ok {
		return ErrAssetNotFound.With(xerrors.WithMetadata("asset", symbol))
	}
	m.Vault.Assets[idx].Price = price
	return m.revalue()
}

// SyncLiabilities 将负债同步为代币总供应。
func (m *Monitor) SyncLiabilities(supply uint64) error {
	m.Vault.Liabilities = supply
	return m.revalue()
}

// Deposit 将资产存入金库。账本转账放在最后。
func (m *Monitor) Deposit(ctx context.Context, rec *event.Recorder, custody Custody, from, symbol string, amount uint64) error {
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "deposit amount must be positive")
	}
	release, err := m.Vault.Guard.Acquire("reserve.deposit")
	if err != nil {
		return err
	}
	defer release()

	idx, ok := m.find(symbol)
	if !ok {
		return ErrAssetNotFound.With(xerrors.WithMetadata("asset", symbol))
	}
	held, err := checked.Add(m.Vault.Assets[idx].Amount, amount)
	if err != nil {
		return err
	}
	prev := m.Vault.Assets[idx].Amount
	m.Vault.Assets[idx].Amount = held
	if err := m.revalue(); err != nil {
		m.Vault.Assets[idx].Amount = prev
		return err
	}

	if tl := ledgerFor(custody, m.Vault.Assets[idx].Symbol); tl != nil {
		if err := tl.Transfer(ctx, from, VaultAccount, amount); err != nil {
			return err
		}
	}
	rec.Emit(event.VaultDeposited,
		"asset", m.Vault.Assets[idx].Symbol,
		"from", from,
		"amount", event.U(amount),
		"total_value", event.U(m.Vault.TotalValue),
		"vhr", event.U(m.Vault.VHR),
	)
	return nil
}

// Withdraw 从金库提取资产。先计算提取后的抵押率，低于下限即拒绝。
func (m *Monitor) Withdraw(ctx context.Context, rec *event.Recorder, custody Custody, to, symbol string, amount uint64) error {
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "withdraw amount must be positive")
	}
	release, err := m.Vault.Guard.Acquire("reserve.withdraw")
	if err != nil {
		return err
	}
	defer release()

	idx, ok := m.find(symbol)
	if !ok {
		return ErrAssetNotFound.With(xerrors.WithMetadata("asset", symbol))
	}
	asset := m.Vault.Assets[idx]
	if asset.Amount < amount {
		return ErrInsufficientReserve.With(
			xerrors.WithMetadata("asset", asset.Symbol),
			xerrors.WithBound(amount, asset.Amount),
		)
	}
	value, err := checked.MulDiv(amount, asset.Price, PriceScale)
	if err != nil {
		return err
	}
	if m.Breaker.Active {
		limit, err := checked.Bps(m.Vault.TotalValue, m.cfg.EmergencyWithdrawBps)
		if err != nil {
			return err
		}
		if value > limit {
			return ErrEmergencyLimitExceeded.With(xerrors.WithBound(limit, value))
		}
	}
	prospective, err := checked.Sub(m.Vault.TotalValue, value)
	if err != nil {
		return err
	}
	vhr, err := ComputeVHR(prospective, m.Vault.Liabilities)
	if err != nil {
		return err
	}
	if vhr < m.cfg.MinVHR {
		return ErrVHRTooLow.With(
			xerrors.WithMetadata("asset", asset.Symbol),
			xerrors.WithBound(m.cfg.MinVHR, vhr),
		)
	}

	m.Vault.Assets[idx].Amount -= amount
	if err := m.revalue(); err != nil {
		return err
	}

	if tl := ledgerFor(custody, asset.Symbol); tl != nil {
		if err := tl.Transfer(ctx, VaultAccount, to, amount); err != nil {
			return err
		}
	}
	rec.Emit(event.VaultWithdrawn,
		"asset", asset.Symbol,
		"to", to,
		"amount", event.U(amount),
		"total_value", event.U(m.Vault.TotalValue),
		"vhr", event.U(m.Vault.VHR),
	)
	return nil
}

// Asset 返回指定资产的副本。
func (m *Monitor) Asset(symbol string) (Asset, bool) {
	idx, ok := m.find(symbol)
	if !ok {
		return Asset{}, false
	}
	return m.Vault.Assets[idx], true
}

func (m *Monitor) find(symbol string) (int, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for i, a := range m.Vault.Assets {
		if a.Symbol == symbol {
			return i, true
		}
	}
	return -1, false
}

// revalue 按当前数量与价格重算总价值和抵押率。
func (m *Monitor) revalue() error {
	var total uint64
	for _, a := range m.Vault.Assets {
		v, err := a.Value()
		if err != nil {
			return err
		}
		if total, err = checked.Add(total, v); err != nil {
			return err
		}
	}
	vhr, err := ComputeVHR(total, m.Vault.Liabilities)
	if err != nil {
		return err
	}
	m.Vault.TotalValue = total
	m.Vault.VHR = vhr
	return nil
}

func ledgerFor(c Custody, symbol string) ledger.TokenLedger {
	if c == nil {
		return nil
	}
	return c.Ledger(symbol)
}
