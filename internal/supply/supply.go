// Package supply enforces epoch-bounded mint and burn of the reserve token.
package supply

import (
	"context"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/guard"
	"ARS-Engine/internal/ledger"
)

const (
	CodeMintCapExceeded    xerrors.Code = "MINT_CAP_EXCEEDED"
	CodeBurnCapExceeded    xerrors.Code = "BURN_CAP_EXCEEDED"
	CodeInsufficientSupply xerrors.Code = "INSUFFICIENT_SUPPLY"
)

var (
	// ErrMintCapExceeded 表示本纪元铸造额度不足。
	ErrMintCapExceeded = xerrors.New(CodeMintCapExceeded, "")
	// ErrBurnCapExceeded 表示本纪元销毁额度不足。
	ErrBurnCapExceeded = xerrors.New(CodeBurnCapExceeded, "")
	// ErrInsufficientSupply 表示销毁数量大于总供应。
	ErrInsufficientSupply = xerrors.New(CodeInsufficientSupply, "")
)

func init() {
	xerrors.Register(CodeMintCapExceeded, xerrors.Attributes{
		Message:  "mint cap exceeded",
		Category: xerrors.CategoryEconomicLimit,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBurnCapExceeded, xerrors.Attributes{
		Message:  "burn cap exceeded",
		Category: xerrors.CategoryEconomicLimit,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientSupply, xerrors.Attributes{
		Message:  "burn exceeds total supply",
		Category: xerrors.CategoryEconomicLimit,
		Severity: xerrors.SeverityWarning,
	})
}

// Config 描述纪元长度与额度。
type Config struct {
	EpochDuration int64  `json:"epoch_duration"`
	MintCapBps    uint64 `json:"mint_cap_bps"`
	BurnCapBps    uint64 `json:"burn_cap_bps"`
	HistoryLimit  int    `json:"history_limit"`
}

// DefaultConfig 返回协议默认参数。
func DefaultConfig() Config {
	return Config{EpochDuration: 86400, MintCapBps: 200, BurnCapBps: 200, HistoryLimit: 365}
}

// Epoch 是一个纪元的计数器快照。
type Epoch struct {
	Number        uint64 `json:"number"`
	StartedAt     int64  `json:"started_at"`
	Duration      int64  `json:"duration"`
	MintCapBps    uint64 `json:"mint_cap_bps"`
	BurnCapBps    uint64 `json:"burn_cap_bps"`
	Minted        uint64 `json:"minted"`
	Burned        uint64 `json:"burned"`
	SupplyAtStart uint64 `json:"supply_at_start"`
}

// EndsAt 返回纪元结束时间。
func (e Epoch) EndsAt() int64 { return e.StartedAt + e.Duration }

// Controller 保存供应量与纪元状态。
type Controller struct {
	cfg Config

	Current          Epoch       `json:"current"`
	TotalSupply      uint64      `json:"total_supply"`
	CumulativeMinted uint64      `json:"cumulative_minted"`
	CumulativeBurned uint64      `json:"cumulative_burned"`
	History          []Epoch     `json:"history,omitempty"`
	Guard            guard.Guard `json:"guard"`
}

// New 以初始供应量创建控制器，第一个纪元从 now 开始。
func New(cfg Config, initialSupply uint64, now int64) *Controller {
	def := DefaultConfig()
	if cfg.EpochDuration <= 0 {
		cfg.EpochDuration = def.EpochDuration
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Controller{
		cfg:              cfg,
		TotalSupply:      initialSupply,
		CumulativeMinted: initialSupply,
		Current: Epoch{
			Number:        1,
			StartedAt:     now,
			Duration:      cfg.EpochDuration,
			MintCapBps:    cfg.MintCapBps,
			BurnCapBps:    cfg.BurnCapBps,
			SupplyAtStart: initialSupply,
		},
	}
}

// Clone 深拷贝。
func (c *Controller) Clone() *Controller {
	cp := *c
	cp.History = append([]Epoch(nil), c.History...)
	return &cp
}

// Config 返回当前参数。
func (c *Controller) Config() Config { return c.cfg }

// SetConfig 更新纪元参数，新值在下一次滚动时生效。
func (c *Controller) SetConfig(cfg Config) error {
	if cfg.MintCapBps > checked.BpsDenominator || cfg.BurnCapBps > checked.BpsDenominator {
		return xerrors.New(xerrors.CodeInvalidArgument, "cap bps must not exceed 10000")
	}
	if cfg.EpochDuration <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "epoch duration must be positive")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = c.cfg.HistoryLimit
	}
	c.cfg = cfg
	return nil
}

// SetCaps 只调整铸造与销毁额度。
func (c *Controller) SetCaps(mintBps, burnBps uint64) error {
	cfg := c.cfg
	cfg.MintCapBps, cfg.BurnCapBps = mintBps, burnBps
	return c.SetConfig(cfg)
}

// RollEpoch 在纪元到期时开启新纪元。窗口内重复调用为空操作。
func (c *Controller) RollEpoch(rec *event.Recorder) (bool, error) {
	if rec.Now < c.Current.EndsAt() {
		return false, nil
	}
	next, err := checked.Inc(c.Current.Number)
	if err != nil {
		return false, err
	}
	c.History = append(c.History, c.Current)
	if over := len(c.History) - c.cfg.HistoryLimit; over > 0 {
		c.History = append([]Epoch(nil), c.History[over:]...)
	}
	prev := c.Current
	c.Current = Epoch{
		Number:        next,
		StartedAt:     rec.Now,
		Duration:      c.cfg.EpochDuration,
		MintCapBps:    c.cfg.MintCapBps,
		BurnCapBps:    c.cfg.BurnCapBps,
		SupplyAtStart: c.TotalSupply,
	}
	rec.Emit(event.EpochRolled,
		"epoch", event.U(next),
		"supply_at_start", event.U(c.TotalSupply),
		"prev_minted", event.U(prev.Minted),
		"prev_burned", event.U(prev.Burned),
	)
	return true, nil
}

// MintCap 返回本纪元可铸造上限。
func (c *Controller) MintCap() (uint64, error) {
	return checked.Bps(c.Current.SupplyAtStart, c.Current.MintCapBps)
}

// BurnCap 返回本纪元可销毁上限。
func (c *Controller) BurnCap() (uint64, error) {
	return checked.Bps(c.Current.SupplyAtStart, c.Current.BurnCapBps)
}

// Mint 在纪元额度内铸造。纪元滚动先于额度检查，账本调用放在最后。
func (c *Controller) Mint(ctx context.Context, rec *event.Recorder, tl ledger.TokenLedger, dest string, amount uint64) error {
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "mint amount must be positive")
	}
	release, err := c.Guard.Acquire("supply.mint")
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.RollEpoch(rec); err != nil {
		return err
	}
	limit, err := c.MintCap()
	if err != nil {
		return err
	}
	minted, err := checked.Add(c.Current.Minted, amount)
	if err != nil {
		return err
	}
	if minted > limit {
		return ErrMintCapExceeded.With(
			xerrors.WithBound(limit, minted),
			xerrors.WithMetadata("epoch", event.U(c.Current.Number)),
		)
	}
	total, err := checked.Add(c.TotalSupply, amount)
	if err != nil {
		return err
	}
	cumulative, err := checked.Add(c.CumulativeMinted, amount)
	if err != nil {
		return err
	}
	c.Current.Minted = minted
	c.TotalSupply = total
	c.CumulativeMinted = cumulative

	if tl != nil {
		if err := tl.Mint(ctx, dest, amount); err != nil {
			return err
		}
	}
	rec.Emit(event.SupplyMinted, "dest", dest, "amount", event.U(amount), "total_supply", event.U(total))
	return nil
}

// Burn 在纪元额度内销毁，且不得超过总供应。
func (c *Controller) Burn(ctx context.Context, rec *event.Recorder, tl ledger.TokenLedger, source string, amount uint64) error {
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "burn amount must be positive")
	}
	release, err := c.Guard.Acquire("supply.burn")
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.RollEpoch(rec); err != nil {
		return err
	}
	if c.TotalSupply < amount {
		return ErrInsufficientSupply.With(xerrors.WithBound(amount, c.TotalSupply))
	}
	limit, err := c.BurnCap()
	if err != nil {
		return err
	}
	burned, err := checked.Add(c.Current.Burned, amount)
	if err != nil {
		return err
	}
	if burned > limit {
		return ErrBurnCapExceeded.With(
			xerrors.WithBound(limit, burned),
			xerrors.WithMetadata("epoch", event.U(c.Current.Number)),
		)
	}
	cumulative, err := checked.Add(c.CumulativeBurned, amount)
	if err != nil {
		return err
	}
	c.Current.Burned = burned
	c.TotalSupply -= amount
	c.CumulativeBurned = cumulative

	if tl != nil {
		if err := tl.Burn(ctx, source, amount); err != nil {
			return err
		}
	}
	rec.Emit(event.SupplyBurned, "source", source, "amount", event.U(amount), "total_supply", event.U(c.TotalSupply))
	return nil
}

// Forfeit 记录罚没质押的销毁。罚没不属于货币政策，不占用纪元销毁额度；
// 账本上的销毁由调用方在事务末尾执行。
func (c *Controller) Forfeit(rec *event.Recorder, source string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if c.TotalSupply < amount {
		return ErrInsufficientSupply.With(xerrors.WithBound(amount, c.TotalSupply))
	}
	cumulative, err := checked.Add(c.CumulativeBurned, amount)
	if err != nil {
		return err
	}
	c.TotalSupply -= amount
	c.CumulativeBurned = cumulative
	rec.Emit(event.StakeForfeited, "source", source, "amount", event.U(amount), "total_supply", event.U(c.TotalSupply))
	return nil
}

// Consistent 校验 total = 累计铸造 - 累计销毁。
func (c *Controller) Consistent() bool {
	return c.CumulativeMinted >= c.CumulativeBurned && c.TotalSupply == c.CumulativeMinted-c.CumulativeBurned
}
