// Package engine is the deterministic single-writer state machine that applies
// totally ordered transactions to the protocol state.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/guard"
	"ARS-Engine/internal/ledger"
	"ARS-Engine/internal/registry"
	"ARS-Engine/internal/reserve"
	"ARS-Engine/pkg/logger"
)

// ReceiptStatus 描述事务结果。
type ReceiptStatus string

const (
	StatusApplied  ReceiptStatus = "applied"
	StatusRejected ReceiptStatus = "rejected"
)

// Receipt 是单个事务的执行结果。拒绝的事务同样生成回执并写入日志。
type Receipt struct {
	TxID      string            `json:"tx_id"`
	Kind      Kind              `json:"kind"`
	Sender    string            `json:"sender"`
	Status    ReceiptStatus     `json:"status"`
	Code      xerrors.Code      `json:"code,omitempty"`
	Category  xerrors.Category  `json:"category,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Events    []event.Event     `json:"events,omitempty"`
	Height    uint64            `json:"height"`
	Timestamp int64             `json:"timestamp"`
}

// Applied 报告事务是否成功。
func (r Receipt) Applied() bool { return r.Status == StatusApplied }

// Gauges 是一次成功事务后的状态指标。
type Gauges struct {
	Height          uint64
	TotalSupply     uint64
	VaultValue      uint64
	VHR             uint64
	OracleValue     uint64
	OracleFresh     bool
	BreakerActive   bool
	ActiveProposals int
	Agents          int
}

// Observer 接收执行指标，由 observability/metrics 实现。
type Observer interface {
	ObserveApply(kind Kind, status ReceiptStatus, code xerrors.Code, elapsed time.Duration)
	ObserveState(g Gauges)
}

// Engine 持有协议状态并串行应用事务。
type Engine struct {
	applying atomic.Bool

	mu    sync.RWMutex
	state *State

	tokens   ledger.TokenLedger
	custody  reserve.Custody
	venue    reserve.SwapVenue
	clock    Clock
	maxSkew  int64
	logger   *slog.Logger
	audit    *logger.Auditor
	observer Observer
}

// Option 定义可选配置。
type Option func(*Engine)

// WithLedger 指定协议代币账本。
func WithLedger(tl ledger.TokenLedger) Option {
	return func(e *Engine) { e.tokens = tl }
}

// WithCustody 指定储备资产账本集合。
func WithCustody(c reserve.Custody) Option {
	return func(e *Engine) { e.custody = c }
}

// WithVenue 指定再平衡使用的兑换场所。
func WithVenue(v reserve.SwapVenue) Option {
	return func(e *Engine) { e.venue = v }
}

// WithClock 指定参考时钟。未配置时只校验时间戳单调。
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAuditLogger 把事务回执与协议事件写到指定日志，默认写入全局审计流。
func WithAuditLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.audit = logger.NewAuditor(l) }
}

// WithObserver 配置指标观察者。
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// Attach 在构造之后替换协作者。日志重放在内存账本上完成，随后再接入外部账本，
// 避免重放时重复写链。与 Apply 并发调用时返回 ReentrancyDetected。
func (e *Engine) Attach(opts ...Option) error {
	if !e.applying.CompareAndSwap(false, true) {
		return guard.ErrReentrancy.With(xerrors.WithMetadata("operation", "attach"))
	}
	defer e.applying.Store(false)
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return nil
}

// GenesisAgent 是创世时直接写入的智能体，通常是白名单验证者。
type GenesisAgent struct {
	ID         string `json:"id"`
	Owner      string `json:"owner,omitempty"`
	Stake      uint64 `json:"stake"`
	Reputation int    `json:"reputation"`
	Tier       string `json:"tier"`
}

// Genesis 描述初始状态。
type Genesis struct {
	Authority     string          `json:"authority"`
	Treasury      string          `json:"treasury"`
	InitialSupply uint64          `json:"initial_supply"`
	StartTime     int64           `json:"start_time"`
	Assets        []reserve.Asset `json:"assets"`
	Agents        []GenesisAgent  `json:"agents"`
	Params        Params          `json:"params"`
}

// New 根据创世配置构造引擎。初始供应与储备资产会写入外部账本。
func New(ctx context.Context, g Genesis, opts ...Option) (*Engine, error) {
	e := &Engine{logger: logger.Named("engine"), audit: logger.NewAuditor(nil)}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.maxSkew = g.Params.MaxClockSkew

	state, rec, err := buildGenesis(g)
	if err != nil {
		return nil, err
	}
	if e.tokens != nil && g.InitialSupply > 0 {
		if err := e.tokens.Mint(ctx, g.Treasury, g.InitialSupply); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "mint initial supply")
		}
		bonded, err := genesisStake(g)
		if err != nil {
			return nil, err
		}
		if bonded > 0 {
			if err := e.tokens.Transfer(ctx, g.Treasury, registry.StakeEscrowAccount, bonded); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "bond genesis agent stake")
			}
		}
	}
	if e.custody != nil {
		for _, a := range state.Reserve.Vault.Assets {
			tl := e.custody.Ledger(a.Symbol)
			if tl == nil || a.Amount == 0 {
				continue
			}
			if err := tl.Mint(ctx, reserve.VaultAccount, a.Amount); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "seed reserve asset "+a.Symbol)
			}
		}
	}
	e.state = state
	e.logger.Info("引擎初始化完成",
		slog.String("authority", state.Admin.Authority),
		slog.Uint64("supply", state.Supply.TotalSupply),
		slog.Int("assets", len(state.Reserve.Vault.Assets)),
		slog.Int("agents", state.Registry.Len()),
	)
	e.auditEvents(ctx, "", 0, rec.Events())
	e.observe(state)
	return e, nil
}

func buildGenesis(g Genesis) (*State, *event.Recorder, error) {
	if g.Authority == "" {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "genesis authority is required")
	}
	if g.StartTime <= 0 {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "genesis start time is required")
	}
	if g.InitialSupply > 0 && g.Treasury == "" {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "genesis treasury is required for initial supply")
	}
	bonded, err := genesisStake(g)
	if err != nil {
		return nil, nil, err
	}
	if bonded > g.InitialSupply {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "genesis agent stake must be funded from the initial supply",
			xerrors.WithBound(bonded, g.InitialSupply))
	}
	rec := event.NewRecorder(g.StartTime)
	s, err := newState(g.Params, g.Authority, g.InitialSupply, g.StartTime)
	if err != nil {
		return nil, nil, err
	}
	for _, ga := range g.Agents {
		agent, err := ga.toAgent(g.StartTime)
		if err != nil {
			return nil, nil, err
		}
		s.Registry.Restore(agent)
	}
	for _, a := range g.Assets {
		if err := s.Reserve.RegisterAsset(rec, a); err != nil {
			return nil, nil, err
		}
	}
	if err := s.syncLiabilities(); err != nil {
		return nil, nil, err
	}
	s.LastTimestamp = g.StartTime
	rec.Emit(event.Initialized,
		"authority", g.Authority,
		"initial_supply", event.U(g.InitialSupply),
		"vhr", event.U(s.Reserve.Vault.VHR),
	)
	return s, rec, nil
}

// Apply 校验并应用一个事务。无论成功与否都返回回执；失败时状态保持不变。
func (e *Engine) Apply(ctx context.Context, tx Tx) (Receipt, error) {
	return e.apply(ctx, tx, e.clock)
}

// Replay 从日志恢复时重放已成功的事务，跳过参考时钟偏差校验。
func (e *Engine) Replay(ctx context.Context, tx Tx) (Receipt, error) {
	return e.apply(ctx, tx, nil)
}

func (e *Engine) apply(ctx context.Context, tx Tx, clock Clock) (Receipt, error) {
	receipt := Receipt{TxID: tx.ID, Kind: tx.Kind, Sender: tx.Sender, Timestamp: tx.Timestamp}
	if !e.applying.CompareAndSwap(false, true) {
		err := guard.ErrReentrancy.With(xerrors.WithMetadata("tx_id", tx.ID))
		receipt.reject(err)
		return receipt, err
	}
	defer e.applying.Store(false)

	start := time.Now()
	e.mu.RLock()
	base := e.state
	e.mu.RUnlock()

	next := base.Clone()
	rec := event.NewRecorder(tx.Timestamp)
	var err error
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = xerrors.Wrap(xerrors.CodeTimeout, ctxErr, "apply cancelled")
	} else {
		err = e.execute(ctx, next, rec, tx, clock)
	}
	if err != nil {
		receipt.Height = base.Height
		receipt.reject(err)
		e.report(ctx, receipt, err, time.Since(start))
		return receipt, err
	}

	next.Height++
	next.LastTimestamp = tx.Timestamp
	e.mu.Lock()
	e.state = next
	e.mu.Unlock()

	receipt.Status = StatusApplied
	receipt.Height = next.Height
	receipt.Events = rec.Events()
	e.report(ctx, receipt, nil, time.Since(start))
	e.observe(next)
	return receipt, nil
}

func (e *Engine) execute(ctx context.Context, s *State, rec *event.Recorder, tx Tx, clock Clock) error {
	if tx.Kind == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tx kind is required")
	}
	if err := checkTimestamp(ctx, clock, e.maxSkew, s.LastTimestamp, tx.Timestamp); err != nil {
		return err
	}
	staked, err := s.Registry.TotalStake()
	if err != nil {
		return err
	}
	if err := e.tick(s, rec); err != nil {
		return err
	}
	if tx.Kind.needsNonce() {
		if tx.Sender == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "tx sender is required")
		}
		if err := s.useNonce(tx.Sender, tx.Nonce); err != nil {
			return err
		}
	}
	var flow stakeFlow
	if err := e.dispatch(ctx, s, rec, tx, &flow); err != nil {
		return err
	}
	if err := e.settleStake(ctx, s, rec, staked, flow); err != nil {
		return err
	}
	s.Registry.CommitLimits(rec.Now)
	return nil
}

// tick 执行惰性维护：预言机超时与自动激活、熔断到期、提案结算与过期、纪元滚动。
func (e *Engine) tick(s *State, rec *event.Recorder) error {
	if err := s.Oracle.Tick(rec, s.Registry); err != nil {
		return err
	}
	s.Reserve.Tick(rec)
	if err := s.Governance.Tick(rec, s.Registry); err != nil {
		return err
	}
	if _, err := s.Supply.RollEpoch(rec); err != nil {
		return err
	}
	return s.syncLiabilities()
}

func (e *Engine) report(ctx context.Context, r Receipt, err error, elapsed time.Duration) {
	if e.observer != nil {
		e.observer.ObserveApply(r.Kind, r.Status, r.Code, elapsed)
	}
	entry := logger.Receipt{
		TxID:      r.TxID,
		Height:    r.Height,
		Kind:      string(r.Kind),
		Sender:    r.Sender,
		Timestamp: r.Timestamp,
		Status:    string(r.Status),
		Code:      string(r.Code),
		Category:  string(r.Category),
		Message:   r.Message,
		Events:    len(r.Events),
	}
	if err != nil {
		attrs := []any{slog.String("tx_id", r.TxID), slog.String("code", string(r.Code)), slog.Any("error", err)}
		if xerrors.ShouldAlert(err) {
			e.logger.Error("事务执行失败", attrs...)
		} else {
			e.logger.Debug("事务被拒绝", attrs...)
		}
	}
	e.audit.Receipt(ctx, entry)
	e.auditEvents(ctx, r.TxID, r.Height, r.Events)
}

// auditEvents 按事件在事务内的顺序写入审计流。
func (e *Engine) auditEvents(ctx context.Context, txID string, height uint64, events []event.Event) {
	for i, ev := range events {
		e.audit.Event(ctx, logger.Event{
			TxID:   txID,
			Height: height,
			Seq:    i,
			Type:   string(ev.Type),
			At:     ev.At,
			Fields: ev.Attributes,
		})
	}
}

func (e *Engine) observe(s *State) {
	if e.observer == nil {
		return
	}
	value, fresh := s.Oracle.Value(s.LastTimestamp)
	active := 0
	for _, id := range s.Governance.IDs() {
		if p, err := s.Governance.Get(id); err == nil && !p.Status.Terminal() {
			active++
		}
	}
	e.observer.ObserveState(Gauges{
		Height:          s.Height,
		TotalSupply:     s.Supply.TotalSupply,
		VaultValue:      s.Reserve.Vault.TotalValue,
		VHR:             s.Reserve.Vault.VHR,
		OracleValue:     value,
		OracleFresh:     fresh,
		BreakerActive:   s.Reserve.Breaker.Active,
		ActiveProposals: active,
		Agents:          s.Registry.Len(),
	})
}

func (r *Receipt) reject(err error) {
	r.Status = StatusRejected
	r.Code = xerrors.CodeOf(err)
	r.Category = xerrors.CategoryOf(err)
	r.Message = err.Error()
	r.Metadata = xerrors.MetadataOf(err)
	r.Events = nil
}

// Height 返回已应用事务数。
func (e *Engine) Height() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Height
}

// LastTimestamp 返回最近一次成功事务的账本时间。
func (e *Engine) LastTimestamp() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.LastTimestamp
}
