package registry

import (
	"sort"
	"strings"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
)

const (
	// MinReputation 与 MaxReputation 界定信誉取值范围。
	MinReputation = 0
	MaxReputation = 100
	// InitialReputation 是新注册智能体的信誉。
	InitialReputation = 50
	// DowngradeReputation 低于该值时等级降为 Unverified。
	DowngradeReputation = 20
	// StakeEscrowAccount 是质押在协议代币账本上的托管账户。
	StakeEscrowAccount = "stake-escrow"
)

// Config 描述注册表的质押门槛与限流参数。
type Config struct {
	BasicMinStake     uint64  `json:"basic_min_stake"`
	VerifiedMinStake  uint64  `json:"verified_min_stake"`
	GlobalPerHour     float64 `json:"global_per_hour"`
	GlobalBurst       int     `json:"global_burst"`
	OwnerWindow       int64   `json:"owner_window"`
	OwnerMaxPerWindow int     `json:"owner_max_per_window"`
}

// DefaultConfig 返回协议默认参数。
func DefaultConfig() Config {
	return Config{
		BasicMinStake:     100,
		VerifiedMinStake:  1000,
		GlobalPerHour:     60,
		GlobalBurst:       20,
		OwnerWindow:       86400,
		OwnerMaxPerWindow: 3,
	}
}

// Registry 保存所有智能体。只能在单写者事务中修改。
type Registry struct {
	cfg    Config
	agents map[string]*Agent
	owners map[string]ownerWindow
	global *globalLimiter
	// pending 是本事务内已通过检查、尚未消耗全局令牌的注册数。
	pending int
}

// New 创建空注册表。
func New(cfg Config) *Registry {
	if cfg.BasicMinStake == 0 {
		cfg.BasicMinStake = DefaultConfig().BasicMinStake
	}
	if cfg.VerifiedMinStake < cfg.BasicMinStake {
		cfg.VerifiedMinStake = DefaultConfig().VerifiedMinStake
	}
	if cfg.OwnerWindow <= 0 {
		cfg.OwnerWindow = DefaultConfig().OwnerWindow
	}
	return &Registry{
		cfg:    cfg,
		agents: make(map[string]*Agent),
		owners: make(map[string]ownerWindow),
		global: newGlobalLimiter(cfg.GlobalPerHour, cfg.GlobalBurst),
	}
}

// Clone 深拷贝注册表。全局令牌桶在副本间共享，只在事务提交时由 CommitLimits 消耗。
func (r *Registry) Clone() *Registry {
	c := &Registry{
		cfg:    r.cfg,
		agents: make(map[string]*Agent, len(r.agents)),
		owners: make(map[string]ownerWindow, len(r.owners)),
		global: r.global,
	}
	for id, a := range r.agents {
		c.agents[id] = a.clone()
	}
	for k, v := range r.owners {
		c.owners[k] = v
	}
	return c
}

// Config 返回当前参数。
func (r *Registry) Config() Config { return r.cfg }

// Register 登记新的智能体，初始等级为 Basic。
func (r *Registry) Register(rec *event.Recorder, id, owner string, stake uint64, agentType string) (*Agent, error) {
	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent id cannot be empty")
	}
	if owner == "" {
		owner = id
	}
	if _, ok := r.agents[id]; ok {
		return nil, ErrAgentExists.With(xerrors.WithMetadata("agent", id))
	}
	if stake < r.cfg.BasicMinStake {
		return nil, ErrInsufficientStake.With(xerrors.WithBound(r.cfg.BasicMinStake, stake))
	}
	now := rec.Now
	if !r.allowOwner(owner, now) {
		return nil, ErrRateLimited.With(
			xerrors.WithMetadata("scope", "owner"),
			xerrors.WithBound(uint64(r.cfg.OwnerMaxPerWindow), uint64(r.owners[owner].Count)),
		)
	}
	if !r.global.available(now) {
		return nil, ErrRateLimited.With(xerrors.WithMetadata("scope", "global"))
	}
	r.recordOwner(owner, now)
	r.pending++

	agent := &Agent{
		ID:           id,
		Owner:        owner,
		Type:         agentType,
		Stake:        stake,
		Tier:         TierBasic,
		Reputation:   InitialReputation,
		RegisteredAt: now,
		LastActive:   now,
	}
	r.agents[id] = agent
	rec.Emit(event.AgentRegistered, "agent", id, "owner", owner, "stake", event.U(stake), "type", agentType)
	return agent, nil
}

// CommitLimits 为本事务内的注册消耗全局令牌，须在事务所有步骤成功后调用。
func (r *Registry) CommitLimits(now int64) {
	for ; r.pending > 0; r.pending-- {
		r.global.take(now)
	}
}

// Get 返回智能体。
func (r *Registry) Get(id string) (*Agent, error) {
	a, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound.With(xerrors.WithMetadata("agent", id))
	}
	return a, nil
}

// Active 返回未被封禁的智能体。
func (r *Registry) Active(id string) (*Agent, error) {
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Banned {
		return nil, ErrAgentBanned.With(xerrors.WithMetadata("agent", id))
	}
	return a, nil
}

// RequireTier 校验智能体处于活动状态且等级不低于 min。
func (r *Registry) RequireTier(id string, min Tier) (*Agent, error) {
	a, err := r.Active(id)
	if err != nil {
		return nil, err
	}
	if a.Tier < min {
		return nil, ErrInsufficientTier.With(
			xerrors.WithMetadata("agent", id),
			xerrors.WithBound(uint64(min), uint64(a.Tier)),
		)
	}
	return a, nil
}

// Verify 将质押达标的 Basic 智能体提升为 Verified。
func (r *Registry) Verify(rec *event.Recorder, id string) error {
	a, err := r.Active(id)
	if err != nil {
		return err
	}
	if a.Tier >= TierVerified {
		return nil
	}
	if a.Reputation < DowngradeReputation {
		return ErrInsufficientTier.With(
			xerrors.WithMetadata("reason", "reputation"),
			xerrors.WithBound(DowngradeReputation, uint64(a.Reputation)),
		)
	}
	if a.Stake < r.cfg.VerifiedMinStake {
		return ErrInsufficientStake.With(xerrors.WithBound(r.cfg.VerifiedMinStake, a.Stake))
	}
	r.setTier(rec, a, TierVerified)
	return nil
}

// Whitelist 将智能体提升为 Whitelisted。调用方负责校验管理员权限。
func (r *Registry) Whitelist(rec *event.Recorder, id string) error {
	a, err := r.Active(id)
	if err != nil {
		return err
	}
	r.setTier(rec, a, TierWhitelisted)
	return nil
}

// AdjustReputation 调整信誉并钳制到 [0,100]，必要时降级或封禁。
func (r *Registry) AdjustReputation(rec *event.Recorder, id string, delta int) (int, error) {
	a, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	rep := a.Reputation + delta
	if rep < MinReputation {
		rep = MinReputation
	}
	if rep > MaxReputation {
		rep = MaxReputation
	}
	a.Reputation = rep
	if rep < DowngradeReputation && a.Tier != TierUnverified {
		r.setTier(rec, a, TierUnverified)
	}
	if rep == MinReputation && !a.Banned {
		a.Banned = true
		rec.Emit(event.AgentBanned, "agent", id)
	}
	return rep, nil
}

// Slash 罚没质押，优先扣减已锁定部分，返回实际罚没数量。
func (r *Registry) Slash(rec *event.Recorder, id string, amount uint64, reason string) (uint64, error) {
	a, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	taken := amount
	if taken > a.Stake {
		taken = a.Stake
	}
	a.Stake -= taken
	if a.Locked > taken {
		a.Locked -= taken
	} else {
		a.Locked = 0
	}
	if a.Locked > a.Stake {
		a.Locked = a.Stake
	}
	a.Slashes = append(a.Slashes, Slash{Amount: taken, Reason: reason, At: rec.Now})
	r.applyStakeTier(rec, a)
	rec.Emit(event.AgentSlashed, "agent", id, "amount", event.U(taken), "reason", reason)
	return taken, nil
}

// SlashLocked 罚没已锁定的指定数量，并同步解除锁定。
func (r *Registry) SlashLocked(rec *event.Recorder, id string, amount uint64, reason string) (uint64, error) {
	a, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	if amount > a.Locked {
		amount = a.Locked
	}
	return r.Slash(rec, id, amount, reason)
}

// Lock 锁定可用质押。
func (r *Registry) Lock(id string, amount uint64) error {
	a, err := r.Active(id)
	if err != nil {
		return err
	}
	if amount > a.Available() {
		return ErrInsufficientStake.With(
			xerrors.WithMetadata("agent", id),
			xerrors.WithBound(amount, a.Available()),
		)
	}
	locked, err := checked.Add(a.Locked, amount)
	if err != nil {
		return err
	}
	a.Locked = locked
	return nil
}

// Unlock 解除锁定，超出部分按已锁定数量处理。
func (r *Registry) Unlock(id string, amount uint64) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	if amount > a.Locked {
		amount = a.Locked
	}
	a.Locked -= amount
	return nil
}

// Reward 增加质押。
func (r *Registry) Reward(rec *event.Recorder, id string, amount uint64) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	stake, err := checked.Add(a.Stake, amount)
	if err != nil {
		return err
	}
	a.Stake = stake
	r.applyStakeTier(rec, a)
	return nil
}

// AddStake 追加质押。因质押不足降为 Unverified 的智能体在信誉达标时恢复为 Basic。
func (r *Registry) AddStake(rec *event.Recorder, id string, amount uint64) error {
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "stake amount must be positive")
	}
	a, err := r.Active(id)
	if err != nil {
		return err
	}
	stake, err := checked.Add(a.Stake, amount)
	if err != nil {
		return err
	}
	a.Stake = stake
	if a.Tier == TierUnverified && a.Stake >= r.cfg.BasicMinStake && a.Reputation >= DowngradeReputation {
		r.setTier(rec, a, TierBasic)
	}
	rec.Emit(event.StakeAdded, "agent", id, "amount", event.U(amount), "stake", event.U(a.Stake))
	return nil
}

// WithdrawStake 取回未锁定的质押，并按剩余质押重新评估等级。
func (r *Registry) WithdrawStake(rec *event.Recorder, id string, amount uint64) error {
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "stake amount must be positive")
	}
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	if amount > a.Available() {
		return ErrInsufficientStake.With(
			xerrors.WithMetadata("agent", id),
			xerrors.WithBound(amount, a.Available()),
		)
	}
	a.Stake -= amount
	r.applyStakeTier(rec, a)
	rec.Emit(event.StakeWithdrawn, "agent", id, "amount", event.U(amount), "stake", event.U(a.Stake))
	return nil
}

// TotalStake 返回全部智能体的质押之和，应与托管账户余额一致。
func (r *Registry) TotalStake() (uint64, error) {
	var total uint64
	for _, a := range r.agents {
		var err error
		if total, err = checked.Add(total, a.Stake); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// UseNonce 校验并消费 nonce，要求严格递增。
func (r *Registry) UseNonce(id string, nonce uint64) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	if nonce <= a.Nonce {
		return ErrInvalidNonce.With(
			xerrors.WithMetadata("agent", id),
			xerrors.WithBound(a.Nonce+1, nonce),
		)
	}
	a.Nonce = nonce
	return nil
}

// Touch 更新最近活跃时间。
func (r *Registry) Touch(id string, now int64) {
	if a, ok := r.agents[id]; ok && now > a.LastActive {
		a.LastActive = now
	}
}

// Agents 返回按 ID 排序的智能体副本。
func (r *Registry) Agents() []Agent {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.agents[id].clone())
	}
	return out
}

// Len 返回注册数量。
func (r *Registry) Len() int { return len(r.agents) }

// Restore 直接写入智能体，用于创世引导。
func (r *Registry) Restore(a Agent) {
	r.agents[a.ID] = a.clone()
}

func (r *Registry) setTier(rec *event.Recorder, a *Agent, tier Tier) {
	if a.Tier == tier {
		return
	}
	from := a.Tier
	a.Tier = tier
	rec.Emit(event.AgentTierChanged, "agent", a.ID, "from", from.String(), "to", tier.String())
}

// applyStakeTier 在质押变化后按门槛降级。Whitelisted 与 Unverified 不受影响。
func (r *Registry) applyStakeTier(rec *event.Recorder, a *Agent) {
	switch a.Tier {
	case TierVerified:
		if a.Stake < r.cfg.VerifiedMinStake {
			r.setTier(rec, a, TierBasic)
		}
		if a.Stake < r.cfg.BasicMinStake {
			r.setTier(rec, a, TierUnverified)
		}
	case TierBasic:
		if a.Stake < r.cfg.BasicMinStake {
			r.setTier(rec, a, TierUnverified)
		}
	}
}
