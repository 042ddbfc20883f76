package engine

import (
	"ARS-Engine/internal/admin"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/governance"
	"ARS-Engine/internal/oracle"
	"ARS-Engine/internal/registry"
	"ARS-Engine/internal/reserve"
	"ARS-Engine/internal/supply"
)

// State 是引擎持有的全部协议状态。每个事务在其副本上执行，成功后整体替换。
type State struct {
	Registry   *registry.Registry     `json:"-"`
	Oracle     *oracle.Oracle         `json:"oracle"`
	Governance *governance.Governance `json:"governance"`
	Supply     *supply.Controller     `json:"supply"`
	Reserve    *reserve.Monitor       `json:"reserve"`
	Admin      *admin.State           `json:"admin"`

	Height         uint64            `json:"height"`
	LastTimestamp  int64             `json:"last_timestamp"`
	ExternalNonces map[string]uint64 `json:"external_nonces"`
}

// Clone 深拷贝状态。
func (s *State) Clone() *State {
	cp := &State{
		Registry:       s.Registry.Clone(),
		Oracle:         s.Oracle.Clone(),
		Governance:     s.Governance.Clone(),
		Supply:         s.Supply.Clone(),
		Reserve:        s.Reserve.Clone(),
		Admin:          s.Admin.Clone(),
		Height:         s.Height,
		LastTimestamp:  s.LastTimestamp,
		ExternalNonces: make(map[string]uint64, len(s.ExternalNonces)),
	}
	for k, v := range s.ExternalNonces {
		cp.ExternalNonces[k] = v
	}
	return cp
}

// useNonce 校验发送方 nonce。已注册智能体使用注册表中的计数，其余发送方（权限账户、运维账户）使用独立计数。
func (s *State) useNonce(sender string, nonce uint64) error {
	if _, err := s.Registry.Get(sender); err == nil {
		return s.Registry.UseNonce(sender, nonce)
	}
	last := s.ExternalNonces[sender]
	if nonce <= last {
		return registry.ErrInvalidNonce.With(
			xerrors.WithMetadata("sender", sender),
			xerrors.WithBound(last+1, nonce),
		)
	}
	s.ExternalNonces[sender] = nonce
	return nil
}

// syncLiabilities 让金库负债跟随代币总供应。
func (s *State) syncLiabilities() error {
	return s.Reserve.SyncLiabilities(s.Supply.TotalSupply)
}

func newState(p Params, authority string, initialSupply uint64, now int64) (*State, error) {
	gov := governance.New(p.Governance)
	if err := gov.SetConfig(p.Governance); err != nil {
		return nil, err
	}
	sup := supply.New(p.Supply, initialSupply, now)
	if err := sup.SetConfig(sup.Config()); err != nil {
		return nil, err
	}
	res := reserve.New(p.Reserve, p.Breaker)
	if err := res.SetConfig(res.Config()); err != nil {
		return nil, err
	}
	return &State{
		Registry:       registry.New(p.Registry),
		Oracle:         oracle.New(p.Oracle),
		Governance:     gov,
		Supply:         sup,
		Reserve:        res,
		Admin:          admin.New(authority, p.AdminMinTimelockHours),
		ExternalNonces: make(map[string]uint64),
	}, nil
}

// Params 返回当前生效的参数。
func (s *State) Params(maxSkew int64) Params {
	return Params{
		Registry:              s.Registry.Config(),
		Oracle:                s.Oracle.Config(),
		Governance:            s.Governance.Config(),
		Supply:                s.Supply.Config(),
		Reserve:               s.Reserve.Config(),
		Breaker:               s.Reserve.BreakerConfig(),
		AdminMinTimelockHours: s.Admin.MinTimelockHours(),
		MaxClockSkew:          maxSkew,
	}
}

func (g GenesisAgent) toAgent(now int64) (registry.Agent, error) {
	if g.ID == "" {
		return registry.Agent{}, xerrors.New(xerrors.CodeInitializationFailure, "genesis agent id is required")
	}
	tier := registry.TierWhitelisted
	if g.Tier != "" {
		if err := tier.UnmarshalText([]byte(g.Tier)); err != nil {
			return registry.Agent{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "genesis agent "+g.ID)
		}
	}
	owner := g.Owner
	if owner == "" {
		owner = g.ID
	}
	reputation := g.Reputation
	if reputation <= 0 {
		reputation = registry.InitialReputation
	}
	return registry.Agent{
		ID:           g.ID,
		Owner:        owner,
		Type:         "genesis",
		Stake:        g.Stake,
		Tier:         tier,
		Reputation:   reputation,
		RegisteredAt: now,
		LastActive:   now,
	}, nil
}
