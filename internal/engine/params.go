package engine

import (
	"sort"

	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/governance"
	"ARS-Engine/internal/oracle"
	"ARS-Engine/internal/registry"
	"ARS-Engine/internal/reserve"
	"ARS-Engine/internal/supply"
)

// CodeParameterNotGovernable 表示参数不存在或只能在创世时设定。
const CodeParameterNotGovernable xerrors.Code = "PARAMETER_NOT_GOVERNABLE"

// ErrParameterNotGovernable 表示参数不可通过治理修改。
var ErrParameterNotGovernable = xerrors.New(CodeParameterNotGovernable, "")

func init() {
	xerrors.Register(CodeParameterNotGovernable, xerrors.Attributes{
		Message:  "parameter is not governable",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
}

// Params 汇总各模块参数，作为创世配置的一部分。
type Params struct {
	Registry              registry.Config       `json:"registry"`
	Oracle                oracle.Config         `json:"oracle"`
	Governance            governance.Config     `json:"governance"`
	Supply                supply.Config         `json:"supply"`
	Reserve               reserve.Config        `json:"reserve"`
	Breaker               reserve.BreakerConfig `json:"breaker"`
	AdminMinTimelockHours int64                 `json:"admin_transfer_min_timelock_hours"`
	MaxClockSkew          int64                 `json:"max_clock_skew"`
}

// DefaultParams 返回协议默认参数。
func DefaultParams() Params {
	return Params{
		Registry:              registry.DefaultConfig(),
		Oracle:                oracle.DefaultConfig(),
		Governance:            governance.DefaultConfig(),
		Supply:                supply.DefaultConfig(),
		Reserve:               reserve.DefaultConfig(),
		Breaker:               reserve.DefaultBreakerConfig(),
		AdminMinTimelockHours: 48,
		MaxClockSkew:          120,
	}
}

type paramSetter func(s *State, v int64) error

// governable 列出可由治理或创世权限修改的参数。熔断阈值与管理员时间锁不在其中。
var governable = map[string]paramSetter{
	"epoch_duration": func(s *State, v int64) error {
		cfg := s.Supply.Config()
		cfg.EpochDuration = v
		return s.Supply.SetConfig(cfg)
	},
	"mint_cap_bps": func(s *State, v int64) error {
		cfg := s.Supply.Config()
		return s.Supply.SetCaps(unsigned(v), cfg.BurnCapBps)
	},
	"burn_cap_bps": func(s *State, v int64) error {
		cfg := s.Supply.Config()
		return s.Supply.SetCaps(cfg.MintCapBps, unsigned(v))
	},
	"min_vhr_bps": func(s *State, v int64) error {
		cfg := s.Reserve.Config()
		cfg.MinVHR = unsigned(v)
		return s.Reserve.SetConfig(cfg)
	},
	"rebalance_threshold_bps": func(s *State, v int64) error {
		cfg := s.Reserve.Config()
		cfg.RebalanceThresholdBps = unsigned(v)
		return s.Reserve.SetConfig(cfg)
	},
	"rebalance_interval": func(s *State, v int64) error {
		cfg := s.Reserve.Config()
		cfg.RebalanceInterval = v
		return s.Reserve.SetConfig(cfg)
	},
	"max_slippage_bps": func(s *State, v int64) error {
		cfg := s.Reserve.Config()
		cfg.MaxSlippageBps = unsigned(v)
		return s.Reserve.SetConfig(cfg)
	},
	"emergency_withdraw_bps": func(s *State, v int64) error {
		cfg := s.Reserve.Config()
		cfg.EmergencyWithdrawBps = unsigned(v)
		return s.Reserve.SetConfig(cfg)
	},
	"oracle_update_interval": func(s *State, v int64) error {
		cfg := s.Oracle.Config()
		cfg.UpdateInterval = v
		s.Oracle.SetConfig(cfg)
		return nil
	},
	"oracle_dispute_window": func(s *State, v int64) error {
		cfg := s.Oracle.Config()
		cfg.DisputeWindow = v
		s.Oracle.SetConfig(cfg)
		return nil
	},
	"oracle_max_round_wait": func(s *State, v int64) error {
		cfg := s.Oracle.Config()
		cfg.MaxRoundWait = v
		s.Oracle.SetConfig(cfg)
		return nil
	},
	"proposal_min_voting_period": func(s *State, v int64) error {
		cfg := s.Governance.Config()
		cfg.MinVotingPeriod = v
		return s.Governance.SetConfig(cfg)
	},
	"proposal_max_voting_period": func(s *State, v int64) error {
		cfg := s.Governance.Config()
		cfg.MaxVotingPeriod = v
		return s.Governance.SetConfig(cfg)
	},
	"execution_delay": func(s *State, v int64) error {
		cfg := s.Governance.Config()
		cfg.ExecutionDelay = v
		return s.Governance.SetConfig(cfg)
	},
	"execution_window": func(s *State, v int64) error {
		cfg := s.Governance.Config()
		cfg.ExecutionWindow = v
		return s.Governance.SetConfig(cfg)
	},
	"proposal_cooldown": func(s *State, v int64) error {
		cfg := s.Governance.Config()
		cfg.ProposalCooldown = v
		return s.Governance.SetConfig(cfg)
	},
}

// GovernableKeys 返回可修改参数的有序列表。
func GovernableKeys() []string {
	keys := make([]string, 0, len(governable))
	for k := range governable {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// applyParameter 修改单个参数并记录事件。
func (s *State) applyParameter(rec *event.Recorder, key string, value int64) error {
	set, ok := governable[key]
	if !ok {
		return ErrParameterNotGovernable.With(xerrors.WithMetadata("key", key))
	}
	if value < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "parameter value must not be negative",
			xerrors.WithMetadata("key", key))
	}
	if err := set(s, value); err != nil {
		return err
	}
	rec.Emit(event.ParameterUpdated, "key", key, "value", event.I(value))
	return nil
}

func unsigned(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
