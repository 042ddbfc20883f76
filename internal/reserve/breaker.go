package reserve

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/registry"
)

// Reason 是触发熔断的原因，决定所需的最低质押。
type Reason int

const (
	ReasonOracleAnomaly Reason = iota + 1
	ReasonReserveShortfall
	ReasonGovernanceAttack
)

var reasonNames = map[Reason]string{
	ReasonOracleAnomaly:    "oracle_anomaly",
	ReasonReserveShortfall: "reserve_shortfall",
	ReasonGovernanceAttack: "governance_attack",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// MarshalText 实现 encoding.TextMarshaler。
func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (r *Reason) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for reason, n := range reasonNames {
		if n == name {
			*r = reason
			return nil
		}
	}
	return ErrInvalidBreakerReason.With(xerrors.WithMetadata("reason", name))
}

// BreakerConfig 是熔断参数。各原因的质押门槛只在创世时设定。
type BreakerConfig struct {
	MinReputation         int    `json:"min_reputation"`
	OracleAnomalyStake    uint64 `json:"oracle_anomaly_stake"`
	ReserveShortfallStake uint64 `json:"reserve_shortfall_stake"`
	GovernanceAttackStake uint64 `json:"governance_attack_stake"`
	AutoExpire            int64  `json:"auto_expire"`
	Cooldown              int64  `json:"cooldown"`
	ValidReputationBonus  int    `json:"valid_reputation_bonus"`
}

// DefaultBreakerConfig 返回协议默认参数。
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinReputation:         70,
		OracleAnomalyStake:    1_000,
		ReserveShortfallStake: 5_000,
		GovernanceAttackStake: 10_000,
		AutoExpire:            86_400,
		Cooldown:              86_400,
		ValidReputationBonus:  5,
	}
}

func (c BreakerConfig) normalize() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.MinReputation == 0 {
		c.MinReputation = def.MinReputation
	}
	if c.OracleAnomalyStake == 0 {
		c.OracleAnomalyStake = def.OracleAnomalyStake
	}
	if c.ReserveShortfallStake == 0 {
		c.ReserveShortfallStake = def.ReserveShortfallStake
	}
	if c.GovernanceAttackStake == 0 {
		c.GovernanceAttackStake = def.GovernanceAttackStake
	}
	if c.AutoExpire <= 0 {
		c.AutoExpire = def.AutoExpire
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.ValidReputationBonus == 0 {
		c.ValidReputationBonus = def.ValidReputationBonus
	}
	return c
}

// MinStake 返回指定原因所需的最低质押。
func (c BreakerConfig) MinStake(r Reason) (uint64, error) {
	switch r {
	case ReasonOracleAnomaly:
		return c.OracleAnomalyStake, nil
	case ReasonReserveShortfall:
		return c.ReserveShortfallStake, nil
	case ReasonGovernanceAttack:
		return c.GovernanceAttackStake, nil
	default:
		return 0, ErrInvalidBreakerReason.With(xerrors.WithMetadata("reason", r.String()))
	}
}

// Breaker 是熔断器状态。
type Breaker struct {
	Active          bool   `json:"active"`
	NeedsValidation bool   `json:"needs_validation"`
	TriggeredBy     string `json:"triggered_by,omitempty"`
	Reason          Reason `json:"reason,omitempty"`
	EvidenceHash    string `json:"evidence_hash,omitempty"`
	TriggeredAt     int64  `json:"triggered_at,omitempty"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	LockedStake     uint64 `json:"locked_stake,omitempty"`
	CooldownUntil   int64  `json:"cooldown_until,omitempty"`
	Validated       bool   `json:"validated"`
}

// Trigger 由高信誉智能体质押后触发熔断。
func (m *Monitor) Trigger(rec *event.Recorder, reg *registry.Registry, agentID string, reason Reason, evidence []byte, stake uint64) error {
	agent, err := reg.Active(agentID)
	if err != nil {
		return err
	}
	if agent.Reputation < m.bcfg.MinReputation {
		return ErrInsufficientReputation.With(
			xerrors.WithMetadata("agent", agentID),
			xerrors.WithBound(uint64(m.bcfg.MinReputation), uint64(agent.Reputation)),
		)
	}
	if m.Breaker.Active {
		return ErrCircuitBreakerActive.With(xerrors.WithMetadata("triggered_by", m.Breaker.TriggeredBy))
	}
	if m.Breaker.NeedsValidation {
		return ErrCircuitBreakerCooldown.With(xerrors.WithMetadata("reason", "awaiting_validation"))
	}
	if rec.Now < m.Breaker.CooldownUntil {
		return ErrCircuitBreakerCooldown.With(xerrors.WithSignedBound(m.Breaker.CooldownUntil, rec.Now))
	}
	required, err := m.bcfg.MinStake(reason)
	if err != nil {
		return err
	}
	if stake < required {
		return registry.ErrInsufficientStake.With(
			xerrors.WithMetadata("reason", reason.String()),
			xerrors.WithBound(required, stake),
		)
	}
	if len(evidence) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "evidence cannot be empty")
	}
	expires, err := checked.AddTime(rec.Now, m.bcfg.AutoExpire)
	if err != nil {
		return err
	}
	if err := reg.Lock(agentID, stake); err != nil {
		return err
	}

	hash := crypto.Keccak256Hash(evidence).Hex()
	m.Breaker = Breaker{
		Active:          true,
		NeedsValidation: true,
		TriggeredBy:     agentID,
		Reason:          reason,
		EvidenceHash:    hash,
		TriggeredAt:     rec.Now,
		ExpiresAt:       expires,
		LockedStake:     stake,
		CooldownUntil:   m.Breaker.CooldownUntil,
	}
	rec.Emit(event.CircuitBreakerTriggered,
		"agent", agentID,
		"reason", reason.String(),
		"evidence_hash", hash,
		"stake", event.U(stake),
		"expires_at", event.I(expires),
	)
	return nil
}

// Tick 在到期后关闭熔断，但保留待验证状态。
func (m *Monitor) Tick(rec *event.Recorder) {
	if m.Breaker.Active && rec.Now >= m.Breaker.ExpiresAt {
		m.Breaker.Active = false
		rec.Emit(event.CircuitBreakerExpired, "triggered_by", m.Breaker.TriggeredBy, "reason", m.Breaker.Reason.String())
	}
}

// Validate 由白名单验证者裁定熔断是否正当。
// 正当时解锁质押并奖励信誉；不正当时罚没锁定质押，一半销毁、一半奖励验证者。
// 两种情况下冷却期都从验证时刻开始。
func (m *Monitor) Validate(rec *event.Recorder, reg *registry.Registry, validatorID string, isValid bool, severity int) error {
	if _, err := reg.RequireTier(validatorID, registry.TierWhitelisted); err != nil {
		return err
	}
	if !m.Breaker.NeedsValidation {
		return ErrBreakerNotPending
	}
	if validatorID == m.Breaker.TriggeredBy {
		return xerrors.New(xerrors.CodeUnauthorized, "trigger agent cannot validate its own breaker")
	}
	if !isValid && (severity < 1 || severity > 10) {
		return xerrors.New(xerrors.CodeInvalidArgument, "severity must be within [1,10]",
			xerrors.WithSignedBound(1, int64(severity)))
	}
	cooldown, err := checked.AddTime(rec.Now, m.bcfg.Cooldown)
	if err != nil {
		return err
	}

	trigger := m.Breaker.TriggeredBy
	var burned, rewarded uint64
	if isValid {
		if err := reg.Unlock(trigger, m.Breaker.LockedStake); err != nil {
			return err
		}
		if _, err := reg.AdjustReputation(rec, trigger, m.bcfg.ValidReputationBonus); err != nil {
			return err
		}
	} else {
		taken, err := reg.SlashLocked(rec, trigger, m.Breaker.LockedStake, "invalid_circuit_breaker")
		if err != nil {
			return err
		}
		rewarded = taken / 2
		burned = taken - rewarded
		if rewarded > 0 {
			if err := reg.Reward(rec, validatorID, rewarded); err != nil {
				return err
			}
		}
		if _, err := reg.AdjustReputation(rec, trigger, -severity*10); err != nil {
			return err
		}
	}

	m.Breaker.Active = false
	m.Breaker.NeedsValidation = false
	m.Breaker.Validated = true
	m.Breaker.LockedStake = 0
	m.Breaker.CooldownUntil = cooldown
	rec.Emit(event.CircuitBreakerValidated,
		"validator", validatorID,
		"triggered_by", trigger,
		"valid", strconv.FormatBool(isValid),
		"burned", event.U(burned),
		"rewarded", event.U(rewarded),
		"cooldown_until", event.I(cooldown),
	)
	return nil
}

