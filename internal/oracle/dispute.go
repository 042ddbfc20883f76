package oracle

import (
	"github.com/ethereum/go-ethereum/crypto"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/registry"
)

const (
	disputeReward   = 5
	disputePenalty  = 5
	deviantPenalty  = 10
	slashReasonBad  = "oracle value deviated from confirmed dispute"
	slashReasonFake = "invalid oracle dispute"
)

// Dispute 在争议窗口内质疑待激活值并锁定质押，不改变待激活值本身。
func (o *Oracle) Dispute(rec *event.Recorder, reg *registry.Registry, agentID string, counterValue uint64, evidence []byte, stake uint64) error {
	p := o.Pending
	if p == nil {
		return ErrNothingPending
	}
	if rec.Now >= p.At+o.cfg.DisputeWindow {
		return ErrDisputeWindowClosed.With(xerrors.WithSignedBound(p.At+o.cfg.DisputeWindow, rec.Now))
	}
	if p.Dispute != nil {
		return ErrDisputeOpen
	}
	if _, err := reg.RequireTier(agentID, registry.TierBasic); err != nil {
		return err
	}
	if counterValue == 0 || counterValue > o.cfg.MaxValue {
		return ErrInvalidValue.With(xerrors.WithBound(o.cfg.MaxValue, counterValue))
	}
	if stake < o.cfg.MinDisputeStake {
		return registry.ErrInsufficientStake.With(xerrors.WithBound(o.cfg.MinDisputeStake, stake))
	}
	if err := reg.Lock(agentID, stake); err != nil {
		return err
	}
	p.Dispute = &Dispute{
		Disputer:     agentID,
		CounterValue: counterValue,
		EvidenceHash: crypto.Keccak256Hash(evidence).Hex(),
		Stake:        stake,
		OpenedAt:     rec.Now,
	}
	reg.Touch(agentID, rec.Now)
	rec.Emit(event.OracleDisputed,
		"disputer", agentID,
		"pending", event.U(p.Value),
		"counter", event.U(counterValue),
		"stake", event.U(stake),
		"evidence", p.Dispute.EvidenceHash,
	)
	return nil
}

// ResolveDispute 由 Whitelisted 验证者裁决争议。
//
// 争议成立时罚没所有偏离质疑值超过阈值的提交者，奖励质疑者并丢弃待激活值；
// 不成立时罚没质疑者的锁定质押，待激活值保持不变。
func (o *Oracle) ResolveDispute(rec *event.Recorder, reg *registry.Registry, validatorID string, isValid bool) error {
	if _, err := reg.RequireTier(validatorID, registry.TierWhitelisted); err != nil {
		return err
	}
	p := o.Pending
	if p == nil || p.Dispute == nil {
		return ErrNoDispute
	}
	d := p.Dispute
	if d.Disputer == validatorID {
		return xerrors.New(xerrors.CodeUnauthorized, "validator cannot resolve own dispute")
	}

	if !isValid {
		if _, err := reg.SlashLocked(rec, d.Disputer, d.Stake, slashReasonFake); err != nil {
			return err
		}
		if _, err := reg.AdjustReputation(rec, d.Disputer, -disputePenalty); err != nil {
			return err
		}
		p.Dispute = nil
		rec.Emit(event.OracleDisputeResolved, "validator", validatorID, "disputer", d.Disputer, "valid", "false")
		return nil
	}

	var pool uint64
	slashed := 0
	for _, s := range p.Contributors {
		if deviationBps(s.Value, d.CounterValue) <= o.cfg.DeviationThresholdBps {
			continue
		}
		a, err := reg.Get(s.Agent)
		if err != nil {
			return err
		}
		amount, err := checked.Bps(a.Stake, o.cfg.SlashBps)
		if err != nil {
			return err
		}
		taken, err := reg.Slash(rec, s.Agent, amount, slashReasonBad)
		if err != nil {
			return err
		}
		if pool, err = checked.Add(pool, taken); err != nil {
			return err
		}
		if _, err := reg.AdjustReputation(rec, s.Agent, -deviantPenalty); err != nil {
			return err
		}
		slashed++
	}
	if err := reg.Unlock(d.Disputer, d.Stake); err != nil {
		return err
	}
	if err := reg.Reward(rec, d.Disputer, pool); err != nil {
		return err
	}
	if _, err := reg.AdjustReputation(rec, d.Disputer, disputeReward); err != nil {
		return err
	}
	o.Pending = nil
	o.markStale(rec, "dispute_upheld", len(p.Contributors))
	rec.Emit(event.OracleDisputeResolved,
		"validator", validatorID,
		"disputer", d.Disputer,
		"valid", "true",
		"slashed_agents", event.I(int64(slashed)),
		"reward", event.U(pool),
	)
	return nil
}
