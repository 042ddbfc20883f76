// Package governance runs futarchy proposals: quadratic stake voting,
// loser slashing at resolution and timelocked execution of a closed set of
// policies.
package governance

import (
	"sort"
	"strconv"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/registry"
)

// Config 描述治理参数。
type Config struct {
	MinVotingPeriod    int64  `json:"proposal_min_voting_period"`
	MaxVotingPeriod    int64  `json:"proposal_max_voting_period"`
	ExecutionDelay     int64  `json:"execution_delay"`
	ExecutionWindow    int64  `json:"execution_window"`
	ProposalCooldown   int64  `json:"proposal_cooldown"`
	ProposalDeposit    uint64 `json:"proposal_deposit"`
	MaxParamsBytes     int    `json:"max_params_bytes"`
	SlashingPenaltyBps uint64 `json:"slashing_penalty_bps"`
}

// DefaultConfig 返回协议默认参数。
func DefaultConfig() Config {
	return Config{
		MinVotingPeriod:    3_600,
		MaxVotingPeriod:    604_800,
		ExecutionDelay:     86_400,
		ExecutionWindow:    604_800,
		ProposalCooldown:   86_400,
		ProposalDeposit:    10,
		MaxParamsBytes:     256,
		SlashingPenaltyBps: 1_000,
	}
}

// Validate 校验参数之间的约束。
func (c Config) Validate() error {
	if c.MinVotingPeriod <= 0 || c.MaxVotingPeriod < c.MinVotingPeriod {
		return xerrors.New(xerrors.CodeInvalidArgument, "voting period bounds are inconsistent")
	}
	if c.ExecutionDelay < 0 || c.ExecutionWindow < 0 || c.ProposalCooldown < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "governance durations must not be negative")
	}
	if c.SlashingPenaltyBps > checked.BpsDenominator {
		return xerrors.New(xerrors.CodeInvalidArgument, "slashing_penalty_bps must not exceed 10000")
	}
	if c.MaxParamsBytes <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "max_params_bytes must be positive")
	}
	return nil
}

// Governance 保存所有提案。
type Governance struct {
	cfg Config

	LastID    uint64               `json:"last_id"`
	Proposals map[uint64]*Proposal `json:"proposals"`
}

// New 创建治理引擎。
func New(cfg Config) *Governance {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}
	return &Governance{cfg: cfg, Proposals: make(map[uint64]*Proposal)}
}

// Clone 深拷贝。
func (g *Governance) Clone() *Governance {
	cp := &Governance{cfg: g.cfg, LastID: g.LastID, Proposals: make(map[uint64]*Proposal, len(g.Proposals))}
	for id, p := range g.Proposals {
		cp.Proposals[id] = p.clone()
	}
	return cp
}

// Config 返回当前参数。
func (g *Governance) Config() Config { return g.cfg }

// SetConfig 更新参数，只影响之后创建的提案与冷却判断。
func (g *Governance) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.cfg = cfg
	return nil
}

// Get 返回提案。
func (g *Governance) Get(id uint64) (*Proposal, error) {
	p, ok := g.Proposals[id]
	if !ok {
		return nil, ErrProposalNotFound.With(xerrors.WithMetadata("proposal", event.U(id)))
	}
	return p, nil
}

// IDs 返回按升序排列的提案 ID。
func (g *Governance) IDs() []uint64 {
	ids := make([]uint64, 0, len(g.Proposals))
	for id := range g.Proposals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CreateProposal 创建提案并锁定押金。contextValue 是创建时的预言机值。
func (g *Governance) CreateProposal(rec *event.Recorder, reg *registry.Registry, proposer string, policy Policy, params []byte, votingPeriod int64, contextValue uint64, contextFresh bool) (*Proposal, error) {
	now := rec.Now
	agent, err := reg.Active(proposer)
	if err != nil {
		return nil, err
	}
	if agent.LastProposalAt != 0 {
		next, err := checked.AddTime(agent.LastProposalAt, g.cfg.ProposalCooldown)
		if err != nil {
			return nil, err
		}
		if now < next {
			return nil, ErrRateLimited.With(
				xerrors.WithMetadata("agent", proposer),
				xerrors.WithSignedBound(next, now),
			)
		}
	}
	if votingPeriod < g.cfg.MinVotingPeriod {
		return nil, ErrInvalidVotingPeriod.With(xerrors.WithSignedBound(g.cfg.MinVotingPeriod, votingPeriod))
	}
	if votingPeriod > g.cfg.MaxVotingPeriod {
		return nil, ErrInvalidVotingPeriod.With(xerrors.WithSignedBound(g.cfg.MaxVotingPeriod, votingPeriod))
	}
	if len(params) > g.cfg.MaxParamsBytes {
		return nil, ErrParamsTooLarge.With(xerrors.WithBound(uint64(g.cfg.MaxParamsBytes), uint64(len(params))))
	}
	if policy == nil {
		return nil, ErrInvalidPolicy.With(xerrors.WithMetadata("reason", "nil policy"))
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	id, err := checked.Inc(g.LastID)
	if err != nil {
		return nil, ErrCounterOverflow.With(xerrors.WithMetadata("last_id", event.U(g.LastID)))
	}
	endsAt, err := checked.AddTime(now, votingPeriod)
	if err != nil {
		return nil, err
	}
	if err := reg.Lock(proposer, g.cfg.ProposalDeposit); err != nil {
		return nil, err
	}

	p := &Proposal{
		ID:             id,
		Proposer:       proposer,
		Policy:         policy,
		Params:         append([]byte(nil), params...),
		Status:         StatusActive,
		CreatedAt:      now,
		VotingPeriod:   votingPeriod,
		EndsAt:         endsAt,
		ExecutionDelay: g.cfg.ExecutionDelay,
		Deposit:        g.cfg.ProposalDeposit,
		ContextValue:   contextValue,
		ContextFresh:   contextFresh,
		Votes:          make(map[string]Vote),
	}
	g.LastID = id
	g.Proposals[id] = p
	agent.LastProposalAt = now
	reg.Touch(proposer, now)
	rec.Emit(event.ProposalCreated,
		"proposal", event.U(id),
		"proposer", proposer,
		"policy", string(policy.Kind()),
		"ends_at", event.I(endsAt),
		"context_value", event.U(contextValue),
	)
	return p, nil
}

// Vote 以二次方权重投票。重复投票替换之前的贡献。
func (g *Governance) Vote(rec *event.Recorder, reg *registry.Registry, agentID string, id uint64, prediction bool, stake uint64) error {
	p, err := g.Get(id)
	if err != nil {
		return err
	}
	if p.Status != StatusActive || rec.Now >= p.EndsAt {
		return ErrProposalNotActive.With(
			xerrors.WithMetadata("proposal", event.U(id)),
			xerrors.WithMetadata("status", p.Status.String()),
		)
	}
	agent, err := reg.Active(agentID)
	if err != nil {
		return err
	}
	if stake == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "vote stake must be positive")
	}
	prior, revote := p.Votes[agentID]
	available := agent.Available()
	if revote {
		if available, err = checked.Add(available, prior.Stake); err != nil {
			return err
		}
	}
	if stake > available {
		return registry.ErrInsufficientStake.With(
			xerrors.WithMetadata("agent", agentID),
			xerrors.WithBound(stake, available),
		)
	}

	yesStake, noStake, qYes, qNo := p.YesStake, p.NoStake, p.QuadraticYes, p.QuadraticNo
	if revote {
		if prior.Prediction {
			yesStake, qYes = yesStake-prior.Stake, qYes-prior.Power
		} else {
			noStake, qNo = noStake-prior.Stake, qNo-prior.Power
		}
	}
	power := checked.ISqrt(stake)
	if prediction {
		if yesStake, err = checked.Add(yesStake, stake); err != nil {
			return err
		}
		if qYes, err = checked.Add(qYes, power); err != nil {
			return err
		}
	} else {
		if noStake, err = checked.Add(noStake, stake); err != nil {
			return err
		}
		if qNo, err = checked.Add(qNo, power); err != nil {
			return err
		}
	}
	if revote {
		if err := reg.Unlock(agentID, prior.Stake); err != nil {
			return err
		}
	}
	if err := reg.Lock(agentID, stake); err != nil {
		return err
	}

	p.YesStake, p.NoStake, p.QuadraticYes, p.QuadraticNo = yesStake, noStake, qYes, qNo
	p.Votes[agentID] = Vote{Agent: agentID, Prediction: prediction, Stake: stake, Power: power, At: rec.Now}
	reg.Touch(agentID, rec.Now)
	rec.Emit(event.VoteCast,
		"proposal", event.U(id),
		"agent", agentID,
		"prediction", predictionString(prediction),
		"stake", event.U(stake),
		"power", event.U(power),
		"replaced", strconv.FormatBool(revote),
	)
	return nil
}

// Finalize 在投票期结束后结算提案。
func (g *Governance) Finalize(rec *event.Recorder, reg *registry.Registry, id uint64) error {
	p, err := g.Get(id)
	if err != nil {
		return err
	}
	if p.Status != StatusActive {
		return ErrProposalNotActive.With(
			xerrors.WithMetadata("proposal", event.U(id)),
			xerrors.WithMetadata("status", p.Status.String()),
		)
	}
	if rec.Now < p.EndsAt {
		return ErrVotingNotEnded.With(xerrors.WithSignedBound(p.EndsAt, rec.Now))
	}
	total, err := checked.Add(p.QuadraticYes, p.QuadraticNo)
	if err != nil {
		return err
	}
	if total == 0 {
		if err := reg.Unlock(p.Proposer, p.Deposit); err != nil {
			return err
		}
		p.Status = StatusExpired
		rec.Emit(event.ProposalExpired, "proposal", event.U(id), "reason", "no_votes")
		return nil
	}
	yesDouble, err := checked.Mul(p.QuadraticYes, 2)
	if err != nil {
		return err
	}
	noDouble, err := checked.Mul(p.QuadraticNo, 2)
	if err != nil {
		return err
	}

	voters := p.Voters()
	var slashed uint64
	switch {
	case yesDouble > total:
		if slashed, err = g.settle(rec, reg, voters, true); err != nil {
			return err
		}
		p.Status = StatusPassed
		p.PassedAt = rec.Now
	case noDouble > total:
		if slashed, err = g.settle(rec, reg, voters, false); err != nil {
			return err
		}
		p.Status = StatusFailed
	default:
		for _, v := range voters {
			if err := reg.Unlock(v.Agent, v.Stake); err != nil {
				return err
			}
		}
		p.Status = StatusFailed
	}
	if err := reg.Unlock(p.Proposer, p.Deposit); err != nil {
		return err
	}
	p.Slashed = slashed
	rec.Emit(event.ProposalFinalized,
		"proposal", event.U(id),
		"status", p.Status.String(),
		"quadratic_yes", event.U(p.QuadraticYes),
		"quadratic_no", event.U(p.QuadraticNo),
		"slashed", event.U(slashed),
	)
	return nil
}

// settle 罚没失败方的部分投票质押，按质押比例分给获胜方，余数归 ID 最小的获胜者。
func (g *Governance) settle(rec *event.Recorder, reg *registry.Registry, voters []Vote, yesWins bool) (uint64, error) {
	var pool, winnerStake uint64
	var winners []Vote
	for _, v := range voters {
		if v.Prediction == yesWins {
			winners = append(winners, v)
			var err error
			if winnerStake, err = checked.Add(winnerStake, v.Stake); err != nil {
				return 0, err
			}
			continue
		}
		penalty, err := checked.Bps(v.Stake, g.cfg.SlashingPenaltyBps)
		if err != nil {
			return 0, err
		}
		taken, err := reg.SlashLocked(rec, v.Agent, penalty, "governance_losing_vote")
		if err != nil {
			return 0, err
		}
		if err := reg.Unlock(v.Agent, v.Stake-taken); err != nil {
			return 0, err
		}
		if pool, err = checked.Add(pool, taken); err != nil {
			return 0, err
		}
	}

	var paid uint64
	for _, w := range winners {
		if err := reg.Unlock(w.Agent, w.Stake); err != nil {
			return 0, err
		}
		if pool == 0 || winnerStake == 0 {
			continue
		}
		share, err := checked.MulDiv(pool, w.Stake, winnerStake)
		if err != nil {
			return 0, err
		}
		if share > 0 {
			if err := reg.Reward(rec, w.Agent, share); err != nil {
				return 0, err
			}
			paid += share
		}
	}
	if rest := pool - paid; rest > 0 && len(winners) > 0 {
		if err := reg.Reward(rec, winners[0].Agent, rest); err != nil {
			return 0, err
		}
	}
	return pool, nil
}

// Tick 结算投票期结束的提案，并使超出执行窗口的已通过提案过期。
func (g *Governance) Tick(rec *event.Recorder, reg *registry.Registry) error {
	for _, id := range g.IDs() {
		p := g.Proposals[id]
		switch p.Status {
		case StatusActive:
			if rec.Now >= p.EndsAt {
				if err := g.Finalize(rec, reg, id); err != nil {
					return err
				}
			}
		case StatusPassed:
			if g.cfg.ExecutionWindow == 0 {
				continue
			}
			ready, err := checked.AddTime(p.PassedAt, p.ExecutionDelay)
			if err != nil {
				return err
			}
			deadline, err := checked.AddTime(ready, g.cfg.ExecutionWindow)
			if err != nil {
				return err
			}
			if rec.Now >= deadline {
				p.Status = StatusExpired
				rec.Emit(event.ProposalExpired, "proposal", event.U(id), "reason", "execution_window")
			}
		}
	}
	return nil
}

func predictionString(yes bool) string {
	if yes {
		return "yes"
	}
	return "no"
}

