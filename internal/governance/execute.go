package governance

import (
	"context"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
)

// Executor 承接已通过提案的副作用，由引擎实现并转发到供应与金库。
type Executor interface {
	Mint(ctx context.Context, rec *event.Recorder, dest string, amount uint64) error
	Burn(ctx context.Context, rec *event.Recorder, source string, amount uint64) error
	Rebalance(ctx context.Context, rec *event.Recorder) error
	StartEpoch(rec *event.Recorder) error
	UpdateParameter(rec *event.Recorder, key string, value int64) error
}

// Execute 在时间锁到期后执行提案。状态先切换为 Executed 再分发，
// 分发失败时由调用方丢弃整个事务。
func (g *Governance) Execute(ctx context.Context, rec *event.Recorder, id uint64, exec Executor) error {
	p, err := g.Get(id)
	if err != nil {
		return err
	}
	switch p.Status {
	case StatusPassed:
	case StatusExecuted:
		return ErrAlreadyExecuted.With(xerrors.WithMetadata("proposal", event.U(id)))
	default:
		return ErrProposalNotActive.With(
			xerrors.WithMetadata("proposal", event.U(id)),
			xerrors.WithMetadata("status", p.Status.String()),
		)
	}
	ready, err := checked.AddTime(p.PassedAt, p.ExecutionDelay)
	if err != nil {
		return err
	}
	if rec.Now < ready {
		return ErrExecutionDelayNotMet.With(xerrors.WithSignedBound(ready, rec.Now))
	}
	if exec == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "proposal executor not configured")
	}

	p.Status = StatusExecuted
	p.ExecutedAt = rec.Now

	switch pol := p.Policy.(type) {
	case MintToken:
		err = exec.Mint(ctx, rec, pol.Dest, pol.Amount)
	case BurnToken:
		err = exec.Burn(ctx, rec, pol.Source, pol.Amount)
	case RebalanceVault:
		err = exec.Rebalance(ctx, rec)
	case StartEpoch:
		err = exec.StartEpoch(rec)
	case UpdateParameters:
		err = exec.UpdateParameter(rec, pol.Key, pol.Value)
	default:
		err = ErrInvalidPolicy.With(xerrors.WithMetadata("proposal", event.U(id)))
	}
	if err != nil {
		return err
	}
	rec.Emit(event.ProposalExecuted,
		"proposal", event.U(id),
		"policy", string(p.Policy.Kind()),
	)
	return nil
}
