package engine

import (
	"context"
	"fmt"
	"strings"

	"ARS-Engine/internal/admin"
	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/governance"
	"ARS-Engine/internal/registry"
	"ARS-Engine/internal/reserve"
)

func (e *Engine) dispatch(ctx context.Context, s *State, rec *event.Recorder, tx Tx, flow *stakeFlow) error {
	switch tx.Kind {
	case KindRegisterAgent:
		var p RegisterAgentPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if _, err := s.Registry.Register(rec, tx.Sender, p.Owner, p.Stake, p.Type); err != nil {
			return err
		}
		return flow.deposit(tx.Sender, p.Stake)

	case KindAddStake:
		var p StakePayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if err := s.Registry.AddStake(rec, tx.Sender, p.Amount); err != nil {
			return err
		}
		return flow.deposit(tx.Sender, p.Amount)

	case KindWithdrawStake:
		var p StakePayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if err := s.Registry.WithdrawStake(rec, tx.Sender, p.Amount); err != nil {
			return err
		}
		return flow.release(tx.Sender, p.Amount)

	case KindVerifyAgent:
		return s.Registry.Verify(rec, tx.Sender)

	case KindWhitelistAgent:
		var p AgentPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if err := s.Admin.RequireAuthority(tx.Sender); err != nil {
			return err
		}
		return s.Registry.Whitelist(rec, p.Agent)

	case KindOracleSubmit:
		var p OracleSubmitPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if err := breakerInactive(s, "oracle_submit"); err != nil {
			return err
		}
		ts := p.Timestamp
		if ts == 0 {
			ts = tx.Timestamp
		}
		return s.Oracle.Submit(rec, s.Registry, tx.Sender, p.Value, ts)

	case KindOracleDispute:
		var p OracleDisputePayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return s.Oracle.Dispute(rec, s.Registry, tx.Sender, p.CounterValue, p.Evidence, p.Stake)

	case KindOracleResolve:
		var p ResolvePayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return s.Oracle.ResolveDispute(rec, s.Registry, tx.Sender, p.Valid)

	case KindOracleCommit:
		return s.Oracle.Commit(rec, s.Registry)

	case KindCreateProposal:
		var p CreateProposalPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		policy, err := governance.DecodePolicy(p.Policy)
		if err != nil {
			return err
		}
		value, fresh := s.Oracle.Value(rec.Now)
		_, err = s.Governance.CreateProposal(rec, s.Registry, tx.Sender, policy, p.Params, p.VotingPeriod, value, fresh)
		return err

	case KindVote:
		var p VotePayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return s.Governance.Vote(rec, s.Registry, tx.Sender, p.Proposal, p.Prediction, p.Stake)

	case KindFinalizeProposal:
		var p ProposalPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return s.Governance.Finalize(rec, s.Registry, p.Proposal)

	case KindExecuteProposal:
		var p ProposalPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return s.Governance.Execute(ctx, rec, p.Proposal, executor{e: e, s: s})

	case KindMint, KindBurn:
		var p AmountPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if err := s.Admin.RequireAuthority(tx.Sender); err != nil {
			return err
		}
		if tx.Kind == KindMint {
			return e.mint(ctx, s, rec, p.Account, p.Amount)
		}
		return e.burn(ctx, s, rec, p.Account, p.Amount)

	case KindRollEpoch:
		_, err := s.Supply.RollEpoch(rec)
		return err

	case KindDeposit:
		var p VaultPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return s.Reserve.Deposit(ctx, rec, e.custody, tx.Sender, p.Asset, p.Amount)

	case KindWithdraw:
		var p VaultPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if err := s.Admin.RequireAuthority(tx.Sender); err != nil {
			return err
		}
		return s.Reserve.Withdraw(ctx, rec, e.custody, p.Account, p.Asset, p.Amount)

	case KindRebalance:
		return e.rebalance(ctx, s, rec)

	case KindRegisterAsset:
		var p RegisterAssetPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if err := s.Admin.RequireAuthority(tx.Sender); err != nil {
			return err
		}
		if p.Asset.Amount != 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "new assets start empty; fund them with deposit")
		}
		return s.Reserve.RegisterAsset(rec, p.Asset)

	case KindUpdatePrice:
		var p UpdatePricePayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return updatePrice(s, rec, tx.Sender, p)

	case KindTriggerBreaker:
		var p TriggerBreakerPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return s.Reserve.Trigger(rec, s.Registry, tx.Sender, p.Reason, p.Evidence, p.Stake)

	case KindValidateBreaker:
		var p ValidateBreakerPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return s.Reserve.Validate(rec, s.Registry, tx.Sender, p.Valid, p.Severity)

	case KindAdminInitiate:
		var p AdminInitiatePayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return s.Admin.Initiate(rec, tx.Sender, p.NewAdmin, p.TimelockHours)

	case KindAdminCancel:
		return s.Admin.Cancel(rec, tx.Sender)

	case KindAdminAccept:
		return s.Admin.Accept(rec, tx.Sender)

	case KindAdminConfirm:
		return s.Admin.Confirm(rec, tx.Sender)

	case KindSetParameter:
		var p SetParameterPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if s.Admin.Immutable {
			return admin.ErrProtocolAlreadyImmutable.With(xerrors.WithMetadata("hint", "use an update_parameters proposal"))
		}
		if err := s.Admin.RequireAuthority(tx.Sender); err != nil {
			return err
		}
		return s.applyParameter(rec, p.Key, p.Value)

	case KindTick:
		return nil

	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown tx kind %q", tx.Kind))
	}
}

func breakerInactive(s *State, operation string) error {
	if s.Reserve.Breaker.Active {
		return reserve.ErrCircuitBreakerActive.With(
			xerrors.WithMetadata("operation", operation),
			xerrors.WithMetadata("triggered_by", s.Reserve.Breaker.TriggeredBy),
		)
	}
	return nil
}

// mint 先校验负债变化后的抵押率可计算，再交给供应控制器；账本调用由控制器最后执行。
func (e *Engine) mint(ctx context.Context, s *State, rec *event.Recorder, dest string, amount uint64) error {
	if err := breakerInactive(s, "mint"); err != nil {
		return err
	}
	if dest == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "mint destination is required")
	}
	prospective, err := checked.Add(s.Supply.TotalSupply, amount)
	if err != nil {
		return err
	}
	if _, err := reserve.ComputeVHR(s.Reserve.Vault.TotalValue, prospective); err != nil {
		return err
	}
	if err := s.Supply.Mint(ctx, rec, e.tokens, dest, amount); err != nil {
		return err
	}
	return s.syncLiabilities()
}

func (e *Engine) burn(ctx context.Context, s *State, rec *event.Recorder, source string, amount uint64) error {
	if err := breakerInactive(s, "burn"); err != nil {
		return err
	}
	if source == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "burn source is required")
	}
	if amount <= s.Supply.TotalSupply {
		if _, err := reserve.ComputeVHR(s.Reserve.Vault.TotalValue, s.Supply.TotalSupply-amount); err != nil {
			return err
		}
	}
	if err := s.Supply.Burn(ctx, rec, e.tokens, source, amount); err != nil {
		return err
	}
	return s.syncLiabilities()
}

func (e *Engine) rebalance(ctx context.Context, s *State, rec *event.Recorder) error {
	if err := breakerInactive(s, "rebalance"); err != nil {
		return err
	}
	result, err := s.Reserve.Rebalance(ctx, rec, e.venue, e.custody)
	if err != nil {
		return err
	}
	if result.Skipped {
		e.logger.Debug("金库偏离未超过阈值，跳过再平衡", "at", rec.Now)
	}
	return nil
}

// updatePrice 允许权限账户或 Whitelisted 智能体更新资产价格。
func updatePrice(s *State, rec *event.Recorder, sender string, p UpdatePricePayload) error {
	if err := s.Admin.RequireAuthority(sender); err != nil {
		if _, tierErr := s.Registry.RequireTier(sender, registry.TierWhitelisted); tierErr != nil {
			return tierErr
		}
	}
	symbol := strings.ToUpper(strings.TrimSpace(p.Asset))
	if err := s.Reserve.UpdatePrice(symbol, p.Price); err != nil {
		return err
	}
	rec.Emit(event.AssetPriceUpdated,
		"asset", symbol,
		"price", event.U(p.Price),
		"total_value", event.U(s.Reserve.Vault.TotalValue),
		"vhr", event.U(s.Reserve.Vault.VHR),
	)
	return nil
}
