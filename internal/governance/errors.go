package governance

import (
	xerrors "ARS-Engine/internal/errors"
)

const (
	CodeProposalNotFound     xerrors.Code = "PROPOSAL_NOT_FOUND"
	CodeInvalidVotingPeriod  xerrors.Code = "INVALID_VOTING_PERIOD"
	CodeProposalNotActive    xerrors.Code = "PROPOSAL_NOT_ACTIVE"
	CodeVotingNotEnded       xerrors.Code = "VOTING_NOT_ENDED"
	CodeExecutionDelayNotMet xerrors.Code = "EXECUTION_DELAY_NOT_MET"
	CodeAlreadyExecuted      xerrors.Code = "ALREADY_EXECUTED"
	CodeCounterOverflow      xerrors.Code = "COUNTER_OVERFLOW"
	CodeParamsTooLarge       xerrors.Code = "PARAMS_TOO_LARGE"
	CodeInvalidPolicy        xerrors.Code = "INVALID_POLICY"
)

var (
	// ErrProposalNotFound 表示提案不存在。
	ErrProposalNotFound = xerrors.New(CodeProposalNotFound, "")
	// ErrInvalidVotingPeriod 表示投票期超出允许范围。
	ErrInvalidVotingPeriod = xerrors.New(CodeInvalidVotingPeriod, "")
	// ErrProposalNotActive 表示提案不在可操作状态。
	ErrProposalNotActive = xerrors.New(CodeProposalNotActive, "")
	// ErrVotingNotEnded 表示投票期尚未结束。
	ErrVotingNotEnded = xerrors.New(CodeVotingNotEnded, "")
	// ErrExecutionDelayNotMet 表示执行时间锁未到期。
	ErrExecutionDelayNotMet = xerrors.New(CodeExecutionDelayNotMet, "")
	// ErrAlreadyExecuted 表示提案已执行。
	ErrAlreadyExecuted = xerrors.New(CodeAlreadyExecuted, "")
	// ErrCounterOverflow 表示提案计数器溢出。
	ErrCounterOverflow = xerrors.New(CodeCounterOverflow, "")
	// ErrParamsTooLarge 表示提案参数过长。
	ErrParamsTooLarge = xerrors.New(CodeParamsTooLarge, "")
	// ErrInvalidPolicy 表示策略无法解析或参数无效。
	ErrInvalidPolicy = xerrors.New(CodeInvalidPolicy, "")
	// ErrRateLimited 表示提案冷却期未结束。
	ErrRateLimited = xerrors.New(xerrors.CodeRateLimited, "proposal cooldown not elapsed")
)

func init() {
	register := func(code xerrors.Code, msg string, cat xerrors.Category) {
		xerrors.Register(code, xerrors.Attributes{Message: msg, Category: cat, Severity: xerrors.SeverityInfo})
	}
	register(CodeProposalNotFound, "proposal not found", xerrors.CategoryValidation)
	register(CodeInvalidVotingPeriod, "voting period out of range", xerrors.CategoryValidation)
	register(CodeProposalNotActive, "proposal not active", xerrors.CategoryState)
	register(CodeVotingNotEnded, "voting period not ended", xerrors.CategoryState)
	register(CodeExecutionDelayNotMet, "execution delay not met", xerrors.CategoryState)
	register(CodeAlreadyExecuted, "proposal already executed", xerrors.CategoryState)
	register(CodeCounterOverflow, "proposal counter overflow", xerrors.CategoryArithmetic)
	register(CodeParamsTooLarge, "proposal params too large", xerrors.CategoryValidation)
	register(CodeInvalidPolicy, "invalid policy", xerrors.CategoryValidation)
}
