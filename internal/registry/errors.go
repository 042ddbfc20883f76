package registry

import (
	xerrors "ARS-Engine/internal/errors"
)

const (
	CodeAgentNotFound     xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentExists       xerrors.Code = "AGENT_ALREADY_REGISTERED"
	CodeAgentBanned       xerrors.Code = "AGENT_BANNED"
	CodeInsufficientStake xerrors.Code = "INSUFFICIENT_STAKE"
	CodeInsufficientTier  xerrors.Code = "INSUFFICIENT_TIER"
	CodeInvalidNonce      xerrors.Code = "INVALID_NONCE"
)

var (
	// ErrAgentNotFound 表示智能体未注册。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "")
	// ErrAgentExists 表示智能体 ID 已被占用。
	ErrAgentExists = xerrors.New(CodeAgentExists, "")
	// ErrAgentBanned 表示智能体已被封禁。
	ErrAgentBanned = xerrors.New(CodeAgentBanned, "")
	// ErrInsufficientStake 表示可用质押不足。
	ErrInsufficientStake = xerrors.New(CodeInsufficientStake, "")
	// ErrInsufficientTier 表示信任等级不足。
	ErrInsufficientTier = xerrors.New(CodeInsufficientTier, "")
	// ErrInvalidNonce 表示 nonce 未严格递增。
	ErrInvalidNonce = xerrors.New(CodeInvalidNonce, "")
	// ErrRateLimited 表示注册频率超限。
	ErrRateLimited = xerrors.New(xerrors.CodeRateLimited, "registration rate limit exceeded")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentExists, xerrors.Attributes{
		Message:  "agent already registered",
		Category: xerrors.CategoryState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentBanned, xerrors.Attributes{
		Message:  "agent banned",
		Category: xerrors.CategoryAuthorization,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInsufficientStake, xerrors.Attributes{
		Message:  "insufficient stake",
		Category: xerrors.CategoryEconomicLimit,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientTier, xerrors.Attributes{
		Message:  "insufficient tier",
		Category: xerrors.CategoryAuthorization,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidNonce, xerrors.Attributes{
		Message:  "nonce must strictly increase",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityWarning,
	})
}
