package reserve

import (
	xerrors "ARS-Engine/internal/errors"
)

const (
	CodeAssetNotFound          xerrors.Code = "ASSET_NOT_FOUND"
	CodeAssetExists            xerrors.Code = "ASSET_ALREADY_REGISTERED"
	CodeVHRTooLow              xerrors.Code = "VHR_TOO_LOW"
	CodeInsufficientReserve    xerrors.Code = "INSUFFICIENT_RESERVE"
	CodeEmergencyLimitExceeded xerrors.Code = "EMERGENCY_WITHDRAW_LIMIT_EXCEEDED"
	CodeRebalanceTooSoon       xerrors.Code = "REBALANCE_TOO_SOON"
	CodeSlippageExceeded       xerrors.Code = "SLIPPAGE_EXCEEDED"
	CodeCircuitBreakerActive   xerrors.Code = "CIRCUIT_BREAKER_ACTIVE"
	CodeCircuitBreakerCooldown xerrors.Code = "CIRCUIT_BREAKER_COOLDOWN"
	CodeBreakerNotPending      xerrors.Code = "CIRCUIT_BREAKER_NOT_PENDING"
	CodeInsufficientReputation xerrors.Code = "INSUFFICIENT_REPUTATION"
	CodeInvalidBreakerReason   xerrors.Code = "INVALID_BREAKER_REASON"
)

var (
	// ErrAssetNotFound 表示资产未登记。
	ErrAssetNotFound = xerrors.New(CodeAssetNotFound, "")
	// ErrAssetExists 表示资产重复登记。
	ErrAssetExists = xerrors.New(CodeAssetExists, "")
	// ErrVHRTooLow 表示操作后的抵押率低于下限。
	ErrVHRTooLow = xerrors.New(CodeVHRTooLow, "")
	// ErrInsufficientReserve 表示金库中该资产余额不足。
	ErrInsufficientReserve = xerrors.New(CodeInsufficientReserve, "")
	// ErrEmergencyLimitExceeded 表示熔断期间单次提取超出紧急额度。
	ErrEmergencyLimitExceeded = xerrors.New(CodeEmergencyLimitExceeded, "")
	// ErrRebalanceTooSoon 表示距上次再平衡未满间隔。
	ErrRebalanceTooSoon = xerrors.New(CodeRebalanceTooSoon, "")
	// ErrSlippageExceeded 表示兑换结果低于最小可接受数量。
	ErrSlippageExceeded = xerrors.New(CodeSlippageExceeded, "")
	// ErrCircuitBreakerActive 表示熔断器处于激活状态。
	ErrCircuitBreakerActive = xerrors.New(CodeCircuitBreakerActive, "")
	// ErrCircuitBreakerCooldown 表示熔断器仍在冷却期。
	ErrCircuitBreakerCooldown = xerrors.New(CodeCircuitBreakerCooldown, "")
	// ErrBreakerNotPending 表示没有等待验证的熔断。
	ErrBreakerNotPending = xerrors.New(CodeBreakerNotPending, "")
	// ErrInsufficientReputation 表示信誉不足以触发熔断。
	ErrInsufficientReputation = xerrors.New(CodeInsufficientReputation, "")
	// ErrInvalidBreakerReason 表示未知的熔断原因。
	ErrInvalidBreakerReason = xerrors.New(CodeInvalidBreakerReason, "")
)

func init() {
	register := func(code xerrors.Code, msg string, cat xerrors.Category, sev xerrors.Severity) {
		xerrors.Register(code, xerrors.Attributes{Message: msg, Category: cat, Severity: sev})
	}
	register(CodeAssetNotFound, "reserve asset not found", xerrors.CategoryValidation, xerrors.SeverityInfo)
	register(CodeAssetExists, "reserve asset already registered", xerrors.CategoryState, xerrors.SeverityInfo)
	register(CodeVHRTooLow, "vault health ratio below minimum", xerrors.CategoryEconomicLimit, xerrors.SeverityWarning)
	register(CodeInsufficientReserve, "insufficient reserve balance", xerrors.CategoryEconomicLimit, xerrors.SeverityInfo)
	register(CodeEmergencyLimitExceeded, "emergency withdraw limit exceeded", xerrors.CategoryEconomicLimit, xerrors.SeverityWarning)
	register(CodeRebalanceTooSoon, "rebalance interval not elapsed", xerrors.CategoryEconomicLimit, xerrors.SeverityInfo)
	register(CodeSlippageExceeded, "swap slippage exceeded", xerrors.CategoryEconomicLimit, xerrors.SeverityWarning)
	register(CodeCircuitBreakerActive, "circuit breaker active", xerrors.CategoryState, xerrors.SeverityWarning)
	register(CodeCircuitBreakerCooldown, "circuit breaker cooling down", xerrors.CategoryState, xerrors.SeverityInfo)
	register(CodeBreakerNotPending, "no circuit breaker awaiting validation", xerrors.CategoryState, xerrors.SeverityInfo)
	register(CodeInsufficientReputation, "insufficient reputation", xerrors.CategoryAuthorization, xerrors.SeverityInfo)
	register(CodeInvalidBreakerReason, "invalid circuit breaker reason", xerrors.CategoryValidation, xerrors.SeverityInfo)
}
