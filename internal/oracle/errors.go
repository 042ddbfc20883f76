package oracle

import (
	xerrors "ARS-Engine/internal/errors"
)

const (
	CodeInvalidValue          xerrors.Code = "ORACLE_INVALID_VALUE"
	CodeStaleTimestamp        xerrors.Code = "ORACLE_STALE_TIMESTAMP"
	CodeLowReputation         xerrors.Code = "ORACLE_LOW_REPUTATION"
	CodeRoundPending          xerrors.Code = "ORACLE_ROUND_PENDING"
	CodeRoundFull             xerrors.Code = "ORACLE_ROUND_FULL"
	CodeNothingPending        xerrors.Code = "ORACLE_NOTHING_PENDING"
	CodeDisputeWindowOpen     xerrors.Code = "ORACLE_DISPUTE_WINDOW_OPEN"
	CodeDisputeWindowClosed   xerrors.Code = "ORACLE_DISPUTE_WINDOW_CLOSED"
	CodeDisputeOpen           xerrors.Code = "ORACLE_DISPUTE_OPEN"
	CodeNoDispute             xerrors.Code = "ORACLE_NO_DISPUTE"
	CodeInsufficientConsensus xerrors.Code = "ORACLE_INSUFFICIENT_CONSENSUS"
)

var (
	ErrInvalidValue          = xerrors.New(CodeInvalidValue, "")
	ErrStaleTimestamp        = xerrors.New(CodeStaleTimestamp, "")
	ErrLowReputation         = xerrors.New(CodeLowReputation, "")
	ErrRoundPending          = xerrors.New(CodeRoundPending, "")
	ErrRoundFull             = xerrors.New(CodeRoundFull, "")
	ErrNothingPending        = xerrors.New(CodeNothingPending, "")
	ErrDisputeWindowOpen     = xerrors.New(CodeDisputeWindowOpen, "")
	ErrDisputeWindowClosed   = xerrors.New(CodeDisputeWindowClosed, "")
	ErrDisputeOpen           = xerrors.New(CodeDisputeOpen, "")
	ErrNoDispute             = xerrors.New(CodeNoDispute, "")
	ErrInsufficientConsensus = xerrors.New(CodeInsufficientConsensus, "")
	ErrRateLimited           = xerrors.New(xerrors.CodeRateLimited, "oracle submission interval not elapsed")
)

func init() {
	register := func(code xerrors.Code, msg string, cat xerrors.Category) {
		xerrors.Register(code, xerrors.Attributes{Message: msg, Category: cat, Severity: xerrors.SeverityInfo})
	}
	register(CodeInvalidValue, "oracle value out of range", xerrors.CategoryValidation)
	register(CodeStaleTimestamp, "submission timestamp outside accepted window", xerrors.CategoryValidation)
	register(CodeLowReputation, "reputation below oracle minimum", xerrors.CategoryAuthorization)
	register(CodeRoundPending, "aggregated value awaiting activation", xerrors.CategoryState)
	register(CodeRoundFull, "round reached its submission cap", xerrors.CategoryEconomicLimit)
	register(CodeNothingPending, "no pending oracle value", xerrors.CategoryState)
	register(CodeDisputeWindowOpen, "dispute window still open", xerrors.CategoryState)
	register(CodeDisputeWindowClosed, "dispute window closed", xerrors.CategoryState)
	register(CodeDisputeOpen, "dispute already open", xerrors.CategoryState)
	register(CodeNoDispute, "no open dispute", xerrors.CategoryState)
	register(CodeInsufficientConsensus, "not enough distinct submitters", xerrors.CategoryState)
}
