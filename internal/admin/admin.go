// Package admin implements the two-phase, timelocked, one-time handover of
// bootstrap authority to governance.
package admin

import (
	"math"
	"strings"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
)

const (
	CodeTimelockNotMet           xerrors.Code = "TIMELOCK_NOT_MET"
	CodeProtocolAlreadyImmutable xerrors.Code = "PROTOCOL_ALREADY_IMMUTABLE"
	CodeNoPendingTransfer        xerrors.Code = "NO_PENDING_TRANSFER"
	CodeInvalidTimelock          xerrors.Code = "INVALID_TIMELOCK"
)

var (
	// ErrTimelockNotMet 表示移交时间锁未到期。
	ErrTimelockNotMet = xerrors.New(CodeTimelockNotMet, "")
	// ErrProtocolAlreadyImmutable 表示权限已永久移交。
	ErrProtocolAlreadyImmutable = xerrors.New(CodeProtocolAlreadyImmutable, "")
	// ErrNoPendingTransfer 表示没有待确认的移交。
	ErrNoPendingTransfer = xerrors.New(CodeNoPendingTransfer, "")
	// ErrInvalidTimelock 表示时间锁短于下限。
	ErrInvalidTimelock = xerrors.New(CodeInvalidTimelock, "")
	// ErrUnauthorized 表示调用方不是当前权限持有者。
	ErrUnauthorized = xerrors.New(xerrors.CodeUnauthorized, "caller is not the protocol authority")
)

func init() {
	xerrors.Register(CodeTimelockNotMet, xerrors.Attributes{
		Message:  "admin transfer timelock not met",
		Category: xerrors.CategoryState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeProtocolAlreadyImmutable, xerrors.Attributes{
		Message:  "protocol already immutable",
		Category: xerrors.CategoryState,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeNoPendingTransfer, xerrors.Attributes{
		Message:  "no pending admin transfer",
		Category: xerrors.CategoryState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidTimelock, xerrors.Attributes{
		Message:  "admin transfer timelock too short",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
}

// DefaultMinTimelockHours 是移交时间锁的下限。
const DefaultMinTimelockHours = 48

// State 是权限移交状态。
type State struct {
	Authority      string `json:"authority"`
	PendingAdmin   string `json:"pending_admin,omitempty"`
	Accepted       bool   `json:"accepted,omitempty"`
	TimelockExpiry int64  `json:"timelock_expiry,omitempty"`
	Immutable      bool   `json:"immutable"`

	minTimelockHours int64
}

// New 以创世权限创建状态。
func New(authority string, minTimelockHours int64) *State {
	if minTimelockHours < DefaultMinTimelockHours {
		minTimelockHours = DefaultMinTimelockHours
	}
	return &State{Authority: strings.TrimSpace(authority), minTimelockHours: minTimelockHours}
}

// Clone 复制状态。
func (s *State) Clone() *State {
	cp := *s
	return &cp
}

// MinTimelockHours 返回时间锁下限。
func (s *State) MinTimelockHours() int64 { return s.minTimelockHours }

// RequireAuthority 校验调用方为当前权限持有者，用于创世期操作。
func (s *State) RequireAuthority(caller string) error {
	if caller == "" || caller != s.Authority {
		return ErrUnauthorized.With(xerrors.WithMetadata("caller", caller))
	}
	return nil
}

// Initiate 发起移交，记录到期时间。
func (s *State) Initiate(rec *event.Recorder, caller, newAdmin string, timelockHours int64) error {
	if s.Immutable {
		return ErrProtocolAlreadyImmutable
	}
	if err := s.RequireAuthority(caller); err != nil {
		return err
	}
	newAdmin = strings.TrimSpace(newAdmin)
	if newAdmin == "" || newAdmin == s.Authority {
		return xerrors.New(xerrors.CodeInvalidArgument, "new admin must differ from the current authority")
	}
	if timelockHours < s.minTimelockHours {
		return ErrInvalidTimelock.With(xerrors.WithSignedBound(s.minTimelockHours, timelockHours))
	}
	seconds, err := checked.Mul(uint64(timelockHours), 3600)
	if err != nil {
		return err
	}
	if seconds > math.MaxInt64 {
		return checked.ErrOverflow
	}
	expiry, err := checked.AddTime(rec.Now, int64(seconds))
	if err != nil {
		return err
	}
	s.PendingAdmin = newAdmin
	s.Accepted = false
	s.TimelockExpiry = expiry
	rec.Emit(event.AdminTransferInitiated,
		"authority", s.Authority,
		"pending_admin", newAdmin,
		"expiry", event.I(expiry),
	)
	return nil
}

// Cancel 撤销待确认的移交。
func (s *State) Cancel(rec *event.Recorder, caller string) error {
	if s.Immutable {
		return ErrProtocolAlreadyImmutable
	}
	if err := s.RequireAuthority(caller); err != nil {
		return err
	}
	if s.PendingAdmin == "" {
		return ErrNoPendingTransfer
	}
	pending := s.PendingAdmin
	s.clearPending()
	rec.Emit(event.AdminTransferCancelled, "authority", s.Authority, "pending_admin", pending)
	return nil
}

// Accept 由待接任的新权限以自己的身份签署，记录其同意接管。可在时间锁到期前完成。
func (s *State) Accept(rec *event.Recorder, caller string) error {
	if s.Immutable {
		return ErrProtocolAlreadyImmutable
	}
	if s.PendingAdmin == "" {
		return ErrNoPendingTransfer
	}
	if strings.TrimSpace(caller) != s.PendingAdmin {
		return xerrors.New(xerrors.CodeUnauthorized, "only the pending admin can accept the transfer",
			xerrors.WithMetadata("caller", caller))
	}
	s.Accepted = true
	rec.Emit(event.AdminTransferAccepted, "authority", s.Authority, "pending_admin", s.PendingAdmin)
	return nil
}

// Confirm 由当前权限在时间锁到期后发起，且新权限已通过 Accept 签署同意。之后状态永久不可变。
func (s *State) Confirm(rec *event.Recorder, caller string) error {
	if s.Immutable {
		return ErrProtocolAlreadyImmutable
	}
	if s.PendingAdmin == "" {
		return ErrNoPendingTransfer
	}
	if err := s.RequireAuthority(caller); err != nil {
		return err
	}
	if rec.Now < s.TimelockExpiry {
		return ErrTimelockNotMet.With(xerrors.WithSignedBound(s.TimelockExpiry, rec.Now))
	}
	if !s.Accepted {
		return xerrors.New(xerrors.CodeUnauthorized, "pending admin has not accepted the transfer",
			xerrors.WithMetadata("pending_admin", s.PendingAdmin))
	}
	previous := s.Authority
	s.Authority = s.PendingAdmin
	s.clearPending()
	s.Immutable = true
	rec.Emit(event.AdminTransferExecuted, "previous", previous, "authority", s.Authority)
	return nil
}

func (s *State) clearPending() {
	s.PendingAdmin = ""
	s.Accepted = false
	s.TimelockExpiry = 0
}
