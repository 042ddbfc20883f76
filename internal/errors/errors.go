package errors

import (
	stdErrors "errors"
	"fmt"
	"strconv"
	"sync"
)

// Code 表示引擎内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category 对错误码进行分类，调用方据此判断是输入问题、权限问题还是经济约束。
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryAuthorization Category = "authorization"
	CategoryState         Category = "state"
	CategoryEconomicLimit Category = "economic_limit"
	CategoryArithmetic    Category = "arithmetic"
	CategoryInfra         Category = "infra"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Category  Category
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeReentrancy            Code = "REENTRANCY_DETECTED"
	CodeRateLimited           Code = "RATE_LIMIT_EXCEEDED"
	CodeOverflow              Code = "ARITHMETIC_OVERFLOW"
	CodeUnderflow             Code = "ARITHMETIC_UNDERFLOW"
	CodeDivisionByZero        Code = "DIVISION_BY_ZERO"
	CodeClockSkew             Code = "CLOCK_SKEW"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExternalFailure       Code = "EXTERNAL_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Category: CategoryInfra,
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeInvalidArgument: {
			Message:  "invalid argument",
			Category: CategoryValidation,
			Severity: SeverityInfo,
		},
		CodeNotFound: {
			Message:  "resource not found",
			Category: CategoryValidation,
			Severity: SeverityInfo,
		},
		CodeConflict: {
			Message:  "resource conflict",
			Category: CategoryState,
			Severity: SeverityWarning,
		},
		CodeUnauthorized: {
			Message:  "unauthorized",
			Category: CategoryAuthorization,
			Severity: SeverityWarning,
		},
		CodeReentrancy: {
			Message:  "reentrancy detected",
			Category: CategoryState,
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeRateLimited: {
			Message:  "rate limit exceeded",
			Category: CategoryEconomicLimit,
			Severity: SeverityInfo,
		},
		CodeOverflow: {
			Message:  "arithmetic overflow",
			Category: CategoryArithmetic,
			Severity: SeverityWarning,
		},
		CodeUnderflow: {
			Message:  "arithmetic underflow",
			Category: CategoryArithmetic,
			Severity: SeverityWarning,
		},
		CodeDivisionByZero: {
			Message:  "division by zero",
			Category: CategoryArithmetic,
			Severity: SeverityWarning,
		},
		CodeClockSkew: {
			Message:  "ledger timestamp outside skew tolerance",
			Category: CategoryValidation,
			Severity: SeverityWarning,
		},
		CodeInitializationFailure: {
			Message:   "service not initialized",
			Category:  CategoryInfra,
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Category:  CategoryInfra,
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeQueueFailure: {
			Message:   "queue failure",
			Category:  CategoryInfra,
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeExternalFailure: {
			Message:   "external collaborator failure",
			Category:  CategoryInfra,
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeTimeout: {
			Message:   "operation timed out",
			Category:  CategoryInfra,
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是引擎内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithBound 记录被违反的约束：要求值与实际值。
func WithBound(required, actual uint64) Option {
	return func(e *Error) {
		WithMetadata("required", strconv.FormatUint(required, 10))(e)
		WithMetadata("actual", strconv.FormatUint(actual, 10))(e)
	}
}

// WithSignedBound 与 WithBound 相同，用于时间等有符号量。
func WithSignedBound(required, actual int64) Option {
	return func(e *Error) {
		WithMetadata("required", strconv.FormatInt(required, 10))(e)
		WithMetadata("actual", strconv.FormatInt(actual, 10))(e)
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。message 为空时在输出时回落到注册表中的描述，
// 因此包级哨兵可以在 init 注册之前声明。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// With 基于哨兵错误派生一个携带附加信息的新实例，哨兵本身保持不变。
func (e *Error) With(opts ...Option) *Error {
	if e == nil {
		return nil
	}
	clone := &Error{
		code:      e.code,
		message:   e.message,
		cause:     e.cause,
		metadata:  e.Metadata(),
		retryable: e.retryable,
		alert:     e.alert,
		severity:  e.severity,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(clone)
		}
	}
	return clone
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message()
	if req, ok := e.metadata["required"]; ok {
		msg = fmt.Sprintf("%s (required %s, actual %s)", msg, req, e.metadata["actual"])
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, msg, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, msg)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	if e.message == "" {
		return AttributesOf(e.code).Message
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Category 返回错误码所属分类。
func (e *Error) Category() Category {
	if e == nil {
		return CategoryInfra
	}
	return AttributesOf(e.code).Category
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// CategoryOf 返回错误所属分类。
func CategoryOf(err error) Category {
	if e, ok := From(err); ok {
		return e.Category()
	}
	return CategoryInfra
}

// MetadataOf 返回错误附带的信息。
func MetadataOf(err error) map[string]string {
	if e, ok := From(err); ok {
		return e.Metadata()
	}
	return nil
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
