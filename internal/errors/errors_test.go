package errors

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestWithBoundKeepsSentinelUntouched(t *testing.T) {
	sentinel := New(CodeOverflow, "")
	derived := sentinel.With(WithBound(10, 11))

	if sentinel.Metadata() != nil {
		t.Fatalf("sentinel metadata mutated: %v", sentinel.Metadata())
	}
	meta := derived.Metadata()
	if meta["required"] != "10" || meta["actual"] != "11" {
		t.Fatalf("unexpected bound metadata: %v", meta)
	}
	if !stdErrors.Is(derived, sentinel) {
		t.Fatalf("derived error should match sentinel by code")
	}
	if !strings.Contains(derived.Error(), "required 10, actual 11") {
		t.Fatalf("bound missing from message: %s", derived.Error())
	}
}

func TestCategoryOfWrappedError(t *testing.T) {
	Register("TEST_LIMIT", Attributes{Message: "limit", Category: CategoryEconomicLimit, Severity: SeverityInfo})
	err := fmt.Errorf("outer: %w", New("TEST_LIMIT", ""))

	if got := CategoryOf(err); got != CategoryEconomicLimit {
		t.Fatalf("expected economic_limit, got %s", got)
	}
	if got := CodeOf(err); got != "TEST_LIMIT" {
		t.Fatalf("unexpected code %s", got)
	}
	if CategoryOf(stdErrors.New("plain")) != CategoryInfra {
		t.Fatalf("plain errors should fall back to infra")
	}
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	err := New("NEVER_REGISTERED", "")
	if err.Message() != "unknown error" {
		t.Fatalf("unexpected fallback message %q", err.Message())
	}
	if !err.ShouldAlert() {
		t.Fatalf("unknown codes should alert")
	}
	if RetryableError(Wrap(CodeStorageFailure, stdErrors.New("io"), "")) != true {
		t.Fatalf("storage failures are retryable")
	}
}

var lateSentinel = New("LATE_REGISTERED", "")

func TestSentinelResolvesMessageAfterRegistration(t *testing.T) {
	Register("LATE_REGISTERED", Attributes{Message: "registered later", Category: CategoryState})
	if got := lateSentinel.With(WithBound(2, 1)).Error(); got != "[LATE_REGISTERED] registered later (required 2, actual 1)" {
		t.Fatalf("unexpected message %q", got)
	}
}
