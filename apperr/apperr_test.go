package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewUsesDefaultMessage(t *testing.T) {
	err := New(CodeFreeLimitReached)
	if err.Message != "Free plan limit reached" {
		t.Errorf("message = %q", err.Message)
	}
	if err.Retryable {
		t.Error("FREE_LIMIT_REACHED should not be retryable")
	}
	if got := err.Error(); got != "FREE_LIMIT_REACHED: Free plan limit reached" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("download base: %w", Wrap(CodeDownloadFailed, cause))

	if got := CodeOf(err); got != CodeDownloadFailed {
		t.Errorf("CodeOf = %q, want %q", got, CodeDownloadFailed)
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
	if !errors.Is(err, New(CodeDownloadFailed)) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, New(CodeDownloadIncomplete)) {
		t.Error("errors.Is matched a different code")
	}
	if !Is(err, CodeDownloadFailed) || Is(nil, CodeDownloadFailed) {
		t.Error("Is helper mismatch")
	}
}

func TestFrom(t *testing.T) {
	if From(nil, CodeInternal) != nil {
		t.Error("From(nil) should be nil")
	}
	plain := errors.New("boom")
	if got := From(plain, CodeTranscriptionFailed); got.Code != CodeTranscriptionFailed || got.Cause != plain {
		t.Errorf("From(plain) = %+v", got)
	}
	coded := New(CodeWorkerCrashed)
	if got := From(fmt.Errorf("x: %w", coded), CodeInternal); got != coded {
		t.Errorf("From should return the existing *Error")
	}
}

func TestMessageUnknownCode(t *testing.T) {
	if got := Message(Code("SOMETHING")); got != "SOMETHING" {
		t.Errorf("Message = %q", got)
	}
}
