package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorsIsMatchesClassAndCode(t *testing.T) {
	err := fmt.Errorf("create run: %w", NewDuplicateRunError("r1"))

	if !errors.Is(err, ErrDuplicateRun) {
		t.Error("wrapped duplicate run error should match ErrDuplicateRun")
	}
	if errors.Is(err, ErrInvalidTransition) {
		t.Error("duplicate run error should not match another conflict code")
	}
	if !IsConflict(err) || IsTransient(err) || IsPermanent(err) {
		t.Error("duplicate run error should only be a conflict")
	}
	if CodeOf(err) != ErrCodeDuplicateRun || ClassOf(err) != ErrorClassConflict {
		t.Errorf("CodeOf/ClassOf = %s/%s", CodeOf(err), ClassOf(err))
	}
}

func TestExternalEngineErrors(t *testing.T) {
	transient := NewExternalEngineError("engine timeout", errors.New("deadline exceeded"))
	fatal := NewExternalEngineFatalError("engine reported error", nil)

	if !errors.Is(transient, ErrExternalEngine) || !IsRetryable(transient) {
		t.Error("external engine error should be retryable")
	}
	if !errors.Is(fatal, ErrExternalEngineFatal) || IsRetryable(fatal) {
		t.Error("fatal external engine error should not be retryable")
	}
	if errors.Is(transient, ErrExternalEngineFatal) {
		t.Error("transient error should not match the fatal sentinel")
	}
	if !strings.Contains(transient.Error(), "deadline exceeded") {
		t.Errorf("Error() = %q, want cause included", transient.Error())
	}
}

func TestThrottledIsTransient(t *testing.T) {
	err := NewThrottledError("rate limited", nil)
	if !IsTransient(err) {
		t.Error("throttled errors should be transient")
	}
}

func TestErrorMessageContext(t *testing.T) {
	err := NewInvalidTransitionError("r1", StateRunning, StateBuilt).WithOperation("transition")

	msg := err.Error()
	for _, want := range []string{"[conflict]", "RUNNING -> BUILT", "resource=r1", "operation=transition"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if err.Details["from"] != "RUNNING" || err.Details["to"] != "BUILT" {
		t.Errorf("Details = %v", err.Details)
	}
}

func TestUnclassifiedErrors(t *testing.T) {
	err := errors.New("plain")
	if IsTransient(err) || IsConflict(err) || IsPermanent(err) {
		t.Error("plain errors have no class")
	}
	if CodeOf(err) != "" || ClassOf(err) != "" {
		t.Error("plain errors have no code or class")
	}
	if !IsNotFound(NewNotFoundError(EntityRun, "r1")) {
		t.Error("NewNotFoundError should satisfy IsNotFound")
	}
}

func TestRunNotPublishedIsRetryable(t *testing.T) {
	cause := errors.New("bus shut down")
	err := NewRunNotPublishedError("r1", cause)
	if !errors.Is(err, ErrRunNotPublished) || !IsRetryable(err) {
		t.Error("unpublished run error should match its sentinel and be retryable")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should stay in the chain")
	}
	if err.Resource != "r1" || err.Operation != "publish" {
		t.Errorf("Resource = %q, Operation = %q", err.Resource, err.Operation)
	}
}
