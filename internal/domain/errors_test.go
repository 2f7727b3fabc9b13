package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfWalksWrapChain(t *testing.T) {
	inner := Fail(CodeImageTimeout, "images", errors.New("deadline exceeded"))
	wrapped := fmt.Errorf("generate page 3: %w", inner)

	if got := CodeOf(wrapped); got != CodeImageTimeout {
		t.Fatalf("CodeOf = %s, want %s", got, CodeImageTimeout)
	}
	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain) = %s, want %s", got, CodeUnknown)
	}
}

func TestRetryableClassification(t *testing.T) {
	retryable := []ErrorCode{CodeLLMTimeout, CodeLLMJSONInvalid, CodeImageTimeout, CodeImageRateLimit, CodeImageFailed, CodeStorageUploadFailed}
	for _, c := range retryable {
		if !c.Retryable() {
			t.Fatalf("%s should be retryable", c)
		}
	}
	terminal := []ErrorCode{CodeSafetyInput, CodeSafetyOutput, CodeDBWriteFailed, CodeNoCredits, CodeStuckTimeout, CodeSLABreach}
	for _, c := range terminal {
		if c.Retryable() {
			t.Fatalf("%s should be terminal", c)
		}
	}
}

func TestSeedForIsStableAndBounded(t *testing.T) {
	a := SeedFor("job_x", 3, 0)
	b := SeedFor("job_x", 3, 0)
	if a != b {
		t.Fatalf("seed not stable: %d vs %d", a, b)
	}
	if a < MinSeed || a > MaxSeed {
		t.Fatalf("seed %d out of range", a)
	}
	if SeedFor("job_x", 3, 1) == a {
		t.Fatal("salted seed should differ")
	}
	if SeedFor("job_x", 4, 0) == a {
		t.Fatal("page seed should differ")
	}
}
