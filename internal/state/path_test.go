package state

import (
	"errors"
	"testing"
)

func TestValidatePath_RejectsEmpty(t *testing.T) {
	err := ValidatePath("", []string{"workspace"})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestValidatePath_RejectsAbsolute(t *testing.T) {
	err := ValidatePath("/etc/passwd", []string{"workspace"})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestValidatePath_RejectsTraversal(t *testing.T) {
	paths := []string{"../secrets.txt", "a/../../b.go", ".."}
	for _, p := range paths {
		if err := ValidatePath(p, []string{"workspace"}); !errors.Is(err, ErrInvariantViolation) {
			t.Errorf("ValidatePath(%q): expected ErrInvariantViolation, got %v", p, err)
		}
	}
}

func TestValidatePath_AcceptsRelativeCleanPaths(t *testing.T) {
	paths := []string{"main.go", "pkg/handler.go", "cmd/server/main.go"}
	for _, p := range paths {
		if err := ValidatePath(p, []string{"workspace"}); err != nil {
			t.Errorf("ValidatePath(%q): unexpected error %v", p, err)
		}
	}
}
