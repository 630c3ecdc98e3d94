package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestPersistencefKeepsCauseInChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := Persistencef("read balance", cause)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("errors.Is(ErrPersistence) = false: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(cause) = false: %v", err)
	}
	if !strings.Contains(err.Error(), "read balance") {
		t.Fatalf("missing operation in message: %v", err)
	}
}

func TestErrorHelpersWrapTheirKind(t *testing.T) {
	if err := Validationf("credits must be positive, got %d", -1); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validationf: %v", err)
	}
	if err := NotFoundf("execution %s", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("NotFoundf: %v", err)
	}
}
