package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestProvisionError_Message(t *testing.T) {
	err := NewExecutionError("install failed", errors.New("exit status 1")).
		WithModule("desktop").
		WithOperation("execute")

	msg := err.Error()
	for _, want := range []string{"execution", "install failed", "desktop", "execute", "exit status 1"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q, got %q", want, msg)
		}
	}
}

func TestProvisionError_Unwrap(t *testing.T) {
	underlying := errors.New("disk full")
	err := NewStorageError("journal append failed", underlying)

	if !errors.Is(err, underlying) {
		t.Error("Expected errors.Is to find the underlying error")
	}
}

func TestProvisionError_ClassPredicates(t *testing.T) {
	cases := []struct {
		err       error
		predicate func(error) bool
		name      string
	}{
		{NewConfigurationError("bad graph", nil), IsConfiguration, "configuration"},
		{NewPrerequisiteError("missing tool", nil), IsPrerequisite, "prerequisite"},
		{NewExecutionError("step failed", nil), IsExecution, "execution"},
		{NewRollbackError("undo failed", nil), IsRollback, "rollback"},
		{NewStorageError("write failed", nil), IsStorage, "storage"},
	}

	for _, tc := range cases {
		if !tc.predicate(tc.err) {
			t.Errorf("Expected %s predicate to match its own class", tc.name)
		}
		if tc.name != "execution" && IsExecution(tc.err) {
			t.Errorf("Expected IsExecution to reject %s error", tc.name)
		}
	}
}

func TestProvisionError_PredicatesSeeThroughWrapping(t *testing.T) {
	inner := NewPrerequisiteError("xrdp config invalid", nil).WithModule("rdpserver")
	wrapped := fmt.Errorf("running batch: %w", inner)

	if !IsPrerequisite(wrapped) {
		t.Error("Expected predicate to match through fmt.Errorf wrapping")
	}
	if IsStorage(wrapped) {
		t.Error("Expected IsStorage to reject a wrapped prerequisite error")
	}
}

func TestProvisionError_IsMatchesClassAndModule(t *testing.T) {
	err := NewExecutionError("failed", nil).WithModule("fonts")

	if !errors.Is(err, &ProvisionError{Class: ErrorClassExecution}) {
		t.Error("Expected class-only target to match")
	}
	if !errors.Is(err, &ProvisionError{Class: ErrorClassExecution, Module: "fonts"}) {
		t.Error("Expected class+module target to match")
	}
	if errors.Is(err, &ProvisionError{Class: ErrorClassExecution, Module: "desktop"}) {
		t.Error("Expected mismatched module to not match")
	}
}
