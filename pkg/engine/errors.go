// Package engine provides the provisioning orchestration core: the module
// registry and dependency graph, the batched execution plan, and the
// orchestrator that walks it, driving the checkpoint store, the transaction
// journal, and the rollback executor.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a provisioning failure for recovery handling.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid module graph: a dependency
	// cycle or an unresolved dependency identifier. Fatal before any module
	// runs; no rollback is required because nothing executed.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassPrerequisite indicates a module-reported gating failure.
	// The module and its dependents are blocked; the module's own effects
	// need no compensation since none occurred.
	ErrorClassPrerequisite ErrorClass = "prerequisite"

	// ErrorClassExecution indicates a module's mutating step failed.
	// Triggers a rollback of the run's journal entries.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassRollback indicates an individual undo command failed during
	// rollback. Recorded per entry; never replaces the original cause.
	ErrorClassRollback ErrorClass = "rollback"

	// ErrorClassStorage indicates a checkpoint or journal write failure.
	// Always fatal: these writes back the idempotency and rollback
	// guarantees, so losing one cannot be treated as recoverable.
	ErrorClassStorage ErrorClass = "storage"
)

// ProvisionError is a classified error with module and operation context.
type ProvisionError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Module is the module identifier that caused the error, if applicable.
	Module string `json:"module,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	switch {
	case e.Module != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (module=%s, operation=%s)%s",
			e.Class, e.Message, e.Module, e.Operation, e.unwrapSuffix())
	case e.Module != "":
		return fmt.Sprintf("[%s] %s (module=%s)%s", e.Class, e.Message, e.Module, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func (e *ProvisionError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *ProvisionError) Is(target error) bool {
	t, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Module == "" || e.Module == t.Module)
}

// WithModule adds module context to an error.
func (e *ProvisionError) WithModule(id string) *ProvisionError {
	e.Module = id
	return e
}

// WithOperation adds operation context to an error.
func (e *ProvisionError) WithOperation(op string) *ProvisionError {
	e.Operation = op
	return e
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassConfiguration, Message: message, Err: err}
}

// NewPrerequisiteError creates a new prerequisite error.
func NewPrerequisiteError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassPrerequisite, Message: message, Err: err}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewRollbackError creates a new rollback error.
func NewRollbackError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassRollback, Message: message, Err: err}
}

// NewStorageError creates a new storage error.
func NewStorageError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassStorage, Message: message, Err: err}
}

func hasClass(err error, class ErrorClass) bool {
	var e *ProvisionError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsConfiguration returns true for configuration errors.
func IsConfiguration(err error) bool { return hasClass(err, ErrorClassConfiguration) }

// IsPrerequisite returns true for prerequisite errors.
func IsPrerequisite(err error) bool { return hasClass(err, ErrorClassPrerequisite) }

// IsExecution returns true for execution errors.
func IsExecution(err error) bool { return hasClass(err, ErrorClassExecution) }

// IsRollback returns true for rollback errors.
func IsRollback(err error) bool { return hasClass(err, ErrorClassRollback) }

// IsStorage returns true for storage errors.
func IsStorage(err error) bool { return hasClass(err, ErrorClassStorage) }
