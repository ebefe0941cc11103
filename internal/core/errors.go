package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // Runtime failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatState      ErrorCategory = "state"      // State corruption/conflict
	ErrCatConflict   ErrorCategory = "conflict"   // Concurrent modification
	ErrCatBudget     ErrorCategory = "budget"     // Cost budget exceeded
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]any
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error { return e.Cause }

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{Category: ErrCatValidation, Code: code, Message: message}
}

// ErrExecution creates a retryable execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{Category: ErrCatExecution, Code: code, Message: message, Retryable: true}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{Category: ErrCatTimeout, Code: "TIMEOUT", Message: message, Retryable: true}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{Category: ErrCatState, Code: code, Message: message}
}

// ErrConflict creates a concurrent-modification error.
func ErrConflict(message string) *DomainError {
	return &DomainError{Category: ErrCatConflict, Code: CodeCheckpointConflict, Message: message}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrBudgetExceeded creates an error when a cost budget is exceeded.
func ErrBudgetExceeded(scope string, current, limit float64) *DomainError {
	return &DomainError{
		Category: ErrCatBudget,
		Code:     "BUDGET_EXCEEDED",
		Message:  fmt.Sprintf("%s cost $%.4f exceeds limit $%.2f", scope, current, limit),
		Details: map[string]any{
			"scope":        scope,
			"current_cost": current,
			"limit":        limit,
		},
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes.
const (
	CodeTaskNotFound       = "TASK_NOT_FOUND"
	CodeWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	CodeInvalidState       = "INVALID_STATE"
	CodeCheckpointConflict = "CHECKPOINT_CONFLICT"
	CodeAgentUnavailable   = "AGENT_UNAVAILABLE"
	CodeParseFailed        = "PARSE_FAILED"
	CodeRecursionLimit     = "RECURSION_LIMIT"
	CodeDependencyDeadlock = "DEPENDENCY_DEADLOCK"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeMissingTasks       = "MISSING_TASKS"
	CodeWorktreeFailed     = "WORKTREE_FAILED"
	CodeHookFailed         = "HOOK_FAILED"
)

// Workflow error types recorded on the state's append-only error list.
// These are routing keys, not Go error values.
const (
	ErrTypePlanning           = "planning_error"
	ErrTypeValidationFailed   = "validation_failed"
	ErrTypeImplementation     = "implementation_error"
	ErrTypeVerificationFailed = "verification_failed"
	ErrTypeTaskFailed         = "task_failed"
	ErrTypeTaskClarification  = "task_clarification_needed"
	ErrTypeBudgetExceeded     = "budget_exceeded_error"
	ErrTypeBudgetLimitReached = "budget_limit_reached"
	ErrTypeWorktree           = "worktree_error"
	ErrTypeResearchPhase      = "research_phase_error"
	ErrTypeAutonomousAbort    = "autonomous_abort"
	ErrTypeUserAbort          = "user_abort"
	ErrTypeEscalationTimeout  = "escalation_timeout"
	ErrTypeMissingFile        = "missing_file"
	ErrTypeMissingProductMD   = "missing_product_md"
	ErrTypeTestFailure        = "test_failure"
	ErrTypeDependencyDeadlock = "dependency_deadlock"
	ErrTypeSecurityGate       = "security_gate_failed"
	ErrTypeQualityGate        = "quality_gate_failed"
	ErrTypeNodeFailure        = "node_failure"
)
