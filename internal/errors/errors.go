package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies engine errors for handling policy decisions
type ErrorType string

const (
	ErrorTypeTransition  ErrorType = "transition"
	ErrorTypeCrypto      ErrorType = "crypto"
	ErrorTypeContainment ErrorType = "containment"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeStorage     ErrorType = "storage"
	ErrorTypeConfig      ErrorType = "configuration"
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// Sentinel errors for errors.Is matching across package boundaries.
var (
	// ErrInvalidTransition is returned for illegal incident state-machine moves.
	// Hard error: never swallowed, never turned into a no-op.
	ErrInvalidTransition = errors.New("invalid incident transition")

	// ErrDecryption is returned when ciphertext authentication fails or the
	// referenced key version is unknown or purged.
	ErrDecryption = errors.New("decryption failed")

	// ErrContainmentAction marks a best-effort containment step that failed.
	// Collected and logged, never aborts the transition to contained.
	ErrContainmentAction = errors.New("containment action failed")

	// ErrIncidentNotFound is returned when an incident ID does not resolve.
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrNotificationNotRequired is returned when a regulator notification is
	// recorded against an incident that never required one.
	ErrNotificationNotRequired = errors.New("regulator notification not required")
)

// AppError carries classification and context alongside the underlying error
type AppError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	wrapped   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.wrapped
}

// NewError creates a new application error
func NewError(errType ErrorType, severity ErrorSeverity, code, message string) *AppError {
	return &AppError{
		Type:      errType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WithError wraps an existing error
func (e *AppError) WithError(err error) *AppError {
	e.wrapped = err
	return e
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

// InvalidTransition builds the error returned for an illegal state-machine move.
func InvalidTransition(incidentID, from, to string) *AppError {
	return NewError(ErrorTypeTransition, SeverityHigh, "INVALID_TRANSITION",
		fmt.Sprintf("cannot move incident from %s to %s", from, to)).
		WithError(ErrInvalidTransition).
		WithContext("incident_id", incidentID)
}

// DecryptionFailed builds the error returned for tamper or unknown-key failures.
func DecryptionFailed(keyVersion uint64, cause error) *AppError {
	e := NewError(ErrorTypeCrypto, SeverityCritical, "DECRYPTION_FAILED",
		fmt.Sprintf("cannot decrypt payload under key version %d", keyVersion))
	if cause != nil {
		e.wrapped = fmt.Errorf("%w: %w", ErrDecryption, cause)
	} else {
		e.wrapped = ErrDecryption
	}
	return e
}

// ContainmentFailed wraps a single failed containment action.
func ContainmentFailed(action string, cause error) *AppError {
	e := NewError(ErrorTypeContainment, SeverityMedium, "CONTAINMENT_ACTION_FAILED",
		fmt.Sprintf("containment action %q failed", action)).
		WithContext("action", action)
	if cause != nil {
		e.wrapped = fmt.Errorf("%w: %w", ErrContainmentAction, cause)
	} else {
		e.wrapped = ErrContainmentAction
	}
	return e
}

// IsInvalidTransition reports whether err stems from an illegal state move.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsDecryptionError reports whether err stems from a failed decrypt.
func IsDecryptionError(err error) bool {
	return errors.Is(err, ErrDecryption)
}
