package guardian

import (
	"errors"
	"fmt"
)

// ErrorCategory represents the category of a security error
type ErrorCategory string

const (
	ErrorCategoryValidation    ErrorCategory = "validation"
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	ErrorCategoryThreshold     ErrorCategory = "threshold"
	ErrorCategoryParticipant   ErrorCategory = "participant"
	ErrorCategoryCryptographic ErrorCategory = "cryptographic"
	ErrorCategoryKeyGeneration ErrorCategory = "key_generation"
	ErrorCategorySigning       ErrorCategory = "signing"
	ErrorCategoryProof         ErrorCategory = "proof"
	ErrorCategoryMonitoring    ErrorCategory = "monitoring"
	ErrorCategoryLifecycle     ErrorCategory = "lifecycle"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"      // Non-critical, operation can continue
	ErrorSeverityMedium   ErrorSeverity = "medium"   // Important, may affect functionality
	ErrorSeverityHigh     ErrorSeverity = "high"     // Critical, operation should stop
	ErrorSeverityCritical ErrorSeverity = "critical" // System-level failure
)

// SecurityError represents a structured error of the security layer.
// Two SecurityErrors match under errors.Is when their codes are equal.
type SecurityError struct {
	Category    ErrorCategory          `json:"category"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Details     string                 `json:"details,omitempty"`
	Cause       error                  `json:"-"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Recoverable bool                   `json:"recoverable"`
}

// Error implements the error interface
func (e *SecurityError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *SecurityError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SecurityError carrying the same code
func (e *SecurityError) Is(target error) bool {
	var other *SecurityError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func (e *SecurityError) clone() *SecurityError {
	newError := &SecurityError{
		Category:    e.Category,
		Severity:    e.Severity,
		Code:        e.Code,
		Message:     e.Message,
		Details:     e.Details,
		Recoverable: e.Recoverable,
		Cause:       e.Cause,
		Context:     make(map[string]interface{}, len(e.Context)+1),
	}
	for k, v := range e.Context {
		newError.Context[k] = v
	}
	return newError
}

// WithContext returns a copy of the error with an additional context entry
func (e *SecurityError) WithContext(key string, value interface{}) *SecurityError {
	newError := e.clone()
	newError.Context[key] = value
	return newError
}

// WithCause returns a copy of the error wrapping cause
func (e *SecurityError) WithCause(cause error) *SecurityError {
	newError := e.clone()
	newError.Cause = cause
	return newError
}

// WithDetails returns a copy of the error with a formatted detail string
func (e *SecurityError) WithDetails(format string, args ...interface{}) *SecurityError {
	newError := e.clone()
	newError.Details = fmt.Sprintf(format, args...)
	return newError
}

// IsRecoverable returns whether the error is recoverable
func (e *SecurityError) IsRecoverable() bool {
	return e.Recoverable
}

// NewSecurityError creates a new security error
func NewSecurityError(category ErrorCategory, severity ErrorSeverity, code, message string) *SecurityError {
	return &SecurityError{
		Category:    category,
		Severity:    severity,
		Code:        code,
		Message:     message,
		Context:     make(map[string]interface{}),
		Recoverable: severity != ErrorSeverityCritical,
	}
}

// Lifecycle errors
var (
	ErrInitialization = NewSecurityError(
		ErrorCategoryKeyGeneration, ErrorSeverityCritical, "INITIALIZATION_FAILED",
		"distributed key generation failed")

	ErrKeyRotation = NewSecurityError(
		ErrorCategoryKeyGeneration, ErrorSeverityHigh, "KEY_ROTATION_FAILED",
		"key rotation failed")

	ErrCleanup = NewSecurityError(
		ErrorCategoryLifecycle, ErrorSeverityLow, "CLEANUP_FAILED",
		"cleanup failed")

	ErrNotActive = NewSecurityError(
		ErrorCategoryLifecycle, ErrorSeverityMedium, "NOT_ACTIVE",
		"security manager is not active")

	ErrAlreadyInitialized = NewSecurityError(
		ErrorCategoryLifecycle, ErrorSeverityMedium, "ALREADY_INITIALIZED",
		"security manager was already initialized")

	ErrCheckInFlight = NewSecurityError(
		ErrorCategoryMonitoring, ErrorSeverityLow, "CHECK_IN_FLIGHT",
		"a security check is already running")

	ErrUnknownAttackType = NewSecurityError(
		ErrorCategoryMonitoring, ErrorSeverityLow, "UNKNOWN_ATTACK_TYPE",
		"attack kind is not recognized")
)

// Security check errors
var (
	ErrTransportUnavailable = NewSecurityError(
		ErrorCategoryMonitoring, ErrorSeverityMedium, "TRANSPORT_UNAVAILABLE",
		"transport query failed")

	ErrDetectorFailed = NewSecurityError(
		ErrorCategoryMonitoring, ErrorSeverityLow, "DETECTOR_FAILED",
		"attack detector failed")

	ErrMitigationFailed = NewSecurityError(
		ErrorCategoryMonitoring, ErrorSeverityHigh, "MITIGATION_FAILED",
		"attack mitigation failed")

	ErrCheckPanicked = NewSecurityError(
		ErrorCategoryMonitoring, ErrorSeverityCritical, "CHECK_PANICKED",
		"security check panicked")
)

// Signing errors
var (
	ErrInsufficientSignatories = NewSecurityError(
		ErrorCategorySigning, ErrorSeverityMedium, "INSUFFICIENT_SIGNATORIES",
		"insufficient signatories for threshold signature")

	ErrUnrecognizedSigner = NewSecurityError(
		ErrorCategorySigning, ErrorSeverityMedium, "UNRECOGNIZED_SIGNER",
		"signatory is unknown or isolated")

	ErrDuplicateSigner = NewSecurityError(
		ErrorCategorySigning, ErrorSeverityMedium, "DUPLICATE_SIGNER",
		"signatory listed more than once")

	ErrMalformedSignature = NewSecurityError(
		ErrorCategorySigning, ErrorSeverityMedium, "MALFORMED_SIGNATURE",
		"signature encoding is malformed")

	ErrInvalidPartialSignature = NewSecurityError(
		ErrorCategorySigning, ErrorSeverityHigh, "INVALID_PARTIAL_SIGNATURE",
		"partial signature failed verification")

	ErrNoKeyMaterial = NewSecurityError(
		ErrorCategorySigning, ErrorSeverityHigh, "NO_KEY_MATERIAL",
		"no active key material")
)

// Proof errors
var (
	ErrMalformedProof = NewSecurityError(
		ErrorCategoryProof, ErrorSeverityMedium, "MALFORMED_PROOF",
		"proof encoding is malformed")
)

// Interpolation and validation errors
var (
	ErrInsufficientPoints = NewSecurityError(
		ErrorCategoryCryptographic, ErrorSeverityMedium, "INSUFFICIENT_POINTS",
		"not enough points to interpolate")

	ErrDuplicateIndex = NewSecurityError(
		ErrorCategoryCryptographic, ErrorSeverityMedium, "DUPLICATE_INDEX",
		"two points share an index")

	ErrInvalidParticipantID = NewSecurityError(
		ErrorCategoryParticipant, ErrorSeverityMedium, "INVALID_PARTICIPANT_ID",
		"participant ID is invalid")

	ErrInvalidThreshold = NewSecurityError(
		ErrorCategoryThreshold, ErrorSeverityHigh, "INVALID_THRESHOLD",
		"threshold value is invalid")

	ErrThresholdTooHigh = NewSecurityError(
		ErrorCategoryThreshold, ErrorSeverityHigh, "THRESHOLD_TOO_HIGH",
		"threshold exceeds participant count")

	ErrDuplicateParticipants = NewSecurityError(
		ErrorCategoryParticipant, ErrorSeverityMedium, "DUPLICATE_PARTICIPANTS",
		"duplicate participants detected")

	ErrParticipantNotFound = NewSecurityError(
		ErrorCategoryParticipant, ErrorSeverityMedium, "PARTICIPANT_NOT_FOUND",
		"participant not found")

	ErrInvalidConfig = NewSecurityError(
		ErrorCategoryConfiguration, ErrorSeverityHigh, "INVALID_CONFIG",
		"configuration is invalid")
)

// IsRecoverableError reports whether err is recoverable. Errors outside the taxonomy are.
func IsRecoverableError(err error) bool {
	var secErr *SecurityError
	if errors.As(err, &secErr) {
		return secErr.IsRecoverable()
	}
	return true
}

// GetErrorContext extracts context from a security error
func GetErrorContext(err error) map[string]interface{} {
	var secErr *SecurityError
	if errors.As(err, &secErr) {
		return secErr.Context
	}
	return nil
}
