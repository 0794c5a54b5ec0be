package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes carried by EngineError. The API maps them onto HTTP statuses.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePlanNotFound     = "PLAN_NOT_FOUND"
	ErrCodeStepNotFound     = "STEP_NOT_FOUND"
	ErrCodeCommandNotFound  = "COMMAND_NOT_FOUND"
	ErrCodeInvalidPlanState = "INVALID_PLAN_STATE"
	ErrCodePlanNotActive    = "PLAN_NOT_ACTIVE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeRevisionFailed   = "REVISION_FAILED"
	ErrCodeLLMFailed        = "LLM_FAILED"
	ErrCodeStorage          = "STORAGE_ERROR"
)

// Codes reported by the parsers of LLM responses.
const (
	ErrCodeParsingFailed    = "PARSING_FAILED"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeTypeError        = "TYPE_ERROR"
	ErrCodeNoJSONFound      = "NO_JSON_FOUND"
)

// ErrorClass tells a caller whether retrying an operation can help.
type ErrorClass string

const (
	// ErrorClassTransient covers LLM timeouts and unavailable providers.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled covers provider rate limits and exhausted quotas.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict covers operations racing a plan that is mid-step.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent covers unknown plans, illegal transitions and
	// unparseable responses.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is the error returned by orchestrator, store and LLM
// operations.
// nolint:revive // distinguishes engine failures from plain errors
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`

	// Resource is the plan or command id the operation addressed.
	Resource  string `json:"resource,omitempty"`
	Operation string `json:"operation,omitempty"`

	Err     error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError reports a failure that may succeed on retry.
func NewTransientError(message string, err error) *EngineError {
	return newEngineError(ErrorClassTransient, message, err)
}

// NewThrottledError reports a rate-limited call.
func NewThrottledError(message string, err error) *EngineError {
	return newEngineError(ErrorClassThrottled, message, err)
}

// NewConflictError reports an operation that collided with a running step.
func NewConflictError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConflict, message, err)
}

// NewPermanentError reports a failure retrying cannot fix.
func NewPermanentError(message string, err error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, err)
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error renders "[class] op resource: message: cause".
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Class)
	if e.Operation != "" {
		b.WriteString(" " + e.Operation)
	}
	if e.Resource != "" {
		b.WriteString(" " + e.Resource)
	}
	b.WriteString(": " + e.Message)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code, so sentinel
// values such as &EngineError{Class: ErrorClassPermanent, Code: ErrCodePlanNotFound}
// work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

// ErrorCode exposes Code to packages that cannot import engine.
func (e *EngineError) ErrorCode() string {
	return e.Code
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func IsTransient(err error) bool { return classOf(err) == ErrorClassTransient }
func IsThrottled(err error) bool { return classOf(err) == ErrorClassThrottled }
func IsConflict(err error) bool  { return classOf(err) == ErrorClassConflict }
func IsPermanent(err error) bool { return classOf(err) == ErrorClassPermanent }

// IsRetryable reports whether err is anything but permanent or unclassified.
func IsRetryable(err error) bool {
	switch classOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}

// ErrorCode returns the code of the first EngineError or ParseError in the
// chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// ParseError is returned by the plan, verification and progress parsers.
// Code is one of the parse error codes.
type ParseError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	RawSnippet string `json:"raw_response_snippet"`
}

func (e *ParseError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrorCode exposes Code to packages that cannot import engine.
func (e *ParseError) ErrorCode() string {
	return e.Code
}

// AsPlanError converts the parse error into the form stored on a plan.
func (e *ParseError) AsPlanError() *PlanError {
	return &PlanError{Code: e.Code, Message: e.Message, RawResponseSnippet: e.RawSnippet}
}
