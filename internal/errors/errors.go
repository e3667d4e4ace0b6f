// Package errors defines the tagged error taxonomy shared by the vault,
// the provider adapters and the chat coordinator.
package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code identifies an error class.
type Code string

// Relay error types understood by UI consumers.
const (
	TypeLocked     = "locked"
	TypeNoCredits  = "no_credits"
	TypeNoResponse = "no_response"
	TypeGeneric    = "generic"
)

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeLocked          Code = "LOCKED"
	CodeAuth            Code = "AUTH"
	CodeNoCredits       Code = "NO_CREDITS"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeNoResponse      Code = "NO_RESPONSE"
	CodeNetwork         Code = "NETWORK"
	CodeTimeout         Code = "TIMEOUT"
	CodeConnection      Code = "CONNECTION"
	CodeAPI             Code = "API"
	CodeDecrypt         Code = "DECRYPT"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeStorage         Code = "STORAGE"
	CodeChatDisabled    Code = "CHAT_DISABLED"
)

// Attributes are the defaults attached to a code.
type Attributes struct {
	Message    string
	ErrorType  string
	HTTPStatus int
	Retryable  bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:         {Message: "unknown error", ErrorType: TypeGeneric, HTTPStatus: http.StatusInternalServerError},
		CodeLocked:          {Message: "vault is locked", ErrorType: TypeLocked, HTTPStatus: http.StatusLocked},
		CodeAuth:            {Message: "provider rejected the credentials", ErrorType: TypeGeneric, HTTPStatus: http.StatusUnauthorized},
		CodeNoCredits:       {Message: "provider account has no credits left", ErrorType: TypeNoCredits, HTTPStatus: http.StatusPaymentRequired},
		CodeRateLimited:     {Message: "rate limited", ErrorType: TypeGeneric, HTTPStatus: http.StatusTooManyRequests, Retryable: true},
		CodeNoResponse:      {Message: "provider returned an empty response", ErrorType: TypeNoResponse, HTTPStatus: http.StatusBadGateway, Retryable: true},
		CodeNetwork:         {Message: "network failure", ErrorType: TypeGeneric, HTTPStatus: http.StatusBadGateway, Retryable: true},
		CodeTimeout:         {Message: "operation timed out", ErrorType: TypeGeneric, HTTPStatus: http.StatusGatewayTimeout, Retryable: true},
		CodeConnection:      {Message: "connection closed unexpectedly", ErrorType: TypeGeneric, HTTPStatus: http.StatusBadGateway, Retryable: true},
		CodeAPI:             {Message: "provider API error", ErrorType: TypeGeneric, HTTPStatus: http.StatusBadGateway},
		CodeDecrypt:         {Message: "failed to decrypt secret", ErrorType: TypeGeneric, HTTPStatus: http.StatusInternalServerError},
		CodeInvalidArgument: {Message: "invalid argument", ErrorType: TypeGeneric, HTTPStatus: http.StatusBadRequest},
		CodeNotFound:        {Message: "resource not found", ErrorType: TypeGeneric, HTTPStatus: http.StatusNotFound},
		CodeConflict:        {Message: "resource conflict", ErrorType: TypeGeneric, HTTPStatus: http.StatusConflict},
		CodeStorage:         {Message: "storage failure", ErrorType: TypeGeneric, HTTPStatus: http.StatusInternalServerError, Retryable: true},
		CodeChatDisabled:    {Message: "chat is disabled for this agent", ErrorType: TypeGeneric, HTTPStatus: http.StatusForbidden},
	}
)

// Sentinels for errors.Is checks. Matching is by code only.
var (
	ErrLocked       = New(CodeLocked, "")
	ErrAuth         = New(CodeAuth, "")
	ErrNoCredits    = New(CodeNoCredits, "")
	ErrRateLimited  = New(CodeRateLimited, "")
	ErrNoResponse   = New(CodeNoResponse, "")
	ErrNetwork      = New(CodeNetwork, "")
	ErrTimeout      = New(CodeTimeout, "")
	ErrConnection   = New(CodeConnection, "")
	ErrAPI          = New(CodeAPI, "")
	ErrDecrypt      = New(CodeDecrypt, "")
	ErrNotFound     = New(CodeNotFound, "")
	ErrConflict     = New(CodeConflict, "")
	ErrChatDisabled = New(CodeChatDisabled, "")
)

// Register adds or replaces the attributes of a code.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes of code, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the tagged error type.
type Error struct {
	code     Code
	message  string
	cause    error
	status   int
	body     string
	metadata map[string]string
}

// Option customises an Error.
type Option func(*Error)

// WithStatus records the upstream HTTP status.
func WithStatus(status int) Option {
	return func(e *Error) {
		e.status = status
	}
}

// WithBody records a (truncated) upstream response body.
func WithBody(body string) Option {
	return func(e *Error) {
		e.body = body
	}
}

// WithMetadata attaches a key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New creates an Error. An empty message uses the registered default.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap creates an Error around cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("[%s] %s", e.code, e.message)
	if e.status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.status)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Status is the upstream HTTP status, or 0.
func (e *Error) Status() int {
	if e == nil {
		return 0
	}
	return e.status
}

func (e *Error) Body() string {
	if e == nil {
		return ""
	}
	return e.body
}

func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// From extracts an *Error from err's chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of err, or UNKNOWN.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// ErrorTypeOf returns the relay error type for err.
func ErrorTypeOf(err error) string {
	return AttributesOf(CodeOf(err)).ErrorType
}

// HTTPStatusOf returns the status a handler should answer with for err.
func HTTPStatusOf(err error) int {
	return AttributesOf(CodeOf(err)).HTTPStatus
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return AttributesOf(CodeOf(err)).Retryable
}
