package domain

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrNotSupported = fmt.Errorf("not supported")
)

// Sentinel errors for the engine and the task protocol.
var (
	ErrModelNotFound        = fmt.Errorf("model not found in app config")
	ErrEngineNotLoaded      = fmt.Errorf("chat engine not yet initialized, call reload first")
	ErrFeatureUnsupported   = fmt.Errorf("required device feature not supported")
	ErrBusy                 = fmt.Errorf("another operation is in progress")
	ErrBackendUnavailable   = fmt.Errorf("chat backend unavailable")
	ErrEmptyPrompt          = fmt.Errorf("prompt is empty")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrInternal             = fmt.Errorf("internal worker error")
	ErrProtocol             = fmt.Errorf("task protocol violation")
	ErrUnknownKind          = fmt.Errorf("unknown task message kind")
	ErrUnknownCorrelation   = fmt.Errorf("reply for unknown correlation id")
	ErrDuplicateID          = fmt.Errorf("correlation id already in flight")
	ErrInvalidPayload       = fmt.Errorf("task payload invalid")
	ErrChannelClosed        = fmt.Errorf("task channel closed")
	ErrRemoteFailure        = fmt.Errorf("remote task failed")
	ErrTransportHandshake   = fmt.Errorf("transport handshake failed")
	ErrDiscoveryUnavailable = fmt.Errorf("worker discovery unavailable")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Client.Generate")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is the coarse, machine-parseable error category that survives the
// isolation boundary.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeNotSupported       ErrorCode = "NOT_SUPPORTED"
	CodeCanceled           ErrorCode = "CANCELED"
	CodeModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
	CodeEngineNotLoaded    ErrorCode = "ENGINE_NOT_LOADED"
	CodeFeatureUnsupported ErrorCode = "FEATURE_UNSUPPORTED"
	CodeBusy               ErrorCode = "BUSY"
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	CodeEmptyPrompt        ErrorCode = "EMPTY_PROMPT"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeInternal           ErrorCode = "INTERNAL"
	CodeProtocol           ErrorCode = "PROTOCOL"
	CodeUnknownKind        ErrorCode = "UNKNOWN_KIND"
	CodeUnknownCorrelation ErrorCode = "UNKNOWN_CORRELATION"
	CodeDuplicateID        ErrorCode = "DUPLICATE_ID"
	CodeInvalidPayload     ErrorCode = "INVALID_PAYLOAD"
	CodeChannelClosed      ErrorCode = "CHANNEL_CLOSED"
)

// errorCodes pairs sentinels with their codes. ErrorCodeOf walks it in
// order, so when an error matches several sentinels the most specific one,
// listed first, wins.
var errorCodes = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrChannelClosed, CodeChannelClosed},
	{ErrDuplicateID, CodeDuplicateID},
	{ErrUnknownCorrelation, CodeUnknownCorrelation},
	{ErrUnknownKind, CodeUnknownKind},
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrProtocol, CodeProtocol},
	{ErrModelNotFound, CodeModelNotFound},
	{ErrEngineNotLoaded, CodeEngineNotLoaded},
	{ErrFeatureUnsupported, CodeFeatureUnsupported},
	{ErrEmptyPrompt, CodeEmptyPrompt},
	{ErrBusy, CodeBusy},
	{ErrBackendUnavailable, CodeBackendUnavailable},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrNotFound, CodeNotFound},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrNotSupported, CodeNotSupported},
	{ErrInternal, CodeInternal},
}

// codeSentinels rebuilds a coarse error identity on the controller side.
var codeSentinels = func() map[ErrorCode]error {
	m := make(map[ErrorCode]error, len(errorCodes))
	for _, e := range errorCodes {
		m[e.code] = e.sentinel
	}
	return m
}()

// ErrorCodeOf returns the code for err. It unwraps DomainError, then walks the
// chain with errors.Is. Context cancellation maps to CodeCanceled/CodeTimeout.
// Returns CodeUnknown if nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	for _, e := range errorCodes {
		if err == e.sentinel {
			return e.code
		}
	}

	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}

	var de *DomainError
	if errors.As(err, &de) {
		for _, e := range errorCodes {
			if de.Err == e.sentinel {
				return e.code
			}
		}
	}

	for _, e := range errorCodes {
		if errors.Is(err, e.sentinel) {
			return e.code
		}
	}

	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}

// ToTaskError renders err for transmission in a throw message. Only the code
// and the message text cross the boundary.
func ToTaskError(err error) *TaskError {
	if err == nil {
		return &TaskError{Code: CodeUnknown, Message: "unknown error"}
	}
	return &TaskError{Code: ErrorCodeOf(err), Message: err.Error()}
}

// RemoteError is a failure reported by the worker. The original error value
// is lost; Code recovers its coarse category so errors.Is works against the
// domain sentinels.
type RemoteError struct {
	Kind    TaskKind
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Unwrap returns the sentinel matching Code, or ErrRemoteFailure.
func (e *RemoteError) Unwrap() error {
	if s, ok := codeSentinels[e.Code]; ok {
		return s
	}
	return ErrRemoteFailure
}

// NewRemoteError builds a RemoteError from a throw payload.
func NewRemoteError(kind TaskKind, te *TaskError) *RemoteError {
	if te == nil {
		return &RemoteError{Kind: kind, Code: CodeUnknown, Message: "remote error without detail"}
	}
	return &RemoteError{Kind: kind, Code: te.Code, Message: te.Message}
}
