package errors

import (
	"errors"
	"fmt"
)

// Error codes shared by the engine. They are stable and appear in logs and events.
const (
	CodeSpawnFault    = "SPAWN_FAULT"
	CodeRuntimeFault  = "RUNTIME_FAULT"
	CodeMergeConflict = "MERGE_CONFLICT"
	CodePublishFault  = "PUBLISH_FAULT"
	CodeInvalidChunk  = "INVALID_CHUNK"
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeTraitFailed   = "TRAIT_FAILED"
	CodeUnknownKind   = "UNKNOWN_KIND"
)

var (
	// ErrSpawnFault indicates that the OS could not create a process
	ErrSpawnFault = errors.New("process could not be spawned")

	// ErrRuntimeFault indicates an internal failure of a process capture loop
	ErrRuntimeFault = errors.New("process capture loop failed")

	// ErrMergeConflict indicates that two sources disagree on the same result key
	ErrMergeConflict = errors.New("merge conflict")

	// ErrPublishFault indicates that the canonical store could not be replaced
	ErrPublishFault = errors.New("publish failed")

	// ErrInvalidChunk indicates a chunk index outside 1..total
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrUnknownKind indicates a computation kind with no registered trait
	ErrUnknownKind = errors.New("unknown computation kind")

	// ErrTraitFailed indicates a trait computation that returned no usable result
	ErrTraitFailed = errors.New("trait failed")

	// ErrInvalidConfig indicates a configuration value that cannot be used
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAlreadyStarted indicates a second Start on a process runner
	ErrAlreadyStarted = errors.New("already started")
)

// Error represents a structured engine error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by code so errors.Is works on both the structured error
// and its cause.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrSpawnFault:
		return e.Code == CodeSpawnFault
	case ErrRuntimeFault:
		return e.Code == CodeRuntimeFault
	case ErrMergeConflict:
		return e.Code == CodeMergeConflict
	case ErrPublishFault:
		return e.Code == CodePublishFault
	case ErrInvalidChunk:
		return e.Code == CodeInvalidChunk
	case ErrUnknownKind:
		return e.Code == CodeUnknownKind
	case ErrTraitFailed:
		return e.Code == CodeTraitFailed
	case ErrInvalidConfig:
		return e.Code == CodeInvalidConfig
	}
	return false
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewSpawnFault wraps an OS error returned while creating a process
func NewSpawnFault(command string, err error) *Error {
	return NewError(CodeSpawnFault, fmt.Sprintf("cannot spawn %q", command), err)
}

// NewRuntimeFault wraps an internal capture loop failure
func NewRuntimeFault(message string, err error) *Error {
	return NewError(CodeRuntimeFault, message, err)
}

// NewPublishFault wraps a failure while writing or replacing the canonical store
func NewPublishFault(path string, err error) *Error {
	return NewError(CodePublishFault, fmt.Sprintf("cannot publish %s", path), err)
}

// NewMergeConflict reports a conflicting value for one result key
func NewMergeConflict(entity, key string) *Error {
	return NewError(CodeMergeConflict, fmt.Sprintf("conflicting values for %s %s", entity, key), nil)
}

// NewTraitFailed reports a failed computation of kind for one entity
func NewTraitFailed(kind, entity string, err error) *Error {
	return NewError(CodeTraitFailed, fmt.Sprintf("%s failed for %s", kind, entity), err)
}

// Code extracts the code of a structured error anywhere in the chain, or "" if none
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsSpawnFault checks if an error is a spawn fault
func IsSpawnFault(err error) bool {
	return errors.Is(err, ErrSpawnFault)
}

// IsPublishFault checks if an error is a publish fault
func IsPublishFault(err error) bool {
	return errors.Is(err, ErrPublishFault)
}

// IsMergeConflict checks if an error is a merge conflict
func IsMergeConflict(err error) bool {
	return errors.Is(err, ErrMergeConflict)
}

// IsTraitFailed checks if an error is a failed trait computation
func IsTraitFailed(err error) bool {
	return errors.Is(err, ErrTraitFailed)
}
