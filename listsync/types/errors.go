package types

import (
	"errors"
	"fmt"
)

// ErrorType is the externally visible reason of a failed synchronization.
type ErrorType uint8

const (
	ErrorUndefined ErrorType = iota
	ErrorPeerClientBusy
	ErrorDisconnected
	ErrorServerBusy
	ErrorInProtocol
	ErrorUnknownList
	ErrorElementNotFound
	ErrorInvalidLevel
	ErrorRequestDenied
	ErrorDifferentListsConfig
	ErrorElementChangedInServer
	ErrorDataTransferFailed
	ErrorDataAccess
)

var errorTypes = []string{
	"UNDEFINED",
	"PEER_CLIENT_BUSY",
	"DISCONNECTED",
	"SERVER_BUSY",
	"ERROR_IN_PROTOCOL",
	"UNKNOWN_LIST",
	"ELEMENT_NOT_FOUND",
	"INVALID_LEVEL",
	"REQUEST_DENIED",
	"DIFFERENT_LISTS_CONFIG",
	"ELEMENT_CHANGED_IN_SERVER",
	"DATA_TRANSFER_FAILED",
	"DATA_ACCESS_ERROR",
}

func (t ErrorType) String() string {
	if int(t) < len(errorTypes) {
		return errorTypes[t]
	}
	return fmt.Sprintf("<unknown %02x>", uint8(t))
}

// Valid returns true for the known error types.
func (t ErrorType) Valid() bool {
	return int(t) < len(errorTypes)
}

// ErrElementNotFound is returned by list accessors for missing elements.
var ErrElementNotFound = errors.New("element not found")

// SynchronizeError is the error reported through progress sinks and returned
// by the synchronization manager.
type SynchronizeError struct {
	Type ErrorType
	Err  error
}

// NewError creates a SynchronizeError of the specified type, optionally
// wrapping the underlying cause.
func NewError(t ErrorType, cause error) *SynchronizeError {
	return &SynchronizeError{Type: t, Err: cause}
}

func (e *SynchronizeError) Error() string {
	if e.Err == nil {
		return "synchronize: " + e.Type.String()
	}
	return fmt.Sprintf("synchronize: %s: %v", e.Type, e.Err)
}

func (e *SynchronizeError) Unwrap() error {
	return e.Err
}

// Is matches SynchronizeErrors by type.
func (e *SynchronizeError) Is(target error) bool {
	var other *SynchronizeError
	if !errors.As(target, &other) {
		return false
	}
	return other.Type == e.Type
}

// ErrorTypeOf extracts the ErrorType from err, returning ErrorUndefined for
// errors that are not SynchronizeErrors.
func ErrorTypeOf(err error) ErrorType {
	var serr *SynchronizeError
	if errors.As(err, &serr) {
		return serr.Type
	}
	return ErrorUndefined
}
