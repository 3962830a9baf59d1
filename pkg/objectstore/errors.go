package objectstore

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package matches exactly one of
// these with errors.Is.
var (
	// ErrNotFound indicates an object or datastream does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an identifier collision on ingest
	ErrAlreadyExists = errors.New("already exists")

	// ErrLocked indicates another writer holds the object
	ErrLocked = errors.New("object is locked by another writer")

	// ErrInvalidState indicates an illegal state value, a malformed
	// identifier, or use of a session that is no longer open
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation indicates a structural or checksum problem with input
	ErrValidation = errors.New("validation failed")

	// ErrStorageDevice indicates a registry or blob store failure
	ErrStorageDevice = errors.New("storage device error")

	// ErrIntegrity indicates a stored object is structurally unsound
	ErrIntegrity = errors.New("object integrity violation")
)

// Refinements of the kinds above.
var (
	ErrObjectNotFound     = fmt.Errorf("object %w", ErrNotFound)
	ErrDatastreamNotFound = fmt.Errorf("datastream %w", ErrNotFound)
	ErrObjectExists       = fmt.Errorf("object %w", ErrAlreadyExists)
	ErrMalformedPID       = fmt.Errorf("%w: malformed identifier", ErrInvalidState)
	ErrSessionClosed      = fmt.Errorf("%w: session is no longer open", ErrInvalidState)
	ErrChecksumMismatch   = fmt.Errorf("%w: checksum mismatch", ErrValidation)

	// ErrBlobExists is returned by a BlobStore Put on an existing token
	ErrBlobExists = fmt.Errorf("blob %w", ErrAlreadyExists)

	// ErrBlobNotFound is returned by a BlobStore for an unknown token
	ErrBlobNotFound = fmt.Errorf("blob %w", ErrNotFound)
)

// Kind classifies an error for callers that map errors to status codes.
type Kind int

// Kind constants.
const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindLocked
	KindInvalidState
	KindValidation
	KindStorageDevice
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindLocked:
		return "locked"
	case KindInvalidState:
		return "invalid_state"
	case KindValidation:
		return "validation_failed"
	case KindStorageDevice:
		return "storage_device"
	case KindIntegrity:
		return "integrity_violation"
	}
	return "unknown"
}

// KindOf returns the kind of err. A StorageError wrapping a not-found blob is
// reported as not found.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrLocked):
		return KindLocked
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrStorageDevice):
		return KindStorageDevice
	}
	return KindUnknown
}

// ObjectError represents an error related to object operations
type ObjectError struct {
	PID string
	Op  string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("object operation %s failed for %s: %v", e.Op, e.PID, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// DatastreamError represents an error related to datastream operations
type DatastreamError struct {
	PID          string
	DatastreamID string
	Op           string
	Err          error
}

func (e *DatastreamError) Error() string {
	return fmt.Sprintf("datastream operation %s failed for %s/%s: %v", e.Op, e.PID, e.DatastreamID, e.Err)
}

func (e *DatastreamError) Unwrap() error {
	return e.Err
}

// StorageError represents a registry or blob store failure. It always
// matches ErrStorageDevice, and also whatever Err matches.
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes every StorageError match ErrStorageDevice.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageDevice
}

// DeviceError wraps err in a StorageError unless it already carries one of
// the distinct kinds (not found, already exists) or is nil.
func DeviceError(backend, op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrStorageDevice) {
		return err
	}
	return &StorageError{Backend: backend, Key: key, Op: op, Err: err}
}

func invalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func integrityf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}
