// Package errs defines the engine error taxonomy. Every failure mode
// surfaced by the engine is one of the typed errors below so callers can
// match with errors.As instead of string inspection. Errors that wrap a
// lower-level cause implement Unwrap and preserve the full chain.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Stable machine-readable codes, one per error type.
const (
	CodeValidationFailed      = "validation_failed"
	CodeNotFound              = "not_found"
	CodeAlreadyExists         = "already_exists"
	CodeUnknownPartition      = "unknown_partition"
	CodeSchemaVersionMissing  = "schema_version_missing"
	CodeDecryptionFailed      = "decryption_failed"
	CodeStoreUnavailable      = "store_unavailable"
	CodeStoreRejected         = "store_rejected"
	CodeCancelled             = "cancelled"
	CodeHookFailed            = "hook_failed"
	CodePluginSetupFailed     = "plugin_setup_failed"
	CodePartitionPointerStale = "partition_pointer_stale"
)

// Coder is implemented by every taxonomy error.
type Coder interface {
	error
	Code() string
}

// Code returns the taxonomy code of err, or "" when err is not a taxonomy
// error anywhere in its chain.
func Code(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// FieldError describes a single schema violation inside a record.
type FieldError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Message
}

// ValidationError reports a record rejected by its schema. Fields holds one
// entry per violation; a record with three bad fields produces three entries,
// not three errors.
type ValidationError struct {
	Resource string
	Fields   []FieldError
}

func (e *ValidationError) Code() string { return CodeValidationFailed }

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%s: record invalid for resource %q: %s",
		CodeValidationFailed, e.Resource, strings.Join(parts, "; "))
}

// NotFoundError reports a missing record or object.
type NotFoundError struct {
	Resource string
	ID       string
	Key      string
	Cause    error
}

func (e *NotFoundError) Code() string { return CodeNotFound }
func (e *NotFoundError) Unwrap() error {
	return e.Cause
}

func (e *NotFoundError) Error() string {
	switch {
	case e.Resource != "" && e.ID != "":
		return fmt.Sprintf("%s: record %q not found in resource %q", CodeNotFound, e.ID, e.Resource)
	case e.Resource != "":
		return fmt.Sprintf("%s: resource %q not found", CodeNotFound, e.Resource)
	case e.Key != "":
		return fmt.Sprintf("%s: object %q not found", CodeNotFound, e.Key)
	default:
		return CodeNotFound
	}
}

// AlreadyExistsError reports an insert that collided with an existing record.
type AlreadyExistsError struct {
	Resource string
	ID       string
	Cause    error
}

func (e *AlreadyExistsError) Code() string  { return CodeAlreadyExists }
func (e *AlreadyExistsError) Unwrap() error { return e.Cause }

func (e *AlreadyExistsError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: resource %q already exists", CodeAlreadyExists, e.Resource)
	}
	return fmt.Sprintf("%s: record %q already exists in resource %q", CodeAlreadyExists, e.ID, e.Resource)
}

// UnknownPartitionError reports a query against a partition the resource
// does not define.
type UnknownPartitionError struct {
	Resource  string
	Partition string
}

func (e *UnknownPartitionError) Code() string { return CodeUnknownPartition }

func (e *UnknownPartitionError) Error() string {
	return fmt.Sprintf("%s: resource %q has no partition %q", CodeUnknownPartition, e.Resource, e.Partition)
}

// SchemaVersionMissingError reports a stored record whose version tag
// references a schema version absent from the manifest.
type SchemaVersionMissingError struct {
	Resource string
	ID       string
	Version  string
}

func (e *SchemaVersionMissingError) Code() string { return CodeSchemaVersionMissing }

func (e *SchemaVersionMissingError) Error() string {
	return fmt.Sprintf("%s: record %q in resource %q references unknown schema version %q",
		CodeSchemaVersionMissing, e.ID, e.Resource, e.Version)
}

// DecryptionError reports a secret field that failed authenticated
// decryption, usually a wrong or rotated encryption key.
type DecryptionError struct {
	Resource string
	ID       string
	Field    string
	Cause    error
}

func (e *DecryptionError) Code() string  { return CodeDecryptionFailed }
func (e *DecryptionError) Unwrap() error { return e.Cause }

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("%s: field %q of record %q in resource %q", CodeDecryptionFailed, e.Field, e.ID, e.Resource)
}

// StoreUnavailableError reports a transport failure, timeout, or 5xx from the
// object store. Retryable.
type StoreUnavailableError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StoreUnavailableError) Code() string  { return CodeStoreUnavailable }
func (e *StoreUnavailableError) Unwrap() error { return e.Cause }

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s %q: %v", CodeStoreUnavailable, e.Op, e.Key, e.Cause)
}

// StoreRejectedError reports a logical 4xx rejection from the object store
// (access denied, malformed request, failed precondition). Not retryable.
type StoreRejectedError struct {
	Op        string
	Key       string
	StoreCode string
	Cause     error
}

func (e *StoreRejectedError) Code() string  { return CodeStoreRejected }
func (e *StoreRejectedError) Unwrap() error { return e.Cause }

func (e *StoreRejectedError) Error() string {
	return fmt.Sprintf("%s: %s %q: store returned %s", CodeStoreRejected, e.Op, e.Key, e.StoreCode)
}

// CancelledError reports an operation abandoned because its context was
// cancelled or its deadline expired.
type CancelledError struct {
	Op    string
	Cause error
}

func (e *CancelledError) Code() string  { return CodeCancelled }
func (e *CancelledError) Unwrap() error { return e.Cause }

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s: %s: %v", CodeCancelled, e.Op, e.Cause)
}

// HookFailedError reports a user hook that returned an error. Before-hooks
// abort their operation with this error; after-hook failures are emitted on
// the event bus instead of returned.
type HookFailedError struct {
	Resource string
	Phase    string
	Cause    error
}

func (e *HookFailedError) Code() string  { return CodeHookFailed }
func (e *HookFailedError) Unwrap() error { return e.Cause }

func (e *HookFailedError) Error() string {
	return fmt.Sprintf("%s: %s hook on resource %q: %v", CodeHookFailed, e.Phase, e.Resource, e.Cause)
}

// PluginSetupError reports a plugin that failed to register, resolve its
// dependencies, or complete setup.
type PluginSetupError struct {
	Plugin string
	Cause  error
}

func (e *PluginSetupError) Code() string  { return CodePluginSetupFailed }
func (e *PluginSetupError) Unwrap() error { return e.Cause }

func (e *PluginSetupError) Error() string {
	return fmt.Sprintf("%s: plugin %q: %v", CodePluginSetupFailed, e.Plugin, e.Cause)
}

// PointerStaleError reports a partition pointer that could not be written or
// removed after the primary object changed. The primary write already
// succeeded; listings may be stale until the pointer is reconciled.
type PointerStaleError struct {
	Resource  string
	Partition string
	ID        string
	Key       string
	Cause     error
}

func (e *PointerStaleError) Code() string  { return CodePartitionPointerStale }
func (e *PointerStaleError) Unwrap() error { return e.Cause }

func (e *PointerStaleError) Error() string {
	return fmt.Sprintf("%s: partition %q pointer for record %q in resource %q",
		CodePartitionPointerStale, e.Partition, e.ID, e.Resource)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsAlreadyExists reports whether err is an AlreadyExistsError.
func IsAlreadyExists(err error) bool {
	var e *AlreadyExistsError
	return errors.As(err, &e)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsCancelled reports whether err is a CancelledError.
func IsCancelled(err error) bool {
	var e *CancelledError
	return errors.As(err, &e)
}

// Retryable reports whether err is worth retrying: store unavailability is,
// logical rejections and everything else are not.
func Retryable(err error) bool {
	var e *StoreUnavailableError
	return errors.As(err, &e)
}
