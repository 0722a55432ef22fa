package couchodm

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeMapping    ErrorType = "mapping"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTransport  ErrorType = "transport"
	ErrorTypeMigration  ErrorType = "migration"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeState      ErrorType = "state"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

// DocumentIdentifier identifies a document for error reporting.
type DocumentIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ODMError is the error type returned by every component of the mapper.
type ODMError struct {
	Type     ErrorType           `json:"type"`
	Code     string              `json:"code"`
	Message  string              `json:"message"`
	Document *DocumentIdentifier `json:"document,omitempty"`
	Field    string              `json:"field,omitempty"`
	Details  map[string]any      `json:"details,omitempty"`
	Cause    error               `json:"-"`
}

func (e *ODMError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Document != nil {
		if e.Field != "" {
			return fmt.Sprintf("[%s:%s] document %s/%s field '%s': %s",
				e.Type, e.Code, e.Document.Type, e.Document.ID, e.Field, msg)
		}
		return fmt.Sprintf("[%s:%s] document %s/%s: %s",
			e.Type, e.Code, e.Document.Type, e.Document.ID, msg)
	}
	if e.Field != "" {
		return fmt.Sprintf("[%s:%s] field '%s': %s", e.Type, e.Code, e.Field, msg)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, msg)
}

func (e *ODMError) Unwrap() error {
	return e.Cause
}

// Is matches another *ODMError by code, so sentinel comparisons work with errors.Is.
func (e *ODMError) Is(target error) bool {
	t, ok := target.(*ODMError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// WithDetail adds a single detail
func (e *ODMError) WithDetail(key string, value any) *ODMError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause
func (e *ODMError) WithCause(cause error) *ODMError {
	e.Cause = cause
	return e
}

// WithDocument adds document context
func (e *ODMError) WithDocument(typeName, id string) *ODMError {
	e.Document = &DocumentIdentifier{Type: typeName, ID: id}
	return e
}

// WithField adds field context
func (e *ODMError) WithField(field string) *ODMError {
	e.Field = field
	return e
}

const (
	// Mapping errors
	ErrCodeUnmappedField      = "UNMAPPED_FIELD"
	ErrCodeDuplicateIdentity  = "DUPLICATE_IDENTITY"
	ErrCodeMetadataNotFound   = "METADATA_NOT_FOUND"
	ErrCodeMetadataInvalid    = "METADATA_INVALID"
	ErrCodeUnmanagedReference = "UNMANAGED_REFERENCE"
	ErrCodeHydrationFailed    = "HYDRATION_FAILED"

	// Lifecycle state errors
	ErrCodeAlreadyManaged   = "ALREADY_MANAGED"
	ErrCodeNotManaged       = "NOT_MANAGED"
	ErrCodeFlushInProgress  = "FLUSH_IN_PROGRESS"
	ErrCodeMissingID        = "MISSING_IDENTIFIER"
	ErrCodeCallbackFailed   = "CALLBACK_FAILED"
	ErrCodeInvalidReference = "INVALID_REFERENCE"

	// Store outcomes
	ErrCodeRevisionConflict = "REVISION_CONFLICT"
	ErrCodeDocumentNotFound = "DOCUMENT_NOT_FOUND"
	ErrCodeDocumentRejected = "DOCUMENT_REJECTED"

	// Pipeline faults
	ErrCodeTransportFailed   = "TRANSPORT_FAILED"
	ErrCodeCommitTimeout     = "COMMIT_TIMEOUT"
	ErrCodeMalformedResponse = "MALFORMED_RESPONSE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeIdentifierPool    = "IDENTIFIER_ALLOCATION_FAILED"

	// Load pipeline
	ErrCodeMigrationFailed = "MIGRATION_FAILED"

	ErrCodeSchemaValidation = "SCHEMA_VALIDATION_FAILED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// Sentinels usable with errors.Is.
var (
	ErrUnmappedField     = &ODMError{Type: ErrorTypeMapping, Code: ErrCodeUnmappedField, Message: "unmapped field"}
	ErrDuplicateIdentity = &ODMError{Type: ErrorTypeMapping, Code: ErrCodeDuplicateIdentity, Message: "duplicate identity"}
	ErrAlreadyManaged    = &ODMError{Type: ErrorTypeState, Code: ErrCodeAlreadyManaged, Message: "document already managed"}
	ErrNotManaged        = &ODMError{Type: ErrorTypeState, Code: ErrCodeNotManaged, Message: "document not managed"}
	ErrDocumentNotFound  = &ODMError{Type: ErrorTypeNotFound, Code: ErrCodeDocumentNotFound, Message: "document not found"}
	ErrFlushInProgress   = &ODMError{Type: ErrorTypeState, Code: ErrCodeFlushInProgress, Message: "flush in progress"}
)

// NewODMError creates a new ODMError
func NewODMError(errorType ErrorType, code, message string) *ODMError {
	return &ODMError{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewUnmappedFieldError reports a live property without a metadata entry.
func NewUnmappedFieldError(typeName, id, property string) *ODMError {
	return NewODMError(ErrorTypeMapping, ErrCodeUnmappedField, "property has no metadata mapping").
		WithDocument(typeName, id).
		WithField(property)
}

// NewDuplicateIdentityError reports a second instance registered for one identity.
func NewDuplicateIdentityError(typeName, id string) *ODMError {
	return NewODMError(ErrorTypeMapping, ErrCodeDuplicateIdentity, "a different instance is already registered for this identity").
		WithDocument(typeName, id)
}

// NewAlreadyManagedError reports an insert scheduled for a tracked identity.
func NewAlreadyManagedError(typeName, id string) *ODMError {
	return NewODMError(ErrorTypeState, ErrCodeAlreadyManaged, "document is already managed").
		WithDocument(typeName, id)
}

// NewNotManagedError reports a delete scheduled for an untracked identity.
func NewNotManagedError(typeName, id string) *ODMError {
	return NewODMError(ErrorTypeState, ErrCodeNotManaged, "document is not managed").
		WithDocument(typeName, id)
}

// NewMetadataNotFoundError reports an unregistered document class.
func NewMetadataNotFoundError(typeName string) *ODMError {
	return NewODMError(ErrorTypeMapping, ErrCodeMetadataNotFound, "no metadata registered for document type").
		WithDetail("type", typeName)
}

// NewMetadataInvalidError reports a descriptor rejected at registry construction.
func NewMetadataInvalidError(typeName, message string) *ODMError {
	return NewODMError(ErrorTypeMapping, ErrCodeMetadataInvalid, message).
		WithDetail("type", typeName)
}

// NewDocumentNotFoundError reports a missing document.
func NewDocumentNotFoundError(typeName, id string) *ODMError {
	return NewODMError(ErrorTypeNotFound, ErrCodeDocumentNotFound, "document not found").
		WithDocument(typeName, id)
}

// NewMigrationError wraps a migration failure for one document.
func NewMigrationError(typeName, id string, cause error) *ODMError {
	return NewODMError(ErrorTypeMigration, ErrCodeMigrationFailed, "migration failed").
		WithDocument(typeName, id).
		WithCause(cause)
}

// NewTransportError wraps a transport failure that aborts a whole operation.
func NewTransportError(message string, cause error) *ODMError {
	return NewODMError(ErrorTypeTransport, ErrCodeTransportFailed, message).WithCause(cause)
}

// NewCommitTimeoutError reports a bulk commit that exceeded its deadline.
func NewCommitTimeoutError(cause error) *ODMError {
	return NewODMError(ErrorTypeTransport, ErrCodeCommitTimeout, "bulk commit timed out").WithCause(cause)
}

// NewMalformedResponseError reports a bulk response that cannot be reconciled.
func NewMalformedResponseError(message string) *ODMError {
	return NewODMError(ErrorTypeTransport, ErrCodeMalformedResponse, message)
}

// NewConflictError reports a revision conflict for one document.
func NewConflictError(typeName, id string) *ODMError {
	return NewODMError(ErrorTypeConflict, ErrCodeRevisionConflict, "document update conflict").
		WithDocument(typeName, id)
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *ODMError {
	return NewODMError(ErrorTypeInternal, ErrCodeInternalError, message).WithCause(cause)
}

// AsODMError unwraps err into an *ODMError.
func AsODMError(err error) (*ODMError, bool) {
	var oe *ODMError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// HasCode reports whether err carries code.
func HasCode(err error, code string) bool {
	oe, ok := AsODMError(err)
	return ok && oe.Code == code
}

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool {
	oe, ok := AsODMError(err)
	return ok && oe.Type == ErrorTypeConflict
}

// IsNotFound reports whether err is a missing-document error.
func IsNotFound(err error) bool {
	oe, ok := AsODMError(err)
	return ok && oe.Type == ErrorTypeNotFound
}

// IsTransport reports whether err is a pipeline-level transport fault.
func IsTransport(err error) bool {
	oe, ok := AsODMError(err)
	return ok && oe.Type == ErrorTypeTransport
}
