package couchodm

import (
	"time"
)

// Document is implemented by every mapped object, managed or embedded.
// DocumentType returns the discriminator value under which the class
// metadata is registered.
type Document interface {
	DocumentType() string
}

// DocumentState is the lifecycle state of an object relative to a unit of work.
type DocumentState string

const (
	StateNew      DocumentState = "NEW"
	StateManaged  DocumentState = "MANAGED"
	StateRemoved  DocumentState = "REMOVED"
	StateDetached DocumentState = "DETACHED"
)

// OperationKind is the kind of write submitted to the persister.
type OperationKind string

const (
	OperationInsert OperationKind = "insert"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Operation is a single document write inside a bulk submission.
type Operation struct {
	Kind      OperationKind  `json:"kind"`
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Revision  string         `json:"revision,omitempty"`
	Body      map[string]any `json:"body"`
	ChangeSet *ChangeSet     `json:"changeSet,omitempty"`
}

// Outcome is the per-document result status of a bulk submission.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeConflict Outcome = "conflict"
	OutcomeError    Outcome = "error"
)

// OperationResult is the persister's answer for one submitted operation.
// Results are returned in submission order.
type OperationResult struct {
	ID         string         `json:"id"`
	Outcome    Outcome        `json:"outcome"`
	Revision   string         `json:"revision,omitempty"`
	ServerBody map[string]any `json:"serverBody,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// DocumentOutcome describes a document that was committed successfully.
type DocumentOutcome struct {
	Kind     OperationKind `json:"kind"`
	Type     string        `json:"type"`
	ID       string        `json:"id"`
	Revision string        `json:"revision"`
	Document Document      `json:"-"`
}

// RevisionConflict is a write rejected because the server holds a different
// revision than the one the unit of work believed current.
type RevisionConflict struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	Operation     OperationKind  `json:"operation"`
	Revision      string         `json:"revision,omitempty"`
	AttemptedBody map[string]any `json:"attemptedBody"`
	ServerBody    map[string]any `json:"serverBody,omitempty"`
	Document      Document       `json:"-"`
}

// ServerRevision returns the revision carried by the server body, if any.
func (c RevisionConflict) ServerRevision() string {
	if c.ServerBody == nil {
		return ""
	}
	rev, _ := c.ServerBody["_rev"].(string)
	return rev
}

// Err returns the conflict as an error matching IsConflict.
func (c RevisionConflict) Err() error {
	return NewConflictError(c.Type, c.ID).
		WithDetail("revision", c.Revision).
		WithDetail("serverRevision", c.ServerRevision())
}

// ConflictListener receives revision conflicts as they are reconciled.
type ConflictListener func(conflict RevisionConflict)

// DocumentError is a per-document failure collected during a flush or load.
type DocumentError struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Document Document `json:"-"`
	Err      error    `json:"-"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// NewDocumentError builds a DocumentError, copying the code from an ODMError cause.
func NewDocumentError(typeName, id string, doc Document, err error) DocumentError {
	de := DocumentError{
		Type:     typeName,
		ID:       id,
		Document: doc,
		Err:      err,
		Code:     ErrCodeInternalError,
	}
	if err != nil {
		de.Message = err.Error()
		if oe, ok := AsODMError(err); ok {
			de.Code = oe.Code
		}
	}
	return de
}

// FlushResult enumerates the per-document outcome of one flush.
type FlushResult struct {
	Successful []DocumentOutcome  `json:"successful"`
	Conflicts  []RevisionConflict `json:"conflicts"`
	Failed     []DocumentError    `json:"failed"`
	TotalCount int                `json:"totalCount"`
	Duration   time.Duration      `json:"duration"`
}

// HasFailures reports whether any document conflicted or failed.
func (r *FlushResult) HasFailures() bool {
	return r != nil && (len(r.Conflicts) > 0 || len(r.Failed) > 0)
}

// ConflictFor returns the conflict recorded for id, if any.
func (r *FlushResult) ConflictFor(id string) (RevisionConflict, bool) {
	if r == nil {
		return RevisionConflict{}, false
	}
	for _, c := range r.Conflicts {
		if c.ID == id {
			return c, true
		}
	}
	return RevisionConflict{}, false
}

// LoadResult is returned by multi-document loads. Documents that failed to
// load (missing, migration failure, unknown type) are reported in Failed and
// do not prevent the others from loading.
type LoadResult struct {
	Documents []Document      `json:"-"`
	Failed    []DocumentError `json:"failed"`
}

// ChangeAction classifies a field-level delta.
type ChangeAction string

const (
	ChangeAdded   ChangeAction = "added"
	ChangeChanged ChangeAction = "changed"
	ChangeRemoved ChangeAction = "removed"
)

// ChangeSet is the set of field-level deltas of one document since its last
// snapshot.
type ChangeSet struct {
	Type   string                 `json:"type"`
	ID     string                 `json:"id,omitempty"`
	Fields map[string]FieldChange `json:"fields"`
}

// FieldChange is the delta of a single mapped property. Old and New hold
// normalized values: JSON values for scalars, ids for references and nested
// snapshots for embedded documents.
type FieldChange struct {
	Property string          `json:"property"`
	JSONKey  string          `json:"jsonKey"`
	Kind     FieldKind       `json:"kind"`
	Action   ChangeAction    `json:"action"`
	Old      any             `json:"old,omitempty"`
	New      any             `json:"new,omitempty"`
	Embedded *ChangeSet      `json:"embedded,omitempty"`
	Elements []ElementChange `json:"elements,omitempty"`
}

// ElementChange is the delta of one element of an embedded collection. Key is
// the element's embed key value, or its position when the field has no key.
type ElementChange struct {
	Key    any          `json:"key"`
	Action ChangeAction `json:"action"`
	Change *ChangeSet   `json:"change,omitempty"`
}

// Len returns the number of changed properties.
func (cs *ChangeSet) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.Fields)
}

// Has reports whether property changed.
func (cs *ChangeSet) Has(property string) bool {
	if cs == nil {
		return false
	}
	_, ok := cs.Fields[property]
	return ok
}

// NewValues returns property -> new normalized value for every changed property.
func (cs *ChangeSet) NewValues() map[string]any {
	if cs == nil {
		return nil
	}
	values := make(map[string]any, len(cs.Fields))
	for property, change := range cs.Fields {
		values[property] = change.New
	}
	return values
}
