package couchodm

import (
	"fmt"
)

// Reference points at another document. It is either unresolved (type and id
// only) or resolved (holding the loaded or newly created target). Resolving is
// always explicit; reading a reference never performs I/O.
type Reference struct {
	typeName string
	id       string
	target   Document
}

// RefTo returns a resolved reference to doc. doc may be new; its identifier
// is filled in by the unit of work at flush.
func RefTo(doc Document) *Reference {
	if doc == nil {
		return nil
	}
	return &Reference{typeName: doc.DocumentType(), target: doc}
}

// RefID returns an unresolved reference to the document typeName/id.
func RefID(typeName, id string) *Reference {
	return &Reference{typeName: typeName, id: id}
}

// Type returns the referenced class name.
func (r *Reference) Type() string {
	if r == nil {
		return ""
	}
	return r.typeName
}

// ID returns the referenced identifier known to the reference itself. For a
// resolved reference to a new document it is empty until the target is
// flushed; the unit of work resolves it through its own bookkeeping.
func (r *Reference) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

// IsResolved reports whether the target object is attached.
func (r *Reference) IsResolved() bool {
	return r != nil && r.target != nil
}

// Target returns the attached object, or nil when unresolved.
func (r *Reference) Target() Document {
	if r == nil {
		return nil
	}
	return r.target
}

// Resolve attaches target. The target must be of the referenced type.
func (r *Reference) Resolve(target Document) error {
	if r == nil {
		return fmt.Errorf("cannot resolve nil reference")
	}
	if target == nil {
		return fmt.Errorf("cannot resolve reference %s/%s to nil", r.typeName, r.id)
	}
	if r.typeName != "" && target.DocumentType() != r.typeName {
		return fmt.Errorf("reference to %s cannot hold %s", r.typeName, target.DocumentType())
	}
	r.typeName = target.DocumentType()
	r.target = target
	return nil
}

// SetID records the identifier of the target once it is known.
func (r *Reference) SetID(id string) {
	if r != nil {
		r.id = id
	}
}

func (r *Reference) String() string {
	if r == nil {
		return "<nil>"
	}
	state := "unresolved"
	if r.target != nil {
		state = "resolved"
	}
	return fmt.Sprintf("%s/%s (%s)", r.typeName, r.id, state)
}
