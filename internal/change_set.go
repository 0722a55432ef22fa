package internal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lychee-technology/couchodm"
)

// embeddedTypeKey carries the class of an embedded snapshot. Property names
// are Go identifiers, so it cannot collide with a mapped property.
const embeddedTypeKey = "$type"

// referenceResolver turns a reference into the identifier it points at.
type referenceResolver func(ref *couchodm.Reference) (string, error)

// changeSetComputer normalizes live field values into snapshots and diffs
// snapshots against each other. It only reads metadata; references are turned
// into ids through resolve and never loaded.
type changeSetComputer struct {
	registry couchodm.MetadataRegistry
	resolve  referenceResolver
}

func newChangeSetComputer(registry couchodm.MetadataRegistry, resolve referenceResolver) *changeSetComputer {
	if resolve == nil {
		resolve = resolveReferenceID
	}
	return &changeSetComputer{registry: registry, resolve: resolve}
}

// resolveReferenceID is the resolver used outside a unit of work: only ids
// already known to the reference count.
func resolveReferenceID(ref *couchodm.Reference) (string, error) {
	if ref.ID() == "" {
		return "", couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeInvalidReference, "reference has no identifier").
			WithDetail("type", ref.Type())
	}
	return ref.ID(), nil
}

// Snapshot extracts doc and normalizes every mapped property. id is only
// used for error context.
func (c *changeSetComputer) Snapshot(cm *couchodm.ClassMetadata, doc couchodm.Document, id string) (map[string]any, error) {
	return c.normalizeFields(cm, cm.Extract(doc), id)
}

func (c *changeSetComputer) normalizeFields(cm *couchodm.ClassMetadata, values map[string]any, id string) (map[string]any, error) {
	snap := make(map[string]any, len(cm.Fields))
	for property, value := range values {
		if !cm.Embedded && property == cm.IDField {
			continue
		}
		if cm.RevisionField != "" && property == cm.RevisionField {
			continue
		}
		field, ok := cm.Field(property)
		if !ok {
			return nil, couchodm.NewUnmappedFieldError(cm.Name, id, property)
		}
		normalized, err := c.normalizeValue(cm, field, value, id)
		if err != nil {
			return nil, err
		}
		if normalized != nil {
			snap[property] = normalized
		}
	}
	return snap, nil
}

func (c *changeSetComputer) normalizeValue(cm *couchodm.ClassMetadata, field couchodm.FieldMapping, value any, id string) (any, error) {
	if value == nil {
		return nil, nil
	}
	fieldErr := func(msg string, cause error) error {
		e := couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeHydrationFailed, msg).
			WithDocument(cm.Name, id).
			WithField(field.Property)
		if cause != nil {
			e = e.WithCause(cause)
		}
		return e
	}

	switch field.Kind {
	case couchodm.FieldReferenceOne:
		switch v := value.(type) {
		case *couchodm.Reference:
			if v == nil {
				return nil, nil
			}
			refID, err := c.resolve(v)
			if err != nil {
				return nil, wrapFieldError(err, cm.Name, id, field.Property)
			}
			return refID, nil
		case string:
			if v == "" {
				return nil, nil
			}
			return v, nil
		default:
			return nil, fieldErr(fmt.Sprintf("reference-one value must be *Reference, got %T", value), nil)
		}

	case couchodm.FieldReferenceMany:
		switch v := value.(type) {
		case []*couchodm.Reference:
			if v == nil {
				return nil, nil
			}
			ids := make([]any, 0, len(v))
			for _, ref := range v {
				if ref == nil {
					continue
				}
				refID, err := c.resolve(ref)
				if err != nil {
					return nil, wrapFieldError(err, cm.Name, id, field.Property)
				}
				ids = append(ids, refID)
			}
			return ids, nil
		case []string:
			if v == nil {
				return nil, nil
			}
			ids := make([]any, len(v))
			for i, s := range v {
				ids[i] = s
			}
			return ids, nil
		default:
			return nil, fieldErr(fmt.Sprintf("reference-many value must be []*Reference, got %T", value), nil)
		}

	case couchodm.FieldEmbedOne:
		doc, ok := value.(couchodm.Document)
		if !ok {
			return nil, fieldErr(fmt.Sprintf("embed-one value must be a Document, got %T", value), nil)
		}
		return c.normalizeEmbedded(doc, id)

	case couchodm.FieldEmbedMany:
		docs, ok := value.([]couchodm.Document)
		if !ok {
			return nil, fieldErr(fmt.Sprintf("embed-many value must be []Document, got %T", value), nil)
		}
		if docs == nil {
			return nil, nil
		}
		items := make([]any, 0, len(docs))
		for _, doc := range docs {
			if doc == nil {
				continue
			}
			nested, err := c.normalizeEmbedded(doc, id)
			if err != nil {
				return nil, err
			}
			items = append(items, nested)
		}
		return items, nil

	default:
		// scalars, and fields whose kind is not declared
		normalized, err := normalizeJSON(value)
		if err != nil {
			return nil, fieldErr("value is not JSON serializable", err)
		}
		return normalized, nil
	}
}

func (c *changeSetComputer) normalizeEmbedded(doc couchodm.Document, ownerID string) (map[string]any, error) {
	target, err := c.registry.MetadataFor(doc.DocumentType())
	if err != nil {
		return nil, err
	}
	nested, err := c.normalizeFields(target, target.Extract(doc), ownerID)
	if err != nil {
		return nil, err
	}
	nested[embeddedTypeKey] = target.Name
	return nested, nil
}

// Compute diffs snapshot (last load or flush) against live. It returns nil
// when nothing changed.
func (c *changeSetComputer) Compute(cm *couchodm.ClassMetadata, id string, snapshot, live map[string]any) *couchodm.ChangeSet {
	fields := c.diffFields(cm, snapshot, live)
	if len(fields) == 0 {
		return nil
	}
	return &couchodm.ChangeSet{Type: cm.Name, ID: id, Fields: fields}
}

// Initial returns the change set of a document that has never been stored:
// every present field is added.
func (c *changeSetComputer) Initial(cm *couchodm.ClassMetadata, id string, live map[string]any) *couchodm.ChangeSet {
	fields := c.diffFields(cm, nil, live)
	return &couchodm.ChangeSet{Type: cm.Name, ID: id, Fields: fields}
}

func (c *changeSetComputer) diffFields(cm *couchodm.ClassMetadata, oldSnap, newSnap map[string]any) map[string]couchodm.FieldChange {
	fields := make(map[string]couchodm.FieldChange)
	for _, f := range cm.Fields {
		oldVal := oldSnap[f.Property]
		newVal := newSnap[f.Property]
		if oldVal == nil && newVal == nil {
			continue
		}
		if jsonEqual(oldVal, newVal) {
			continue
		}

		change := couchodm.FieldChange{
			Property: f.Property,
			JSONKey:  f.JSONKey,
			Kind:     f.Kind,
			Old:      oldVal,
			New:      newVal,
		}
		switch {
		case oldVal == nil:
			change.Action = couchodm.ChangeAdded
		case newVal == nil:
			change.Action = couchodm.ChangeRemoved
		default:
			change.Action = couchodm.ChangeChanged
		}

		switch f.Kind {
		case couchodm.FieldEmbedOne:
			change.Embedded = c.diffEmbedded(asSnapshot(oldVal), asSnapshot(newVal))
		case couchodm.FieldEmbedMany:
			change.Elements = c.diffCollection(f, asList(oldVal), asList(newVal))
		}
		fields[f.Property] = change
	}
	return fields
}

// diffEmbedded recursively diffs two embedded snapshots. Either side may be
// nil. A change of embedded class is reported without a nested change set.
func (c *changeSetComputer) diffEmbedded(oldSnap, newSnap map[string]any) *couchodm.ChangeSet {
	typeName := embeddedType(newSnap)
	if typeName == "" {
		typeName = embeddedType(oldSnap)
	}
	if oldSnap != nil && newSnap != nil && embeddedType(oldSnap) != embeddedType(newSnap) {
		return nil
	}
	target, err := c.registry.MetadataFor(typeName)
	if err != nil {
		return nil
	}
	fields := c.diffFields(target, oldSnap, newSnap)
	if len(fields) == 0 {
		return nil
	}
	return &couchodm.ChangeSet{Type: target.Name, Fields: fields}
}

// diffCollection matches elements by embed key when the field declares one,
// by position otherwise.
func (c *changeSetComputer) diffCollection(f couchodm.FieldMapping, oldItems, newItems []any) []couchodm.ElementChange {
	var changes []couchodm.ElementChange

	if f.EmbedKey == "" {
		for i := 0; i < len(oldItems) || i < len(newItems); i++ {
			switch {
			case i >= len(oldItems):
				changes = append(changes, couchodm.ElementChange{
					Key: i, Action: couchodm.ChangeAdded, Change: c.diffEmbedded(nil, asSnapshot(newItems[i])),
				})
			case i >= len(newItems):
				changes = append(changes, couchodm.ElementChange{
					Key: i, Action: couchodm.ChangeRemoved, Change: c.diffEmbedded(asSnapshot(oldItems[i]), nil),
				})
			case !jsonEqual(oldItems[i], newItems[i]):
				changes = append(changes, couchodm.ElementChange{
					Key: i, Action: couchodm.ChangeChanged, Change: c.diffEmbedded(asSnapshot(oldItems[i]), asSnapshot(newItems[i])),
				})
			}
		}
		return changes
	}

	// Duplicate keys are matched in order of appearance.
	oldByKey := make(map[string][]int)
	for i, item := range oldItems {
		k := elementKey(item, f.EmbedKey)
		oldByKey[k] = append(oldByKey[k], i)
	}
	matched := make(map[int]bool, len(oldItems))
	for _, item := range newItems {
		snap := asSnapshot(item)
		keyVal := snap[f.EmbedKey]
		k := elementKey(item, f.EmbedKey)
		candidates := oldByKey[k]
		if len(candidates) == 0 {
			changes = append(changes, couchodm.ElementChange{
				Key: keyVal, Action: couchodm.ChangeAdded, Change: c.diffEmbedded(nil, snap),
			})
			continue
		}
		idx := candidates[0]
		oldByKey[k] = candidates[1:]
		matched[idx] = true
		if nested := c.diffEmbedded(asSnapshot(oldItems[idx]), snap); nested != nil || !jsonEqual(oldItems[idx], item) {
			changes = append(changes, couchodm.ElementChange{
				Key: keyVal, Action: couchodm.ChangeChanged, Change: nested,
			})
		}
	}
	for i, item := range oldItems {
		if matched[i] {
			continue
		}
		snap := asSnapshot(item)
		changes = append(changes, couchodm.ElementChange{
			Key: snap[f.EmbedKey], Action: couchodm.ChangeRemoved, Change: c.diffEmbedded(snap, nil),
		})
	}
	return changes
}

// Body serializes a normalized snapshot into a CouchDB document body keyed
// by JSON keys. Embedded documents carry their own discriminator.
func (c *changeSetComputer) Body(cm *couchodm.ClassMetadata, snap map[string]any, discriminatorField string) map[string]any {
	body := make(map[string]any, len(snap)+3)
	body[discriminatorField] = cm.Name
	for _, f := range cm.Fields {
		value, ok := snap[f.Property]
		if !ok || value == nil {
			continue
		}
		switch f.Kind {
		case couchodm.FieldEmbedOne:
			body[f.JSONKey] = c.embeddedBody(asSnapshot(value), discriminatorField)
		case couchodm.FieldEmbedMany:
			items := asList(value)
			out := make([]any, 0, len(items))
			for _, item := range items {
				out = append(out, c.embeddedBody(asSnapshot(item), discriminatorField))
			}
			body[f.JSONKey] = out
		default:
			body[f.JSONKey] = deepCopyValue(value)
		}
	}
	return body
}

func (c *changeSetComputer) embeddedBody(snap map[string]any, discriminatorField string) map[string]any {
	target, err := c.registry.MetadataFor(embeddedType(snap))
	if err != nil {
		return nil
	}
	return c.Body(target, snap, discriminatorField)
}

// normalizeJSON reduces value to generic JSON. Numbers stay json.Number so
// integers beyond float64 precision survive and compare exactly.
func normalizeJSON(value any) (any, error) {
	switch v := value.(type) {
	case string, bool:
		return v, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func wrapFieldError(err error, typeName, id, property string) error {
	if oe, ok := couchodm.AsODMError(err); ok {
		clone := *oe
		clone.Document = &couchodm.DocumentIdentifier{Type: typeName, ID: id}
		clone.Field = property
		return &clone
	}
	return couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeInvalidReference, "cannot resolve reference").
		WithDocument(typeName, id).
		WithField(property).
		WithCause(err)
}

func asSnapshot(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func embeddedType(snap map[string]any) string {
	if snap == nil {
		return ""
	}
	name, _ := snap[embeddedTypeKey].(string)
	return name
}

// elementKey keys embed-many elements on the JSON encoding of the embed key,
// so 1 and "1" stay distinct.
func elementKey(item any, embedKey string) string {
	// normalized values always marshal
	raw, _ := json.Marshal(asSnapshot(item)[embedKey])
	return string(raw)
}
