package couchodm

// FieldKind tells the unit of work how a mapped property is persisted and
// compared.
type FieldKind string

const (
	FieldScalar        FieldKind = "scalar"
	FieldEmbedOne      FieldKind = "embed-one"
	FieldEmbedMany     FieldKind = "embed-many"
	FieldReferenceOne  FieldKind = "reference-one"
	FieldReferenceMany FieldKind = "reference-many"
)

// IsEmbed reports whether the kind holds owned sub-documents.
func (k FieldKind) IsEmbed() bool {
	return k == FieldEmbedOne || k == FieldEmbedMany
}

// IsReference reports whether the kind holds references to other documents.
func (k FieldKind) IsReference() bool {
	return k == FieldReferenceOne || k == FieldReferenceMany
}

// FieldMapping maps one object property to one JSON key.
type FieldMapping struct {
	Property string    `json:"property"`
	JSONKey  string    `json:"jsonKey"`
	Kind     FieldKind `json:"kind,omitempty"` // empty is compared as scalar
	// TargetType is the class name of embedded or referenced documents.
	TargetType string `json:"targetType,omitempty"`
	// EmbedKey is the property of embedded elements that identifies them inside
	// an embed-many collection. Elements are matched by position when empty.
	EmbedKey string `json:"embedKey,omitempty"`
	// Cascade schedules untracked referenced documents for insert at flush.
	Cascade bool `json:"cascade,omitempty"`
}

// LifecycleEvent names a point of the unit of work at which callbacks run.
type LifecycleEvent string

const (
	PrePersist  LifecycleEvent = "prePersist"
	PostPersist LifecycleEvent = "postPersist"
	PreUpdate   LifecycleEvent = "preUpdate"
	PostUpdate  LifecycleEvent = "postUpdate"
	PreRemove   LifecycleEvent = "preRemove"
	PostRemove  LifecycleEvent = "postRemove"
	PreLoad     LifecycleEvent = "preLoad"
	PostLoad    LifecycleEvent = "postLoad"
	PreFlush    LifecycleEvent = "preFlush"
)

// LifecycleEvents lists every event in invocation-table order.
var LifecycleEvents = []LifecycleEvent{
	PrePersist, PostPersist, PreUpdate, PostUpdate, PreRemove, PostRemove, PreLoad, PostLoad, PreFlush,
}

// Callback is a lifecycle hook. It receives the object being processed.
type Callback func(doc Document) error

// ClassMetadata is the statically declared schema of one document class.
type ClassMetadata struct {
	// Name is the discriminator value and the registry key.
	Name string
	// IDField is the property holding the document identifier. Required for
	// non-embedded classes.
	IDField string
	// RevisionField optionally mirrors the server revision on the object.
	RevisionField string
	// Embedded classes have no identity of their own.
	Embedded bool
	Fields   []FieldMapping

	New     func() Document
	Extract func(doc Document) map[string]any
	// Hydrate sets only the properties present in values.
	Hydrate func(doc Document, values map[string]any) error

	Callbacks map[LifecycleEvent][]Callback

	// Schema is an optional JSON Schema every serialized body must satisfy.
	Schema string
}

// Field returns the mapping of property.
func (m *ClassMetadata) Field(property string) (FieldMapping, bool) {
	for _, f := range m.Fields {
		if f.Property == property {
			return f, true
		}
	}
	return FieldMapping{}, false
}

// FieldByJSONKey returns the mapping stored under key.
func (m *ClassMetadata) FieldByJSONKey(key string) (FieldMapping, bool) {
	for _, f := range m.Fields {
		if f.JSONKey == key {
			return f, true
		}
	}
	return FieldMapping{}, false
}

// On appends callbacks for event and returns m for chaining.
func (m *ClassMetadata) On(event LifecycleEvent, callbacks ...Callback) *ClassMetadata {
	if m.Callbacks == nil {
		m.Callbacks = make(map[LifecycleEvent][]Callback)
	}
	m.Callbacks[event] = append(m.Callbacks[event], callbacks...)
	return m
}

// MetadataRegistry provides class metadata lookup. Implementations are built
// once at startup and shared read-only by every component of a session.
type MetadataRegistry interface {
	MetadataFor(typeName string) (*ClassMetadata, error)
	ListTypes() []string
}
