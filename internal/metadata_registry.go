package internal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/lychee-technology/couchodm"
)

// StaticRegistry is a MetadataRegistry built once from explicitly
// declared class descriptors. It is read-only after construction.
type StaticRegistry struct {
	classes map[string]*couchodm.ClassMetadata
	schemas map[string]*jsonschema.Resolved
	names   []string
}

// NewMetadataRegistry validates every descriptor and returns a registry.
// discriminatorField is the body key carrying the class name; no mapped JSON
// key may collide with it.
func NewMetadataRegistry(discriminatorField string, classes ...*couchodm.ClassMetadata) (*StaticRegistry, error) {
	if discriminatorField == "" {
		discriminatorField = "type"
	}
	r := &StaticRegistry{
		classes: make(map[string]*couchodm.ClassMetadata, len(classes)),
		schemas: make(map[string]*jsonschema.Resolved),
	}

	for _, cm := range classes {
		if cm == nil {
			return nil, couchodm.NewMetadataInvalidError("", "class metadata cannot be nil")
		}
		if cm.Name == "" {
			return nil, couchodm.NewMetadataInvalidError("", "class name is required")
		}
		if _, dup := r.classes[cm.Name]; dup {
			return nil, couchodm.NewMetadataInvalidError(cm.Name, "class registered twice")
		}
		r.classes[cm.Name] = cm
		r.names = append(r.names, cm.Name)
	}
	sort.Strings(r.names)

	for _, name := range r.names {
		if err := r.validateClass(r.classes[name], discriminatorField); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *StaticRegistry) validateClass(cm *couchodm.ClassMetadata, discriminatorField string) error {
	if cm.New == nil || cm.Extract == nil || cm.Hydrate == nil {
		return couchodm.NewMetadataInvalidError(cm.Name, "New, Extract and Hydrate are required")
	}
	if !cm.Embedded && cm.IDField == "" {
		return couchodm.NewMetadataInvalidError(cm.Name, "identifier field is required for non-embedded classes")
	}

	properties := make(map[string]struct{}, len(cm.Fields))
	keys := make(map[string]struct{}, len(cm.Fields))
	for _, f := range cm.Fields {
		if f.Property == "" || f.JSONKey == "" {
			return couchodm.NewMetadataInvalidError(cm.Name, "fields need both a property and a JSON key")
		}
		if _, dup := properties[f.Property]; dup {
			return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("property %q mapped twice", f.Property))
		}
		if _, dup := keys[f.JSONKey]; dup {
			return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("JSON key %q mapped twice", f.JSONKey))
		}
		if strings.HasPrefix(f.JSONKey, "_") || f.JSONKey == discriminatorField {
			return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("JSON key %q is reserved", f.JSONKey))
		}
		properties[f.Property] = struct{}{}
		keys[f.JSONKey] = struct{}{}

		if err := r.validateTarget(cm, f); err != nil {
			return err
		}
	}

	if !cm.Embedded {
		if _, ok := properties[cm.IDField]; ok {
			return couchodm.NewMetadataInvalidError(cm.Name, "identifier field must not be mapped as a regular field")
		}
	}
	if cm.RevisionField != "" {
		if _, ok := properties[cm.RevisionField]; ok {
			return couchodm.NewMetadataInvalidError(cm.Name, "revision field must not be mapped as a regular field")
		}
	}

	for event := range cm.Callbacks {
		if !isLifecycleEvent(event) {
			return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("unknown lifecycle event %q", event))
		}
	}

	if cm.Schema != "" {
		resolved, err := compileSchema(cm.Schema)
		if err != nil {
			return couchodm.NewMetadataInvalidError(cm.Name, "invalid JSON schema").WithCause(err)
		}
		r.schemas[cm.Name] = resolved
	}
	return nil
}

func (r *StaticRegistry) validateTarget(cm *couchodm.ClassMetadata, f couchodm.FieldMapping) error {
	if !f.Kind.IsEmbed() && !f.Kind.IsReference() {
		if f.Cascade {
			return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("cascade on non-reference property %q", f.Property))
		}
		return nil
	}
	if f.TargetType == "" {
		return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("property %q needs a target type", f.Property))
	}
	target, ok := r.classes[f.TargetType]
	if !ok {
		return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("property %q targets unregistered type %q", f.Property, f.TargetType))
	}
	if f.Kind.IsEmbed() && !target.Embedded {
		return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("property %q embeds non-embedded type %q", f.Property, f.TargetType))
	}
	if f.Kind.IsReference() && target.Embedded {
		return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("property %q references embedded type %q", f.Property, f.TargetType))
	}
	if f.EmbedKey != "" {
		if f.Kind != couchodm.FieldEmbedMany {
			return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("embed key on non-collection property %q", f.Property))
		}
		if _, ok := target.Field(f.EmbedKey); !ok {
			return couchodm.NewMetadataInvalidError(cm.Name, fmt.Sprintf("embed key %q is not a property of %q", f.EmbedKey, f.TargetType))
		}
	}
	return nil
}

// MetadataFor returns the descriptor of typeName.
func (r *StaticRegistry) MetadataFor(typeName string) (*couchodm.ClassMetadata, error) {
	cm, ok := r.classes[typeName]
	if !ok {
		return nil, couchodm.NewMetadataNotFoundError(typeName)
	}
	return cm, nil
}

// ListTypes returns every registered class name, sorted.
func (r *StaticRegistry) ListTypes() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// ValidateBody checks body against the JSON schema of typeName, if any.
func (r *StaticRegistry) ValidateBody(typeName string, body map[string]any) error {
	resolved, ok := r.schemas[typeName]
	if !ok {
		return nil
	}
	// Round-trip so the validator only sees JSON values.
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body for validation: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("failed to unmarshal body for validation: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return couchodm.NewODMError(couchodm.ErrorTypeValidation, couchodm.ErrCodeSchemaValidation, "body does not satisfy the class schema").
			WithCause(err)
	}
	return nil
}

// bodyValidator is implemented by registries that can validate serialized bodies.
type bodyValidator interface {
	ValidateBody(typeName string, body map[string]any) error
}

func compileSchema(src string) (*jsonschema.Resolved, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(src), &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into jsonschema.Schema: %w", err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve JSON schema: %w", err)
	}
	return resolved, nil
}

func isLifecycleEvent(event couchodm.LifecycleEvent) bool {
	for _, e := range couchodm.LifecycleEvents {
		if e == event {
			return true
		}
	}
	return false
}
