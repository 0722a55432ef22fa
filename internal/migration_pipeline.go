package internal

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lychee-technology/couchodm"
	"go.uber.org/zap"
)

// MigrationPipeline applies the migrations registered for a document type, in
// registration order, to raw bodies before they are hydrated.
type MigrationPipeline struct {
	mu         sync.RWMutex
	migrations map[string][]couchodm.Migration
	logger     *zap.Logger
	logApplied bool
}

// NewMigrationPipeline creates an empty pipeline.
func NewMigrationPipeline(logger *zap.Logger, logApplied bool) *MigrationPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrationPipeline{
		migrations: make(map[string][]couchodm.Migration),
		logger:     logger,
		logApplied: logApplied,
	}
}

// Register appends migration to the chain of typeName.
func (p *MigrationPipeline) Register(typeName string, migration couchodm.Migration) {
	if migration == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.migrations[typeName] = append(p.migrations[typeName], migration)
}

// Apply runs the chain of typeName over raw. changed reports whether any
// migration returned a body that differs from its input; raw itself is never
// modified.
func (p *MigrationPipeline) Apply(ctx context.Context, typeName, id string, raw map[string]any) (body map[string]any, changed bool, err error) {
	p.mu.RLock()
	chain := p.migrations[typeName]
	p.mu.RUnlock()

	body = raw
	for i, m := range chain {
		out, err := m.Migrate(ctx, copyMapDeep(body))
		if err != nil {
			return nil, false, couchodm.NewMigrationError(typeName, id, err).WithDetail("step", i)
		}
		if out == nil || jsonEqual(out, body) {
			continue
		}
		body = out
		changed = true
		if p.logApplied {
			p.logger.Debug("migration changed document",
				zap.String("type", typeName),
				zap.String("id", id),
				zap.Int("step", i))
		}
	}
	return body, changed, nil
}

// Len returns the number of migrations registered for typeName.
func (p *MigrationPipeline) Len(typeName string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.migrations[typeName])
}

// hydrator turns CouchDB bodies into objects through class metadata.
// References are left unresolved unless their target is already managed.
type hydrator struct {
	registry           couchodm.MetadataRegistry
	identity           *IdentityMap
	discriminatorField string
}

// hydrate builds the property values of cm from body and hands them to
// cm.Hydrate. Keys without a mapping are ignored.
func (h *hydrator) hydrate(cm *couchodm.ClassMetadata, doc couchodm.Document, body map[string]any) error {
	values := make(map[string]any, len(cm.Fields)+2)
	if !cm.Embedded {
		if id, ok := body["_id"].(string); ok {
			values[cm.IDField] = id
		}
		if cm.RevisionField != "" {
			if rev, ok := body["_rev"].(string); ok {
				values[cm.RevisionField] = rev
			}
		}
	}

	for _, f := range cm.Fields {
		raw, ok := body[f.JSONKey]
		if !ok || raw == nil {
			continue
		}
		value, err := h.hydrateValue(f, raw)
		if err != nil {
			return couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeHydrationFailed, "cannot hydrate property").
				WithDocument(cm.Name, stringValue(body["_id"])).
				WithField(f.Property).
				WithCause(err)
		}
		values[f.Property] = value
	}

	if err := cm.Hydrate(doc, values); err != nil {
		return couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeHydrationFailed, "hydrate failed").
			WithDocument(cm.Name, stringValue(body["_id"])).
			WithCause(err)
	}
	return nil
}

// unmapped returns the top-level keys of body that hydrate ignores. Server
// metadata other than _attachments is left out.
func (h *hydrator) unmapped(cm *couchodm.ClassMetadata, body map[string]any) map[string]any {
	var out map[string]any
	for key, value := range body {
		if key == h.discriminatorField {
			continue
		}
		if strings.HasPrefix(key, "_") && key != "_attachments" {
			continue
		}
		if _, mapped := cm.FieldByJSONKey(key); mapped {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[key] = deepCopyValue(value)
	}
	return out
}

func (h *hydrator) hydrateValue(f couchodm.FieldMapping, raw any) (any, error) {
	switch f.Kind {
	case couchodm.FieldEmbedOne:
		nested, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected embedded object, got %T", raw)
		}
		return h.embedded(f.TargetType, nested)

	case couchodm.FieldEmbedMany:
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected embedded list, got %T", raw)
		}
		docs := make([]couchodm.Document, 0, len(items))
		for i, item := range items {
			nested, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("element %d: expected embedded object, got %T", i, item)
			}
			doc, err := h.embedded(f.TargetType, nested)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			docs = append(docs, doc)
		}
		return docs, nil

	case couchodm.FieldReferenceOne:
		id, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected reference id, got %T", raw)
		}
		return h.reference(f.TargetType, id), nil

	case couchodm.FieldReferenceMany:
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected list of reference ids, got %T", raw)
		}
		refs := make([]*couchodm.Reference, 0, len(items))
		for i, item := range items {
			id, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d: expected reference id, got %T", i, item)
			}
			refs = append(refs, h.reference(f.TargetType, id))
		}
		return refs, nil

	default:
		return deepCopyValue(raw), nil
	}
}

// embedded builds an embedded document. The element's own discriminator wins
// over the declared target when it names a registered embedded class.
func (h *hydrator) embedded(targetType string, body map[string]any) (couchodm.Document, error) {
	cm, err := h.registry.MetadataFor(targetType)
	if err != nil {
		return nil, err
	}
	if name, ok := body[h.discriminatorField].(string); ok && name != targetType {
		if declared, err := h.registry.MetadataFor(name); err == nil && declared.Embedded {
			cm = declared
		}
	}
	doc := cm.New()
	if err := h.hydrate(cm, doc, body); err != nil {
		return nil, err
	}
	return doc, nil
}

func (h *hydrator) reference(targetType, id string) *couchodm.Reference {
	ref := couchodm.RefID(targetType, id)
	if h.identity != nil {
		if target, ok := h.identity.Lookup(targetType, id); ok {
			_ = ref.Resolve(target)
		}
	}
	return ref
}
