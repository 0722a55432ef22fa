package couchodm

import (
	"encoding/json"
	"fmt"
)

// As converts a hydrated value into T. Values already of type T are returned
// as-is; generic JSON values (float64, map[string]any, []any) are converted
// through a JSON round-trip. A nil value yields the zero T.
func As[T any](value any) (T, error) {
	var zero T
	if value == nil {
		return zero, nil
	}
	if v, ok := value.(T); ok {
		return v, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return zero, fmt.Errorf("marshal %T: %w", value, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("convert %T to %T: %w", value, zero, err)
	}
	return out, nil
}

// Documents widens a typed slice of embedded documents for Extract.
func Documents[E Document](items []E) []Document {
	if items == nil {
		return nil
	}
	out := make([]Document, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

// DocumentsAs narrows a hydrated embed-many value back to a typed slice.
func DocumentsAs[E Document](value any) ([]E, error) {
	if value == nil {
		return nil, nil
	}
	docs, ok := value.([]Document)
	if !ok {
		return nil, fmt.Errorf("expected []Document, got %T", value)
	}
	out := make([]E, 0, len(docs))
	for _, d := range docs {
		e, ok := d.(E)
		if !ok {
			return nil, fmt.Errorf("unexpected embedded element %T", d)
		}
		out = append(out, e)
	}
	return out, nil
}

// DocumentAs narrows a hydrated embed-one value.
func DocumentAs[E Document](value any) (E, error) {
	var zero E
	if value == nil {
		return zero, nil
	}
	e, ok := value.(E)
	if !ok {
		return zero, fmt.Errorf("unexpected embedded document %T", value)
	}
	return e, nil
}

// ReferencesAs narrows a hydrated reference-many value.
func ReferencesAs(value any) ([]*Reference, error) {
	if value == nil {
		return nil, nil
	}
	refs, ok := value.([]*Reference)
	if !ok {
		return nil, fmt.Errorf("expected []*Reference, got %T", value)
	}
	return refs, nil
}

// ReferenceAs narrows a hydrated reference-one value.
func ReferenceAs(value any) (*Reference, error) {
	if value == nil {
		return nil, nil
	}
	ref, ok := value.(*Reference)
	if !ok {
		return nil, fmt.Errorf("expected *Reference, got %T", value)
	}
	return ref, nil
}

// Embed returns doc as an embed-one value for Extract. A nil pointer yields a
// nil interface so the property is treated as absent.
func Embed[E interface {
	comparable
	Document
}](doc E) any {
	var zero E
	if doc == zero {
		return nil
	}
	return doc
}
