package main

import (
	"fmt"
	"sort"
	"strings"
)

// trimMapper trims whitespace and optionally applies another mapper.
// Empty values map to nil.
type trimMapper struct {
	inner FieldMapper
}

func (m *trimMapper) Map(csvValue string) (any, error) {
	v := strings.TrimSpace(csvValue)
	if v == "" {
		return nil, nil
	}
	if m.inner != nil {
		return m.inner.Map(v)
	}
	return v, nil
}

// Trim returns a mapper that trims whitespace.
func Trim() FieldMapper {
	return &trimMapper{}
}

// TrimWith returns a mapper that trims whitespace and then applies inner.
func TrimWith(inner FieldMapper) FieldMapper {
	return &trimMapper{inner: inner}
}

type toLowerMapper struct{}

func (m *toLowerMapper) Map(csvValue string) (any, error) {
	return strings.ToLower(csvValue), nil
}

// ToLower returns a mapper that lowercases the value.
func ToLower() FieldMapper {
	return &toLowerMapper{}
}

// splitMapper splits a string by a separator, dropping empty parts.
type splitMapper struct {
	separator string
}

func (m *splitMapper) Map(csvValue string) (any, error) {
	v := strings.TrimSpace(csvValue)
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, m.separator)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result, nil
}

// Split returns a mapper that splits a string by separator.
func Split(separator string) FieldMapper {
	return &splitMapper{separator: separator}
}

// enumMapper validates that the value is one of the allowed values.
type enumMapper struct {
	allowed map[string]bool
}

func (m *enumMapper) Map(csvValue string) (any, error) {
	v := strings.TrimSpace(csvValue)
	if v == "" {
		return nil, nil
	}
	if !m.allowed[v] {
		keys := make([]string, 0, len(m.allowed))
		for k := range m.allowed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("invalid value %q: must be one of %v", csvValue, keys)
	}
	return v, nil
}

// Enum returns a mapper that only accepts the allowed values.
func Enum(allowed ...string) FieldMapper {
	m := &enumMapper{allowed: make(map[string]bool, len(allowed))}
	for _, a := range allowed {
		m.allowed[a] = true
	}
	return m
}

// defaultMapper provides a default value if the input is empty.
type defaultMapper struct {
	defaultValue any
	inner        FieldMapper
}

func (m *defaultMapper) Map(csvValue string) (any, error) {
	if strings.TrimSpace(csvValue) == "" {
		return m.defaultValue, nil
	}
	return m.inner.Map(csvValue)
}

// DefaultWith returns a mapper that yields defaultValue for empty input and
// applies inner otherwise.
func DefaultWith(defaultValue any, inner FieldMapper) FieldMapper {
	return &defaultMapper{defaultValue: defaultValue, inner: inner}
}
