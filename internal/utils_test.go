package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCopyMapDeep(t *testing.T) {
	original := map[string]any{
		"name": "Ben",
		"address": map[string]any{
			"city": "Berlin",
		},
		"tags": []any{"a", map[string]any{"b": 1.0}},
	}

	copied := copyMapDeep(original)
	assert.Equal(t, original, copied)

	copied["address"].(map[string]any)["city"] = "Hamburg"
	copied["tags"].([]any)[1].(map[string]any)["b"] = 2.0

	assert.Equal(t, "Berlin", original["address"].(map[string]any)["city"])
	assert.Equal(t, 1.0, original["tags"].([]any)[1].(map[string]any)["b"])
	assert.Nil(t, copyMapDeep(nil))
}

func TestJSONEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"equal scalars", "x", "x", true},
		{"different numbers", 1.0, 2.0, false},
		{"equal nested", map[string]any{"a": []any{1.0}}, map[string]any{"a": []any{1.0}}, true},
		{"order matters in lists", []any{"a", "b"}, []any{"b", "a"}, false},
		{"nil vs empty", nil, []any{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jsonEqual(tt.a, tt.b))
		})
	}
}

func TestStringValue(t *testing.T) {
	assert.Equal(t, "CmsUser", stringValue("CmsUser"))
	assert.Equal(t, "", stringValue(42))
	assert.Equal(t, "", stringValue(nil))
}
