package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func pendingInserts(ids ...string) ([]*pendingWrite, map[string]*pendingWrite) {
	writes := make([]*pendingWrite, len(ids))
	byID := make(map[string]*pendingWrite, len(ids))
	for i, id := range ids {
		w := &pendingWrite{entry: &entry{id: id}}
		writes[i] = w
		byID[id] = w
	}
	return writes, byID
}

func dependsOn(w *pendingWrite, targets ...*pendingWrite) {
	for _, t := range targets {
		w.deps = append(w.deps, t.entry)
	}
}

func writeIDs(writes []*pendingWrite) []string {
	ids := make([]string, len(writes))
	for i, w := range writes {
		ids[i] = w.entry.id
	}
	return ids
}

func TestOrderInserts(t *testing.T) {
	tests := []struct {
		name  string
		ids   []string
		deps  map[string][]string
		order []string
	}{
		{
			name:  "independent documents keep schedule order",
			ids:   []string{"a", "b", "c"},
			order: []string{"a", "b", "c"},
		},
		{
			name:  "referenced document moves before referrer",
			ids:   []string{"user", "group"},
			deps:  map[string][]string{"user": {"group"}},
			order: []string{"group", "user"},
		},
		{
			name:  "chain",
			ids:   []string{"a", "b", "c"},
			deps:  map[string][]string{"a": {"b"}, "b": {"c"}},
			order: []string{"c", "b", "a"},
		},
		{
			name:  "diamond",
			ids:   []string{"top", "left", "right", "bottom"},
			deps:  map[string][]string{"top": {"left", "right"}, "left": {"bottom"}, "right": {"bottom"}},
			order: []string{"bottom", "left", "right", "top"},
		},
		{
			name:  "two-document cycle falls back to schedule order",
			ids:   []string{"a", "b"},
			deps:  map[string][]string{"a": {"b"}, "b": {"a"}},
			order: []string{"a", "b"},
		},
		{
			name:  "cycle with an outside dependency",
			ids:   []string{"x", "a", "b", "leaf"},
			deps:  map[string][]string{"a": {"b"}, "b": {"a", "leaf"}, "x": {"a"}},
			order: []string{"leaf", "a", "b", "x"},
		},
		{
			name:  "self reference is ignored",
			ids:   []string{"a", "b"},
			deps:  map[string][]string{"a": {"a"}},
			order: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writes, byID := pendingInserts(tt.ids...)
			for id, targets := range tt.deps {
				for _, target := range targets {
					dependsOn(byID[id], byID[target])
				}
			}
			assert.Equal(t, tt.order, writeIDs(orderInserts(writes)))
		})
	}
}

func TestOrderInsertsIgnoresDependenciesOutsideTheBatch(t *testing.T) {
	writes, byID := pendingInserts("a", "b")
	byID["a"].deps = append(byID["a"].deps, &entry{id: "elsewhere"})
	assert.Equal(t, []string{"a", "b"}, writeIDs(orderInserts(writes)))
}

func TestOrderedPutsInsertsFirst(t *testing.T) {
	inserts, byID := pendingInserts("new-user", "new-group")
	dependsOn(byID["new-user"], byID["new-group"])
	updates, _ := pendingInserts("changed")
	deletes, _ := pendingInserts("removed")

	run := &flushRun{inserts: inserts, updates: updates, deletes: deletes}
	assert.Equal(t, []string{"new-group", "new-user", "changed", "removed"}, writeIDs(run.ordered()))
}
