package factory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/lychee-technology/couchodm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// In-memory persister for testing
// ---------------------------------------------------------------------------

type memoryPersister struct {
	mu   sync.Mutex
	docs map[string]map[string]any
	n    int
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{docs: map[string]map[string]any{}}
}

func (m *memoryPersister) BulkSubmit(_ context.Context, ops []couchodm.Operation) ([]couchodm.OperationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]couchodm.OperationResult, len(ops))
	for i, op := range ops {
		m.n++
		rev := fmt.Sprintf("%d-mem", m.n)
		body := map[string]any{}
		for k, v := range op.Body {
			body[k] = v
		}
		body["_rev"] = rev
		m.docs[op.ID] = body
		out[i] = couchodm.OperationResult{ID: op.ID, Outcome: couchodm.OutcomeOK, Revision: rev}
	}
	return out, nil
}

func (m *memoryPersister) AllocateIdentifiers(_ context.Context, count int) ([]string, error) {
	return nil, fmt.Errorf("server identifiers are not available")
}

func (m *memoryPersister) Fetch(_ context.Context, id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, couchodm.NewDocumentNotFoundError("", id)
	}
	return doc, nil
}

// ---------------------------------------------------------------------------
// Test class
// ---------------------------------------------------------------------------

type note struct {
	ID    string
	Title string
}

func (*note) DocumentType() string { return "Note" }

func noteClass() *couchodm.ClassMetadata {
	return &couchodm.ClassMetadata{
		Name:    "Note",
		IDField: "ID",
		Fields:  []couchodm.FieldMapping{{Property: "Title", JSONKey: "title"}},
		New:     func() couchodm.Document { return &note{} },
		Extract: func(d couchodm.Document) map[string]any {
			n := d.(*note)
			return map[string]any{"ID": n.ID, "Title": n.Title}
		},
		Hydrate: func(d couchodm.Document, values map[string]any) error {
			n := d.(*note)
			if v, ok := values["ID"].(string); ok {
				n.ID = v
			}
			if v, ok := values["Title"].(string); ok {
				n.Title = v
			}
			return nil
		},
	}
}

func localConfig() *couchodm.Config {
	config := couchodm.DefaultConfig()
	config.Identifiers.Source = couchodm.IdentifierSourceLocal
	return config
}

func TestNewMetadataRegistry(t *testing.T) {
	registry, err := NewMetadataRegistry(nil, noteClass())
	require.NoError(t, err)
	assert.Equal(t, []string{"Note"}, registry.ListTypes())

	_, err = NewMetadataRegistry(nil, &couchodm.ClassMetadata{Name: "Broken"})
	require.Error(t, err)
	assert.True(t, couchodm.HasCode(err, couchodm.ErrCodeMetadataInvalid))
}

func TestNewRejectsInvalidInput(t *testing.T) {
	registry, err := NewMetadataRegistry(nil, noteClass())
	require.NoError(t, err)

	config := localConfig()
	config.CouchDB.Database = ""
	_, err = New(context.Background(), config, registry, WithPersister(newMemoryPersister()))
	require.Error(t, err)

	_, err = New(context.Background(), localConfig(), nil, WithPersister(newMemoryPersister()))
	require.Error(t, err)
}

func TestFactoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	registry, err := NewMetadataRegistry(nil, noteClass())
	require.NoError(t, err)
	persister := newMemoryPersister()

	f, err := New(ctx, localConfig(), registry, WithPersister(persister), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer f.Close()

	dm := f.NewDocumentManager()
	n := &note{Title: "hello"}
	require.NoError(t, dm.Persist(n))

	result, err := dm.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	assert.Len(t, n.ID, 32, "local identifiers are 32 hex characters")
	assert.Equal(t, "1-mem", dm.RevisionOf(n))

	// a second session sees the stored document
	other := f.NewDocumentManager()
	loaded, err := other.Find(ctx, "Note", n.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", loaded.(*note).Title)
	assert.NotSame(t, n, loaded)
}

func TestFactoryServerIdentifiersThroughBreaker(t *testing.T) {
	ctx := context.Background()
	registry, err := NewMetadataRegistry(nil, noteClass())
	require.NoError(t, err)

	config := couchodm.DefaultConfig()
	config.CircuitBreaker.Threshold = 1
	dm, closeFn, err := NewDocumentManagerWithConfig(ctx, config, registry, WithPersister(newMemoryPersister()), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer closeFn()

	require.NoError(t, dm.Persist(&note{Title: "x"}))
	_, err = dm.Flush(ctx)
	require.Error(t, err, "the in-memory persister cannot allocate identifiers")
	assert.True(t, couchodm.HasCode(err, couchodm.ErrCodeIdentifierPool))
}

func TestFactoryRegistersMetrics(t *testing.T) {
	ctx := context.Background()
	registry, err := NewMetadataRegistry(nil, noteClass())
	require.NoError(t, err)

	config := localConfig()
	config.Metrics.Enabled = true
	config.Metrics.Namespace = "factorytest"
	reg := prometheus.NewRegistry()

	dm, closeFn, err := NewDocumentManagerWithConfig(ctx, config, registry,
		WithPersister(newMemoryPersister()), WithRegisterer(reg), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer closeFn()

	require.NoError(t, dm.Persist(&note{Title: "a"}))
	require.NoError(t, dm.Persist(&note{Title: "b"}))
	_, err = dm.Flush(ctx)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
		if mf.GetName() == "factorytest_flush_documents_total" {
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 2.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found["factorytest_flush_documents_total"])
	assert.True(t, found["factorytest_flush_duration_seconds"])

	// registering twice on the same registerer fails
	_, _, err = NewDocumentManagerWithConfig(ctx, config, registry,
		WithPersister(newMemoryPersister()), WithRegisterer(reg), WithLogger(zap.NewNop()))
	require.Error(t, err)
}
