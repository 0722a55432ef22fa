package e2e_harness

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lychee-technology/couchodm"
	"github.com/lychee-technology/couchodm/factory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestE2ECouchDBRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E harness in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	h := &TestHarness{}
	if _, err := h.StartCouchDB(ctx); err != nil {
		t.Skipf("couchdb container unavailable: %v", err)
	}
	defer h.StopCouchDB(context.Background())

	config := h.Config("e2e_cms")
	registry, err := factory.NewMetadataRegistry(config, Classes()...)
	require.NoError(t, err)
	f, err := factory.New(ctx, config, registry, factory.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer f.Close()

	// Insert a post; the author is saved through the cascade.
	writer := f.NewDocumentManager()
	author := &Author{Name: "Ben", Email: "ben@example.com"}
	post := &Post{Title: "Hello CouchDB", Tags: []string{"intro"}, Author: couchodm.RefTo(author)}
	require.NoError(t, writer.Persist(post))

	result, err := writer.Flush(ctx)
	require.NoError(t, err)
	require.False(t, result.HasFailures(), "failed=%v conflicts=%v", result.Failed, result.Conflicts)
	require.Len(t, result.Successful, 2)
	require.NotEmpty(t, post.ID)
	require.NotEmpty(t, author.ID)
	assert.True(t, strings.HasPrefix(post.Rev, "1-"))
	assert.Equal(t, couchodm.StateManaged, writer.StateOf(author))

	// Read it back in a fresh session.
	reader := f.NewDocumentManager()
	doc, err := reader.Find(ctx, "Post", post.ID)
	require.NoError(t, err)
	loaded := doc.(*Post)
	assert.Equal(t, "Hello CouchDB", loaded.Title)
	assert.Equal(t, []string{"intro"}, loaded.Tags)
	require.NotNil(t, loaded.Author)
	assert.False(t, loaded.Author.IsResolved())

	target, err := reader.Resolve(ctx, loaded.Author)
	require.NoError(t, err)
	assert.Equal(t, "Ben", target.(*Author).Name)

	// The reader wins the race; the writer's update conflicts.
	loaded.Title = "Hello again"
	result, err = reader.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	assert.True(t, strings.HasPrefix(loaded.Rev, "2-"))

	var heard []couchodm.RevisionConflict
	writer.AddConflictListener(func(c couchodm.RevisionConflict) { heard = append(heard, c) })
	post.Title = "Stale edit"
	result, err = writer.Flush(ctx)
	require.NoError(t, err)
	conflict, ok := result.ConflictFor(post.ID)
	require.True(t, ok)
	assert.Equal(t, loaded.Rev, conflict.ServerRevision())
	assert.Equal(t, "Hello again", conflict.ServerBody["title"])
	assert.Len(t, heard, 1)

	// Delete from the session holding the current revision.
	require.NoError(t, reader.Remove(loaded))
	result, err = reader.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	assert.Equal(t, couchodm.OperationDelete, result.Successful[0].Kind)

	_, err = f.NewDocumentManager().Find(ctx, "Post", post.ID)
	assert.True(t, couchodm.IsNotFound(err))
}

func TestE2ECouchDBMigration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E harness in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	h := &TestHarness{}
	if _, err := h.StartCouchDB(ctx); err != nil {
		t.Skipf("couchdb container unavailable: %v", err)
	}
	defer h.StopCouchDB(context.Background())

	config := h.Config("e2e_legacy")
	registry, err := factory.NewMetadataRegistry(config, Classes()...)
	require.NoError(t, err)
	// New creates the database before it is seeded.
	f, err := factory.New(ctx, config, registry, factory.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, h.SeedRaw(ctx, "e2e_legacy",
		map[string]any{"_id": "author-1", "type": "Author", "fullname": "Ada"},
	))

	dm := f.NewDocumentManager()
	dm.RegisterMigration("Author", couchodm.MigrationFunc(func(_ context.Context, raw map[string]any) (map[string]any, error) {
		name, ok := raw["fullname"]
		if !ok {
			return nil, nil
		}
		out := make(map[string]any, len(raw))
		for k, v := range raw {
			out[k] = v
		}
		delete(out, "fullname")
		out["name"] = name
		return out, nil
	}))

	doc, err := dm.Find(ctx, "Author", "author-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", doc.(*Author).Name)

	// The migrated body is written back on the next flush.
	result, err := dm.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	assert.Equal(t, couchodm.OperationUpdate, result.Successful[0].Kind)

	result, err = dm.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.TotalCount)

	fresh, err := f.NewDocumentManager().Find(ctx, "Author", "author-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", fresh.(*Author).Name)
	assert.True(t, strings.HasPrefix(fresh.(*Author).Rev, "2-"))
}
