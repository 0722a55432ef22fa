package couchodm

import (
	"context"
)

// Persister translates scheduled operations into store requests. It is the
// only component that performs I/O against CouchDB.
type Persister interface {
	// BulkSubmit sends ops as one bulk request and returns one result per
	// operation, in submission order. An error means the whole submission
	// failed and no result is known.
	BulkSubmit(ctx context.Context, ops []Operation) ([]OperationResult, error)
	// AllocateIdentifiers returns count fresh document identifiers.
	AllocateIdentifiers(ctx context.Context, count int) ([]string, error)
	// Fetch returns the raw body of a document, or an error matching
	// ErrDocumentNotFound.
	Fetch(ctx context.Context, id string) (map[string]any, error)
}

// IdentifierAllocator hands out document identifiers.
type IdentifierAllocator interface {
	AllocateIdentifiers(ctx context.Context, count int) ([]string, error)
}

// Migration rewrites a raw document body during load. Returning a nil body
// means the document is unchanged.
type Migration interface {
	Migrate(ctx context.Context, raw map[string]any) (map[string]any, error)
}

// MigrationFunc adapts a function to Migration.
type MigrationFunc func(ctx context.Context, raw map[string]any) (map[string]any, error)

// Migrate calls f.
func (f MigrationFunc) Migrate(ctx context.Context, raw map[string]any) (map[string]any, error) {
	return f(ctx, raw)
}

// DocumentManager is the session facade over a unit of work. A manager is
// not safe for concurrent use; create one per request or session.
type DocumentManager interface {
	// Persist schedules doc for insert.
	Persist(doc Document) error
	// Remove schedules a managed doc for deletion.
	Remove(doc Document) error
	// Flush writes all pending changes in a single bulk request. Partial
	// failures are reported in the result; only pipeline faults return an error.
	Flush(ctx context.Context) (*FlushResult, error)

	// Find loads one document of typeName.
	Find(ctx context.Context, typeName, id string) (Document, error)
	// FindMany loads several documents, reporting per-document failures.
	FindMany(ctx context.Context, typeName string, ids []string) (*LoadResult, error)
	// Resolve loads the target of an unresolved reference.
	Resolve(ctx context.Context, ref *Reference) (Document, error)

	Contains(doc Document) bool
	StateOf(doc Document) DocumentState
	RevisionOf(doc Document) string
	IdentifierOf(doc Document) string
	Detach(doc Document)
	Clear()

	AddConflictListener(listener ConflictListener)
	RegisterMigration(typeName string, migration Migration)
}
