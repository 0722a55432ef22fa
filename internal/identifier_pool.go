package internal

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lychee-technology/couchodm"
)

// IdentifierPool buffers document identifiers so that a flush costs at most
// one allocation round-trip. It is safe for concurrent use and may be shared
// by several sessions.
type IdentifierPool struct {
	mu        sync.Mutex
	source    couchodm.IdentifierAllocator
	batchSize int
	buffer    []string
}

// NewIdentifierPool creates a pool refilled from source, batchSize at a time.
func NewIdentifierPool(source couchodm.IdentifierAllocator, batchSize int) *IdentifierPool {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &IdentifierPool{source: source, batchSize: batchSize}
}

// AllocateIdentifiers hands out count identifiers, fetching
// max(missing, batchSize) from the source when the buffer runs short.
func (p *IdentifierPool) AllocateIdentifiers(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if missing := count - len(p.buffer); missing > 0 {
		want := max(missing, p.batchSize)
		ids, err := p.source.AllocateIdentifiers(ctx, want)
		if err != nil {
			return nil, err
		}
		if len(ids) < missing {
			return nil, couchodm.NewODMError(couchodm.ErrorTypeTransport, couchodm.ErrCodeIdentifierPool, "identifier source returned too few identifiers").
				WithDetail("requested", want).
				WithDetail("received", len(ids))
		}
		p.buffer = append(p.buffer, ids...)
	}

	out := make([]string, count)
	copy(out, p.buffer[:count])
	p.buffer = p.buffer[count:]
	return out, nil
}

// Available returns the number of buffered identifiers.
func (p *IdentifierPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// LocalIdentifierAllocator generates time-ordered UUIDv7 identifiers without
// contacting the server, formatted like CouchDB's own (32 hex characters).
type LocalIdentifierAllocator struct{}

// AllocateIdentifiers returns count fresh identifiers.
func (LocalIdentifierAllocator) AllocateIdentifiers(_ context.Context, count int) ([]string, error) {
	ids := make([]string, count)
	for i := range ids {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate identifier: %w", err)
		}
		ids[i] = strings.ReplaceAll(id.String(), "-", "")
	}
	return ids, nil
}
