package internal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/lychee-technology/couchodm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAllocator struct {
	requests []int
	next     int
	short    int
	err      error
}

func (a *countingAllocator) AllocateIdentifiers(_ context.Context, count int) ([]string, error) {
	a.requests = append(a.requests, count)
	if a.err != nil {
		return nil, a.err
	}
	n := count - a.short
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		a.next++
		ids = append(ids, fmt.Sprintf("id-%d", a.next))
	}
	return ids, nil
}

func TestIdentifierPoolBuffersBatches(t *testing.T) {
	source := &countingAllocator{}
	pool := NewIdentifierPool(source, 5)

	ids, err := pool.AllocateIdentifiers(t.Context(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-1", "id-2"}, ids)
	assert.Equal(t, 3, pool.Available())

	ids, err = pool.AllocateIdentifiers(t.Context(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-3", "id-4", "id-5"}, ids)
	assert.Zero(t, pool.Available())
	assert.Equal(t, []int{5}, source.requests, "served from the buffer")

	// larger than a batch: one request for exactly what is missing
	ids, err = pool.AllocateIdentifiers(t.Context(), 8)
	require.NoError(t, err)
	assert.Len(t, ids, 8)
	assert.Equal(t, []int{5, 8}, source.requests)
}

func TestIdentifierPoolTopsUpPartialBuffer(t *testing.T) {
	source := &countingAllocator{}
	pool := NewIdentifierPool(source, 4)

	_, err := pool.AllocateIdentifiers(t.Context(), 3)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Available())

	ids, err := pool.AllocateIdentifiers(t.Context(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-4", "id-5", "id-6"}, ids)
	assert.Equal(t, 2, pool.Available())
	assert.Equal(t, []int{4, 4}, source.requests)
}

func TestIdentifierPoolErrors(t *testing.T) {
	t.Run("source failure", func(t *testing.T) {
		pool := NewIdentifierPool(&countingAllocator{err: errors.New("down")}, 3)
		_, err := pool.AllocateIdentifiers(t.Context(), 1)
		require.EqualError(t, err, "down")
		assert.Zero(t, pool.Available())
	})

	t.Run("too few identifiers", func(t *testing.T) {
		pool := NewIdentifierPool(&countingAllocator{short: 3}, 2)
		_, err := pool.AllocateIdentifiers(t.Context(), 2)
		require.Error(t, err)
		assert.True(t, couchodm.HasCode(err, couchodm.ErrCodeIdentifierPool))
		assert.Zero(t, pool.Available())
	})

	t.Run("non-positive count", func(t *testing.T) {
		source := &countingAllocator{}
		pool := NewIdentifierPool(source, 0)
		ids, err := pool.AllocateIdentifiers(t.Context(), 0)
		require.NoError(t, err)
		assert.Empty(t, ids)
		assert.Empty(t, source.requests)
	})
}

func TestLocalIdentifierAllocator(t *testing.T) {
	ids, err := LocalIdentifierAllocator{}.AllocateIdentifiers(t.Context(), 50)
	require.NoError(t, err)
	require.Len(t, ids, 50)

	format := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		assert.Regexp(t, format, id)
		assert.False(t, seen[id], "duplicate identifier %s", id)
		seen[id] = true
	}
}
