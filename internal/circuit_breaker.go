package internal

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/lychee-technology/couchodm"
)

// CircuitBreaker counts transport failures inside a sliding window. Once
// threshold failures are seen it stays open for openDuration, after which the
// next call is let through again.
type CircuitBreaker struct {
	mu           sync.Mutex
	threshold    int
	window       time.Duration
	openDuration time.Duration
	recent       []time.Time
	openUntil    time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a breaker for the persister.
func NewCircuitBreaker(threshold int, window, openDuration time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		window:       window,
		openDuration: openDuration,
		recent:       make([]time.Time, 0, threshold),
		now:          time.Now,
	}
}

// RecordFailure notes a transport failure and opens the breaker once the
// window holds threshold of them.
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	at := cb.now()
	cutoff := at.Add(-cb.window)
	keep := slices.IndexFunc(cb.recent, func(t time.Time) bool { return t.After(cutoff) })
	if keep < 0 {
		cb.recent = cb.recent[:0]
	} else if keep > 0 {
		cb.recent = slices.Delete(cb.recent, 0, keep)
	}
	cb.recent = append(cb.recent, at)

	if len(cb.recent) >= cb.threshold {
		cb.openUntil = at.Add(cb.openDuration)
	}
}

// RecordSuccess closes the breaker and forgets earlier failures.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recent = cb.recent[:0]
	cb.openUntil = time.Time{}
}

// IsOpen reports whether calls should fail fast.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.now().Before(cb.openUntil)
}

// breakerPersister fails fast while the breaker is open. Only transport
// faults count as failures; missing documents and per-document outcomes do
// not.
type breakerPersister struct {
	next    couchodm.Persister
	breaker *CircuitBreaker
}

// NewCircuitBreakerPersister wraps next with breaker.
func NewCircuitBreakerPersister(next couchodm.Persister, breaker *CircuitBreaker) couchodm.Persister {
	return &breakerPersister{next: next, breaker: breaker}
}

func (p *breakerPersister) BulkSubmit(ctx context.Context, ops []couchodm.Operation) ([]couchodm.OperationResult, error) {
	if p.breaker.IsOpen() {
		return nil, errCircuitOpen("bulk submit")
	}
	results, err := p.next.BulkSubmit(ctx, ops)
	p.record(err)
	return results, err
}

func (p *breakerPersister) AllocateIdentifiers(ctx context.Context, count int) ([]string, error) {
	if p.breaker.IsOpen() {
		return nil, errCircuitOpen("identifier allocation")
	}
	ids, err := p.next.AllocateIdentifiers(ctx, count)
	p.record(err)
	return ids, err
}

func (p *breakerPersister) Fetch(ctx context.Context, id string) (map[string]any, error) {
	if p.breaker.IsOpen() {
		return nil, errCircuitOpen("fetch")
	}
	body, err := p.next.Fetch(ctx, id)
	p.record(err)
	return body, err
}

func (p *breakerPersister) record(err error) {
	switch {
	case err == nil, couchodm.IsNotFound(err):
		p.breaker.RecordSuccess()
	case couchodm.IsTransport(err):
		p.breaker.RecordFailure()
	}
}

func errCircuitOpen(operation string) error {
	return couchodm.NewODMError(couchodm.ErrorTypeTransport, couchodm.ErrCodeCircuitOpen, "circuit breaker is open").
		WithDetail("operation", operation)
}
