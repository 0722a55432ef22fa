package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/couchodm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// pendingWrite is one operation of a flush together with what reconciliation
// installs when it succeeds.
type pendingWrite struct {
	entry *entry
	op    couchodm.Operation
	live  map[string]any
	deps  []*entry
}

// flushRun holds the state of one Flush call.
type flushRun struct {
	u      *UnitOfWork
	log    *zap.SugaredLogger
	failed map[*entry]bool
	errors []couchodm.DocumentError

	inserts []*pendingWrite
	updates []*pendingWrite
	deletes []*pendingWrite

	// undone on a fault
	cascaded []*entry
	linked   []linkedRef
}

type linkedRef struct {
	ref  *couchodm.Reference
	prev string
}

func (r *flushRun) fail(e *entry, err error) {
	r.failed[e] = true
	r.errors = append(r.errors, couchodm.NewDocumentError(e.cm.Name, e.id, e.doc, err))
	r.log.Warnw("document excluded from flush", "type", e.cm.Name, "id", e.id, "error", err)
}

// Flush writes every pending change in one bulk request. Per-document
// failures and conflicts are reported in the result; an error is returned
// only when the flush as a whole could not complete, in which case no
// tracked state was changed by the commit.
func (u *UnitOfWork) Flush(ctx context.Context) (*couchodm.FlushResult, error) {
	if u.phase != phaseIdle {
		return nil, u.flushInProgress()
	}
	defer func() { u.phase = phaseIdle }()

	start := time.Now()
	run := &flushRun{
		u:      u,
		log:    u.logger.With("flushID", uuid.NewString()),
		failed: make(map[*entry]bool),
	}

	u.enter(run, phaseCollecting)
	if err := run.collect(ctx); err != nil {
		run.rollback()
		u.fault(ctx, run, err)
		return nil, err
	}

	u.enter(run, phaseOrdering)
	writes := run.ordered()
	result := &couchodm.FlushResult{
		Successful: make([]couchodm.DocumentOutcome, 0, len(writes)),
		Conflicts:  make([]couchodm.RevisionConflict, 0),
		Failed:     run.errors,
	}
	if result.Failed == nil {
		result.Failed = make([]couchodm.DocumentError, 0)
	}

	if len(writes) > 0 {
		ops := make([]couchodm.Operation, len(writes))
		for i, w := range writes {
			ops[i] = w.op
		}

		u.enter(run, phaseCommitting)
		results, err := u.commit(ctx, ops)
		if err != nil {
			run.rollback()
			u.fault(ctx, run, err)
			return nil, err
		}

		u.enter(run, phaseReconciling)
		u.reconcile(run, writes, results, result)
		EmitFlushBatchSize(ctx, len(ops))
	}

	result.TotalCount = len(writes) + len(run.errors)
	result.Duration = time.Since(start)

	EmitFlushDuration(ctx, result.Duration.Seconds())
	EmitFlushDocuments(ctx, string(couchodm.OutcomeOK), len(result.Successful))
	EmitFlushDocuments(ctx, string(couchodm.OutcomeConflict), len(result.Conflicts))
	EmitFlushDocuments(ctx, string(couchodm.OutcomeError), len(result.Failed))

	run.log.Debugw("flush completed",
		"successfulCount", len(result.Successful),
		"conflictCount", len(result.Conflicts),
		"failedCount", len(result.Failed),
		"durationMicroseconds", result.Duration.Microseconds())
	return result, nil
}

func (u *UnitOfWork) enter(run *flushRun, phase flushPhase) {
	u.phase = phase
	if u.options.Logging.LogFlushPhases {
		run.log.Debugw("flush phase", "phase", phase.String())
	}
}

func (u *UnitOfWork) fault(ctx context.Context, run *flushRun, err error) {
	code := couchodm.ErrCodeInternalError
	if oe, ok := couchodm.AsODMError(err); ok {
		code = oe.Code
	}
	EmitFlushFault(ctx, code)
	run.log.Errorw("flush aborted", "phase", u.phase.String(), "error", err)
}

// rollback restores what collect changed before a fault: reference ids it
// linked and documents it started tracking through a cascade. Identifiers
// assigned to explicitly persisted documents are kept for the retry.
func (r *flushRun) rollback() {
	for i := len(r.linked) - 1; i >= 0; i-- {
		r.linked[i].ref.SetID(r.linked[i].prev)
	}
	for i := len(r.cascaded) - 1; i >= 0; i-- {
		e := r.cascaded[i]
		r.u.forget(e)
		if e.id != "" {
			if err := e.cm.Hydrate(e.doc, map[string]any{e.cm.IDField: ""}); err != nil {
				r.log.Warnw("cannot clear identifier of cascaded document", "type", e.cm.Name, "id", e.id, "error", err)
			}
		}
	}
	r.linked, r.cascaded = nil, nil
}

// collect runs preFlush callbacks, cascades persists, assigns identifiers and
// builds the operations of every document that needs a write.
func (r *flushRun) collect(ctx context.Context) error {
	u := r.u
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("flush cancelled: %w", err)
	}

	for _, e := range u.tracked() {
		if e.state == couchodm.StateRemoved {
			continue
		}
		if err := u.fire(e.cm, couchodm.PreFlush, e.doc, e.id); err != nil {
			r.fail(e, err)
		}
	}

	r.cascade()

	if err := r.assignIdentifiers(ctx); err != nil {
		return err
	}
	r.linkReferences()

	if err := r.collectUpdates(ctx); err != nil {
		return err
	}
	r.collectInserts()
	r.collectDeletes()
	return nil
}

// cascade schedules untracked targets without an identifier of cascading
// references for insert, following the references of the newly scheduled
// objects too.
func (r *flushRun) cascade() {
	u := r.u
	queue := make([]*entry, 0, len(u.entries))
	for _, e := range u.tracked() {
		if e.state != couchodm.StateRemoved && !r.failed[e] {
			queue = append(queue, e)
		}
	}

	for i := 0; i < len(queue); i++ {
		e := queue[i]
		for _, rf := range references(e.cm, e.doc) {
			if !rf.field.Cascade || !rf.ref.IsResolved() || rf.ref.ID() != "" {
				continue
			}
			target := rf.ref.Target()
			if _, tracked := u.entries[target]; tracked {
				continue
			}
			if cm, err := u.registry.MetadataFor(target.DocumentType()); err == nil && identifierOf(cm, target) != "" {
				continue
			}
			if err := u.scheduleInsert(target); err != nil {
				r.fail(e, err)
				continue
			}
			if u.options.Logging.LogOperations {
				r.log.Debugw("cascaded persist", "from", e.cm.Name, "property", rf.field.Property, "type", target.DocumentType())
			}
			r.cascaded = append(r.cascaded, u.entries[target])
			queue = append(queue, u.entries[target])
		}
	}
}

// assignIdentifiers gives every scheduled insert without an identifier one
// from a single allocation.
func (r *flushRun) assignIdentifiers(ctx context.Context) error {
	u := r.u
	var missing []*entry
	for _, e := range u.inserts.ToSlice() {
		if e.id == "" && !r.failed[e] {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	ids, err := u.ids.AllocateIdentifiers(ctx, len(missing))
	if err != nil {
		if _, ok := couchodm.AsODMError(err); ok {
			return err
		}
		return couchodm.NewODMError(couchodm.ErrorTypeTransport, couchodm.ErrCodeIdentifierPool, "failed to allocate identifiers").
			WithCause(err)
	}
	if len(ids) != len(missing) {
		return couchodm.NewODMError(couchodm.ErrorTypeTransport, couchodm.ErrCodeIdentifierPool, "identifier allocation returned the wrong count").
			WithDetail("expected", len(missing)).
			WithDetail("actual", len(ids))
	}

	for i, e := range missing {
		id := ids[i]
		if err := e.cm.Hydrate(e.doc, map[string]any{e.cm.IDField: id}); err != nil {
			r.fail(e, couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeHydrationFailed, "cannot set identifier").
				WithDocument(e.cm.Name, id).
				WithCause(err))
			continue
		}
		if err := u.identity.Register(e.cm.Name, id, e.doc); err != nil {
			r.fail(e, err)
			continue
		}
		e.id = id
	}
	return nil
}

// linkReferences copies identifiers onto resolved references so that they
// stay meaningful after their target is detached.
func (r *flushRun) linkReferences() {
	for _, e := range r.u.tracked() {
		if e.state == couchodm.StateRemoved {
			continue
		}
		for _, rf := range references(e.cm, e.doc) {
			if target := rf.ref.Target(); target != nil {
				if te, ok := r.u.entries[target]; ok && te.id != "" && rf.ref.ID() != te.id {
					r.linked = append(r.linked, linkedRef{ref: rf.ref, prev: rf.ref.ID()})
					rf.ref.SetID(te.id)
				}
			}
		}
	}
}

type computedChange struct {
	live map[string]any
	cs   *couchodm.ChangeSet
	err  error
}

// computeChangeSets diffs every entry against its snapshot. Above the
// parallel threshold the work is spread over a bounded worker pool; entries
// are independent and the resolver only reads bookkeeping. A cancelled
// context fails the whole computation.
func (u *UnitOfWork) computeChangeSets(ctx context.Context, entries []*entry) ([]computedChange, error) {
	out := make([]computedChange, len(entries))
	compute := func(i int) {
		e := entries[i]
		live, err := u.computer.Snapshot(e.cm, e.doc, e.id)
		if err != nil {
			out[i].err = err
			return
		}
		out[i] = computedChange{live: live, cs: u.computer.Compute(e.cm, e.id, e.snapshot, live)}
	}

	if len(entries) <= u.options.ParallelThreshold || u.options.MaxParallelWorkers <= 1 {
		for i := range entries {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("flush cancelled: %w", err)
			}
			compute(i)
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.options.MaxParallelWorkers)
	for i := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			compute(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("flush cancelled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("flush cancelled: %w", err)
	}
	return out, nil
}

func (r *flushRun) collectUpdates(ctx context.Context) error {
	u := r.u
	var managed []*entry
	for _, e := range u.tracked() {
		if e.state == couchodm.StateManaged && !r.failed[e] {
			managed = append(managed, e)
		}
	}

	changes, err := u.computeChangeSets(ctx, managed)
	if err != nil {
		return err
	}
	for i, c := range changes {
		e := managed[i]
		if c.err != nil {
			r.fail(e, c.err)
			continue
		}
		live, cs := c.live, c.cs
		if cs != nil {
			if err := u.fire(e.cm, couchodm.PreUpdate, e.doc, e.id); err != nil {
				r.fail(e, err)
				continue
			}
			// preUpdate may have changed the object again
			var err error
			live, err = u.computer.Snapshot(e.cm, e.doc, e.id)
			if err != nil {
				r.fail(e, err)
				continue
			}
			cs = u.computer.Compute(e.cm, e.id, e.snapshot, live)
		}
		if cs == nil && !e.dirtyOnLoad {
			continue
		}

		body, err := r.body(e, live)
		if err != nil {
			r.fail(e, err)
			continue
		}
		if u.options.Logging.LogChangeSets && cs != nil {
			r.log.Debugw("change set", "type", e.cm.Name, "id", e.id, "fields", changedProperties(cs))
		}
		r.updates = append(r.updates, &pendingWrite{
			entry: e,
			live:  live,
			op: couchodm.Operation{
				Kind:      couchodm.OperationUpdate,
				Type:      e.cm.Name,
				ID:        e.id,
				Revision:  e.rev,
				Body:      body,
				ChangeSet: cs,
			},
		})
	}
	return nil
}

func (r *flushRun) collectInserts() {
	u := r.u
	for _, e := range u.inserts.ToSlice() {
		if r.failed[e] {
			continue
		}
		live, err := u.computer.Snapshot(e.cm, e.doc, e.id)
		if err != nil {
			r.fail(e, err)
			continue
		}
		body, err := r.body(e, live)
		if err != nil {
			r.fail(e, err)
			continue
		}
		r.inserts = append(r.inserts, &pendingWrite{
			entry: e,
			live:  live,
			deps:  r.dependencies(e),
			op: couchodm.Operation{
				Kind:      couchodm.OperationInsert,
				Type:      e.cm.Name,
				ID:        e.id,
				Body:      body,
				ChangeSet: u.computer.Initial(e.cm, e.id, live),
			},
		})
	}
}

func (r *flushRun) collectDeletes() {
	for _, e := range r.u.deletes.ToSlice() {
		if r.failed[e] {
			continue
		}
		r.deletes = append(r.deletes, &pendingWrite{
			entry: e,
			op: couchodm.Operation{
				Kind:     couchodm.OperationDelete,
				Type:     e.cm.Name,
				ID:       e.id,
				Revision: e.rev,
				Body:     map[string]any{"_id": e.id, "_rev": e.rev, "_deleted": true},
			},
		})
	}
}

// dependencies returns the scheduled inserts e references.
func (r *flushRun) dependencies(e *entry) []*entry {
	deps := NewSet[*entry]()
	for _, rf := range references(e.cm, e.doc) {
		target := rf.ref.Target()
		if target == nil {
			continue
		}
		if te, ok := r.u.entries[target]; ok && te != e && te.state == couchodm.StateNew {
			deps.Add(te)
		}
	}
	return deps.ToSlice()
}

// body serializes the live snapshot of e and validates it against the class
// schema when one is declared. Unmapped keys of a loaded document are added
// after validation so they survive the update.
func (r *flushRun) body(e *entry, live map[string]any) (map[string]any, error) {
	u := r.u
	body := u.computer.Body(e.cm, live, u.options.DiscriminatorField)
	body["_id"] = e.id
	if e.rev != "" {
		body["_rev"] = e.rev
	}
	if u.options.ValidateSchemas {
		if v, ok := u.registry.(bodyValidator); ok {
			if err := v.ValidateBody(e.cm.Name, body); err != nil {
				if oe, ok := couchodm.AsODMError(err); ok {
					return nil, oe.WithDocument(e.cm.Name, e.id)
				}
				return nil, err
			}
		}
	}
	for key, value := range e.unmapped {
		if _, taken := body[key]; !taken {
			body[key] = deepCopyValue(value)
		}
	}
	return body, nil
}

// commit submits ops under the commit timeout and checks that the response
// lines up with the request.
func (u *UnitOfWork) commit(ctx context.Context, ops []couchodm.Operation) ([]couchodm.OperationResult, error) {
	cctx := ctx
	if u.options.CommitTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, u.options.CommitTimeout)
		defer cancel()
	}

	results, err := u.persister.BulkSubmit(cctx, ops)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, couchodm.NewCommitTimeoutError(err)
		}
		if _, ok := couchodm.AsODMError(err); ok {
			return nil, err
		}
		return nil, couchodm.NewTransportError("bulk submit failed", err)
	}

	if len(results) != len(ops) {
		return nil, couchodm.NewMalformedResponseError("result count does not match operation count").
			WithDetail("expected", len(ops)).
			WithDetail("actual", len(results))
	}
	for i, res := range results {
		if res.ID != ops[i].ID {
			return nil, couchodm.NewMalformedResponseError("result does not match submitted operation").
				WithDetail("position", i).
				WithDetail("expected", ops[i].ID).
				WithDetail("actual", res.ID)
		}
		switch res.Outcome {
		case couchodm.OutcomeOK:
			if res.Revision == "" {
				return nil, couchodm.NewMalformedResponseError("successful result without revision").
					WithDetail("id", res.ID)
			}
		case couchodm.OutcomeConflict, couchodm.OutcomeError:
		default:
			return nil, couchodm.NewMalformedResponseError("unknown result outcome").
				WithDetail("id", res.ID).
				WithDetail("outcome", string(res.Outcome))
		}
	}
	return results, nil
}

// reconcile applies the outcome of each write. Conflicted and rejected
// documents keep their tracked state.
func (u *UnitOfWork) reconcile(run *flushRun, writes []*pendingWrite, results []couchodm.OperationResult, result *couchodm.FlushResult) {
	for i, w := range writes {
		res := results[i]
		e := w.entry

		switch res.Outcome {
		case couchodm.OutcomeOK:
			u.applySuccess(run, w, res.Revision)
			result.Successful = append(result.Successful, couchodm.DocumentOutcome{
				Kind:     w.op.Kind,
				Type:     e.cm.Name,
				ID:       e.id,
				Revision: res.Revision,
				Document: e.doc,
			})

		case couchodm.OutcomeConflict:
			conflict := couchodm.RevisionConflict{
				Type:          e.cm.Name,
				ID:            e.id,
				Operation:     w.op.Kind,
				Revision:      w.op.Revision,
				AttemptedBody: w.op.Body,
				ServerBody:    res.ServerBody,
				Document:      e.doc,
			}
			result.Conflicts = append(result.Conflicts, conflict)
			if u.options.Logging.LogConflicts {
				run.log.Warnw("revision conflict",
					"type", e.cm.Name,
					"id", e.id,
					"operation", string(w.op.Kind),
					"revision", w.op.Revision,
					"serverRevision", conflict.ServerRevision())
			}
			for _, listener := range u.listeners {
				listener(conflict)
			}

		case couchodm.OutcomeError:
			err := couchodm.NewODMError(couchodm.ErrorTypeValidation, couchodm.ErrCodeDocumentRejected, "document rejected by server").
				WithDocument(e.cm.Name, e.id).
				WithCause(errors.New(res.Reason))
			result.Failed = append(result.Failed, couchodm.NewDocumentError(e.cm.Name, e.id, e.doc, err))
			run.log.Warnw("document rejected", "type", e.cm.Name, "id", e.id, "reason", res.Reason)
		}
	}
}

func (u *UnitOfWork) applySuccess(run *flushRun, w *pendingWrite, rev string) {
	e := w.entry
	e.rev = rev

	var event couchodm.LifecycleEvent
	switch w.op.Kind {
	case couchodm.OperationInsert:
		u.inserts.Remove(e)
		e.state = couchodm.StateManaged
		e.snapshot = w.live
		e.dirtyOnLoad = false
		event = couchodm.PostPersist
	case couchodm.OperationUpdate:
		e.snapshot = w.live
		e.dirtyOnLoad = false
		event = couchodm.PostUpdate
	case couchodm.OperationDelete:
		u.forget(e)
		event = couchodm.PostRemove
	}

	if e.cm.RevisionField != "" {
		if err := e.cm.Hydrate(e.doc, map[string]any{e.cm.RevisionField: rev}); err != nil {
			run.log.Warnw("cannot set revision on document", "type", e.cm.Name, "id", e.id, "error", err)
		}
	}
	if u.options.Logging.LogOperations {
		run.log.Debugw("document committed", "operation", string(w.op.Kind), "type", e.cm.Name, "id", e.id, "revision", rev)
	}
	if err := u.fire(e.cm, event, e.doc, e.id); err != nil {
		run.log.Warnw("post-commit callback failed", "type", e.cm.Name, "id", e.id, "event", string(event), "error", err)
	}
}

func changedProperties(cs *couchodm.ChangeSet) []string {
	out := make([]string, 0, len(cs.Fields))
	for property := range cs.Fields {
		out = append(out, property)
	}
	return out
}
