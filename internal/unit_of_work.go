package internal

import (
	"context"
	"sort"
	"time"

	"github.com/lychee-technology/couchodm"
	"go.uber.org/zap"
)

type flushPhase int

const (
	phaseIdle flushPhase = iota
	phaseCollecting
	phaseOrdering
	phaseCommitting
	phaseReconciling
)

func (p flushPhase) String() string {
	switch p {
	case phaseCollecting:
		return "COLLECTING"
	case phaseOrdering:
		return "ORDERING"
	case phaseCommitting:
		return "COMMITTING"
	case phaseReconciling:
		return "RECONCILING"
	default:
		return "IDLE"
	}
}

// entry is the bookkeeping of one tracked object.
type entry struct {
	doc         couchodm.Document
	cm          *couchodm.ClassMetadata
	id          string
	rev         string
	state       couchodm.DocumentState
	snapshot    map[string]any
	dirtyOnLoad bool
	seq         uint64
	// stored keys no field maps (attachment stubs, foreign data); written
	// back unchanged on update
	unmapped map[string]any
}

// UnitOfWorkOptions tunes flush behaviour.
type UnitOfWorkOptions struct {
	CommitTimeout      time.Duration
	ParallelThreshold  int
	MaxParallelWorkers int
	DiscriminatorField string
	ValidateSchemas    bool
	Logging            couchodm.LoggingConfig
}

// UnitOfWorkOptionsFromConfig extracts the unit of work settings of cfg.
func UnitOfWorkOptionsFromConfig(cfg *couchodm.Config) UnitOfWorkOptions {
	if cfg == nil {
		cfg = couchodm.DefaultConfig()
	}
	return UnitOfWorkOptions{
		CommitTimeout:      cfg.UnitOfWork.CommitTimeout,
		ParallelThreshold:  cfg.UnitOfWork.ParallelThreshold,
		MaxParallelWorkers: cfg.UnitOfWork.MaxParallelWorkers,
		DiscriminatorField: cfg.UnitOfWork.DiscriminatorField,
		ValidateSchemas:    cfg.UnitOfWork.ValidateSchemas,
		Logging:            cfg.Logging,
	}
}

// UnitOfWork tracks objects of one session and writes their changes to
// CouchDB in a single bulk request per flush. It is not safe for concurrent
// use.
type UnitOfWork struct {
	registry  couchodm.MetadataRegistry
	persister couchodm.Persister
	ids       couchodm.IdentifierAllocator
	options   UnitOfWorkOptions
	logger    *zap.SugaredLogger

	identity   *IdentityMap
	entries    map[couchodm.Document]*entry
	inserts    *Set[*entry]
	deletes    *Set[*entry]
	migrations *MigrationPipeline
	listeners  []couchodm.ConflictListener
	computer   *changeSetComputer
	hydrator   *hydrator

	phase flushPhase
	seq   uint64
}

// NewUnitOfWork creates an empty unit of work. ids may be nil, in which case
// identifiers are allocated through persister. A nil logger falls back to the
// global zap logger.
func NewUnitOfWork(
	registry couchodm.MetadataRegistry,
	persister couchodm.Persister,
	ids couchodm.IdentifierAllocator,
	options UnitOfWorkOptions,
	logger *zap.Logger,
) *UnitOfWork {
	if logger == nil {
		logger = zap.L()
	}
	if ids == nil {
		ids = persister
	}
	if options.DiscriminatorField == "" {
		options.DiscriminatorField = "type"
	}
	if options.MaxParallelWorkers <= 0 {
		options.MaxParallelWorkers = 1
	}

	u := &UnitOfWork{
		registry:   registry,
		persister:  persister,
		ids:        ids,
		options:    options,
		logger:     logger.Sugar().Named("uow"),
		identity:   NewIdentityMap(),
		entries:    make(map[couchodm.Document]*entry),
		inserts:    NewSet[*entry](),
		deletes:    NewSet[*entry](),
		migrations: NewMigrationPipeline(logger, options.Logging.LogMigrations),
	}
	u.computer = newChangeSetComputer(registry, u.referenceID)
	u.hydrator = &hydrator{registry: registry, identity: u.identity, discriminatorField: options.DiscriminatorField}
	return u
}

// ScheduleInsert starts tracking doc as NEW. Persisting an object scheduled
// for removal cancels the removal instead.
func (u *UnitOfWork) ScheduleInsert(doc couchodm.Document) error {
	if doc == nil {
		return couchodm.NewODMError(couchodm.ErrorTypeState, couchodm.ErrCodeNotManaged, "cannot persist a nil document")
	}
	if u.phase != phaseIdle {
		return u.flushInProgress()
	}
	return u.scheduleInsert(doc)
}

func (u *UnitOfWork) scheduleInsert(doc couchodm.Document) error {
	if e, ok := u.entries[doc]; ok {
		if e.state == couchodm.StateRemoved {
			u.deletes.Remove(e)
			e.state = couchodm.StateManaged
			return nil
		}
		return couchodm.NewAlreadyManagedError(e.cm.Name, e.id)
	}

	cm, err := u.registry.MetadataFor(doc.DocumentType())
	if err != nil {
		return err
	}
	if cm.Embedded {
		return couchodm.NewMetadataInvalidError(cm.Name, "embedded documents are persisted through their owner")
	}

	id := identifierOf(cm, doc)
	if _, taken := u.identity.Lookup(cm.Name, id); id != "" && taken {
		return couchodm.NewAlreadyManagedError(cm.Name, id)
	}
	if err := u.fire(cm, couchodm.PrePersist, doc, id); err != nil {
		return err
	}
	// prePersist may assign the identifier
	if assigned := identifierOf(cm, doc); assigned != id {
		id = assigned
		if _, taken := u.identity.Lookup(cm.Name, id); id != "" && taken {
			return couchodm.NewAlreadyManagedError(cm.Name, id)
		}
	}

	e := &entry{doc: doc, cm: cm, id: id, state: couchodm.StateNew, seq: u.nextSeq()}
	if id != "" {
		if err := u.identity.Register(cm.Name, id, doc); err != nil {
			return couchodm.NewAlreadyManagedError(cm.Name, id)
		}
	}
	u.entries[doc] = e
	u.inserts.Add(e)

	if u.options.Logging.LogOperations {
		u.logger.Debugw("scheduled insert", "type", cm.Name, "id", id)
	}
	return nil
}

// ScheduleDelete schedules a managed doc for deletion. An object that was
// only scheduled for insert is dropped and becomes DETACHED.
func (u *UnitOfWork) ScheduleDelete(doc couchodm.Document) error {
	if doc == nil {
		return couchodm.NewODMError(couchodm.ErrorTypeState, couchodm.ErrCodeNotManaged, "cannot remove a nil document")
	}
	if u.phase != phaseIdle {
		return u.flushInProgress()
	}
	e, ok := u.entries[doc]
	if !ok {
		return couchodm.NewNotManagedError(doc.DocumentType(), "")
	}

	switch e.state {
	case couchodm.StateNew:
		u.forget(e)
		if u.options.Logging.LogOperations {
			u.logger.Debugw("cancelled scheduled insert", "type", e.cm.Name, "id", e.id)
		}
	case couchodm.StateManaged:
		if err := u.fire(e.cm, couchodm.PreRemove, doc, e.id); err != nil {
			return err
		}
		e.state = couchodm.StateRemoved
		u.deletes.Add(e)
		if u.options.Logging.LogOperations {
			u.logger.Debugw("scheduled delete", "type", e.cm.Name, "id", e.id)
		}
	}
	return nil
}

// Detach stops tracking doc. Pending operations for it are dropped.
func (u *UnitOfWork) Detach(doc couchodm.Document) {
	if doc == nil {
		return
	}
	if u.phase != phaseIdle {
		u.logger.Warnw("detach ignored during flush", "type", doc.DocumentType(), "phase", u.phase.String())
		return
	}
	if e, ok := u.entries[doc]; ok {
		u.forget(e)
	}
}

// Clear detaches every tracked object.
func (u *UnitOfWork) Clear() {
	if u.phase != phaseIdle {
		u.logger.Warnw("clear ignored during flush", "phase", u.phase.String())
		return
	}
	u.identity.Clear()
	u.entries = make(map[couchodm.Document]*entry)
	u.inserts.Clear()
	u.deletes.Clear()
}

// Contains reports whether doc is tracked (NEW, MANAGED or REMOVED).
func (u *UnitOfWork) Contains(doc couchodm.Document) bool {
	if doc == nil {
		return false
	}
	_, ok := u.entries[doc]
	return ok
}

// StateOf returns the lifecycle state of doc; untracked objects are DETACHED.
func (u *UnitOfWork) StateOf(doc couchodm.Document) couchodm.DocumentState {
	if doc == nil {
		return couchodm.StateDetached
	}
	if e, ok := u.entries[doc]; ok {
		return e.state
	}
	return couchodm.StateDetached
}

// RevisionOf returns the last known server revision of doc.
func (u *UnitOfWork) RevisionOf(doc couchodm.Document) string {
	if e, ok := u.lookupEntry(doc); ok {
		return e.rev
	}
	return ""
}

// IdentifierOf returns the identifier of doc, empty until one is assigned.
func (u *UnitOfWork) IdentifierOf(doc couchodm.Document) string {
	if e, ok := u.lookupEntry(doc); ok {
		return e.id
	}
	return ""
}

// IsDirtyOnLoad reports whether a migration changed doc when it was loaded
// and the change has not been written yet.
func (u *UnitOfWork) IsDirtyOnLoad(doc couchodm.Document) bool {
	if e, ok := u.lookupEntry(doc); ok {
		return e.dirtyOnLoad
	}
	return false
}

// Size returns the number of tracked objects.
func (u *UnitOfWork) Size() int {
	return len(u.entries)
}

// AddConflictListener registers fn for revision conflicts.
func (u *UnitOfWork) AddConflictListener(fn couchodm.ConflictListener) {
	if fn != nil {
		u.listeners = append(u.listeners, fn)
	}
}

// RegisterMigration appends migration to the load chain of typeName.
func (u *UnitOfWork) RegisterMigration(typeName string, migration couchodm.Migration) {
	u.migrations.Register(typeName, migration)
}

func (u *UnitOfWork) lookupEntry(doc couchodm.Document) (*entry, bool) {
	if doc == nil {
		return nil, false
	}
	e, ok := u.entries[doc]
	return e, ok
}

func (u *UnitOfWork) forget(e *entry) {
	delete(u.entries, e.doc)
	u.inserts.Remove(e)
	u.deletes.Remove(e)
	if e.id != "" {
		if current, ok := u.identity.Lookup(e.cm.Name, e.id); ok && current == e.doc {
			u.identity.Forget(e.cm.Name, e.id)
		}
	}
	e.state = couchodm.StateDetached
}

func (u *UnitOfWork) nextSeq() uint64 {
	u.seq++
	return u.seq
}

// tracked returns every tracked entry in schedule order.
func (u *UnitOfWork) tracked() []*entry {
	out := make([]*entry, 0, len(u.entries))
	for _, e := range u.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (u *UnitOfWork) flushInProgress() error {
	return couchodm.NewODMError(couchodm.ErrorTypeState, couchodm.ErrCodeFlushInProgress, "a flush is in progress").
		WithDetail("phase", u.phase.String())
}

// fire runs the callbacks of event in declaration order and stops at the
// first failure.
func (u *UnitOfWork) fire(cm *couchodm.ClassMetadata, event couchodm.LifecycleEvent, doc couchodm.Document, id string) error {
	for _, cb := range cm.Callbacks[event] {
		if err := cb(doc); err != nil {
			return couchodm.NewODMError(couchodm.ErrorTypeValidation, couchodm.ErrCodeCallbackFailed, "lifecycle callback failed").
				WithDocument(cm.Name, id).
				WithDetail("event", string(event)).
				WithCause(err)
		}
	}
	return nil
}

// referenceID is the change set resolver of the unit of work: resolved
// references to tracked objects use the identifier the unit of work knows.
func (u *UnitOfWork) referenceID(ref *couchodm.Reference) (string, error) {
	target := ref.Target()
	if target == nil {
		return resolveReferenceID(ref)
	}
	if e, ok := u.entries[target]; ok {
		if e.id != "" {
			return e.id, nil
		}
		return "", couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeInvalidReference, "referenced document has no identifier yet").
			WithDetail("type", ref.Type())
	}
	if ref.ID() != "" {
		return ref.ID(), nil
	}
	// a detached document that was persisted still carries its identifier
	if cm, err := u.registry.MetadataFor(target.DocumentType()); err == nil {
		if id := identifierOf(cm, target); id != "" {
			return id, nil
		}
	}
	return "", couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeUnmanagedReference, "reference target is neither managed nor persisted").
		WithDetail("type", ref.Type())
}

// referenceField is one reference held by a document.
type referenceField struct {
	field couchodm.FieldMapping
	ref   *couchodm.Reference
}

// references lists the *Reference values held by doc's reference fields.
func references(cm *couchodm.ClassMetadata, doc couchodm.Document) []referenceField {
	var out []referenceField
	values := cm.Extract(doc)
	for _, f := range cm.Fields {
		switch v := values[f.Property].(type) {
		case *couchodm.Reference:
			if f.Kind == couchodm.FieldReferenceOne && v != nil {
				out = append(out, referenceField{field: f, ref: v})
			}
		case []*couchodm.Reference:
			if f.Kind != couchodm.FieldReferenceMany {
				continue
			}
			for _, ref := range v {
				if ref != nil {
					out = append(out, referenceField{field: f, ref: ref})
				}
			}
		}
	}
	return out
}

func identifierOf(cm *couchodm.ClassMetadata, doc couchodm.Document) string {
	if cm.Embedded || cm.IDField == "" {
		return ""
	}
	return stringValue(cm.Extract(doc)[cm.IDField])
}

func revisionFrom(body map[string]any) string {
	return stringValue(body["_rev"])
}

// Load returns the managed instance of typeName/id, fetching, migrating and
// hydrating it when it is not in the identity map yet.
func (u *UnitOfWork) Load(ctx context.Context, typeName, id string) (couchodm.Document, error) {
	cm, err := u.registry.MetadataFor(typeName)
	if err != nil {
		return nil, err
	}
	if cm.Embedded {
		return nil, couchodm.NewMetadataInvalidError(typeName, "embedded documents cannot be loaded on their own")
	}
	if id == "" {
		return nil, couchodm.NewODMError(couchodm.ErrorTypeState, couchodm.ErrCodeMissingID, "identifier is required").
			WithDocument(typeName, "")
	}
	if doc, ok := u.identity.Lookup(typeName, id); ok {
		return doc, nil
	}

	raw, err := u.persister.Fetch(ctx, id)
	if err != nil {
		EmitLoad(ctx, typeName, "error")
		if couchodm.IsNotFound(err) {
			return nil, couchodm.NewDocumentNotFoundError(typeName, id)
		}
		return nil, err
	}

	doc, migrated, err := u.materialize(ctx, cm, id, raw)
	if err != nil {
		EmitLoad(ctx, typeName, "error")
		return nil, err
	}
	if migrated {
		EmitLoad(ctx, typeName, "migrated")
	} else {
		EmitLoad(ctx, typeName, "ok")
	}
	return doc, nil
}

// LoadMany loads several documents of typeName. Per-document failures are
// reported in the result; only an unknown type or a cancelled context fail
// the whole call.
func (u *UnitOfWork) LoadMany(ctx context.Context, typeName string, ids []string) (*couchodm.LoadResult, error) {
	if _, err := u.registry.MetadataFor(typeName); err != nil {
		return nil, err
	}
	result := &couchodm.LoadResult{
		Documents: make([]couchodm.Document, 0, len(ids)),
		Failed:    make([]couchodm.DocumentError, 0),
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := u.Load(ctx, typeName, id)
		if err != nil {
			u.logger.Warnw("document failed to load", "type", typeName, "id", id, "error", err)
			result.Failed = append(result.Failed, couchodm.NewDocumentError(typeName, id, nil, err))
			continue
		}
		result.Documents = append(result.Documents, doc)
	}
	return result, nil
}

// Resolve attaches the target of ref, loading it if needed.
func (u *UnitOfWork) Resolve(ctx context.Context, ref *couchodm.Reference) (couchodm.Document, error) {
	if ref == nil {
		return nil, couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeInvalidReference, "cannot resolve a nil reference")
	}
	if ref.IsResolved() {
		return ref.Target(), nil
	}
	if ref.ID() == "" {
		return nil, couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeInvalidReference, "reference has no identifier").
			WithDetail("type", ref.Type())
	}
	doc, err := u.Load(ctx, ref.Type(), ref.ID())
	if err != nil {
		return nil, err
	}
	if err := ref.Resolve(doc); err != nil {
		return nil, couchodm.NewODMError(couchodm.ErrorTypeMapping, couchodm.ErrCodeInvalidReference, "cannot resolve reference").
			WithDocument(ref.Type(), ref.ID()).
			WithCause(err)
	}
	return doc, nil
}

func (u *UnitOfWork) materialize(ctx context.Context, cm *couchodm.ClassMetadata, id string, raw map[string]any) (couchodm.Document, bool, error) {
	rev := revisionFrom(raw)
	body, migrated, err := u.migrations.Apply(ctx, cm.Name, id, raw)
	if err != nil {
		return nil, false, err
	}
	if stored, ok := body[u.options.DiscriminatorField].(string); ok && stored != cm.Name {
		return nil, false, couchodm.NewDocumentNotFoundError(cm.Name, id).WithDetail("storedType", stored)
	}
	body["_id"] = id
	if rev != "" {
		body["_rev"] = rev
	}

	doc := cm.New()
	if err := u.fire(cm, couchodm.PreLoad, doc, id); err != nil {
		return nil, false, err
	}
	if err := u.hydrator.hydrate(cm, doc, body); err != nil {
		return nil, false, err
	}
	if err := u.fire(cm, couchodm.PostLoad, doc, id); err != nil {
		return nil, false, err
	}

	snapshot, err := u.computer.Snapshot(cm, doc, id)
	if err != nil {
		return nil, false, err
	}
	if err := u.identity.Register(cm.Name, id, doc); err != nil {
		return nil, false, err
	}
	u.entries[doc] = &entry{
		doc:         doc,
		cm:          cm,
		id:          id,
		rev:         rev,
		state:       couchodm.StateManaged,
		snapshot:    snapshot,
		dirtyOnLoad: migrated,
		seq:         u.nextSeq(),
		unmapped:    u.hydrator.unmapped(cm, body),
	}

	if migrated && u.options.Logging.LogMigrations {
		u.logger.Infow("document migrated on load", "type", cm.Name, "id", id)
	}
	return doc, migrated, nil
}
