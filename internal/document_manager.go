package internal

import (
	"context"

	"github.com/lychee-technology/couchodm"
	"go.uber.org/zap"
)

type documentManager struct {
	uow *UnitOfWork
}

// NewDocumentManager creates a session facade over a fresh unit of work.
func NewDocumentManager(
	registry couchodm.MetadataRegistry,
	persister couchodm.Persister,
	ids couchodm.IdentifierAllocator,
	options UnitOfWorkOptions,
	logger *zap.Logger,
) couchodm.DocumentManager {
	return &documentManager{uow: NewUnitOfWork(registry, persister, ids, options, logger)}
}

func (dm *documentManager) Persist(doc couchodm.Document) error {
	return dm.uow.ScheduleInsert(doc)
}

func (dm *documentManager) Remove(doc couchodm.Document) error {
	return dm.uow.ScheduleDelete(doc)
}

func (dm *documentManager) Flush(ctx context.Context) (*couchodm.FlushResult, error) {
	return dm.uow.Flush(ctx)
}

func (dm *documentManager) Find(ctx context.Context, typeName, id string) (couchodm.Document, error) {
	return dm.uow.Load(ctx, typeName, id)
}

func (dm *documentManager) FindMany(ctx context.Context, typeName string, ids []string) (*couchodm.LoadResult, error) {
	return dm.uow.LoadMany(ctx, typeName, ids)
}

func (dm *documentManager) Resolve(ctx context.Context, ref *couchodm.Reference) (couchodm.Document, error) {
	return dm.uow.Resolve(ctx, ref)
}

func (dm *documentManager) Contains(doc couchodm.Document) bool {
	return dm.uow.Contains(doc)
}

func (dm *documentManager) StateOf(doc couchodm.Document) couchodm.DocumentState {
	return dm.uow.StateOf(doc)
}

func (dm *documentManager) RevisionOf(doc couchodm.Document) string {
	return dm.uow.RevisionOf(doc)
}

func (dm *documentManager) IdentifierOf(doc couchodm.Document) string {
	return dm.uow.IdentifierOf(doc)
}

func (dm *documentManager) Detach(doc couchodm.Document) {
	dm.uow.Detach(doc)
}

func (dm *documentManager) Clear() {
	dm.uow.Clear()
}

func (dm *documentManager) AddConflictListener(listener couchodm.ConflictListener) {
	dm.uow.AddConflictListener(listener)
}

func (dm *documentManager) RegisterMigration(typeName string, migration couchodm.Migration) {
	dm.uow.RegisterMigration(typeName, migration)
}
