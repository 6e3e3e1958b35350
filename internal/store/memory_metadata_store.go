package store

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/model"
	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	tenantTable     = "tenant"
	objectTable     = "object"
	definitionTable = "definition"
	tagTable        = "tag"
	attrTable       = "attr"

	indexID      = "id"
	indexNatural = "natural"
	indexParent  = "parent"
	indexVersion = "version"
)

type memTenant struct {
	Code        string
	Key         int16
	Description string
}

type memObject struct {
	Key        int64
	Tenant     int16
	ObjectID   string
	ObjectType string
	State      string
}

type memDefinition struct {
	Key        int64
	Tenant     int16
	ObjectKey  int64
	Version    int
	Timestamp  time.Time
	Definition []byte
}

type memTag struct {
	Key           int64
	Tenant        int16
	DefinitionKey int64
	TagVersion    int
	Timestamp     time.Time
}

type memAttr struct {
	Tenant int16
	TagKey int64
	Name   string
	Value  model.Value
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tenantTable: {
				Name: tenantTable,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Code"},
					},
				},
			},
			objectTable: {
				Name: objectTable,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "Key"},
					},
					indexNatural: {
						Name:   indexNatural,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.IntFieldIndex{Field: "Tenant"},
								&memdb.StringFieldIndex{Field: "ObjectID"},
							},
						},
					},
				},
			},
			definitionTable: {
				Name: definitionTable,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "Key"},
					},
					indexParent: {
						Name:    indexParent,
						Indexer: &memdb.IntFieldIndex{Field: "ObjectKey"},
					},
					indexVersion: {
						Name:   indexVersion,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.IntFieldIndex{Field: "ObjectKey"},
								&memdb.IntFieldIndex{Field: "Version"},
							},
						},
					},
				},
			},
			tagTable: {
				Name: tagTable,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "Key"},
					},
					indexParent: {
						Name:    indexParent,
						Indexer: &memdb.IntFieldIndex{Field: "DefinitionKey"},
					},
					indexVersion: {
						Name:   indexVersion,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.IntFieldIndex{Field: "DefinitionKey"},
								&memdb.IntFieldIndex{Field: "TagVersion"},
							},
						},
					},
				},
			},
			attrTable: {
				Name: attrTable,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.IntFieldIndex{Field: "TagKey"},
								&memdb.StringFieldIndex{Field: "Name"},
							},
						},
					},
					indexParent: {
						Name:    indexParent,
						Indexer: &memdb.IntFieldIndex{Field: "TagKey"},
					},
				},
			},
		},
	}
}

// MemoryMetadataStore implements Backend on an in-process go-memdb database.
// Write transactions are serialized by memdb, so uniqueness is enforced by
// checking for existing rows inside the write transaction.
type MemoryMetadataStore struct {
	db     *memdb.MemDB
	logger *zap.Logger

	// writers admits one write transaction at a time ahead of the memdb
	// writer lock, which cannot be abandoned once requested
	writers *semaphore.Weighted

	// guarded by writers
	nextTenant int16

	nextObject atomic.Int64
	nextDef    atomic.Int64
	nextTag    atomic.Int64
	closed     atomic.Bool
}

// NewMemoryMetadataStore creates an empty in-memory backend
func NewMemoryMetadataStore(logger *zap.Logger) (*MemoryMetadataStore, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memory database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryMetadataStore{db: db, logger: logger, writers: semaphore.NewWeighted(1)}, nil
}

// LoadTenants reads all registered tenants ordered by key
func (s *MemoryMetadataStore) LoadTenants(ctx context.Context) ([]model.Tenant, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tenantTable, indexID)
	if err != nil {
		return nil, errors.InternalError("failed to scan tenants", err)
	}

	var tenants []model.Tenant
	for raw := it.Next(); raw != nil; raw = it.Next() {
		t := raw.(*memTenant)
		tenants = append(tenants, model.Tenant{Code: t.Code, Key: t.Key, Description: t.Description})
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Key < tenants[j].Key })
	return tenants, nil
}

// RegisterTenant adds a tenant unless the code already exists
func (s *MemoryMetadataStore) RegisterTenant(ctx context.Context, code, description string) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	if err := s.acquireWriter(ctx); err != nil {
		return err
	}
	defer s.writers.Release(1)

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tenantTable, indexID, code)
	if err != nil {
		return errors.InternalError("failed to look up tenant", err)
	}
	if existing != nil {
		return nil
	}

	s.nextTenant++
	key := s.nextTenant
	if err := txn.Insert(tenantTable, &memTenant{Code: code, Key: key, Description: description}); err != nil {
		return errors.InternalError("failed to insert tenant", err)
	}
	txn.Commit()

	s.logger.Info("Tenant registered", zap.String("tenant", code), zap.Int16("tenant_key", key))
	return nil
}

// Begin opens a memdb transaction. Write transactions hold the writer slot
// until they commit or roll back; waiting for it honours ctx.
func (s *MemoryMetadataStore) Begin(ctx context.Context, readOnly bool) (Tx, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	if readOnly {
		return &memoryTx{store: s, txn: s.db.Txn(false), readOnly: true}, nil
	}

	if err := s.acquireWriter(ctx); err != nil {
		return nil, err
	}
	return &memoryTx{store: s, txn: s.db.Txn(true), release: func() { s.writers.Release(1) }}, nil
}

func (s *MemoryMetadataStore) acquireWriter(ctx context.Context) error {
	if err := s.writers.Acquire(ctx, 1); err != nil {
		if ctxErr := errors.FromContext(ctx); ctxErr != nil {
			return ctxErr
		}
		return errors.Timeout("waiting for the memory store writer", err)
	}
	return nil
}

// Ping reports whether the store is open
func (s *MemoryMetadataStore) Ping(ctx context.Context) error {
	return s.checkOpen(ctx)
}

// Close marks the store closed; later calls fail with Unavailable
func (s *MemoryMetadataStore) Close() {
	s.closed.Store(true)
}

func (s *MemoryMetadataStore) checkOpen(ctx context.Context) error {
	if err := errors.FromContext(ctx); err != nil {
		return err
	}
	if s.closed.Load() {
		return errors.Unavailable("memory store is closed", nil)
	}
	return nil
}

type memoryTx struct {
	store    *MemoryMetadataStore
	txn      *memdb.Txn
	readOnly bool
	done     bool
	release  func()
}

// finish ends the memdb transaction and frees the writer slot
func (t *memoryTx) finish(commit bool) {
	t.done = true
	if commit {
		t.txn.Commit()
	} else {
		t.txn.Abort()
	}
	if t.release != nil {
		t.release()
		t.release = nil
	}
}

func (t *memoryTx) ReadOnly() bool {
	return t.readOnly
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.InternalError("transaction already finished", nil)
	}

	// A write transaction whose context expired must not become visible
	if err := errors.FromContext(ctx); err != nil {
		t.finish(false)
		return err
	}
	t.finish(!t.readOnly)
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.finish(false)
	return nil
}

func (t *memoryTx) checkWritable(ctx context.Context) error {
	if t.done {
		return errors.InternalError("transaction already finished", nil)
	}
	if t.readOnly {
		return errors.InternalError("write attempted in a read-only transaction", nil)
	}
	return t.checkContext(ctx)
}

func (t *memoryTx) checkContext(ctx context.Context) error {
	if err := errors.FromContext(ctx); err != nil {
		return err
	}
	return nil
}

func (t *memoryTx) InsertObjects(ctx context.Context, tenant int16, batch ObjectBatch) ([]int64, error) {
	if err := t.checkWritable(ctx); err != nil {
		return nil, err
	}

	keys := make([]int64, len(batch.ObjectIDs))
	for i, id := range batch.ObjectIDs {
		existing, err := t.txn.First(objectTable, indexNatural, tenant, id.String())
		if err != nil {
			return nil, errors.InternalError("failed to look up object", err)
		}
		if existing != nil {
			return nil, errors.DuplicateObject(fmt.Sprintf("object id already exists: %s", id), nil).
				WithDetail("object_id", id.String())
		}

		key := t.store.nextObject.Add(1)
		row := &memObject{
			Key:        key,
			Tenant:     tenant,
			ObjectID:   id.String(),
			ObjectType: string(batch.ObjectTypes[i]),
			State:      string(batch.State),
		}
		if err := t.txn.Insert(objectTable, row); err != nil {
			return nil, errors.InternalError("failed to insert object", err)
		}
		keys[i] = key
	}
	return keys, nil
}

func (t *memoryTx) ActivateObjects(ctx context.Context, tenant int16, objectKeys []int64) error {
	if err := t.checkWritable(ctx); err != nil {
		return err
	}

	for _, key := range objectKeys {
		raw, err := t.txn.First(objectTable, indexID, key)
		if err != nil {
			return errors.InternalError("failed to look up object", err)
		}
		if raw == nil || raw.(*memObject).Tenant != tenant {
			return errors.InternalError(fmt.Sprintf("object key %d does not exist", key), nil)
		}

		current := raw.(*memObject)
		if current.State != string(model.ObjectStatePreallocated) {
			return errors.NewMetadataError(errors.ErrCodeAlreadyMaterialized,
				fmt.Sprintf("object %s is not in preallocated state", current.ObjectID), nil).
				WithDetail("object_id", current.ObjectID)
		}

		// memdb rows are immutable once inserted; update by replacing
		updated := *current
		updated.State = string(model.ObjectStateActive)
		if err := t.txn.Insert(objectTable, &updated); err != nil {
			return errors.InternalError("failed to update object state", err)
		}
	}
	return nil
}

func (t *memoryTx) InsertDefinitions(ctx context.Context, tenant int16, batch DefinitionBatch) ([]int64, error) {
	if err := t.checkWritable(ctx); err != nil {
		return nil, err
	}

	keys := make([]int64, len(batch.ObjectKeys))
	for i, objectKey := range batch.ObjectKeys {
		version := batch.Versions[i]

		parent, err := t.txn.First(objectTable, indexID, objectKey)
		if err != nil {
			return nil, errors.InternalError("failed to look up object", err)
		}
		if parent == nil || parent.(*memObject).Tenant != tenant {
			return nil, errors.InternalError(fmt.Sprintf("insert definitions: missing parent object %d", objectKey), nil)
		}

		existing, err := t.txn.First(definitionTable, indexVersion, objectKey, version)
		if err != nil {
			return nil, errors.InternalError("failed to look up definition", err)
		}
		if existing != nil {
			return nil, errors.VersionConflict(
				fmt.Sprintf("version %d already exists for object %s", version, parent.(*memObject).ObjectID), nil)
		}

		key := t.store.nextDef.Add(1)
		row := &memDefinition{
			Key:        key,
			Tenant:     tenant,
			ObjectKey:  objectKey,
			Version:    version,
			Timestamp:  batch.Timestamp,
			Definition: append([]byte(nil), batch.Definitions[i]...),
		}
		if err := t.txn.Insert(definitionTable, row); err != nil {
			return nil, errors.InternalError("failed to insert definition", err)
		}
		keys[i] = key
	}
	return keys, nil
}

func (t *memoryTx) InsertTags(ctx context.Context, tenant int16, batch TagBatch) ([]int64, error) {
	if err := t.checkWritable(ctx); err != nil {
		return nil, err
	}

	keys := make([]int64, len(batch.DefinitionKeys))
	for i, definitionKey := range batch.DefinitionKeys {
		tagVersion := batch.TagVersions[i]

		parent, err := t.txn.First(definitionTable, indexID, definitionKey)
		if err != nil {
			return nil, errors.InternalError("failed to look up definition", err)
		}
		if parent == nil || parent.(*memDefinition).Tenant != tenant {
			return nil, errors.InternalError(fmt.Sprintf("insert tags: missing parent definition %d", definitionKey), nil)
		}

		existing, err := t.txn.First(tagTable, indexVersion, definitionKey, tagVersion)
		if err != nil {
			return nil, errors.InternalError("failed to look up tag", err)
		}
		if existing != nil {
			return nil, errors.VersionConflict(
				fmt.Sprintf("tag version %d already exists for definition %d", tagVersion, definitionKey), nil)
		}

		key := t.store.nextTag.Add(1)
		row := &memTag{
			Key:           key,
			Tenant:        tenant,
			DefinitionKey: definitionKey,
			TagVersion:    tagVersion,
			Timestamp:     batch.Timestamp,
		}
		if err := t.txn.Insert(tagTable, row); err != nil {
			return nil, errors.InternalError("failed to insert tag", err)
		}
		keys[i] = key
	}
	return keys, nil
}

func (t *memoryTx) InsertAttrs(ctx context.Context, tenant int16, batch AttrBatch) error {
	if err := t.checkWritable(ctx); err != nil {
		return err
	}

	for i, tagKey := range batch.TagKeys {
		parent, err := t.txn.First(tagTable, indexID, tagKey)
		if err != nil {
			return errors.InternalError("failed to look up tag", err)
		}
		if parent == nil || parent.(*memTag).Tenant != tenant {
			return errors.InternalError(fmt.Sprintf("insert attrs: missing parent tag %d", tagKey), nil)
		}

		existing, err := t.txn.First(attrTable, indexID, tagKey, batch.Names[i])
		if err != nil {
			return errors.InternalError("failed to look up attribute", err)
		}
		if existing != nil {
			return errors.InternalError(fmt.Sprintf("attribute %q written twice for tag %d", batch.Names[i], tagKey), nil)
		}

		row := &memAttr{Tenant: tenant, TagKey: tagKey, Name: batch.Names[i], Value: batch.Values[i]}
		if err := t.txn.Insert(attrTable, row); err != nil {
			return errors.InternalError("failed to insert attribute", err)
		}
	}
	return nil
}

func (t *memoryTx) ReadObjects(ctx context.Context, tenant int16, objectIDs []uuid.UUID) ([]*ObjectRecord, error) {
	if err := t.checkContext(ctx); err != nil {
		return nil, err
	}

	records := make([]*ObjectRecord, len(objectIDs))
	for i, id := range objectIDs {
		raw, err := t.txn.First(objectTable, indexNatural, tenant, id.String())
		if err != nil {
			return nil, errors.InternalError("failed to read object", err)
		}
		if raw == nil {
			continue
		}
		row := raw.(*memObject)
		records[i] = &ObjectRecord{
			Key:        row.Key,
			ObjectID:   id,
			ObjectType: model.ObjectType(row.ObjectType),
			State:      model.ObjectState(row.State),
		}
	}
	return records, nil
}

func (t *memoryTx) ReadDefinitions(ctx context.Context, tenant int16, q VersionQuery) ([]*DefinitionRecord, error) {
	if err := t.checkContext(ctx); err != nil {
		return nil, err
	}

	records := make([]*DefinitionRecord, q.Len())
	for i, objectKey := range q.ParentKeys {
		var row *memDefinition

		if q.Latest[i] {
			it, err := t.txn.Get(definitionTable, indexParent, objectKey)
			if err != nil {
				return nil, errors.InternalError("failed to scan definitions", err)
			}
			for raw := it.Next(); raw != nil; raw = it.Next() {
				candidate := raw.(*memDefinition)
				if row == nil || candidate.Version > row.Version {
					row = candidate
				}
			}
		} else {
			raw, err := t.txn.First(definitionTable, indexVersion, objectKey, q.Versions[i])
			if err != nil {
				return nil, errors.InternalError("failed to read definition", err)
			}
			if raw != nil {
				row = raw.(*memDefinition)
			}
		}

		if row == nil || row.Tenant != tenant {
			continue
		}
		records[i] = &DefinitionRecord{
			Key:        row.Key,
			ObjectKey:  row.ObjectKey,
			Version:    row.Version,
			Timestamp:  row.Timestamp,
			Definition: append([]byte(nil), row.Definition...),
		}
	}
	return records, nil
}

func (t *memoryTx) ReadTags(ctx context.Context, tenant int16, q VersionQuery) ([]*TagRecord, error) {
	if err := t.checkContext(ctx); err != nil {
		return nil, err
	}

	records := make([]*TagRecord, q.Len())
	for i, definitionKey := range q.ParentKeys {
		var row *memTag

		if q.Latest[i] {
			it, err := t.txn.Get(tagTable, indexParent, definitionKey)
			if err != nil {
				return nil, errors.InternalError("failed to scan tags", err)
			}
			for raw := it.Next(); raw != nil; raw = it.Next() {
				candidate := raw.(*memTag)
				if row == nil || candidate.TagVersion > row.TagVersion {
					row = candidate
				}
			}
		} else {
			raw, err := t.txn.First(tagTable, indexVersion, definitionKey, q.Versions[i])
			if err != nil {
				return nil, errors.InternalError("failed to read tag", err)
			}
			if raw != nil {
				row = raw.(*memTag)
			}
		}

		if row == nil || row.Tenant != tenant {
			continue
		}
		records[i] = &TagRecord{
			Key:           row.Key,
			DefinitionKey: row.DefinitionKey,
			TagVersion:    row.TagVersion,
			Timestamp:     row.Timestamp,
		}
	}
	return records, nil
}

func (t *memoryTx) ReadAttrs(ctx context.Context, tenant int16, tagKeys []int64) ([]map[string]model.Value, error) {
	if err := t.checkContext(ctx); err != nil {
		return nil, err
	}

	attrs := make([]map[string]model.Value, len(tagKeys))
	for i, tagKey := range tagKeys {
		attrs[i] = make(map[string]model.Value)

		it, err := t.txn.Get(attrTable, indexParent, tagKey)
		if err != nil {
			return nil, errors.InternalError("failed to scan attributes", err)
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			row := raw.(*memAttr)
			if row.Tenant == tenant {
				attrs[i][row.Name] = row.Value
			}
		}
	}
	return attrs, nil
}
