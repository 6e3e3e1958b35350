package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/metastore/internal/model"
	"github.com/google/uuid"
)

// ErrNotFound is returned by caches when a key is not present
var ErrNotFound = errors.New("not found")

// Backend is a transactional metadata store. All rows are scoped by the
// numeric tenant key resolved from the tenant table.
type Backend interface {
	// LoadTenants reads the complete tenant table
	LoadTenants(ctx context.Context) ([]model.Tenant, error)

	// Begin opens a unit of work. Read-only units see a consistent snapshot.
	Begin(ctx context.Context, readOnly bool) (Tx, error)

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// TenantRegistrar creates tenant rows. Registering an existing code is a no-op.
type TenantRegistrar interface {
	RegisterTenant(ctx context.Context, code, description string) error
}

// Tx is one unit of work against a Backend.
//
// Insert methods return surrogate keys aligned with the input columns. Read
// methods return results aligned with their input, with nil for coordinates
// that do not resolve. Failures are *errors.MetadataError values.
type Tx interface {
	ReadOnly() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// InsertObjects creates object identity rows. An id already present for the
	// tenant fails the call with DuplicateObject.
	InsertObjects(ctx context.Context, tenant int16, batch ObjectBatch) ([]int64, error)

	// ActivateObjects moves preallocated objects to the active state. Any key
	// that is not currently preallocated fails the call with AlreadyMaterialized.
	ActivateObjects(ctx context.Context, tenant int16, objectKeys []int64) error

	// InsertDefinitions fails with VersionConflict when an (object, version)
	// pair already exists
	InsertDefinitions(ctx context.Context, tenant int16, batch DefinitionBatch) ([]int64, error)

	// InsertTags fails with VersionConflict when a (definition, tag version)
	// pair already exists
	InsertTags(ctx context.Context, tenant int16, batch TagBatch) ([]int64, error)

	InsertAttrs(ctx context.Context, tenant int16, batch AttrBatch) error

	ReadObjects(ctx context.Context, tenant int16, objectIDs []uuid.UUID) ([]*ObjectRecord, error)
	ReadDefinitions(ctx context.Context, tenant int16, query VersionQuery) ([]*DefinitionRecord, error)
	ReadTags(ctx context.Context, tenant int16, query VersionQuery) ([]*TagRecord, error)
	ReadAttrs(ctx context.Context, tenant int16, tagKeys []int64) ([]map[string]model.Value, error)
}

// ObjectBatch holds the columns of an object insert
type ObjectBatch struct {
	ObjectTypes []model.ObjectType
	ObjectIDs   []uuid.UUID
	State       model.ObjectState
}

// DefinitionBatch holds the columns of a definition insert
type DefinitionBatch struct {
	ObjectKeys  []int64
	Versions    []int
	Definitions [][]byte
	Timestamp   time.Time
}

// TagBatch holds the columns of a tag insert
type TagBatch struct {
	DefinitionKeys []int64
	TagVersions    []int
	Timestamp      time.Time
}

// AttrBatch holds one row per attribute. TagKeys repeats the owning tag key
// for each attribute of that tag.
type AttrBatch struct {
	TagKeys []int64
	Names   []string
	Values  []model.Value
}

// VersionQuery selects one version per parent key, either an explicit
// version or the highest one present
type VersionQuery struct {
	ParentKeys []int64
	Versions   []int
	Latest     []bool
}

// ObjectRecord is a stored object identity row
type ObjectRecord struct {
	Key        int64
	ObjectID   uuid.UUID
	ObjectType model.ObjectType
	State      model.ObjectState
}

// DefinitionRecord is a stored definition version row
type DefinitionRecord struct {
	Key        int64
	ObjectKey  int64
	Version    int
	Timestamp  time.Time
	Definition []byte
}

// TagRecord is a stored tag version row
type TagRecord struct {
	Key           int64
	DefinitionKey int64
	TagVersion    int
	Timestamp     time.Time
}

// Cache stores encoded values by key
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Len returns the number of rows in an attribute batch
func (b AttrBatch) Len() int {
	return len(b.TagKeys)
}

// Len returns the number of selectors in a query
func (q VersionQuery) Len() int {
	return len(q.ParentKeys)
}
