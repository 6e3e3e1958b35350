package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDatabaseURLEnv = "METASTORE_TEST_DATABASE_URL"

type testBackend interface {
	Backend
	TenantRegistrar
}

// withBackends runs fn against the memory backend and, when a test database
// is configured, against PostgreSQL
func withBackends(t *testing.T, fn func(t *testing.T, backend testBackend, tenant int16)) {
	t.Run("memory", func(t *testing.T) {
		backend, err := NewMemoryMetadataStore(zap.NewNop())
		require.NoError(t, err)
		defer backend.Close()

		fn(t, backend, registerTestTenant(t, backend))
	})

	t.Run("postgres", func(t *testing.T) {
		url := os.Getenv(testDatabaseURLEnv)
		if url == "" || testing.Short() {
			t.Skipf("%s not set", testDatabaseURLEnv)
		}

		ctx := context.Background()
		backend, err := NewPostgresMetadataStore(ctx, PostgresConfig{URL: url, MaxConns: 8}, zap.NewNop())
		require.NoError(t, err)
		defer backend.Close()
		require.NoError(t, backend.ApplySchema(ctx))

		fn(t, backend, registerTestTenant(t, backend))
	})
}

func registerTestTenant(t *testing.T, backend testBackend) int16 {
	ctx := context.Background()
	code := fmt.Sprintf("t%s", uuid.NewString()[:8])
	require.NoError(t, backend.RegisterTenant(ctx, code, "test tenant"))

	tenants, err := backend.LoadTenants(ctx)
	require.NoError(t, err)
	for _, tenant := range tenants {
		if tenant.Code == code {
			return tenant.Key
		}
	}
	t.Fatalf("tenant %s not loaded", code)
	return 0
}

func insertObject(t *testing.T, tx Tx, tenant int16, id uuid.UUID, state model.ObjectState) int64 {
	keys, err := tx.InsertObjects(context.Background(), tenant, ObjectBatch{
		ObjectTypes: []model.ObjectType{model.ObjectTypeData},
		ObjectIDs:   []uuid.UUID{id},
		State:       state,
	})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	return keys[0]
}

func TestRegisterTenantIsIdempotent(t *testing.T) {
	withBackends(t, func(t *testing.T, backend testBackend, tenant int16) {
		ctx := context.Background()
		before, err := backend.LoadTenants(ctx)
		require.NoError(t, err)

		require.NoError(t, backend.RegisterTenant(ctx, before[0].Code, "again"))

		after, err := backend.LoadTenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(before), len(after))
	})
}

func TestWriteAndReadAllLevels(t *testing.T) {
	withBackends(t, func(t *testing.T, backend testBackend, tenant int16) {
		ctx := context.Background()
		ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		id := uuid.New()

		tx, err := backend.Begin(ctx, false)
		require.NoError(t, err)

		objectKey := insertObject(t, tx, tenant, id, model.ObjectStateActive)

		defKeys, err := tx.InsertDefinitions(ctx, tenant, DefinitionBatch{
			ObjectKeys:  []int64{objectKey, objectKey},
			Versions:    []int{1, 2},
			Definitions: [][]byte{[]byte("v1"), []byte("v2")},
			Timestamp:   ts,
		})
		require.NoError(t, err)
		require.Len(t, defKeys, 2)

		tagKeys, err := tx.InsertTags(ctx, tenant, TagBatch{
			DefinitionKeys: []int64{defKeys[0], defKeys[1], defKeys[1]},
			TagVersions:    []int{1, 1, 2},
			Timestamp:      ts,
		})
		require.NoError(t, err)
		require.Len(t, tagKeys, 3)

		require.NoError(t, tx.InsertAttrs(ctx, tenant, AttrBatch{
			TagKeys: []int64{tagKeys[2], tagKeys[2]},
			Names:   []string{"owner", "rows"},
			Values:  []model.Value{model.StringValue("team"), model.IntegerValue(42)},
		}))
		require.NoError(t, tx.Commit(ctx))

		read, err := backend.Begin(ctx, true)
		require.NoError(t, err)
		defer read.Rollback(ctx)

		missing := uuid.New()
		objects, err := read.ReadObjects(ctx, tenant, []uuid.UUID{missing, id})
		require.NoError(t, err)
		assert.Nil(t, objects[0])
		require.NotNil(t, objects[1])
		assert.Equal(t, objectKey, objects[1].Key)
		assert.Equal(t, model.ObjectTypeData, objects[1].ObjectType)
		assert.Equal(t, model.ObjectStateActive, objects[1].State)

		defs, err := read.ReadDefinitions(ctx, tenant, VersionQuery{
			ParentKeys: []int64{objectKey, objectKey, objectKey},
			Versions:   []int{0, 1, 3},
			Latest:     []bool{true, false, false},
		})
		require.NoError(t, err)
		require.NotNil(t, defs[0])
		assert.Equal(t, 2, defs[0].Version)
		assert.Equal(t, []byte("v2"), defs[0].Definition)
		assert.True(t, ts.Equal(defs[0].Timestamp))
		require.NotNil(t, defs[1])
		assert.Equal(t, 1, defs[1].Version)
		assert.Nil(t, defs[2])

		tags, err := read.ReadTags(ctx, tenant, VersionQuery{
			ParentKeys: []int64{defKeys[1], defKeys[0]},
			Versions:   []int{0, 2},
			Latest:     []bool{true, false},
		})
		require.NoError(t, err)
		require.NotNil(t, tags[0])
		assert.Equal(t, 2, tags[0].TagVersion)
		assert.Equal(t, tagKeys[2], tags[0].Key)
		assert.Nil(t, tags[1])

		attrs, err := read.ReadAttrs(ctx, tenant, []int64{tagKeys[2], tagKeys[0]})
		require.NoError(t, err)
		assert.Len(t, attrs[0], 2)
		assert.True(t, model.IntegerValue(42).Equal(attrs[0]["rows"]))
		assert.Empty(t, attrs[1])
	})
}

func TestDuplicateObjectAndVersionConflict(t *testing.T) {
	withBackends(t, func(t *testing.T, backend testBackend, tenant int16) {
		ctx := context.Background()
		id := uuid.New()

		tx, err := backend.Begin(ctx, false)
		require.NoError(t, err)
		objectKey := insertObject(t, tx, tenant, id, model.ObjectStateActive)
		_, err = tx.InsertDefinitions(ctx, tenant, DefinitionBatch{
			ObjectKeys: []int64{objectKey}, Versions: []int{1}, Definitions: [][]byte{{1}}, Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))

		tx, err = backend.Begin(ctx, false)
		require.NoError(t, err)
		_, err = tx.InsertObjects(ctx, tenant, ObjectBatch{
			ObjectTypes: []model.ObjectType{model.ObjectTypeData},
			ObjectIDs:   []uuid.UUID{id},
			State:       model.ObjectStateActive,
		})
		assert.True(t, errors.IsCode(err, errors.ErrCodeDuplicateObject), "got %v", err)
		require.NoError(t, tx.Rollback(ctx))

		tx, err = backend.Begin(ctx, false)
		require.NoError(t, err)
		_, err = tx.InsertDefinitions(ctx, tenant, DefinitionBatch{
			ObjectKeys: []int64{objectKey}, Versions: []int{1}, Definitions: [][]byte{{2}}, Timestamp: time.Now().UTC(),
		})
		assert.True(t, errors.IsCode(err, errors.ErrCodeVersionConflict), "got %v", err)
		require.NoError(t, tx.Rollback(ctx))
	})
}

func TestActivateObjects(t *testing.T) {
	withBackends(t, func(t *testing.T, backend testBackend, tenant int16) {
		ctx := context.Background()

		tx, err := backend.Begin(ctx, false)
		require.NoError(t, err)
		key := insertObject(t, tx, tenant, uuid.New(), model.ObjectStatePreallocated)
		require.NoError(t, tx.Commit(ctx))

		tx, err = backend.Begin(ctx, false)
		require.NoError(t, err)
		require.NoError(t, tx.ActivateObjects(ctx, tenant, []int64{key}))
		require.NoError(t, tx.Commit(ctx))

		tx, err = backend.Begin(ctx, false)
		require.NoError(t, err)
		err = tx.ActivateObjects(ctx, tenant, []int64{key})
		assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyMaterialized), "got %v", err)
		require.NoError(t, tx.Rollback(ctx))
	})
}

func TestRollbackDiscardsWrites(t *testing.T) {
	withBackends(t, func(t *testing.T, backend testBackend, tenant int16) {
		ctx := context.Background()
		id := uuid.New()

		tx, err := backend.Begin(ctx, false)
		require.NoError(t, err)
		insertObject(t, tx, tenant, id, model.ObjectStateActive)
		require.NoError(t, tx.Rollback(ctx))

		read, err := backend.Begin(ctx, true)
		require.NoError(t, err)
		defer read.Rollback(ctx)

		objects, err := read.ReadObjects(ctx, tenant, []uuid.UUID{id})
		require.NoError(t, err)
		assert.Nil(t, objects[0])
	})
}

func TestTenantIsolation(t *testing.T) {
	withBackends(t, func(t *testing.T, backend testBackend, tenant int16) {
		ctx := context.Background()
		other := registerTestTenant(t, backend)
		id := uuid.New()

		tx, err := backend.Begin(ctx, false)
		require.NoError(t, err)
		insertObject(t, tx, tenant, id, model.ObjectStateActive)
		// the same id is independent in another tenant
		insertObject(t, tx, other, id, model.ObjectStatePreallocated)
		require.NoError(t, tx.Commit(ctx))

		read, err := backend.Begin(ctx, true)
		require.NoError(t, err)
		defer read.Rollback(ctx)

		mine, err := read.ReadObjects(ctx, tenant, []uuid.UUID{id})
		require.NoError(t, err)
		theirs, err := read.ReadObjects(ctx, other, []uuid.UUID{id})
		require.NoError(t, err)

		assert.Equal(t, model.ObjectStateActive, mine[0].State)
		assert.Equal(t, model.ObjectStatePreallocated, theirs[0].State)
		assert.NotEqual(t, mine[0].Key, theirs[0].Key)
	})
}

func TestMemoryStoreReadOnlyAndClosed(t *testing.T) {
	ctx := context.Background()
	backend, err := NewMemoryMetadataStore(nil)
	require.NoError(t, err)

	tx, err := backend.Begin(ctx, true)
	require.NoError(t, err)
	_, err = tx.InsertObjects(ctx, 1, ObjectBatch{
		ObjectTypes: []model.ObjectType{model.ObjectTypeData},
		ObjectIDs:   []uuid.UUID{uuid.New()},
		State:       model.ObjectStateActive,
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInternal))
	require.NoError(t, tx.Rollback(ctx))

	backend.Close()
	assert.True(t, errors.IsCode(backend.Ping(ctx), errors.ErrCodeUnavailable))
	_, err = backend.Begin(ctx, false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnavailable))
}

func TestMemoryStoreCommitAfterCancel(t *testing.T) {
	backend, err := NewMemoryMetadataStore(nil)
	require.NoError(t, err)
	tenant := registerTestTenant(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	tx, err := backend.Begin(ctx, false)
	require.NoError(t, err)
	id := uuid.New()
	insertObject(t, tx, tenant, id, model.ObjectStateActive)

	cancel()
	err = tx.Commit(ctx)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTimeout))

	read, err := backend.Begin(context.Background(), true)
	require.NoError(t, err)
	defer read.Rollback(context.Background())

	objects, err := read.ReadObjects(context.Background(), tenant, []uuid.UUID{id})
	require.NoError(t, err)
	assert.Nil(t, objects[0])
}

func TestMemoryStoreWriterWaitHonoursContext(t *testing.T) {
	backend, err := NewMemoryMetadataStore(nil)
	require.NoError(t, err)
	tenant := registerTestTenant(t, backend)

	held, err := backend.Begin(context.Background(), false)
	require.NoError(t, err)
	insertObject(t, held, tenant, uuid.New(), model.ObjectStateActive)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = backend.Begin(ctx, false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)

	err = backend.RegisterTenant(ctx, "blocked", "waits for the writer")
	assert.True(t, errors.IsCode(err, errors.ErrCodeTimeout), "got %v", err)

	// readers are never queued behind a writer
	read, err := backend.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, read.Rollback(context.Background()))

	require.NoError(t, held.Commit(context.Background()))

	next, err := backend.Begin(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, next.Rollback(context.Background()))
	// a second rollback must not release the slot twice
	require.NoError(t, next.Rollback(context.Background()))

	again, err := backend.Begin(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, again.Commit(context.Background()))
}
