package store

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// PostgreSQL error codes handled explicitly
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// PostgresConfig holds connection settings for the PostgreSQL backend
type PostgresConfig struct {
	URL             string
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
}

// PostgresMetadataStore implements Backend for PostgreSQL
type PostgresMetadataStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresMetadataStore creates a connection pool and verifies it with a ping
func NewPostgresMetadataStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresMetadataStore, error) {
	connString := cfg.URL
	if connString == "" {
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		connString = fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, sslMode,
		)
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &PostgresMetadataStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// ApplySchema creates the metadata tables if they do not exist
func (s *PostgresMetadataStore) ApplySchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("Database schema applied")
	return nil
}

// LoadTenants reads the complete tenant table
func (s *PostgresMetadataStore) LoadTenants(ctx context.Context) ([]model.Tenant, error) {
	query := `
		SELECT tenant_id, tenant_code, COALESCE(description, '')
		FROM tenant
		ORDER BY tenant_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, mapPostgresError("load tenants", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		var tenant model.Tenant
		if err := rows.Scan(&tenant.Key, &tenant.Code, &tenant.Description); err != nil {
			return nil, mapPostgresError("scan tenant", err)
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError("load tenants", err)
	}

	return tenants, nil
}

// RegisterTenant creates a tenant row unless the code already exists
func (s *PostgresMetadataStore) RegisterTenant(ctx context.Context, code, description string) error {
	query := `
		INSERT INTO tenant (tenant_code, description)
		VALUES ($1, $2)
		ON CONFLICT (tenant_code) DO NOTHING
	`

	result, err := s.pool.Exec(ctx, query, code, description)
	if err != nil {
		return mapPostgresError("register tenant", err)
	}
	if result.RowsAffected() > 0 {
		s.logger.Info("Tenant registered", zap.String("tenant", code))
	}
	return nil
}

// Begin opens a transaction. Read-only transactions use a repeatable read
// snapshot so that all levels of a multi-level read agree. Read-write
// transactions use read committed and rely on unique constraints to detect
// conflicting writers; reads issued through them see no fixed snapshot.
func (s *PostgresMetadataStore) Begin(ctx context.Context, readOnly bool) (Tx, error) {
	opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}
	if readOnly {
		opts = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	}

	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, mapPostgresError("begin transaction", err)
	}

	return &postgresTx{tx: tx, readOnly: readOnly}, nil
}

// Ping checks database connectivity
func (s *PostgresMetadataStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresMetadataStore) Close() {
	s.pool.Close()
}

// Stats exposes pool statistics for metrics
func (s *PostgresMetadataStore) Stats() *pgxpool.Stat {
	return s.pool.Stat()
}

type postgresTx struct {
	tx       pgx.Tx
	readOnly bool
}

func (t *postgresTx) ReadOnly() bool {
	return t.readOnly
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return mapPostgresError("commit", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !stderrors.Is(err, pgx.ErrTxClosed) {
		return mapPostgresError("rollback", err)
	}
	return nil
}

func (t *postgresTx) InsertObjects(ctx context.Context, tenant int16, batch ObjectBatch) ([]int64, error) {
	query := `
		INSERT INTO object_id (tenant_id, object_type, object_id, object_state)
		SELECT $1, o.object_type, o.object_id::uuid, $4
		FROM unnest($2::text[], $3::text[]) AS o(object_type, object_id)
		RETURNING object_pk, object_id::text
	`

	types := make([]string, len(batch.ObjectTypes))
	for i, objectType := range batch.ObjectTypes {
		types[i] = string(objectType)
	}

	rows, err := t.tx.Query(ctx, query, tenant, types, uuidStrings(batch.ObjectIDs), string(batch.State))
	if err != nil {
		return nil, mapPostgresError("insert objects", err)
	}
	defer rows.Close()

	keysByID := make(map[uuid.UUID]int64, len(batch.ObjectIDs))
	for rows.Next() {
		var key int64
		var rawID string
		if err := rows.Scan(&key, &rawID); err != nil {
			return nil, mapPostgresError("insert objects", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, errors.InternalError("invalid object id returned by insert", err)
		}
		keysByID[id] = key
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError("insert objects", err)
	}

	keys := make([]int64, len(batch.ObjectIDs))
	for i, id := range batch.ObjectIDs {
		key, ok := keysByID[id]
		if !ok {
			return nil, errors.InternalError(fmt.Sprintf("insert did not return a key for object %s", id), nil)
		}
		keys[i] = key
	}
	return keys, nil
}

func (t *postgresTx) ActivateObjects(ctx context.Context, tenant int16, objectKeys []int64) error {
	query := `
		UPDATE object_id
		SET object_state = $3
		WHERE tenant_id = $1
		  AND object_pk = ANY($2::bigint[])
		  AND object_state = $4
	`

	result, err := t.tx.Exec(ctx, query, tenant, objectKeys,
		string(model.ObjectStateActive), string(model.ObjectStatePreallocated))
	if err != nil {
		return mapPostgresError("activate objects", err)
	}
	if int(result.RowsAffected()) != len(objectKeys) {
		return errors.NewMetadataError(errors.ErrCodeAlreadyMaterialized,
			fmt.Sprintf("%d of %d preallocated objects were already materialized",
				len(objectKeys)-int(result.RowsAffected()), len(objectKeys)), nil)
	}
	return nil
}

func (t *postgresTx) InsertDefinitions(ctx context.Context, tenant int16, batch DefinitionBatch) ([]int64, error) {
	query := `
		INSERT INTO object_definition (tenant_id, object_fk, object_version, object_timestamp, definition)
		SELECT $1, d.object_fk, d.object_version, $5, d.definition
		FROM unnest($2::bigint[], $3::int[], $4::bytea[]) AS d(object_fk, object_version, definition)
		RETURNING definition_pk, object_fk, object_version
	`

	rows, err := t.tx.Query(ctx, query, tenant, batch.ObjectKeys, int32s(batch.Versions), batch.Definitions, batch.Timestamp)
	if err != nil {
		return nil, mapPostgresError("insert definitions", err)
	}

	return collectVersionKeys(rows, "insert definitions", batch.ObjectKeys, batch.Versions)
}

func (t *postgresTx) InsertTags(ctx context.Context, tenant int16, batch TagBatch) ([]int64, error) {
	query := `
		INSERT INTO tag (tenant_id, definition_fk, tag_version, tag_timestamp)
		SELECT $1, t.definition_fk, t.tag_version, $4
		FROM unnest($2::bigint[], $3::int[]) AS t(definition_fk, tag_version)
		RETURNING tag_pk, definition_fk, tag_version
	`

	rows, err := t.tx.Query(ctx, query, tenant, batch.DefinitionKeys, int32s(batch.TagVersions), batch.Timestamp)
	if err != nil {
		return nil, mapPostgresError("insert tags", err)
	}

	return collectVersionKeys(rows, "insert tags", batch.DefinitionKeys, batch.TagVersions)
}

func (t *postgresTx) InsertAttrs(ctx context.Context, tenant int16, batch AttrBatch) error {
	if batch.Len() == 0 {
		return nil
	}

	query := `
		INSERT INTO tag_attr (
			tenant_id, tag_fk, attr_name, attr_value_type,
			attr_value_boolean, attr_value_integer, attr_value_float,
			attr_value_string, attr_value_date, attr_value_datetime)
		SELECT $1, a.tag_fk, a.attr_name, a.attr_value_type,
			a.attr_value_boolean, a.attr_value_integer, a.attr_value_float,
			a.attr_value_string, a.attr_value_date, a.attr_value_datetime
		FROM unnest(
			$2::bigint[], $3::text[], $4::text[],
			$5::boolean[], $6::bigint[], $7::float8[],
			$8::text[], $9::date[], $10::timestamptz[]
		) AS a(tag_fk, attr_name, attr_value_type,
			attr_value_boolean, attr_value_integer, attr_value_float,
			attr_value_string, attr_value_date, attr_value_datetime)
	`

	n := batch.Len()
	types := make([]string, n)
	booleans := make([]*bool, n)
	integers := make([]*int64, n)
	floats := make([]*float64, n)
	strs := make([]*string, n)
	dates := make([]*time.Time, n)
	datetimes := make([]*time.Time, n)

	for i, value := range batch.Values {
		types[i] = string(value.Type)
		switch value.Type {
		case model.BasicTypeBoolean:
			booleans[i] = &value.Boolean
		case model.BasicTypeInteger:
			integers[i] = &value.Integer
		case model.BasicTypeFloat:
			floats[i] = &value.Float
		case model.BasicTypeString:
			strs[i] = &value.String
		case model.BasicTypeDate:
			dates[i] = &value.Time
		case model.BasicTypeDateTime:
			datetimes[i] = &value.Time
		default:
			return errors.InternalError(fmt.Sprintf("unsupported attribute type %q", value.Type), nil)
		}
	}

	_, err := t.tx.Exec(ctx, query, tenant, batch.TagKeys, batch.Names, types,
		booleans, integers, floats, strs, dates, datetimes)
	if err != nil {
		return mapPostgresError("insert attrs", err)
	}
	return nil
}

func (t *postgresTx) ReadObjects(ctx context.Context, tenant int16, objectIDs []uuid.UUID) ([]*ObjectRecord, error) {
	query := `
		SELECT sel.ordinality, o.object_pk, o.object_id::text, o.object_type, o.object_state
		FROM unnest($2::text[]) WITH ORDINALITY AS sel(object_id, ordinality)
		JOIN object_id o
		  ON o.tenant_id = $1
		 AND o.object_id = sel.object_id::uuid
	`

	rows, err := t.tx.Query(ctx, query, tenant, uuidStrings(objectIDs))
	if err != nil {
		return nil, mapPostgresError("read objects", err)
	}
	defer rows.Close()

	records := make([]*ObjectRecord, len(objectIDs))
	for rows.Next() {
		var ordinality int64
		var rawID, objectType, state string
		record := &ObjectRecord{}
		if err := rows.Scan(&ordinality, &record.Key, &rawID, &objectType, &state); err != nil {
			return nil, mapPostgresError("read objects", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, errors.InternalError("invalid object id in store", err)
		}
		record.ObjectID = id
		record.ObjectType = model.ObjectType(objectType)
		record.State = model.ObjectState(state)

		if err := placeRecord(records, ordinality, record); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError("read objects", err)
	}

	return records, nil
}

func (t *postgresTx) ReadDefinitions(ctx context.Context, tenant int16, q VersionQuery) ([]*DefinitionRecord, error) {
	query := `
		SELECT sel.ordinality, d.definition_pk, d.object_fk, d.object_version, d.object_timestamp, d.definition
		FROM unnest($2::bigint[], $3::int[], $4::boolean[])
		     WITH ORDINALITY AS sel(object_fk, object_version, latest, ordinality)
		JOIN LATERAL (
			SELECT od.definition_pk, od.object_fk, od.object_version, od.object_timestamp, od.definition
			FROM object_definition od
			WHERE od.tenant_id = $1
			  AND od.object_fk = sel.object_fk
			  AND (sel.latest OR od.object_version = sel.object_version)
			ORDER BY od.object_version DESC
			LIMIT 1
		) d ON true
	`

	rows, err := t.tx.Query(ctx, query, tenant, q.ParentKeys, int32s(q.Versions), q.Latest)
	if err != nil {
		return nil, mapPostgresError("read definitions", err)
	}
	defer rows.Close()

	records := make([]*DefinitionRecord, q.Len())
	for rows.Next() {
		var ordinality int64
		var version int32
		record := &DefinitionRecord{}
		if err := rows.Scan(&ordinality, &record.Key, &record.ObjectKey, &version, &record.Timestamp, &record.Definition); err != nil {
			return nil, mapPostgresError("read definitions", err)
		}
		record.Version = int(version)
		record.Timestamp = record.Timestamp.UTC()

		if err := placeRecord(records, ordinality, record); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError("read definitions", err)
	}

	return records, nil
}

func (t *postgresTx) ReadTags(ctx context.Context, tenant int16, q VersionQuery) ([]*TagRecord, error) {
	query := `
		SELECT sel.ordinality, tg.tag_pk, tg.definition_fk, tg.tag_version, tg.tag_timestamp
		FROM unnest($2::bigint[], $3::int[], $4::boolean[])
		     WITH ORDINALITY AS sel(definition_fk, tag_version, latest, ordinality)
		JOIN LATERAL (
			SELECT t.tag_pk, t.definition_fk, t.tag_version, t.tag_timestamp
			FROM tag t
			WHERE t.tenant_id = $1
			  AND t.definition_fk = sel.definition_fk
			  AND (sel.latest OR t.tag_version = sel.tag_version)
			ORDER BY t.tag_version DESC
			LIMIT 1
		) tg ON true
	`

	rows, err := t.tx.Query(ctx, query, tenant, q.ParentKeys, int32s(q.Versions), q.Latest)
	if err != nil {
		return nil, mapPostgresError("read tags", err)
	}
	defer rows.Close()

	records := make([]*TagRecord, q.Len())
	for rows.Next() {
		var ordinality int64
		var tagVersion int32
		record := &TagRecord{}
		if err := rows.Scan(&ordinality, &record.Key, &record.DefinitionKey, &tagVersion, &record.Timestamp); err != nil {
			return nil, mapPostgresError("read tags", err)
		}
		record.TagVersion = int(tagVersion)
		record.Timestamp = record.Timestamp.UTC()

		if err := placeRecord(records, ordinality, record); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError("read tags", err)
	}

	return records, nil
}

func (t *postgresTx) ReadAttrs(ctx context.Context, tenant int16, tagKeys []int64) ([]map[string]model.Value, error) {
	query := `
		SELECT sel.ordinality, a.attr_name, a.attr_value_type,
		       a.attr_value_boolean, a.attr_value_integer, a.attr_value_float,
		       a.attr_value_string, a.attr_value_date, a.attr_value_datetime
		FROM unnest($2::bigint[]) WITH ORDINALITY AS sel(tag_fk, ordinality)
		JOIN tag_attr a
		  ON a.tenant_id = $1
		 AND a.tag_fk = sel.tag_fk
	`

	rows, err := t.tx.Query(ctx, query, tenant, tagKeys)
	if err != nil {
		return nil, mapPostgresError("read attrs", err)
	}
	defer rows.Close()

	attrs := make([]map[string]model.Value, len(tagKeys))
	for i := range attrs {
		attrs[i] = make(map[string]model.Value)
	}

	for rows.Next() {
		var (
			ordinality int64
			name       string
			valueType  string
			boolean    *bool
			integer    *int64
			float      *float64
			str        *string
			date       *time.Time
			datetime   *time.Time
		)
		if err := rows.Scan(&ordinality, &name, &valueType, &boolean, &integer, &float, &str, &date, &datetime); err != nil {
			return nil, mapPostgresError("read attrs", err)
		}
		if ordinality < 1 || int(ordinality) > len(attrs) {
			return nil, errors.InternalError(fmt.Sprintf("attribute row has ordinality %d outside batch", ordinality), nil)
		}

		value, err := attrValue(model.BasicType(valueType), boolean, integer, float, str, date, datetime)
		if err != nil {
			return nil, errors.InternalError(fmt.Sprintf("invalid stored attribute %q", name), err)
		}
		attrs[ordinality-1][name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError("read attrs", err)
	}

	return attrs, nil
}

func attrValue(
	valueType model.BasicType,
	boolean *bool,
	integer *int64,
	float *float64,
	str *string,
	date, datetime *time.Time,
) (model.Value, error) {
	switch {
	case valueType == model.BasicTypeBoolean && boolean != nil:
		return model.BooleanValue(*boolean), nil
	case valueType == model.BasicTypeInteger && integer != nil:
		return model.IntegerValue(*integer), nil
	case valueType == model.BasicTypeFloat && float != nil:
		return model.FloatValue(*float), nil
	case valueType == model.BasicTypeString && str != nil:
		return model.StringValue(*str), nil
	case valueType == model.BasicTypeDate && date != nil:
		return model.DateValue(*date), nil
	case valueType == model.BasicTypeDateTime && datetime != nil:
		return model.DateTimeValue(*datetime), nil
	default:
		return model.Value{}, fmt.Errorf("no value stored for type %s", valueType)
	}
}

// collectVersionKeys maps RETURNING rows back onto the input order by their
// (parent key, version) natural key
func collectVersionKeys(rows pgx.Rows, op string, parentKeys []int64, versions []int) ([]int64, error) {
	defer rows.Close()

	type naturalKey struct {
		parent  int64
		version int
	}

	returned := make(map[naturalKey]int64, len(parentKeys))
	for rows.Next() {
		var key, parent int64
		var version int32
		if err := rows.Scan(&key, &parent, &version); err != nil {
			return nil, mapPostgresError(op, err)
		}
		returned[naturalKey{parent, int(version)}] = key
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(op, err)
	}

	keys := make([]int64, len(parentKeys))
	for i := range parentKeys {
		key, ok := returned[naturalKey{parentKeys[i], versions[i]}]
		if !ok {
			return nil, errors.InternalError(
				fmt.Sprintf("%s: no key returned for parent %d version %d", op, parentKeys[i], versions[i]), nil)
		}
		keys[i] = key
	}
	return keys, nil
}

func placeRecord[T any](records []*T, ordinality int64, record *T) error {
	if ordinality < 1 || int(ordinality) > len(records) {
		return errors.InternalError(fmt.Sprintf("row has ordinality %d outside batch of %d", ordinality, len(records)), nil)
	}
	if records[ordinality-1] != nil {
		return errors.InternalError(fmt.Sprintf("more than one row for ordinality %d", ordinality), nil)
	}
	records[ordinality-1] = record
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func int32s(values []int) []int32 {
	out := make([]int32, len(values))
	for i, v := range values {
		out[i] = int32(v)
	}
	return out
}

// mapPostgresError translates driver errors into the metadata error taxonomy
func mapPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.IsMetadataError(err) {
		return err
	}

	message := fmt.Sprintf("%s failed", op)

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Timeout(message, err)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			switch pgErr.ConstraintName {
			case "object_id_unq":
				return errors.DuplicateObject("object id already exists", err)
			case "object_definition_unq", "tag_unq":
				return errors.VersionConflict("version was written concurrently or already exists", err)
			default:
				return errors.InternalError(message+": unexpected unique violation", err).
					WithDetail("constraint", pgErr.ConstraintName)
			}
		case pgForeignKeyViolation:
			return errors.InternalError(message+": missing parent row", err).
				WithDetail("constraint", pgErr.ConstraintName)
		case pgSerializationFailure, pgDeadlockDetected:
			return errors.VersionConflict(message+": concurrent update", err)
		}
		return errors.Unavailable(message, err)
	}

	if pgconn.Timeout(err) {
		return errors.Timeout(message, err)
	}

	return errors.Unavailable(message, err)
}
