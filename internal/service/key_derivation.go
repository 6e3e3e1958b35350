package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/model"
	"github.com/devrev/metastore/internal/store"
	"github.com/google/uuid"
)

// Keys flow down the hierarchy one stage at a time:
//
//	object id -> object key -> definition key -> tag key -> attributes
//
// Every stage takes the keys produced by the stage above, aligned with the
// batch, and produces the keys for the stage below.

// checkParentKeys guards against deriving child rows from keys that do not
// exist. Failures here are invariant violations, not caller errors.
func checkParentKeys(stage string, keys []int64, expected int) error {
	if len(keys) != expected {
		return errors.InternalError(
			fmt.Sprintf("%s: got %d parent keys for %d items", stage, len(keys), expected), nil)
	}
	for i, key := range keys {
		if key <= 0 {
			return errors.InternalError(
				fmt.Sprintf("%s: invalid parent key %d at position %d", stage, key, i), nil)
		}
	}
	return nil
}

func writeObjects(ctx context.Context, tx store.Tx, tenant int16, parts *objectParts, state model.ObjectState) ([]int64, error) {
	keys, err := tx.InsertObjects(ctx, tenant, store.ObjectBatch{
		ObjectTypes: parts.objectTypes,
		ObjectIDs:   parts.objectIDs,
		State:       state,
	})
	if err != nil {
		return nil, err
	}
	if err := checkParentKeys("write objects", keys, parts.len()); err != nil {
		return nil, err
	}
	return keys, nil
}

func writeDefinitions(ctx context.Context, tx store.Tx, tenant int16, objectKeys []int64, parts *objectParts, ts time.Time) ([]int64, error) {
	if err := checkParentKeys("write definitions", objectKeys, parts.len()); err != nil {
		return nil, err
	}
	if len(parts.definitions) != parts.len() {
		return nil, errors.InternalError("write definitions: batch has no encoded definitions", nil)
	}

	keys, err := tx.InsertDefinitions(ctx, tenant, store.DefinitionBatch{
		ObjectKeys:  objectKeys,
		Versions:    parts.versions,
		Definitions: parts.definitions,
		Timestamp:   ts,
	})
	if err != nil {
		return nil, err
	}
	if err := checkParentKeys("write tags", keys, parts.len()); err != nil {
		return nil, err
	}
	return keys, nil
}

func writeTags(ctx context.Context, tx store.Tx, tenant int16, definitionKeys []int64, parts *objectParts, ts time.Time) ([]int64, error) {
	if err := checkParentKeys("write tags", definitionKeys, parts.len()); err != nil {
		return nil, err
	}

	keys, err := tx.InsertTags(ctx, tenant, store.TagBatch{
		DefinitionKeys: definitionKeys,
		TagVersions:    parts.tagVersions,
		Timestamp:      ts,
	})
	if err != nil {
		return nil, err
	}
	if err := checkParentKeys("write attrs", keys, parts.len()); err != nil {
		return nil, err
	}
	return keys, nil
}

// writeAttrs flattens the attribute maps into one row per attribute. Rows
// are emitted in name order so that repeated writes produce identical batches.
func writeAttrs(ctx context.Context, tx store.Tx, tenant int16, tagKeys []int64, parts *objectParts) error {
	if err := checkParentKeys("write attrs", tagKeys, parts.len()); err != nil {
		return err
	}

	var batch store.AttrBatch
	for i, attrs := range parts.attrs {
		names := make([]string, 0, len(attrs))
		for name := range attrs {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			batch.TagKeys = append(batch.TagKeys, tagKeys[i])
			batch.Names = append(batch.Names, name)
			batch.Values = append(batch.Values, attrs[name])
		}
	}

	if batch.Len() == 0 {
		return nil
	}
	return tx.InsertAttrs(ctx, tenant, batch)
}

// writeVersionLevels writes definition, tag and attribute rows for objects
// whose keys are already known
func writeVersionLevels(ctx context.Context, tx store.Tx, tenant int16, objectKeys []int64, parts *objectParts, ts time.Time) error {
	definitionKeys, err := writeDefinitions(ctx, tx, tenant, objectKeys, parts, ts)
	if err != nil {
		return err
	}
	return writeTagLevels(ctx, tx, tenant, definitionKeys, parts, ts)
}

// writeTagLevels writes tag and attribute rows under known definitions
func writeTagLevels(ctx context.Context, tx store.Tx, tenant int16, definitionKeys []int64, parts *objectParts, ts time.Time) error {
	tagKeys, err := writeTags(ctx, tx, tenant, definitionKeys, parts, ts)
	if err != nil {
		return err
	}
	return writeAttrs(ctx, tx, tenant, tagKeys, parts)
}

func resolveObjects(ctx context.Context, tx store.Tx, tenant int16, ids []uuid.UUID) ([]*store.ObjectRecord, error) {
	records, err := tx.ReadObjects(ctx, tenant, ids)
	if err != nil {
		return nil, err
	}
	if len(records) != len(ids) {
		return nil, errors.InternalError(
			fmt.Sprintf("resolve objects: got %d rows for %d ids", len(records), len(ids)), nil)
	}
	return records, nil
}

func objectKeys(objects []*store.ObjectRecord) []int64 {
	keys := make([]int64, len(objects))
	for i, object := range objects {
		keys[i] = object.Key
	}
	return keys
}

func resolveDefinitions(ctx context.Context, tx store.Tx, tenant int16, objectKeys []int64, versions []int, latest []bool) ([]*store.DefinitionRecord, error) {
	if err := checkParentKeys("resolve definitions", objectKeys, len(versions)); err != nil {
		return nil, err
	}

	records, err := tx.ReadDefinitions(ctx, tenant, store.VersionQuery{
		ParentKeys: objectKeys,
		Versions:   versions,
		Latest:     latest,
	})
	if err != nil {
		return nil, err
	}
	if len(records) != len(objectKeys) {
		return nil, errors.InternalError(
			fmt.Sprintf("resolve definitions: got %d rows for %d keys", len(records), len(objectKeys)), nil)
	}
	return records, nil
}

func definitionKeys(definitions []*store.DefinitionRecord) []int64 {
	keys := make([]int64, len(definitions))
	for i, definition := range definitions {
		keys[i] = definition.Key
	}
	return keys
}

func resolveTags(ctx context.Context, tx store.Tx, tenant int16, definitionKeys []int64, tagVersions []int, latest []bool) ([]*store.TagRecord, error) {
	if err := checkParentKeys("resolve tags", definitionKeys, len(tagVersions)); err != nil {
		return nil, err
	}

	records, err := tx.ReadTags(ctx, tenant, store.VersionQuery{
		ParentKeys: definitionKeys,
		Versions:   tagVersions,
		Latest:     latest,
	})
	if err != nil {
		return nil, err
	}
	if len(records) != len(definitionKeys) {
		return nil, errors.InternalError(
			fmt.Sprintf("resolve tags: got %d rows for %d keys", len(records), len(definitionKeys)), nil)
	}
	return records, nil
}

func readAttrs(ctx context.Context, tx store.Tx, tenant int16, tags []*store.TagRecord) ([]map[string]model.Value, error) {
	keys := make([]int64, len(tags))
	for i, tag := range tags {
		keys[i] = tag.Key
	}
	if err := checkParentKeys("read attrs", keys, len(tags)); err != nil {
		return nil, err
	}

	attrs, err := tx.ReadAttrs(ctx, tenant, keys)
	if err != nil {
		return nil, err
	}
	if len(attrs) != len(keys) {
		return nil, errors.InternalError(
			fmt.Sprintf("read attrs: got %d rows for %d keys", len(attrs), len(keys)), nil)
	}
	return attrs, nil
}

// latestFlags returns n copies of value
func latestFlags(n int, value bool) []bool {
	flags := make([]bool, n)
	for i := range flags {
		flags[i] = value
	}
	return flags
}
