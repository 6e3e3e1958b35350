package service

import (
	"context"
	"fmt"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/model"
	"github.com/devrev/metastore/internal/store"
	"github.com/google/uuid"
)

const (
	opSaveNewObjects          = "save_new_objects"
	opSaveNewVersions         = "save_new_versions"
	opSaveNewTags             = "save_new_tags"
	opPreallocateObjectIDs    = "preallocate_object_ids"
	opSavePreallocatedObjects = "save_preallocated_objects"
)

// SaveNewObjects creates objects together with their first definition
// version, first tag version and attributes. Every tag must carry version 1
// and tag version 1. The batch is written atomically.
func (s *MetadataService) SaveNewObjects(ctx context.Context, tenant string, tags []*model.Tag) error {
	return s.observe(opSaveNewObjects, tenant, len(tags), func() error {
		tenantKey, err := s.prepareBatch(tenant, len(tags))
		if err != nil {
			return err
		}

		ids := make([]uuid.UUID, len(tags))
		for i, tag := range tags {
			if err := s.validator.ValidateNewObject(tag); err != nil {
				return err
			}
			ids[i] = tag.Header.ObjectID
		}
		if err := s.validator.ValidateObjectIDs(ids); err != nil {
			return err
		}
		if len(tags) == 0 {
			return nil
		}

		parts, err := separateParts(tags, true)
		if err != nil {
			return err
		}
		ts := s.now()

		return s.withTx(ctx, false, func(ctx context.Context, tx store.Tx) error {
			keys, err := writeObjects(ctx, tx, tenantKey, parts, model.ObjectStateActive)
			if err != nil {
				return err
			}
			return writeVersionLevels(ctx, tx, tenantKey, keys, parts, ts)
		})
	})
}

// SaveNewObject creates a single object
func (s *MetadataService) SaveNewObject(ctx context.Context, tenant string, tag *model.Tag) error {
	return s.SaveNewObjects(ctx, tenant, []*model.Tag{tag})
}

// SaveNewVersions adds the next definition version to existing objects. Each
// tag's version must be exactly one above the current highest version and
// its tag version must be 1.
func (s *MetadataService) SaveNewVersions(ctx context.Context, tenant string, tags []*model.Tag) error {
	return s.observe(opSaveNewVersions, tenant, len(tags), func() error {
		tenantKey, err := s.prepareBatch(tenant, len(tags))
		if err != nil {
			return err
		}
		for _, tag := range tags {
			if err := s.validator.ValidateNewVersion(tag); err != nil {
				return err
			}
		}
		if len(tags) == 0 {
			return nil
		}

		parts, err := separateParts(tags, true)
		if err != nil {
			return err
		}
		if err := checkUniqueObjects(parts); err != nil {
			return err
		}
		ts := s.now()

		return s.withTx(ctx, false, func(ctx context.Context, tx store.Tx) error {
			objects, err := s.requireActiveObjects(ctx, tx, tenantKey, parts)
			if err != nil {
				return err
			}
			keys := objectKeys(objects)

			current, err := resolveDefinitions(ctx, tx, tenantKey, keys, parts.versions, latestFlags(parts.len(), true))
			if err != nil {
				return err
			}
			for i, definition := range current {
				currentMax := 0
				if definition != nil {
					currentMax = definition.Version
				}
				if parts.versions[i] != currentMax+1 {
					return errors.VersionConflict(
						fmt.Sprintf("object %s is at version %d, cannot write version %d",
							parts.objectIDs[i], currentMax, parts.versions[i]), nil).
						WithDetail("object_id", parts.objectIDs[i].String()).
						WithDetail("current_version", currentMax)
				}
			}

			return writeVersionLevels(ctx, tx, tenantKey, keys, parts, ts)
		})
	})
}

// SaveNewVersion adds one definition version
func (s *MetadataService) SaveNewVersion(ctx context.Context, tenant string, tag *model.Tag) error {
	return s.SaveNewVersions(ctx, tenant, []*model.Tag{tag})
}

// SaveNewTags adds the next tag version to existing definition versions. The
// definition carried by the incoming tags is ignored; only the header and
// attributes are written.
func (s *MetadataService) SaveNewTags(ctx context.Context, tenant string, tags []*model.Tag) error {
	return s.observe(opSaveNewTags, tenant, len(tags), func() error {
		tenantKey, err := s.prepareBatch(tenant, len(tags))
		if err != nil {
			return err
		}
		for _, tag := range tags {
			if err := s.validator.ValidateNewTag(tag); err != nil {
				return err
			}
		}
		if len(tags) == 0 {
			return nil
		}

		parts, err := separateParts(tags, false)
		if err != nil {
			return err
		}
		if err := checkUniqueVersions(parts); err != nil {
			return err
		}
		ts := s.now()

		return s.withTx(ctx, false, func(ctx context.Context, tx store.Tx) error {
			objects, err := s.requireActiveObjects(ctx, tx, tenantKey, parts)
			if err != nil {
				return err
			}

			definitions, err := resolveDefinitions(ctx, tx, tenantKey, objectKeys(objects), parts.versions,
				latestFlags(parts.len(), false))
			if err != nil {
				return err
			}
			for i, definition := range definitions {
				if definition == nil {
					return errors.NotFound(fmt.Sprintf("object %s has no version %d",
						parts.objectIDs[i], parts.versions[i])).
						WithDetail("object_id", parts.objectIDs[i].String())
				}
			}
			keys := definitionKeys(definitions)

			current, err := resolveTags(ctx, tx, tenantKey, keys, parts.tagVersions, latestFlags(parts.len(), true))
			if err != nil {
				return err
			}
			for i, tag := range current {
				currentMax := 0
				if tag != nil {
					currentMax = tag.TagVersion
				}
				if parts.tagVersions[i] != currentMax+1 {
					return errors.VersionConflict(
						fmt.Sprintf("object %s version %d is at tag version %d, cannot write tag version %d",
							parts.objectIDs[i], parts.versions[i], currentMax, parts.tagVersions[i]), nil).
						WithDetail("object_id", parts.objectIDs[i].String()).
						WithDetail("current_tag_version", currentMax)
				}
			}

			return writeTagLevels(ctx, tx, tenantKey, keys, parts, ts)
		})
	})
}

// SaveNewTag adds one tag version
func (s *MetadataService) SaveNewTag(ctx context.Context, tenant string, tag *model.Tag) error {
	return s.SaveNewTags(ctx, tenant, []*model.Tag{tag})
}

// PreallocateObjectIDs reserves object ids of one type without writing a
// definition. Reserved ids are materialized with SavePreallocatedObjects.
func (s *MetadataService) PreallocateObjectIDs(ctx context.Context, tenant string, objectType model.ObjectType, ids []uuid.UUID) error {
	return s.observe(opPreallocateObjectIDs, tenant, len(ids), func() error {
		tenantKey, err := s.prepareBatch(tenant, len(ids))
		if err != nil {
			return err
		}
		if err := s.validator.ValidateObjectType(objectType); err != nil {
			return err
		}
		if err := s.validator.ValidateObjectIDs(ids); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		parts := &objectParts{
			objectTypes: make([]model.ObjectType, len(ids)),
			objectIDs:   ids,
		}
		for i := range ids {
			parts.objectTypes[i] = objectType
		}

		return s.withTx(ctx, false, func(ctx context.Context, tx store.Tx) error {
			_, err := writeObjects(ctx, tx, tenantKey, parts, model.ObjectStatePreallocated)
			return err
		})
	})
}

// PreallocateObjectID reserves one object id
func (s *MetadataService) PreallocateObjectID(ctx context.Context, tenant string, objectType model.ObjectType, id uuid.UUID) error {
	return s.PreallocateObjectIDs(ctx, tenant, objectType, []uuid.UUID{id})
}

// SavePreallocatedObjects writes the first version of previously reserved
// objects and moves them to the active state
func (s *MetadataService) SavePreallocatedObjects(ctx context.Context, tenant string, tags []*model.Tag) error {
	return s.observe(opSavePreallocatedObjects, tenant, len(tags), func() error {
		tenantKey, err := s.prepareBatch(tenant, len(tags))
		if err != nil {
			return err
		}
		for _, tag := range tags {
			if err := s.validator.ValidateNewObject(tag); err != nil {
				return err
			}
		}
		if len(tags) == 0 {
			return nil
		}

		parts, err := separateParts(tags, true)
		if err != nil {
			return err
		}
		if err := checkUniqueObjects(parts); err != nil {
			return err
		}
		ts := s.now()

		return s.withTx(ctx, false, func(ctx context.Context, tx store.Tx) error {
			objects, err := resolveObjects(ctx, tx, tenantKey, parts.objectIDs)
			if err != nil {
				return err
			}
			for i, object := range objects {
				id := parts.objectIDs[i]
				switch {
				case object == nil:
					return errors.NotPreallocated(id)
				case object.State != model.ObjectStatePreallocated:
					return errors.AlreadyMaterialized(id)
				case object.ObjectType != parts.objectTypes[i]:
					return errors.WrongObjectType(id, string(object.ObjectType), string(parts.objectTypes[i]))
				}
			}
			keys := objectKeys(objects)

			existing, err := resolveDefinitions(ctx, tx, tenantKey, keys, parts.versions, latestFlags(parts.len(), true))
			if err != nil {
				return err
			}
			for i, definition := range existing {
				if definition != nil {
					return errors.AlreadyMaterialized(parts.objectIDs[i])
				}
			}

			if err := tx.ActivateObjects(ctx, tenantKey, keys); err != nil {
				return err
			}
			return writeVersionLevels(ctx, tx, tenantKey, keys, parts, ts)
		})
	})
}

// SavePreallocatedObject materializes one reserved object
func (s *MetadataService) SavePreallocatedObject(ctx context.Context, tenant string, tag *model.Tag) error {
	return s.SavePreallocatedObjects(ctx, tenant, []*model.Tag{tag})
}

// requireActiveObjects resolves the objects of a batch that extends existing
// objects. Missing and preallocated objects are NotFound.
func (s *MetadataService) requireActiveObjects(ctx context.Context, tx store.Tx, tenant int16, parts *objectParts) ([]*store.ObjectRecord, error) {
	objects, err := resolveObjects(ctx, tx, tenant, parts.objectIDs)
	if err != nil {
		return nil, err
	}
	for i, object := range objects {
		id := parts.objectIDs[i]
		if object == nil || object.State != model.ObjectStateActive {
			return nil, errors.NotFound("object not found: " + id.String()).
				WithDetail("object_id", id.String())
		}
		if object.ObjectType != parts.objectTypes[i] {
			return nil, errors.WrongObjectType(id, string(object.ObjectType), string(parts.objectTypes[i]))
		}
	}
	return objects, nil
}

// checkUniqueVersions rejects batches that write two tags under the same
// definition version
func checkUniqueVersions(parts *objectParts) error {
	type coordinate struct {
		id      uuid.UUID
		version int
	}
	seen := make(map[coordinate]struct{}, parts.len())
	for i, id := range parts.objectIDs {
		c := coordinate{id: id, version: parts.versions[i]}
		if _, dup := seen[c]; dup {
			return errors.InvalidArgument(
				fmt.Sprintf("object %s version %d appears more than once in batch", id, c.version), nil).
				WithDetail("object_id", id.String())
		}
		seen[c] = struct{}{}
	}
	return nil
}
