package service

import (
	"context"
	"fmt"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/model"
	"github.com/devrev/metastore/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opLoadTag           = "load_tag"
	opLoadTags          = "load_tags"
	opLoadLatestVersion = "load_latest_version"
	opLoadLatestTag     = "load_latest_tag"

	tagCacheName = "tag"
)

// LoadTag reads one tag by explicit coordinates
func (s *MetadataService) LoadTag(ctx context.Context, tenant string, objectID uuid.UUID, objectVersion, tagVersion int) (*model.Tag, error) {
	return s.loadOne(ctx, opLoadTag, tenant, model.SelectTag(objectID, objectVersion, tagVersion))
}

// LoadLatestVersion reads the highest tag of the highest version of an object
func (s *MetadataService) LoadLatestVersion(ctx context.Context, tenant string, objectID uuid.UUID) (*model.Tag, error) {
	return s.loadOne(ctx, opLoadLatestVersion, tenant, model.SelectLatestVersion(objectID))
}

// LoadLatestTag reads the highest tag of an explicit object version
func (s *MetadataService) LoadLatestTag(ctx context.Context, tenant string, objectID uuid.UUID, objectVersion int) (*model.Tag, error) {
	return s.loadOne(ctx, opLoadLatestTag, tenant, model.SelectLatestTag(objectID, objectVersion))
}

// LoadTags reads a batch of tags. Results are in selector order. If any
// selector does not resolve the whole call fails with NotFound.
func (s *MetadataService) LoadTags(ctx context.Context, tenant string, selectors []model.TagSelector) ([]*model.Tag, error) {
	var tags []*model.Tag
	err := s.observe(opLoadTags, tenant, len(selectors), func() error {
		var err error
		tags, err = s.loadTags(ctx, tenant, selectors)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *MetadataService) loadOne(ctx context.Context, operation, tenant string, selector model.TagSelector) (*model.Tag, error) {
	var tag *model.Tag
	err := s.observe(operation, tenant, 1, func() error {
		tags, err := s.loadTags(ctx, tenant, []model.TagSelector{selector})
		if err != nil {
			return err
		}
		tag = tags[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

func (s *MetadataService) loadTags(ctx context.Context, tenant string, selectors []model.TagSelector) ([]*model.Tag, error) {
	tenantKey, err := s.prepareBatch(tenant, len(selectors))
	if err != nil {
		return nil, err
	}
	for _, selector := range selectors {
		if err := s.validator.ValidateSelector(selector); err != nil {
			return nil, err
		}
	}

	result := make([]*model.Tag, len(selectors))
	if len(selectors) == 0 {
		return result, nil
	}

	var pending []int
	for i, selector := range selectors {
		if tag := s.cachedTag(ctx, tenantKey, selector); tag != nil {
			result[i] = tag
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return result, nil
	}

	misses := make([]model.TagSelector, len(pending))
	for j, i := range pending {
		misses[j] = selectors[i]
	}

	var loaded []*model.Tag
	err = s.withTx(ctx, true, func(ctx context.Context, tx store.Tx) error {
		var err error
		loaded, err = readTags(ctx, tx, tenantKey, misses)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Rows read inside a caller's unit of work may still roll back
	cacheable := unitOfWorkFrom(ctx) == nil
	for j, i := range pending {
		result[i] = loaded[j]
		if cacheable {
			s.cacheTag(ctx, tenantKey, loaded[j])
		}
	}
	return result, nil
}

// readTags resolves selectors level by level inside one snapshot
func readTags(ctx context.Context, tx store.Tx, tenant int16, selectors []model.TagSelector) ([]*model.Tag, error) {
	n := len(selectors)
	ids := make([]uuid.UUID, n)
	versions := make([]int, n)
	latestVersion := make([]bool, n)
	tagVersions := make([]int, n)
	latestTag := make([]bool, n)
	for i, selector := range selectors {
		ids[i] = selector.ObjectID
		versions[i] = selector.ObjectVersion
		latestVersion[i] = selector.LatestObject
		tagVersions[i] = selector.TagVersion
		latestTag[i] = selector.LatestTag
	}

	objects, err := resolveObjects(ctx, tx, tenant, ids)
	if err != nil {
		return nil, err
	}
	for i, object := range objects {
		if object == nil || object.State != model.ObjectStateActive {
			return nil, notFound(selectors[i], "object")
		}
	}

	definitions, err := resolveDefinitions(ctx, tx, tenant, objectKeys(objects), versions, latestVersion)
	if err != nil {
		return nil, err
	}
	for i, definition := range definitions {
		if definition == nil {
			return nil, notFound(selectors[i], "object version")
		}
	}

	tagRows, err := resolveTags(ctx, tx, tenant, definitionKeys(definitions), tagVersions, latestTag)
	if err != nil {
		return nil, err
	}
	for i, tag := range tagRows {
		if tag == nil {
			return nil, notFound(selectors[i], "tag version")
		}
	}

	attrs, err := readAttrs(ctx, tx, tenant, tagRows)
	if err != nil {
		return nil, err
	}

	tags := make([]*model.Tag, n)
	for i := range selectors {
		definition, err := decodeDefinition(definitions[i].Definition)
		if err != nil {
			return nil, err
		}
		tags[i] = &model.Tag{
			Header: model.TagHeader{
				ObjectType:      objects[i].ObjectType,
				ObjectID:        objects[i].ObjectID,
				ObjectVersion:   definitions[i].Version,
				ObjectTimestamp: definitions[i].Timestamp,
				TagVersion:      tagRows[i].TagVersion,
				TagTimestamp:    tagRows[i].Timestamp,
			},
			Definition: definition,
			Attrs:      attrs[i],
		}
	}
	return tags, nil
}

func notFound(selector model.TagSelector, level string) error {
	return errors.NotFound(fmt.Sprintf("%s not found for %s", level, selector)).
		WithDetail("object_id", selector.ObjectID.String())
}

func tagCacheKey(tenant int16, objectID uuid.UUID, objectVersion, tagVersion int) string {
	return fmt.Sprintf("tag:%d:%s:%d:%d", tenant, objectID, objectVersion, tagVersion)
}

// cachedTag returns a cached tag for explicit selectors. Latest selectors
// always miss since their answer changes as versions are added.
func (s *MetadataService) cachedTag(ctx context.Context, tenant int16, selector model.TagSelector) *model.Tag {
	if s.cache == nil || !selector.IsExplicit() {
		return nil
	}

	key := tagCacheKey(tenant, selector.ObjectID, selector.ObjectVersion, selector.TagVersion)
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		if err != store.ErrNotFound {
			s.logger.Warn("Tag cache read failed", zap.String("key", key), zap.Error(err))
		}
		s.recordCache(false)
		return nil
	}

	tag, err := model.DecodeTag(data)
	if err == nil && !selectorMatches(selector, tag) {
		err = fmt.Errorf("cached tag %s does not match %s", tag.Header.ObjectID, selector)
	}
	if err != nil {
		s.logger.Warn("Discarding unusable cache entry", zap.String("key", key), zap.Error(err))
		if delErr := s.cache.Delete(ctx, key); delErr != nil {
			s.logger.Warn("Tag cache delete failed", zap.String("key", key), zap.Error(delErr))
		}
		s.recordCache(false)
		return nil
	}
	s.recordCache(true)
	return tag
}

func selectorMatches(selector model.TagSelector, tag *model.Tag) bool {
	return tag.Header.ObjectID == selector.ObjectID &&
		tag.Header.ObjectVersion == selector.ObjectVersion &&
		tag.Header.TagVersion == selector.TagVersion
}

// cacheTag stores a tag under its explicit coordinates. Committed tags never
// change, so entries need no invalidation.
func (s *MetadataService) cacheTag(ctx context.Context, tenant int16, tag *model.Tag) {
	if s.cache == nil {
		return
	}

	key := tagCacheKey(tenant, tag.Header.ObjectID, tag.Header.ObjectVersion, tag.Header.TagVersion)
	data, err := model.EncodeTag(tag)
	if err != nil {
		s.logger.Warn("Failed to encode tag for cache", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
		s.logger.Warn("Tag cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *MetadataService) recordCache(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.RecordCacheHit(tagCacheName)
	} else {
		s.metrics.RecordCacheMiss(tagCacheName)
	}
}
