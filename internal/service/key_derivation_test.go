package service

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestCheckParentKeys(t *testing.T) {
	tests := []struct {
		name     string
		keys     []int64
		expected int
		wantErr  bool
	}{
		{"aligned", []int64{3, 1, 2}, 3, false},
		{"empty", nil, 0, false},
		{"short", []int64{1}, 2, true},
		{"long", []int64{1, 2, 3}, 2, true},
		{"zero key", []int64{1, 0}, 2, true},
		{"negative key", []int64{-1}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkParentKeys("stage", tt.keys, tt.expected)
			if tt.wantErr {
				assertCode(t, errors.ErrCodeInternal, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSeparateParts(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	tags := []*model.Tag{
		newTag(t, first, model.ObjectTypeData, 1, 1, map[string]model.Value{"a": model.BooleanValue(true)}),
		newTag(t, second, model.ObjectTypeModel, 4, 2, nil),
	}

	parts, err := separateParts(tags, true)
	require.NoError(t, err)
	assert.Equal(t, 2, parts.len())
	assert.Equal(t, []uuid.UUID{first, second}, parts.objectIDs)
	assert.Equal(t, []model.ObjectType{model.ObjectTypeData, model.ObjectTypeModel}, parts.objectTypes)
	assert.Equal(t, []int{1, 4}, parts.versions)
	assert.Equal(t, []int{1, 2}, parts.tagVersions)
	require.Len(t, parts.definitions, 2)

	decoded, err := decodeDefinition(parts.definitions[1])
	require.NoError(t, err)
	assert.True(t, proto.Equal(tags[1].Definition, decoded))

	withoutDefinitions, err := separateParts(tags, false)
	require.NoError(t, err)
	assert.Nil(t, withoutDefinitions.definitions)

	_, err = decodeDefinition([]byte{0xff, 0xff})
	assertCode(t, errors.ErrCodeInternal, err)
}

func TestCheckUniqueObjects(t *testing.T) {
	id := uuid.New()
	parts, err := separateParts([]*model.Tag{firstTag(t, id), firstTag(t, uuid.New()), firstTag(t, id)}, false)
	require.NoError(t, err)
	assertCode(t, errors.ErrCodeInvalidArgument, checkUniqueObjects(parts))
}

func TestWriteStagesRejectMissingParents(t *testing.T) {
	ctx := context.Background()
	parts, err := separateParts([]*model.Tag{firstTag(t, uuid.New()), firstTag(t, uuid.New())}, true)
	require.NoError(t, err)

	// parent checks run before the transaction is touched
	_, err = writeDefinitions(ctx, nil, 1, []int64{7, 0}, parts, time.Now())
	assertCode(t, errors.ErrCodeInternal, err)

	_, err = writeTags(ctx, nil, 1, []int64{7}, parts, time.Now())
	assertCode(t, errors.ErrCodeInternal, err)

	err = writeAttrs(ctx, nil, 1, nil, parts)
	assertCode(t, errors.ErrCodeInternal, err)

	noPayload, err := separateParts([]*model.Tag{firstTag(t, uuid.New())}, false)
	require.NoError(t, err)
	_, err = writeDefinitions(ctx, nil, 1, []int64{7}, noPayload, time.Now())
	assertCode(t, errors.ErrCodeInternal, err)
}
