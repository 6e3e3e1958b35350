package service

import (
	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/model"
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// objectParts is a batch of tags transposed into one column per field, so
// that each level can be written with a single set-oriented call
type objectParts struct {
	objectTypes []model.ObjectType
	objectIDs   []uuid.UUID
	versions    []int
	tagVersions []int
	definitions [][]byte
	attrs       []map[string]model.Value
}

func (p *objectParts) len() int {
	return len(p.objectIDs)
}

var payloadMarshal = proto.MarshalOptions{Deterministic: true}

// separateParts transposes tags into columns. Definitions are encoded only
// when withDefinitions is set; new tag versions do not carry a payload.
func separateParts(tags []*model.Tag, withDefinitions bool) (*objectParts, error) {
	n := len(tags)
	parts := &objectParts{
		objectTypes: make([]model.ObjectType, n),
		objectIDs:   make([]uuid.UUID, n),
		versions:    make([]int, n),
		tagVersions: make([]int, n),
		attrs:       make([]map[string]model.Value, n),
	}
	if withDefinitions {
		parts.definitions = make([][]byte, n)
	}

	for i, tag := range tags {
		parts.objectTypes[i] = tag.Header.ObjectType
		parts.objectIDs[i] = tag.Header.ObjectID
		parts.versions[i] = tag.Header.ObjectVersion
		parts.tagVersions[i] = tag.Header.TagVersion
		parts.attrs[i] = tag.Attrs

		if withDefinitions {
			encoded, err := payloadMarshal.Marshal(tag.Definition)
			if err != nil {
				return nil, errors.InvalidArgument("failed to encode definition of "+tag.Header.ObjectID.String(), err)
			}
			parts.definitions[i] = encoded
		}
	}

	return parts, nil
}

// decodeDefinition restores the payload written by separateParts
func decodeDefinition(data []byte) (*anypb.Any, error) {
	definition := &anypb.Any{}
	if err := proto.Unmarshal(data, definition); err != nil {
		return nil, errors.InternalError("stored definition cannot be decoded", err)
	}
	return definition, nil
}

// checkUniqueObjects rejects batches that touch the same object twice
func checkUniqueObjects(parts *objectParts) error {
	seen := make(map[uuid.UUID]struct{}, parts.len())
	for _, id := range parts.objectIDs {
		if _, dup := seen[id]; dup {
			return errors.InvalidArgument("object appears more than once in batch: "+id.String(), nil).
				WithDetail("object_id", id.String())
		}
		seen[id] = struct{}{}
	}
	return nil
}
