package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// TagHeader identifies one tag version of one definition version of an object
type TagHeader struct {
	ObjectType      ObjectType `json:"object_type"`
	ObjectID        uuid.UUID  `json:"object_id"`
	ObjectVersion   int        `json:"object_version"`
	ObjectTimestamp time.Time  `json:"object_timestamp"`
	TagVersion      int        `json:"tag_version"`
	TagTimestamp    time.Time  `json:"tag_timestamp"`
}

// Tag is the read and write unit of the store: a header, the definition payload
// of the object version and the attributes of the tag version.
type Tag struct {
	Header     TagHeader
	Definition *anypb.Any
	Attrs      map[string]Value
}

// AttrNames returns attribute names in sorted order
func (t *Tag) AttrNames() []string {
	names := make([]string, 0, len(t.Attrs))
	for name := range t.Attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Selector returns an explicit selector for the coordinates in the header
func (h TagHeader) Selector() TagSelector {
	return SelectTag(h.ObjectID, h.ObjectVersion, h.TagVersion)
}

// Equal compares two tags field by field, using proto.Equal for the payload
func (t *Tag) Equal(other *Tag) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.Header.ObjectType != other.Header.ObjectType ||
		t.Header.ObjectID != other.Header.ObjectID ||
		t.Header.ObjectVersion != other.Header.ObjectVersion ||
		t.Header.TagVersion != other.Header.TagVersion ||
		!t.Header.ObjectTimestamp.Equal(other.Header.ObjectTimestamp) ||
		!t.Header.TagTimestamp.Equal(other.Header.TagTimestamp) {
		return false
	}
	if !proto.Equal(t.Definition, other.Definition) {
		return false
	}
	if len(t.Attrs) != len(other.Attrs) {
		return false
	}
	for name, v := range t.Attrs {
		ov, ok := other.Attrs[name]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

type definitionJSON struct {
	TypeURL string `json:"type_url"`
	Value   []byte `json:"value"`
}

type tagJSON struct {
	Header     TagHeader        `json:"header"`
	Definition *definitionJSON  `json:"definition,omitempty"`
	Attrs      map[string]Value `json:"attrs,omitempty"`
}

// MarshalJSON encodes the tag with the payload as type_url plus base64 bytes
func (t Tag) MarshalJSON() ([]byte, error) {
	wire := tagJSON{Header: t.Header, Attrs: t.Attrs}
	if t.Definition != nil {
		wire.Definition = &definitionJSON{
			TypeURL: t.Definition.GetTypeUrl(),
			Value:   t.Definition.GetValue(),
		}
	}
	return json.Marshal(wire)
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	var wire tagJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	t.Header = wire.Header
	t.Attrs = wire.Attrs
	t.Definition = nil
	if wire.Definition != nil {
		t.Definition = &anypb.Any{
			TypeUrl: wire.Definition.TypeURL,
			Value:   wire.Definition.Value,
		}
	}
	return nil
}

// EncodeTag serializes a tag for caching or transport
func EncodeTag(tag *Tag) ([]byte, error) {
	if tag == nil {
		return nil, fmt.Errorf("cannot encode nil tag")
	}
	return json.Marshal(tag)
}

// DecodeTag is the inverse of EncodeTag
func DecodeTag(data []byte) (*Tag, error) {
	var tag Tag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("failed to decode tag: %w", err)
	}
	return &tag, nil
}
