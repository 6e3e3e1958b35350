package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/anypb"
)

func TestParseObjectType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ObjectType
		wantErr bool
	}{
		{"upper case", "DATA", ObjectTypeData, false},
		{"lower case", "flow", ObjectTypeFlow, false},
		{"padded", "  job ", ObjectTypeJob, false},
		{"not set", "OBJECT_TYPE_NOT_SET", ObjectTypeNotSet, true},
		{"unknown", "TABLE", ObjectTypeNotSet, true},
		{"empty", "", ObjectTypeNotSet, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseObjectType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValueEqual(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 30, 45, 123456789, time.FixedZone("X", 3600))

	assert.True(t, IntegerValue(5).Equal(IntegerValue(5)))
	assert.False(t, IntegerValue(5).Equal(FloatValue(5)))
	assert.False(t, StringValue("a").Equal(StringValue("b")))
	assert.True(t, DateTimeValue(now).Equal(DateTimeValue(now.UTC())))
	assert.True(t, DateValue(now).Equal(DateValue(now.Add(time.Hour))))

	dt := DateTimeValue(now)
	assert.Equal(t, time.UTC, dt.Time.Location())
	assert.Equal(t, 123456000, dt.Time.Nanosecond())
}

func TestValueJSON(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 30, 45, 123456000, time.UTC)

	values := []Value{
		BooleanValue(true),
		IntegerValue(-9007199254740993),
		FloatValue(1.5),
		StringValue("hello"),
		DateValue(now),
		DateTimeValue(now),
	}

	for _, v := range values {
		t.Run(string(v.Type), func(t *testing.T) {
			data, err := json.Marshal(v)
			require.NoError(t, err)

			var decoded Value
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.True(t, v.Equal(decoded), "got %+v", decoded)
		})
	}

	t.Run("rejects unknown type", func(t *testing.T) {
		var v Value
		assert.Error(t, json.Unmarshal([]byte(`{"type":"BLOB","value":"x"}`), &v))
	})

	t.Run("rejects mismatched value", func(t *testing.T) {
		var v Value
		assert.Error(t, json.Unmarshal([]byte(`{"type":"INTEGER","value":"x"}`), &v))
	})
}

func TestTagCodec(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tag := &Tag{
		Header: TagHeader{
			ObjectType:      ObjectTypeModel,
			ObjectID:        uuid.New(),
			ObjectVersion:   2,
			ObjectTimestamp: ts,
			TagVersion:      3,
			TagTimestamp:    ts.Add(time.Minute),
		},
		Definition: &anypb.Any{TypeUrl: "type.example.com/metadata.ModelDefinition", Value: []byte{0x0a, 0x03, 'a', 'b', 'c'}},
		Attrs: map[string]Value{
			"owner":    StringValue("team-a"),
			"accuracy": FloatValue(0.93),
		},
	}

	data, err := EncodeTag(tag)
	require.NoError(t, err)

	decoded, err := DecodeTag(data)
	require.NoError(t, err)
	assert.True(t, tag.Equal(decoded))
	assert.Equal(t, []string{"accuracy", "owner"}, decoded.AttrNames())

	_, err = EncodeTag(nil)
	assert.Error(t, err)
}

func TestTagSelector(t *testing.T) {
	id := uuid.New()

	explicit := SelectTag(id, 2, 1)
	assert.True(t, explicit.IsExplicit())
	assert.Equal(t, id.String()+":v2:t1", explicit.String())

	latestTag := SelectLatestTag(id, 2)
	assert.False(t, latestTag.IsExplicit())
	assert.Equal(t, id.String()+":v2:tlatest", latestTag.String())

	latest := SelectLatestVersion(id)
	assert.False(t, latest.IsExplicit())
	assert.True(t, latest.LatestObject)
	assert.True(t, latest.LatestTag)

	header := TagHeader{ObjectID: id, ObjectVersion: 4, TagVersion: 7}
	assert.Equal(t, SelectTag(id, 4, 7), header.Selector())
}
