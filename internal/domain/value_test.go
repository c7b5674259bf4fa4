package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_UnmarshalKeepsKind(t *testing.T) {
	var fields Fields
	err := json.Unmarshal([]byte(`{
		"ts": 1715335200000,
		"timestamp": "2024-05-10T10:00:00Z",
		"deleted": false,
		"extra": null,
		"meta": {"a": [1, 2]}
	}`), &fields)
	require.NoError(t, err)

	n, ok := fields["ts"].AsNumber()
	assert.True(t, ok)
	assert.Equal(t, float64(1715335200000), n)

	_, ok = fields["timestamp"].AsNumber()
	assert.False(t, ok)
	s, ok := fields["timestamp"].AsString()
	assert.True(t, ok)
	assert.Equal(t, "2024-05-10T10:00:00Z", s)

	b, ok := fields["deleted"].AsBool()
	assert.True(t, ok)
	assert.False(t, b)

	assert.Equal(t, KindNull, fields["extra"].Kind())
	assert.Equal(t, KindRaw, fields["meta"].Kind())

	out, err := json.Marshal(fields["meta"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2]}`, string(out))
}

func TestValue_ServerTimestampCannotBeEncoded(t *testing.T) {
	_, err := json.Marshal(Fields{"timestamp": ServerTimestamp()})
	assert.Error(t, err)
}

func TestFields_ResolveServerTimestamps(t *testing.T) {
	f := Fields{"timestamp": ServerTimestamp(), "text": String("hi")}
	f.ResolveServerTimestamps(42)

	n, ok := f["timestamp"].AsNumber()
	assert.True(t, ok)
	assert.Equal(t, float64(42), n)
	assert.Equal(t, String("hi"), f["text"])
}

func TestFields_MergeAndClone(t *testing.T) {
	orig := Fields{"text": String("hi"), "deleted": Bool(false)}
	cp := orig.Clone()
	cp.Merge(SoftDeletePatch())

	assert.Equal(t, Bool(false), orig["deleted"])
	assert.Equal(t, Bool(true), cp["deleted"])
	assert.Equal(t, String("hi"), cp["text"])
}
