package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextCodec_DateFidelity(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	batch := QueryBatchPayload{
		BatchID: "b1",
		Requests: []QueryRequest{
			{
				ID:             "q0",
				CollectionName: "indexEntries",
				Pipeline: []interface{}{
					map[string]interface{}{
						"$match": map[string]interface{}{
							"factTime": map[string]interface{}{"$gte": now},
						},
					},
				},
			},
		},
	}

	codec := NewCodec(false)
	encoded, err := codec.Encode(&Message{Type: MessageTypeQueryBatch, Payload: batch})
	require.NoError(t, err)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)

	got, ok := decoded.Payload.(QueryBatchPayload)
	require.True(t, ok)

	match := got.Requests[0].Pipeline[0].(map[string]interface{})["$match"].(map[string]interface{})
	gte := match["factTime"].(map[string]interface{})["$gte"]

	asTime, ok := gte.(time.Time)
	require.True(t, ok, "expected $gte to decode back into a time.Time, got %T", gte)
	assert.True(t, now.Equal(asTime))
}

func TestBinaryCodec_DateFidelity(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	result := QueryResult{
		ID: "q0",
		Rows: []interface{}{
			map[string]interface{}{"factTime": now, "count": int32(3)},
		},
	}

	codec := NewCodec(true)
	encoded, err := codec.Encode(&Message{Type: MessageTypeResult, Payload: result})
	require.NoError(t, err)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)

	got, ok := decoded.Payload.(QueryResult)
	require.True(t, ok)

	row, ok := got.Rows[0].(map[string]interface{})
	require.True(t, ok)

	asTime, ok := row["factTime"].(time.Time)
	require.True(t, ok, "expected factTime to decode back into a time.Time, got %T", row["factTime"])
	assert.True(t, now.Equal(asTime))
}

func TestCodec_RoundTripsShutdownWithoutPayload(t *testing.T) {
	for _, binary := range []bool{false, true} {
		codec := NewCodec(binary)
		encoded, err := codec.Encode(&Message{Type: MessageTypeShutdown})
		require.NoError(t, err)

		decoded, err := codec.Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, MessageTypeShutdown, decoded.Type)
		assert.Nil(t, decoded.Payload)
	}
}
