package ipc

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame_RoundTripsMessage(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(false)

	msg := &Message{Type: MessageTypeQuery, Payload: QueryRequest{ID: "r1", CollectionName: "facts"}}
	require.NoError(t, WriteFrame(&buf, codec, msg))

	got, err := ReadFrame(bufio.NewReader(&buf), codec)
	require.NoError(t, err)
	require.Equal(t, MessageTypeQuery, got.Type)

	qr, ok := got.Payload.(QueryRequest)
	require.True(t, ok)
	require.Equal(t, "r1", qr.ID)
}

func TestWriteReadFrame_MultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(true)

	require.NoError(t, WriteFrame(&buf, codec, &Message{Type: MessageTypeReady}))
	require.NoError(t, WriteFrame(&buf, codec, &Message{Type: MessageTypeShutdown}))

	r := bufio.NewReader(&buf)
	first, err := ReadFrame(r, codec)
	require.NoError(t, err)
	require.Equal(t, MessageTypeReady, first.Type)

	second, err := ReadFrame(r, codec)
	require.NoError(t, err)
	require.Equal(t, MessageTypeShutdown, second.Type)
}
