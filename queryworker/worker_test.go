package queryworker

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgaydamakov/counters/ipc"
)

func TestWorker_Run_ShutdownMessageReturnsCleanly(t *testing.T) {
	var in bytes.Buffer
	var out bytes.Buffer
	codec := ipc.NewCodec(false)
	require.NoError(t, ipc.WriteFrame(&in, codec, &ipc.Message{Type: ipc.MessageTypeShutdown}))

	w := New(&in, &out, codec, nil)
	err := w.Run(context.Background())
	assert.NoError(t, err)
}

func TestWorker_Run_EOFReturnsCleanlyWithoutShutdown(t *testing.T) {
	var in bytes.Buffer
	var out bytes.Buffer
	codec := ipc.NewCodec(false)

	w := New(&in, &out, codec, nil)
	err := w.Run(context.Background())
	assert.NoError(t, err)
}

func TestWorker_Run_UnknownMessageTypeReportsErrorButContinues(t *testing.T) {
	var in bytes.Buffer
	var out bytes.Buffer
	codec := ipc.NewCodec(false)
	require.NoError(t, ipc.WriteFrame(&in, codec, &ipc.Message{Type: "BOGUS"}))
	require.NoError(t, ipc.WriteFrame(&in, codec, &ipc.Message{Type: ipc.MessageTypeShutdown}))

	w := New(&in, &out, codec, nil)
	err := w.Run(context.Background())
	require.NoError(t, err)

	r := bufio.NewReader(&out)
	msg, err := ipc.ReadFrame(r, codec)
	require.NoError(t, err)
	assert.Equal(t, ipc.MessageTypeError, msg.Type)
}
