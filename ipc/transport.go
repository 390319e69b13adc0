package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame writes msg to w as a 4-byte big-endian length prefix followed
// by codec's encoding of msg. Framing is required because neither codec's
// output is guaranteed free of embedded newlines.
func WriteFrame(w io.Writer, codec Codec, msg *Message) error {
	body, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("ipc: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it with
// codec. Returns io.EOF when the stream is closed between frames.
func ReadFrame(r *bufio.Reader, codec Codec) (*Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("ipc: read frame body: %w", err)
	}
	return codec.Decode(body)
}
