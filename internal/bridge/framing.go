// Package bridge talks to the native LLM helper process. The wire protocol
// is JSON-RPC in native-messaging frames: a 4-byte little-endian length
// prefix followed by the JSON payload. Provider and model selection live on
// the other side of this boundary; the core only relays.
package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds one frame. Anything larger is a protocol violation,
// not a payload to buffer.
const maxFrameSize = 32 << 20

// WriteFrame writes one length-prefixed message.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(msg))
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(msg)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
