package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types carried on relay streams.
const (
	// frameDelivery carries an asset handoff toward a governed instance.
	frameDelivery byte = 1

	// frameSnapshotRequest asks the peer for a full state snapshot.
	frameSnapshotRequest byte = 2
)

const (
	// maxFrameSize is the maximum allowed frame size (16 MB).
	maxFrameSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4
)

// writeFrame writes a typed, length-prefixed frame.
// Format: [4 bytes big-endian length] [1 byte type] [payload]
func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	if len(payload)+1 > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(payload)+1, maxFrameSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)+1))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	if _, err := w.Write([]byte{frameType}); err != nil {
		return fmt.Errorf("write type:\n%w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readFrame reads a typed, length-prefixed frame.
func readFrame(r io.Reader) (byte, []byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length == 0 || length > maxFrameSize {
		return 0, nil, fmt.Errorf("invalid frame length %d", length)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data[0], data[1:], nil
}
