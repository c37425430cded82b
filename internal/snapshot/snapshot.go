// Package snapshot exports and imports the full engine state:
// governed instances, capabilities, delegation tokens, and migration
// bindings. A snapshot is a CBOR payload compressed with zstd and
// guarded by a blake3 checksum; a joining node imports one instead of
// replaying history.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Conclave/internal/storage"
)

const (
	// formatVersion is the current snapshot format version.
	formatVersion = 1

	// headerSize is magic (4) + version (4) + checksum (32).
	headerSize = 4 + 4 + 32
)

// magic identifies a Conclave snapshot blob.
var magic = [4]byte{'C', 'S', 'N', 'P'}

// State prefixes included in a snapshot.
var statePrefixes = [][]byte{
	[]byte("cap:"), // controller capabilities
	[]byte("tok:"), // delegation tokens
	[]byte("gov:"), // governed instances
	[]byte("mig:"), // migration bindings
}

// entry is one key-value pair of engine state.
type entry struct {
	Key   []byte `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint"`
}

// payload is the uncompressed snapshot body.
type payload struct {
	Entries []entry `cbor:"1,keyasint"`
}

// Export serializes all engine state from storage.
func Export(db *storage.Storage) ([]byte, error) {
	var p payload

	for _, prefix := range statePrefixes {
		err := db.IteratePrefix(prefix, func(key, value []byte) error {
			// Copy: iterator buffers are invalid after the callback.
			keyCopy := append([]byte(nil), key...)
			valueCopy := append([]byte(nil), value...)

			p.Entries = append(p.Entries, entry{Key: keyCopy, Value: valueCopy})

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("collect %q entries:\n%w", prefix, err)
		}
	}

	body, err := cbor.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot:\n%w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder:\n%w", err)
	}
	defer encoder.Close()

	compressed := encoder.EncodeAll(body, nil)
	checksum := blake3.Sum256(compressed)

	blob := make([]byte, 0, headerSize+len(compressed))
	blob = append(blob, magic[:]...)
	blob = binary.LittleEndian.AppendUint32(blob, formatVersion)
	blob = append(blob, checksum[:]...)
	blob = append(blob, compressed...)

	return blob, nil
}

// Import verifies a snapshot blob and installs its entries as the new
// engine state in one atomic batch. Existing keys are overwritten and
// state keys absent from the snapshot are removed; keys outside the
// state prefixes are untouched.
func Import(db *storage.Storage, blob []byte) (int, error) {
	if len(blob) < headerSize || !bytes.Equal(blob[:4], magic[:]) {
		return 0, fmt.Errorf("not a snapshot blob")
	}

	version := binary.LittleEndian.Uint32(blob[4:8])
	if version != formatVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", version)
	}

	var checksum [32]byte
	copy(checksum[:], blob[8:40])

	compressed := blob[headerSize:]
	if blake3.Sum256(compressed) != checksum {
		return 0, fmt.Errorf("snapshot checksum mismatch")
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return 0, fmt.Errorf("create zstd decoder:\n%w", err)
	}
	defer decoder.Close()

	body, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return 0, fmt.Errorf("decompress snapshot:\n%w", err)
	}

	var p payload
	if err := cbor.Unmarshal(body, &p); err != nil {
		return 0, fmt.Errorf("decode snapshot:\n%w", err)
	}

	pairs := make([]storage.KeyValue, len(p.Entries))
	imported := make(map[string]struct{}, len(p.Entries))

	for i, e := range p.Entries {
		pairs[i] = storage.KeyValue{Key: e.Key, Value: e.Value}
		imported[string(e.Key)] = struct{}{}
	}

	// Stale state keys the snapshot no longer carries leave in the same
	// batch as the writes.
	var stale [][]byte

	for _, prefix := range statePrefixes {
		err := db.IteratePrefix(prefix, func(key, _ []byte) error {
			if _, ok := imported[string(key)]; !ok {
				stale = append(stale, append([]byte(nil), key...))
			}

			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("scan %q entries:\n%w", prefix, err)
		}
	}

	if err := db.Apply(pairs, stale); err != nil {
		return 0, fmt.Errorf("write snapshot entries:\n%w", err)
	}

	return len(pairs), nil
}
