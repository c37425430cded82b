package transport

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payload := []byte("delivery payload")

	if err := writeFrame(&buf, frameDelivery, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	frameType, got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}

	if frameType != frameDelivery {
		t.Errorf("frame type = %d, want %d", frameType, frameDelivery)
	}

	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer

	if err := writeFrame(&buf, frameSnapshotRequest, nil); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	frameType, payload, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}

	if frameType != frameSnapshotRequest || len(payload) != 0 {
		t.Errorf("got type %d payload %q, want %d and empty", frameType, payload, frameSnapshotRequest)
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer

	if err := writeFrame(&buf, frameDelivery, make([]byte, maxFrameSize)); err == nil {
		t.Error("oversized frame written")
	}

	if buf.Len() != 0 {
		t.Error("oversized frame left bytes on the wire")
	}
}

func TestReadFrameInvalidLength(t *testing.T) {
	// Zero length.
	var zero [lengthPrefixSize]byte

	if _, _, err := readFrame(bytes.NewReader(zero[:])); err == nil {
		t.Error("zero-length frame accepted")
	}

	// Length above the cap.
	var huge [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(huge[:], maxFrameSize+1)

	if _, _, err := readFrame(bytes.NewReader(huge[:])); err == nil {
		t.Error("frame above size cap accepted")
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer

	if err := writeFrame(&buf, frameDelivery, []byte("payload")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	wire := buf.Bytes()

	if _, _, err := readFrame(bytes.NewReader(wire[:len(wire)-3])); err == nil {
		t.Error("truncated frame accepted")
	}
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}

	for _, p := range payloads {
		if err := writeFrame(&buf, frameDelivery, p); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
	}

	for i, want := range payloads {
		_, got, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("readFrame %d: %v", i, err)
		}

		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %q, want %q", i, got, want)
		}
	}
}
