package message

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Message{
		Type:      TypeCall,
		Flags:     FlagRequiresAck,
		MessageID: 7,
		TraceID:   42,
		Payload:   []byte("ping"),
	}
	buf := make([]byte, EncodedLen(len(m.Payload)))
	n, err := Encode(buf, m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != 44 {
		t.Fatalf("expected 44 encoded bytes, got %d", n)
	}
	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != m.Type || got.Flags != m.Flags || got.MessageID != m.MessageID ||
		got.TraceID != m.TraceID || string(got.Payload) != string(m.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
}

func TestDecodeCorruptionBadChecksum(t *testing.T) {
	m := &Message{Type: TypeCall, Flags: FlagRequiresAck, MessageID: 7, TraceID: 42, Payload: []byte("ping")}
	buf := make([]byte, EncodedLen(len(m.Payload)))
	n, err := Encode(buf, m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[40] ^= 0x01 // flip bit 0 of the fifth checksum byte (checksum is bytes 36-43)
	_, err = Decode(buf[:n])
	if err == nil {
		t.Fatal("expected BadChecksum error")
	}
	de := err.(interface{ Error() string })
	_ = de
}

func TestDecodeBadMagic(t *testing.T) {
	buf := make([]byte, HeaderLen+TrailerLen)
	_, err := Decode(buf)
	if err == nil {
		t.Fatal("expected BadMagic error")
	}
}

func TestDecodeReservedNonZero(t *testing.T) {
	m := &Message{Type: TypeEvent, MessageID: 1, TraceID: 2}
	buf := make([]byte, EncodedLen(0))
	if _, err := Encode(buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[6] = 1
	// Recompute nothing: checksum will now also mismatch, but reserved
	// bytes are validated before the checksum so we still see ReservedNonZero.
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected an error for non-zero reserved bytes")
	}
}

func TestPayloadLenZeroIsValid(t *testing.T) {
	m := &Message{Type: TypeAgentHeartbeat, MessageID: 1, TraceID: 1}
	buf := make([]byte, EncodedLen(0))
	n, err := Encode(buf, m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(buf[:n]); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func TestPayloadLenMaxIsValidOverIsRejected(t *testing.T) {
	m := &Message{Type: TypeCall, Payload: make([]byte, MaxPayloadLen)}
	buf := make([]byte, EncodedLen(len(m.Payload)))
	if _, err := Encode(buf, m); err != nil {
		t.Fatalf("Encode at max: %v", err)
	}
	over := &Message{Type: TypeCall, Payload: make([]byte, MaxPayloadLen+1)}
	bigBuf := make([]byte, EncodedLen(len(over.Payload)))
	if _, err := Encode(bigBuf, over); err == nil {
		t.Fatal("expected LengthExceedsMax for payload over the cap")
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	buf := make([]byte, EncodedLen(0))
	m := &Message{Type: TypeCall}
	if _, err := Encode(buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[4] = 0x05 // not one of the 11 known types, not in the extension range
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected UnknownType error")
	}
}

func TestExtensionTypesPassThrough(t *testing.T) {
	m := &Message{Type: Type(0x90), Payload: []byte("ext")}
	buf := make([]byte, EncodedLen(len(m.Payload)))
	n, err := Encode(buf, m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != m.Type {
		t.Fatalf("expected extension type to round-trip, got %v", got.Type)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated many times: " +
		"the quick brown fox jumps over the lazy dog")
	compressed, err := Compress(payload)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	decompressed, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if string(decompressed) != string(payload) {
		t.Fatalf("compress round trip mismatch")
	}
}
