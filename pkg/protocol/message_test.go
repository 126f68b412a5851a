package protocol

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, p Payload) *Message {
	t.Helper()
	m := NewMessage(p)
	frame, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Header != m.Header {
		t.Fatalf("header mismatch: got %+v want %+v", d.Header, m.Header)
	}
	if !reflect.DeepEqual(d.Payload, p) {
		t.Fatalf("payload mismatch: got %#v want %#v", d.Payload, p)
	}
	return d
}

func TestRoundTripAllVariants(t *testing.T) {
	piece := Piece{
		Number:      3,
		ParentID:    "parent-1",
		Offset:      4096,
		Length:      1024,
		Digest:      "sha256:deadbeef",
		Content:     []byte("piece bytes"),
		TrafficType: 1,
		Cost:        1500,
		CreatedAt:   1700000000,
		UpdatedAt:   1700000100,
	}
	task := Task{
		ID:            "task-1",
		URL:           "http://origin/blob",
		Type:          "standard",
		Filters:       []string{"q", "lang"},
		Header:        map[string]string{"Accept": "*/*"},
		PieceLength:   1024,
		ContentLength: 4096,
		PieceCount:    4,
		Range:         &ByteRange{Start: 0, Length: 4096},
		Pieces:        []Piece{piece},
		State:         "succeeded",
		PeerCount:     2,
		CreatedAt:     1700000000,
		UpdatedAt:     1700000100,
	}

	payloads := []Payload{
		&DownloadPieceRequest{PieceID: "task-1-3", TaskID: "task-1"},
		&DownloadPieceResponse{Piece: &piece},
		&DownloadPieceResponse{},
		&DownloadTaskRequest{TaskID: "task-1"},
		&DownloadTaskResponse{Task: &task},
		&DownloadTaskResponse{},
		&SyncPiecesRequest{TaskID: "task-1"},
		&SyncPiecesResponse{Pieces: []Piece{piece, piece}},
		&SyncPiecesResponse{},
		&DownloadPersistentCachePieceRequest{PieceID: "task-1-3", TaskID: "task-1"},
		&DownloadPersistentCachePieceResponse{Piece: &piece},
		&HealthCheck{},
		&HealthCheckResponse{Status: "OK"},
	}
	for _, p := range payloads {
		roundTrip(t, p)
	}
}

func TestHeaderTagMatchesVariant(t *testing.T) {
	m := NewMessage(&SyncPiecesRequest{TaskID: "t"})
	if m.Header.Type != TypeSyncPieces {
		t.Fatalf("header tag %v, want %v", m.Header.Type, TypeSyncPieces)
	}
	if m.Header.ID == 0 || m.Header.Timestamp == 0 {
		t.Fatalf("correlation fields not populated: %+v", m.Header)
	}
}

func TestDecodeTruncated(t *testing.T) {
	frame, err := NewMessage(&DownloadPieceRequest{PieceID: "p", TaskID: "t"}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for cut := 0; cut < len(frame); cut++ {
		if _, err := Decode(frame[:cut]); err == nil {
			t.Fatalf("decode of %d/%d bytes succeeded", cut, len(frame))
		}
	}
}

func TestDecodeOverDeclaredLength(t *testing.T) {
	// Header-length prefix points past the end of the buffer.
	buf := binary.LittleEndian.AppendUint32(nil, 100)
	buf = append(buf, 0x01)
	if _, err := Decode(buf); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("got %v, want ErrTruncatedFrame", err)
	}
}

func TestDecodeAbsurdLength(t *testing.T) {
	buf := binary.LittleEndian.AppendUint32(nil, maxSectionLen+1)
	if _, err := Decode(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeToleratesHeaderTagMismatch(t *testing.T) {
	m := NewMessage(&HealthCheck{})
	m.Header.Type = TypeDownloadPiece // informational only
	frame, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := d.Payload.(*HealthCheck); !ok {
		t.Fatalf("payload variant %T, want *HealthCheck", d.Payload)
	}
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	m := NewMessage(&HealthCheck{})
	frame, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Re-encode with a stale header size.
	m.Header.Size++
	hb, err := encMode.Marshal(&m.Header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	pb, _, err := section(frame[4+int(frameHeaderLen(frame)):])
	if err != nil {
		t.Fatalf("section: %v", err)
	}
	bad := binary.LittleEndian.AppendUint32(nil, uint32(len(hb)))
	bad = append(bad, hb...)
	bad = binary.LittleEndian.AppendUint32(bad, uint32(len(pb)))
	bad = append(bad, pb...)
	if _, err := Decode(bad); err == nil {
		t.Fatal("decode accepted stale header size")
	}
}

func frameHeaderLen(frame []byte) uint32 {
	return binary.LittleEndian.Uint32(frame[:4])
}

func TestDecodeRejectsUnknownVariant(t *testing.T) {
	frame, err := NewMessage(&HealthCheck{}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Patch the variant tag byte to an unknown value.
	off := 4 + int(frameHeaderLen(frame)) + 4
	frame[off] = 0xEE
	if _, err := Decode(frame); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("got %v, want ErrUnknownVariant", err)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	frame, err := NewMessage(&HealthCheck{}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(append(frame, 0x00)); err == nil {
		t.Fatal("decode accepted trailing bytes")
	}
}

func TestEncodeSetsAuthoritativeSize(t *testing.T) {
	m := NewMessage(&HealthCheckResponse{Status: "OK"})
	frame, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	hl := frameHeaderLen(frame)
	pl := binary.LittleEndian.Uint32(frame[4+hl : 8+hl])
	if m.Header.Size != pl {
		t.Fatalf("header size %d, payload length %d", m.Header.Size, pl)
	}
	if len(frame) != int(8+hl+pl) {
		t.Fatalf("frame length %d, want %d", len(frame), 8+hl+pl)
	}
}
