// Package protocol defines the message envelope exchanged once per stream
// between peers: a small header and a tagged payload, each independently
// CBOR-encoded and length-prefixed.
//
// Wire layout of one frame:
//
//	[u32le header-len][header bytes][u32le payload-len][payload bytes]
//
// The payload block starts with a single variant-tag byte followed by the
// CBOR encoding of the active variant.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

var (
	// ErrTruncatedFrame reports a frame shorter than its declared lengths.
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	// ErrFrameTooLarge reports a declared section length above the guard.
	ErrFrameTooLarge = errors.New("protocol: frame section too large")
	// ErrUnknownVariant reports a payload tag outside the known union.
	ErrUnknownVariant = errors.New("protocol: unknown payload variant")
)

// maxSectionLen guards against absurd declared lengths. Piece content rides
// inside the payload, so the cap is generous.
const maxSectionLen = 1 << 30

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Header describes one message. Size is the exact payload block length and
// is validated on decode. ID is a construction-time nanosecond timestamp
// used for log correlation only; streams carry exactly one request and one
// response, so correlation by stream identity is what matters.
type Header struct {
	Type      MessageType `cbor:"1,keyasint"`
	ID        uint64      `cbor:"2,keyasint"`
	Size      uint32      `cbor:"3,keyasint"`
	Timestamp uint64      `cbor:"4,keyasint"`
}

// Message is the header + payload unit exchanged once per stream.
type Message struct {
	Header  Header
	Payload Payload
}

// NewMessage builds a message around p with the header tag, correlation id
// and millisecond timestamp filled in. Size is set during Encode.
func NewMessage(p Payload) *Message {
	now := time.Now()
	return &Message{
		Header: Header{
			Type:      p.messageType(),
			ID:        uint64(now.UnixNano()),
			Timestamp: uint64(now.UnixMilli()),
		},
		Payload: p,
	}
}

// Encode serializes the message into a single frame.
func (m *Message) Encode() ([]byte, error) {
	pb, err := encodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	m.Header.Size = uint32(len(pb))
	hb, err := encMode.Marshal(&m.Header)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode header: %w", err)
	}
	out := make([]byte, 0, 8+len(hb)+len(pb))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(hb)))
	out = append(out, hb...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(pb)))
	out = append(out, pb...)
	return out, nil
}

// Decode parses a single frame. Declared lengths are checked against the
// buffer before any slicing; a short or over-declared frame yields
// ErrTruncatedFrame. A header tag that disagrees with the payload variant is
// tolerated, the tag is informational.
func Decode(data []byte) (*Message, error) {
	hb, rest, err := section(data)
	if err != nil {
		return nil, fmt.Errorf("%w: header", err)
	}
	var h Header
	if err := decMode.Unmarshal(hb, &h); err != nil {
		return nil, fmt.Errorf("protocol: decode header: %w", err)
	}
	pb, rest, err := section(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: payload", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("protocol: %d trailing bytes after frame", len(rest))
	}
	if h.Size != uint32(len(pb)) {
		return nil, fmt.Errorf("protocol: header size %d does not match payload length %d", h.Size, len(pb))
	}
	p, err := decodePayload(pb)
	if err != nil {
		return nil, err
	}
	return &Message{Header: h, Payload: p}, nil
}

// section consumes one u32le length prefix and the block it declares.
func section(data []byte) (block, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrTruncatedFrame
	}
	n := binary.LittleEndian.Uint32(data[:4])
	if n > maxSectionLen {
		return nil, nil, ErrFrameTooLarge
	}
	if uint32(len(data)-4) < n {
		return nil, nil, ErrTruncatedFrame
	}
	return data[4 : 4+n], data[4+n:], nil
}

func encodePayload(p Payload) ([]byte, error) {
	body, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(p.messageType())
	copy(out[1:], body)
	return out, nil
}

func decodePayload(b []byte) (Payload, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrTruncatedFrame)
	}
	var p Payload
	switch MessageType(b[0]) {
	case TypeDownloadPiece:
		p = new(DownloadPieceRequest)
	case TypeDownloadPieceResponse:
		p = new(DownloadPieceResponse)
	case TypeDownloadTask:
		p = new(DownloadTaskRequest)
	case TypeDownloadTaskResponse:
		p = new(DownloadTaskResponse)
	case TypeSyncPieces:
		p = new(SyncPiecesRequest)
	case TypeSyncPiecesResponse:
		p = new(SyncPiecesResponse)
	case TypeDownloadPersistentCachePiece:
		p = new(DownloadPersistentCachePieceRequest)
	case TypeDownloadPersistentCachePieceResponse:
		p = new(DownloadPersistentCachePieceResponse)
	case TypeHealthCheck:
		p = new(HealthCheck)
	case TypeHealthCheckResponse:
		p = new(HealthCheckResponse)
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownVariant, b[0])
	}
	if err := decMode.Unmarshal(b[1:], p); err != nil {
		return nil, fmt.Errorf("protocol: decode %s payload: %w", MessageType(b[0]), err)
	}
	return p, nil
}
