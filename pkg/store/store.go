// Package store holds content metadata served over the piece-transfer
// protocol: pieces, tasks and persistent-cache pieces. The protocol server
// consumes the Store interface; Memory is the in-process implementation.
package store

import "context"

// PieceMetadata is the store-owned record for one piece. The protocol layer
// copies wire-projection fields out of it and never mutates it.
type PieceMetadata struct {
	ID	string	`cbor:"1,keyasint" json:"id"`
	TaskID	string	`cbor:"2,keyasint" json:"task_id"`
	Number	uint32	`cbor:"3,keyasint" json:"number"`
	ParentID	string	`cbor:"4,keyasint,omitempty" json:"parent_id,omitempty"`
	Offset	uint64	`cbor:"5,keyasint" json:"offset"`
	Length	uint64	`cbor:"6,keyasint" json:"length"`
	Digest	string	`cbor:"7,keyasint" json:"digest"`
	Content	[]byte	`cbor:"8,keyasint,omitempty" json:"content,omitempty"`
	TrafficType	int32	`cbor:"9,keyasint" json:"traffic_type"`
	Cost	int64	`cbor:"10,keyasint" json:"cost"`
	CreatedAt	int64	`cbor:"11,keyasint" json:"created_at"`
	UpdatedAt	int64	`cbor:"12,keyasint" json:"updated_at"`
}

// TaskMetadata is the store-owned record for one task.
type TaskMetadata struct {
	ID	string	`cbor:"1,keyasint" json:"id"`
	URL	string	`cbor:"2,keyasint" json:"url"`
	Type	string	`cbor:"3,keyasint" json:"type"`
	Filters	[]string	`cbor:"4,keyasint,omitempty" json:"filters,omitempty"`
	Header	map[string]string	`cbor:"5,keyasint,omitempty" json:"header,omitempty"`
	PieceLength	uint64	`cbor:"6,keyasint" json:"piece_length"`
	ContentLength	uint64	`cbor:"7,keyasint" json:"content_length"`
	PieceCount	uint32	`cbor:"8,keyasint" json:"piece_count"`
	RangeStart	uint64	`cbor:"9,keyasint,omitempty" json:"range_start,omitempty"`
	RangeLength	uint64	`cbor:"10,keyasint,omitempty" json:"range_length,omitempty"`
	HasRange	bool	`cbor:"11,keyasint,omitempty" json:"has_range,omitempty"`
	State	string	`cbor:"12,keyasint" json:"state"`
	PeerCount	uint32	`cbor:"13,keyasint" json:"peer_count"`
	CreatedAt	int64	`cbor:"14,keyasint" json:"created_at"`
	UpdatedAt	int64	`cbor:"15,keyasint" json:"updated_at"`
}

// Store is the lookup surface the protocol server dispatches to. Lookups
// that miss return (nil, nil); errors are reserved for storage failures.
// Implementations must be safe for concurrent use by many stream handlers.
type Store interface {
	GetPiece(ctx context.Context, pieceID string) (*PieceMetadata, error)
	GetTask(ctx context.Context, taskID string) (*TaskMetadata, error)
	ListPieces(ctx context.Context, taskID string) ([]PieceMetadata, error)
	GetPersistentCachePiece(ctx context.Context, pieceID string) (*PieceMetadata, error)
}
