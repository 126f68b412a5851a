package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// Key prefixes inside the KV. Piece ids are globally unique (task id +
// piece number), so a flat namespace per record kind is enough.
const (
	keyPiece      = "piece:"
	keyTask       = "task:"
	keyCachePiece = "pcache:"
	keyTaskIndex  = "task-pieces:"
)

// MemoryOptions tunes the in-memory store.
type MemoryOptions struct {
	KV KVOptions
	// PieceTTL bounds the lifetime of regular pieces. Zero keeps them until
	// deleted. Persistent-cache pieces never expire.
	PieceTTL time.Duration
}

// Memory is an in-memory Store backed by the sharded KV, with records
// CBOR-encoded and a per-task index of piece ids for ListPieces.
type Memory struct {
	opts MemoryOptions
	kv   *KV

	// idxMu serializes read-modify-write of the per-task piece index.
	idxMu sync.Mutex
}

// NewMemory builds an empty in-memory store.
func NewMemory(opts MemoryOptions) *Memory {
	return &Memory{opts: opts, kv: NewKV(opts.KV)}
}

// KV exposes the underlying byte store for metrics.
func (m *Memory) KV() *KV { return m.kv }

// PutPiece stores a piece record and links it to its task.
func (m *Memory) PutPiece(p *PieceMetadata) error {
	if p.ID == "" || p.TaskID == "" {
		return fmt.Errorf("store: piece needs id and task id")
	}
	b, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: encode piece %s: %w", p.ID, err)
	}
	if !m.kv.Set(keyPiece+p.ID, b, m.opts.PieceTTL) {
		return fmt.Errorf("store: piece %s rejected, byte cap reached", p.ID)
	}

	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	ids, err := m.pieceIndex(p.TaskID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == p.ID {
			return nil
		}
	}
	ids = append(ids, p.ID)
	ib, err := cbor.Marshal(ids)
	if err != nil {
		return fmt.Errorf("store: encode piece index for %s: %w", p.TaskID, err)
	}
	if !m.kv.Set(keyTaskIndex+p.TaskID, ib, 0) {
		return fmt.Errorf("store: piece index for %s rejected, byte cap reached", p.TaskID)
	}
	return nil
}

// PutTask stores a task record.
func (m *Memory) PutTask(t *TaskMetadata) error {
	if t.ID == "" {
		return fmt.Errorf("store: task needs an id")
	}
	b, err := cbor.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: encode task %s: %w", t.ID, err)
	}
	if !m.kv.Set(keyTask+t.ID, b, 0) {
		return fmt.Errorf("store: task %s rejected, byte cap reached", t.ID)
	}
	return nil
}

// PutPersistentCachePiece stores a piece in the persistent cache tier.
func (m *Memory) PutPersistentCachePiece(p *PieceMetadata) error {
	if p.ID == "" {
		return fmt.Errorf("store: piece needs an id")
	}
	b, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: encode cache piece %s: %w", p.ID, err)
	}
	if !m.kv.Set(keyCachePiece+p.ID, b, 0) {
		return fmt.Errorf("store: cache piece %s rejected, byte cap reached", p.ID)
	}
	return nil
}

// GetPiece implements Store.
func (m *Memory) GetPiece(_ context.Context, pieceID string) (*PieceMetadata, error) {
	return m.getPiece(keyPiece + pieceID)
}

// GetPersistentCachePiece implements Store.
func (m *Memory) GetPersistentCachePiece(_ context.Context, pieceID string) (*PieceMetadata, error) {
	return m.getPiece(keyCachePiece + pieceID)
}

func (m *Memory) getPiece(key string) (*PieceMetadata, error) {
	b, ok := m.kv.Get(key)
	if !ok {
		return nil, nil
	}
	var p PieceMetadata
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return &p, nil
}

// GetTask implements Store.
func (m *Memory) GetTask(_ context.Context, taskID string) (*TaskMetadata, error) {
	b, ok := m.kv.Get(keyTask + taskID)
	if !ok {
		return nil, nil
	}
	var t TaskMetadata
	if err := cbor.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("store: decode task %s: %w", taskID, err)
	}
	return &t, nil
}

// ListPieces implements Store. Pieces come back ordered by piece number; an
// unknown task yields an empty list, not an error.
func (m *Memory) ListPieces(ctx context.Context, taskID string) ([]PieceMetadata, error) {
	m.idxMu.Lock()
	ids, err := m.pieceIndex(taskID)
	m.idxMu.Unlock()
	if err != nil {
		return nil, err
	}
	pieces := make([]PieceMetadata, 0, len(ids))
	for _, id := range ids {
		p, err := m.GetPiece(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			// Expired between index read and fetch.
			continue
		}
		pieces = append(pieces, *p)
	}
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].Number < pieces[j].Number })
	return pieces, nil
}

// pieceIndex loads the piece-id index of a task. Caller holds idxMu when a
// read-modify-write follows.
func (m *Memory) pieceIndex(taskID string) ([]string, error) {
	b, ok := m.kv.Get(keyTaskIndex + taskID)
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := cbor.Unmarshal(b, &ids); err != nil {
		return nil, fmt.Errorf("store: decode piece index for %s: %w", taskID, err)
	}
	return ids, nil
}
