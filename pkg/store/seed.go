package store

import (
	"encoding/json"
	"fmt"
	"os"
)

// Seed is the JSON fixture format the daemon can preload the store from.
type Seed struct {
	Tasks                 []TaskMetadata  `json:"tasks,omitempty"`
	Pieces                []PieceMetadata `json:"pieces,omitempty"`
	PersistentCachePieces []PieceMetadata `json:"persistent_cache_pieces,omitempty"`
}

// LoadSeed reads a seed fixture from path.
func LoadSeed(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read seed file: %w", err)
	}
	var s Seed
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("store: decode seed file %s: %w", path, err)
	}
	return &s, nil
}

// Apply inserts all seed records into m.
func (s *Seed) Apply(m *Memory) error {
	for i := range s.Tasks {
		if err := m.PutTask(&s.Tasks[i]); err != nil {
			return err
		}
	}
	for i := range s.Pieces {
		if err := m.PutPiece(&s.Pieces[i]); err != nil {
			return err
		}
	}
	for i := range s.PersistentCachePieces {
		if err := m.PutPersistentCachePiece(&s.PersistentCachePieces[i]); err != nil {
			return err
		}
	}
	return nil
}
