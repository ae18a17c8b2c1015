package fallback

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/scrypster/typedex/pkg/types"
)

// snapshot is the on-disk layout of the fallback store: one JSON document
// with a top-level collection per record kind.
type snapshot struct {
	Entities      []types.Entity       `json:"entities"`
	Users         []types.User         `json:"users"`
	Ratings       []types.Rating       `json:"ratings"`
	Comments      []types.Comment      `json:"comments"`
	TypingSystems []types.TypingSystem `json:"typingSystems"`
	EditHistory   []types.EditRecord   `json:"editHistory"`
	Embeddings    map[string][]float32 `json:"embeddings"`
}

func emptySnapshot() *snapshot {
	return &snapshot{
		Entities:   []types.Entity{},
		Users:      []types.User{},
		Ratings:    []types.Rating{},
		Comments:   []types.Comment{},
		Embeddings: map[string][]float32{},
	}
}

// loadSnapshot reads the snapshot file. A missing file yields an empty
// dataset; a corrupt file is logged and replaced with an empty dataset so
// startup never fails on a bad snapshot.
func loadSnapshot(path string) (*snapshot, error) {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fallback: failed to read snapshot %s: %w", path, err)
	}

	var data snapshot
	if err := json.Unmarshal(buf, &data); err != nil {
		log.Printf("fallback: snapshot %s is corrupt, starting with an empty dataset: %v", path, err)
		return emptySnapshot(), nil
	}

	if data.Embeddings == nil {
		data.Embeddings = map[string][]float32{}
	}
	return &data, nil
}

// persistLocked rewrites the whole snapshot atomically: serialize to a temp
// file in the same directory, then rename over the target so a crash mid-write
// never leaves a partially written snapshot. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	buf, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("fallback: failed to serialize snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fallback: failed to create snapshot directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("fallback: failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fallback: failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fallback: failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fallback: failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fallback: failed to replace snapshot %s: %w", s.path, err)
	}
	return nil
}
