package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "ltabot/pkg/logx"
)

// fileStore keeps the snapshot in a single JSON file. Writes go through
// a temp file and rename so a crash mid-save never leaves a torn file.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for file driver")
	}
	if filepath.Ext(path) == "" {
		path += ".json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(ctx context.Context) (*Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSnapshot(), nil
		}
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	if snap.Chats == nil {
		snap.Chats = map[string]*ChatState{}
	}
	if snap.Groups == nil {
		snap.Groups = map[string]string{}
	}
	return &snap, nil
}

func (s *fileStore) Save(ctx context.Context, snap *Snapshot) error {
	_ = ctx
	if snap == nil {
		return nil
	}
	snap.SavedAt = time.Now().UTC()

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &PersistenceError{Op: "save", Err: err}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &PersistenceError{Op: "save", Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return &PersistenceError{Op: "save", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}
