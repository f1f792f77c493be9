package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var ErrAuthRecordCorrupt = errors.New("authorization record is corrupt")

// AuthorizationRecord is the persisted part of the access control state.
type AuthorizationRecord struct {
	AuthorizedUsers []int64 `json:"authorized_users"`
	GratisMode      bool    `json:"gratis_mode"`
}

type AuthorizationStore interface {
	Load() (AuthorizationRecord, error)
	Save(AuthorizationRecord) error
}

// FileAuthStore keeps the record as one JSON document, rewritten in full on
// every save.
type FileAuthStore struct {
	path string
}

func NewFileAuthStore(path string) *FileAuthStore {
	return &FileAuthStore{path: path}
}

// Load returns an empty record when the file does not exist. An unreadable or
// malformed file yields an empty record together with an error wrapping
// ErrAuthRecordCorrupt.
func (s *FileAuthStore) Load() (AuthorizationRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return AuthorizationRecord{}, nil
	}
	if err != nil {
		return AuthorizationRecord{}, fmt.Errorf("%w: %v", ErrAuthRecordCorrupt, err)
	}
	var rec AuthorizationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return AuthorizationRecord{}, fmt.Errorf("%w: %v", ErrAuthRecordCorrupt, err)
	}
	return rec, nil
}

// Save writes to a temporary file, syncs it and renames it over the old
// record so a crash leaves either the previous or the new record on disk.
func (s *FileAuthStore) Save(rec AuthorizationRecord) error {
	users := append([]int64(nil), rec.AuthorizedUsers...)
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	if users == nil {
		users = []int64{}
	}
	data, err := json.MarshalIndent(AuthorizationRecord{AuthorizedUsers: users, GratisMode: rec.GratisMode}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %v: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".auth-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %v: %w", s.path, err)
	}
	return nil
}
