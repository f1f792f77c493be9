package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileAuthStore_MissingFileIsEmpty(t *testing.T) {
	s := NewFileAuthStore(filepath.Join(t.TempDir(), "auth_data.json"))
	rec, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, rec.AuthorizedUsers)
	assert.False(t, rec.GratisMode)
}

func TestFileAuthStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_data.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"authorized_users": "nope"}`), 0644))

	rec, err := NewFileAuthStore(path).Load()
	assert.ErrorIs(t, err, ErrAuthRecordCorrupt)
	assert.Empty(t, rec.AuthorizedUsers)
	assert.False(t, rec.GratisMode)
}

func TestFileAuthStore_MissingKeysDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_data.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gratis_mode": true}`), 0644))

	rec, err := NewFileAuthStore(path).Load()
	require.NoError(t, err)
	assert.Empty(t, rec.AuthorizedUsers)
	assert.True(t, rec.GratisMode)
}

func TestFileAuthStore_SaveWritesFullRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "auth_data.json")
	s := NewFileAuthStore(path)
	require.NoError(t, s.Save(AuthorizationRecord{AuthorizedUsers: []int64{5, 1}, GratisMode: true}))
	require.NoError(t, s.Save(AuthorizationRecord{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, []any{}, raw["authorized_users"])
	assert.Equal(t, false, raw["gratis_mode"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestFileAuthStore_RoundTrip(t *testing.T) {
	s := NewFileAuthStore(filepath.Join(t.TempDir(), "auth_data.json"))
	want := AuthorizationRecord{AuthorizedUsers: []int64{1, 5, 9}, GratisMode: true}
	require.NoError(t, s.Save(AuthorizationRecord{AuthorizedUsers: []int64{9, 1, 5}, GratisMode: true}))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
