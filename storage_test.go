package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "test.db"), "test-master-key")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetFile(t *testing.T) {
	s := newTestStorage(t)

	rec := &FileRecord{
		OwnerID: "alice",
		Name:    "report.pdf",
		MIME:    "application/pdf",
		Size:    1234,
		Content: "opaque-envelope-string",
	}

	id, err := s.SaveFile(rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetFile(id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, "report.pdf", got.Name)
	assert.Equal(t, "application/pdf", got.MIME)
	assert.Equal(t, int64(1234), got.Size)
	assert.Equal(t, "opaque-envelope-string", got.Content, "get must return the envelope exactly as put received it")
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetFileNotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetFile("no-such-id")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestContentSealedAtRest(t *testing.T) {
	s := newTestStorage(t)

	envelope := "very-recognizable-envelope-content"
	id, err := s.SaveFile(&FileRecord{OwnerID: "alice", Name: "f", Size: 1, Content: envelope})
	require.NoError(t, err)

	var sealed []byte
	err = s.db.QueryRow("SELECT content_sealed FROM files WHERE id = ?", id).Scan(&sealed)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), envelope, "envelope must not be stored in the clear")
}

func TestListFilesScopedToOwner(t *testing.T) {
	s := newTestStorage(t)

	for _, owner := range []string{"alice", "alice", "bob"} {
		_, err := s.SaveFile(&FileRecord{OwnerID: owner, Name: "f", Size: 1, Content: "c"})
		require.NoError(t, err)
	}

	alice, err := s.ListFiles("alice")
	require.NoError(t, err)
	assert.Len(t, alice, 2)
	for _, rec := range alice {
		assert.Equal(t, "alice", rec.OwnerID)
		assert.Empty(t, rec.Content, "list must not unseal content")
	}

	all, err := s.ListAllFiles()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteFileOwnerChecked(t *testing.T) {
	s := newTestStorage(t)

	id, err := s.SaveFile(&FileRecord{OwnerID: "alice", Name: "f", Size: 1, Content: "c"})
	require.NoError(t, err)

	deleted, err := s.DeleteFile(id, "bob")
	require.NoError(t, err)
	assert.False(t, deleted, "non-owner must not delete")

	deleted, err = s.DeleteFile(id, "alice")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetFile(id)
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestCreateAndLookupAPIKey(t *testing.T) {
	s := newTestStorage(t)

	hash := hashToken("secret-token")
	key, err := s.CreateAPIKey("ci-uploader", "alice", ScopeWrite, hash)
	require.NoError(t, err)
	assert.NotEmpty(t, key.ID)
	assert.Equal(t, ScopeWrite, key.Scope)

	got, err := s.LookupAPIKey(hash)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, "alice", got.OwnerID)
}

func TestCreateAPIKeyDuplicateLabel(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CreateAPIKey("ci", "alice", ScopeRead, hashToken("t1"))
	require.NoError(t, err)

	_, err = s.CreateAPIKey("ci", "bob", ScopeRead, hashToken("t2"))
	require.ErrorIs(t, err, ErrKeyAlreadyExists)
}

func TestLookupAPIKeyUnknown(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.LookupAPIKey(hashToken("never-issued"))
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestRevokeAPIKey(t *testing.T) {
	s := newTestStorage(t)

	hash := hashToken("secret")
	key, err := s.CreateAPIKey("temp", "alice", ScopeRead, hash)
	require.NoError(t, err)

	revoked, err := s.RevokeAPIKey(key.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = s.LookupAPIKey(hash)
	require.ErrorIs(t, err, ErrKeyRevoked)

	revoked, err = s.RevokeAPIKey("no-such-id")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestListAPIKeysHidesHashes(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CreateAPIKey("a", "alice", ScopeRead, hashToken("ta"))
	require.NoError(t, err)
	_, err = s.CreateAPIKey("b", "bob", ScopeAdmin, hashToken("tb"))
	require.NoError(t, err)

	keys, err := s.ListAPIKeys()
	require.NoError(t, err)
	require.Len(t, keys, 2)
}
