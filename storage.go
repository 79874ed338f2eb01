package main

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

var (
	ErrFileNotFound = errors.New("file not found")
	// ErrKeyAlreadyExists is the tagged variant for a duplicate key label,
	// matched with errors.Is rather than by message.
	ErrKeyAlreadyExists = errors.New("api key label already registered")
	ErrKeyNotFound      = errors.New("api key not found")
)

// Storage persists file records and API keys in SQLite. Envelope content is
// sealed with the master key before insert and opened on read, so a copy of
// the database alone reveals nothing about stored envelopes.
type Storage struct {
	db        *sql.DB
	masterKey [32]byte
}

// NewStorage opens the database and prepares the schema. The master key is
// derived from the configured string using SHA-256.
func NewStorage(dbPath string, masterKeyStr string) (*Storage, error) {
	masterKey := sha256.Sum256([]byte(masterKeyStr))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Storage{
		db:        db,
		masterKey: masterKey,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		mime TEXT,
		size INTEGER NOT NULL,
		content_sealed BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id);
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		label TEXT UNIQUE NOT NULL,
		owner_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		token_hash TEXT UNIQUE NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(token_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// sealContent encrypts an envelope string at rest using the master key
func (s *Storage) sealContent(content string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.masterKey[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nil, nonce, []byte(content), nil)
	return append(nonce, ciphertext...), nil
}

// openContent decrypts a sealed envelope using the master key
func (s *Storage) openContent(sealed []byte) (string, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return "", errors.New("sealed content too short")
	}

	aead, err := chacha20poly1305.NewX(s.masterKey[:])
	if err != nil {
		return "", err
	}

	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ciphertext := sealed[chacha20poly1305.NonceSizeX:]

	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// SaveFile stores a record and returns its generated id. The content field
// is the opaque envelope string; the store never interprets it.
func (s *Storage) SaveFile(rec *FileRecord) (string, error) {
	sealed, err := s.sealContent(rec.Content)
	if err != nil {
		return "", fmt.Errorf("seal content: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO files (id, owner_id, name, mime, size, content_sealed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, rec.OwnerID, rec.Name, rec.MIME, rec.Size, sealed, time.Now().Unix(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetFile retrieves a record by id, including the unsealed envelope content.
func (s *Storage) GetFile(id string) (*FileRecord, error) {
	query := `SELECT id, owner_id, name, mime, size, content_sealed, created_at
	          FROM files WHERE id = ?`

	var rec FileRecord
	var sealed []byte
	var createdUnix int64

	err := s.db.QueryRow(query, id).Scan(
		&rec.ID, &rec.OwnerID, &rec.Name, &rec.MIME,
		&rec.Size, &sealed, &createdUnix,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}

	content, err := s.openContent(sealed)
	if err != nil {
		return nil, fmt.Errorf("open content: %w", err)
	}

	rec.Content = content
	rec.CreatedAt = time.Unix(createdUnix, 0)
	return &rec, nil
}

// ListFiles returns metadata for all records owned by ownerID, newest first.
// Content stays sealed and is not included.
func (s *Storage) ListFiles(ownerID string) ([]FileRecord, error) {
	query := `SELECT id, owner_id, name, mime, size, created_at
	          FROM files WHERE owner_id = ? ORDER BY created_at DESC`
	return s.scanFiles(s.db.Query(query, ownerID))
}

// ListAllFiles returns metadata for every stored record (admin browse).
func (s *Storage) ListAllFiles() ([]FileRecord, error) {
	query := `SELECT id, owner_id, name, mime, size, created_at
	          FROM files ORDER BY created_at DESC`
	return s.scanFiles(s.db.Query(query))
}

func (s *Storage) scanFiles(rows *sql.Rows, err error) ([]FileRecord, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		var rec FileRecord
		var createdUnix int64
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Name, &rec.MIME, &rec.Size, &createdUnix); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdUnix, 0)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// DeleteFile removes a record by id (only if caller is owner)
func (s *Storage) DeleteFile(id, ownerID string) (bool, error) {
	result, err := s.db.Exec(
		"DELETE FROM files WHERE id = ? AND owner_id = ?",
		id, ownerID,
	)
	if err != nil {
		return false, err
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// CreateAPIKey registers a new scoped key. A duplicate label fails with
// ErrKeyAlreadyExists; the pre-check runs inside a transaction so the check
// and the insert are atomic.
func (s *Storage) CreateAPIKey(label, ownerID string, scope Scope, tokenHash string) (*APIKey, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRow("SELECT COUNT(*) FROM api_keys WHERE label = ?", label).Scan(&existing); err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyAlreadyExists, label)
	}

	key := &APIKey{
		ID:        uuid.NewString(),
		Label:     label,
		OwnerID:   ownerID,
		Scope:     scope,
		CreatedAt: time.Now(),
	}

	_, err = tx.Exec(
		`INSERT INTO api_keys (id, label, owner_id, scope, token_hash, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		key.ID, key.Label, key.OwnerID, string(key.Scope), tokenHash, key.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return key, nil
}

// LookupAPIKey resolves a token hash to its key. Unknown hashes fail with
// ErrUnknownToken, revoked keys with ErrKeyRevoked.
func (s *Storage) LookupAPIKey(tokenHash string) (*APIKey, error) {
	query := `SELECT id, label, owner_id, scope, revoked, created_at
	          FROM api_keys WHERE token_hash = ?`

	var key APIKey
	var revoked int
	var createdUnix int64
	var scope string

	err := s.db.QueryRow(query, tokenHash).Scan(
		&key.ID, &key.Label, &key.OwnerID, &scope, &revoked, &createdUnix,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, err
	}

	if revoked != 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyRevoked, key.Label)
	}

	key.Scope = Scope(scope)
	key.Revoked = false
	key.CreatedAt = time.Unix(createdUnix, 0)
	return &key, nil
}

// ListAPIKeys returns all issued keys, newest first. Token hashes are never
// included.
func (s *Storage) ListAPIKeys() ([]APIKey, error) {
	query := `SELECT id, label, owner_id, scope, revoked, created_at
	          FROM api_keys ORDER BY created_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var key APIKey
		var revoked int
		var createdUnix int64
		var scope string
		if err := rows.Scan(&key.ID, &key.Label, &key.OwnerID, &scope, &revoked, &createdUnix); err != nil {
			return nil, err
		}
		key.Scope = Scope(scope)
		key.Revoked = revoked != 0
		key.CreatedAt = time.Unix(createdUnix, 0)
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked by id. Returns false if no such key.
func (s *Storage) RevokeAPIKey(id string) (bool, error) {
	result, err := s.db.Exec("UPDATE api_keys SET revoked = 1 WHERE id = ?", id)
	if err != nil {
		return false, err
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}
