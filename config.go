package main

import "time"

// Config holds server configuration. Values come from the environment
// (optionally via a .env file) with flag overrides in main.
type Config struct {
	Port       int    `env:"FILEVAULT_PORT" envDefault:"8443"`
	DBPath     string `env:"FILEVAULT_DB" envDefault:"filevault.db"`
	MasterKey  string `env:"FILEVAULT_MASTER_KEY"`  // Seals stored envelopes at rest (required)
	AdminToken string `env:"FILEVAULT_ADMIN_TOKEN"` // Bootstrap admin bearer token (required)
	CertFile   string `env:"FILEVAULT_TLS_CERT" envDefault:"server.crt"`
	KeyFile    string `env:"FILEVAULT_TLS_KEY" envDefault:"server.key"`
	HTTPMode   bool   `env:"FILEVAULT_HTTP"` // Plain HTTP instead of HTTPS (dev only)
}

// FileRecord represents a stored file: metadata plus the client-side
// encrypted envelope in Content. Content is sealed with the server master key
// before it touches the database and is only populated on single-record gets.
type FileRecord struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	MIME      string    `json:"mime"`
	Size      int64     `json:"size"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is an issued scoped credential. The bearer token itself is only
// returned once at issue time; the store keeps its hash.
type APIKey struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	OwnerID   string    `json:"owner_id"`
	Scope     Scope     `json:"scope"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// UploadRequest is the request body for POST /files
type UploadRequest struct {
	Name    string `json:"name"`
	MIME    string `json:"mime"`
	Size    int64  `json:"size"`
	Content string `json:"content"` // Envelope produced by the client
}

// UploadResponse is the response for POST /files
type UploadResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FileResponse is the response for GET /files/{id}
type FileResponse struct {
	Status string      `json:"status"`
	File   *FileRecord `json:"file,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ListFilesResponse is the response for GET /files
type ListFilesResponse struct {
	Status string       `json:"status"`
	Count  int          `json:"count"`
	Files  []FileRecord `json:"files"`
}

// IssueKeyRequest is the request body for POST /admin/keys
type IssueKeyRequest struct {
	Label   string `json:"label"`
	OwnerID string `json:"owner_id"`
	Scope   string `json:"scope"`
}

// IssueKeyResponse is the response for POST /admin/keys. Token carries the
// plaintext bearer token and is never reproducible afterwards.
type IssueKeyResponse struct {
	Status string  `json:"status"`
	Key    *APIKey `json:"key,omitempty"`
	Token  string  `json:"token,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// ListKeysResponse is the response for GET /admin/keys
type ListKeysResponse struct {
	Status string   `json:"status"`
	Count  int      `json:"count"`
	Keys   []APIKey `json:"keys"`
}

func defaultConfig() *Config {
	return &Config{
		Port:     8443,
		DBPath:   "filevault.db",
		CertFile: "server.crt",
		KeyFile:  "server.key",
	}
}
