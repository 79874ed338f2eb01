package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// maxUploadBody caps the request body for uploads. The envelope is roughly
// 1.8x the raw payload after the two base64 layers, so this leaves headroom
// over the 10 MiB payload bound enforced at encode time.
const maxUploadBody = 20 << 20

// Server handles HTTP requests
type Server struct {
	storage *Storage
	cfg     *Config
}

// NewServer creates a new server instance
func NewServer(storage *Storage, cfg *Config) *Server {
	return &Server{
		storage: storage,
		cfg:     cfg,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler returns the HTTP handler with all routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// File records
	mux.HandleFunc("POST /files", s.handleUploadFile)
	mux.HandleFunc("GET /files", s.handleListFiles)
	mux.HandleFunc("GET /files/{id}", s.handleGetFile)
	mux.HandleFunc("DELETE /files/{id}", s.handleDeleteFile)

	// API key administration
	mux.HandleFunc("POST /admin/keys", s.handleIssueKey)
	mux.HandleFunc("GET /admin/keys", s.handleListKeys)
	mux.HandleFunc("DELETE /admin/keys/{id}", s.handleRevokeKey)

	// Wrap with auth middleware
	return AuthMiddleware(s.storage, hashToken(s.cfg.AdminToken), mux)
}

// requireScope pulls the principal off the context and checks its scope,
// writing the 403 itself when the check fails.
func requireScope(w http.ResponseWriter, r *http.Request, required Scope) (*Principal, bool) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"status": "error",
			"error":  "no authenticated principal",
		})
		return nil, false
	}
	if !p.Scope.Allows(required) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"status": "error",
			"error":  ErrScopeInsufficient.Error(),
		})
		return nil, false
	}
	return p, true
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "filevault-server",
	})
}

// POST /files
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, ScopeWrite)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, UploadResponse{
			Status: "error",
			Error:  "invalid JSON: " + err.Error(),
		})
		return
	}

	// Validate
	if req.Name == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, UploadResponse{
			Status: "error",
			Error:  "missing required fields: name, content",
		})
		return
	}
	if req.Size < 0 {
		writeJSON(w, http.StatusBadRequest, UploadResponse{
			Status: "error",
			Error:  "size must not be negative",
		})
		return
	}

	rec := &FileRecord{
		OwnerID: p.OwnerID,
		Name:    req.Name,
		MIME:    req.MIME,
		Size:    req.Size,
		Content: req.Content,
	}

	id, err := s.storage.SaveFile(rec)
	if err != nil {
		log.Printf("[upload] error: %v", err)
		writeJSON(w, http.StatusInternalServerError, UploadResponse{
			Status: "error",
			Error:  "failed to save file",
		})
		return
	}

	log.Printf("[upload] id=%s owner=%s name=%s size=%d", id, p.OwnerID, req.Name, req.Size)
	writeJSON(w, http.StatusCreated, UploadResponse{
		Status: "ok",
		ID:     id,
	})
}

// GET /files/{id}
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, ScopeRead)
	if !ok {
		return
	}

	id := r.PathValue("id")
	rec, err := s.storage.GetFile(id)
	if errors.Is(err, ErrFileNotFound) {
		writeJSON(w, http.StatusNotFound, FileResponse{
			Status: "not_found",
			Error:  "file not found",
		})
		return
	}
	if err != nil {
		log.Printf("[get] error: %v", err)
		writeJSON(w, http.StatusInternalServerError, FileResponse{
			Status: "error",
			Error:  "failed to retrieve file",
		})
		return
	}

	// Owners see their own records; everything else needs admin scope.
	if rec.OwnerID != p.OwnerID && !p.Scope.Allows(ScopeAdmin) {
		writeJSON(w, http.StatusForbidden, FileResponse{
			Status: "error",
			Error:  "not the owner of this file",
		})
		return
	}

	log.Printf("[get] id=%s owner=%s", id, rec.OwnerID)
	writeJSON(w, http.StatusOK, FileResponse{
		Status: "ok",
		File:   rec,
	})
}

// GET /files (own records; ?all=1 lists everything, admin only)
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, ScopeRead)
	if !ok {
		return
	}

	var records []FileRecord
	var err error

	if r.URL.Query().Get("all") == "1" {
		if _, ok := requireScope(w, r, ScopeAdmin); !ok {
			return
		}
		records, err = s.storage.ListAllFiles()
	} else {
		records, err = s.storage.ListFiles(p.OwnerID)
	}

	if err != nil {
		log.Printf("[list] error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  "failed to list files",
		})
		return
	}

	if records == nil {
		records = []FileRecord{}
	}

	log.Printf("[list] owner=%s count=%d", p.OwnerID, len(records))
	writeJSON(w, http.StatusOK, ListFilesResponse{
		Status: "ok",
		Count:  len(records),
		Files:  records,
	})
}

// DELETE /files/{id}
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, ScopeWrite)
	if !ok {
		return
	}

	id := r.PathValue("id")
	deleted, err := s.storage.DeleteFile(id, p.OwnerID)
	if err != nil {
		log.Printf("[delete] error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  "failed to delete file",
		})
		return
	}

	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": "not_found",
			"error":  "file not found or not owned by this caller",
		})
		return
	}

	log.Printf("[delete] id=%s owner=%s", id, p.OwnerID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"id":     id,
	})
}

// POST /admin/keys
func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	_, ok := requireScope(w, r, ScopeAdmin)
	if !ok {
		return
	}

	var req IssueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, IssueKeyResponse{
			Status: "error",
			Error:  "invalid JSON: " + err.Error(),
		})
		return
	}

	if req.Label == "" || req.OwnerID == "" {
		writeJSON(w, http.StatusBadRequest, IssueKeyResponse{
			Status: "error",
			Error:  "missing required fields: label, owner_id",
		})
		return
	}

	scope, err := ParseScope(req.Scope)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, IssueKeyResponse{
			Status: "error",
			Error:  err.Error(),
		})
		return
	}

	token, err := newToken()
	if err != nil {
		log.Printf("[keys] token generation error: %v", err)
		writeJSON(w, http.StatusInternalServerError, IssueKeyResponse{
			Status: "error",
			Error:  "failed to generate token",
		})
		return
	}

	key, err := s.storage.CreateAPIKey(req.Label, req.OwnerID, scope, hashToken(token))
	if errors.Is(err, ErrKeyAlreadyExists) {
		writeJSON(w, http.StatusConflict, IssueKeyResponse{
			Status: "error",
			Error:  err.Error(),
		})
		return
	}
	if err != nil {
		log.Printf("[keys] error: %v", err)
		writeJSON(w, http.StatusInternalServerError, IssueKeyResponse{
			Status: "error",
			Error:  "failed to create api key",
		})
		return
	}

	log.Printf("[keys] issued id=%s label=%s scope=%s", key.ID, key.Label, key.Scope)
	writeJSON(w, http.StatusCreated, IssueKeyResponse{
		Status: "ok",
		Key:    key,
		Token:  token,
	})
}

// GET /admin/keys
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	_, ok := requireScope(w, r, ScopeAdmin)
	if !ok {
		return
	}

	keys, err := s.storage.ListAPIKeys()
	if err != nil {
		log.Printf("[keys] error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  "failed to list api keys",
		})
		return
	}

	if keys == nil {
		keys = []APIKey{}
	}

	writeJSON(w, http.StatusOK, ListKeysResponse{
		Status: "ok",
		Count:  len(keys),
		Keys:   keys,
	})
}

// DELETE /admin/keys/{id}
func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	_, ok := requireScope(w, r, ScopeAdmin)
	if !ok {
		return
	}

	id := r.PathValue("id")
	revoked, err := s.storage.RevokeAPIKey(id)
	if err != nil {
		log.Printf("[keys] error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  "failed to revoke api key",
		})
		return
	}

	if !revoked {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": "not_found",
			"error":  "api key not found",
		})
		return
	}

	log.Printf("[keys] revoked id=%s", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"id":     id,
	})
}

// newToken generates a fresh bearer token for an issued key.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
