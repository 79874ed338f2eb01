package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "test-admin-token"

func newTestServer(t *testing.T) (*Storage, *httptest.Server) {
	t.Helper()
	storage := newTestStorage(t)
	cfg := defaultConfig()
	cfg.AdminToken = testAdminToken

	ts := httptest.NewServer(NewServer(storage, cfg).Handler())
	t.Cleanup(ts.Close)
	return storage, ts
}

func doJSON(t *testing.T, method, url, token string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func issueKey(t *testing.T, ts *httptest.Server, label, owner, scope string) string {
	t.Helper()

	var resp IssueKeyResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/admin/keys", testAdminToken,
		IssueKeyRequest{Label: label, OwnerID: owner, Scope: scope}, &resp)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthUnauthenticated(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadGetDeleteFlow(t *testing.T) {
	_, ts := newTestServer(t)
	token := issueKey(t, ts, "alice-key", "alice", "write")

	var up UploadResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/files", token, UploadRequest{
		Name:    "notes.txt",
		MIME:    "text/plain",
		Size:    11,
		Content: "opaque-envelope",
	}, &up)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, up.ID)

	var got FileResponse
	code = doJSON(t, http.MethodGet, ts.URL+"/files/"+up.ID, token, nil, &got)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, got.File)
	assert.Equal(t, "notes.txt", got.File.Name)
	assert.Equal(t, "opaque-envelope", got.File.Content, "content must round-trip verbatim through storage")
	assert.Equal(t, "alice", got.File.OwnerID)

	var list ListFilesResponse
	code = doJSON(t, http.MethodGet, ts.URL+"/files", token, nil, &list)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, list.Count)
	assert.Empty(t, list.Files[0].Content, "listing must not include envelope content")

	code = doJSON(t, http.MethodDelete, ts.URL+"/files/"+up.ID, token, nil, nil)
	require.Equal(t, http.StatusOK, code)

	code = doJSON(t, http.MethodGet, ts.URL+"/files/"+up.ID, token, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUploadRequiresWriteScope(t *testing.T) {
	_, ts := newTestServer(t)
	token := issueKey(t, ts, "reader", "alice", "read")

	code := doJSON(t, http.MethodPost, ts.URL+"/files", token, UploadRequest{
		Name: "x", Size: 1, Content: "c",
	}, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestUploadValidation(t *testing.T) {
	_, ts := newTestServer(t)
	token := issueKey(t, ts, "writer", "alice", "write")

	code := doJSON(t, http.MethodPost, ts.URL+"/files", token, UploadRequest{Name: "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, code, "missing content")

	code = doJSON(t, http.MethodPost, ts.URL+"/files", token, UploadRequest{Content: "c"}, nil)
	assert.Equal(t, http.StatusBadRequest, code, "missing name")

	code = doJSON(t, http.MethodPost, ts.URL+"/files", token,
		UploadRequest{Name: "x", Content: "c", Size: -1}, nil)
	assert.Equal(t, http.StatusBadRequest, code, "negative size")
}

func TestGetFileOwnership(t *testing.T) {
	_, ts := newTestServer(t)
	aliceToken := issueKey(t, ts, "alice-key", "alice", "write")
	bobToken := issueKey(t, ts, "bob-key", "bob", "read")

	var up UploadResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/files", aliceToken, UploadRequest{
		Name: "private", Size: 1, Content: "c",
	}, &up)
	require.Equal(t, http.StatusCreated, code)

	code = doJSON(t, http.MethodGet, ts.URL+"/files/"+up.ID, bobToken, nil, nil)
	assert.Equal(t, http.StatusForbidden, code, "non-owner without admin scope")

	code = doJSON(t, http.MethodGet, ts.URL+"/files/"+up.ID, testAdminToken, nil, nil)
	assert.Equal(t, http.StatusOK, code, "admin can read any record")
}

func TestAdminBrowseAllFiles(t *testing.T) {
	_, ts := newTestServer(t)
	aliceToken := issueKey(t, ts, "alice-key", "alice", "write")
	bobToken := issueKey(t, ts, "bob-key", "bob", "write")

	for _, token := range []string{aliceToken, bobToken} {
		code := doJSON(t, http.MethodPost, ts.URL+"/files", token, UploadRequest{
			Name: "f", Size: 1, Content: "c",
		}, nil)
		require.Equal(t, http.StatusCreated, code)
	}

	var all ListFilesResponse
	code := doJSON(t, http.MethodGet, ts.URL+"/files?all=1", testAdminToken, nil, &all)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, all.Count)

	code = doJSON(t, http.MethodGet, ts.URL+"/files?all=1", aliceToken, nil, nil)
	assert.Equal(t, http.StatusForbidden, code, "browse-all needs admin scope")
}

func TestIssueKeyValidation(t *testing.T) {
	_, ts := newTestServer(t)

	code := doJSON(t, http.MethodPost, ts.URL+"/admin/keys", testAdminToken,
		IssueKeyRequest{Label: "x", OwnerID: "alice", Scope: "root"}, nil)
	assert.Equal(t, http.StatusBadRequest, code, "invalid scope")

	code = doJSON(t, http.MethodPost, ts.URL+"/admin/keys", testAdminToken,
		IssueKeyRequest{Scope: "read"}, nil)
	assert.Equal(t, http.StatusBadRequest, code, "missing label and owner")
}

func TestIssueKeyDuplicateLabel(t *testing.T) {
	_, ts := newTestServer(t)
	issueKey(t, ts, "ci", "alice", "read")

	code := doJSON(t, http.MethodPost, ts.URL+"/admin/keys", testAdminToken,
		IssueKeyRequest{Label: "ci", OwnerID: "bob", Scope: "read"}, nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestIssueKeyRequiresAdmin(t *testing.T) {
	_, ts := newTestServer(t)
	token := issueKey(t, ts, "writer", "alice", "write")

	code := doJSON(t, http.MethodPost, ts.URL+"/admin/keys", token,
		IssueKeyRequest{Label: "sneaky", OwnerID: "alice", Scope: "admin"}, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRevokeKeyCutsAccess(t *testing.T) {
	_, ts := newTestServer(t)
	token := issueKey(t, ts, "temp", "alice", "read")

	var keys ListKeysResponse
	code := doJSON(t, http.MethodGet, ts.URL+"/admin/keys", testAdminToken, nil, &keys)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, keys.Count)

	code = doJSON(t, http.MethodDelete, ts.URL+"/admin/keys/"+keys.Keys[0].ID, testAdminToken, nil, nil)
	require.Equal(t, http.StatusOK, code)

	code = doJSON(t, http.MethodGet, ts.URL+"/files", token, nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
}
