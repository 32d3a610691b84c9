package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/mutation"
)

func TestServeErrorMapping(t *testing.T) {
	server := &Server{log: zaptest.NewLogger(t)}

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{ErrBadRequest.New("no"), http.StatusBadRequest, "bad_request"},
		{meta.ErrNotFound.New("gone"), http.StatusNotFound, "not_found"},
		{meta.ErrInvalidPath.New("bad"), http.StatusBadRequest, "invalid_path"},
		{meta.ErrParentNotFound.New("orphan"), http.StatusNotFound, "parent_not_found"},
		{meta.ErrPathInUse.New("taken"), http.StatusConflict, "path_in_use"},
		{meta.ErrVersionConflict.New("stale"), http.StatusConflict, "version_conflict"},
		{meta.ErrIdempotencyMismatch.New("reused"), http.StatusConflict, "idempotency_mismatch"},
		{meta.ErrNodeDeleted.New("tombstone"), http.StatusGone, "node_deleted"},
		{mutation.ErrChecksumMismatch.New("corrupt"), http.StatusBadRequest, "checksum_mismatch"},
		{mutation.ErrNotEmpty.New("children"), http.StatusConflict, "directory_not_empty"},
		{Error.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/nodes", nil)
		server.serveError(rec, req, tt.err)
		require.Equal(t, tt.status, rec.Code, "%v", tt.err)
		require.Contains(t, rec.Body.String(), tt.code)
	}
}

func TestDecodeBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/directories",
		strings.NewReader(`{"backendMountId":1,"path":"/a","surprise":true}`))
	var body struct {
		BackendMountID int64  `json:"backendMountId"`
		Path           string `json:"path"`
	}
	err := decodeBody(req, &body)
	require.True(t, ErrBadRequest.Has(err))

	req = httptest.NewRequest("POST", "/v1/directories",
		strings.NewReader(`{"backendMountId":1,"path":"/a"}`))
	require.NoError(t, decodeBody(req, &body))
	require.Equal(t, int64(1), body.BackendMountID)
	require.Equal(t, "/a", body.Path)
}

func TestQueryInt64(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/nodes?backendMountId=7", nil)
	v, err := queryInt64(req, "backendMountId")
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, int64(7), *v)

	req = httptest.NewRequest("GET", "/v1/nodes", nil)
	v, err = queryInt64(req, "backendMountId")
	require.NoError(t, err)
	require.Nil(t, v)

	req = httptest.NewRequest("GET", "/v1/nodes?backendMountId=seven", nil)
	_, err = queryInt64(req, "backendMountId")
	require.True(t, ErrBadRequest.Has(err))
}
