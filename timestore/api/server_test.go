package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
	"github.com/benediktbwimmer/apphub-sub012/timestore/ingest"
	"github.com/benediktbwimmer/apphub-sub012/timestore/spool"
)

func TestServeErrorMapping(t *testing.T) {
	server := &Server{log: zaptest.NewLogger(t)}

	cases := []struct {
		err    error
		code   string
		status int
	}{
		{ErrBadRequest.New("missing slug"), "bad_request", http.StatusBadRequest},
		{datasets.ErrNotFound.New("dataset 7"), "not_found", http.StatusNotFound},
		{backend.ErrNotFound.New("blob gone"), "not_found", http.StatusNotFound},
		{datasets.ErrSchemaIncompatible.New("drops fields"), "schema_incompatible", http.StatusBadRequest},
		{datasets.ErrVersionConflict.New("changed since read"), "version_conflict", http.StatusConflict},
		{spool.ErrSpoolFull.New("1 GiB staged"), "spool_full", http.StatusInsufficientStorage},
		{ingest.ErrStorageWriteFailed.New("s3 put"), "storage_write_failed", http.StatusBadGateway},
		{backend.ErrUnavailable.New("connection refused"), "backend_unavailable", http.StatusServiceUnavailable},
		{ingest.Error.New("boom"), "internal", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/ingest", nil)
		server.serveError(rec, req, tc.err)
		require.Equal(t, tc.status, rec.Code, "%v", tc.err)
		require.Contains(t, rec.Body.String(), `"code":"`+tc.code+`"`, "%v", tc.err)
	}
}

func TestDecodeBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/admin/datasets", strings.NewReader(`{"slug":"a","bogus":1}`))
	var body struct {
		Slug string `json:"slug"`
	}
	err := decodeBody(req, &body)
	require.True(t, ErrBadRequest.Has(err))

	req = httptest.NewRequest("POST", "/admin/datasets", strings.NewReader(`{"slug":"a"}`))
	require.NoError(t, decodeBody(req, &body))
	require.Equal(t, "a", body.Slug)
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/datasets?limit=25", nil)
	value, err := queryInt(req, "limit", 100)
	require.NoError(t, err)
	require.Equal(t, 25, value)

	value, err = queryInt(req, "offset", 0)
	require.NoError(t, err)
	require.Equal(t, 0, value)

	req = httptest.NewRequest("GET", "/admin/datasets?limit=nope", nil)
	_, err = queryInt(req, "limit", 100)
	require.True(t, ErrBadRequest.Has(err))
}
