// Package api implements the filestore HTTP surface: node browsing, the
// mutation commands, reconciliation control and the event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/mutation"
	"github.com/benediktbwimmer/apphub-sub012/filestore/reconcile"
	"github.com/benediktbwimmer/apphub-sub012/filestore/rollup"
)

var (
	// Error is the default api errs class.
	Error = errs.Class("filestore api")
	// ErrBadRequest is returned for malformed request payloads.
	ErrBadRequest = errs.Class("bad request")

	mon = monkit.Package()
)

// Config defines the configuration for the filestore api server.
type Config struct {
	Address        string        `help:"address to listen on" default:":10100"`
	MaxUploadBytes int64         `help:"largest accepted file upload" default:"268435456"`
	ShutdownGrace  time.Duration `help:"how long to wait for in-flight requests on shutdown" default:"10s"`
}

// Server implements the filestore HTTP surface.
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server
	config   Config

	db         meta.DB
	mutations  *mutation.Service
	rollups    *rollup.Manager
	reconciler *reconcile.Manager
	bus        eventbus.Bus
}

// NewServer creates the server and binds all routes.
func NewServer(
	log *zap.Logger,
	listener net.Listener,
	config Config,
	db meta.DB,
	mutations *mutation.Service,
	rollups *rollup.Manager,
	reconciler *reconcile.Manager,
	bus eventbus.Bus,
) *Server {
	server := &Server{
		log:        log,
		listener:   listener,
		config:     config,
		db:         db,
		mutations:  mutations,
		rollups:    rollups,
		reconciler: reconciler,
		bus:        bus,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", server.healthz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/nodes", server.listNodes).Methods("GET")
	v1.HandleFunc("/nodes", server.deleteNode).Methods("DELETE")
	v1.HandleFunc("/nodes/by-path", server.getNodeByPath).Methods("GET")
	v1.HandleFunc("/nodes/move", server.moveNode).Methods("POST")
	v1.HandleFunc("/nodes/copy", server.copyNode).Methods("POST")
	v1.HandleFunc("/nodes/{id:[0-9]+}", server.getNode).Methods("GET")
	v1.HandleFunc("/nodes/{id:[0-9]+}/children", server.listChildren).Methods("GET")
	v1.HandleFunc("/nodes/{id:[0-9]+}/rollup", server.getRollup).Methods("GET")
	v1.HandleFunc("/nodes/{id:[0-9]+}/metadata", server.patchMetadata).Methods("PATCH")
	v1.HandleFunc("/directories", server.createDirectory).Methods("POST")
	v1.HandleFunc("/files", server.uploadFile).Methods("POST")
	v1.HandleFunc("/files/content", server.downloadFile).Methods("GET")
	v1.HandleFunc("/reconciliation", server.enqueueReconciliation).Methods("POST")
	v1.HandleFunc("/reconciliation", server.listReconciliationJobs).Methods("GET")
	v1.HandleFunc("/reconciliation/{id:[0-9]+}", server.getReconciliationJob).Methods("GET")
	v1.HandleFunc("/reconciliation/{id:[0-9]+}/retry", server.retryReconciliationJob).Methods("POST")
	v1.HandleFunc("/mounts", server.createMount).Methods("POST")
	v1.HandleFunc("/mounts", server.listMounts).Methods("GET")
	v1.HandleFunc("/events/stream", server.streamEvents).Methods("GET")

	server.server.Handler = router
	return server
}

// Run starts the server until the context is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errs.Group
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), server.config.ShutdownGrace)
		defer shutdownCancel()
		group.Add(server.server.Shutdown(shutdownCtx))
	}()

	err = server.server.Serve(server.listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	cancel()
	<-done
	group.Add(err)
	return group.Err()
}

// Close stops the server.
func (server *Server) Close() error {
	return server.server.Close()
}

func (server *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := server.db.Ping(ctx); err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (server *Server) serveJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		server.log.Debug("encoding response failed", zap.Error(err))
	}
}

type errorEnvelope struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// serveError maps domain error classes onto status codes and the error
// envelope.
func (server *Server) serveError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := "internal", http.StatusInternalServerError
	switch {
	case ErrBadRequest.Has(err):
		code, status = "bad_request", http.StatusBadRequest
	case meta.ErrNotFound.Has(err) || backend.ErrNotFound.Has(err):
		code, status = "not_found", http.StatusNotFound
	case meta.ErrInvalidPath.Has(err) || backend.ErrInvalidPath.Has(err):
		code, status = "invalid_path", http.StatusBadRequest
	case meta.ErrParentNotFound.Has(err):
		code, status = "parent_not_found", http.StatusNotFound
	case meta.ErrPathInUse.Has(err):
		code, status = "path_in_use", http.StatusConflict
	case meta.ErrVersionConflict.Has(err):
		code, status = "version_conflict", http.StatusConflict
	case meta.ErrIdempotencyMismatch.Has(err):
		code, status = "idempotency_mismatch", http.StatusConflict
	case meta.ErrNodeDeleted.Has(err):
		code, status = "node_deleted", http.StatusGone
	case mutation.ErrChecksumMismatch.Has(err):
		code, status = "checksum_mismatch", http.StatusBadRequest
	case mutation.ErrNotEmpty.Has(err):
		code, status = "directory_not_empty", http.StatusConflict
	case backend.ErrUnavailable.Has(err):
		code, status = "backend_unavailable", http.StatusServiceUnavailable
	case errs.IsFunc(err, func(err error) bool { return err == context.Canceled }):
		code, status = "canceled", http.StatusRequestTimeout
	}

	if status >= http.StatusInternalServerError {
		server.log.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		server.log.Debug("request rejected",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	server.serveJSON(w, status, errorEnvelope{Code: code, Message: err.Error()})
}

func decodeBody(r *http.Request, into interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return ErrBadRequest.Wrap(err)
	}
	return nil
}
