// Package api implements the timestore HTTP surface: the ingestion and query
// endpoints plus the admin plane for datasets, manifests and storage targets.
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
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
	"github.com/benediktbwimmer/apphub-sub012/timestore/ingest"
	"github.com/benediktbwimmer/apphub-sub012/timestore/planner"
	"github.com/benediktbwimmer/apphub-sub012/timestore/spool"
)

var (
	// Error is the default api errs class.
	Error = errs.Class("timestore api")
	// ErrBadRequest is returned for malformed request payloads.
	ErrBadRequest = errs.Class("bad request")

	mon = monkit.Package()
)

// Config defines the configuration for the timestore api server.
type Config struct {
	Address       string        `help:"address to listen on" default:":10200"`
	MaxBodyBytes  int64         `help:"largest accepted request body" default:"67108864"`
	ShutdownGrace time.Duration `help:"how long to wait for in-flight requests on shutdown" default:"10s"`
}

// Server implements the timestore HTTP surface.
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server
	config   Config

	db        datasets.DB
	processor *ingest.Processor
	planner   *planner.Planner
	executor  *planner.Executor
}

// NewServer creates the server and binds all routes.
func NewServer(
	log *zap.Logger,
	listener net.Listener,
	config Config,
	db datasets.DB,
	processor *ingest.Processor,
	queryPlanner *planner.Planner,
	executor *planner.Executor,
) *Server {
	server := &Server{
		log:       log,
		listener:  listener,
		config:    config,
		db:        db,
		processor: processor,
		planner:   queryPlanner,
		executor:  executor,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", server.healthz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/ingest", server.ingestBatch).Methods("POST")
	v1.HandleFunc("/query", server.runQuery).Methods("POST")

	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/datasets", server.listDatasets).Methods("GET")
	admin.HandleFunc("/datasets", server.createDataset).Methods("POST")
	admin.HandleFunc("/datasets/{id:[0-9]+}", server.getDataset).Methods("GET")
	admin.HandleFunc("/datasets/{id:[0-9]+}", server.patchDataset).Methods("PATCH")
	admin.HandleFunc("/datasets/{id:[0-9]+}/archive", server.archiveDataset).Methods("POST")
	admin.HandleFunc("/datasets/{id:[0-9]+}/audit", server.listAuditEvents).Methods("GET")
	admin.HandleFunc("/datasets/{slug}/manifest", server.getManifest).Methods("GET")
	admin.HandleFunc("/storage-targets", server.listStorageTargets).Methods("GET")
	admin.HandleFunc("/storage-targets", server.createStorageTarget).Methods("POST")

	server.server.Handler = http.MaxBytesHandler(router, config.MaxBodyBytes)
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
	case datasets.ErrNotFound.Has(err) || backend.ErrNotFound.Has(err):
		code, status = "not_found", http.StatusNotFound
	case datasets.ErrSchemaIncompatible.Has(err):
		code, status = "schema_incompatible", http.StatusBadRequest
	case datasets.ErrVersionConflict.Has(err):
		code, status = "version_conflict", http.StatusConflict
	case spool.ErrSpoolFull.Has(err):
		code, status = "spool_full", http.StatusInsufficientStorage
	case ingest.ErrStorageWriteFailed.Has(err):
		code, status = "storage_write_failed", http.StatusBadGateway
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
