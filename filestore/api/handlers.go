package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/mutation"
	"github.com/benediktbwimmer/apphub-sub012/filestore/reconcile"
)

// idempotencyKeyHeader is the header carrying the client idempotency key for
// write commands.
const idempotencyKeyHeader = "Idempotency-Key"

type nodeResponse struct {
	meta.NodeJSON
	Rollup *meta.RollupJSON `json:"rollup,omitempty"`
}

func (server *Server) nodeResponse(r *http.Request, node meta.Node) nodeResponse {
	response := nodeResponse{NodeJSON: meta.NodeToJSON(node)}
	if summary, err := server.rollups.Cache().Get(r.Context(), node.ID); err == nil {
		wire := meta.RollupToJSON(summary)
		response.Rollup = &wire
	}
	return response
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, ErrBadRequest.Wrap(err)
	}
	return id, nil
}

func queryInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, ErrBadRequest.New("%s: %v", name, err)
	}
	return &v, nil
}

func (server *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	opts := meta.ListNodes{
		PathPrefix: query.Get("path"),
		DriftOnly:  query.Get("driftOnly") == "true",
		Search:     query.Get("search"),
	}
	mountID, err := queryInt64(r, "backendMountId")
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	opts.MountID = mountID

	if raw := query.Get("depth"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil {
			server.serveError(w, r, ErrBadRequest.New("depth: %v", err))
			return
		}
		opts.Depth = &depth
	}
	if raw := query.Get("states"); raw != "" {
		for _, state := range strings.Split(raw, ",") {
			opts.States = append(opts.States, meta.NodeState(state))
		}
	}
	if raw := query.Get("limit"); raw != "" {
		opts.Limit, _ = strconv.Atoi(raw)
	}
	if raw := query.Get("offset"); raw != "" {
		opts.Offset, _ = strconv.Atoi(raw)
	}
	if opts.Limit <= 0 || opts.Limit > 1000 {
		opts.Limit = 100
	}

	nodes, err := server.db.Nodes().List(ctx, opts)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	out := make([]nodeResponse, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, server.nodeResponse(r, node))
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"nodes": out})
}

func (server *Server) getNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	node, err := server.db.Nodes().GetByID(r.Context(), id, false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, server.nodeResponse(r, node))
}

func (server *Server) getNodeByPath(w http.ResponseWriter, r *http.Request) {
	mountID, err := queryInt64(r, "backendMountId")
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if mountID == nil {
		server.serveError(w, r, ErrBadRequest.New("backendMountId is required"))
		return
	}
	path, err := meta.NormalizePath(r.URL.Query().Get("path"))
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	node, err := server.db.Nodes().GetByPath(r.Context(), *mountID, path, false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, server.nodeResponse(r, node))
}

func (server *Server) listChildren(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	children, err := server.db.Nodes().ListChildren(r.Context(), id)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	out := make([]nodeResponse, 0, len(children))
	for _, child := range children {
		out = append(out, server.nodeResponse(r, child))
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"nodes": out})
}

func (server *Server) getRollup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	summary, err := server.rollups.Cache().Get(r.Context(), id)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, meta.RollupToJSON(summary))
}

func (server *Server) createDirectory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BackendMountID int64         `json:"backendMountId"`
		Path           string        `json:"path"`
		Metadata       meta.Metadata `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		server.serveError(w, r, err)
		return
	}
	node, err := server.mutations.CreateDirectory(r.Context(), mutation.CreateDirectory{
		MountID:        body.BackendMountID,
		Path:           body.Path,
		Metadata:       body.Metadata,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, server.nodeResponse(r, node))
}

func (server *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, server.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		server.serveError(w, r, ErrBadRequest.Wrap(err))
		return
	}

	mountID, err := strconv.ParseInt(r.FormValue("backendMountId"), 10, 64)
	if err != nil {
		server.serveError(w, r, ErrBadRequest.New("backendMountId: %v", err))
		return
	}

	var metadata meta.Metadata
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			server.serveError(w, r, ErrBadRequest.New("metadata: %v", err))
			return
		}
	}

	file, _, err := r.FormFile("content")
	if err != nil {
		server.serveError(w, r, ErrBadRequest.New("content part is required"))
		return
	}
	defer func() { _ = file.Close() }()
	content, err := io.ReadAll(file)
	if err != nil {
		server.serveError(w, r, ErrBadRequest.Wrap(err))
		return
	}

	node, err := server.mutations.UploadFile(r.Context(), mutation.UploadFile{
		MountID:          mountID,
		Path:             r.FormValue("path"),
		Content:          content,
		Metadata:         metadata,
		Overwrite:        r.FormValue("overwrite") == "true",
		ExpectedChecksum: r.FormValue("checksum"),
		IdempotencyKey:   r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, server.nodeResponse(r, node))
}

func (server *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mountID, err := queryInt64(r, "backendMountId")
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if mountID == nil {
		server.serveError(w, r, ErrBadRequest.New("backendMountId is required"))
		return
	}
	path, err := meta.NormalizePath(r.URL.Query().Get("path"))
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	node, err := server.db.Nodes().GetByPath(ctx, *mountID, path, false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if node.Kind != meta.KindFile || !node.IsActive() {
		server.serveError(w, r, meta.ErrNotFound.New("%q has no readable content", path))
		return
	}

	adapter, err := server.mutations.Backends().Get(ctx, *mountID)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	stream, err := adapter.ReadStream(ctx, path)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	defer func() { _ = stream.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(node.SizeBytes, 10))
	if _, err := io.Copy(w, stream); err != nil {
		server.log.Debug("streaming download aborted", zap.Error(err))
	}
}

func (server *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BackendMountID int64  `json:"backendMountId"`
		Path           string `json:"path"`
		Recursive      bool   `json:"recursive"`
	}
	if err := decodeBody(r, &body); err != nil {
		server.serveError(w, r, err)
		return
	}
	node, err := server.mutations.Delete(r.Context(), mutation.Delete{
		MountID:        body.BackendMountID,
		Path:           body.Path,
		Recursive:      body.Recursive,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, meta.NodeToJSON(node))
}

func (server *Server) patchMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	node, err := server.db.Nodes().GetByID(r.Context(), id, false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	var body struct {
		Set   meta.Metadata `json:"set"`
		Unset []string      `json:"unset"`
	}
	if err := decodeBody(r, &body); err != nil {
		server.serveError(w, r, err)
		return
	}
	updated, err := server.mutations.PatchMetadata(r.Context(), mutation.PatchMetadata{
		MountID:        node.MountID,
		Path:           node.Path,
		Set:            body.Set,
		Unset:          body.Unset,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, server.nodeResponse(r, updated))
}

func (server *Server) moveNode(w http.ResponseWriter, r *http.Request) {
	server.transfer(w, r, false)
}

func (server *Server) copyNode(w http.ResponseWriter, r *http.Request) {
	server.transfer(w, r, true)
}

func (server *Server) transfer(w http.ResponseWriter, r *http.Request, copy bool) {
	var body struct {
		BackendMountID int64  `json:"backendMountId"`
		From           string `json:"from"`
		To             string `json:"to"`
	}
	if err := decodeBody(r, &body); err != nil {
		server.serveError(w, r, err)
		return
	}

	var node meta.Node
	var err error
	if copy {
		node, err = server.mutations.Copy(r.Context(), mutation.Copy{
			MountID:        body.BackendMountID,
			FromPath:       body.From,
			ToPath:         body.To,
			IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
		})
	} else {
		node, err = server.mutations.Move(r.Context(), mutation.Move{
			MountID:        body.BackendMountID,
			FromPath:       body.From,
			ToPath:         body.To,
			IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
		})
	}
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, server.nodeResponse(r, node))
}

func (server *Server) enqueueReconciliation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BackendMountID int64  `json:"backendMountId"`
		NodeID         *int64 `json:"nodeId,omitempty"`
		Path           string `json:"path"`
		Reason         string `json:"reason"`
		DetectChildren bool   `json:"detectChildren"`
	}
	if err := decodeBody(r, &body); err != nil {
		server.serveError(w, r, err)
		return
	}
	if body.NodeID != nil {
		node, err := server.db.Nodes().GetByID(r.Context(), *body.NodeID, false)
		if err != nil {
			server.serveError(w, r, err)
			return
		}
		body.BackendMountID = node.MountID
		body.Path = node.Path
	}
	job, err := server.reconciler.Enqueue(r.Context(), reconcile.Request{
		MountID:        body.BackendMountID,
		Path:           body.Path,
		Reason:         meta.JobReason(body.Reason),
		DetectChildren: body.DetectChildren,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusAccepted, meta.JobToJSON(job))
}

func (server *Server) listReconciliationJobs(w http.ResponseWriter, r *http.Request) {
	opts := meta.ListReconciliationJobs{}
	mountID, err := queryInt64(r, "backendMountId")
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	opts.MountID = mountID
	if raw := r.URL.Query().Get("statuses"); raw != "" {
		for _, status := range strings.Split(raw, ",") {
			opts.Statuses = append(opts.Statuses, meta.JobStatus(status))
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		opts.Limit, _ = strconv.Atoi(raw)
	}

	jobs, err := server.reconciler.Jobs(r.Context(), opts)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	out := make([]meta.JobJSON, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, meta.JobToJSON(job))
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
}

func (server *Server) getReconciliationJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	job, err := server.reconciler.Job(r.Context(), id)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, meta.JobToJSON(job))
}

// retryReconciliationJob queues a fresh attempt for a terminal job.
func (server *Server) retryReconciliationJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	previous, err := server.reconciler.Job(r.Context(), id)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	switch previous.Status {
	case meta.JobQueued, meta.JobRunning:
		server.serveJSON(w, http.StatusOK, meta.JobToJSON(previous))
		return
	}
	job, err := server.reconciler.Enqueue(r.Context(), reconcile.Request{
		MountID:        previous.MountID,
		Path:           previous.Path,
		Reason:         previous.Reason,
		DetectChildren: previous.DetectChildren,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusAccepted, meta.JobToJSON(job))
}

func (server *Server) createMount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name            string `json:"name"`
		Driver          string `json:"driver"`
		RootPath        string `json:"rootPath"`
		Bucket          string `json:"bucket"`
		Prefix          string `json:"prefix"`
		Endpoint        string `json:"endpoint"`
		Region          string `json:"region"`
		AccessKeyID     string `json:"accessKeyId"`
		SecretAccessKey string `json:"secretAccessKey"`
		ForcePathStyle  bool   `json:"forcePathStyle"`
	}
	if err := decodeBody(r, &body); err != nil {
		server.serveError(w, r, err)
		return
	}
	if body.Name == "" || body.Driver == "" {
		server.serveError(w, r, ErrBadRequest.New("name and driver are required"))
		return
	}
	mount, err := server.db.Mounts().Create(r.Context(), meta.Mount{
		Name:            body.Name,
		Driver:          body.Driver,
		RootPath:        body.RootPath,
		Bucket:          body.Bucket,
		Prefix:          body.Prefix,
		Endpoint:        body.Endpoint,
		Region:          body.Region,
		AccessKeyID:     body.AccessKeyID,
		SecretAccessKey: body.SecretAccessKey,
		ForcePathStyle:  body.ForcePathStyle,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, mountJSON(mount))
}

func (server *Server) listMounts(w http.ResponseWriter, r *http.Request) {
	mounts, err := server.db.Mounts().List(r.Context())
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(mounts))
	for _, mount := range mounts {
		out = append(out, mountJSON(mount))
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"mounts": out})
}

// mountJSON renders a mount without its credentials.
func mountJSON(mount meta.Mount) map[string]interface{} {
	return map[string]interface{}{
		"id":             mount.ID,
		"name":           mount.Name,
		"driver":         mount.Driver,
		"rootPath":       mount.RootPath,
		"bucket":         mount.Bucket,
		"prefix":         mount.Prefix,
		"endpoint":       mount.Endpoint,
		"region":         mount.Region,
		"forcePathStyle": mount.ForcePathStyle,
		"createdAt":      mount.CreatedAt,
	}
}
