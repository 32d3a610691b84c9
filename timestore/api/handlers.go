package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
	"github.com/benediktbwimmer/apphub-sub012/timestore/ingest"
	"github.com/benediktbwimmer/apphub-sub012/timestore/planner"
)

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, ErrBadRequest.New("invalid id: %w", err)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ErrBadRequest.New("invalid %s: %w", name, err)
	}
	return value, nil
}

type datasetView struct {
	ID                     int64                  `json:"id"`
	Slug                   string                 `json:"slug"`
	Name                   string                 `json:"name"`
	DefaultStorageTargetID int64                  `json:"defaultStorageTargetId"`
	Status                 datasets.DatasetStatus `json:"status"`
	Metadata               datasets.Metadata      `json:"metadata,omitempty"`
	CreatedAt              time.Time              `json:"createdAt"`
	UpdatedAt              time.Time              `json:"updatedAt"`
}

func datasetJSON(dataset datasets.Dataset) datasetView {
	return datasetView{
		ID:                     dataset.ID,
		Slug:                   dataset.Slug,
		Name:                   dataset.Name,
		DefaultStorageTargetID: dataset.DefaultStorageTargetID,
		Status:                 dataset.Status,
		Metadata:               dataset.Metadata,
		CreatedAt:              dataset.CreatedAt,
		UpdatedAt:              dataset.UpdatedAt,
	}
}

type schemaView struct {
	ID        int64            `json:"id"`
	Version   int              `json:"version"`
	Fields    []datasets.Field `json:"fields"`
	CreatedAt time.Time        `json:"createdAt"`
}

func schemaJSON(schema datasets.SchemaVersion) schemaView {
	return schemaView{
		ID:        schema.ID,
		Version:   schema.Version,
		Fields:    schema.Fields,
		CreatedAt: schema.CreatedAt,
	}
}

type manifestView struct {
	ID              int64                   `json:"id"`
	DatasetID       int64                   `json:"datasetId"`
	ShardDate       string                  `json:"shardDate"`
	Version         int                     `json:"version"`
	Status          datasets.ManifestStatus `json:"status"`
	SchemaVersionID int64                   `json:"schemaVersionId"`
	TotalRows       int64                   `json:"totalRows"`
	TotalBytes      int64                   `json:"totalBytes"`
	StartTime       *time.Time              `json:"startTime,omitempty"`
	EndTime         *time.Time              `json:"endTime,omitempty"`
	Metadata        datasets.Metadata       `json:"metadata,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
	Partitions      []partitionView         `json:"partitions,omitempty"`
}

func manifestJSON(manifest datasets.Manifest) manifestView {
	return manifestView{
		ID:              manifest.ID,
		DatasetID:       manifest.DatasetID,
		ShardDate:       manifest.ShardDate,
		Version:         manifest.Version,
		Status:          manifest.Status,
		SchemaVersionID: manifest.SchemaVersionID,
		TotalRows:       manifest.TotalRows,
		TotalBytes:      manifest.TotalBytes,
		StartTime:       manifest.StartTime,
		EndTime:         manifest.EndTime,
		Metadata:        manifest.Metadata,
		CreatedAt:       manifest.CreatedAt,
		UpdatedAt:       manifest.UpdatedAt,
	}
}

type partitionView struct {
	ID            int64                           `json:"id"`
	ManifestID    int64                           `json:"manifestId"`
	PartitionKey  datasets.Metadata               `json:"partitionKey,omitempty"`
	FileFormat    datasets.FileFormat             `json:"fileFormat"`
	FilePath      string                          `json:"filePath"`
	FileSizeBytes int64                           `json:"fileSizeBytes"`
	RowCount      int64                           `json:"rowCount"`
	Checksum      string                          `json:"checksum"`
	StartTime     time.Time                       `json:"startTime"`
	EndTime       time.Time                       `json:"endTime"`
	ColumnStats   map[string]datasets.ColumnStats `json:"columnStats,omitempty"`
	CreatedAt     time.Time                       `json:"createdAt"`
}

func partitionJSON(partition datasets.Partition) partitionView {
	return partitionView{
		ID:            partition.ID,
		ManifestID:    partition.ManifestID,
		PartitionKey:  partition.PartitionKey,
		FileFormat:    partition.FileFormat,
		FilePath:      partition.FilePath,
		FileSizeBytes: partition.FileSizeBytes,
		RowCount:      partition.RowCount,
		Checksum:      partition.Checksum,
		StartTime:     partition.StartTime,
		EndTime:       partition.EndTime,
		ColumnStats:   partition.ColumnStats,
		CreatedAt:     partition.CreatedAt,
	}
}

// targetView deliberately omits credentials.
type targetView struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Driver         string    `json:"driver"`
	RootPath       string    `json:"rootPath,omitempty"`
	Bucket         string    `json:"bucket,omitempty"`
	Prefix         string    `json:"prefix,omitempty"`
	Endpoint       string    `json:"endpoint,omitempty"`
	Region         string    `json:"region,omitempty"`
	ForcePathStyle bool      `json:"forcePathStyle,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func targetJSON(target datasets.StorageTarget) targetView {
	return targetView{
		ID:             target.ID,
		Name:           target.Name,
		Driver:         target.Driver,
		RootPath:       target.RootPath,
		Bucket:         target.Bucket,
		Prefix:         target.Prefix,
		Endpoint:       target.Endpoint,
		Region:         target.Region,
		ForcePathStyle: target.ForcePathStyle,
		CreatedAt:      target.CreatedAt,
	}
}

type ingestResponse struct {
	Dataset       datasetView    `json:"dataset"`
	Schema        schemaView     `json:"schema"`
	Manifest      *manifestView  `json:"manifest,omitempty"`
	Partition     *partitionView `json:"partition,omitempty"`
	StorageTarget targetView     `json:"storageTarget"`
	FlushPending  bool           `json:"flushPending"`
}

func (server *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var job ingest.Job
	if err := decodeBody(r, &job); err != nil {
		server.serveError(w, r, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		job.IdempotencyKey = key
	}

	result, err := server.processor.Process(r.Context(), job)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	response := ingestResponse{
		Dataset:       datasetJSON(result.Dataset),
		Schema:        schemaJSON(result.Schema),
		StorageTarget: targetJSON(result.StorageTarget),
		FlushPending:  result.FlushPending,
	}
	if result.Manifest != nil {
		view := manifestJSON(*result.Manifest)
		response.Manifest = &view
	}
	if result.Partition != nil {
		view := partitionJSON(*result.Partition)
		response.Partition = &view
	}

	status := http.StatusCreated
	if result.FlushPending {
		status = http.StatusAccepted
	}
	server.serveJSON(w, status, response)
}

type queryRequest struct {
	DatasetSlug string `json:"datasetSlug"`
	TimeRange   struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"timeRange"`
	Columns         []string         `json:"columns,omitempty"`
	Filters         []planner.Filter `json:"filters,omitempty"`
	TimestampColumn string           `json:"timestampColumn,omitempty"`
}

type queryResponse struct {
	Columns    []datasets.Field `json:"columns"`
	Rows       []interface{}    `json:"rows"`
	Partitions int              `json:"partitions"`
}

func (server *Server) runQuery(w http.ResponseWriter, r *http.Request) {
	var request queryRequest
	if err := decodeBody(r, &request); err != nil {
		server.serveError(w, r, err)
		return
	}
	query := planner.Query{
		DatasetSlug:     request.DatasetSlug,
		StartTime:       request.TimeRange.Start,
		EndTime:         request.TimeRange.End,
		Columns:         request.Columns,
		Filters:         request.Filters,
		TimestampColumn: request.TimestampColumn,
	}

	plan, err := server.planner.Plan(r.Context(), query)
	if err != nil {
		if planner.Error.Has(err) {
			err = ErrBadRequest.Wrap(err)
		}
		server.serveError(w, r, err)
		return
	}
	result, err := server.executor.Execute(r.Context(), plan, query)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	rows := make([]interface{}, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, row)
	}
	server.serveJSON(w, http.StatusOK, queryResponse{
		Columns:    result.Columns,
		Rows:       rows,
		Partitions: len(plan.Steps),
	})

	server.recordAccess(r, plan.Dataset.ID, "query", map[string]interface{}{
		"startTime":  query.StartTime,
		"endTime":    query.EndTime,
		"partitions": len(plan.Steps),
		"rows":       len(result.Rows),
	})
}

// recordAccess writes an audit row after the response; failures are logged,
// never surfaced.
func (server *Server) recordAccess(r *http.Request, datasetID int64, action string, detail map[string]interface{}) {
	payload, err := json.Marshal(detail)
	if err != nil {
		return
	}
	event := datasets.AccessEvent{
		DatasetID: datasetID,
		Action:    action,
		Actor:     r.Header.Get("X-Actor"),
		Detail:    payload,
	}
	if _, err := server.db.Access().Record(r.Context(), event); err != nil {
		server.log.Warn("recording access event failed", zap.Error(err))
	}
}

func (server *Server) listDatasets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	opts := datasets.ListDatasets{
		Status: datasets.DatasetStatus(r.URL.Query().Get("status")),
		Search: r.URL.Query().Get("search"),
		Limit:  limit,
		Offset: offset,
	}

	list, err := server.db.Datasets().List(r.Context(), opts)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	views := make([]datasetView, 0, len(list))
	for _, dataset := range list {
		views = append(views, datasetJSON(dataset))
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"datasets": views})
}

func (server *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	dataset, err := server.db.Datasets().Get(r.Context(), id)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, datasetJSON(dataset))
}

func (server *Server) createDataset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slug                   string            `json:"slug"`
		Name                   string            `json:"name"`
		DefaultStorageTargetID int64             `json:"defaultStorageTargetId"`
		Metadata               datasets.Metadata `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		server.serveError(w, r, err)
		return
	}
	if body.Slug == "" {
		server.serveError(w, r, ErrBadRequest.New("slug is required"))
		return
	}
	if body.Name == "" {
		body.Name = body.Slug
	}

	dataset, err := server.db.Datasets().Create(r.Context(), datasets.Dataset{
		Slug:                   body.Slug,
		Name:                   body.Name,
		DefaultStorageTargetID: body.DefaultStorageTargetID,
		Status:                 datasets.DatasetActive,
		Metadata:               body.Metadata,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.recordAccess(r, dataset.ID, "dataset.created", map[string]interface{}{"slug": dataset.Slug})
	server.serveJSON(w, http.StatusCreated, datasetJSON(dataset))
}

func (server *Server) patchDataset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	var body struct {
		IfMatch  time.Time               `json:"ifMatch"`
		Name     *string                 `json:"name,omitempty"`
		Status   *datasets.DatasetStatus `json:"status,omitempty"`
		Metadata datasets.Metadata       `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		server.serveError(w, r, err)
		return
	}
	if body.IfMatch.IsZero() {
		server.serveError(w, r, ErrBadRequest.New("ifMatch is required"))
		return
	}

	dataset, err := server.db.Datasets().Update(r.Context(), datasets.UpdateDataset{
		ID:       id,
		IfMatch:  body.IfMatch,
		Name:     body.Name,
		Status:   body.Status,
		Metadata: body.Metadata,
	})
	if err != nil {
		// A stale ifMatch token is a failed precondition, not a generic
		// conflict.
		if datasets.ErrVersionConflict.Has(err) {
			server.serveJSON(w, http.StatusPreconditionFailed, errorEnvelope{
				Code:    "precondition_failed",
				Message: err.Error(),
			})
			return
		}
		server.serveError(w, r, err)
		return
	}
	server.recordAccess(r, dataset.ID, "dataset.updated", map[string]interface{}{"ifMatch": body.IfMatch})
	server.serveJSON(w, http.StatusOK, datasetJSON(dataset))
}

func (server *Server) archiveDataset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	dataset, err := server.db.Datasets().Get(r.Context(), id)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if dataset.Status == datasets.DatasetInactive {
		server.serveJSON(w, http.StatusOK, datasetJSON(dataset))
		return
	}

	inactive := datasets.DatasetInactive
	dataset, err = server.db.Datasets().Update(r.Context(), datasets.UpdateDataset{
		ID:      id,
		IfMatch: dataset.UpdatedAt,
		Status:  &inactive,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.recordAccess(r, dataset.ID, "dataset.archived", nil)
	server.serveJSON(w, http.StatusOK, datasetJSON(dataset))
}

func (server *Server) getManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dataset, err := server.db.Datasets().GetBySlug(ctx, mux.Vars(r)["slug"], false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	var manifests []datasets.Manifest
	if shard := r.URL.Query().Get("shard"); shard != "" {
		manifest, err := server.db.Manifests().GetByShard(ctx, dataset.ID, shard, false)
		if err != nil {
			server.serveError(w, r, err)
			return
		}
		manifests = []datasets.Manifest{manifest}
	} else {
		manifests, err = server.db.Manifests().List(ctx, dataset.ID)
		if err != nil {
			server.serveError(w, r, err)
			return
		}
	}

	views := make([]manifestView, 0, len(manifests))
	for _, manifest := range manifests {
		view := manifestJSON(manifest)
		parts, err := server.db.Partitions().ListByManifest(ctx, manifest.ID)
		if err != nil {
			server.serveError(w, r, err)
			return
		}
		for _, partition := range parts {
			view.Partitions = append(view.Partitions, partitionJSON(partition))
		}
		views = append(views, view)
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"dataset":   datasetJSON(dataset),
		"manifests": views,
	})
}

func (server *Server) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	events, err := server.db.Access().List(r.Context(), id, limit)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	type eventView struct {
		ID        int64           `json:"id"`
		Action    string          `json:"action"`
		Actor     string          `json:"actor,omitempty"`
		Detail    json.RawMessage `json:"detail,omitempty"`
		CreatedAt time.Time       `json:"createdAt"`
	}
	views := make([]eventView, 0, len(events))
	for _, event := range events {
		views = append(views, eventView{
			ID:        event.ID,
			Action:    event.Action,
			Actor:     event.Actor,
			Detail:    event.Detail,
			CreatedAt: event.CreatedAt,
		})
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"events": views})
}

func (server *Server) listStorageTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := server.db.StorageTargets().List(r.Context())
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	views := make([]targetView, 0, len(targets))
	for _, target := range targets {
		views = append(views, targetJSON(target))
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"storageTargets": views})
}

func (server *Server) createStorageTarget(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name            string `json:"name"`
		Driver          string `json:"driver"`
		RootPath        string `json:"rootPath,omitempty"`
		Bucket          string `json:"bucket,omitempty"`
		Prefix          string `json:"prefix,omitempty"`
		Endpoint        string `json:"endpoint,omitempty"`
		Region          string `json:"region,omitempty"`
		AccessKeyID     string `json:"accessKeyId,omitempty"`
		SecretAccessKey string `json:"secretAccessKey,omitempty"`
		ForcePathStyle  bool   `json:"forcePathStyle,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		server.serveError(w, r, err)
		return
	}
	if body.Name == "" || body.Driver == "" {
		server.serveError(w, r, ErrBadRequest.New("name and driver are required"))
		return
	}

	target, err := server.db.StorageTargets().Create(r.Context(), datasets.StorageTarget{
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
	server.serveJSON(w, http.StatusCreated, targetJSON(target))
}
