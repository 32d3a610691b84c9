package meta

import "time"

// NodeJSON is the wire form of a node, shared by the HTTP API, journal
// results and event payloads.
type NodeJSON struct {
	ID               int64            `json:"id"`
	BackendMountID   int64            `json:"backendMountId"`
	ParentID         *int64           `json:"parentId"`
	Path             string           `json:"path"`
	Name             string           `json:"name"`
	Depth            int              `json:"depth"`
	Kind             NodeKind         `json:"kind"`
	State            NodeState        `json:"state"`
	SizeBytes        int64            `json:"sizeBytes"`
	Checksum         string           `json:"checksum,omitempty"`
	ContentHash      string           `json:"contentHash,omitempty"`
	Metadata         Metadata         `json:"metadata,omitempty"`
	Version          int64            `json:"version"`
	ConsistencyState ConsistencyState `json:"consistencyState"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	LastSeenAt       *time.Time       `json:"lastSeenAt,omitempty"`
	LastModifiedAt   *time.Time       `json:"lastModifiedAt,omitempty"`
	LastReconciledAt *time.Time       `json:"lastReconciledAt,omitempty"`
}

// NodeToJSON converts a node to its wire form.
func NodeToJSON(node Node) NodeJSON {
	return NodeJSON{
		ID:               node.ID,
		BackendMountID:   node.MountID,
		ParentID:         node.ParentID,
		Path:             node.Path,
		Name:             node.Name,
		Depth:            node.Depth,
		Kind:             node.Kind,
		State:            node.State,
		SizeBytes:        node.SizeBytes,
		Checksum:         node.Checksum,
		ContentHash:      node.ContentHash,
		Metadata:         node.Metadata,
		Version:          node.Version,
		ConsistencyState: node.ConsistencyState,
		CreatedAt:        node.CreatedAt,
		UpdatedAt:        node.UpdatedAt,
		LastSeenAt:       node.LastSeenAt,
		LastModifiedAt:   node.LastModifiedAt,
		LastReconciledAt: node.LastReconciledAt,
	}
}

// NodeFromJSON converts a wire-form node back into a node. It is the exact
// inverse of NodeToJSON, used to replay journal results without touching the
// live row.
func NodeFromJSON(wire NodeJSON) Node {
	return Node{
		ID:               wire.ID,
		MountID:          wire.BackendMountID,
		ParentID:         wire.ParentID,
		Path:             wire.Path,
		Name:             wire.Name,
		Depth:            wire.Depth,
		Kind:             wire.Kind,
		State:            wire.State,
		SizeBytes:        wire.SizeBytes,
		Checksum:         wire.Checksum,
		ContentHash:      wire.ContentHash,
		Metadata:         wire.Metadata,
		Version:          wire.Version,
		ConsistencyState: wire.ConsistencyState,
		CreatedAt:        wire.CreatedAt,
		UpdatedAt:        wire.UpdatedAt,
		LastSeenAt:       wire.LastSeenAt,
		LastModifiedAt:   wire.LastModifiedAt,
		LastReconciledAt: wire.LastReconciledAt,
	}
}

// RollupJSON is the wire form of a rollup summary.
type RollupJSON struct {
	NodeID           int64       `json:"nodeId"`
	SizeBytes        int64       `json:"sizeBytes"`
	FileCount        int64       `json:"fileCount"`
	DirectoryCount   int64       `json:"directoryCount"`
	ChildCount       int64       `json:"childCount"`
	State            RollupState `json:"state"`
	LastCalculatedAt *time.Time  `json:"lastCalculatedAt,omitempty"`
}

// RollupToJSON converts a rollup to its wire form.
func RollupToJSON(rollup Rollup) RollupJSON {
	return RollupJSON{
		NodeID:           rollup.NodeID,
		SizeBytes:        rollup.SizeBytes,
		FileCount:        rollup.FileCount,
		DirectoryCount:   rollup.DirectoryCount,
		ChildCount:       rollup.ChildCount,
		State:            rollup.State,
		LastCalculatedAt: rollup.LastCalculatedAt,
	}
}

// JobJSON is the wire form of a reconciliation job record.
type JobJSON struct {
	ID             int64      `json:"id"`
	JobKey         string     `json:"jobKey"`
	BackendMountID int64      `json:"backendMountId"`
	NodeID         *int64     `json:"nodeId,omitempty"`
	Path           string     `json:"path"`
	Status         JobStatus  `json:"status"`
	Reason         JobReason  `json:"reason"`
	DetectChildren bool       `json:"detectChildren"`
	Attempt        int        `json:"attempt"`
	Error          string     `json:"error,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueuedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// JobToJSON converts a job record to its wire form.
func JobToJSON(job ReconciliationJob) JobJSON {
	return JobJSON{
		ID:             job.ID,
		JobKey:         job.JobKey,
		BackendMountID: job.MountID,
		NodeID:         job.NodeID,
		Path:           job.Path,
		Status:         job.Status,
		Reason:         job.Reason,
		DetectChildren: job.DetectChildren,
		Attempt:        job.Attempt,
		Error:          job.ErrorMessage,
		EnqueuedAt:     job.EnqueuedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
}
