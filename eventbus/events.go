// Package eventbus publishes lifecycle events either inline or through a
// redis channel.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default eventbus errs class.
var Error = errs.Class("eventbus")

// Type discriminates the closed set of event payloads.
type Type string

// Filestore node lifecycle events.
const (
	TypeNodeCreated    Type = "node.created"
	TypeNodeUploaded   Type = "node.uploaded"
	TypeNodeMoved      Type = "node.moved"
	TypeNodeCopied     Type = "node.copied"
	TypeNodeDeleted    Type = "node.deleted"
	TypeNodeReconciled Type = "node.reconciled"
	TypeNodeMissing    Type = "node.missing"
)

// Reconciliation lifecycle events.
const (
	TypeReconciliationQueued    Type = "reconciliation.job.queued"
	TypeReconciliationStarted   Type = "reconciliation.job.started"
	TypeReconciliationCompleted Type = "reconciliation.job.completed"
	TypeReconciliationFailed    Type = "reconciliation.job.failed"
	TypeReconciliationCancelled Type = "reconciliation.job.cancelled"
	TypeDriftDetected           Type = "drift.detected"
)

// Timestore events.
const (
	TypePartitionCreated       Type = "partition.created"
	TypePartitionDeleted       Type = "partition.deleted"
	TypeDatasetExportCompleted Type = "dataset.export.completed"
)

// Event is the wire envelope for a single emitted event.
type Event struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// New builds an event envelope with the payload marshalled into Data.
func New(eventType Type, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, Error.Wrap(err)
	}
	return Event{
		Type:      eventType,
		Data:      data,
		EmittedAt: time.Now().UTC(),
	}, nil
}

// DecodeData unmarshals the payload into out.
func (event Event) DecodeData(out interface{}) error {
	return Error.Wrap(json.Unmarshal(event.Data, out))
}
