// Package mutation implements the idempotent command pipeline of the
// filestore: create-directory, upload, move, copy, delete and metadata patch.
//
// Every command runs as a single metadata transaction: resolve and lock the
// affected nodes, validate invariants, build the rollup plan, perform the
// backend side effect, append the journal entry and commit. Cache updates and
// event emission happen after the commit.
package mutation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/mounts"
	"github.com/benediktbwimmer/apphub-sub012/filestore/rollup"
)

var (
	// Error is the default mutation errs class.
	Error = errs.Class("mutation")
	// ErrChecksumMismatch is returned when uploaded content does not match
	// the checksum declared by the client.
	ErrChecksumMismatch = errs.Class("checksum mismatch")
	// ErrNotEmpty is returned when deleting a non-empty directory without
	// recursive.
	ErrNotEmpty = errs.Class("directory not empty")

	mon = monkit.Package()
)

// Config contains configurable values for the mutation pipeline.
type Config struct {
	IdempotencyTTL time.Duration `help:"how long journal entries answer idempotent replays" default:"24h"`
}

// Service executes filestore mutations.
type Service struct {
	log      *zap.Logger
	db       meta.DB
	backends *mounts.Registry
	rollups  *rollup.Manager
	bus      eventbus.Bus
	config   Config

	nowFn func() time.Time
}

// NewService creates a mutation service.
func NewService(log *zap.Logger, db meta.DB, backends *mounts.Registry, rollups *rollup.Manager, bus eventbus.Bus, config Config) *Service {
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = 24 * time.Hour
	}
	return &Service{
		log:      log,
		db:       db,
		backends: backends,
		rollups:  rollups,
		bus:      bus,
		config:   config,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// TestingSetNow overrides the clock.
func (service *Service) TestingSetNow(now func() time.Time) { service.nowFn = now }

// Backends exposes the adapter registry for read paths.
func (service *Service) Backends() *mounts.Registry { return service.backends }

// commandResult is the work a command hands back to the shared pipeline for
// the commit and post-commit phases.
type commandResult struct {
	node    meta.Node
	plan    rollup.Plan
	updated []meta.Rollup
	events  []eventbus.Event
}

// run wraps a command body with the idempotency check, the transaction, the
// journal append and the post-commit effects.
func (service *Service) run(
	ctx context.Context,
	mountID int64,
	command string,
	idempotencyKey string,
	fingerprint interface{},
	body func(ctx context.Context, tx meta.Tx) (commandResult, error),
) (node meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	requestHash, err := fingerprintHash(fingerprint)
	if err != nil {
		return meta.Node{}, Error.Wrap(err)
	}

	var result commandResult
	var replayed bool
	err = service.db.WithTx(ctx, func(ctx context.Context, tx meta.Tx) error {
		result, replayed = commandResult{}, false

		if idempotencyKey != "" {
			entry, err := tx.Journal().FindByIdempotencyKey(ctx, mountID, idempotencyKey)
			switch {
			case err == nil:
				if entry.ResultHash != requestHash {
					return meta.ErrIdempotencyMismatch.New("key %q was used with a different request", idempotencyKey)
				}
				var stored meta.NodeJSON
				if err := json.Unmarshal(entry.Result, &stored); err != nil {
					return Error.Wrap(err)
				}
				// Replays serve the journaled result verbatim, even when the
				// live row has moved on since the first run.
				result = commandResult{node: meta.NodeFromJSON(stored)}
				replayed = true
				return nil
			case !meta.ErrNotFound.Has(err):
				return Error.Wrap(err)
			}
		}

		var bodyErr error
		result, bodyErr = body(ctx, tx)
		if bodyErr != nil {
			return bodyErr
		}

		updated, err := service.rollups.ApplyPlan(ctx, tx, result.plan)
		if err != nil {
			return err
		}
		result.updated = updated

		payload, err := json.Marshal(fingerprint)
		if err != nil {
			return Error.Wrap(err)
		}
		resultJSON, err := json.Marshal(meta.NodeToJSON(result.node))
		if err != nil {
			return Error.Wrap(err)
		}
		expiresAt := service.nowFn().Add(service.config.IdempotencyTTL)
		nodeID := result.node.ID
		_, err = tx.Journal().Append(ctx, meta.JournalEntry{
			MountID:        mountID,
			NodeID:         &nodeID,
			Command:        command,
			IdempotencyKey: idempotencyKey,
			Payload:        payload,
			Result:         resultJSON,
			ResultHash:     requestHash,
			ExpiresAt:      &expiresAt,
		})
		return Error.Wrap(err)
	})
	if err != nil {
		return meta.Node{}, err
	}

	if !replayed {
		service.rollups.AfterCommit(ctx, result.plan, result.updated)
		for _, event := range result.events {
			service.bus.Publish(ctx, event)
		}
	}
	return result.node, nil
}

func fingerprintHash(fingerprint interface{}) (string, error) {
	raw, err := json.Marshal(fingerprint)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:]), nil
}

func (service *Service) nodeEvent(eventType eventbus.Type, node meta.Node, extra map[string]interface{}) eventbus.Event {
	payload := map[string]interface{}{
		"node": meta.NodeToJSON(node),
	}
	for k, v := range extra {
		payload[k] = v
	}
	event, err := eventbus.New(eventType, payload)
	if err != nil {
		service.log.Error("encode event", zap.String("type", string(eventType)), zap.Error(err))
		return eventbus.Event{Type: eventType, EmittedAt: service.nowFn()}
	}
	return event
}
