// Package spool is the crash-safe staging store for ingestion batches. Rows
// land here before they are flushed into partition files, so a restart can
// replay anything that never reached a manifest. The store is an embedded
// bbolt database: one bucket per dataset, batches keyed by ingestion
// signature, with a global sequence preserving arrival order.
package spool

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

var (
	// Error is the default spool errs class.
	Error = errs.Class("spool")
	// ErrSpoolFull is returned when an append would exceed the configured
	// capacity.
	ErrSpoolFull = errs.Class("spool full")
	// ErrNotFound is returned when no staged batch matches.
	ErrNotFound = errs.Class("batch not found")

	mon = monkit.Package()
)

// Config holds the spool configuration.
type Config struct {
	Path     string `help:"filesystem path of the staging spool database" default:"$CONFDIR/staging.db"`
	MaxBytes int64  `help:"bound on staged row bytes across all batches, 0 disables" default:"1073741824"`
}

// Status is the staging batch lifecycle state.
type Status string

// Batch statuses. Flushed batches are deleted, so only these two persist.
const (
	StatusOpen     Status = "open"
	StatusFlushing Status = "flushing"
)

// Batch is one staged ingestion keyed by (dataset, ingestion signature).
// Rows in one batch always flush into a single partition.
type Batch struct {
	Seq       uint64 `json:"seq"`
	DatasetID int64  `json:"datasetId"`
	Slug      string `json:"slug"`
	TableName string `json:"tableName"`

	SchemaVersionID int64  `json:"schemaVersionId"`
	Signature       string `json:"signature"`
	Status          Status `json:"status"`

	PartitionKey        datasets.Metadata `json:"partitionKey"`
	PartitionAttributes datasets.Metadata `json:"partitionAttributes,omitempty"`
	StartTime           time.Time         `json:"startTime"`
	EndTime             time.Time         `json:"endTime"`

	Rows       []colstats.Row `json:"rows"`
	RowCount   int64          `json:"rowCount"`
	ByteSize   int64          `json:"byteSize"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

var (
	metaBucket = []byte("spool-meta")
	usageKey   = []byte("bytes-used")
)

// Spool is the embedded staging store.
type Spool struct {
	log    *zap.Logger
	db     *bolt.DB
	config Config
}

// Open opens or creates the spool database at config.Path.
func Open(log *zap.Logger, config Config) (*Spool, error) {
	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &Spool{log: log, db: db, config: config}, nil
}

// Close releases the database file.
func (spool *Spool) Close() error {
	return Error.Wrap(spool.db.Close())
}

func datasetBucket(datasetID int64) []byte {
	return []byte("dataset-" + strconv.FormatInt(datasetID, 10))
}

// Append stages rows for the signature, creating the batch on first append
// and extending it otherwise. Returns the stored batch.
func (spool *Spool) Append(ctx context.Context, batch Batch) (_ Batch, err error) {
	defer mon.Task()(&ctx)(&err)

	added, err := json.Marshal(batch.Rows)
	if err != nil {
		return Batch{}, Error.Wrap(err)
	}
	addedBytes := int64(len(added))

	err = spool.db.Update(func(tx *bolt.Tx) error {
		if spool.config.MaxBytes > 0 {
			used := bytesUsed(tx)
			if used+addedBytes > spool.config.MaxBytes {
				return ErrSpoolFull.New("%d bytes staged, %d requested, %d allowed",
					used, addedBytes, spool.config.MaxBytes)
			}
		}

		bucket, err := tx.CreateBucketIfNotExists(datasetBucket(batch.DatasetID))
		if err != nil {
			return Error.Wrap(err)
		}

		key := []byte(batch.Signature)
		if existing := bucket.Get(key); existing != nil {
			var stored Batch
			if err := json.Unmarshal(existing, &stored); err != nil {
				return Error.Wrap(err)
			}
			stored.Rows = append(stored.Rows, batch.Rows...)
			stored.RowCount += int64(len(batch.Rows))
			stored.ByteSize += addedBytes
			if batch.StartTime.Before(stored.StartTime) {
				stored.StartTime = batch.StartTime
			}
			if batch.EndTime.After(stored.EndTime) {
				stored.EndTime = batch.EndTime
			}
			batch = stored
		} else {
			seq, err := bucket.NextSequence()
			if err != nil {
				return Error.Wrap(err)
			}
			batch.Seq = seq
			batch.Status = StatusOpen
			batch.RowCount = int64(len(batch.Rows))
			batch.ByteSize = addedBytes
		}

		if err := putBatch(bucket, batch); err != nil {
			return err
		}
		return setBytesUsed(tx, bytesUsed(tx)+addedBytes)
	})
	if err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// Get loads the staged batch for (datasetID, signature).
func (spool *Spool) Get(ctx context.Context, datasetID int64, signature string) (_ Batch, err error) {
	defer mon.Task()(&ctx)(&err)

	var batch Batch
	err = spool.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(datasetBucket(datasetID))
		if bucket == nil {
			return ErrNotFound.New("signature %q", signature)
		}
		raw := bucket.Get([]byte(signature))
		if raw == nil {
			return ErrNotFound.New("signature %q", signature)
		}
		return Error.Wrap(json.Unmarshal(raw, &batch))
	})
	return batch, err
}

// MarkFlushing transitions the batch so a concurrent flush is visible after
// a crash; recovery treats flushing batches the same as open ones because
// partition commits are detected by signature.
func (spool *Spool) MarkFlushing(ctx context.Context, datasetID int64, signature string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return spool.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(datasetBucket(datasetID))
		if bucket == nil {
			return ErrNotFound.New("signature %q", signature)
		}
		raw := bucket.Get([]byte(signature))
		if raw == nil {
			return ErrNotFound.New("signature %q", signature)
		}
		var batch Batch
		if err := json.Unmarshal(raw, &batch); err != nil {
			return Error.Wrap(err)
		}
		batch.Status = StatusFlushing
		return putBatch(bucket, batch)
	})
}

// Remove deletes a flushed batch and releases its bytes.
func (spool *Spool) Remove(ctx context.Context, datasetID int64, signature string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return spool.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(datasetBucket(datasetID))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(signature))
		if raw == nil {
			return nil
		}
		var batch Batch
		if err := json.Unmarshal(raw, &batch); err != nil {
			return Error.Wrap(err)
		}
		if err := bucket.Delete([]byte(signature)); err != nil {
			return Error.Wrap(err)
		}
		used := bytesUsed(tx) - batch.ByteSize
		if used < 0 {
			used = 0
		}
		return setBytesUsed(tx, used)
	})
}

// List returns every staged batch in arrival order, for recovery on start.
func (spool *Spool) List(ctx context.Context) (_ []Batch, err error) {
	defer mon.Task()(&ctx)(&err)

	var batches []Batch
	err = spool.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			if string(name) == string(metaBucket) {
				return nil
			}
			return bucket.ForEach(func(_, raw []byte) error {
				var batch Batch
				if err := json.Unmarshal(raw, &batch); err != nil {
					return Error.Wrap(err)
				}
				batches = append(batches, batch)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].ReceivedAt.Equal(batches[j].ReceivedAt) {
			return batches[i].Seq < batches[j].Seq
		}
		return batches[i].ReceivedAt.Before(batches[j].ReceivedAt)
	})
	return batches, nil
}

// BytesUsed reports the staged row bytes across all batches.
func (spool *Spool) BytesUsed(ctx context.Context) (used int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = spool.db.View(func(tx *bolt.Tx) error {
		used = bytesUsed(tx)
		return nil
	})
	return used, err
}

func putBatch(bucket *bolt.Bucket, batch Batch) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(bucket.Put([]byte(batch.Signature), raw))
}

func bytesUsed(tx *bolt.Tx) int64 {
	raw := tx.Bucket(metaBucket).Get(usageKey)
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

func setBytesUsed(tx *bolt.Tx, used int64) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(used))
	return Error.Wrap(tx.Bucket(metaBucket).Put(usageKey, raw[:]))
}
