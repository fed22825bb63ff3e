// Package statedb persists per-node fingerprints and per-task metadata
// across runs in a single bbolt file. Access is serialized by bbolt's
// writer lock; each task's commit is one transaction.
package statedb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"

	"github.com/augustebaum/pytask/internal/ctxlog"
	"github.com/augustebaum/pytask/internal/nodes"
)

// DefaultFileName is the database file created in the project root.
const DefaultFileName = ".pytask.db"

// schemaVersion is bumped on incompatible layout changes; a mismatched
// file is recreated.
const schemaVersion = "1"

var (
	bucketRecords  = []byte("records")
	bucketRuntimes = []byte("runtimes")
	bucketMeta     = []byte("meta")
	keyVersion     = []byte("version")
)

// Role distinguishes whether a record describes a task's dependency or
// product.
type Role string

const (
	RoleDep  Role = "dep"
	RoleProd Role = "prod"
)

// Record is the stored state of one (task, node, role) triple.
type Record struct {
	Fingerprint nodes.Fingerprint `json:"fingerprint"`
	TaskHash    string            `json:"task_hash"`
}

// Key addresses a record within one task's batch.
type Key struct {
	NodeID string
	Role   Role
}

// DB wraps the bbolt store.
type DB struct {
	bolt *bolt.DB
	path string
}

// Open opens (or creates) the database, retrying transient lock contention
// with exponential backoff. A file with an incompatible schema version is
// recreated with a one-time warning.
func Open(ctx context.Context, path string) (*DB, error) {
	logger := ctxlog.FromContext(ctx)

	var db *bolt.DB
	open := func() error {
		var err error
		db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: 250 * time.Millisecond})
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(open, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("opening state database %s: %w", path, err)
	}

	compatible, err := ensureSchema(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if !compatible {
		logger.Warn("State database has an incompatible schema, recreating it.", "path", path)
		db.Close()
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing incompatible state database: %w", err)
		}
		if err := backoff.Retry(open, backoff.WithContext(policy, ctx)); err != nil {
			return nil, fmt.Errorf("recreating state database %s: %w", path, err)
		}
		if _, err := ensureSchema(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &DB{bolt: db, path: path}, nil
}

// ensureSchema creates the buckets and checks the version marker. It
// reports false when the file carries a different schema version.
func ensureSchema(db *bolt.DB) (bool, error) {
	compatible := true
	err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if v := meta.Get(keyVersion); v != nil && string(v) != schemaVersion {
			compatible = false
			return nil
		}
		if err := meta.Put(keyVersion, []byte(schemaVersion)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(bucketRuntimes)
		return err
	})
	return compatible, err
}

// Close closes the underlying file.
func (d *DB) Close() error { return d.bolt.Close() }

// Path returns the database file location.
func (d *DB) Path() string { return d.path }

func recordKey(taskID, nodeID string, role Role) []byte {
	k := make([]byte, 0, len(taskID)+len(nodeID)+len(role)+2)
	k = append(k, taskID...)
	k = append(k, 0)
	k = append(k, nodeID...)
	k = append(k, 0)
	k = append(k, role...)
	return k
}

// Get loads one record. Unreadable records are treated as absent and
// logged; the affected task simply rebuilds.
func (d *DB) Get(ctx context.Context, taskID, nodeID string, role Role) (Record, bool, error) {
	var rec Record
	found := false
	err := d.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get(recordKey(taskID, nodeID, role))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			ctxlog.FromContext(ctx).Warn("Unreadable state record, treating as absent.",
				"task", taskID, "node", nodeID, "error", err)
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, found, nil
}

// Put upserts a single record in its own transaction.
func (d *DB) Put(taskID, nodeID string, role Role, rec Record) error {
	return d.PutBatch(taskID, map[Key]Record{{NodeID: nodeID, Role: role}: rec})
}

// PutBatch upserts all of a task's records in one transaction, so a
// task's commit is atomic.
func (d *DB) PutBatch(taskID string, recs map[Key]Record) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for key, rec := range recs {
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(recordKey(taskID, key.NodeID, key.Role), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropTask removes every record and runtime of a task.
func (d *DB) DropTask(taskID string) error {
	prefix := append([]byte(taskID), 0)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketRuntimes).Delete([]byte(taskID))
	})
}

// TaskIDs lists the distinct task ids with stored records.
func (d *DB) TaskIDs() ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	err := d.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, _ []byte) error {
			if i := bytes.IndexByte(k, 0); i > 0 {
				id := string(k[:i])
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
			return nil
		})
	})
	return ids, err
}

// RecordRuntime appends one observed duration to the task's history,
// keeping the most recent entries.
func (d *DB) RecordRuntime(taskID string, duration time.Duration) error {
	const keep = 10
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuntimes)
		var history []float64
		if raw := b.Get([]byte(taskID)); raw != nil {
			// A decode failure just resets the history.
			_ = json.Unmarshal(raw, &history)
		}
		history = append(history, duration.Seconds())
		if len(history) > keep {
			history = history[len(history)-keep:]
		}
		raw, err := json.Marshal(history)
		if err != nil {
			return err
		}
		return b.Put([]byte(taskID), raw)
	})
}

// Runtimes returns the stored duration history per task, in seconds.
func (d *DB) Runtimes() (map[string][]float64, error) {
	out := make(map[string][]float64)
	err := d.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuntimes).ForEach(func(k, v []byte) error {
			var history []float64
			if err := json.Unmarshal(v, &history); err == nil {
				out[string(k)] = history
			}
			return nil
		})
	})
	return out, err
}

// Compact rewrites the database into a fresh file and atomically swaps it
// in, reclaiming space left by dropped records.
func (d *DB) Compact() error {
	tmpPath := d.path + ".compact"
	dst, err := bolt.Open(tmpPath, 0o600, nil)
	if err != nil {
		return err
	}
	if err := bolt.Compact(dst, d.bolt, 0); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := d.bolt.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, d.path); err != nil {
		return err
	}
	reopened, err := bolt.Open(d.path, 0o600, &bolt.Options{Timeout: 250 * time.Millisecond})
	if err != nil {
		return err
	}
	d.bolt = reopened
	return nil
}
