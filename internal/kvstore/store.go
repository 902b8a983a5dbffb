// Package kvstore implements the persistence core's underlying KV
// engine: a bbolt-backed store offering atomic multi-item conditional
// transactions, range queries ordered by a range key, a secondary
// index, and an ordered change feed.
//
// Built around the same bucket-per-collection, JSON marshal/unmarshal,
// upsert-via-Put idiom as a generic boltdb-backed store, but
// generalized from fixed entity-kind buckets into a single items
// bucket nested per storageId, keyed by vid, since the domain here is
// a versioned chain rather than a flat entity table.
package kvstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fhirstore/core/pkg/events"
	"github.com/fhirstore/core/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketItems       = []byte("items")
	bucketExports     = []byte("exports")
	bucketExportIndex = []byte("exports_by_status")
)

// DefaultMaxTransactItems matches the common conditional-transaction
// ceiling of a DynamoDB-style transactional write API; TransactWrite
// splits larger batches into sequential bbolt transactions of at most
// this many ops.
const DefaultMaxTransactItems = 25

// Condition evaluates a proposed write against the current stored
// value for that key. exists is false when no item is currently
// stored at the key. A condition returning false aborts the entire
// surrounding transaction.
type Condition func(existing []byte, exists bool) bool

// AttributeNotExists is the Condition for "insert only if absent",
// an attribute_not_exists(id) guard.
func AttributeNotExists() Condition {
	return func(_ []byte, exists bool) bool { return !exists }
}

// Always is a Condition that never blocks the write, used for
// unconditional rollback deletes.
func Always() Condition {
	return func(_ []byte, _ bool) bool { return true }
}

// WriteOp is one item of a conditional write batch.
type WriteOp struct {
	StorageID string
	Vid       int64
	// Value is the new stored bytes. A nil Value means "delete this
	// key" (used by rollback of staged creates/updates).
	Value     []byte
	Condition Condition
}

// Row is one result of a range query.
type Row struct {
	Vid   int64
	Value []byte
}

// Store wraps a bbolt database behind the conditional-write interface
// the persistence core is built against.
type Store struct {
	db               *bolt.DB
	broker           *events.Broker
	maxTransactItems int
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithMaxTransactItems overrides DefaultMaxTransactItems.
func WithMaxTransactItems(n int) Option {
	return func(s *Store) { s.maxTransactItems = n }
}

// Open opens (creating if necessary) a bbolt database at
// <dataDir>/fhirstore.db and ensures the core buckets exist. broker
// may be nil, in which case no change-feed events are published
// (useful for tests that don't exercise the propagator).
func Open(dataDir string, broker *events.Broker, opts ...Option) (*Store, error) {
	dbPath := filepath.Join(dataDir, "fhirstore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		metrics.RegisterComponent("kvstore", false, err.Error())
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketItems, bucketExports, bucketExportIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.RegisterComponent("kvstore", false, err.Error())
		db.Close()
		return nil, err
	}

	s := &Store{db: db, broker: broker, maxTransactItems: DefaultMaxTransactItems}
	for _, opt := range opts {
		opt(s)
	}
	metrics.RegisterComponent("kvstore", true, "")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func vidKey(vid int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(vid))
	return buf
}

func vidFromKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// Get fetches the exact (storageId, vid) item.
func (s *Store) Get(storageID string, vid int64) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		chain := items.Bucket([]byte(storageID))
		if chain == nil {
			return nil
		}
		v := chain.Get(vidKey(vid))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, value != nil, err
}

// Query returns up to limit rows for storageID, ordered by vid
// descending (most-recent-first). limit <= 0 means unbounded.
func (s *Store) Query(storageID string, limit int) ([]Row, error) {
	var rows []Row
	err := s.db.View(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		chain := items.Bucket([]byte(storageID))
		if chain == nil {
			return nil
		}
		c := chain.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			rows = append(rows, Row{Vid: vidFromKey(k), Value: append([]byte(nil), v...)})
			if limit > 0 && len(rows) >= limit {
				break
			}
		}
		return nil
	})
	return rows, err
}

// ConditionalPut applies a single conditional write. It is a
// convenience wrapper over TransactWrite for the common single-item
// case (insert, or a status transition).
func (s *Store) ConditionalPut(op WriteOp) error {
	return s.TransactWrite([]WriteOp{op})
}

// TransactWrite applies ops as one or more bounded atomic batches. Each
// sub-batch of up to maxTransactItems ops is committed as a single
// bbolt transaction: either every condition in the sub-batch holds and
// every write lands, or none do. Sub-batches are committed
// sequentially; the caller (typically the Bundle Service) is
// responsible for deciding how to roll back earlier sub-batches if a
// later one fails.
func (s *Store) TransactWrite(ops []WriteOp) error {
	for start := 0; start < len(ops); start += s.maxTransactItems {
		end := start + s.maxTransactItems
		if end > len(ops) {
			end = len(ops)
		}
		if err := s.applyBatch(ops[start:end]); err != nil {
			return err
		}
	}
	for _, op := range ops {
		s.publishMutation(op)
	}
	return nil
}

func (s *Store) applyBatch(batch []WriteOp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		for _, op := range batch {
			chain, err := items.CreateBucketIfNotExists([]byte(op.StorageID))
			if err != nil {
				return err
			}
			key := vidKey(op.Vid)
			existing := chain.Get(key)
			if op.Condition != nil && !op.Condition(existing, existing != nil) {
				return &ConditionFailedError{StorageID: op.StorageID, Vid: op.Vid}
			}
			if op.Value == nil {
				if err := chain.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err := chain.Put(key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// publishMutation emits a best-effort change-feed event for a
// committed write. Event metadata is decoded from the stored JSON
// shape produced by internal/codec; kvstore itself stays agnostic of
// the Item schema beyond the handful of fields the feed needs.
func (s *Store) publishMutation(op WriteOp) {
	if s.broker == nil {
		return
	}
	evt := &events.Event{
		StorageID: op.StorageID,
		Vid:       op.Vid,
	}
	if op.Value == nil {
		evt.Type = events.EventResourceDeleted
	} else {
		evt.Type = events.EventResourceUpdated
		var decoded struct {
			ResourceType   string   `json:"resourceType"`
			DocumentStatus string   `json:"documentStatus"`
			TenantID       string   `json:"tenantId"`
			References     []string `json:"_references"`
		}
		if err := json.Unmarshal(op.Value, &decoded); err == nil {
			evt.ResourceType = decoded.ResourceType
			evt.TenantID = decoded.TenantID
			evt.References = decoded.References
			evt.Metadata = map[string]string{"documentStatus": decoded.DocumentStatus}
		}
	}
	s.broker.Publish(evt)
}

// ConditionFailedError is returned when a WriteOp's Condition rejects
// the proposed write. Callers distinguish insert-conflict from
// contention by which Condition they supplied.
type ConditionFailedError struct {
	StorageID string
	Vid       int64
}

func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("condition failed for storageId=%s vid=%d", e.StorageID, e.Vid)
}

// --- Export table ---

// PutExportJob inserts or replaces a job row and maintains the
// jobStatus secondary index, removing any stale index entry for
// previousStatus first.
func (s *Store) PutExportJob(jobID string, value []byte, status string, previousStatus string, condition Condition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		exports := tx.Bucket(bucketExports)
		index := tx.Bucket(bucketExportIndex)

		existing := exports.Get([]byte(jobID))
		if condition != nil && !condition(existing, existing != nil) {
			return &ConditionFailedError{StorageID: jobID}
		}

		if previousStatus != "" {
			if err := index.Delete(exportIndexKey(previousStatus, jobID)); err != nil {
				return err
			}
		}
		if err := index.Put(exportIndexKey(status, jobID), []byte(jobID)); err != nil {
			return err
		}
		return exports.Put([]byte(jobID), value)
	})
}

// GetExportJob point-gets a job row by id.
func (s *Store) GetExportJob(jobID string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketExports).Get([]byte(jobID))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, value != nil, err
}

// QueryExportJobsByStatus scans the jobStatus secondary index and
// returns the matching job rows.
func (s *Store) QueryExportJobsByStatus(status string) ([]Row, error) {
	var rows []Row
	prefix := append([]byte(status), 0x00)
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketExportIndex)
		exports := tx.Bucket(bucketExports)
		c := index.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			jobID := string(v)
			jobValue := exports.Get([]byte(jobID))
			if jobValue == nil {
				continue
			}
			rows = append(rows, Row{Value: append([]byte(nil), jobValue...)})
		}
		return nil
	})
	return rows, err
}

func exportIndexKey(status, jobID string) []byte {
	return append(append([]byte(status), 0x00), []byte(jobID)...)
}
