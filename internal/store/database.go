package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-reel/internal/receipt"
)

const (
	jobsBucket     = "jobs"
	framesBucket   = "frames"
	receiptsBucket = "receipts"
	journalBucket  = "journal"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// DB defines the interface for database operations
type DB interface {
	// SaveJob creates or replaces a job
	SaveJob(job *receipt.VideoJob) error

	// GetJob retrieves a job by ID
	GetJob(id string) (*receipt.VideoJob, error)

	// ListJobs returns all jobs, newest first
	ListJobs() ([]*receipt.VideoJob, error)

	// SaveFrame saves a frame of a job
	SaveFrame(frame *receipt.Frame) error

	// GetFrame retrieves one frame of a job by index
	GetFrame(jobID string, index int) (*receipt.Frame, error)

	// ListFrames returns a job's frames in index order
	ListFrames(jobID string) ([]*receipt.Frame, error)

	// SaveReceipt saves a receipt of a job
	SaveReceipt(r *receipt.Receipt) error

	// ListReceipts returns a job's receipts in sequence order
	ListReceipts(jobID string) ([]*receipt.Receipt, error)

	// SaveJournalEntry saves a journal entry of a job
	SaveJournalEntry(e *receipt.JournalEntry) error

	// ListJournalEntries returns a job's entries in sequence order
	ListJournalEntries(jobID string) ([]*receipt.JournalEntry, error)

	// ClearResults removes every frame, receipt and entry of a job
	ClearResults(jobID string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{jobsBucket, framesBucket, receiptsBucket, journalBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// childKey orders a job's children by number under a shared prefix
func childKey(jobID string, n int) []byte {
	return []byte(fmt.Sprintf("%s/%010d", jobID, n))
}

func jobPrefix(jobID string) []byte {
	return []byte(jobID + "/")
}

func put(b *BoltDB, bucket string, key []byte, v any) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", bucket, err)
		}
		return tx.Bucket([]byte(bucket)).Put(key, data)
	})
}

// listChildren decodes every value under a job's prefix, in key order
func listChildren[T any](b *BoltDB, bucket, jobID string) ([]*T, error) {
	out := make([]*T, 0)
	prefix := jobPrefix(jobID)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling %s %s: %w", bucket, k, err)
			}
			out = append(out, &item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveJob creates or replaces a job
func (b *BoltDB) SaveJob(job *receipt.VideoJob) error {
	return put(b, jobsBucket, []byte(job.ID), job)
}

// GetJob retrieves a job by ID
func (b *BoltDB) GetJob(id string) (*receipt.VideoJob, error) {
	var job *receipt.VideoJob
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(jobsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns all jobs, newest first
func (b *BoltDB) ListJobs() ([]*receipt.VideoJob, error) {
	jobs := make([]*receipt.VideoJob, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(k, v []byte) error {
			var job receipt.VideoJob
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("unmarshaling job: %w", err)
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// SaveFrame saves a frame of a job
func (b *BoltDB) SaveFrame(frame *receipt.Frame) error {
	return put(b, framesBucket, childKey(frame.JobID, frame.Index), frame)
}

// GetFrame retrieves one frame of a job by index
func (b *BoltDB) GetFrame(jobID string, index int) (*receipt.Frame, error) {
	var frame *receipt.Frame
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(framesBucket)).Get(childKey(jobID, index))
		if data == nil {
			return fmt.Errorf("frame %d of job %s: %w", index, jobID, ErrNotFound)
		}
		return json.Unmarshal(data, &frame)
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// ListFrames returns a job's frames in index order
func (b *BoltDB) ListFrames(jobID string) ([]*receipt.Frame, error) {
	return listChildren[receipt.Frame](b, framesBucket, jobID)
}

// SaveReceipt saves a receipt of a job
func (b *BoltDB) SaveReceipt(r *receipt.Receipt) error {
	return put(b, receiptsBucket, childKey(r.JobID, r.Sequence), r)
}

// ListReceipts returns a job's receipts in sequence order
func (b *BoltDB) ListReceipts(jobID string) ([]*receipt.Receipt, error) {
	return listChildren[receipt.Receipt](b, receiptsBucket, jobID)
}

// SaveJournalEntry saves a journal entry of a job
func (b *BoltDB) SaveJournalEntry(e *receipt.JournalEntry) error {
	return put(b, journalBucket, childKey(e.JobID, e.Sequence), e)
}

// ListJournalEntries returns a job's entries in sequence order
func (b *BoltDB) ListJournalEntries(jobID string) ([]*receipt.JournalEntry, error) {
	return listChildren[receipt.JournalEntry](b, journalBucket, jobID)
}

// ClearResults removes every frame, receipt and entry of a job in one transaction
func (b *BoltDB) ClearResults(jobID string) error {
	prefix := jobPrefix(jobID)
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{framesBucket, receiptsBucket, journalBucket} {
			bucket := tx.Bucket([]byte(name))
			var keys [][]byte
			c := bucket.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := bucket.Delete(k); err != nil {
					return fmt.Errorf("deleting %s %s: %w", name, k, err)
				}
			}
		}
		return nil
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
