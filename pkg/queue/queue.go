// Package queue implements the durable job queue behind the scheduler.
// Jobs survive process restarts: a job picked up by a worker that died is
// found in the running state on startup and resurrected as pending.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// JobKind distinguishes upload-level from entry-level jobs.
type JobKind string

const (
	// JobKindUploadOp is an upload-level operation (process_upload,
	// publish, delete and friends). Serialized per upload by the state
	// machine, not by the queue.
	JobKindUploadOp JobKind = "upload_op"
	// JobKindEntryOp processes a single entry. Entry jobs of one upload
	// may run in parallel.
	JobKindEntryOp JobKind = "entry_op"
)

// JobStatus is the queue-side state of a job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
)

// ErrClosed is returned from blocking calls after Close.
var ErrClosed = errors.New("queue is closed")

// Job is one unit of scheduled work.
type Job struct {
	ID       string    `json:"id"`
	Kind     JobKind   `json:"kind"`
	UploadID string    `json:"upload_id"`
	EntryID  string    `json:"entry_id,omitempty"`
	Process  string    `json:"process"`
	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`
	Created  time.Time `json:"created"`

	seq uint64
}

// Config holds the queue storage options.
type Config struct {
	// Path is the badger database directory. Ignored with InMemory.
	Path string `mapstructure:"path" yaml:"path"`
	// InMemory keeps the queue in process memory, for tests.
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`
}

// Queue is a FIFO, at-least-once job queue on badger.
type Queue struct {
	db     *badger.DB
	seq    *badger.Sequence
	notify chan struct{}
	done   chan struct{}
}

const jobPrefix = "job:"

// keyJob orders jobs by their monotonically increasing sequence number.
func keyJob(seq uint64) []byte {
	key := make([]byte, len(jobPrefix)+8)
	copy(key, jobPrefix)
	binary.BigEndian.PutUint64(key[len(jobPrefix):], seq)
	return key
}

// New opens the queue database.
func New(cfg Config) (*Queue, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq:job"), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open job sequence: %w", err)
	}
	return &Queue{
		db:     db,
		seq:    seq,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Close releases the queue database.
func (q *Queue) Close() error {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	if err := q.seq.Release(); err != nil {
		q.db.Close()
		return err
	}
	return q.db.Close()
}

// Enqueue persists a new pending job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	seq, err := q.seq.Next()
	if err != nil {
		return "", err
	}
	job.ID = uuid.New().String()
	job.Status = JobPending
	job.Created = time.Now().UTC()
	job.seq = seq

	if err := q.writeJob(job); err != nil {
		return "", err
	}
	q.wake()
	return job.ID, nil
}

// Dequeue blocks until a pending job is available, marks it running and
// returns it. Returns ErrClosed after Close.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		job, err := q.claimNext()
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.notify:
		case <-ticker.C:
			// Periodic re-scan covers wakeups lost to the 1-slot notify
			// channel.
		}
	}
}

// Ack removes a completed job.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyJob(job.seq))
	})
}

// Nack returns a running job to the pending state for another attempt.
func (q *Queue) Nack(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job.Status = JobPending
	job.Attempts++
	if err := q.writeJob(*job); err != nil {
		return err
	}
	q.wake()
	return nil
}

// Resurrect moves all running jobs back to pending. Called once on
// startup before workers attach, so jobs orphaned by a crash run again.
func (q *Queue) Resurrect() (int, error) {
	resurrected := 0
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(jobPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			job, err := decodeJobItem(item)
			if err != nil {
				continue
			}
			if job.Status != JobRunning {
				continue
			}
			job.Status = JobPending
			job.Attempts++
			data, err := encodeJob(job)
			if err != nil {
				return err
			}
			if err := txn.Set(keyJob(job.seq), data); err != nil {
				return err
			}
			resurrected++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if resurrected > 0 {
		q.wake()
	}
	return resurrected, nil
}

// Pending counts jobs waiting for a worker.
func (q *Queue) Pending() (int, error) {
	return q.count(JobPending)
}

// Running counts jobs currently claimed by workers.
func (q *Queue) Running() (int, error) {
	return q.count(JobRunning)
}

func (q *Queue) count(status JobStatus) (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(jobPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			job, err := decodeJobItem(it.Item())
			if err != nil {
				continue
			}
			if job.Status == status {
				n++
			}
		}
		return nil
	})
	return n, err
}

// claimNext claims the oldest pending job, or returns nil when the queue
// has no pending work. Concurrent claims of the same key make badger's
// SSI detection fail one transaction with ErrConflict; the loser simply
// scans again.
func (q *Queue) claimNext() (*Job, error) {
	for {
		job, err := q.claimNextOnce()
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return job, err
	}
}

func (q *Queue) claimNextOnce() (*Job, error) {
	var claimed *Job
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(jobPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			job, err := decodeJobItem(item)
			if err != nil {
				continue
			}
			if job.Status != JobPending {
				continue
			}
			job.Status = JobRunning
			data, err := encodeJob(job)
			if err != nil {
				return err
			}
			if err := txn.Set(keyJob(job.seq), data); err != nil {
				return err
			}
			claimed = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) writeJob(job Job) error {
	data, err := encodeJob(&job)
	if err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyJob(job.seq), data)
	})
}

// encodeJob includes the sequence number in the value so decoded jobs can
// be acked and re-written under their original key.
func encodeJob(job *Job) ([]byte, error) {
	return json.Marshal(struct {
		Job
		Seq uint64 `json:"seq"`
	}{*job, job.seq})
}

func decodeJobItem(item *badger.Item) (*Job, error) {
	var decoded struct {
		Job
		Seq uint64 `json:"seq"`
	}
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &decoded)
	})
	if err != nil {
		return nil, err
	}
	job := decoded.Job
	job.seq = decoded.Seq
	return &job, nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
