package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	q := createTestQueue(t)

	id1, err := q.Enqueue(ctx, Job{Kind: JobKindUploadOp, UploadID: "u1", Process: "process_upload"})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, Job{Kind: JobKindEntryOp, UploadID: "u1", EntryID: "e1", Process: "process_entry"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	t.Run("FIFO", func(t *testing.T) {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, id1, job.ID)
		assert.Equal(t, JobRunning, job.Status)
		require.NoError(t, q.Ack(ctx, job))

		job, err = q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, id2, job.ID)
		assert.Equal(t, "e1", job.EntryID)
		require.NoError(t, q.Ack(ctx, job))

		pending, err := q.Pending()
		require.NoError(t, err)
		assert.Equal(t, 0, pending)
	})

	t.Run("BlocksUntilEnqueue", func(t *testing.T) {
		results := make(chan *Job, 1)
		go func() {
			job, err := q.Dequeue(ctx)
			if err == nil {
				results <- job
			}
		}()

		time.Sleep(50 * time.Millisecond)
		_, err := q.Enqueue(ctx, Job{Kind: JobKindUploadOp, UploadID: "u2", Process: "publish_upload"})
		require.NoError(t, err)

		select {
		case job := <-results:
			assert.Equal(t, "u2", job.UploadID)
			require.NoError(t, q.Ack(ctx, job))
		case <-time.After(3 * time.Second):
			t.Fatal("dequeue did not return after enqueue")
		}
	})

	t.Run("ContextCancel", func(t *testing.T) {
		cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(cancelled)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNack(t *testing.T) {
	ctx := context.Background()
	q := createTestQueue(t)

	_, err := q.Enqueue(ctx, Job{Kind: JobKindEntryOp, UploadID: "u1", EntryID: "e1", Process: "process_entry"})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, job.Attempts)

	require.NoError(t, q.Nack(ctx, job))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
	require.NoError(t, q.Ack(ctx, again))
}

func TestConcurrentDequeue(t *testing.T) {
	ctx := context.Background()
	q := createTestQueue(t)

	const jobs = 200
	const workers = 8

	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, Job{Kind: JobKindEntryOp, UploadID: "u1", Process: "process_entry"})
		require.NoError(t, err)
	}

	// Every job is claimed exactly once, and no worker dies on the claim
	// conflicts badger raises under concurrent dequeue.
	var mu sync.Mutex
	claimed := make(map[string]int, jobs)
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				done := len(claimed) >= jobs
				mu.Unlock()
				if done {
					return
				}
				dequeueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				job, err := q.Dequeue(dequeueCtx)
				cancel()
				if err != nil {
					if err != context.DeadlineExceeded {
						errs <- err
					}
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
				if err := q.Ack(ctx, job); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("worker failed: %v", err)
	}

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestResurrect(t *testing.T) {
	ctx := context.Background()
	q := createTestQueue(t)

	for _, entryID := range []string{"e1", "e2"} {
		_, err := q.Enqueue(ctx, Job{Kind: JobKindEntryOp, UploadID: "u1", EntryID: entryID, Process: "process_entry"})
		require.NoError(t, err)
	}

	// Claim both, then simulate a crashed worker by never acking.
	job1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	running, err := q.Running()
	require.NoError(t, err)
	assert.Equal(t, 2, running)

	n, err := q.Resurrect()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	resurrected, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job1.ID, resurrected.ID)
	assert.Equal(t, 1, resurrected.Attempts)
}

func TestClose(t *testing.T) {
	q, err := New(Config{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, q.Close())
}
