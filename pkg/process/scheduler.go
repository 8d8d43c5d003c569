package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/archive"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/match"
	"github.com/nomad-lab/nomad-core/pkg/metrics"
	"github.com/nomad-lab/nomad-core/pkg/queue"
	"github.com/nomad-lab/nomad-core/pkg/search"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// UploadRunner is the body of one upload-level process. Runners are looked
// up by process name when an upload job is claimed.
type UploadRunner func(ctx context.Context, upload *models.Upload) error

// Normalizer enriches parsed archives. Normalizers run after the parser,
// in registration order, filtered by domain.
type Normalizer struct {
	Name   string
	Domain string

	Normalize func(ctx context.Context, staging *files.StagingFiles, doc *archive.EntryArchive, log *slog.Logger) error
}

// Scheduler runs the worker pool and owns the processing pipelines. It
// serializes upload-level processes through the state machine and joins
// entry-level work back to the upload exactly once.
type Scheduler struct {
	state       store.Store
	fstore      *files.Store
	queue       *queue.Queue
	matcher     *match.Matcher
	registry    *match.Registry
	normalizers []*Normalizer
	gateway     search.Gateway
	notifier    Notifier
	metrics     metrics.ProcessingMetrics
	cfg         Config

	runners map[string]UploadRunner

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewScheduler wires a scheduler over its collaborators.
func NewScheduler(state store.Store, fstore *files.Store, q *queue.Queue, registry *match.Registry, gateway search.Gateway, cfg Config) *Scheduler {
	cfg.ApplyDefaults()
	s := &Scheduler{
		state:    state,
		fstore:   fstore,
		queue:    q,
		matcher:  match.NewMatcher(registry, cfg.Match),
		registry: registry,
		gateway:  gateway,
		notifier: NopNotifier{},
		cfg:      cfg,
		runners:  make(map[string]UploadRunner),
	}
	s.runners[models.ProcessUpload] = s.runProcessUpload
	s.runners[models.ProcessPublish] = s.runPublishUpload
	s.runners[models.ProcessDelete] = s.runDeleteUpload
	return s
}

// SetNotifier installs the completion notifier.
func (s *Scheduler) SetNotifier(n Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// SetMetrics installs the processing metrics sink.
func (s *Scheduler) SetMetrics(m metrics.ProcessingMetrics) {
	s.metrics = m
}

// RegisterNormalizers appends normalizers in run order.
func (s *Scheduler) RegisterNormalizers(normalizers ...*Normalizer) {
	s.normalizers = append(s.normalizers, normalizers...)
}

// RegisterRunner installs the body for an upload-level process name.
// Used by the controller for processes that need collaborators the
// scheduler does not own (bundle import, external publish).
func (s *Scheduler) RegisterRunner(process string, fn UploadRunner) {
	s.runners[process] = fn
}

// Start resurrects orphaned jobs and launches the worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	resurrected, err := s.queue.Resurrect()
	if err != nil {
		return fmt.Errorf("failed to resurrect jobs: %w", err)
	}
	if resurrected > 0 {
		logger.Info("resurrected orphaned jobs", logger.Count(resurrected))
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.group.Go(func() error {
			return s.worker(ctx)
		})
	}
	logger.Info("scheduler started", logger.Count(s.cfg.Workers))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group == nil {
		return nil
	}
	err := s.group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// worker claims and runs jobs until the context ends. A failed dequeue
// must not return: the shared errgroup context would cancel every other
// worker and strand their running uploads.
func (s *Scheduler) worker(ctx context.Context) error {
	for {
		job, err := s.queue.Dequeue(ctx)
		if err != nil {
			if err == queue.ErrClosed || ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("failed to dequeue job, retrying", logger.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordJobStart(string(job.Kind))
		}
		s.handleJob(ctx, job)
		if s.metrics != nil {
			s.metrics.RecordJobEnd(string(job.Kind))
		}

		if err := s.queue.Ack(ctx, job); err != nil {
			logger.Error("failed to ack job", logger.Err(err))
		}
	}
}

// handleJob dispatches one claimed job. Processing failures are recorded
// in the state store, never returned: a failed entry is a valid outcome.
func (s *Scheduler) handleJob(ctx context.Context, job *queue.Job) {
	lc := logger.NewLogContext(job.UploadID).WithProcess(job.Process)
	ctx = logger.WithContext(ctx, lc)

	switch job.Kind {
	case queue.JobKindEntryOp:
		s.processEntry(ctx, job.UploadID, job.EntryID)
	case queue.JobKindUploadOp:
		s.runUploadOp(ctx, job)
	default:
		logger.Error("unknown job kind", logger.Process(string(job.Kind)))
	}
}

// EnqueueUploadOp starts an upload-level process: it claims the state
// machine via compare-and-set and persists the job. Returns
// models.ErrProcessAlreadyRunning when another process holds the upload.
func (s *Scheduler) EnqueueUploadOp(ctx context.Context, uploadID, process string) error {
	started, err := s.state.TryStartUploadProcess(ctx, uploadID, process)
	if err != nil {
		return err
	}
	if !started {
		return models.ErrProcessAlreadyRunning
	}
	_, err = s.queue.Enqueue(ctx, queue.Job{
		Kind:     queue.JobKindUploadOp,
		UploadID: uploadID,
		Process:  process,
	})
	return err
}

// runUploadOp executes the claimed upload process and records its outcome.
func (s *Scheduler) runUploadOp(ctx context.Context, job *queue.Job) {
	start := time.Now()

	upload, err := s.state.GetUpload(ctx, job.UploadID)
	if err != nil {
		logger.ErrorCtx(ctx, "upload vanished before processing", logger.Err(err))
		return
	}

	runner, ok := s.runners[job.Process]
	if !ok {
		s.finishUpload(ctx, job.UploadID, models.StatusFailure,
			[]string{fmt.Sprintf("unknown process %q", job.Process)}, nil)
		return
	}

	if err := s.state.SetUploadRunning(ctx, job.UploadID); err != nil {
		logger.ErrorCtx(ctx, "failed to mark upload running", logger.Err(err))
		return
	}

	err = s.runSafely(ctx, upload, runner)
	if err != nil {
		logger.ErrorCtx(ctx, "upload process failed", logger.Err(err))
		s.finishUpload(ctx, job.UploadID, models.StatusFailure, []string{err.Error()}, nil)
		metrics.ObserveUploadProcess(s.metrics, job.Process, string(models.StatusFailure), start)
		return
	}

	// parse_all leaves the upload in WAITING_FOR_RESULT; the join finishes
	// it. Everything else completes here.
	current, err := s.state.GetUpload(ctx, job.UploadID)
	if err == nil && current.ProcessStatus == models.StatusRunning {
		s.finishUpload(ctx, job.UploadID, models.StatusSuccess, nil, nil)
	}
	metrics.ObserveUploadProcess(s.metrics, job.Process, string(models.StatusSuccess), start)
}

// runSafely shields the worker from panicking process bodies.
func (s *Scheduler) runSafely(ctx context.Context, upload *models.Upload, runner UploadRunner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("process panicked: %v", r)
		}
	}()
	return runner(ctx, upload)
}

func (s *Scheduler) finishUpload(ctx context.Context, uploadID string, status models.ProcessStatus, procErrors, warnings []string) {
	if err := s.state.FinishUploadProcess(ctx, uploadID, status, procErrors, warnings); err != nil {
		logger.ErrorCtx(ctx, "failed to finish upload process", logger.Err(err))
	}
}
