package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"murmurscreen/internal/config"
	"murmurscreen/internal/events"
	"murmurscreen/internal/metrics"
	"murmurscreen/internal/queue"
	"murmurscreen/internal/store"
)

// Status values for jobs.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Stage names a pipeline phase.
type Stage string

const (
	StageSubmit Stage = "SUBMIT"
	StageExport Stage = "EXPORT"
)

func ParseStage(raw string) (Stage, error) {
	switch s := Stage(raw); s {
	case StageSubmit, StageExport:
		return s, nil
	default:
		return "", fmt.Errorf("unknown stage %q", raw)
	}
}

const (
	logBufferLines = 200
	// finished jobs whose log tail stays in memory
	logBufferJobs = 64
)

var (
	ErrQueueFull  = errors.New("job queue full or not running")
	ErrNotRetried = errors.New("only failed jobs can be retried")
)

// ExecutionContext bundles dependencies for stage execution.
type ExecutionContext struct {
	Cfg   config.Config
	Store *store.Store
	Log   *zap.Logger
	JobID int64
	// Logf appends a line to the job log.
	Logf func(format string, args ...any)
	// Enqueue schedules a follow-up job.
	Enqueue func(ctx context.Context, subject string, stage Stage, params map[string]any) (*store.Job, error)
}

// StageFunc implements one stage for one subject.
type StageFunc func(ctx context.Context, exec ExecutionContext, subject string, params map[string]any) error

// Registry maps stages to implementations.
type Registry map[Stage]StageFunc

type Option func(*Runner)

func WithLogger(l *zap.Logger) Option       { return func(r *Runner) { r.log = l } }
func WithBus(b *events.Bus) Option          { return func(r *Runner) { r.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

// Runner persists jobs in the store and executes them on a bounded queue.
type Runner struct {
	cfg     config.Config
	store   *store.Store
	reg     Registry
	queue   *queue.Queue
	log     *zap.Logger
	bus     *events.Bus
	metrics *metrics.Metrics

	mu        sync.Mutex
	inflight  map[int64]int
	logBuffer map[int64][]string
	retired   []int64
	logJobs   int
}

func NewRunner(cfg config.Config, st *store.Store, reg Registry, opts ...Option) *Runner {
	r := &Runner{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		log:       zap.NewNop(),
		bus:       events.NewBus(),
		metrics:   metrics.New(),
		inflight:  make(map[int64]int),
		logBuffer: make(map[int64][]string),
		logJobs:   logBufferJobs,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("jobs")
	r.queue = queue.New(cfg.JobQueueSize, cfg.WorkerCount, cfg.JobTimeout(), r.log)
	return r
}

// Start fails jobs a previous process left running, then starts the workers.
func (r *Runner) Start(ctx context.Context) {
	r.recoverInterrupted(ctx)
	r.queue.Start(ctx)
	r.syncQueueMetrics()
}

func (r *Runner) recoverInterrupted(ctx context.Context) {
	ids, err := r.store.FailRunningJobs(ctx, config.Now())
	if err != nil {
		r.log.Warn("recover interrupted jobs", zap.Error(err))
		return
	}
	for _, id := range ids {
		r.appendLog(id, "error: interrupted by agent restart")
		r.retireLogs(id)
	}
	if len(ids) > 0 {
		r.log.Warn("interrupted jobs marked failed", zap.Int("count", len(ids)))
	}
}

// Stop stops accepting jobs and waits for running ones until ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	r.queue.Stop(ctx)
}

func (r *Runner) Healthy() bool      { return r.queue.Healthy() }
func (r *Runner) Stats() queue.Stats { return r.queue.Stats() }

// Enqueue records a job and schedules it. Repeating the same subject, stage and
// params returns the existing job; a queued job that is not in flight (left over
// from a previous process) is scheduled again.
func (r *Runner) Enqueue(ctx context.Context, subject string, stage Stage, params map[string]any) (*store.Job, error) {
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	now := config.Now()
	job := &store.Job{
		Subject:        subject,
		Stage:          string(stage),
		Status:         StatusQueued,
		ParamsJSON:     string(payload),
		IdempotencyKey: idempotencyKey(subject, stage, payload),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	j, err := r.store.InsertJobIdempotent(ctx, job)
	if errors.Is(err, store.ErrConflict) {
		if j.Status != StatusQueued || r.isInflight(j.ID) {
			return j, nil
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.dispatch(j); err != nil {
		return j, err
	}
	r.bus.Publish(events.Event{Kind: events.KindJobQueued, JobID: j.ID, Subject: subject, Stage: j.Stage, Status: StatusQueued})
	return j, nil
}

// Retry re-runs a failed job.
func (r *Runner) Retry(ctx context.Context, jobID int64) (*store.Job, error) {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusFailed {
		return j, ErrNotRetried
	}
	if err := r.store.ResetJob(ctx, jobID, config.Now()); err != nil {
		return nil, err
	}
	j.Status = StatusQueued
	j.StartedAt, j.FinishedAt = nil, nil
	r.appendLog(jobID, "retry requested")
	if err := r.dispatch(j); err != nil {
		return j, err
	}
	return j, nil
}

func (r *Runner) dispatch(j *store.Job) error {
	r.mu.Lock()
	r.inflight[j.ID]++
	r.mu.Unlock()
	job := *j
	ok := r.queue.Enqueue(queue.Job{
		ID:     strconv.FormatInt(job.ID, 10),
		Source: job.Stage,
		Work:   func(ctx context.Context) error { return r.execute(ctx, &job) },
		OnFinish: func(err error) {
			r.done(job.ID)
			r.metrics.RecordJobCompletion(err)
			r.syncQueueMetrics()
		},
	})
	if !ok {
		r.done(job.ID)
		return ErrQueueFull
	}
	r.syncQueueMetrics()
	return nil
}

func (r *Runner) done(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] <= 1 {
		delete(r.inflight, id)
		return
	}
	r.inflight[id]--
}

func (r *Runner) isInflight(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[id] > 0
}

func (r *Runner) syncQueueMetrics() {
	s := r.queue.Stats()
	r.metrics.UpdateQueue(s.Length, s.Capacity, s.WorkerCount)
}

func (r *Runner) execute(ctx context.Context, job *store.Job) error {
	// bookkeeping must survive the job's own timeout
	bg := context.WithoutCancel(ctx)
	log := r.log.With(zap.Int64("job_id", job.ID), zap.String("stage", job.Stage), zap.String("subject", job.Subject))

	fn, ok := r.reg[Stage(job.Stage)]
	if !ok {
		err := fmt.Errorf("no handler for stage %s", job.Stage)
		r.finish(bg, job, err)
		return err
	}
	if err := r.store.MarkJobStarted(bg, job.ID, config.Now()); err != nil {
		log.Warn("mark started", zap.Error(err))
	}
	r.bus.Publish(events.Event{Kind: events.KindJobStarted, JobID: job.ID, Subject: job.Subject, Stage: job.Stage, Status: StatusRunning})

	params := map[string]any{}
	if err := json.Unmarshal([]byte(job.ParamsJSON), &params); err != nil {
		err = fmt.Errorf("decode params: %w", err)
		r.finish(bg, job, err)
		return err
	}
	exec := ExecutionContext{
		Cfg:   r.cfg,
		Store: r.store,
		Log:   log,
		JobID: job.ID,
		Logf: func(format string, args ...any) {
			r.appendLog(job.ID, fmt.Sprintf(format, args...))
		},
		Enqueue: r.Enqueue,
	}
	err := fn(ctx, exec, job.Subject, params)
	r.finish(bg, job, err)
	return err
}

func (r *Runner) finish(ctx context.Context, job *store.Job, err error) {
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
		r.appendLog(job.ID, "error: "+err.Error())
		r.log.Warn("job failed", zap.Int64("job_id", job.ID), zap.String("stage", job.Stage), zap.Error(err))
	}
	if mErr := r.store.MarkJobFinished(ctx, job.ID, status, config.Now()); mErr != nil {
		r.log.Warn("mark finished", zap.Int64("job_id", job.ID), zap.Error(mErr))
	}
	ev := events.Event{Kind: events.KindJobFinished, JobID: job.ID, Subject: job.Subject, Stage: job.Stage, Status: status}
	if err != nil {
		ev.Detail = err.Error()
	}
	r.retireLogs(job.ID)
	r.bus.Publish(ev)
}

// retireLogs keeps the in-memory tail of the most recently finished jobs only.
// Older tails remain readable from the store.
func (r *Runner) retireLogs(jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired = append(r.retired, jobID)
	for len(r.retired) > r.logJobs {
		old := r.retired[0]
		r.retired = r.retired[1:]
		if r.inflight[old] == 0 {
			delete(r.logBuffer, old)
		}
	}
}

func (r *Runner) appendLog(jobID int64, msg string) {
	ts := config.Now()
	if err := r.store.AppendJobLog(context.Background(), jobID, msg, ts); err != nil {
		r.log.Warn("append job log", zap.Int64("job_id", jobID), zap.Error(err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := append(r.logBuffer[jobID], fmt.Sprintf("%s %s", ts.Format(time.RFC3339), msg))
	if len(buf) > logBufferLines {
		buf = buf[len(buf)-logBufferLines:]
	}
	r.logBuffer[jobID] = buf
}

// Logs returns the in-memory log tail of a job.
func (r *Runner) Logs(jobID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logBuffer[jobID]...)
}

func idempotencyKey(subject string, stage Stage, params []byte) string {
	h := sha256.Sum256([]byte(subject + string(stage) + string(params)))
	return hex.EncodeToString(h[:])
}
