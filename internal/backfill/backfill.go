package backfill

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"murmurscreen/internal/jobs"
	"murmurscreen/internal/pipeline"
	"murmurscreen/internal/store"
	"murmurscreen/internal/wavcheck"
)

// Record is an inbox file and its submission state.
type Record struct {
	Path      string
	ModTime   time.Time
	SizeBytes int64
	Status    string
}

// Summary captures one backfill pass.
type Summary struct {
	TotalCandidates     int `json:"total"`
	AlreadyProcessed    int `json:"already_processed"`
	Unprocessed         int `json:"unprocessed"`
	SelectedForBackfill int `json:"selected"`
	AttemptedEnqueue    int `json:"attempted_enqueue"`
	EnqueueSucceeded    int `json:"enqueued"`
	EnqueueDroppedFull  int `json:"dropped_full"`
	EnqueueFailed       int `json:"failed"`
	Retried             int `json:"retried"`
	Skipped             int `json:"skipped"`
}

// EnqueueResult is the queueing outcome for a record. Retried marks a failed
// job that was scheduled again; Skipped marks one that is running or already
// finished for the same content.
type EnqueueResult struct {
	Enqueued    bool
	Retried     bool
	Skipped     bool
	DroppedFull bool
	Err         error
}

// Repository is the data source of a backfill pass.
type Repository interface {
	ListCandidates(ctx context.Context) ([]Record, error)
	QueueRecord(ctx context.Context, rec Record) EnqueueResult
}

// SelectPending returns up to limit records, newest first, that are not done.
func SelectPending(records []Record, limit int) ([]Record, Summary) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ModTime.After(records[j].ModTime)
	})

	summary := Summary{TotalCandidates: len(records)}
	unprocessed := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Status == store.SubmissionDone {
			summary.AlreadyProcessed++
			continue
		}
		unprocessed = append(unprocessed, r)
	}

	summary.Unprocessed = len(unprocessed)
	if limit < 0 {
		limit = 0
	}
	if limit < summary.Unprocessed {
		unprocessed = unprocessed[:limit]
	}
	summary.SelectedForBackfill = len(unprocessed)
	return unprocessed, summary
}

// Run performs one backfill pass and logs its summary.
func Run(ctx context.Context, repo Repository, limit int, log *zap.Logger) (Summary, error) {
	if log == nil {
		log = zap.NewNop()
	}
	records, err := repo.ListCandidates(ctx)
	if err != nil {
		return Summary{}, err
	}

	selected, summary := SelectPending(records, limit)
	for _, rec := range selected {
		if ctx.Err() != nil {
			break
		}
		summary.AttemptedEnqueue++
		result := repo.QueueRecord(ctx, rec)
		switch {
		case result.Enqueued:
			summary.EnqueueSucceeded++
			if result.Retried {
				summary.Retried++
			}
		case result.Skipped:
			summary.Skipped++
		case result.DroppedFull:
			summary.EnqueueDroppedFull++
		case result.Err != nil:
			summary.EnqueueFailed++
			log.Warn("backfill enqueue failed", zap.String("path", rec.Path), zap.Error(result.Err))
		}
	}

	log.Info("backfill summary",
		zap.Int("total", summary.TotalCandidates),
		zap.Int("unprocessed", summary.Unprocessed),
		zap.Int("selected", summary.SelectedForBackfill),
		zap.Int("enqueued", summary.EnqueueSucceeded),
		zap.Int("retried", summary.Retried),
		zap.Int("skipped", summary.Skipped),
		zap.Int("dropped_full", summary.EnqueueDroppedFull),
		zap.Int("already_processed", summary.AlreadyProcessed))
	return summary, nil
}

// Enqueuer schedules pipeline jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, subject string, stage jobs.Stage, params map[string]any) (*store.Job, error)
}

// Scheduler enqueues jobs and re-runs failed ones.
type Scheduler interface {
	Enqueuer
	Retry(ctx context.Context, jobID int64) (*store.Job, error)
}

// Inbox is the Repository over an inbox directory and the submissions table.
type Inbox struct {
	Dir    string
	Store  *store.Store
	Runner Scheduler
}

func (in Inbox) ListCandidates(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(in.Dir)
	if err != nil {
		return nil, err
	}
	statuses, err := in.Store.SubmissionStatusByPath(ctx)
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, e := range entries {
		if e.IsDir() || !wavcheck.IsWAVName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(in.Dir, e.Name())
		rec := Record{Path: path, ModTime: info.ModTime(), SizeBytes: info.Size()}
		// a file written after its last submission is a new recording
		if ps, ok := statuses[path]; ok && !rec.ModTime.After(ps.UpdatedAt) {
			rec.Status = ps.Status
		}
		records = append(records, rec)
	}
	return records, nil
}

func (in Inbox) QueueRecord(ctx context.Context, rec Record) EnqueueResult {
	params := pipeline.SubmitParams(rec.Path, rec.SizeBytes, rec.ModTime)
	job, err := in.Runner.Enqueue(ctx, filepath.Base(rec.Path), jobs.StageSubmit, params)
	if err != nil {
		return enqueueError(err)
	}
	switch job.Status {
	case jobs.StatusFailed:
		if _, err := in.Runner.Retry(ctx, job.ID); err != nil {
			return enqueueError(err)
		}
		return EnqueueResult{Enqueued: true, Retried: true}
	case jobs.StatusRunning, jobs.StatusSucceeded:
		return EnqueueResult{Skipped: true}
	}
	return EnqueueResult{Enqueued: true}
}

func enqueueError(err error) EnqueueResult {
	if errors.Is(err, jobs.ErrQueueFull) {
		return EnqueueResult{DroppedFull: true}
	}
	return EnqueueResult{Err: err}
}
