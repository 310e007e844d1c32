package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"murmurscreen/internal/backfill"
	"murmurscreen/internal/jobs"
	"murmurscreen/internal/pipeline"
	"murmurscreen/internal/wavcheck"
)

// DefaultSettle is how long a file must be quiet before it is submitted.
const DefaultSettle = 750 * time.Millisecond

// Watcher monitors the inbox for new recordings and enqueues SUBMIT jobs once
// each file has stopped changing.
type Watcher struct {
	dir    string
	runner backfill.Enqueuer
	log    *zap.Logger
	settle time.Duration
}

func New(dir string, runner backfill.Enqueuer, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{dir: dir, runner: runner, log: log.Named("watch"), settle: DefaultSettle}
}

// WithSettle overrides the quiet period.
func (w *Watcher) WithSettle(d time.Duration) *Watcher {
	if d > 0 {
		w.settle = d
	}
	return w
}

// Start begins watching until ctx is done. The returned channel is closed once
// the watch goroutine has exited.
func (w *Watcher) Start(ctx context.Context) (<-chan struct{}, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer fw.Close()
		w.loop(ctx, fw)
	}()
	w.log.Info("watching inbox", zap.String("dir", w.dir))
	return done, nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	pending := map[string]time.Time{}
	tick := time.NewTicker(w.settle / 3)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-fw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 && wavcheck.IsWAVName(evt.Name) {
				pending[evt.Name] = time.Now()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		case now := <-tick.C:
			for path, last := range pending {
				if now.Sub(last) < w.settle {
					continue
				}
				delete(pending, path)
				w.submit(ctx, path)
			}
		}
	}
}

func (w *Watcher) submit(ctx context.Context, path string) {
	// Rename events also fire for the old name; skip paths that no longer exist
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	subject := filepath.Base(path)
	job, err := w.runner.Enqueue(ctx, subject, jobs.StageSubmit, pipeline.SubmitParams(path, info.Size(), info.ModTime()))
	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		w.log.Warn("queue full, recording left for backfill", zap.String("file", subject))
	case err != nil:
		w.log.Warn("enqueue failed", zap.String("file", subject), zap.Error(err))
	default:
		w.log.Debug("recording queued", zap.String("file", subject), zap.Int64("job_id", job.ID))
	}
}
