package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"murmurscreen/internal/client"
	"murmurscreen/internal/config"
	"murmurscreen/internal/contract"
	"murmurscreen/internal/events"
	"murmurscreen/internal/jobs"
	"murmurscreen/internal/metrics"
	"murmurscreen/internal/notify"
	"murmurscreen/internal/render"
	"murmurscreen/internal/store"
	"murmurscreen/internal/wavcheck"
)

// Predictor submits one recording for analysis.
type Predictor interface {
	Predict(ctx context.Context, req client.PredictRequest) (contract.PredictResponse, error)
}

// Deps are the collaborators of the pipeline stages.
type Deps struct {
	Cfg       config.Config
	Store     *store.Store
	Predictor Predictor
	Notifier  *notify.Notifier
	Metrics   *metrics.Metrics
	Bus       *events.Bus
}

// BuildRegistry wires the stage functions.
func BuildRegistry(d Deps) jobs.Registry {
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus()
	}
	return jobs.Registry{
		jobs.StageSubmit: submitStage(d),
		jobs.StageExport: exportStage(d),
	}
}

// SubmitParams builds the params of a SUBMIT job for an inbox file. Size and
// modification time are part of the job identity, so a recording saved again
// under the same name gets a new job.
func SubmitParams(path string, size int64, modTime time.Time) map[string]any {
	params := map[string]any{"path": path}
	if size > 0 {
		params["size"] = size
	}
	if !modTime.IsZero() {
		params["mtime"] = modTime.UTC().Format(time.RFC3339Nano)
	}
	return params
}

func submitStage(d Deps) jobs.StageFunc {
	return func(ctx context.Context, exec jobs.ExecutionContext, subject string, params map[string]any) error {
		path, _ := params["path"].(string)
		if path == "" {
			path = filepath.Join(d.Cfg.InboxDir, subject)
		}
		sc, found, err := LoadSidecar(path)
		if err != nil {
			return err
		}
		md, err := ResolveMetadata(d.Cfg, sc)
		if err != nil {
			return err
		}
		if found {
			exec.Logf("metadata from sidecar: patient %s site %s", md.PatientID, md.Site)
		}
		sum, err := fileSHA256(path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", path, err)
		}

		now := config.Now()
		sub := &store.Submission{
			ID:        uuid.NewString(),
			Path:      path,
			Filename:  filepath.Base(path),
			SHA256:    sum,
			PatientID: md.PatientID,
			Site:      md.Site,
			Status:    store.SubmissionQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if md.VisitLabel != "" {
			sub.VisitLabel = &md.VisitLabel
		}
		sub, err = d.Store.InsertSubmission(ctx, sub)
		if errors.Is(err, store.ErrConflict) {
			if sub.Status == store.SubmissionDone && sub.RequestID != nil {
				exec.Logf("already analysed as %s", *sub.RequestID)
				_, err := exec.Enqueue(ctx, *sub.RequestID, jobs.StageExport, exportParams(*sub.RequestID))
				return err
			}
			err = nil
		}
		if err != nil {
			return err
		}

		info, err := wavcheck.Check(path, wavcheck.Screening)
		if err != nil {
			d.Metrics.RecordRejected()
			_ = d.Store.MarkSubmissionError(ctx, sub.ID, err, config.Now())
			return fmt.Errorf("rejected %s: %w", sub.Filename, err)
		}
		exec.Logf("wav ok: %.2f s @ %d Hz", info.Duration.Seconds(), info.SampleRate)

		if err := d.Store.MarkSubmissionRunning(ctx, sub.ID, config.Now()); err != nil {
			return err
		}
		resp, err := d.Predictor.Predict(ctx, client.PredictRequest{
			Upload:     client.Upload{Path: path},
			PatientID:  md.PatientID,
			Site:       md.Site,
			VisitLabel: md.VisitLabel,
		})
		if err != nil {
			_ = d.Store.MarkSubmissionError(context.WithoutCancel(ctx), sub.ID, err, config.Now())
			return fmt.Errorf("predict %s: %w", sub.Filename, err)
		}
		if err := contract.CheckRequestID(resp.RequestID); err != nil {
			_ = d.Store.MarkSubmissionError(context.WithoutCancel(ctx), sub.ID, err, config.Now())
			return fmt.Errorf("predict %s: %w", sub.Filename, err)
		}

		now = config.Now()
		if err := d.Store.PutResult(ctx, resp, now); err != nil {
			return fmt.Errorf("cache result: %w", err)
		}
		if err := d.Store.SetState(ctx, store.KeyLastRequestID, resp.RequestID, now); err != nil {
			return err
		}
		if err := d.Store.MarkSubmissionDone(ctx, sub.ID, resp.RequestID, resp.Risk.ScreeningConcernLevel, resp.Quality.QualityScore, now); err != nil {
			return err
		}
		d.Metrics.RecordPrediction(resp.Elevated())
		d.Bus.Publish(events.Event{Kind: events.KindPrediction, JobID: exec.JobID, Subject: resp.RequestID, Status: resp.Risk.ScreeningConcernLevel})
		exec.Logf("request %s: murmur %s, concern %s, quality %d", resp.RequestID, resp.Murmur.Label, resp.Risk.ScreeningConcernLevel, resp.Quality.QualityScore)

		sent, err := d.Notifier.Elevated(ctx, resp)
		if err != nil {
			exec.Log.Warn("notify failed", zap.String("request_id", resp.RequestID), zap.Error(err))
			exec.Logf("notify failed: %v", err)
		} else if sent {
			d.Metrics.RecordNotification()
			exec.Logf("notification sent")
		}

		_, err = exec.Enqueue(ctx, resp.RequestID, jobs.StageExport, exportParams(resp.RequestID))
		return err
	}
}

func exportParams(requestID string) map[string]any {
	return map[string]any{"request_id": requestID}
}

func exportStage(d Deps) jobs.StageFunc {
	return func(ctx context.Context, exec jobs.ExecutionContext, subject string, params map[string]any) error {
		requestID, _ := params["request_id"].(string)
		if requestID == "" {
			requestID = subject
		}
		resp, err := d.Store.GetResult(ctx, requestID)
		if err != nil {
			return fmt.Errorf("load cached result %s: %w", requestID, err)
		}
		dir, err := render.ExportDir(d.Cfg.OutboxDir, requestID)
		if err != nil {
			return err
		}
		written, err := render.ExportReport(dir, resp, d.Cfg.ThumbWidth)
		if err != nil {
			return err
		}
		exec.Logf("exported %d files to %s", len(written), dir)
		d.Bus.Publish(events.Event{Kind: events.KindExported, JobID: exec.JobID, Subject: requestID, Detail: dir})
		return nil
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
