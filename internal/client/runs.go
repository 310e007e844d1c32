package client

import (
	"context"
	"fmt"
	"net/http"

	"murmurscreen/internal/contract"
)

// Runs is the run-oriented backend: upload, then analyze and poll by numeric id.
type Runs struct {
	*Client
}

func NewRuns(baseURL string, opts ...Option) *Runs {
	return &Runs{Client: New(baseURL, opts...)}
}

func runPath(runID int64, suffix string) string {
	return fmt.Sprintf("/api/run/%d%s", runID, suffix)
}

func (r *Runs) Upload(ctx context.Context, u Upload) (contract.UploadResponse, error) {
	var out contract.UploadResponse
	p, err := multipartPayload(u, nil)
	if err != nil {
		return out, err
	}
	if err := r.getJSON(ctx, http.MethodPost, "/api/upload", p, &out); err != nil {
		return out, err
	}
	return out, r.check(out)
}

// Analyze runs the model on an uploaded recording, or on synthetic audio in demo mode.
func (r *Runs) Analyze(ctx context.Context, runID int64, mode string) (contract.RunResponse, error) {
	var out contract.RunResponse
	m, err := contract.ParseMode(mode)
	if err != nil {
		return out, err
	}
	p, err := jsonPayload(contract.AnalyzeRequest{Mode: m})
	if err != nil {
		return out, err
	}
	if err := r.getJSON(ctx, http.MethodPost, runPath(runID, ""), p, &out); err != nil {
		return out, err
	}
	return out, r.check(out)
}

func (r *Runs) Run(ctx context.Context, runID int64) (contract.RunResponse, error) {
	var out contract.RunResponse
	if err := r.getJSON(ctx, http.MethodGet, runPath(runID, ""), nil, &out); err != nil {
		return out, err
	}
	return out, r.check(out)
}

// Waveform returns the PNG plot of an analysed run.
func (r *Runs) Waveform(ctx context.Context, runID int64) ([]byte, error) {
	return r.do(ctx, http.MethodGet, runPath(runID, "/waveform"), nil)
}

func (r *Runs) History(ctx context.Context) ([]contract.RunHistoryItem, error) {
	var out []contract.RunHistoryItem
	if err := r.getJSON(ctx, http.MethodGet, "/api/history", nil, &out); err != nil {
		return nil, err
	}
	for _, item := range out {
		if err := r.check(item); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Report returns the backend-rendered HTML report.
func (r *Runs) Report(ctx context.Context, runID int64) ([]byte, error) {
	return r.do(ctx, http.MethodGet, fmt.Sprintf("/api/report/%d", runID), nil)
}

func (r *Runs) ReportPDF(ctx context.Context, runID int64) ([]byte, error) {
	return r.do(ctx, http.MethodGet, fmt.Sprintf("/api/report/%d/pdf", runID), nil)
}

func (r *Runs) Train(ctx context.Context) (contract.TrainResponse, error) {
	var out contract.TrainResponse
	err := r.getJSON(ctx, http.MethodPost, "/api/train", nil, &out)
	return out, err
}

func (r *Runs) Evaluate(ctx context.Context) (contract.EvaluateResponse, error) {
	var out contract.EvaluateResponse
	err := r.getJSON(ctx, http.MethodPost, "/api/evaluate", nil, &out)
	return out, err
}

func (r *Runs) CalibrationPlot(ctx context.Context) ([]byte, error) {
	return r.do(ctx, http.MethodGet, "/api/plots/calibration", nil)
}
