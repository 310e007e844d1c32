package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"murmurscreen/internal/client"
	"murmurscreen/internal/config"
	"murmurscreen/internal/contract"
	"murmurscreen/internal/contract/contracttest"
	"murmurscreen/internal/jobs"
	"murmurscreen/internal/metrics"
	"murmurscreen/internal/notify"
	"murmurscreen/internal/store"
	"murmurscreen/internal/wavcheck/wavtest"
)

type fakePredictor struct {
	calls []client.PredictRequest
	resp  contract.PredictResponse
	err   error
}

func (f *fakePredictor) Predict(ctx context.Context, req client.PredictRequest) (contract.PredictResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return contract.PredictResponse{}, f.err
	}
	out := f.resp
	out.Input.PatientID = req.PatientID
	out.Input.AuscultationSite = req.Site
	return out, nil
}

type enqueued struct {
	subject string
	stage   jobs.Stage
	params  map[string]any
}

type harness struct {
	cfg   config.Config
	st    *store.Store
	pred  *fakePredictor
	m     *metrics.Metrics
	reg   jobs.Registry
	queue []enqueued
	logs  []string
}

func newHarness(t *testing.T, webhook string) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		InboxDir:       filepath.Join(dir, "inbox"),
		OutboxDir:      filepath.Join(dir, "outbox"),
		DefaultPatient: "anonymous",
		DefaultSite:    "Unknown",
		ThumbWidth:     16,
	}
	require.NoError(t, os.MkdirAll(cfg.InboxDir, 0o755))
	st, err := store.Open(filepath.Join(dir, "murmur.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{cfg: cfg, st: st, pred: &fakePredictor{resp: contracttest.Predict("req-1", "")}, m: metrics.New()}
	h.reg = BuildRegistry(Deps{Cfg: cfg, Store: st, Predictor: h.pred, Notifier: notify.New(webhook, time.Second), Metrics: h.m})
	return h
}

func (h *harness) exec() jobs.ExecutionContext {
	return jobs.ExecutionContext{
		Cfg:   h.cfg,
		Store: h.st,
		Log:   zap.NewNop(),
		JobID: 1,
		Logf:  func(format string, args ...any) { h.logs = append(h.logs, format) },
		Enqueue: func(ctx context.Context, subject string, stage jobs.Stage, params map[string]any) (*store.Job, error) {
			h.queue = append(h.queue, enqueued{subject, stage, params})
			return &store.Job{Subject: subject, Stage: string(stage)}, nil
		},
	}
}

func (h *harness) run(t *testing.T, stage jobs.Stage, subject string, params map[string]any) error {
	t.Helper()
	fn := h.reg[stage]
	require.NotNil(t, fn)
	return fn(context.Background(), h.exec(), subject, params)
}

func submitParams(t *testing.T, path string) map[string]any {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return SubmitParams(path, info.Size(), info.ModTime())
}

func TestSubmitParamsTrackContent(t *testing.T) {
	mod := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, map[string]any{"path": "/in/a.wav"}, SubmitParams("/in/a.wav", 0, time.Time{}))
	first := SubmitParams("/in/a.wav", 44, mod)
	assert.Equal(t, map[string]any{"path": "/in/a.wav", "size": int64(44), "mtime": "2026-03-01T09:00:00Z"}, first)
	assert.NotEqual(t, first, SubmitParams("/in/a.wav", 44, mod.Add(time.Second)))
}

func TestSubmitUsesSidecarAndChainsExport(t *testing.T) {
	h := newHarness(t, "")
	wav := filepath.Join(h.cfg.InboxDir, "visit1.wav")
	wavtest.Write(t, wav, 2, 2000, 1)
	require.NoError(t, os.WriteFile(wav+".yaml", []byte("patient_id: p-42\nsite: aortic\nvisit_label: baseline\n"), 0o644))

	require.NoError(t, h.run(t, jobs.StageSubmit, "visit1.wav", submitParams(t, wav)))

	require.Len(t, h.pred.calls, 1)
	call := h.pred.calls[0]
	assert.Equal(t, "p-42", call.PatientID)
	assert.Equal(t, contract.SiteAortic, call.Site)
	assert.Equal(t, "baseline", call.VisitLabel)
	assert.Equal(t, wav, call.Path)

	ctx := context.Background()
	last, err := h.st.ResolveRequestID(ctx, "last")
	require.NoError(t, err)
	assert.Equal(t, "req-1", last)

	cached, err := h.st.GetResult(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "p-42", cached.Input.PatientID)

	subs, err := h.st.ListSubmissions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, store.SubmissionDone, subs[0].Status)
	assert.EqualValues(t, 1, h.m.Snapshot().Predictions)

	require.Len(t, h.queue, 1)
	assert.Equal(t, jobs.StageExport, h.queue[0].stage)
	assert.Equal(t, "req-1", h.queue[0].subject)

	require.NoError(t, h.run(t, jobs.StageExport, "req-1", h.queue[0].params))
	for _, name := range []string{"report.html", "report.md", "result.json", "waveform.png", "waveform_thumb.png"} {
		assert.FileExists(t, filepath.Join(h.cfg.OutboxDir, "req-1", name))
	}
}

func TestSubmitIsIdempotentPerContent(t *testing.T) {
	h := newHarness(t, "")
	wav := filepath.Join(h.cfg.InboxDir, "a.wav")
	wavtest.Write(t, wav, 2, 2000, 1)

	require.NoError(t, h.run(t, jobs.StageSubmit, "a.wav", submitParams(t, wav)))
	require.NoError(t, h.run(t, jobs.StageSubmit, "a.wav", submitParams(t, wav)))
	assert.Len(t, h.pred.calls, 1)
	assert.Len(t, h.queue, 2)
	assert.Equal(t, h.queue[0], h.queue[1])
}

func TestSubmitRejectsStereoBeforeCallingBackend(t *testing.T) {
	h := newHarness(t, "")
	wav := filepath.Join(h.cfg.InboxDir, "stereo.wav")
	wavtest.Write(t, wav, 2, 2000, 2)

	err := h.run(t, jobs.StageSubmit, "stereo.wav", submitParams(t, wav))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected stereo.wav")
	assert.Empty(t, h.pred.calls)
	assert.EqualValues(t, 1, h.m.Snapshot().RejectedFiles)

	subs, err := h.st.ListSubmissions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, store.SubmissionError, subs[0].Status)
}

func TestSubmitBackendErrorMarksSubmission(t *testing.T) {
	h := newHarness(t, "")
	h.pred.err = &contract.APIError{Status: 400, Message: "Only mono WAV files are supported."}
	wav := filepath.Join(h.cfg.InboxDir, "b.wav")
	wavtest.Write(t, wav, 2, 2000, 1)

	err := h.run(t, jobs.StageSubmit, "b.wav", submitParams(t, wav))
	var apiErr *contract.APIError
	require.True(t, errors.As(err, &apiErr))

	subs, err := h.st.ListSubmissions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NotNil(t, subs[0].LastError)
	assert.Contains(t, *subs[0].LastError, "mono")
	assert.Empty(t, h.queue)
}

func TestUnsafeRequestIDNeverReachesOutbox(t *testing.T) {
	h := newHarness(t, "")
	h.pred.resp = contracttest.Predict("../../escaped", "")
	wav := filepath.Join(h.cfg.InboxDir, "d.wav")
	wavtest.Write(t, wav, 2, 2000, 1)

	err := h.run(t, jobs.StageSubmit, "d.wav", submitParams(t, wav))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a plain name")
	assert.Empty(t, h.queue)
	_, err = h.st.GetResult(context.Background(), "../../escaped")
	assert.ErrorIs(t, err, store.ErrNotFound)
	subs, err := h.st.ListSubmissions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, store.SubmissionError, subs[0].Status)

	// a result cached by an older agent is still refused at export time
	require.NoError(t, h.st.PutResult(context.Background(), h.pred.resp, time.Now()))
	err = h.run(t, jobs.StageExport, "../../escaped", exportParams("../../escaped"))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(h.cfg.OutboxDir, "..", "..", "escaped"))
	assert.True(t, os.IsNotExist(statErr))
	entries, _ := os.ReadDir(filepath.Dir(h.cfg.OutboxDir))
	for _, e := range entries {
		assert.NotEqual(t, "escaped", e.Name())
	}
}

func TestSubmitNotifiesOnHighConcern(t *testing.T) {
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m notify.Message
		_ = json.NewDecoder(r.Body).Decode(&m)
		texts = append(texts, m.Text)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	h.pred.resp = contracttest.HighConcern("req-9", "")
	wav := filepath.Join(h.cfg.InboxDir, "c.wav")
	wavtest.Write(t, wav, 2, 2000, 1)

	require.NoError(t, h.run(t, jobs.StageSubmit, "c.wav", submitParams(t, wav)))
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "req-9")
	assert.EqualValues(t, 1, h.m.Snapshot().Notifications)
	assert.EqualValues(t, 1, h.m.Snapshot().Elevated)
}

func TestResolveMetadata(t *testing.T) {
	cfg := config.Config{DefaultPatient: "anon", DefaultSite: "mitral"}
	md, err := ResolveMetadata(cfg, Sidecar{})
	require.NoError(t, err)
	assert.Equal(t, Metadata{PatientID: "anon", Site: contract.SiteMitral}, md)

	_, err = ResolveMetadata(cfg, Sidecar{Site: "apex"})
	assert.Error(t, err)

	_, err = ResolveMetadata(config.Config{}, Sidecar{})
	assert.ErrorContains(t, err, "patient id")
}

func TestLoadSidecarStemName(t *testing.T) {
	dir := t.TempDir()
	wav := filepath.Join(dir, "rec.wav")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rec.yaml"), []byte("patient_id: p-1\n"), 0o644))
	sc, found, err := LoadSidecar(wav)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "p-1", sc.PatientID)

	_, found, err = LoadSidecar(filepath.Join(dir, "none.wav"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("patient_id: [\n"), 0o644))
	_, _, err = LoadSidecar(filepath.Join(dir, "bad.wav"))
	assert.Error(t, err)
	assert.True(t, IsSidecar("bad.YAML"))
}
