package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"murmurscreen/internal/backfill"
	"murmurscreen/internal/config"
	"murmurscreen/internal/contract"
	"murmurscreen/internal/contract/contracttest"
	"murmurscreen/internal/store"
	"murmurscreen/internal/wavcheck"
	"murmurscreen/internal/wavcheck/wavtest"
)

// useBackend points the globals at a fake backend and a fresh local database.
func useBackend(t *testing.T, h http.Handler) string {
	t.Helper()
	logger = zap.NewNop()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	cfg = config.Config{
		APIURL:         srv.URL,
		RunsAPIURL:     srv.URL,
		DBPath:         filepath.Join(dir, "state.db"),
		HTTPTimeoutSec: 5,
		DefaultPatient: "anonymous",
		DefaultSite:    contract.SiteUnknown,
		ThumbWidth:     16,
	}
	return dir
}

func newCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(context.Background())
	return cmd, &out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func screeningBackend(t *testing.T) (http.Handler, *atomic.Int32) {
	var n atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/predict", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := fmt.Sprintf("req-%d", n.Add(1))
		resp := contracttest.Predict(id, r.FormValue("patient_id"))
		resp.Input.AuscultationSite = r.FormValue("auscultation_site")
		writeJSON(w, resp)
	})
	mux.HandleFunc("GET /api/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, contracttest.Predict(r.PathValue("id"), "p-1"))
	})
	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "p-1", r.URL.Query().Get("patient_id"))
		writeJSON(w, []contract.HistoryEntry{
			contract.EntryFor(contracttest.Predict("req-1", "p-1")),
			contract.EntryFor(contracttest.HighConcern("req-2", "p-1")),
		})
	})
	mux.HandleFunc("DELETE /api/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, contract.DeleteResponse{Deleted: true})
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":"True"}`))
	})
	return mux, &n
}

func resetScreeningFlags() {
	predictPatient, predictSite, predictVisit = "", "", ""
	predictConcurrency, predictFormat = 2, "text"
	historyPatient, historyCached, historyFormat, historyLimit, historyExport = "", false, "table", 100, ""
	showFormat, showCached, showExport = "text", false, ""
}

func TestPredictBatchAndShowLast(t *testing.T) {
	resetScreeningFlags()
	h, calls := screeningBackend(t)
	dir := useBackend(t, h)
	a, b := filepath.Join(dir, "a.wav"), filepath.Join(dir, "b.wav")
	wavtest.Write(t, a, 2, 2000, 1)
	wavtest.Write(t, b, 2, 2000, 1)

	predictPatient, predictSite = "p-1", "mitral"
	cmd, out := newCmd()
	require.NoError(t, runPredict(cmd, []string{a, b}))
	assert.EqualValues(t, 2, calls.Load())
	assert.Contains(t, out.String(), "== a.wav ==")
	assert.Contains(t, out.String(), "== b.wav ==")

	showFormat, showCached = "json", true
	cmd, out = newCmd()
	require.NoError(t, runShow(cmd, []string{"last"}))
	var got contract.PredictResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "p-1", got.Input.PatientID)
	assert.Equal(t, contract.SiteMitral, got.Input.AuscultationSite)
}

func TestPredictUsesSidecar(t *testing.T) {
	resetScreeningFlags()
	h, _ := screeningBackend(t)
	dir := useBackend(t, h)
	wav := filepath.Join(dir, "visit.wav")
	wavtest.Write(t, wav, 2, 2000, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "visit.yaml"), []byte("patient_id: p-side\nsite: Aortic\n"), 0o644))

	predictFormat = "json"
	cmd, out := newCmd()
	require.NoError(t, runPredict(cmd, []string{wav}))
	var got []contract.PredictResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "p-side", got[0].Input.PatientID)
	assert.Equal(t, contract.SiteAortic, got[0].Input.AuscultationSite)
}

func TestPredictReportsRejectedFiles(t *testing.T) {
	resetScreeningFlags()
	h, calls := screeningBackend(t)
	dir := useBackend(t, h)
	mono, stereo := filepath.Join(dir, "mono.wav"), filepath.Join(dir, "stereo.wav")
	wavtest.Write(t, mono, 2, 2000, 1)
	wavtest.Write(t, stereo, 2, 2000, 2)

	cmd, out := newCmd()
	err := runPredict(cmd, []string{mono, stereo})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 recordings failed")
	assert.Contains(t, out.String(), "Failed: only mono WAV files are supported")
	assert.EqualValues(t, 1, calls.Load())
}

func TestHistoryFormatsAndExport(t *testing.T) {
	resetScreeningFlags()
	h, _ := screeningBackend(t)
	dir := useBackend(t, h)

	historyPatient, historyFormat = "p-1", "csv"
	cmd, out := newCmd()
	require.NoError(t, runHistory(cmd, nil))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "request_id"))

	historyFormat, historyExport = "json", filepath.Join(dir, "export")
	cmd, _ = newCmd()
	require.NoError(t, runHistory(cmd, nil))
	for _, id := range []string{"req-1", "req-2"} {
		assert.FileExists(t, filepath.Join(historyExport, id, "report.html"))
	}

	// the export filled the local cache
	historyExport, historyCached, historyFormat = "", true, "table"
	cmd, out = newCmd()
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), "req-2")
}

func TestShowUncachedAndDelete(t *testing.T) {
	resetScreeningFlags()
	h, _ := screeningBackend(t)
	useBackend(t, h)

	showFormat = "md"
	cmd, out := newCmd()
	require.NoError(t, runShow(cmd, []string{"req-9"}))
	assert.Contains(t, out.String(), "req-9")

	cmd, out = newCmd()
	require.NoError(t, runDelete(cmd, []string{"req-9"}))
	assert.Equal(t, "Deleted req-9\n", out.String())

	showCached = true
	cmd, _ = newCmd()
	err := runShow(cmd, []string{"req-9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the local cache")

	cmd, _ = newCmd()
	assert.ErrorIs(t, runShow(cmd, []string{"last"}), store.ErrNoLastRun)
}

func TestDeleteClearsLastAlias(t *testing.T) {
	resetScreeningFlags()
	h, _ := screeningBackend(t)
	dir := useBackend(t, h)
	a, b := filepath.Join(dir, "a.wav"), filepath.Join(dir, "b.wav")
	wavtest.Write(t, a, 2, 2000, 1)
	wavtest.Write(t, b, 2, 2000, 1)

	predictConcurrency = 1
	cmd, _ := newCmd()
	require.NoError(t, runPredict(cmd, []string{a}))
	cmd, _ = newCmd()
	require.NoError(t, runPredict(cmd, []string{b}))

	// deleting an older result keeps the alias
	cmd, _ = newCmd()
	require.NoError(t, runDelete(cmd, []string{"req-1"}))
	st, err := openStore()
	require.NoError(t, err)
	last, err := st.ResolveRequestID(context.Background(), store.LastAlias)
	require.NoError(t, err)
	assert.Equal(t, "req-2", last)
	require.NoError(t, st.Close())

	cmd, out := newCmd()
	require.NoError(t, runDelete(cmd, []string{"last"}))
	assert.Equal(t, "Deleted req-2\n", out.String())

	showCached = true
	cmd, _ = newCmd()
	assert.ErrorIs(t, runShow(cmd, []string{"last"}), store.ErrNoLastRun)
}

func TestExportRefusesUnsafeRequestID(t *testing.T) {
	resetScreeningFlags()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []contract.HistoryEntry{contract.EntryFor(contracttest.Predict("../escaped", "p-1"))})
	})
	mux.HandleFunc("GET /api/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, contracttest.Predict("../escaped", "p-1"))
	})
	dir := useBackend(t, mux)
	root := filepath.Join(dir, "export")

	historyFormat, historyExport = "json", root
	cmd, _ := newCmd()
	err := runHistory(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a plain name")

	resetScreeningFlags()
	showExport = root
	cmd, _ = newCmd()
	require.Error(t, runShow(cmd, []string{"abc"}))

	_, err = os.Stat(filepath.Join(dir, "escaped"))
	assert.True(t, os.IsNotExist(err))
}

func TestHealthAndPreflight(t *testing.T) {
	h, _ := screeningBackend(t)
	useBackend(t, h)
	cmd, out := newCmd()
	require.NoError(t, runHealth(cmd, nil))
	assert.Contains(t, out.String(), "Backend OK")

	srv := httptest.NewServer(http.NotFoundHandler())
	cfg.APIURL = srv.URL
	srv.Close()
	preflightFormat = "text"
	cmd, out = newCmd()
	require.NoError(t, runPreflight(cmd, nil))
	assert.Contains(t, out.String(), "transport_error")
	assert.Contains(t, out.String(), "Hint:")
}

func runsBackend(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload", func(w http.ResponseWriter, r *http.Request) {
		_, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		writeJSON(w, contract.UploadResponse{RunID: 7, Filename: hdr.Filename, Duration: 2, SampleRate: 2000})
	})
	mux.HandleFunc("POST /api/run/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body contract.AnalyzeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, contract.ModeDemo, body.Mode)
		writeJSON(w, contracttest.Run(7))
	})
	mux.HandleFunc("GET /api/run/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "7" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error_code":"not_found","message":"Run ID not found.","hint":"Upload a file first."}`))
			return
		}
		writeJSON(w, contracttest.Run(7))
	})
	mux.HandleFunc("GET /api/run/{id}/waveform", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\x89PNG fake"))
	})
	mux.HandleFunc("GET /api/report/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>report 7</html>"))
	})
	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []contract.RunHistoryItem{{RunID: 7, Filename: "a.wav", Timestamp: "2026-02-01T10:00:00"}})
	})
	mux.HandleFunc("POST /api/evaluate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, contract.EvaluateResponse{Status: "ok", Metrics: contract.EvaluationMetrics{Accuracy: 0.9, MacroF1: 0.88, ConfusionMatrix: [][]int{{5, 1}, {0, 4}}}})
	})
	return mux
}

func TestUploadAnalyzeAndRunViews(t *testing.T) {
	dir := useBackend(t, runsBackend(t))
	wav := filepath.Join(dir, "stereo.wav")
	wavtest.Write(t, wav, 2, 2000, 2)

	cmd, _ := newCmd()
	assert.ErrorIs(t, runAnalyze(cmd, []string{"last"}), store.ErrNoLastRun)

	uploadAnalyze, analyzeMode = false, contract.ModeDemo
	cmd, out := newCmd()
	require.NoError(t, runUpload(cmd, []string{wav}))
	assert.Contains(t, out.String(), "run 7")

	short := filepath.Join(dir, "short.wav")
	wavtest.Write(t, short, 0.5, 2000, 1)
	cmd, _ = newCmd()
	require.NoError(t, runUpload(cmd, []string{short}))
	upper := filepath.Join(dir, "UPPER.WAV")
	wavtest.Write(t, upper, 2, 2000, 1)
	cmd, _ = newCmd()
	assert.ErrorIs(t, runUpload(cmd, []string{upper}), wavcheck.ErrNotWAV)

	cmd, out = newCmd()
	require.NoError(t, runAnalyze(cmd, []string{"LAST"}))
	assert.Contains(t, out.String(), "Run 7")

	runFormat = "md"
	cmd, out = newCmd()
	require.NoError(t, runView(showRun)(cmd, []string{"last"}))
	assert.Contains(t, out.String(), "Run 7")

	cmd, _ = newCmd()
	err := runView(showRun)(cmd, []string{"8"})
	var apiErr *contract.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.NotFound())

	runOut = filepath.Join(dir, "wave.png")
	cmd, _ = newCmd()
	require.NoError(t, runWaveform(cmd, []string{"last"}))
	assert.FileExists(t, runOut)

	runOut, runPDF = "", false
	cmd, out = newCmd()
	require.NoError(t, runReport(cmd, []string{"7"}))
	assert.Equal(t, "<html>report 7</html>", out.String())

	runsFormat = "table"
	cmd, out = newCmd()
	require.NoError(t, runRunsHistory(cmd, nil))
	assert.Contains(t, out.String(), "pending")

	cmd, out = newCmd()
	require.NoError(t, runEvaluate(cmd, nil))
	assert.Contains(t, out.String(), "Accuracy: 0.900")
}

func TestAgentCommands(t *testing.T) {
	mux := http.NewServeMux()
	var limits []string
	var paths []string
	mux.HandleFunc("POST /ops/backfill", func(w http.ResponseWriter, r *http.Request) {
		limits = append(limits, r.URL.Query().Get("limit"))
		writeJSON(w, backfill.Summary{TotalCandidates: 4, AlreadyProcessed: 1, SelectedForBackfill: 3, EnqueueSucceeded: 2, EnqueueDroppedFull: 1, Retried: 1})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		http.NotFound(w, r)
	})
	mux.HandleFunc("POST /ops/jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "job is not failed", http.StatusConflict)
	})
	mux.HandleFunc("GET /ops/jobs/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []string{"started", "error: rejected"})
	})
	useBackend(t, http.NotFoundHandler())
	srv := httptest.NewServer(mux)
	defer srv.Close()
	agentURL = srv.URL
	defer func() { agentURL = "" }()

	cmd, out := newCmd()
	require.NoError(t, runAgentBackfill(cmd, nil))
	assert.Contains(t, out.String(), "Queued: 2 of 3 selected (1 retried, 0 in progress or finished) (1 dropped")

	agentBackfillLimit = 10
	defer func() { agentBackfillLimit = 0 }()
	cmd, _ = newCmd()
	require.NoError(t, runAgentBackfill(cmd, nil))
	assert.Equal(t, []string{"", "10"}, limits)

	cmd, _ = newCmd()
	err := runAgentRetry(cmd, []string{"3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	cmd, out = newCmd()
	require.NoError(t, runAgentLogs(cmd, []string{"3"}))
	assert.Equal(t, "started\nerror: rejected\n", out.String())

	for _, ref := range []string{"../backfill", "3?x=1", "0", "abc"} {
		cmd, _ = newCmd()
		err := runAgentRetry(cmd, []string{ref})
		require.Error(t, err, ref)
		assert.Contains(t, err.Error(), "invalid job id")
		cmd, _ = newCmd()
		assert.Error(t, runAgentLogs(cmd, []string{ref}), ref)
	}
	assert.Empty(t, paths)
	assert.Len(t, limits, 2)
}

func TestStaticPages(t *testing.T) {
	pagesPlain = true
	defer func() { pagesPlain = false }()
	for _, name := range []string{"about", "privacy", "terms"} {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		cmd, out := newCmd()
		require.NoError(t, c.RunE(cmd, nil))
		assert.NotEmpty(t, out.String(), name)
	}
}
