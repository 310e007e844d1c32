package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"murmurscreen/internal/client"
	"murmurscreen/internal/contract"
	"murmurscreen/internal/contract/contracttest"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestPredictSendsMultipartForm(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/predict", r.URL.Path)
		gotHeader = r.Header.Get(client.RequestIDHeader)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Mitral", r.FormValue("auscultation_site"))
		assert.Equal(t, "p-1", r.FormValue("patient_id"))
		assert.Equal(t, "follow-up", r.FormValue("visit_label"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "heart.wav", hdr.Filename)
		assert.Equal(t, "RIFF", string(body))
		writeJSON(w, http.StatusOK, contracttest.Predict("req-1", "p-1"))
	}))
	defer srv.Close()

	s := client.NewScreening(srv.URL+"/", client.WithLogger(zap.NewNop()))
	resp, err := s.Predict(context.Background(), client.PredictRequest{
		Upload:     client.Upload{Reader: strings.NewReader("RIFF"), Filename: "heart.wav"},
		PatientID:  " p-1 ",
		Site:       "mitral",
		VisitLabel: "follow-up",
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Len(t, gotHeader, 36)
}

func TestPredictRejectsBadInputBeforeCalling(t *testing.T) {
	s := client.NewScreening("http://127.0.0.1:1")
	_, err := s.Predict(context.Background(), client.PredictRequest{Upload: client.Upload{Reader: strings.NewReader("x"), Filename: "a.wav"}, Site: "Mitral"})
	assert.ErrorContains(t, err, "patient id")
	_, err = s.Predict(context.Background(), client.PredictRequest{Upload: client.Upload{Reader: strings.NewReader("x"), Filename: "a.wav"}, PatientID: "p", Site: "apex"})
	assert.ErrorContains(t, err, "auscultation site")
}

func TestErrorEnvelopeBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/history/missing":
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Entry not found."})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error_code": "not_found", "message": "Run results not found.", "hint": "Run analysis first."})
		}
	}))
	defer srv.Close()

	_, err := client.NewScreening(srv.URL).HistoryDetail(context.Background(), "missing")
	var apiErr *contract.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.NotFound())
	assert.Equal(t, "Entry not found.", apiErr.Message)

	_, err = client.NewRuns(srv.URL).Run(context.Background(), 9)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.True(t, apiErr.NotFound())
	assert.Equal(t, "Run analysis first.", apiErr.Hint)
}

func TestContractViolationStrictVersusLenient(t *testing.T) {
	bad := contracttest.Predict("req-2", "p-1")
	bad.Murmur.CalibratedProbability = 1.7
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, bad)
	}))
	defer srv.Close()

	lenient := client.NewScreening(srv.URL)
	got, err := lenient.HistoryDetail(context.Background(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, 1.7, got.Murmur.CalibratedProbability)

	strict := client.NewScreening(srv.URL, client.WithStrictContract(true))
	_, err = strict.HistoryDetail(context.Background(), "req-2")
	var verr *contract.ViolationError
	require.True(t, errors.As(err, &verr))
}

func TestHistoryQueryAndDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/history":
			assert.Equal(t, "p 1", r.URL.Query().Get("patient_id"))
			writeJSON(w, http.StatusOK, []contract.HistoryEntry{contract.EntryFor(contracttest.Predict("req-1", "p 1"))})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/history/req-1":
			writeJSON(w, http.StatusOK, contract.DeleteResponse{Deleted: true})
		case r.Method == http.MethodGet && r.URL.Path == "/api/health":
			_, _ = w.Write([]byte(`{"ok":"True"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := client.NewScreening(srv.URL, client.WithTimeout(time.Second))
	entries, err := s.History(context.Background(), "p 1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].RequestID)

	require.NoError(t, s.DeleteHistory(context.Background(), "req-1"))

	h, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy())
}

func TestRunsFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/upload":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			writeJSON(w, http.StatusOK, contract.UploadResponse{RunID: 7, Filename: "a.wav", Duration: 6, SampleRate: 2000})
		case r.Method == http.MethodPost && r.URL.Path == "/api/run/7":
			var req contract.AnalyzeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, contract.ModeDemo, req.Mode)
			writeJSON(w, http.StatusOK, contracttest.Run(7))
		case r.URL.Path == "/api/run/7/waveform":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("PNGDATA"))
		case r.URL.Path == "/api/history":
			writeJSON(w, http.StatusOK, []contract.RunHistoryItem{{RunID: 7, Filename: "a.wav", Label: "Murmur", Triage: "High"}, {RunID: 8, Filename: "b.wav"}})
		case r.URL.Path == "/api/evaluate":
			writeJSON(w, http.StatusOK, contract.EvaluateResponse{Status: "ok", Metrics: contract.EvaluationMetrics{Accuracy: 0.9, MacroF1: 0.88, ConfusionMatrix: [][]int{{5, 1}, {0, 4}}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	runs := client.NewRuns(srv.URL)
	up, err := runs.Upload(ctx, client.Upload{Reader: strings.NewReader("RIFF"), Filename: "a.wav"})
	require.NoError(t, err)
	assert.EqualValues(t, 7, up.RunID)

	res, err := runs.Analyze(ctx, up.RunID, "DEMO")
	require.NoError(t, err)
	assert.Equal(t, contract.TriageHigh, res.Results.Triage.Level)

	_, err = runs.Analyze(ctx, up.RunID, "fast")
	assert.Error(t, err)

	png, err := runs.Waveform(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(png))

	items, err := runs.History(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.False(t, items[1].Analyzed())

	ev, err := runs.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.88, ev.Metrics.MacroF1)

	_, err = runs.CalibrationPlot(ctx)
	var apiErr *contract.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.NotFound())
}

func TestTransportErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := client.NewScreening(url).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GET /api/health")
}

func TestWithTimeoutLeavesSharedClientAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	shared := &http.Client{}
	sc := client.NewScreening(srv.URL, client.WithHTTPClient(shared), client.WithTimeout(50*time.Millisecond))
	_, err := sc.Health(context.Background())
	require.Error(t, err)
	assert.Zero(t, shared.Timeout)
}
