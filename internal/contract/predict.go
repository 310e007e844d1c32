// Package contract holds the JSON shapes exchanged with the screening backends
// and the invariants the client expects them to honour.
package contract

import (
	"encoding/json"
	"strings"
	"time"
)

// InputInfo echoes what was submitted for analysis.
type InputInfo struct {
	Filename         string  `json:"filename"`
	PatientID        string  `json:"patient_id"`
	VisitLabel       *string `json:"visit_label"`
	AuscultationSite string  `json:"auscultation_site"`
	DurationS        float64 `json:"duration_s"`
	SampleRate       int     `json:"sample_rate"`
}

type MurmurResult struct {
	Label                 string  `json:"label"`
	RawProbability        float64 `json:"raw_probability"`
	CalibratedProbability float64 `json:"calibrated_probability"`
	UncertaintyScore      float64 `json:"uncertainty_score"`
}

type TimingResult struct {
	Label                string  `json:"label"`
	SystolicProbability  float64 `json:"systolic_probability"`
	DiastolicProbability float64 `json:"diastolic_probability"`
}

// QualityResult carries the backend's signal-quality verdict. Percentages are 0..100.
type QualityResult struct {
	QualityScore      int      `json:"quality_score_0_100"`
	SNRDB             float64  `json:"snr_db"`
	ClippingPct       float64  `json:"clipping_pct"`
	SilencePct        float64  `json:"silence_pct"`
	RetakeRecommended bool     `json:"retake_recommended"`
	RetakeReasons     []string `json:"retake_reasons"`
}

type RiskResult struct {
	ScreeningConcernLevel string `json:"screening_concern_level"`
	Rationale             string `json:"rationale"`
}

// Segment is one sliding window of the recording with its murmur probability.
type Segment struct {
	T0         float64 `json:"t0"`
	T1         float64 `json:"t1"`
	MurmurProb float64 `json:"murmur_prob"`
}

// Artifacts are base64 encoded PNG plots rendered by the backend.
type Artifacts struct {
	WaveformPNG       string `json:"waveform_png_base64"`
	SpectrogramPNG    string `json:"spectrogram_png_base64"`
	TimelinePNG       string `json:"timeline_png_base64"`
	ExplainabilityPNG string `json:"explainability_png_base64"`
}

// Named returns the artifacts keyed by a stable file stem, skipping empty ones.
func (a Artifacts) Named() map[string]string {
	out := make(map[string]string, 4)
	for name, v := range map[string]string{
		"waveform":       a.WaveformPNG,
		"spectrogram":    a.SpectrogramPNG,
		"timeline":       a.TimelinePNG,
		"explainability": a.ExplainabilityPNG,
	} {
		if v != "" {
			out[name] = v
		}
	}
	return out
}

// PredictResponse is one analysis of one recording. Immutable once produced.
type PredictResponse struct {
	RequestID  string        `json:"request_id"`
	CreatedAt  string        `json:"created_at"`
	Input      InputInfo     `json:"input"`
	Murmur     MurmurResult  `json:"murmur"`
	Timing     TimingResult  `json:"timing"`
	Quality    QualityResult `json:"quality"`
	Risk       RiskResult    `json:"risk"`
	SafeAdvice []string      `json:"safe_advice"`
	Segments   []Segment     `json:"segments"`
	Artifacts  Artifacts     `json:"artifacts"`
}

// CreatedTime parses CreatedAt; the zero time is returned when it cannot be parsed.
func (p PredictResponse) CreatedTime() time.Time {
	return parseTimestamp(p.CreatedAt)
}

// Summary derives the history summary the backend stores alongside the response.
func (p PredictResponse) Summary() HistorySummary {
	return HistorySummary{
		MurmurLabel:  p.Murmur.Label,
		ConcernLevel: p.Risk.ScreeningConcernLevel,
		QualityScore: p.Quality.QualityScore,
	}
}

// Elevated reports whether the result deserves attention beyond routine review.
func (p PredictResponse) Elevated() bool {
	return p.Risk.ScreeningConcernLevel == ConcernHigh || p.Quality.RetakeRecommended
}

type HistorySummary struct {
	MurmurLabel  string `json:"murmur_label"`
	ConcernLevel string `json:"concern_level"`
	QualityScore int    `json:"quality_score"`
}

// HistoryEntry is the list view of a past PredictResponse.
type HistoryEntry struct {
	RequestID        string         `json:"request_id"`
	CreatedAt        string         `json:"created_at"`
	PatientID        string         `json:"patient_id"`
	VisitLabel       *string        `json:"visit_label"`
	AuscultationSite string         `json:"auscultation_site"`
	Summary          HistorySummary `json:"summary"`
}

func (h HistoryEntry) CreatedTime() time.Time {
	return parseTimestamp(h.CreatedAt)
}

// EntryFor builds the history entry corresponding to a full response.
func EntryFor(p PredictResponse) HistoryEntry {
	return HistoryEntry{
		RequestID:        p.RequestID,
		CreatedAt:        p.CreatedAt,
		PatientID:        p.Input.PatientID,
		VisitLabel:       p.Input.VisitLabel,
		AuscultationSite: p.Input.AuscultationSite,
		Summary:          p.Summary(),
	}
}

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// HealthResponse mirrors {"ok": "True"}. Some deployments send a bool instead of a string.
type HealthResponse struct {
	OK json.RawMessage `json:"ok"`
}

func (h HealthResponse) Healthy() bool {
	v := strings.ToLower(strings.Trim(string(h.OK), `"`))
	return v == "true" || v == "1"
}

func parseTimestamp(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
