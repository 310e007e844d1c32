package contract

import "time"

// UploadResponse is returned by the run backend once a recording is stored.
type UploadResponse struct {
	RunID      int64   `json:"run_id"`
	Filename   string  `json:"filename"`
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sample_rate"`
}

type QualityMetrics struct {
	Duration       float64 `json:"duration"`
	ClippingRate   float64 `json:"clipping_rate"`
	SilenceRatio   float64 `json:"silence_ratio"`
	SNRProxy       float64 `json:"snr_proxy"`
	AmplitudeRange float64 `json:"amplitude_range"`
}

type RunQuality struct {
	Pass    bool           `json:"pass"`
	Metrics QualityMetrics `json:"metrics"`
	Reasons []string       `json:"reasons"`
}

type TopSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Score float64 `json:"score"`
}

type Explanation struct {
	TopFeatures []string     `json:"top_features"`
	TopSegments []TopSegment `json:"top_segments"`
}

type Triage struct {
	Level     string `json:"level"`
	RuleFired string `json:"rule_fired"`
}

type Urgency struct {
	UrgencyScore float64  `json:"urgency_score"`
	Category     string   `json:"category"`
	Breakdown    []string `json:"breakdown"`
}

type RunPaths struct {
	ReportURL      string `json:"report_url"`
	WaveformPNGURL string `json:"waveform_png_url"`
}

type RunResults struct {
	PredictedLabel       string      `json:"predicted_label"`
	CalibratedConfidence float64     `json:"calibrated_confidence"`
	RawConfidence        float64     `json:"raw_confidence"`
	Quality              RunQuality  `json:"quality"`
	Explanation          Explanation `json:"explanation"`
	Triage               Triage      `json:"triage"`
	Risk                 Urgency     `json:"risk"`
	Paths                RunPaths    `json:"paths"`
}

// RunResponse is the polling target keyed by numeric run id.
type RunResponse struct {
	RunID   int64      `json:"run_id"`
	Status  string     `json:"status"`
	Results RunResults `json:"results"`
}

// RunHistoryItem is one row of the run backend's history listing.
type RunHistoryItem struct {
	RunID       int64  `json:"run_id"`
	Filename    string `json:"filename"`
	Timestamp   string `json:"timestamp"`
	Label       string `json:"label"`
	Triage      string `json:"triage"`
	QualityPass bool   `json:"quality_pass"`
}

func (r RunHistoryItem) Time() time.Time {
	return parseTimestamp(r.Timestamp)
}

// Analyzed reports whether the run has results; uploaded-only runs have an empty label.
func (r RunHistoryItem) Analyzed() bool {
	return r.Label != ""
}

type AnalyzeRequest struct {
	Mode string `json:"mode"`
}

type TrainResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type EvaluationMetrics struct {
	Accuracy        float64 `json:"accuracy"`
	MacroF1         float64 `json:"macro_f1"`
	ConfusionMatrix [][]int `json:"confusion_matrix"`
}

type EvaluateResponse struct {
	Status  string            `json:"status"`
	Metrics EvaluationMetrics `json:"metrics"`
}
