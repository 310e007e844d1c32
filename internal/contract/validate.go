package contract

import (
	"errors"
	"fmt"
	"strings"
)

const maxRequestIDLen = 128

// CheckRequestID reports whether id is usable as a single file name: at most
// 128 characters from [A-Za-z0-9._-] and no "..".
func CheckRequestID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return errors.New("request_id is empty")
	case len(id) > maxRequestIDLen:
		return fmt.Errorf("request_id longer than %d characters", maxRequestIDLen)
	case id == "." || strings.Contains(id, ".."):
		return fmt.Errorf("request_id %q is not a plain name", id)
	}
	for _, c := range id {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '_' || c == '-') {
			return fmt.Errorf("request_id %q contains %q", id, c)
		}
	}
	return nil
}

// Validate checks the invariants the client relies on when rendering a response.
func (p PredictResponse) Validate() error {
	v := &violations{subject: fmt.Sprintf("predict response %q", p.RequestID)}
	if err := CheckRequestID(p.RequestID); err != nil {
		v.addf("%s", err)
	}
	if strings.TrimSpace(p.Input.PatientID) == "" {
		v.addf("input.patient_id is empty")
	}
	if p.Input.AuscultationSite != "" && !oneOf(p.Input.AuscultationSite, Sites...) {
		v.addf("input.auscultation_site=%q unknown", p.Input.AuscultationSite)
	}
	v.probability("murmur.raw_probability", p.Murmur.RawProbability)
	v.probability("murmur.calibrated_probability", p.Murmur.CalibratedProbability)
	v.probability("murmur.uncertainty_score", p.Murmur.UncertaintyScore)
	if !oneOf(p.Murmur.Label, LabelMurmur, LabelNormal) {
		v.addf("murmur.label=%q unknown", p.Murmur.Label)
	}
	v.probability("timing.systolic_probability", p.Timing.SystolicProbability)
	v.probability("timing.diastolic_probability", p.Timing.DiastolicProbability)
	if !oneOf(p.Timing.Label, TimingSystolic, TimingDiastolic, TimingUncertain) {
		v.addf("timing.label=%q unknown", p.Timing.Label)
	}
	if p.Quality.QualityScore < 0 || p.Quality.QualityScore > 100 {
		v.addf("quality.quality_score_0_100=%d outside [0,100]", p.Quality.QualityScore)
	}
	v.percent("quality.clipping_pct", p.Quality.ClippingPct)
	v.percent("quality.silence_pct", p.Quality.SilencePct)
	if !oneOf(p.Risk.ScreeningConcernLevel, ConcernLow, ConcernModerate, ConcernHigh) {
		v.addf("risk.screening_concern_level=%q unknown", p.Risk.ScreeningConcernLevel)
	}
	for i, seg := range p.Segments {
		v.probability(fmt.Sprintf("segments[%d].murmur_prob", i), seg.MurmurProb)
		if seg.T1 < seg.T0 {
			v.addf("segments[%d] ends (%.2f) before it starts (%.2f)", i, seg.T1, seg.T0)
		}
	}
	return v.err()
}

func (h HistoryEntry) Validate() error {
	v := &violations{subject: fmt.Sprintf("history entry %q", h.RequestID)}
	if err := CheckRequestID(h.RequestID); err != nil {
		v.addf("%s", err)
	}
	if h.Summary.QualityScore < 0 || h.Summary.QualityScore > 100 {
		v.addf("summary.quality_score=%d outside [0,100]", h.Summary.QualityScore)
	}
	if h.Summary.ConcernLevel != "" && !oneOf(h.Summary.ConcernLevel, ConcernLow, ConcernModerate, ConcernHigh) {
		v.addf("summary.concern_level=%q unknown", h.Summary.ConcernLevel)
	}
	return v.err()
}

func (r RunResponse) Validate() error {
	v := &violations{subject: fmt.Sprintf("run %d", r.RunID)}
	if r.RunID <= 0 {
		v.addf("run_id=%d is not positive", r.RunID)
	}
	res := r.Results
	v.probability("results.calibrated_confidence", res.CalibratedConfidence)
	v.probability("results.raw_confidence", res.RawConfidence)
	if !oneOf(res.PredictedLabel, RunLabelMurmur, RunLabelNoMurmur) {
		v.addf("results.predicted_label=%q unknown", res.PredictedLabel)
	}
	if !oneOf(res.Triage.Level, TriageLow, TriageMedium, TriageHigh, TriageRerecord) {
		v.addf("results.triage.level=%q unknown", res.Triage.Level)
	}
	v.percent("results.risk.urgency_score", res.Risk.UrgencyScore)
	if !oneOf(res.Risk.Category, UrgencyMonitor, UrgencySoon, UrgencyUrgent) {
		v.addf("results.risk.category=%q unknown", res.Risk.Category)
	}
	v.probability("results.quality.metrics.clipping_rate", res.Quality.Metrics.ClippingRate)
	v.probability("results.quality.metrics.silence_ratio", res.Quality.Metrics.SilenceRatio)
	for i, seg := range res.Explanation.TopSegments {
		v.probability(fmt.Sprintf("results.explanation.top_segments[%d].score", i), seg.Score)
		if seg.End < seg.Start {
			v.addf("results.explanation.top_segments[%d] ends before it starts", i)
		}
	}
	return v.err()
}

func (r RunHistoryItem) Validate() error {
	v := &violations{subject: fmt.Sprintf("run history item %d", r.RunID)}
	if r.RunID <= 0 {
		v.addf("run_id=%d is not positive", r.RunID)
	}
	if r.Triage != "" && !oneOf(r.Triage, TriageLow, TriageMedium, TriageHigh, TriageRerecord) {
		v.addf("triage=%q unknown", r.Triage)
	}
	return v.err()
}

func (u UploadResponse) Validate() error {
	v := &violations{subject: "upload response"}
	if u.RunID <= 0 {
		v.addf("run_id=%d is not positive", u.RunID)
	}
	if u.SampleRate <= 0 {
		v.addf("sample_rate=%d is not positive", u.SampleRate)
	}
	return v.err()
}
