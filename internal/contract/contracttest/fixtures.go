// Package contracttest builds well-formed backend responses for tests.
package contracttest

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"time"

	"murmurscreen/internal/contract"
)

// PNG returns a base64 encoded w x h PNG filled with a single colour.
func PNG(w, h int) string {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 37, G: 99, B: 235, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// Predict returns a valid low-concern screening response.
func Predict(requestID, patientID string) contract.PredictResponse {
	visit := "baseline"
	art := PNG(40, 20)
	return contract.PredictResponse{
		RequestID: requestID,
		CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC).Format(time.RFC3339Nano),
		Input: contract.InputInfo{
			Filename:         "heart.wav",
			PatientID:        patientID,
			VisitLabel:       &visit,
			AuscultationSite: contract.SiteMitral,
			DurationS:        8,
			SampleRate:       2000,
		},
		Murmur: contract.MurmurResult{
			Label:                 contract.LabelNormal,
			RawProbability:        0.31,
			CalibratedProbability: 0.27,
			UncertaintyScore:      0.12,
		},
		Timing: contract.TimingResult{
			Label:                contract.TimingUncertain,
			SystolicProbability:  0.41,
			DiastolicProbability: 0.22,
		},
		Quality: contract.QualityResult{
			QualityScore:  88,
			SNRDB:         17.5,
			ClippingPct:   0.2,
			SilencePct:    12.5,
			RetakeReasons: []string{},
		},
		Risk: contract.RiskResult{
			ScreeningConcernLevel: contract.ConcernLow,
			Rationale:             "Adjusted score=0.21, quality=88/100, uncertainty=0.12.",
		},
		SafeAdvice: []string{"Record in a quiet room and minimize background noise."},
		Segments: []contract.Segment{
			{T0: 0, T1: 2, MurmurProb: 0.2},
			{T0: 1, T1: 3, MurmurProb: 0.35},
		},
		Artifacts: contract.Artifacts{
			WaveformPNG:       art,
			SpectrogramPNG:    art,
			TimelinePNG:       art,
			ExplainabilityPNG: art,
		},
	}
}

// HighConcern returns a response that should trigger notifications.
func HighConcern(requestID, patientID string) contract.PredictResponse {
	p := Predict(requestID, patientID)
	p.Murmur.Label = contract.LabelMurmur
	p.Murmur.CalibratedProbability = 0.91
	p.Murmur.RawProbability = 0.95
	p.Risk.ScreeningConcernLevel = contract.ConcernHigh
	return p
}

// Run returns a completed run-backend result.
func Run(runID int64) contract.RunResponse {
	return contract.RunResponse{
		RunID:  runID,
		Status: contract.RunStatusDone,
		Results: contract.RunResults{
			PredictedLabel:       contract.RunLabelMurmur,
			CalibratedConfidence: 0.74,
			RawConfidence:        0.81,
			Quality: contract.RunQuality{
				Pass: true,
				Metrics: contract.QualityMetrics{
					Duration:       6,
					ClippingRate:   0.001,
					SilenceRatio:   0.2,
					SNRProxy:       1.1,
					AmplitudeRange: 0.6,
				},
				Reasons: []string{},
			},
			Explanation: contract.Explanation{
				TopFeatures: []string{"mel_12_mean", "mel_30_std"},
				TopSegments: []contract.TopSegment{{Start: 4, End: 6, Score: 0.8}},
			},
			Triage: contract.Triage{Level: contract.TriageHigh, RuleFired: "Confidence >= 0.70"},
			Risk: contract.Urgency{
				UrgencyScore: 84.4,
				Category:     contract.UrgencyUrgent,
				Breakdown:    []string{"+44.4 from confidence", "+20 high triage", "+10 late timing proxy"},
			},
			Paths: contract.RunPaths{
				ReportURL:      "/api/report/7",
				WaveformPNGURL: "/api/run/7/waveform",
			},
		},
	}
}
