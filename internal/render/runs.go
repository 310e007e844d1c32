package render

import (
	"fmt"
	"io"
	"strings"

	"murmurscreen/internal/contract"
)

// RunSummary writes the headline of an analysed run.
func RunSummary(w io.Writer, r contract.RunResponse) error {
	res := r.Results
	var l lines
	l.line(titleStyle.Render(fmt.Sprintf("Run %d", r.RunID)) + "  " + Badge(res.PredictedLabel))
	l.row("Status", "%s", r.Status)
	l.row("Confidence", "calibrated %s  raw %s", pct(res.CalibratedConfidence), pct(res.RawConfidence))
	l.row("Quality", "%s", passFail(res.Quality.Pass))
	l.row("Triage", "%s", Badge(res.Triage.Level))
	l.row("Urgency", "%.1f/100 %s", res.Risk.UrgencyScore, Badge(res.Risk.Category))
	if len(res.Explanation.TopFeatures) > 0 {
		l.row("Features", "%s", strings.Join(res.Explanation.TopFeatures, ", "))
	}
	for i, s := range res.Explanation.TopSegments {
		label := ""
		if i == 0 {
			label = "Segments"
		}
		l.row(label, "%.1f-%.1f s  %s", s.Start, s.End, pct(s.Score))
	}
	if res.Paths.ReportURL != "" {
		l.row("Report", "%s", res.Paths.ReportURL)
	}
	return l.flush(w)
}

func passFail(pass bool) string {
	if pass {
		return Badge("PASS")
	}
	return warnStyle.Render("FAIL")
}

// QualityView shows the quality gate verdict with its metrics and reasons.
func QualityView(w io.Writer, r contract.RunResponse) error {
	q := r.Results.Quality
	var l lines
	l.line(titleStyle.Render(fmt.Sprintf("Recording quality, run %d", r.RunID)) + "  " + passFail(q.Pass))
	l.row("Duration", "%.2f s", q.Metrics.Duration)
	l.row("Clipping", "%s", pct(q.Metrics.ClippingRate))
	l.row("Silence", "%s", pct(q.Metrics.SilenceRatio))
	l.row("SNR proxy", "%.2f", q.Metrics.SNRProxy)
	l.row("Amplitude", "%.3f", q.Metrics.AmplitudeRange)
	if len(q.Reasons) > 0 {
		l.line("")
		l.line(warnStyle.Render("Reasons"))
		for _, reason := range q.Reasons {
			l.line("  - " + reason)
		}
	}
	return l.flush(w)
}

// TriageView shows the backend's triage level, the rule that fired, and the reference table.
func TriageView(w io.Writer, r contract.RunResponse) error {
	tr := r.Results.Triage
	var l lines
	l.line(titleStyle.Render(fmt.Sprintf("Triage, run %d", r.RunID)) + "  " + Badge(tr.Level))
	l.row("Rule fired", "%s", tr.RuleFired)
	l.row("Confidence", "%s", pct(r.Results.CalibratedConfidence))
	l.line("")
	t := newTable("Condition", "Level")
	for _, row := range contract.TriageRules {
		t.Row(row.Condition, row.Outcome)
	}
	l.line(t.Render())
	return l.flush(w)
}

// RiskView shows the urgency score, its category and the backend's score breakdown.
func RiskView(w io.Writer, r contract.RunResponse) error {
	risk := r.Results.Risk
	var l lines
	l.line(titleStyle.Render(fmt.Sprintf("Urgency, run %d", r.RunID)) + "  " + Badge(risk.Category))
	l.row("Score", "%.1f/100  %s", risk.UrgencyScore, bar(risk.UrgencyScore/100, 20))
	for i, b := range risk.Breakdown {
		label := ""
		if i == 0 {
			label = "Breakdown"
		}
		l.row(label, "%s", b)
	}
	l.line("")
	t := newTable("Score", "Category")
	for _, row := range contract.UrgencyBands {
		t.Row(row.Condition, row.Outcome)
	}
	l.line(t.Render())
	return l.flush(w)
}

// RunHistoryTable lists runs; uploaded but not analysed runs show as pending.
func RunHistoryTable(w io.Writer, items []contract.RunHistoryItem) error {
	if len(items) == 0 {
		_, err := io.WriteString(w, "No runs yet.\n")
		return err
	}
	t := newTable("Run", "File", "Uploaded", "Label", "Triage", "Quality")
	for _, it := range items {
		label, triage, quality := "pending", "-", "-"
		if it.Analyzed() {
			label, triage = it.Label, it.Triage
			quality = "FAIL"
			if it.QualityPass {
				quality = "PASS"
			}
		}
		uploaded := it.Timestamp
		if ts := it.Time(); !ts.IsZero() {
			uploaded = ts.Local().Format("2006-01-02 15:04")
		}
		t.Row(fmt.Sprintf("%d", it.RunID), it.Filename, uploaded, label, triage, quality)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
