package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"murmurscreen/internal/contract"
)

// Markdown writes a screening result as a Markdown report. Artifact images are
// referenced by file name so the report can sit next to exported PNGs.
func Markdown(w io.Writer, p contract.PredictResponse) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Heart sound screening report\n\n")
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Request | `%s` |\n", p.RequestID)
	fmt.Fprintf(&b, "| Created | %s |\n", p.CreatedAt)
	fmt.Fprintf(&b, "| Patient | %s |\n", mdEscape(p.Input.PatientID))
	fmt.Fprintf(&b, "| Visit | %s |\n", mdEscape(orDash(p.Input.VisitLabel)))
	fmt.Fprintf(&b, "| Site | %s |\n", p.Input.AuscultationSite)
	fmt.Fprintf(&b, "| Recording | %s (%.1f s @ %d Hz) |\n\n", mdEscape(p.Input.Filename), p.Input.DurationS, p.Input.SampleRate)

	fmt.Fprintf(&b, "## Screening concern: **%s**\n\n%s\n\n", strings.ToUpper(p.Risk.ScreeningConcernLevel), p.Risk.Rationale)

	fmt.Fprintf(&b, "## Murmur\n\n")
	fmt.Fprintf(&b, "- Label: **%s**\n- Calibrated probability: %s\n- Raw probability: %s\n- Uncertainty: %.2f\n\n",
		p.Murmur.Label, pct(p.Murmur.CalibratedProbability), pct(p.Murmur.RawProbability), p.Murmur.UncertaintyScore)

	fmt.Fprintf(&b, "## Timing\n\n- Label: **%s**\n- Systolic: %s\n- Diastolic: %s\n\n",
		p.Timing.Label, pct(p.Timing.SystolicProbability), pct(p.Timing.DiastolicProbability))

	fmt.Fprintf(&b, "## Recording quality\n\n")
	fmt.Fprintf(&b, "- Score: %d/100\n- SNR: %.1f dB\n- Clipping: %.1f%%\n- Silence: %.1f%%\n",
		p.Quality.QualityScore, p.Quality.SNRDB, p.Quality.ClippingPct, p.Quality.SilencePct)
	if p.Quality.RetakeRecommended {
		fmt.Fprintf(&b, "- **Retake recommended**: %s\n", strings.Join(p.Quality.RetakeReasons, "; "))
	}
	b.WriteString("\n")

	if len(p.Segments) > 0 {
		fmt.Fprintf(&b, "## Segments\n\n| Start (s) | End (s) | Murmur probability |\n|---|---|---|\n")
		for _, s := range p.Segments {
			fmt.Fprintf(&b, "| %.1f | %.1f | %s |\n", s.T0, s.T1, pct(s.MurmurProb))
		}
		b.WriteString("\n")
	}
	if named := p.Artifacts.Named(); len(named) > 0 {
		fmt.Fprintf(&b, "## Plots\n\n")
		for _, name := range artifactOrder {
			if _, ok := named[name]; ok {
				fmt.Fprintf(&b, "![%s](%s.png)\n\n", name, name)
			}
		}
	}
	if len(p.SafeAdvice) > 0 {
		fmt.Fprintf(&b, "## Advice\n\n")
		for _, a := range p.SafeAdvice {
			fmt.Fprintf(&b, "- %s\n", a)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "> %s\n", Disclaimer)
	_, err := io.WriteString(w, b.String())
	return err
}

// RunMarkdown writes a run result as Markdown.
func RunMarkdown(w io.Writer, r contract.RunResponse) error {
	res := r.Results
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %d\n\n", r.RunID)
	fmt.Fprintf(&b, "- Prediction: **%s** (calibrated %s, raw %s)\n", res.PredictedLabel, pct(res.CalibratedConfidence), pct(res.RawConfidence))
	fmt.Fprintf(&b, "- Triage: **%s** (%s)\n", res.Triage.Level, res.Triage.RuleFired)
	fmt.Fprintf(&b, "- Urgency: %.1f/100, **%s**\n\n", res.Risk.UrgencyScore, res.Risk.Category)

	gate := "FAIL"
	if res.Quality.Pass {
		gate = "PASS"
	}
	fmt.Fprintf(&b, "## Quality gate: %s\n\n", gate)
	m := res.Quality.Metrics
	fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n| Duration | %.2f s |\n| Clipping | %s |\n| Silence | %s |\n| SNR proxy | %.2f |\n| Amplitude range | %.3f |\n\n",
		m.Duration, pct(m.ClippingRate), pct(m.SilenceRatio), m.SNRProxy, m.AmplitudeRange)
	for _, reason := range res.Quality.Reasons {
		fmt.Fprintf(&b, "- %s\n", reason)
	}
	if len(res.Quality.Reasons) > 0 {
		b.WriteString("\n")
	}
	if len(res.Risk.Breakdown) > 0 {
		fmt.Fprintf(&b, "## Urgency breakdown\n\n")
		for _, item := range res.Risk.Breakdown {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}
	if len(res.Explanation.TopSegments) > 0 {
		fmt.Fprintf(&b, "## Top segments\n\n| Start (s) | End (s) | Score |\n|---|---|---|\n")
		for _, s := range res.Explanation.TopSegments {
			fmt.Fprintf(&b, "| %.1f | %.1f | %s |\n", s.Start, s.End, pct(s.Score))
		}
		b.WriteString("\n")
	}
	if len(res.Explanation.TopFeatures) > 0 {
		fmt.Fprintf(&b, "Top features: %s\n\n", strings.Join(res.Explanation.TopFeatures, ", "))
	}
	fmt.Fprintf(&b, "> %s\n", Disclaimer)
	_, err := io.WriteString(w, b.String())
	return err
}

// Pretty renders Markdown for a terminal. width <= 0 means 80 columns.
func Pretty(md string, width int) (string, error) {
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("markdown renderer: %w", err)
	}
	return r.Render(md)
}

func mdEscape(s string) string {
	return strings.NewReplacer("|", `\|`, "*", `\*`, "_", `\_`).Replace(s)
}
