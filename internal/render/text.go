// Package render turns backend results into terminal text, Markdown, HTML,
// CSV and exported files.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"murmurscreen/internal/contract"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Width(11).Foreground(lipgloss.Color("245"))
	mutedStyle = lipgloss.NewStyle().Faint(true)
	badgeStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))

	levelColors = map[string]lipgloss.Color{
		contract.ConcernLow:       lipgloss.Color("35"),
		contract.ConcernModerate:  lipgloss.Color("178"),
		contract.ConcernHigh:      lipgloss.Color("160"),
		contract.TriageLow:        lipgloss.Color("35"),
		contract.TriageMedium:     lipgloss.Color("178"),
		contract.TriageHigh:       lipgloss.Color("160"),
		contract.TriageRerecord:   lipgloss.Color("208"),
		contract.UrgencyMonitor:   lipgloss.Color("35"),
		contract.UrgencySoon:      lipgloss.Color("178"),
		contract.UrgencyUrgent:    lipgloss.Color("160"),
		contract.RunLabelMurmur:   lipgloss.Color("160"),
		contract.RunLabelNoMurmur: lipgloss.Color("35"),
	}
)

// Badge renders a level (concern, triage or urgency) as a coloured tag.
func Badge(level string) string {
	style := badgeStyle
	if c, ok := levelColors[level]; ok {
		style = style.Background(c).Foreground(lipgloss.Color("15"))
	}
	return style.Render(strings.ToUpper(level))
}

func pct(p float64) string { return fmt.Sprintf("%.1f%%", p*100) }

func orDash(s *string) string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return "-"
	}
	return *s
}

type lines struct {
	b strings.Builder
}

func (l *lines) row(label, format string, args ...any) {
	l.b.WriteString(labelStyle.Render(label))
	l.b.WriteString(" ")
	fmt.Fprintf(&l.b, format, args...)
	l.b.WriteString("\n")
}

func (l *lines) line(s string) {
	l.b.WriteString(s)
	l.b.WriteString("\n")
}

func (l *lines) flush(w io.Writer) error {
	_, err := io.WriteString(w, l.b.String())
	return err
}

// Text writes a terminal summary of one screening result.
func Text(w io.Writer, p contract.PredictResponse) error {
	var l lines
	l.line(titleStyle.Render("Screening result") + "  " + Badge(p.Risk.ScreeningConcernLevel))
	created := p.CreatedAt
	if ts := p.CreatedTime(); !ts.IsZero() {
		created = ts.Local().Format("2006-01-02 15:04:05")
	}
	l.row("Request", "%s  %s", p.RequestID, mutedStyle.Render(created))
	l.row("Patient", "%s  site %s  visit %s", p.Input.PatientID, p.Input.AuscultationSite, orDash(p.Input.VisitLabel))
	l.row("Recording", "%s  %.1f s @ %d Hz", p.Input.Filename, p.Input.DurationS, p.Input.SampleRate)
	l.row("Murmur", "%s  calibrated %s  raw %s  uncertainty %.2f",
		p.Murmur.Label, pct(p.Murmur.CalibratedProbability), pct(p.Murmur.RawProbability), p.Murmur.UncertaintyScore)
	l.row("Timing", "%s  (systolic %s, diastolic %s)",
		p.Timing.Label, pct(p.Timing.SystolicProbability), pct(p.Timing.DiastolicProbability))
	l.row("Quality", "%d/100  SNR %.1f dB  clipping %.1f%%  silence %.1f%%",
		p.Quality.QualityScore, p.Quality.SNRDB, p.Quality.ClippingPct, p.Quality.SilencePct)
	if p.Quality.RetakeRecommended {
		l.row("", "%s %s", warnStyle.Render("Retake recommended:"), strings.Join(p.Quality.RetakeReasons, "; "))
	}
	if p.Risk.Rationale != "" {
		l.row("Rationale", "%s", p.Risk.Rationale)
	}
	if len(p.Segments) > 0 {
		l.line("")
		l.line(titleStyle.Render("Segments"))
		for _, s := range p.Segments {
			l.line(fmt.Sprintf("  %5.1f-%5.1f s  %s  %s", s.T0, s.T1, bar(s.MurmurProb, 20), pct(s.MurmurProb)))
		}
	}
	if len(p.SafeAdvice) > 0 {
		l.line("")
		l.line(titleStyle.Render("Advice"))
		for _, a := range p.SafeAdvice {
			l.line("  - " + a)
		}
	}
	l.line("")
	l.line(mutedStyle.Render(Disclaimer))
	return l.flush(w)
}

func bar(p float64, width int) string {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	n := int(p*float64(width) + 0.5)
	return strings.Repeat("#", n) + strings.Repeat(".", width-n)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return titleStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

// HistoryTable writes history entries as a bordered table.
func HistoryTable(w io.Writer, entries []contract.HistoryEntry) error {
	if len(entries) == 0 {
		_, err := io.WriteString(w, "No analyses recorded yet.\n")
		return err
	}
	t := newTable("Request", "Created", "Patient", "Visit", "Site", "Murmur", "Concern", "Quality")
	for _, e := range entries {
		created := e.CreatedAt
		if ts := e.CreatedTime(); !ts.IsZero() {
			created = ts.Local().Format("2006-01-02 15:04")
		}
		t.Row(e.RequestID, created, e.PatientID, orDash(e.VisitLabel), e.AuscultationSite,
			e.Summary.MurmurLabel, e.Summary.ConcernLevel, fmt.Sprintf("%d", e.Summary.QualityScore))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
