package contract

import (
	"fmt"
	"strings"
)

// Auscultation sites accepted by the screening backend.
const (
	SiteAortic    = "Aortic"
	SitePulmonic  = "Pulmonic"
	SiteTricuspid = "Tricuspid"
	SiteMitral    = "Mitral"
	SiteUnknown   = "Unknown"
)

var Sites = []string{SiteAortic, SitePulmonic, SiteTricuspid, SiteMitral, SiteUnknown}

// ParseSite matches a site name case-insensitively and returns its canonical spelling.
func ParseSite(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	for _, s := range Sites {
		if strings.EqualFold(s, v) {
			return s, nil
		}
	}
	return "", fmt.Errorf("invalid auscultation site %q (want one of %s)", raw, strings.Join(Sites, ", "))
}

// Analysis modes of the run backend.
const (
	ModeReal = "real"
	ModeDemo = "demo"
)

func ParseMode(raw string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case ModeReal, ModeDemo:
		return v, nil
	default:
		return "", fmt.Errorf("mode must be %q or %q (got %q)", ModeReal, ModeDemo, raw)
	}
}

const (
	LabelMurmur = "murmur"
	LabelNormal = "normal"

	TimingSystolic  = "systolic"
	TimingDiastolic = "diastolic"
	TimingUncertain = "uncertain"

	ConcernLow      = "low"
	ConcernModerate = "moderate"
	ConcernHigh     = "high"
)

// Run backend vocabulary.
const (
	RunLabelMurmur   = "Murmur"
	RunLabelNoMurmur = "No Murmur"

	TriageLow      = "Low"
	TriageMedium   = "Medium"
	TriageHigh     = "High"
	TriageRerecord = "Needs re-record"

	UrgencyMonitor = "Monitor"
	UrgencySoon    = "Soon"
	UrgencyUrgent  = "Urgent review"

	RunStatusUploaded = "uploaded"
	RunStatusDone     = "done"
)

// RuleRow is one line of a reference table shown next to a backend verdict.
type RuleRow struct {
	Condition string
	Outcome   string
}

// TriageRules documents how the run backend buckets calibrated confidence. Display only.
var TriageRules = []RuleRow{
	{Condition: "Quality gate failed", Outcome: TriageRerecord},
	{Condition: "Confidence < 0.40", Outcome: TriageLow},
	{Condition: "0.40 <= Confidence < 0.70", Outcome: TriageMedium},
	{Condition: "Confidence >= 0.70", Outcome: TriageHigh},
}

// UrgencyBands documents the urgency categories of the run backend. Display only.
var UrgencyBands = []RuleRow{
	{Condition: "Urgency score >= 75", Outcome: UrgencyUrgent},
	{Condition: "50 <= Urgency score < 75", Outcome: UrgencySoon},
	{Condition: "Urgency score < 50", Outcome: UrgencyMonitor},
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
