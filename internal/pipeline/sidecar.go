package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"murmurscreen/internal/config"
	"murmurscreen/internal/contract"
)

// Sidecar is optional per-recording metadata stored next to the WAV file as
// <file>.wav.yaml or <file>.yaml.
type Sidecar struct {
	PatientID  string `yaml:"patient_id"`
	Site       string `yaml:"site"`
	VisitLabel string `yaml:"visit_label"`
}

// Metadata is what a recording is submitted with.
type Metadata struct {
	PatientID  string
	Site       string
	VisitLabel string
}

func sidecarPaths(wavPath string) []string {
	return []string{
		wavPath + ".yaml",
		strings.TrimSuffix(wavPath, filepath.Ext(wavPath)) + ".yaml",
	}
}

// IsSidecar reports whether name looks like a metadata file rather than a recording.
func IsSidecar(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".yaml")
}

// LoadSidecar reads the first sidecar that exists. found is false when there is none.
func LoadSidecar(wavPath string) (sc Sidecar, found bool, err error) {
	for _, p := range sidecarPaths(wavPath) {
		raw, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return sc, false, err
		}
		if err := yaml.Unmarshal(raw, &sc); err != nil {
			return sc, false, fmt.Errorf("parse sidecar %s: %w", p, err)
		}
		return sc, true, nil
	}
	return sc, false, nil
}

// ResolveMetadata merges a sidecar over the configured defaults and canonicalises the site.
func ResolveMetadata(cfg config.Config, sc Sidecar) (Metadata, error) {
	md := Metadata{
		PatientID:  firstNonEmpty(sc.PatientID, cfg.DefaultPatient),
		Site:       firstNonEmpty(sc.Site, cfg.DefaultSite, contract.SiteUnknown),
		VisitLabel: strings.TrimSpace(sc.VisitLabel),
	}
	if md.PatientID == "" {
		return md, errors.New("no patient id in sidecar or DEFAULT_PATIENT_ID")
	}
	site, err := contract.ParseSite(md.Site)
	if err != nil {
		return md, err
	}
	md.Site = site
	return md, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
