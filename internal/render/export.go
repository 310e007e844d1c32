package render

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/image/draw"

	"murmurscreen/internal/contract"
)

// JSON writes v indented.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var historyCSVHeader = []string{"request_id", "created_at", "patient_id", "visit_label", "auscultation_site", "murmur_label", "concern_level", "quality_score"}

func HistoryCSV(w io.Writer, entries []contract.HistoryEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(historyCSVHeader); err != nil {
		return err
	}
	for _, e := range entries {
		visit := ""
		if e.VisitLabel != nil {
			visit = *e.VisitLabel
		}
		rec := []string{e.RequestID, e.CreatedAt, e.PatientID, visit, e.AuscultationSite,
			e.Summary.MurmurLabel, e.Summary.ConcernLevel, strconv.Itoa(e.Summary.QualityScore)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportArtifacts decodes the base64 PNG plots into dir as <name>.png, plus a
// <name>_thumb.png scaled to thumbWidth when thumbWidth > 0. It returns the written paths.
func ExportArtifacts(dir string, a contract.Artifacts, thumbWidth int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	named := a.Named()
	var written []string
	for _, name := range artifactOrder {
		b64, ok := named[name]
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return written, fmt.Errorf("decode %s artifact: %w", name, err)
		}
		full := filepath.Join(dir, name+".png")
		if err := os.WriteFile(full, raw, 0o644); err != nil {
			return written, err
		}
		written = append(written, full)
		if thumbWidth <= 0 {
			continue
		}
		thumb, err := Thumbnail(raw, thumbWidth)
		if err != nil {
			return written, fmt.Errorf("thumbnail %s: %w", name, err)
		}
		tpath := filepath.Join(dir, name+"_thumb.png")
		if err := os.WriteFile(tpath, thumb, 0o644); err != nil {
			return written, err
		}
		written = append(written, tpath)
	}
	return written, nil
}

// Thumbnail scales a PNG to width, keeping the aspect ratio. Images already
// narrower than width are re-encoded unchanged.
func Thumbnail(pngData []byte, width int) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	if b.Dx() <= width {
		width = b.Dx()
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	var out bytes.Buffer
	if err := png.Encode(&out, dst); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// ExportDir returns the directory under root that holds the export of one
// request. Ids that would leave root are refused.
func ExportDir(root, requestID string) (string, error) {
	if err := contract.CheckRequestID(requestID); err != nil {
		return "", fmt.Errorf("export %q: %w", requestID, err)
	}
	if !filepath.IsLocal(requestID) {
		return "", fmt.Errorf("export %q: not a local name", requestID)
	}
	return filepath.Join(root, requestID), nil
}

// ExportReport writes report.html, report.md, result.json and the plot PNGs for
// one result into dir. It returns every written path.
func ExportReport(dir string, p contract.PredictResponse, thumbWidth int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	var written []string
	for _, f := range []struct {
		name   string
		render func(io.Writer) error
	}{
		{"report.html", func(w io.Writer) error { return HTML(w, p) }},
		{"report.md", func(w io.Writer) error { return Markdown(w, p) }},
		{"result.json", func(w io.Writer) error { return JSON(w, p) }},
	} {
		path := filepath.Join(dir, f.name)
		if err := writeFile(path, f.render); err != nil {
			return written, fmt.Errorf("write %s: %w", f.name, err)
		}
		written = append(written, path)
	}
	plots, err := ExportArtifacts(dir, p.Artifacts, thumbWidth)
	return append(written, plots...), err
}

func writeFile(path string, render func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
