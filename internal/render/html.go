package render

import (
	"html/template"
	"io"

	"murmurscreen/internal/contract"
)

var artifactOrder = []string{"waveform", "spectrogram", "timeline", "explainability"}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct":    pct,
	"orDash": orDash,
}).Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Screening report {{.P.RequestID}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:960px;margin:2rem auto;color:#1f2933}
table{border-collapse:collapse}td,th{border:1px solid #cbd2d9;padding:.25rem .6rem;text-align:left}
.badge{padding:.15rem .5rem;border-radius:.3rem;color:#fff;font-weight:600}
.low{background:#2f9e44}.moderate{background:#e67700}.high{background:#c92a2a}
.retake{color:#d9480f;font-weight:600}.disclaimer{border-left:4px solid #c92a2a;padding:.5rem 1rem;background:#fff5f5}
img{max-width:100%;border:1px solid #e4e7eb;margin:.5rem 0}
</style>
</head>
<body>
<h1>Heart sound screening report</h1>
<table>
<tr><th>Request</th><td>{{.P.RequestID}}</td></tr>
<tr><th>Created</th><td>{{.P.CreatedAt}}</td></tr>
<tr><th>Patient</th><td>{{.P.Input.PatientID}}</td></tr>
<tr><th>Visit</th><td>{{orDash .P.Input.VisitLabel}}</td></tr>
<tr><th>Site</th><td>{{.P.Input.AuscultationSite}}</td></tr>
<tr><th>Recording</th><td>{{.P.Input.Filename}} ({{printf "%.1f" .P.Input.DurationS}} s @ {{.P.Input.SampleRate}} Hz)</td></tr>
</table>
<h2>Screening concern <span class="badge {{.P.Risk.ScreeningConcernLevel}}">{{.P.Risk.ScreeningConcernLevel}}</span></h2>
<p>{{.P.Risk.Rationale}}</p>
<h2>Murmur</h2>
<p>{{.P.Murmur.Label}}: calibrated {{pct .P.Murmur.CalibratedProbability}}, raw {{pct .P.Murmur.RawProbability}}, uncertainty {{printf "%.2f" .P.Murmur.UncertaintyScore}}</p>
<h2>Timing</h2>
<p>{{.P.Timing.Label}}: systolic {{pct .P.Timing.SystolicProbability}}, diastolic {{pct .P.Timing.DiastolicProbability}}</p>
<h2>Recording quality</h2>
<p>Score {{.P.Quality.QualityScore}}/100, SNR {{printf "%.1f" .P.Quality.SNRDB}} dB, clipping {{printf "%.1f" .P.Quality.ClippingPct}}%, silence {{printf "%.1f" .P.Quality.SilencePct}}%</p>
{{if .P.Quality.RetakeRecommended}}<p class="retake">Retake recommended:{{range .P.Quality.RetakeReasons}} {{.}};{{end}}</p>{{end}}
{{if .P.Segments}}<h2>Segments</h2>
<table><tr><th>Start (s)</th><th>End (s)</th><th>Murmur probability</th></tr>
{{range .P.Segments}}<tr><td>{{printf "%.1f" .T0}}</td><td>{{printf "%.1f" .T1}}</td><td>{{pct .MurmurProb}}</td></tr>
{{end}}</table>{{end}}
{{range .Images}}<h3>{{.Name}}</h3>
<img alt="{{.Name}}" src="{{.Src}}">
{{end}}
{{if .P.SafeAdvice}}<h2>Advice</h2>
<ul>{{range .P.SafeAdvice}}<li>{{.}}</li>{{end}}</ul>{{end}}
<p class="disclaimer">{{.Disclaimer}}</p>
</body>
</html>
`))

type htmlImage struct {
	Name string
	Src  template.URL
}

// HTML writes a self-contained report; artifact PNGs are embedded as data URIs.
func HTML(w io.Writer, p contract.PredictResponse) error {
	named := p.Artifacts.Named()
	var images []htmlImage
	for _, name := range artifactOrder {
		if b64, ok := named[name]; ok {
			images = append(images, htmlImage{Name: name, Src: template.URL("data:image/png;base64," + b64)})
		}
	}
	return reportTemplate.Execute(w, struct {
		P          contract.PredictResponse
		Images     []htmlImage
		Disclaimer string
	}{P: p, Images: images, Disclaimer: Disclaimer})
}
