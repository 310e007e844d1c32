package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"murmurscreen/internal/contract"
)

// Screening is the request-oriented backend: one predict call returns the full analysis.
type Screening struct {
	*Client
}

func NewScreening(baseURL string, opts ...Option) *Screening {
	return &Screening{Client: New(baseURL, opts...)}
}

// PredictRequest is the submission form of /api/predict.
type PredictRequest struct {
	Upload
	PatientID  string
	Site       string
	VisitLabel string
}

func (r PredictRequest) validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return errors.New("patient id is required")
	}
	if _, err := contract.ParseSite(r.Site); err != nil {
		return err
	}
	return nil
}

func (s *Screening) Health(ctx context.Context) (contract.HealthResponse, error) {
	var h contract.HealthResponse
	err := s.getJSON(ctx, http.MethodGet, "/api/health", nil, &h)
	return h, err
}

func (s *Screening) Predict(ctx context.Context, req PredictRequest) (contract.PredictResponse, error) {
	var out contract.PredictResponse
	if err := req.validate(); err != nil {
		return out, err
	}
	site, _ := contract.ParseSite(req.Site)
	fields := [][2]string{
		{"auscultation_site", site},
		{"patient_id", strings.TrimSpace(req.PatientID)},
	}
	if v := strings.TrimSpace(req.VisitLabel); v != "" {
		fields = append(fields, [2]string{"visit_label", v})
	}
	p, err := multipartPayload(req.Upload, fields)
	if err != nil {
		return out, err
	}
	if err := s.getJSON(ctx, http.MethodPost, "/api/predict", p, &out); err != nil {
		return out, err
	}
	return out, s.check(out)
}

// History lists past analyses, optionally restricted to one patient.
func (s *Screening) History(ctx context.Context, patientID string) ([]contract.HistoryEntry, error) {
	path := "/api/history"
	if patientID = strings.TrimSpace(patientID); patientID != "" {
		path += "?" + url.Values{"patient_id": {patientID}}.Encode()
	}
	var out []contract.HistoryEntry
	if err := s.getJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for _, e := range out {
		if err := s.check(e); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Screening) HistoryDetail(ctx context.Context, requestID string) (contract.PredictResponse, error) {
	var out contract.PredictResponse
	if err := s.getJSON(ctx, http.MethodGet, "/api/history/"+url.PathEscape(requestID), nil, &out); err != nil {
		return out, err
	}
	return out, s.check(out)
}

func (s *Screening) DeleteHistory(ctx context.Context, requestID string) error {
	var out contract.DeleteResponse
	if err := s.getJSON(ctx, http.MethodDelete, "/api/history/"+url.PathEscape(requestID), nil, &out); err != nil {
		return err
	}
	if !out.Deleted {
		return fmt.Errorf("backend did not confirm deletion of %s", requestID)
	}
	return nil
}
