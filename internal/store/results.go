package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"murmurscreen/internal/contract"
)

// PutResult caches a predict response keyed by request id. Re-caching replaces the payload.
func (s *Store) PutResult(ctx context.Context, p contract.PredictResponse, ts time.Time) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO results(request_id, created_at, patient_id, payload_json, cached_at) VALUES(?,?,?,?,?)
		ON CONFLICT(request_id) DO UPDATE SET payload_json=excluded.payload_json, cached_at=excluded.cached_at`,
		p.RequestID, p.CreatedTime(), p.Input.PatientID, string(payload), ts)
	return err
}

func (s *Store) GetResult(ctx context.Context, requestID string) (contract.PredictResponse, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM results WHERE request_id=?`, requestID).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return contract.PredictResponse{}, ErrNotFound
	case err != nil:
		return contract.PredictResponse{}, err
	}
	var p contract.PredictResponse
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return contract.PredictResponse{}, fmt.Errorf("decode cached result %s: %w", requestID, err)
	}
	return p, nil
}

// ListResults returns cached entries newest first; an empty patientID lists everything.
func (s *Store) ListResults(ctx context.Context, patientID string, limit int) ([]contract.HistoryEntry, error) {
	query := `SELECT payload_json FROM results`
	args := []any{}
	if patientID != "" {
		query += ` WHERE patient_id=?`
		args = append(args, patientID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []contract.HistoryEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p contract.PredictResponse
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode cached result: %w", err)
		}
		out = append(out, contract.EntryFor(p))
	}
	return out, rows.Err()
}

// DeleteResult removes a cached result; ErrNotFound when absent.
func (s *Store) DeleteResult(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE request_id=?`, requestID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
