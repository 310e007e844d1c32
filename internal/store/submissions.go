package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Submission statuses.
const (
	SubmissionQueued  = "queued"
	SubmissionRunning = "running"
	SubmissionDone    = "done"
	SubmissionError   = "error"
)

// Submission is the local record of one recording sent to the screening backend.
type Submission struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Filename     string    `json:"filename"`
	SHA256       string    `json:"sha256"`
	PatientID    string    `json:"patient_id"`
	Site         string    `json:"site"`
	VisitLabel   *string   `json:"visit_label"`
	Status       string    `json:"status"`
	RequestID    *string   `json:"request_id"`
	ConcernLevel *string   `json:"concern_level"`
	QualityScore *int      `json:"quality_score"`
	LastError    *string   `json:"last_error"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const submissionCols = `id, path, filename, sha256, patient_id, site, visit_label, status, request_id, concern_level, quality_score, last_error, created_at, updated_at`

// InsertSubmission records a submission unless one with the same (sha256, patient, site)
// exists; in that case the existing row is returned with ErrConflict.
func (s *Store) InsertSubmission(ctx context.Context, sub *Submission) (*Submission, error) {
	existing, err := s.FindSubmission(ctx, sub.SHA256, sub.PatientID, sub.Site)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, ErrConflict
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO submissions(id, path, filename, sha256, patient_id, site, visit_label, status, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		sub.ID, sub.Path, sub.Filename, sub.SHA256, sub.PatientID, sub.Site, sub.VisitLabel, sub.Status, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Store) FindSubmission(ctx context.Context, sha, patientID, site string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE sha256=? AND patient_id=? AND site=?`, sha, patientID, site)
	return scanSubmission(row)
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row)
}

// PathStatus is the latest submission state recorded for a source path.
type PathStatus struct {
	Status    string
	UpdatedAt time.Time
}

// SubmissionStatusByPath returns the latest status per source path, used by backfill.
func (s *Store) SubmissionStatusByPath(ctx context.Context) (map[string]PathStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, status, updated_at FROM submissions ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]PathStatus{}
	for rows.Next() {
		var path string
		var ps PathStatus
		if err := rows.Scan(&path, &ps.Status, &ps.UpdatedAt); err != nil {
			return nil, err
		}
		out[path] = ps
	}
	return out, rows.Err()
}

func (s *Store) MarkSubmissionRunning(ctx context.Context, id string, ts time.Time) error {
	return s.updateSubmission(ctx, `UPDATE submissions SET status=?, last_error=NULL, updated_at=? WHERE id=?`, SubmissionRunning, ts, id)
}

func (s *Store) MarkSubmissionDone(ctx context.Context, id, requestID, concern string, quality int, ts time.Time) error {
	return s.updateSubmission(ctx, `UPDATE submissions SET status=?, request_id=?, concern_level=?, quality_score=?, last_error=NULL, updated_at=? WHERE id=?`,
		SubmissionDone, requestID, concern, quality, ts, id)
}

func (s *Store) MarkSubmissionError(ctx context.Context, id string, cause error, ts time.Time) error {
	msg := cause.Error()
	return s.updateSubmission(ctx, `UPDATE submissions SET status=?, last_error=?, updated_at=? WHERE id=?`, SubmissionError, msg, ts, id)
}

func (s *Store) updateSubmission(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListSubmissions(ctx context.Context, limit int) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+submissionCols+` FROM submissions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (*Submission, error) {
	var sub Submission
	var visit, requestID, concern, lastErr sql.NullString
	var quality sql.NullInt64
	err := row.Scan(&sub.ID, &sub.Path, &sub.Filename, &sub.SHA256, &sub.PatientID, &sub.Site, &visit, &sub.Status,
		&requestID, &concern, &quality, &lastErr, &sub.CreatedAt, &sub.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}
	sub.VisitLabel = scanString(visit)
	sub.RequestID = scanString(requestID)
	sub.ConcernLevel = scanString(concern)
	sub.LastError = scanString(lastErr)
	if quality.Valid {
		q := int(quality.Int64)
		sub.QualityScore = &q
	}
	return &sub, nil
}
