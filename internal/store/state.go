package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Keys of the state table. They play the role browser storage plays for the web client.
const (
	KeyLastRunID     = "last_run_id"
	KeyLastRequestID = "last_request_id"
)

// LastAlias is the user-facing placeholder for the most recent run.
const LastAlias = "last"

var ErrNoLastRun = errors.New("no previous run recorded; upload a recording first")

func (s *Store) SetState(ctx context.Context, key, value string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO state(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, ts)
	return err
}

// GetState returns ErrNotFound for unknown keys.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key=?`, key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrNotFound
	case err != nil:
		return "", err
	}
	return v, nil
}

// ClearStateIf removes key only while it still holds value.
func (s *Store) ClearStateIf(ctx context.Context, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key=? AND value=?`, key, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) SetLastRunID(ctx context.Context, runID int64, ts time.Time) error {
	return s.SetState(ctx, KeyLastRunID, strconv.FormatInt(runID, 10), ts)
}

// ResolveRunID turns a user-supplied run reference into a run id. "last" resolves
// through the state table; anything else must be a positive integer.
func (s *Store) ResolveRunID(ctx context.Context, ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, errors.New("run id is required")
	}
	if strings.EqualFold(ref, LastAlias) {
		v, err := s.GetState(ctx, KeyLastRunID)
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNoLastRun
		}
		if err != nil {
			return 0, err
		}
		ref = v
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", ref)
	}
	return id, nil
}

// ResolveRequestID does the same for screening request ids.
func (s *Store) ResolveRequestID(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.EqualFold(ref, LastAlias) {
		if ref == "" {
			return "", errors.New("request id is required")
		}
		return ref, nil
	}
	v, err := s.GetState(ctx, KeyLastRequestID)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNoLastRun
	}
	return v, err
}
