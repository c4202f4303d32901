package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
)

// Run status values mirrored into the analysis_runs table.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunStats summarizes one clip analysis.
type RunStats struct {
	Detections        int     `json:"detections"`
	TracksSaved       int     `json:"tracks_saved"`
	TracksMerged      int     `json:"tracks_merged"`
	TracksDeactivated int     `json:"tracks_deactivated"`
	DurationSec       float64 `json:"duration_sec"`
}

// AnalysisRun is the bookkeeping record for one clip analysis.
type AnalysisRun struct {
	RunID     string
	VideoID   int64
	Status    string
	Error     string
	Stats     *RunStats
	CreatedAt time.Time
}

// RunStore persists analysis runs.
type RunStore struct {
	db *db.DB
}

// NewRunStore creates a run store.
func NewRunStore(database *db.DB) *RunStore {
	return &RunStore{db: database}
}

// Begin inserts a running record and returns its run id.
func (s *RunStore) Begin(ctx context.Context, videoID int64) (string, error) {
	runID := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_runs (run_id, video_id, status) VALUES (?, ?, ?)`,
		runID, videoID, RunRunning)
	if err != nil {
		return "", fmt.Errorf("insert analysis run: %w", err)
	}
	return runID, nil
}

// Complete marks the run finished and stores its stats.
func (s *RunStore) Complete(ctx context.Context, runID string, stats RunStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	return s.update(ctx, runID,
		`UPDATE analysis_runs SET status = ?, stats_json = ? WHERE run_id = ?`,
		RunCompleted, string(statsJSON), runID)
}

// Fail marks the run failed with its error message.
func (s *RunStore) Fail(ctx context.Context, runID, msg string) error {
	return s.update(ctx, runID,
		`UPDATE analysis_runs SET status = ?, error = ? WHERE run_id = ?`,
		RunFailed, msg, runID)
}

func (s *RunStore) update(ctx context.Context, runID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update analysis run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update analysis run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("analysis run %s: %w", runID, fault.ErrNotFound)
	}
	return nil
}

// Get returns one run.
func (s *RunStore) Get(ctx context.Context, runID string) (*AnalysisRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, video_id, status, error, stats_json, created_at
		FROM analysis_runs WHERE run_id = ?`, runID)

	r := &AnalysisRun{}
	var errMsg, statsJSON sql.NullString
	err := row.Scan(&r.RunID, &r.VideoID, &r.Status, &errMsg, &statsJSON, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis run %s: %w", runID, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis run: %w", err)
	}
	r.Error = errMsg.String
	if statsJSON.Valid {
		stats := &RunStats{}
		if err := json.Unmarshal([]byte(statsJSON.String), stats); err != nil {
			return nil, fmt.Errorf("decode run stats for %s: %w", runID, err)
		}
		r.Stats = stats
	}
	return r, nil
}
