package ptz

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldvision-data/crosscam.report/internal/db"
)

// CalibrationPoint ties a pixel in the source camera's frame to the target
// PTZ pose that centers it. Estimated pan/tilt, when present, record what
// the model predicted before the visual correction.
type CalibrationPoint struct {
	ID            int64
	SourceCamera  string
	TargetCamera  string
	SourceX       float64
	SourceY       float64
	EstimatedPan  *float64
	EstimatedTilt *float64
	ActualPan     float64
	ActualTilt    float64
	Label         string
}

// CalibrationStore persists calibration points.
type CalibrationStore struct {
	db *db.DB
}

// NewCalibrationStore creates a calibration point store.
func NewCalibrationStore(database *db.DB) *CalibrationStore {
	return &CalibrationStore{db: database}
}

// Insert writes one point.
func (s *CalibrationStore) Insert(ctx context.Context, p *CalibrationPoint) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ptz_calibration_points (
			source_camera_id, target_camera_id, source_x, source_y,
			estimated_pan, estimated_tilt, actual_pan, actual_tilt, label
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SourceCamera, p.TargetCamera, p.SourceX, p.SourceY,
		p.EstimatedPan, p.EstimatedTilt, p.ActualPan, p.ActualTilt,
		sql.NullString{String: p.Label, Valid: p.Label != ""},
	)
	if err != nil {
		return fmt.Errorf("insert calibration point: %w", err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("calibration point insert id: %w", err)
	}
	return nil
}

// ForPair returns the points mapping source-camera pixels to target poses.
func (s *CalibrationStore) ForPair(ctx context.Context, sourceCamera, targetCamera string) ([]*CalibrationPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT point_id, source_camera_id, target_camera_id, source_x, source_y,
		       estimated_pan, estimated_tilt, actual_pan, actual_tilt, label
		FROM ptz_calibration_points
		WHERE source_camera_id = ? AND target_camera_id = ?
		ORDER BY point_id`, sourceCamera, targetCamera)
	if err != nil {
		return nil, fmt.Errorf("query calibration points %s->%s: %w", sourceCamera, targetCamera, err)
	}
	defer rows.Close()

	var out []*CalibrationPoint
	for rows.Next() {
		p := &CalibrationPoint{}
		var estPan, estTilt sql.NullFloat64
		var label sql.NullString
		err := rows.Scan(&p.ID, &p.SourceCamera, &p.TargetCamera, &p.SourceX, &p.SourceY,
			&estPan, &estTilt, &p.ActualPan, &p.ActualTilt, &label)
		if err != nil {
			return nil, fmt.Errorf("scan calibration point: %w", err)
		}
		if estPan.Valid {
			v := estPan.Float64
			p.EstimatedPan = &v
		}
		if estTilt.Valid {
			v := estTilt.Float64
			p.EstimatedTilt = &v
		}
		p.Label = label.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteForPair clears a pair's points before recalibration.
func (s *CalibrationStore) DeleteForPair(ctx context.Context, sourceCamera, targetCamera string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ptz_calibration_points WHERE source_camera_id = ? AND target_camera_id = ?`,
		sourceCamera, targetCamera)
	if err != nil {
		return fmt.Errorf("delete calibration points %s->%s: %w", sourceCamera, targetCamera, err)
	}
	return nil
}
