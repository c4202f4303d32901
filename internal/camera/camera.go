// Package camera holds the static camera registry, the learned transit-time
// topology between cameras, and the configured crossing lines. The topology
// table is small and read-dominated; readers go through a short-TTL cache.
package camera

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
)

// Camera is one registered camera with its mounting geometry. PTZ fields are
// nil for fixed cameras.
type Camera struct {
	ID             string
	Latitude       float64
	Longitude      float64
	BearingDeg     float64
	FOVAngleDeg    float64
	FOVRangeM      float64
	PTZPanRangeDeg *float64
	PTZHomeBearing *float64
	ONVIFEndpoint  string
}

// IsPTZ reports whether the camera can be steered.
func (c *Camera) IsPTZ() bool {
	return c.PTZPanRangeDeg != nil && c.ONVIFEndpoint != ""
}

// Store persists cameras.
type Store struct {
	db *db.DB
}

// NewStore creates a camera store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Upsert writes the camera, replacing an existing row with the same id.
func (s *Store) Upsert(ctx context.Context, c *Camera) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cameras (
			camera_id, latitude, longitude, bearing_deg,
			fov_angle_deg, fov_range_m,
			ptz_pan_range_deg, ptz_home_bearing_deg, onvif_endpoint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (camera_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			bearing_deg = excluded.bearing_deg,
			fov_angle_deg = excluded.fov_angle_deg,
			fov_range_m = excluded.fov_range_m,
			ptz_pan_range_deg = excluded.ptz_pan_range_deg,
			ptz_home_bearing_deg = excluded.ptz_home_bearing_deg,
			onvif_endpoint = excluded.onvif_endpoint`,
		c.ID, c.Latitude, c.Longitude, c.BearingDeg,
		c.FOVAngleDeg, c.FOVRangeM,
		c.PTZPanRangeDeg, c.PTZHomeBearing, nullable(c.ONVIFEndpoint),
	)
	if err != nil {
		return fmt.Errorf("upsert camera %s: %w", c.ID, err)
	}
	return nil
}

// Get loads one camera.
func (s *Store) Get(ctx context.Context, id string) (*Camera, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT camera_id, latitude, longitude, bearing_deg,
		       fov_angle_deg, fov_range_m,
		       ptz_pan_range_deg, ptz_home_bearing_deg, onvif_endpoint
		FROM cameras WHERE camera_id = ?`, id)

	c := &Camera{}
	var panRange, homeBearing sql.NullFloat64
	var endpoint sql.NullString
	err := row.Scan(
		&c.ID, &c.Latitude, &c.Longitude, &c.BearingDeg,
		&c.FOVAngleDeg, &c.FOVRangeM,
		&panRange, &homeBearing, &endpoint,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("camera %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load camera %s: %w", id, err)
	}
	if panRange.Valid {
		v := panRange.Float64
		c.PTZPanRangeDeg = &v
	}
	if homeBearing.Valid {
		v := homeBearing.Float64
		c.PTZHomeBearing = &v
	}
	c.ONVIFEndpoint = endpoint.String
	return c, nil
}

// List loads every registered camera.
func (s *Store) List(ctx context.Context) ([]*Camera, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT camera_id FROM cameras ORDER BY camera_id`)
	if err != nil {
		return nil, fmt.Errorf("list cameras: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan camera id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Camera, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
