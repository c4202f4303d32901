package track

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
)

// Video is one ingested clip.
type Video struct {
	ID        int64
	CameraID  string
	Filename  string
	Width     int
	Height    int
	CreatedAt time.Time
}

// SaveVideo inserts the clip record and sets v.ID.
func (s *Store) SaveVideo(ctx context.Context, v *Video) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO videos (camera_id, filename, width, height) VALUES (?, ?, ?, ?)`,
		v.CameraID, v.Filename, v.Width, v.Height)
	if err != nil {
		return fmt.Errorf("insert video %s: %w", v.Filename, err)
	}
	v.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("video insert id: %w", err)
	}
	return nil
}

// GetVideo returns one clip record.
func (s *Store) GetVideo(ctx context.Context, id int64) (*Video, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT video_id, camera_id, filename, width, height, created_at FROM videos WHERE video_id = ?`, id)
	v := &Video{}
	err := row.Scan(&v.ID, &v.CameraID, &v.Filename, &v.Width, &v.Height, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("video %d: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan video: %w", err)
	}
	return v, nil
}
