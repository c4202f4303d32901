package track

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/geom"
)

// AnalysisResult is the persisted per-track outcome of one clip analysis.
type AnalysisResult struct {
	ID                   int64
	VideoID              int64
	VideoTrackID         int64
	CameraID             string
	ConsensusClass       string
	ConsensusConfidence  float64
	ClassDistribution    map[string]float64
	FrameClassifications []FrameClassification
	FrameQualityScores   []QualityFrame
	TotalFrames          int
	DurationSeconds      float64
	DirectionOfTravel    string
	ReviewStatus         string
	CorrectedBBox        *geom.BBox
	IssueReason          string
}

// Store persists video tracks, their trajectories and clip analysis results.
type Store struct {
	db *db.DB
}

// NewStore creates a track store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// SaveTracks inserts the clip's tracks and their trajectory points in one
// transaction and fills in each track's ID. Inactive tracks are saved too;
// their status keeps them out of matching but available for audit.
func (s *Store) SaveTracks(ctx context.Context, tracks []*VideoTrack) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tracks: %w", err)
	}
	defer tx.Rollback()

	insertTrack, err := tx.PrepareContext(ctx, `
		INSERT INTO video_tracks (
			video_id, camera_id, tracker_track_id, class_name,
			vehicle_subtype, subtype_source, first_seen_unix, last_seen_unix,
			best_crop_path, avg_confidence,
			avg_bbox_x, avg_bbox_y, avg_bbox_w, avg_bbox_h,
			reid_embedding, path_data_json, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare track insert: %w", err)
	}
	defer insertTrack.Close()

	insertPoint, err := tx.PrepareContext(ctx, `
		INSERT INTO video_track_points (video_track_id, ts_unix, x, y, w, h, conf)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (video_track_id, ts_unix) DO UPDATE SET
			x = excluded.x, y = excluded.y, w = excluded.w, h = excluded.h,
			conf = excluded.conf`)
	if err != nil {
		return fmt.Errorf("prepare point insert: %w", err)
	}
	defer insertPoint.Close()

	for _, t := range tracks {
		pathJSON, err := marshalPathData(t.PathData)
		if err != nil {
			return fmt.Errorf("marshal path data for tracker track %d: %w", t.TrackerTrackID, err)
		}
		res, err := insertTrack.ExecContext(ctx,
			t.VideoID, t.CameraID, t.TrackerTrackID, t.ClassName,
			nullString(t.VehicleSubtype), nullString(t.SubtypeSource),
			t.FirstSeenEpoch, t.LastSeenEpoch,
			nullString(t.BestCropPath), t.AvgConfidence,
			t.AvgBBox.X, t.AvgBBox.Y, t.AvgBBox.W, t.AvgBBox.H,
			encodeEmbedding(t.ReIDEmbedding), pathJSON, string(t.Status),
		)
		if err != nil {
			return fmt.Errorf("insert video track: %w", err)
		}
		t.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("video track insert id: %w", err)
		}
		for _, p := range t.Trajectory {
			if _, err := insertPoint.ExecContext(ctx, t.ID, p.Timestamp, p.X, p.Y, p.W, p.H, p.Conf); err != nil {
				return fmt.Errorf("insert trajectory point for track %d: %w", t.ID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tracks: %w", err)
	}
	return nil
}

// UpdateAfterPostProcess persists the status, trajectory window and
// aggregates of a track mutated by the post-processor, rewriting its point
// set when the trajectory was trimmed.
func (s *Store) UpdateAfterPostProcess(ctx context.Context, t *VideoTrack) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin track update: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE video_tracks SET
			status = ?, first_seen_unix = ?, last_seen_unix = ?,
			avg_confidence = ?,
			avg_bbox_x = ?, avg_bbox_y = ?, avg_bbox_w = ?, avg_bbox_h = ?
		WHERE video_track_id = ?`,
		string(t.Status), t.FirstSeenEpoch, t.LastSeenEpoch,
		t.AvgConfidence, t.AvgBBox.X, t.AvgBBox.Y, t.AvgBBox.W, t.AvgBBox.H,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update video track %d: %w", t.ID, err)
	}

	// Points outside the cleaned window are gone for good.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM video_track_points WHERE video_track_id = ? AND (ts_unix < ? OR ts_unix > ?)`,
		t.ID, t.FirstSeenEpoch, t.LastSeenEpoch,
	)
	if err != nil {
		return fmt.Errorf("trim trajectory points for track %d: %w", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit track update: %w", err)
	}
	return nil
}

// GetTrack loads one track with its trajectory.
func (s *Store) GetTrack(ctx context.Context, id int64) (*VideoTrack, error) {
	row := s.db.QueryRowContext(ctx, selectTrackSQL+` WHERE video_track_id = ?`, id)
	t, err := scanTrack(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video track %d: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load video track %d: %w", id, err)
	}
	if err := s.loadTrajectories(ctx, []*VideoTrack{t}); err != nil {
		return nil, err
	}
	return t, nil
}

// TracksForVideo loads every track for one clip, trajectories included.
func (s *Store) TracksForVideo(ctx context.Context, videoID int64) ([]*VideoTrack, error) {
	rows, err := s.db.QueryContext(ctx, selectTrackSQL+` WHERE video_id = ? ORDER BY video_track_id`, videoID)
	if err != nil {
		return nil, fmt.Errorf("query tracks for video %d: %w", videoID, err)
	}
	tracks, err := collectTracks(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadTrajectories(ctx, tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

// ActiveTracksInWindow loads the camera's active tracks whose observation
// window intersects [fromUnix, toUnix]. The matchers feed on this.
func (s *Store) ActiveTracksInWindow(ctx context.Context, cameraID string, fromUnix, toUnix float64) ([]*VideoTrack, error) {
	rows, err := s.db.QueryContext(ctx, selectTrackSQL+`
		WHERE camera_id = ? AND status = 'active'
		  AND last_seen_unix >= ? AND first_seen_unix <= ?
		ORDER BY first_seen_unix`, cameraID, fromUnix, toUnix)
	if err != nil {
		return nil, fmt.Errorf("query active tracks for %s: %w", cameraID, err)
	}
	tracks, err := collectTracks(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadTrajectories(ctx, tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

// UpdateSubtype writes a track's vehicle subtype and its provenance.
func (s *Store) UpdateSubtype(ctx context.Context, trackID int64, subtype, source string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE video_tracks SET vehicle_subtype = ?, subtype_source = ? WHERE video_track_id = ?`,
		subtype, source, trackID)
	if err != nil {
		return fmt.Errorf("update subtype for track %d: %w", trackID, err)
	}
	return nil
}

// MarkCrossCameraConflict flags a track whose human-assigned subtype
// disagrees with its identity's majority vote, without overwriting it.
func (s *Store) MarkCrossCameraConflict(ctx context.Context, trackID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE video_tracks SET cross_camera_conflict = 1 WHERE video_track_id = ?`, trackID)
	if err != nil {
		return fmt.Errorf("mark conflict for track %d: %w", trackID, err)
	}
	return nil
}

// AssignIdentity points a track at its resolved cross-camera identity.
func (s *Store) AssignIdentity(ctx context.Context, trackID, identityID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE video_tracks SET cross_camera_identity_id = ? WHERE video_track_id = ?`,
		identityID, trackID)
	if err != nil {
		return fmt.Errorf("assign identity %d to track %d: %w", identityID, trackID, err)
	}
	return nil
}

// TracksForIdentity loads every track resolved into one identity.
func (s *Store) TracksForIdentity(ctx context.Context, identityID int64) ([]*VideoTrack, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTrackSQL+` WHERE cross_camera_identity_id = ? ORDER BY first_seen_unix`, identityID)
	if err != nil {
		return nil, fmt.Errorf("query tracks for identity %d: %w", identityID, err)
	}
	return collectTracks(rows)
}

// SaveAnalysisResult inserts one clip analysis result and returns its id.
func (s *Store) SaveAnalysisResult(ctx context.Context, r *AnalysisResult) (int64, error) {
	distJSON, err := json.Marshal(r.ClassDistribution)
	if err != nil {
		return 0, fmt.Errorf("marshal class distribution: %w", err)
	}
	framesJSON, err := json.Marshal(r.FrameClassifications)
	if err != nil {
		return 0, fmt.Errorf("marshal frame classifications: %w", err)
	}
	qualityJSON, err := json.Marshal(r.FrameQualityScores)
	if err != nil {
		return 0, fmt.Errorf("marshal frame quality scores: %w", err)
	}

	var bx, by, bw, bh interface{}
	if r.CorrectedBBox != nil {
		bx, by, bw, bh = r.CorrectedBBox.X, r.CorrectedBBox.Y, r.CorrectedBBox.W, r.CorrectedBBox.H
	}
	reviewStatus := r.ReviewStatus
	if reviewStatus == "" {
		reviewStatus = "pending"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO clip_analysis_results (
			video_id, video_track_id, camera_id,
			consensus_class, consensus_confidence,
			class_distribution, frame_classifications, frame_quality_scores,
			total_frames, duration_seconds, direction_of_travel,
			review_status, corrected_bbox_x, corrected_bbox_y,
			corrected_bbox_w, corrected_bbox_h, issue_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.VideoID, r.VideoTrackID, r.CameraID,
		r.ConsensusClass, r.ConsensusConfidence,
		string(distJSON), string(framesJSON), string(qualityJSON),
		r.TotalFrames, r.DurationSeconds, nullString(r.DirectionOfTravel),
		reviewStatus, bx, by, bw, bh, nullString(r.IssueReason),
	)
	if err != nil {
		return 0, fmt.Errorf("insert analysis result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("analysis result insert id: %w", err)
	}
	r.ID = id
	return id, nil
}

// ResultsForVideo loads the clip's analysis results without the bulky
// per-frame JSON columns.
func (s *Store) ResultsForVideo(ctx context.Context, videoID int64) ([]*AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT result_id, video_id, video_track_id, camera_id,
		       consensus_class, consensus_confidence, class_distribution,
		       total_frames, duration_seconds, direction_of_travel,
		       review_status, issue_reason
		FROM clip_analysis_results WHERE video_id = ? ORDER BY result_id`, videoID)
	if err != nil {
		return nil, fmt.Errorf("query analysis results for video %d: %w", videoID, err)
	}
	defer rows.Close()

	var out []*AnalysisResult
	for rows.Next() {
		r := &AnalysisResult{}
		var distJSON string
		var direction, issue sql.NullString
		if err := rows.Scan(
			&r.ID, &r.VideoID, &r.VideoTrackID, &r.CameraID,
			&r.ConsensusClass, &r.ConsensusConfidence, &distJSON,
			&r.TotalFrames, &r.DurationSeconds, &direction,
			&r.ReviewStatus, &issue,
		); err != nil {
			return nil, fmt.Errorf("scan analysis result: %w", err)
		}
		if err := json.Unmarshal([]byte(distJSON), &r.ClassDistribution); err != nil {
			return nil, fmt.Errorf("unmarshal class distribution for result %d: %w", r.ID, err)
		}
		r.DirectionOfTravel = direction.String
		r.IssueReason = issue.String
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectTrackSQL = `
	SELECT video_track_id, video_id, camera_id, tracker_track_id, class_name,
	       vehicle_subtype, subtype_source, first_seen_unix, last_seen_unix,
	       best_crop_path, avg_confidence,
	       avg_bbox_x, avg_bbox_y, avg_bbox_w, avg_bbox_h,
	       reid_embedding, path_data_json, status,
	       cross_camera_conflict, cross_camera_identity_id
	FROM video_tracks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrack(row rowScanner) (*VideoTrack, error) {
	t := &VideoTrack{}
	var subtype, source, crop, pathJSON sql.NullString
	var embedding []byte
	var status string
	var conflict int
	var identity sql.NullInt64

	err := row.Scan(
		&t.ID, &t.VideoID, &t.CameraID, &t.TrackerTrackID, &t.ClassName,
		&subtype, &source, &t.FirstSeenEpoch, &t.LastSeenEpoch,
		&crop, &t.AvgConfidence,
		&t.AvgBBox.X, &t.AvgBBox.Y, &t.AvgBBox.W, &t.AvgBBox.H,
		&embedding, &pathJSON, &status,
		&conflict, &identity,
	)
	if err != nil {
		return nil, err
	}
	t.VehicleSubtype = subtype.String
	t.SubtypeSource = source.String
	t.BestCropPath = crop.String
	t.ReIDEmbedding = decodeEmbedding(embedding)
	t.Status = Status(status)
	t.CrossCameraConflict = conflict != 0
	if identity.Valid {
		id := identity.Int64
		t.CrossCameraIdentityID = &id
	}
	if pathJSON.Valid && pathJSON.String != "" {
		if err := json.Unmarshal([]byte(pathJSON.String), &t.PathData); err != nil {
			return nil, fmt.Errorf("unmarshal path data for track %d: %w", t.ID, err)
		}
	}
	return t, nil
}

func collectTracks(rows *sql.Rows) ([]*VideoTrack, error) {
	defer rows.Close()
	var out []*VideoTrack
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video track: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) loadTrajectories(ctx context.Context, tracks []*VideoTrack) error {
	for _, t := range tracks {
		rows, err := s.db.QueryContext(ctx, `
			SELECT ts_unix, x, y, w, h, conf FROM video_track_points
			WHERE video_track_id = ? ORDER BY ts_unix`, t.ID)
		if err != nil {
			return fmt.Errorf("query trajectory for track %d: %w", t.ID, err)
		}
		t.Trajectory = t.Trajectory[:0]
		for rows.Next() {
			var p TrajectoryPoint
			if err := rows.Scan(&p.Timestamp, &p.X, &p.Y, &p.W, &p.H, &p.Conf); err != nil {
				rows.Close()
				return fmt.Errorf("scan trajectory point for track %d: %w", t.ID, err)
			}
			t.Trajectory = append(t.Trajectory, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("read trajectory for track %d: %w", t.ID, err)
		}
		rows.Close()
	}
	return nil
}

func marshalPathData(samples []PathSample) (interface{}, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(samples)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// encodeEmbedding packs an appearance vector as little-endian float32 bytes.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
