package predict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/geom"
)

// Store persists predictions, prediction groups and camera object tracks.
type Store struct {
	db *db.DB
}

// NewStore creates a prediction store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// InsertPrediction writes one prediction and fills in its id. Keyframe
// predictions must carry a positive-size bbox.
func (s *Store) InsertPrediction(ctx context.Context, p *Prediction) error {
	if p.Type == TypeKeyframe {
		if p.BBox == nil || p.BBox.W <= 0 || p.BBox.H <= 0 {
			return fmt.Errorf("keyframe prediction needs a positive-size bbox: %w", fault.ErrBadInput)
		}
	}
	tagsJSON, err := json.Marshal(orEmptyTags(p.PredictedTags))
	if err != nil {
		return fmt.Errorf("marshal predicted tags: %w", err)
	}
	var correctedJSON interface{}
	if p.CorrectedTags != nil {
		b, err := json.Marshal(p.CorrectedTags)
		if err != nil {
			return fmt.Errorf("marshal corrected tags: %w", err)
		}
		correctedJSON = string(b)
	}
	status := p.ReviewStatus
	if status == "" {
		status = StatusProcessing
	}

	var ts, start, end interface{}
	if p.Type == TypeKeyframe {
		ts = p.Timestamp
	} else {
		start, end = p.Start, p.End
	}
	var bx, by, bw, bh interface{}
	if p.BBox != nil {
		bx, by, bw, bh = p.BBox.X, p.BBox.Y, p.BBox.W, p.BBox.H
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (
			video_id, model_name, model_version, scenario, prediction_type,
			confidence, ts_unix, start_unix, end_unix,
			bbox_x, bbox_y, bbox_w, bbox_h,
			predicted_tags_json, corrected_tags_json, review_status,
			prediction_group_id, camera_object_track_id, parent_prediction_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.VideoID, p.ModelName, p.ModelVersion, p.Scenario, p.Type,
		p.Confidence, ts, start, end,
		bx, by, bw, bh,
		string(tagsJSON), correctedJSON, status,
		p.GroupID, p.TrackID, p.ParentID,
	)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("prediction insert id: %w", err)
	}
	p.ReviewStatus = status
	return nil
}

const selectPredictionSQL = `
	SELECT p.prediction_id, p.video_id, v.camera_id, p.model_name, p.model_version,
	       p.scenario, p.prediction_type, p.confidence,
	       p.ts_unix, p.start_unix, p.end_unix,
	       p.bbox_x, p.bbox_y, p.bbox_w, p.bbox_h,
	       p.predicted_tags_json, p.corrected_tags_json, p.review_status,
	       p.prediction_group_id, p.camera_object_track_id, p.parent_prediction_id
	FROM predictions p JOIN videos v ON v.video_id = p.video_id`

// GetPrediction loads one prediction.
func (s *Store) GetPrediction(ctx context.Context, id int64) (*Prediction, error) {
	p, err := scanPrediction(s.db.QueryRowContext(ctx, selectPredictionSQL+` WHERE p.prediction_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("prediction %d: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load prediction %d: %w", id, err)
	}
	return p, nil
}

// GetPredictions loads the named predictions, skipping unknown ids.
func (s *Store) GetPredictions(ctx context.Context, ids []int64) ([]*Prediction, error) {
	out := make([]*Prediction, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPrediction(ctx, id)
		if errors.Is(err, fault.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// UngroupedKeyframes loads the camera's keyframe predictions that no group
// has claimed yet.
func (s *Store) UngroupedKeyframes(ctx context.Context, cameraID string) ([]*Prediction, error) {
	rows, err := s.db.QueryContext(ctx, selectPredictionSQL+`
		WHERE v.camera_id = ? AND p.prediction_type = 'keyframe'
		  AND p.prediction_group_id IS NULL
		ORDER BY p.ts_unix`, cameraID)
	if err != nil {
		return nil, fmt.Errorf("query ungrouped keyframes for %s: %w", cameraID, err)
	}
	return collectPredictions(rows)
}

// UntrackedKeyframeIDs returns the ids of the camera's keyframe predictions
// that no camera object track has claimed yet, oldest first.
func (s *Store) UntrackedKeyframeIDs(ctx context.Context, cameraID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.prediction_id
		FROM predictions p JOIN videos v ON v.video_id = p.video_id
		WHERE v.camera_id = ? AND p.prediction_type = 'keyframe'
		  AND p.camera_object_track_id IS NULL
		ORDER BY p.ts_unix`, cameraID)
	if err != nil {
		return nil, fmt.Errorf("query untracked keyframes for %s: %w", cameraID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan untracked keyframe id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MembersOfGroup loads a group's predictions.
func (s *Store) MembersOfGroup(ctx context.Context, groupID int64) ([]*Prediction, error) {
	rows, err := s.db.QueryContext(ctx, selectPredictionSQL+`
		WHERE p.prediction_group_id = ? ORDER BY p.ts_unix`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query members of group %d: %w", groupID, err)
	}
	return collectPredictions(rows)
}

// MembersOfTrack loads a camera object track's predictions.
func (s *Store) MembersOfTrack(ctx context.Context, trackID int64) ([]*Prediction, error) {
	rows, err := s.db.QueryContext(ctx, selectPredictionSQL+`
		WHERE p.camera_object_track_id = ? ORDER BY p.ts_unix`, trackID)
	if err != nil {
		return nil, fmt.Errorf("query members of track %d: %w", trackID, err)
	}
	return collectPredictions(rows)
}

// AssignToGroup attaches a prediction to a group.
func (s *Store) AssignToGroup(ctx context.Context, predictionID, groupID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE predictions SET prediction_group_id = ? WHERE prediction_id = ?`,
		groupID, predictionID)
	if err != nil {
		return fmt.Errorf("assign prediction %d to group %d: %w", predictionID, groupID, err)
	}
	return nil
}

// AssignToTrack attaches a prediction to a camera object track, optionally
// rewriting its review status when the track's anchor already decided.
func (s *Store) AssignToTrack(ctx context.Context, predictionID, trackID int64, newStatus string) error {
	var err error
	if newStatus != "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE predictions SET camera_object_track_id = ?, review_status = ? WHERE prediction_id = ?`,
			trackID, newStatus, predictionID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE predictions SET camera_object_track_id = ? WHERE prediction_id = ?`,
			trackID, predictionID)
	}
	if err != nil {
		return fmt.Errorf("assign prediction %d to track %d: %w", predictionID, trackID, err)
	}
	return nil
}

// SetReviewStatus rewrites one prediction's review status.
func (s *Store) SetReviewStatus(ctx context.Context, predictionID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE predictions SET review_status = ? WHERE prediction_id = ?`, status, predictionID)
	if err != nil {
		return fmt.Errorf("set review status of prediction %d: %w", predictionID, err)
	}
	return nil
}

// SetCorrectedTags rewrites a prediction's corrected tags.
func (s *Store) SetCorrectedTags(ctx context.Context, predictionID int64, tags map[string]string) error {
	b, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal corrected tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE predictions SET corrected_tags_json = ? WHERE prediction_id = ?`, string(b), predictionID)
	if err != nil {
		return fmt.Errorf("set corrected tags of prediction %d: %w", predictionID, err)
	}
	return nil
}

// InsertGroup creates an empty group and fills in its id.
func (s *Store) InsertGroup(ctx context.Context, g *Group) error {
	status := g.ReviewStatus
	if status == "" {
		status = StatusPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO prediction_groups (camera_id, scenario, review_status)
		VALUES (?, ?, ?)`, g.CameraID, g.Scenario, status)
	if err != nil {
		return fmt.Errorf("insert prediction group: %w", err)
	}
	g.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("group insert id: %w", err)
	}
	g.ReviewStatus = status
	return nil
}

// GroupsForCamera loads all groups for one camera and scenario.
func (s *Store) GroupsForCamera(ctx context.Context, cameraID, scenario string) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, camera_id, scenario, representative_prediction_id,
		       centroid_x, centroid_y,
		       avg_bbox_x, avg_bbox_y, avg_bbox_w, avg_bbox_h,
		       member_count, min_confidence, max_confidence, avg_confidence,
		       min_ts_unix, max_ts_unix, review_status
		FROM prediction_groups
		WHERE camera_id = ? AND scenario = ?
		ORDER BY group_id`, cameraID, scenario)
	if err != nil {
		return nil, fmt.Errorf("query groups for %s/%s: %w", cameraID, scenario, err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		g := &Group{}
		var rep sql.NullInt64
		if err := rows.Scan(
			&g.ID, &g.CameraID, &g.Scenario, &rep,
			&g.CentroidX, &g.CentroidY,
			&g.AvgBBox.X, &g.AvgBBox.Y, &g.AvgBBox.W, &g.AvgBBox.H,
			&g.MemberCount, &g.MinConfidence, &g.MaxConfidence, &g.AvgConfidence,
			&g.MinTimestamp, &g.MaxTimestamp, &g.ReviewStatus,
		); err != nil {
			return nil, fmt.Errorf("scan prediction group: %w", err)
		}
		if rep.Valid {
			id := rep.Int64
			g.RepresentativeID = &id
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGroupAggregates writes a group's recomputed aggregate columns.
func (s *Store) UpdateGroupAggregates(ctx context.Context, g *Group) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prediction_groups SET
			representative_prediction_id = ?,
			centroid_x = ?, centroid_y = ?,
			avg_bbox_x = ?, avg_bbox_y = ?, avg_bbox_w = ?, avg_bbox_h = ?,
			member_count = ?,
			min_confidence = ?, max_confidence = ?, avg_confidence = ?,
			min_ts_unix = ?, max_ts_unix = ?
		WHERE group_id = ?`,
		g.RepresentativeID,
		g.CentroidX, g.CentroidY,
		g.AvgBBox.X, g.AvgBBox.Y, g.AvgBBox.W, g.AvgBBox.H,
		g.MemberCount,
		g.MinConfidence, g.MaxConfidence, g.AvgConfidence,
		g.MinTimestamp, g.MaxTimestamp,
		g.ID,
	)
	if err != nil {
		return fmt.Errorf("update group %d aggregates: %w", g.ID, err)
	}
	return nil
}

// InsertTrack creates a camera object track and fills in its id.
func (s *Store) InsertTrack(ctx context.Context, t *CameraObjectTrack) error {
	status := t.AnchorStatus
	if status == "" {
		status = AnchorPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO camera_object_tracks (camera_id, scenario, anchor_status)
		VALUES (?, ?, ?)`, t.CameraID, t.Scenario, status)
	if err != nil {
		return fmt.Errorf("insert camera object track: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("camera object track insert id: %w", err)
	}
	t.AnchorStatus = status
	return nil
}

const selectTrackSQL = `
	SELECT track_id, camera_id, scenario, member_count,
	       centroid_x, centroid_y,
	       avg_bbox_x, avg_bbox_y, avg_bbox_w, avg_bbox_h,
	       anchor_status, vehicle_subtype, actual_class, classified_by,
	       cross_camera_conflict, first_seen_unix, last_seen_unix,
	       cross_camera_identity_id
	FROM camera_object_tracks`

// GetTrack loads one camera object track.
func (s *Store) GetTrack(ctx context.Context, id int64) (*CameraObjectTrack, error) {
	t, err := scanCameraTrack(s.db.QueryRowContext(ctx, selectTrackSQL+` WHERE track_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("camera object track %d: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load camera object track %d: %w", id, err)
	}
	return t, nil
}

// TracksForCamera loads all camera object tracks for one camera/scenario.
func (s *Store) TracksForCamera(ctx context.Context, cameraID, scenario string) ([]*CameraObjectTrack, error) {
	rows, err := s.db.QueryContext(ctx, selectTrackSQL+`
		WHERE camera_id = ? AND scenario = ? ORDER BY track_id`, cameraID, scenario)
	if err != nil {
		return nil, fmt.Errorf("query camera object tracks for %s/%s: %w", cameraID, scenario, err)
	}
	defer rows.Close()

	var out []*CameraObjectTrack
	for rows.Next() {
		t, err := scanCameraTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan camera object track: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AllTracksForCamera loads every track on the camera across scenarios.
func (s *Store) AllTracksForCamera(ctx context.Context, cameraID string) ([]*CameraObjectTrack, error) {
	rows, err := s.db.QueryContext(ctx, selectTrackSQL+`
		WHERE camera_id = ? ORDER BY track_id`, cameraID)
	if err != nil {
		return nil, fmt.Errorf("query camera object tracks for %s: %w", cameraID, err)
	}
	defer rows.Close()

	var out []*CameraObjectTrack
	for rows.Next() {
		t, err := scanCameraTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan camera object track: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTrackAggregates writes a track's recomputed aggregate columns.
func (s *Store) UpdateTrackAggregates(ctx context.Context, t *CameraObjectTrack) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE camera_object_tracks SET
			member_count = ?,
			centroid_x = ?, centroid_y = ?,
			avg_bbox_x = ?, avg_bbox_y = ?, avg_bbox_w = ?, avg_bbox_h = ?,
			first_seen_unix = ?, last_seen_unix = ?
		WHERE track_id = ?`,
		t.MemberCount,
		t.CentroidX, t.CentroidY,
		t.AvgBBox.X, t.AvgBBox.Y, t.AvgBBox.W, t.AvgBBox.H,
		t.FirstSeen, t.LastSeen,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update track %d aggregates: %w", t.ID, err)
	}
	return nil
}

// SetAnchor writes the track's anchor decision and classification.
func (s *Store) SetAnchor(ctx context.Context, trackID int64, status, subtype, actualClass, classifiedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE camera_object_tracks SET
			anchor_status = ?, vehicle_subtype = ?, actual_class = ?, classified_by = ?
		WHERE track_id = ?`,
		status, nullable(subtype), nullable(actualClass), nullable(classifiedBy), trackID)
	if err != nil {
		return fmt.Errorf("set anchor of track %d: %w", trackID, err)
	}
	return nil
}

// SetAnchorStatus rewrites only the anchor status.
func (s *Store) SetAnchorStatus(ctx context.Context, trackID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE camera_object_tracks SET anchor_status = ? WHERE track_id = ?`, status, trackID)
	if err != nil {
		return fmt.Errorf("set anchor status of track %d: %w", trackID, err)
	}
	return nil
}

func scanPrediction(row interface{ Scan(...interface{}) error }) (*Prediction, error) {
	p := &Prediction{}
	var ts, start, end, bx, by, bw, bh sql.NullFloat64
	var tagsJSON string
	var correctedJSON sql.NullString
	var groupID, trackID, parentID sql.NullInt64

	err := row.Scan(
		&p.ID, &p.VideoID, &p.CameraID, &p.ModelName, &p.ModelVersion,
		&p.Scenario, &p.Type, &p.Confidence,
		&ts, &start, &end,
		&bx, &by, &bw, &bh,
		&tagsJSON, &correctedJSON, &p.ReviewStatus,
		&groupID, &trackID, &parentID,
	)
	if err != nil {
		return nil, err
	}
	p.Timestamp = ts.Float64
	p.Start, p.End = start.Float64, end.Float64
	if bw.Valid && bh.Valid {
		p.BBox = &geom.BBox{X: bx.Float64, Y: by.Float64, W: bw.Float64, H: bh.Float64}
	}
	if err := json.Unmarshal([]byte(tagsJSON), &p.PredictedTags); err != nil {
		return nil, fmt.Errorf("unmarshal predicted tags for prediction %d: %w", p.ID, err)
	}
	if correctedJSON.Valid {
		if err := json.Unmarshal([]byte(correctedJSON.String), &p.CorrectedTags); err != nil {
			return nil, fmt.Errorf("unmarshal corrected tags for prediction %d: %w", p.ID, err)
		}
	}
	p.GroupID = nullableInt(groupID)
	p.TrackID = nullableInt(trackID)
	p.ParentID = nullableInt(parentID)
	return p, nil
}

func scanCameraTrack(row interface{ Scan(...interface{}) error }) (*CameraObjectTrack, error) {
	t := &CameraObjectTrack{}
	var subtype, actual, classifiedBy sql.NullString
	var conflict int
	var identity sql.NullInt64
	err := row.Scan(
		&t.ID, &t.CameraID, &t.Scenario, &t.MemberCount,
		&t.CentroidX, &t.CentroidY,
		&t.AvgBBox.X, &t.AvgBBox.Y, &t.AvgBBox.W, &t.AvgBBox.H,
		&t.AnchorStatus, &subtype, &actual, &classifiedBy,
		&conflict, &t.FirstSeen, &t.LastSeen,
		&identity,
	)
	if err != nil {
		return nil, err
	}
	t.VehicleSubtype = subtype.String
	t.ActualClass = actual.String
	t.ClassifiedBy = classifiedBy.String
	t.CrossCameraConflict = conflict != 0
	t.CrossCameraIdentityID = nullableInt(identity)
	return t, nil
}

func collectPredictions(rows *sql.Rows) ([]*Prediction, error) {
	defer rows.Close()
	var out []*Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func orEmptyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}
