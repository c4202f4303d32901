package match

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
)

// Link statuses. auto links come from matchers; confirmed and rejected only
// from humans, and matchers never overwrite them.
const (
	LinkAuto          = "auto"
	LinkAutoConfirmed = "auto_confirmed"
	LinkConfirmed     = "confirmed"
	LinkRejected      = "rejected"
)

// Link source track types.
const (
	SourceVideoTrack   = "video_track"
	SourceCameraObject = "camera_object"
)

// Match methods recorded on links.
const (
	MethodCrossingLine = "crossing_line"
	MethodDirection    = "direction"
	MethodSimilarity   = "reid_temporal"
)

// Link is one scored association between two tracks on different cameras.
// TrackA is always the smaller id.
type Link struct {
	ID              int64
	TrackA          int64
	TrackB          int64
	EntityType      string
	Confidence      float64
	Method          string
	ReIDSimilarity  *float64
	TemporalGapSec  float64
	ClassMatch      *bool
	LaneDistance    *float64
	CrossingLineID  *int64
	Status          string
	SourceType      string
	RejectionReason string
}

// LinkStore persists cross-camera links.
type LinkStore struct {
	db *db.DB
}

// NewLinkStore creates a link store.
func NewLinkStore(database *db.DB) *LinkStore {
	return &LinkStore{db: database}
}

// Upsert writes the link, ordering the pair, and refreshes the score fields
// when the pair already exists. Human statuses (confirmed, rejected) survive
// re-matching untouched.
func (s *LinkStore) Upsert(ctx context.Context, l *Link) error {
	l.TrackA, l.TrackB = orderPair(l.TrackA, l.TrackB)
	if l.TrackA == l.TrackB {
		return fmt.Errorf("link joins track %d to itself: %w", l.TrackA, fault.ErrBadInput)
	}
	if l.EntityType == "" {
		l.EntityType = "vehicle"
	}
	if l.Status == "" {
		l.Status = LinkAuto
	}
	if l.SourceType == "" {
		l.SourceType = SourceVideoTrack
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cross_camera_links (
			track_a_id, track_b_id, entity_type, match_confidence, match_method,
			reid_similarity, temporal_gap_seconds, classification_match,
			lane_distance, crossing_line_id, status, source_track_type
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (track_a_id, track_b_id, source_track_type) DO UPDATE SET
			match_confidence = excluded.match_confidence,
			match_method = excluded.match_method,
			reid_similarity = excluded.reid_similarity,
			temporal_gap_seconds = excluded.temporal_gap_seconds,
			classification_match = excluded.classification_match,
			lane_distance = excluded.lane_distance,
			crossing_line_id = excluded.crossing_line_id,
			status = excluded.status
		WHERE cross_camera_links.status IN ('auto', 'auto_confirmed')`,
		l.TrackA, l.TrackB, l.EntityType, l.Confidence, l.Method,
		l.ReIDSimilarity, l.TemporalGapSec, nullBool(l.ClassMatch),
		l.LaneDistance, l.CrossingLineID, l.Status, l.SourceType,
	)
	if err != nil {
		return fmt.Errorf("upsert link %d-%d: %w", l.TrackA, l.TrackB, err)
	}
	return nil
}

const selectLinkSQL = `
	SELECT link_id, track_a_id, track_b_id, entity_type, match_confidence,
	       match_method, reid_similarity, temporal_gap_seconds,
	       classification_match, lane_distance, crossing_line_id, status,
	       source_track_type, rejection_reason
	FROM cross_camera_links`

// Get loads one link.
func (s *LinkStore) Get(ctx context.Context, id int64) (*Link, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx, selectLinkSQL+` WHERE link_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("link %d: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load link %d: %w", id, err)
	}
	return l, nil
}

// GetPair loads the link for a track pair in either order.
func (s *LinkStore) GetPair(ctx context.Context, trackA, trackB int64, sourceType string) (*Link, error) {
	a, b := orderPair(trackA, trackB)
	l, err := scanLink(s.db.QueryRowContext(ctx,
		selectLinkSQL+` WHERE track_a_id = ? AND track_b_id = ? AND source_track_type = ?`, a, b, sourceType))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("link %d-%d: %w", a, b, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load link %d-%d: %w", a, b, err)
	}
	return l, nil
}

// SetStatus updates a link's review status. Identity resolution must rerun
// after any status change; callers own that.
func (s *LinkStore) SetStatus(ctx context.Context, id int64, status, reason string) error {
	switch status {
	case LinkAuto, LinkAutoConfirmed, LinkConfirmed, LinkRejected:
	default:
		return fmt.Errorf("link status %q: %w", status, fault.ErrBadInput)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cross_camera_links SET status = ?, rejection_reason = ? WHERE link_id = ?`,
		status, nullableStr(reason), id)
	if err != nil {
		return fmt.Errorf("set link %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link %d: %w", id, fault.ErrNotFound)
	}
	return nil
}

// NonRejected returns every link of the source type still in play for
// identity resolution.
func (s *LinkStore) NonRejected(ctx context.Context, sourceType string) ([]*Link, error) {
	return s.query(ctx, selectLinkSQL+
		` WHERE source_track_type = ? AND status != 'rejected' ORDER BY link_id`, sourceType)
}

// ForTrack returns every link touching the track.
func (s *LinkStore) ForTrack(ctx context.Context, trackID int64, sourceType string) ([]*Link, error) {
	return s.query(ctx, selectLinkSQL+
		` WHERE source_track_type = ? AND (track_a_id = ? OR track_b_id = ?) ORDER BY link_id`,
		sourceType, trackID, trackID)
}

// LinkedPairs returns the set of pairs already holding a non-rejected link;
// the similarity matcher uses it to skip pairs the crossing matcher settled,
// and the direction matcher to skip confirmed pairs.
func (s *LinkStore) LinkedPairs(ctx context.Context, sourceType string, statuses ...string) (map[[2]int64]bool, error) {
	q := selectLinkSQL + ` WHERE source_track_type = ?`
	args := []interface{}{sourceType}
	if len(statuses) > 0 {
		q += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	} else {
		q += ` AND status != 'rejected'`
	}
	links, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := make(map[[2]int64]bool, len(links))
	for _, l := range links {
		out[[2]int64{l.TrackA, l.TrackB}] = true
	}
	return out, nil
}

// PairsByMethod returns the set of pairs holding a non-rejected link made by
// the given matcher method.
func (s *LinkStore) PairsByMethod(ctx context.Context, sourceType, method string) (map[[2]int64]bool, error) {
	links, err := s.query(ctx, selectLinkSQL+
		` WHERE source_track_type = ? AND match_method = ? AND status != 'rejected'`, sourceType, method)
	if err != nil {
		return nil, err
	}
	out := make(map[[2]int64]bool, len(links))
	for _, l := range links {
		out[[2]int64{l.TrackA, l.TrackB}] = true
	}
	return out, nil
}

// ConfirmedTransitSamples joins confirmed video-track links back to their
// tracks and returns the observed camera-to-camera gaps, ready for topology
// learning.
func (s *LinkStore) ConfirmedTransitSamples(ctx context.Context) ([]camera.TransitSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ta.camera_id, tb.camera_id, tb.first_seen_unix - ta.last_seen_unix
		FROM cross_camera_links l
		JOIN video_tracks ta ON ta.video_track_id = l.track_a_id
		JOIN video_tracks tb ON tb.video_track_id = l.track_b_id
		WHERE l.source_track_type = 'video_track'
		  AND l.status IN ('confirmed', 'auto_confirmed')
		  AND ta.camera_id != tb.camera_id`)
	if err != nil {
		return nil, fmt.Errorf("query confirmed transit samples: %w", err)
	}
	defer rows.Close()

	var out []camera.TransitSample
	for rows.Next() {
		var sm camera.TransitSample
		if err := rows.Scan(&sm.CameraA, &sm.CameraB, &sm.GapSeconds); err != nil {
			return nil, fmt.Errorf("scan transit sample: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *LinkStore) query(ctx context.Context, q string, args ...interface{}) ([]*Link, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var out []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLink(row interface{ Scan(...interface{}) error }) (*Link, error) {
	l := &Link{}
	var reid, lane sql.NullFloat64
	var clsMatch, lineID sql.NullInt64
	var reason sql.NullString
	err := row.Scan(
		&l.ID, &l.TrackA, &l.TrackB, &l.EntityType, &l.Confidence,
		&l.Method, &reid, &l.TemporalGapSec,
		&clsMatch, &lane, &lineID, &l.Status,
		&l.SourceType, &reason,
	)
	if err != nil {
		return nil, err
	}
	if reid.Valid {
		v := reid.Float64
		l.ReIDSimilarity = &v
	}
	if clsMatch.Valid {
		v := clsMatch.Int64 != 0
		l.ClassMatch = &v
	}
	if lane.Valid {
		v := lane.Float64
		l.LaneDistance = &v
	}
	if lineID.Valid {
		v := lineID.Int64
		l.CrossingLineID = &v
	}
	l.RejectionReason = reason.String
	return l, nil
}

func nullBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func nullableStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
