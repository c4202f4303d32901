package match

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
)

// PropagationSource marks subtype labels written by cross-camera
// propagation, as opposed to consensus or a human.
const PropagationSource = "cross_camera_propagation"

// machineSources are subtype origins that never count as human-assigned.
var machineSources = map[string]bool{
	"":                true,
	PropagationSource: true,
	"consensus":       true,
}

// PropagationStats summarizes one propagation pass.
type PropagationStats struct {
	Identities int
	Written    int
	Conflicts  int
}

// Propagator spreads the majority vehicle subtype across each cross-camera
// identity. Votes are weighted by how much evidence backs each track; a
// human-assigned subtype that loses the vote is flagged as a conflict rather
// than overwritten.
type Propagator struct {
	db   *db.DB
	logf func(format string, v ...interface{})
}

// NewPropagator creates a propagator.
func NewPropagator(database *db.DB) *Propagator {
	return &Propagator{db: database, logf: monitoring.Component("Propagate")}
}

type identityMember struct {
	trackID    int64
	subtype    string
	source     string
	weight     float64
	confidence float64
}

// Propagate votes and writes subtypes for every identity of the source
// type. Machine-assigned subtypes that disagree with the majority are left
// in place; only missing subtypes are filled in.
func (p *Propagator) Propagate(ctx context.Context, sourceType string) (PropagationStats, error) {
	byIdentity, err := p.loadMembers(ctx, sourceType)
	if err != nil {
		return PropagationStats{}, err
	}

	stats := PropagationStats{Identities: len(byIdentity)}
	for _, members := range byIdentity {
		majority := voteSubtype(members)
		if majority == "" {
			continue
		}
		for _, m := range members {
			switch {
			case m.subtype == majority:
			case m.subtype == "":
				if err := p.writeSubtype(ctx, sourceType, m.trackID, majority); err != nil {
					return stats, err
				}
				stats.Written++
			case !machineSources[m.source]:
				if err := p.flagConflict(ctx, sourceType, m.trackID); err != nil {
					return stats, err
				}
				stats.Conflicts++
			}
		}
	}
	if stats.Written > 0 || stats.Conflicts > 0 {
		p.logf("%s: %d subtypes written, %d conflicts across %d identities",
			sourceType, stats.Written, stats.Conflicts, stats.Identities)
	}
	return stats, nil
}

// voteSubtype returns the subtype with the highest total weight among
// members that have one; ties break toward the higher total confidence,
// then lexicographically for determinism. Empty when nobody votes.
func voteSubtype(members []identityMember) string {
	weight := make(map[string]float64)
	conf := make(map[string]float64)
	for _, m := range members {
		if m.subtype == "" {
			continue
		}
		weight[m.subtype] += m.weight
		conf[m.subtype] += m.confidence
	}
	best := ""
	for subtype := range weight {
		if best == "" {
			best = subtype
			continue
		}
		switch {
		case weight[subtype] > weight[best]:
			best = subtype
		case weight[subtype] == weight[best] && conf[subtype] > conf[best]:
			best = subtype
		case weight[subtype] == weight[best] && conf[subtype] == conf[best] && subtype < best:
			best = subtype
		}
	}
	return best
}

func (p *Propagator) loadMembers(ctx context.Context, sourceType string) (map[int64][]identityMember, error) {
	var q string
	switch sourceType {
	case SourceVideoTrack:
		// Trajectory length is the video-track analog of member count.
		q = `
			SELECT t.video_track_id, t.cross_camera_identity_id,
			       COALESCE(t.vehicle_subtype, ''), COALESCE(t.subtype_source, ''),
			       (SELECT COUNT(*) FROM video_track_points p
			        WHERE p.video_track_id = t.video_track_id),
			       t.avg_confidence
			FROM video_tracks t
			WHERE t.cross_camera_identity_id IS NOT NULL`
	case SourceCameraObject:
		q = `
			SELECT t.track_id, t.cross_camera_identity_id,
			       COALESCE(t.vehicle_subtype, ''), COALESCE(t.classified_by, ''),
			       t.member_count,
			       (SELECT COALESCE(SUM(confidence), 0) FROM predictions pr
			        WHERE pr.camera_object_track_id = t.track_id)
			FROM camera_object_tracks t
			WHERE t.cross_camera_identity_id IS NOT NULL`
	default:
		return nil, fmt.Errorf("unknown source track type %q", sourceType)
	}

	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query identity members: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]identityMember)
	for rows.Next() {
		var m identityMember
		var identity sql.NullInt64
		if err := rows.Scan(&m.trackID, &identity, &m.subtype, &m.source, &m.weight, &m.confidence); err != nil {
			return nil, fmt.Errorf("scan identity member: %w", err)
		}
		if m.weight <= 0 {
			m.weight = 1
		}
		out[identity.Int64] = append(out[identity.Int64], m)
	}
	return out, rows.Err()
}

func (p *Propagator) writeSubtype(ctx context.Context, sourceType string, trackID int64, subtype string) error {
	var q string
	switch sourceType {
	case SourceVideoTrack:
		q = `UPDATE video_tracks SET vehicle_subtype = ?, subtype_source = ? WHERE video_track_id = ?`
	case SourceCameraObject:
		q = `UPDATE camera_object_tracks SET vehicle_subtype = ?, classified_by = ? WHERE track_id = ?`
	}
	if _, err := p.db.ExecContext(ctx, q, subtype, PropagationSource, trackID); err != nil {
		return fmt.Errorf("propagate subtype to track %d: %w", trackID, err)
	}
	return nil
}

func (p *Propagator) flagConflict(ctx context.Context, sourceType string, trackID int64) error {
	var q string
	switch sourceType {
	case SourceVideoTrack:
		q = `UPDATE video_tracks SET cross_camera_conflict = 1 WHERE video_track_id = ?`
	case SourceCameraObject:
		q = `UPDATE camera_object_tracks SET cross_camera_conflict = 1 WHERE track_id = ?`
	}
	if _, err := p.db.ExecContext(ctx, q, trackID); err != nil {
		return fmt.Errorf("flag subtype conflict on track %d: %w", trackID, err)
	}
	return nil
}
