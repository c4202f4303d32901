package predict

import (
	"context"
	"fmt"
	"math"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/geom"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
)

// Camera object tracks span many clips, so the temporal horizon is far
// wider than the grouper's.
const trackTimeSlackSec = 600.0

// PropagateReport summarises one propagation pass.
type PropagateReport struct {
	TracksVisited  int
	MembersUpdated int
	Conflicts      int
	DryRun         bool
}

// TrackBuilder promotes prediction groups to camera object tracks, attaches
// new predictions to tracks with anchor-decision inheritance, and propagates
// reviewed anchor decisions to members.
type TrackBuilder struct {
	store *Store
	logf  func(format string, v ...interface{})
}

// NewTrackBuilder creates a track builder over the store.
func NewTrackBuilder(store *Store) *TrackBuilder {
	return &TrackBuilder{store: store, logf: monitoring.Component("TrackBuilder")}
}

// MatchNewPredictions attaches the given predictions to existing camera
// object tracks, creating tracks where nothing matches. When a track's
// anchor is already approved or rejected, the new member immediately
// inherits the decision as auto_approved / auto_rejected.
func (b *TrackBuilder) MatchNewPredictions(ctx context.Context, ids []int64) error {
	preds, err := b.store.GetPredictions(ctx, ids)
	if err != nil {
		return err
	}

	touched := make(map[int64]*CameraObjectTrack)
	tracksByKey := make(map[string][]*CameraObjectTrack)
	for _, p := range preds {
		if p.Type != TypeKeyframe || p.BBox == nil {
			continue
		}
		key := p.CameraID + "\x00" + p.Scenario
		tracks, ok := tracksByKey[key]
		if !ok {
			tracks, err = b.store.TracksForCamera(ctx, p.CameraID, p.Scenario)
			if err != nil {
				return err
			}
			tracksByKey[key] = tracks
		}

		t := bestTrackFor(p, tracks)
		if t == nil {
			t = &CameraObjectTrack{CameraID: p.CameraID, Scenario: p.Scenario}
			if err := b.store.InsertTrack(ctx, t); err != nil {
				return err
			}
			tracksByKey[key] = append(tracksByKey[key], t)
		}

		if err := b.store.AssignToTrack(ctx, p.ID, t.ID, inheritedStatus(t.AnchorStatus)); err != nil {
			return err
		}
		absorbIntoTrack(t, p)
		touched[t.ID] = t
	}

	for _, t := range touched {
		if err := b.RecomputeTrack(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// bestTrackFor applies the grouping rule (centroid within one average bbox
// diagonal, compatible area, temporal horizon) against camera object tracks.
func bestTrackFor(p *Prediction, tracks []*CameraObjectTrack) *CameraObjectTrack {
	cx, cy := p.BBox.Center()

	var best *CameraObjectTrack
	bestDist := math.Inf(1)
	for _, t := range tracks {
		if t.MemberCount == 0 {
			continue
		}
		dist := math.Hypot(cx-t.CentroidX, cy-t.CentroidY)
		if dist > t.AvgBBox.Diagonal() {
			continue
		}
		if !areaCompatible(p.BBox.Area(), t.AvgBBox.Area()) {
			continue
		}
		if p.Timestamp < t.FirstSeen-trackTimeSlackSec || p.Timestamp > t.LastSeen+trackTimeSlackSec {
			continue
		}
		if dist < bestDist {
			best, bestDist = t, dist
		}
	}
	return best
}

func absorbIntoTrack(t *CameraObjectTrack, p *Prediction) {
	cx, cy := p.BBox.Center()
	n := float64(t.MemberCount)
	t.CentroidX = (t.CentroidX*n + cx) / (n + 1)
	t.CentroidY = (t.CentroidY*n + cy) / (n + 1)
	t.AvgBBox = geom.BBox{
		X: (t.AvgBBox.X*n + p.BBox.X) / (n + 1),
		Y: (t.AvgBBox.Y*n + p.BBox.Y) / (n + 1),
		W: (t.AvgBBox.W*n + p.BBox.W) / (n + 1),
		H: (t.AvgBBox.H*n + p.BBox.H) / (n + 1),
	}
	if t.MemberCount == 0 {
		t.FirstSeen, t.LastSeen = p.Timestamp, p.Timestamp
	} else {
		t.FirstSeen = math.Min(t.FirstSeen, p.Timestamp)
		t.LastSeen = math.Max(t.LastSeen, p.Timestamp)
	}
	t.MemberCount++
}

// RecomputeTrack rebuilds a track's aggregates from its members.
func (b *TrackBuilder) RecomputeTrack(ctx context.Context, t *CameraObjectTrack) error {
	members, err := b.store.MembersOfTrack(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		t.MemberCount = 0
		return b.store.UpdateTrackAggregates(ctx, t)
	}

	var sumCX, sumCY float64
	boxes := make([]geom.BBox, 0, len(members))
	t.FirstSeen, t.LastSeen = math.Inf(1), math.Inf(-1)
	for _, m := range members {
		cx, cy := m.BBox.Center()
		sumCX += cx
		sumCY += cy
		boxes = append(boxes, *m.BBox)
		t.FirstSeen = math.Min(t.FirstSeen, m.Timestamp)
		t.LastSeen = math.Max(t.LastSeen, m.Timestamp)
	}
	n := float64(len(members))
	t.MemberCount = len(members)
	t.CentroidX = sumCX / n
	t.CentroidY = sumCY / n
	t.AvgBBox = geom.MeanBBox(boxes)

	if err := b.store.UpdateTrackAggregates(ctx, t); err != nil {
		return fmt.Errorf("recompute track %d: %w", t.ID, err)
	}
	return nil
}

// PropagateDecisions applies every reviewed anchor decision on the camera to
// members still pending. Tracks whose members carry contradictory human
// reviews are marked conflict and skipped; an operator resolves those via
// ResolveConflict. With dryRun set, nothing is written and the report says
// what would happen.
func (b *TrackBuilder) PropagateDecisions(ctx context.Context, cameraID string, dryRun bool) (PropagateReport, error) {
	report := PropagateReport{DryRun: dryRun}

	tracks, err := b.store.AllTracksForCamera(ctx, cameraID)
	if err != nil {
		return report, err
	}
	for _, t := range tracks {
		if !t.AnchorReviewed() {
			continue
		}
		report.TracksVisited++

		members, err := b.store.MembersOfTrack(ctx, t.ID)
		if err != nil {
			return report, err
		}

		if contradictoryReviews(members) {
			report.Conflicts++
			if !dryRun {
				if err := b.store.SetAnchorStatus(ctx, t.ID, AnchorConflict); err != nil {
					return report, err
				}
				b.logf("track %d on %s marked conflict", t.ID, cameraID)
			}
			continue
		}

		target := inheritedStatus(t.AnchorStatus)
		for _, m := range members {
			if m.ReviewStatus != StatusPending && m.ReviewStatus != StatusProcessing {
				continue
			}
			report.MembersUpdated++
			if dryRun {
				continue
			}
			if err := b.store.SetReviewStatus(ctx, m.ID, target); err != nil {
				return report, err
			}
		}
	}
	if !dryRun && report.MembersUpdated+report.Conflicts > 0 {
		b.logf("%s: %d members updated, %d conflicts across %d reviewed tracks",
			cameraID, report.MembersUpdated, report.Conflicts, report.TracksVisited)
	}
	return report, nil
}

// contradictoryReviews reports whether human reviewers disagreed among the
// track's members. Auto decisions never count as contradiction.
func contradictoryReviews(members []*Prediction) bool {
	approved, rejected := false, false
	for _, m := range members {
		switch m.ReviewStatus {
		case StatusApproved:
			approved = true
		case StatusRejected:
			rejected = true
		}
	}
	return approved && rejected
}

// ResolveConflict is the operator override: it sets the track's anchor to
// the chosen decision and rewrites every member prediction to the matching
// outcome, regardless of prior state.
func (b *TrackBuilder) ResolveConflict(ctx context.Context, trackID int64, decision, subtype, actualClass string) error {
	if decision != AnchorApproved && decision != AnchorRejected {
		return fmt.Errorf("conflict resolution decision must be approved or rejected, got %q: %w", decision, fault.ErrBadInput)
	}
	t, err := b.store.GetTrack(ctx, trackID)
	if err != nil {
		return err
	}
	if err := b.store.SetAnchor(ctx, trackID, decision, subtype, actualClass, "operator"); err != nil {
		return err
	}

	target := inheritedStatus(decision)
	members, err := b.store.MembersOfTrack(ctx, trackID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := b.store.SetReviewStatus(ctx, m.ID, target); err != nil {
			return err
		}
		if subtype != "" || actualClass != "" {
			tags := map[string]string{}
			if subtype != "" {
				tags["vehicle_subtype"] = subtype
			}
			if actualClass != "" {
				tags["class"] = actualClass
			}
			if err := b.store.SetCorrectedTags(ctx, m.ID, tags); err != nil {
				return err
			}
		}
	}
	b.logf("track %d resolved %s (%d members), was %s", trackID, decision, len(members), t.AnchorStatus)
	return nil
}
