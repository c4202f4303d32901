package predict

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/fieldvision-data/crosscam.report/internal/geom"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
)

// Grouping tolerances. A prediction joins a group when its centroid is
// within one group-average bbox diagonal, its bbox area is within the ratio
// band, and its timestamp overlaps or abuts the group window.
const (
	groupAreaRatioMin = 0.5
	groupTimeSlackSec = 30.0
)

// Grouper clusters a camera's keyframe predictions into prediction groups.
// Grouping for one (camera, scenario) is serialized; concurrent batches for
// different scenarios or cameras proceed independently.
type Grouper struct {
	store *Store
	logf  func(format string, v ...interface{})

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGrouper creates a grouper over the store.
func NewGrouper(store *Store) *Grouper {
	return &Grouper{
		store: store,
		logf:  monitoring.Component("Grouper"),
		locks: make(map[string]*sync.Mutex),
	}
}

func (g *Grouper) lock(cameraID, scenario string) func() {
	key := cameraID + "\x00" + scenario
	g.mu.Lock()
	m, ok := g.locks[key]
	if !ok {
		m = &sync.Mutex{}
		g.locks[key] = m
	}
	g.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// GroupCamera assigns every ungrouped keyframe prediction on the camera to
// an existing or new group, then recomputes aggregates for every group that
// changed. Returns the number of predictions assigned.
func (g *Grouper) GroupCamera(ctx context.Context, cameraID string) (int, error) {
	pending, err := g.store.UngroupedKeyframes(ctx, cameraID)
	if err != nil {
		return 0, err
	}
	byScenario := make(map[string][]*Prediction)
	for _, p := range pending {
		byScenario[p.Scenario] = append(byScenario[p.Scenario], p)
	}

	assigned := 0
	for scenario, preds := range byScenario {
		n, err := g.groupScenario(ctx, cameraID, scenario, preds)
		if err != nil {
			return assigned, err
		}
		assigned += n
	}
	return assigned, nil
}

func (g *Grouper) groupScenario(ctx context.Context, cameraID, scenario string, preds []*Prediction) (int, error) {
	unlock := g.lock(cameraID, scenario)
	defer unlock()

	groups, err := g.store.GroupsForCamera(ctx, cameraID, scenario)
	if err != nil {
		return 0, err
	}

	touched := make(map[int64]*Group)
	for _, p := range preds {
		best := bestGroupFor(p, groups)
		if best == nil {
			best = &Group{CameraID: cameraID, Scenario: scenario}
			if err := g.store.InsertGroup(ctx, best); err != nil {
				return 0, err
			}
			groups = append(groups, best)
		}
		if err := g.store.AssignToGroup(ctx, p.ID, best.ID); err != nil {
			return 0, err
		}
		// Keep the in-memory group usable as a target for the rest of the
		// batch before the full recompute below.
		absorbPrediction(best, p)
		touched[best.ID] = best
	}

	for _, grp := range touched {
		if err := g.RecomputeGroup(ctx, grp); err != nil {
			return 0, err
		}
	}
	if len(preds) > 0 {
		g.logf("%s/%s: %d predictions into %d groups", cameraID, scenario, len(preds), len(touched))
	}
	return len(preds), nil
}

// bestGroupFor returns the matching group nearest by centroid, or nil.
func bestGroupFor(p *Prediction, groups []*Group) *Group {
	return closestMatch(p, groups, groupTimeSlackSec)
}

// closestMatch implements the shared group/track matching rule; slack is the
// temporal horizon in seconds.
func closestMatch(p *Prediction, groups []*Group, slack float64) *Group {
	if p.BBox == nil {
		return nil
	}
	cx, cy := p.BBox.Center()

	var best *Group
	bestDist := math.Inf(1)
	for _, grp := range groups {
		if grp.MemberCount == 0 {
			continue
		}
		maxDist := grp.AvgBBox.Diagonal()
		dist := math.Hypot(cx-grp.CentroidX, cy-grp.CentroidY)
		if dist > maxDist {
			continue
		}
		if !areaCompatible(p.BBox.Area(), grp.AvgBBox.Area()) {
			continue
		}
		if p.Timestamp < grp.MinTimestamp-slack || p.Timestamp > grp.MaxTimestamp+slack {
			continue
		}
		if dist < bestDist {
			best, bestDist = grp, dist
		}
	}
	return best
}

func areaCompatible(a, b float64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	ratio := a / b
	if ratio > 1 {
		ratio = 1 / ratio
	}
	return ratio >= groupAreaRatioMin
}

// absorbPrediction folds one new member into the group's running aggregates.
// The authoritative values come from RecomputeGroup; this keeps matching
// sane within a batch.
func absorbPrediction(g *Group, p *Prediction) {
	cx, cy := p.BBox.Center()
	n := float64(g.MemberCount)
	g.CentroidX = (g.CentroidX*n + cx) / (n + 1)
	g.CentroidY = (g.CentroidY*n + cy) / (n + 1)
	g.AvgBBox = geom.BBox{
		X: (g.AvgBBox.X*n + p.BBox.X) / (n + 1),
		Y: (g.AvgBBox.Y*n + p.BBox.Y) / (n + 1),
		W: (g.AvgBBox.W*n + p.BBox.W) / (n + 1),
		H: (g.AvgBBox.H*n + p.BBox.H) / (n + 1),
	}
	if g.MemberCount == 0 {
		g.MinTimestamp, g.MaxTimestamp = p.Timestamp, p.Timestamp
	} else {
		g.MinTimestamp = math.Min(g.MinTimestamp, p.Timestamp)
		g.MaxTimestamp = math.Max(g.MaxTimestamp, p.Timestamp)
	}
	g.MemberCount++
}

// RecomputeGroup rebuilds the group's aggregates from its members and
// persists them. The representative is the member with the largest bbox
// area, ties broken by higher confidence.
func (g *Grouper) RecomputeGroup(ctx context.Context, grp *Group) error {
	members, err := g.store.MembersOfGroup(ctx, grp.ID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		grp.MemberCount = 0
		return g.store.UpdateGroupAggregates(ctx, grp)
	}

	var sumCX, sumCY, sumConf float64
	boxes := make([]geom.BBox, 0, len(members))
	grp.MinConfidence, grp.MaxConfidence = math.Inf(1), math.Inf(-1)
	grp.MinTimestamp, grp.MaxTimestamp = math.Inf(1), math.Inf(-1)

	var rep *Prediction
	for _, m := range members {
		cx, cy := m.BBox.Center()
		sumCX += cx
		sumCY += cy
		sumConf += m.Confidence
		boxes = append(boxes, *m.BBox)
		grp.MinConfidence = math.Min(grp.MinConfidence, m.Confidence)
		grp.MaxConfidence = math.Max(grp.MaxConfidence, m.Confidence)
		grp.MinTimestamp = math.Min(grp.MinTimestamp, m.Timestamp)
		grp.MaxTimestamp = math.Max(grp.MaxTimestamp, m.Timestamp)
		if rep == nil || betterRepresentative(m, rep) {
			rep = m
		}
	}
	n := float64(len(members))
	grp.MemberCount = len(members)
	grp.CentroidX = sumCX / n
	grp.CentroidY = sumCY / n
	grp.AvgConfidence = sumConf / n
	grp.AvgBBox = geom.MeanBBox(boxes)
	grp.RepresentativeID = &rep.ID

	if err := g.store.UpdateGroupAggregates(ctx, grp); err != nil {
		return fmt.Errorf("recompute group %d: %w", grp.ID, err)
	}
	return nil
}

func betterRepresentative(candidate, current *Prediction) bool {
	ca, pa := candidate.BBox.Area(), current.BBox.Area()
	if ca != pa {
		return ca > pa
	}
	return candidate.Confidence > current.Confidence
}
