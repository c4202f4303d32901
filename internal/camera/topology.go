package camera

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
)

// TopologyEdge records the learned transit-time range between two cameras.
// Edges are directional; absence of an edge means no known link.
type TopologyEdge struct {
	CameraA           string
	CameraB           string
	MinTransitSeconds float64
	MaxTransitSeconds float64
	AvgTransitSeconds float64
	SampleCount       int
}

// TopologyStore reads and writes the topology table, fronted by a TTL cache.
// Writes invalidate the cache.
type TopologyStore struct {
	db    *db.DB
	clock timeutil.Clock
	ttl   time.Duration
	logf  func(format string, v ...interface{})

	mu        sync.RWMutex
	cache     map[[2]string]*TopologyEdge
	cacheFull bool
	loadedAt  time.Time
}

// NewTopologyStore creates a topology store with a read cache of the given
// TTL.
func NewTopologyStore(database *db.DB, clock timeutil.Clock, ttl time.Duration) *TopologyStore {
	return &TopologyStore{
		db:    database,
		clock: clock,
		ttl:   ttl,
		logf:  monitoring.Component("Topology"),
		cache: make(map[[2]string]*TopologyEdge),
	}
}

// Edge returns the directed edge A→B, or nil when the cameras are not known
// to be connected.
func (s *TopologyStore) Edge(ctx context.Context, cameraA, cameraB string) (*TopologyEdge, error) {
	edges, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	return edges[[2]string{cameraA, cameraB}], nil
}

// EitherEdge returns the edge for the pair in whichever direction exists,
// preferring A→B. Matchers use this because clip order does not tell which
// way the vehicle went.
func (s *TopologyStore) EitherEdge(ctx context.Context, cameraA, cameraB string) (*TopologyEdge, error) {
	edges, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	if e := edges[[2]string{cameraA, cameraB}]; e != nil {
		return e, nil
	}
	return edges[[2]string{cameraB, cameraA}], nil
}

// Edges returns every known edge.
func (s *TopologyStore) Edges(ctx context.Context) ([]*TopologyEdge, error) {
	edges, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*TopologyEdge, 0, len(edges))
	for _, e := range edges {
		out = append(out, e)
	}
	return out, nil
}

func (s *TopologyStore) all(ctx context.Context) (map[[2]string]*TopologyEdge, error) {
	s.mu.RLock()
	if s.cacheFull && s.clock.Now().Sub(s.loadedAt) < s.ttl {
		cached := s.cache
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT camera_a, camera_b, min_transit_seconds, max_transit_seconds,
		       avg_transit_seconds, sample_count
		FROM topology_edges`)
	if err != nil {
		return nil, fmt.Errorf("query topology edges: %w", err)
	}
	defer rows.Close()

	fresh := make(map[[2]string]*TopologyEdge)
	for rows.Next() {
		e := &TopologyEdge{}
		if err := rows.Scan(&e.CameraA, &e.CameraB, &e.MinTransitSeconds, &e.MaxTransitSeconds, &e.AvgTransitSeconds, &e.SampleCount); err != nil {
			return nil, fmt.Errorf("scan topology edge: %w", err)
		}
		fresh[[2]string{e.CameraA, e.CameraB}] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache = fresh
	s.cacheFull = true
	s.loadedAt = s.clock.Now()
	s.mu.Unlock()
	return fresh, nil
}

// Upsert writes one edge and invalidates the cache.
func (s *TopologyStore) Upsert(ctx context.Context, e *TopologyEdge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topology_edges (
			camera_a, camera_b, min_transit_seconds, max_transit_seconds,
			avg_transit_seconds, sample_count
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (camera_a, camera_b) DO UPDATE SET
			min_transit_seconds = excluded.min_transit_seconds,
			max_transit_seconds = excluded.max_transit_seconds,
			avg_transit_seconds = excluded.avg_transit_seconds,
			sample_count = excluded.sample_count`,
		e.CameraA, e.CameraB, e.MinTransitSeconds, e.MaxTransitSeconds,
		e.AvgTransitSeconds, e.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("upsert topology edge %s->%s: %w", e.CameraA, e.CameraB, err)
	}
	s.invalidate()
	return nil
}

func (s *TopologyStore) invalidate() {
	s.mu.Lock()
	s.cacheFull = false
	s.mu.Unlock()
}

// TransitSample is one observed camera-to-camera transit.
type TransitSample struct {
	CameraA    string
	CameraB    string
	GapSeconds float64
}

// LearnFromSamples rebuilds the per-pair min/max/avg transit times from
// observed confirmed-link gaps and upserts the affected edges. Gaps are
// stored per direction as given.
func (s *TopologyStore) LearnFromSamples(ctx context.Context, samples []TransitSample) error {
	type agg struct {
		min, max, sum float64
		n             int
	}
	byPair := make(map[[2]string]*agg)
	for _, sample := range samples {
		gap := math.Abs(sample.GapSeconds)
		key := [2]string{sample.CameraA, sample.CameraB}
		a, ok := byPair[key]
		if !ok {
			a = &agg{min: gap, max: gap}
			byPair[key] = a
		}
		a.min = math.Min(a.min, gap)
		a.max = math.Max(a.max, gap)
		a.sum += gap
		a.n++
	}
	for key, a := range byPair {
		err := s.Upsert(ctx, &TopologyEdge{
			CameraA:           key[0],
			CameraB:           key[1],
			MinTransitSeconds: a.min,
			MaxTransitSeconds: a.max,
			AvgTransitSeconds: a.sum / float64(a.n),
			SampleCount:       a.n,
		})
		if err != nil {
			return err
		}
	}
	if len(byPair) > 0 {
		s.logf("learned %d edges from %d samples", len(byPair), len(samples))
	}
	return nil
}
