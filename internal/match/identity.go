package match

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
)

// IdentityResolver assigns cross-camera identity ids by walking all
// non-rejected links of one source type and unioning the tracks they join.
// Each connected component of two or more tracks takes the smallest member
// track id as its identity; everything else gets NULL. The pass is a full
// recompute and is idempotent, so it simply reruns after every matching
// batch or link-status change.
type IdentityResolver struct {
	db    *db.DB
	links *LinkStore
	logf  func(format string, v ...interface{})

	// One resolve at a time; concurrent recomputes would race on the
	// clear-then-assign write pattern.
	mu sync.Mutex
}

// NewIdentityResolver creates an identity resolver.
func NewIdentityResolver(database *db.DB, links *LinkStore) *IdentityResolver {
	return &IdentityResolver{
		db:    database,
		links: links,
		logf:  monitoring.Component("Identity"),
	}
}

// Resolve recomputes every identity of the source type. Returns the number
// of identities (components of size >= 2).
func (r *IdentityResolver) Resolve(ctx context.Context, sourceType string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, idCol, err := identityTable(sourceType)
	if err != nil {
		return 0, err
	}
	links, err := r.links.NonRejected(ctx, sourceType)
	if err != nil {
		return 0, err
	}

	uf := newUnionFind()
	for _, l := range links {
		uf.union(l.TrackA, l.TrackB)
	}
	components := uf.components()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin identity resolve: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET cross_camera_identity_id = NULL`); err != nil {
		return 0, fmt.Errorf("clear identities: %w", err)
	}

	assigned := 0
	for _, members := range components {
		if len(members) < 2 {
			continue
		}
		identity := members[0] // members sorted ascending
		for _, id := range members {
			if _, err := tx.ExecContext(ctx,
				`UPDATE `+table+` SET cross_camera_identity_id = ? WHERE `+idCol+` = ?`,
				identity, id); err != nil {
				return 0, fmt.Errorf("assign identity %d to track %d: %w", identity, id, err)
			}
		}
		assigned++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit identity resolve: %w", err)
	}
	r.logf("resolved %d identities over %d links (%s)", assigned, len(links), sourceType)
	return assigned, nil
}

func identityTable(sourceType string) (table, idCol string, err error) {
	switch sourceType {
	case SourceVideoTrack:
		return "video_tracks", "video_track_id", nil
	case SourceCameraObject:
		return "camera_object_tracks", "track_id", nil
	}
	return "", "", fmt.Errorf("unknown source track type %q", sourceType)
}

// unionFind is a plain disjoint-set forest with path compression.
type unionFind struct {
	parent map[int64]int64
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[int64]int64)}
}

func (u *unionFind) find(x int64) int64 {
	root, ok := u.parent[x]
	if !ok {
		u.parent[x] = x
		return x
	}
	if root == x {
		return x
	}
	root = u.find(root)
	u.parent[x] = root
	return root
}

func (u *unionFind) union(a, b int64) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Attach toward the smaller root; component minimums then fall out of
	// the sort below regardless.
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

// components returns the member lists, each sorted ascending, ordered by
// their smallest member.
func (u *unionFind) components() [][]int64 {
	byRoot := make(map[int64][]int64)
	for x := range u.parent {
		root := u.find(x)
		byRoot[root] = append(byRoot[root], x)
	}
	out := make([][]int64, 0, len(byRoot))
	for _, members := range byRoot {
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
