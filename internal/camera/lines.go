package camera

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
)

// CrossingLine is a configured line segment in one camera's frame marking a
// physical boundary (a gate, a road edge) shared with a paired line on
// another camera. The forward vector points in the direction of "forward"
// travel across the line and must be unit length.
type CrossingLine struct {
	ID        int64
	CameraID  string
	LineName  string
	X1, Y1    float64
	X2, Y2    float64
	ForwardDX float64
	ForwardDY float64
	PairedID  *int64
	// LaneReversed inverts the lane parameter of the paired line: the two
	// lines were drawn pointing opposite ways along the same boundary.
	LaneReversed bool
}

// Project maps a point onto the line's parametric coordinate, clamped to
// [0, 1]. 0 is the (x1,y1) end.
func (l *CrossingLine) Project(px, py float64) float64 {
	dx, dy := l.X2-l.X1, l.Y2-l.Y1
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return 0
	}
	t := ((px-l.X1)*dx + (py-l.Y1)*dy) / lenSq
	return math.Max(0, math.Min(1, t))
}

// ForwardAgreement returns the sign of the dot product between a motion
// vector and the line's forward direction: +1 forward, -1 backward, 0 when
// the motion is perpendicular or zero.
func (l *CrossingLine) ForwardAgreement(dx, dy float64) int {
	dot := dx*l.ForwardDX + dy*l.ForwardDY
	switch {
	case dot > 0:
		return 1
	case dot < 0:
		return -1
	}
	return 0
}

// Validate checks the line's geometric invariants.
func (l *CrossingLine) Validate() error {
	if l.X1 == l.X2 && l.Y1 == l.Y2 {
		return fmt.Errorf("crossing line %q is degenerate: %w", l.LineName, fault.ErrBadInput)
	}
	if !almostUnit(l.ForwardDX, l.ForwardDY) {
		return fmt.Errorf("crossing line %q forward vector is not unit length: %w", l.LineName, fault.ErrBadInput)
	}
	return nil
}

func almostUnit(dx, dy float64) bool {
	return math.Abs(math.Hypot(dx, dy)-1) < 1e-6
}

// LineStore persists crossing lines.
type LineStore struct {
	db *db.DB
}

// NewLineStore creates a crossing-line store.
func NewLineStore(database *db.DB) *LineStore {
	return &LineStore{db: database}
}

// Insert validates and writes one line.
func (s *LineStore) Insert(ctx context.Context, l *CrossingLine) error {
	if err := l.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO crossing_lines (
			camera_id, line_name, x1, y1, x2, y2,
			forward_dx, forward_dy, paired_line_id, lane_mapping_reversed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.CameraID, l.LineName, l.X1, l.Y1, l.X2, l.Y2,
		l.ForwardDX, l.ForwardDY, l.PairedID, boolInt(l.LaneReversed),
	)
	if err != nil {
		return fmt.Errorf("insert crossing line %q: %w", l.LineName, err)
	}
	l.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("crossing line insert id: %w", err)
	}
	return nil
}

// Pair links two lines symmetrically as the same physical boundary.
// laneReversed is recorded on both so either side of a match can apply it.
func (s *LineStore) Pair(ctx context.Context, lineA, lineB int64, laneReversed bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pair lines: %w", err)
	}
	defer tx.Rollback()

	for _, p := range [][2]int64{{lineA, lineB}, {lineB, lineA}} {
		res, err := tx.ExecContext(ctx,
			`UPDATE crossing_lines SET paired_line_id = ?, lane_mapping_reversed = ? WHERE line_id = ?`,
			p[1], boolInt(laneReversed), p[0])
		if err != nil {
			return fmt.Errorf("pair line %d with %d: %w", p[0], p[1], err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("crossing line %d: %w", p[0], fault.ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pair lines: %w", err)
	}
	return nil
}

const selectLineSQL = `
	SELECT line_id, camera_id, line_name, x1, y1, x2, y2,
	       forward_dx, forward_dy, paired_line_id, lane_mapping_reversed
	FROM crossing_lines`

// Get loads one line.
func (s *LineStore) Get(ctx context.Context, id int64) (*CrossingLine, error) {
	l, err := scanLine(s.db.QueryRowContext(ctx, selectLineSQL+` WHERE line_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("crossing line %d: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load crossing line %d: %w", id, err)
	}
	return l, nil
}

// ForCamera loads the camera's lines.
func (s *LineStore) ForCamera(ctx context.Context, cameraID string) ([]*CrossingLine, error) {
	rows, err := s.db.QueryContext(ctx, selectLineSQL+` WHERE camera_id = ? ORDER BY line_id`, cameraID)
	if err != nil {
		return nil, fmt.Errorf("query crossing lines for %s: %w", cameraID, err)
	}
	defer rows.Close()

	var out []*CrossingLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crossing line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PairedLines returns every line pair spanning the two cameras, as
// (lineOnA, lineOnB) with symmetric pairing verified.
func (s *LineStore) PairedLines(ctx context.Context, cameraA, cameraB string) ([][2]*CrossingLine, error) {
	linesA, err := s.ForCamera(ctx, cameraA)
	if err != nil {
		return nil, err
	}
	var out [][2]*CrossingLine
	for _, la := range linesA {
		if la.PairedID == nil {
			continue
		}
		lb, err := s.Get(ctx, *la.PairedID)
		if err != nil {
			return nil, err
		}
		if lb.CameraID != cameraB {
			continue
		}
		if lb.PairedID == nil || *lb.PairedID != la.ID {
			return nil, fmt.Errorf("lines %d and %d are not symmetrically paired: %w", la.ID, lb.ID, fault.ErrConflict)
		}
		out = append(out, [2]*CrossingLine{la, lb})
	}
	return out, nil
}

func scanLine(row interface{ Scan(...interface{}) error }) (*CrossingLine, error) {
	l := &CrossingLine{}
	var paired sql.NullInt64
	var reversed int
	err := row.Scan(
		&l.ID, &l.CameraID, &l.LineName, &l.X1, &l.Y1, &l.X2, &l.Y2,
		&l.ForwardDX, &l.ForwardDY, &paired, &reversed,
	)
	if err != nil {
		return nil, err
	}
	if paired.Valid {
		id := paired.Int64
		l.PairedID = &id
	}
	l.LaneReversed = reversed != 0
	return l, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
