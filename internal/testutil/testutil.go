// Package testutil provides shared test fixtures: throwaway databases and
// trajectory builders used across store and matcher tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/fieldvision-data/crosscam.report/internal/db"
)

// OpenDB opens a fresh database in a per-test temp directory and closes it
// when the test finishes.
func OpenDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "crosscam_test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// InsertVideo inserts a minimal video row and returns its id.
func InsertVideo(t *testing.T, database *db.DB, cameraID, filename string) int64 {
	t.Helper()
	res, err := database.Exec(
		`INSERT INTO videos (camera_id, filename, width, height) VALUES (?, ?, 1920, 1080)`,
		cameraID, filename,
	)
	if err != nil {
		t.Fatalf("insert video: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("video insert id: %v", err)
	}
	return id
}
