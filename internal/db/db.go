// Package db opens the pipeline database and creates its schema. The schema
// is applied idempotently at open; the sqlite file holds derived tracking
// state plus the durable review ledger, and there is no separate migration
// machinery.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the sql handle so stores can share one pool.
type DB struct {
	*sql.DB
}

// Open opens (creating if necessary) the database at path and ensures the
// schema exists. WAL mode keeps reader workers off the writers' backs.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS cameras (
	camera_id            TEXT PRIMARY KEY,
	latitude             DOUBLE NOT NULL,
	longitude            DOUBLE NOT NULL,
	bearing_deg          DOUBLE NOT NULL,
	fov_angle_deg        DOUBLE NOT NULL,
	fov_range_m          DOUBLE NOT NULL,
	ptz_pan_range_deg    DOUBLE,
	ptz_home_bearing_deg DOUBLE,
	onvif_endpoint       TEXT
);

CREATE TABLE IF NOT EXISTS videos (
	video_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	camera_id     TEXT NOT NULL,
	filename      TEXT NOT NULL,
	width         INTEGER NOT NULL DEFAULT 0,
	height        INTEGER NOT NULL DEFAULT 0,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_videos_camera ON videos(camera_id);

CREATE TABLE IF NOT EXISTS predictions (
	prediction_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	video_id               INTEGER NOT NULL REFERENCES videos(video_id),
	model_name             TEXT NOT NULL,
	model_version          TEXT NOT NULL DEFAULT '',
	scenario               TEXT NOT NULL DEFAULT '',
	prediction_type        TEXT NOT NULL CHECK (prediction_type IN ('keyframe','time_range')),
	confidence             DOUBLE NOT NULL,
	ts_unix                DOUBLE,
	start_unix             DOUBLE,
	end_unix               DOUBLE,
	bbox_x                 DOUBLE,
	bbox_y                 DOUBLE,
	bbox_w                 DOUBLE,
	bbox_h                 DOUBLE,
	predicted_tags_json    TEXT NOT NULL DEFAULT '{}',
	corrected_tags_json    TEXT,
	review_status          TEXT NOT NULL DEFAULT 'processing',
	prediction_group_id    INTEGER REFERENCES prediction_groups(group_id),
	camera_object_track_id INTEGER REFERENCES camera_object_tracks(track_id),
	parent_prediction_id   INTEGER REFERENCES predictions(prediction_id)
);
CREATE INDEX IF NOT EXISTS idx_predictions_video ON predictions(video_id);
CREATE INDEX IF NOT EXISTS idx_predictions_group ON predictions(prediction_group_id);
CREATE INDEX IF NOT EXISTS idx_predictions_track ON predictions(camera_object_track_id);
CREATE INDEX IF NOT EXISTS idx_predictions_status ON predictions(review_status);

CREATE TABLE IF NOT EXISTS prediction_groups (
	group_id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	camera_id                    TEXT NOT NULL,
	scenario                     TEXT NOT NULL DEFAULT '',
	representative_prediction_id INTEGER,
	centroid_x                   DOUBLE NOT NULL DEFAULT 0,
	centroid_y                   DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_x                   DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_y                   DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_w                   DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_h                   DOUBLE NOT NULL DEFAULT 0,
	member_count                 INTEGER NOT NULL DEFAULT 0,
	min_confidence               DOUBLE NOT NULL DEFAULT 0,
	max_confidence               DOUBLE NOT NULL DEFAULT 0,
	avg_confidence               DOUBLE NOT NULL DEFAULT 0,
	min_ts_unix                  DOUBLE NOT NULL DEFAULT 0,
	max_ts_unix                  DOUBLE NOT NULL DEFAULT 0,
	review_status                TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_groups_camera ON prediction_groups(camera_id, scenario);

CREATE TABLE IF NOT EXISTS camera_object_tracks (
	track_id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	camera_id                TEXT NOT NULL,
	scenario                 TEXT NOT NULL DEFAULT '',
	member_count             INTEGER NOT NULL DEFAULT 0,
	centroid_x               DOUBLE NOT NULL DEFAULT 0,
	centroid_y               DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_x               DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_y               DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_w               DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_h               DOUBLE NOT NULL DEFAULT 0,
	anchor_status            TEXT NOT NULL DEFAULT 'pending'
		CHECK (anchor_status IN ('pending','approved','rejected','conflict')),
	vehicle_subtype          TEXT,
	actual_class             TEXT,
	classified_by            TEXT,
	cross_camera_conflict    INTEGER NOT NULL DEFAULT 0,
	first_seen_unix          DOUBLE NOT NULL DEFAULT 0,
	last_seen_unix           DOUBLE NOT NULL DEFAULT 0,
	cross_camera_identity_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_cot_camera ON camera_object_tracks(camera_id, scenario);
CREATE INDEX IF NOT EXISTS idx_cot_identity ON camera_object_tracks(cross_camera_identity_id);

CREATE TABLE IF NOT EXISTS video_tracks (
	video_track_id           INTEGER PRIMARY KEY AUTOINCREMENT,
	video_id                 INTEGER NOT NULL REFERENCES videos(video_id),
	camera_id                TEXT NOT NULL,
	tracker_track_id         INTEGER NOT NULL,
	class_name               TEXT NOT NULL DEFAULT '',
	vehicle_subtype          TEXT,
	subtype_source           TEXT,
	first_seen_unix          DOUBLE NOT NULL DEFAULT 0,
	last_seen_unix           DOUBLE NOT NULL DEFAULT 0,
	best_crop_path           TEXT,
	avg_confidence           DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_x               DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_y               DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_w               DOUBLE NOT NULL DEFAULT 0,
	avg_bbox_h               DOUBLE NOT NULL DEFAULT 0,
	reid_embedding           BLOB,
	path_data_json           TEXT,
	status                   TEXT NOT NULL DEFAULT 'active'
		CHECK (status IN ('active','merged','jump_fragmented')),
	cross_camera_conflict    INTEGER NOT NULL DEFAULT 0,
	cross_camera_identity_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_vt_video ON video_tracks(video_id);
CREATE INDEX IF NOT EXISTS idx_vt_camera_time ON video_tracks(camera_id, first_seen_unix);
CREATE INDEX IF NOT EXISTS idx_vt_identity ON video_tracks(cross_camera_identity_id);

CREATE TABLE IF NOT EXISTS video_track_points (
	video_track_id INTEGER NOT NULL REFERENCES video_tracks(video_track_id) ON DELETE CASCADE,
	ts_unix        DOUBLE NOT NULL,
	x              DOUBLE NOT NULL,
	y              DOUBLE NOT NULL,
	w              DOUBLE NOT NULL,
	h              DOUBLE NOT NULL,
	conf           DOUBLE NOT NULL,
	PRIMARY KEY (video_track_id, ts_unix)
);

CREATE TABLE IF NOT EXISTS clip_analysis_results (
	result_id             INTEGER PRIMARY KEY AUTOINCREMENT,
	video_id              INTEGER NOT NULL REFERENCES videos(video_id),
	video_track_id        INTEGER NOT NULL REFERENCES video_tracks(video_track_id),
	camera_id             TEXT NOT NULL,
	consensus_class       TEXT NOT NULL,
	consensus_confidence  DOUBLE NOT NULL,
	class_distribution    TEXT NOT NULL DEFAULT '{}',
	frame_classifications TEXT NOT NULL DEFAULT '[]',
	frame_quality_scores  TEXT NOT NULL DEFAULT '[]',
	total_frames          INTEGER NOT NULL DEFAULT 0,
	duration_seconds      DOUBLE NOT NULL DEFAULT 0,
	direction_of_travel   TEXT,
	review_status         TEXT NOT NULL DEFAULT 'pending',
	corrected_bbox_x      DOUBLE,
	corrected_bbox_y      DOUBLE,
	corrected_bbox_w      DOUBLE,
	corrected_bbox_h      DOUBLE,
	issue_reason          TEXT
);
CREATE INDEX IF NOT EXISTS idx_car_video ON clip_analysis_results(video_id);

CREATE TABLE IF NOT EXISTS cross_camera_links (
	link_id              INTEGER PRIMARY KEY AUTOINCREMENT,
	track_a_id           INTEGER NOT NULL,
	track_b_id           INTEGER NOT NULL,
	entity_type          TEXT NOT NULL DEFAULT 'vehicle',
	match_confidence     DOUBLE NOT NULL,
	match_method         TEXT NOT NULL,
	reid_similarity      DOUBLE,
	temporal_gap_seconds DOUBLE NOT NULL DEFAULT 0,
	classification_match INTEGER,
	lane_distance        DOUBLE,
	crossing_line_id     INTEGER,
	status               TEXT NOT NULL DEFAULT 'auto'
		CHECK (status IN ('auto','auto_confirmed','confirmed','rejected')),
	source_track_type    TEXT NOT NULL DEFAULT 'video_track'
		CHECK (source_track_type IN ('camera_object','video_track')),
	rejection_reason     TEXT,
	created_at           TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	CHECK (track_a_id < track_b_id),
	UNIQUE (track_a_id, track_b_id, source_track_type)
);
CREATE INDEX IF NOT EXISTS idx_links_status ON cross_camera_links(status);

CREATE TABLE IF NOT EXISTS topology_edges (
	camera_a            TEXT NOT NULL,
	camera_b            TEXT NOT NULL,
	min_transit_seconds DOUBLE NOT NULL,
	max_transit_seconds DOUBLE NOT NULL,
	avg_transit_seconds DOUBLE NOT NULL,
	sample_count        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (camera_a, camera_b)
);

CREATE TABLE IF NOT EXISTS crossing_lines (
	line_id               INTEGER PRIMARY KEY AUTOINCREMENT,
	camera_id             TEXT NOT NULL,
	line_name             TEXT NOT NULL,
	x1 DOUBLE NOT NULL, y1 DOUBLE NOT NULL,
	x2 DOUBLE NOT NULL, y2 DOUBLE NOT NULL,
	forward_dx            DOUBLE NOT NULL,
	forward_dy            DOUBLE NOT NULL,
	paired_line_id        INTEGER REFERENCES crossing_lines(line_id),
	lane_mapping_reversed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ptz_calibration_points (
	point_id         INTEGER PRIMARY KEY AUTOINCREMENT,
	source_camera_id TEXT NOT NULL,
	target_camera_id TEXT NOT NULL,
	source_x         DOUBLE NOT NULL,
	source_y         DOUBLE NOT NULL,
	estimated_pan    DOUBLE,
	estimated_tilt   DOUBLE,
	actual_pan       DOUBLE NOT NULL,
	actual_tilt      DOUBLE NOT NULL,
	label            TEXT
);
CREATE INDEX IF NOT EXISTS idx_ptz_pair ON ptz_calibration_points(source_camera_id, target_camera_id);

CREATE TABLE IF NOT EXISTS analysis_runs (
	run_id     TEXT PRIMARY KEY,
	video_id   INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	error      TEXT,
	stats_json TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
