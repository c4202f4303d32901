package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// Fields omitted from the JSON retain their built-in defaults, so partial
// configs are safe; the Get* accessors are the single source of truth for
// default values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TrackMatchWeights holds the scoring weights for attaching predictions to
// camera object tracks. Threaded through the track builder as one record so
// experiments can substitute it wholesale.
type TrackMatchWeights struct {
	TemporalMaxScore   float64 `json:"temporal_max_score"`
	ReIDMaxScore       float64 `json:"reid_max_score"`
	ClsMatchScore      float64 `json:"cls_match_score"`
	ClsConflictPenalty float64 `json:"cls_conflict_penalty"`
	BBoxSizeMaxScore   float64 `json:"bbox_size_max_score"`
}

// DirectionWeights holds the scoring weights for the direction-based
// cross-camera matcher.
type DirectionWeights struct {
	Temporal float64 `json:"temporal"`
	ReID     float64 `json:"reid"`
	Color    float64 `json:"color"`
	Size     float64 `json:"size"`
}

// CrossingWeights holds the scoring weights for the crossing-line matcher.
type CrossingWeights struct {
	Lane     float64 `json:"lane"`
	Temporal float64 `json:"temporal"`
	Size     float64 `json:"size"`
}

// TuningConfig is the root tuning configuration. All fields are pointers so
// a partial JSON file only overrides what it names; read values through the
// Get* methods which supply defaults.
type TuningConfig struct {
	// Frame classification
	InferenceConf         *float64 `json:"inference_conf,omitempty"`
	FrameQualityThreshold *float64 `json:"frame_quality_threshold,omitempty"`
	TopQualityFrames      *int     `json:"top_quality_frames,omitempty"`

	// Clip sanitizer
	MinClipDurationSec *float64 `json:"min_clip_duration_sec,omitempty"`

	// Track post-processing
	IoUMergeThreshold *float64 `json:"iou_merge_threshold,omitempty"`
	IoUMinNearest     *float64 `json:"iou_min_nearest,omitempty"`
	MinSharedPoints   *int     `json:"min_shared_points,omitempty"`
	StitchMaxGapSec   *float64 `json:"stitch_max_gap_sec,omitempty"`
	JumpMultiplier    *float64 `json:"jump_multiplier,omitempty"`
	MinSegmentFrames  *int     `json:"min_segment_frames,omitempty"`

	// Camera-object-track matching
	TrackMatch               *TrackMatchWeights `json:"track_match,omitempty"`
	MatchThreshold           *float64           `json:"match_threshold,omitempty"`
	VideoTrackMatchThreshold *float64           `json:"video_track_match_threshold,omitempty"`

	// Cross-camera matchers
	Direction               *DirectionWeights `json:"direction_weights,omitempty"`
	DirectionMatchThreshold *float64          `json:"direction_match_threshold,omitempty"`
	Crossing                *CrossingWeights  `json:"crossing_weights,omitempty"`
	CrossingMatchThreshold  *float64          `json:"crossing_match_threshold,omitempty"`
	DirectionPenalty        *float64          `json:"direction_penalty,omitempty"`
	DirectionVeto           *float64          `json:"direction_veto,omitempty"`
	MinTrajPoints           *int              `json:"min_traj_points,omitempty"`
	MinTrajDurationSec      *float64          `json:"min_traj_duration_sec,omitempty"`

	// The source pipeline used a hard max_transit*3 cutoff for long
	// overlapping tracks; exposed as a knob because the rationale for the
	// exact multiplier is undocumented.
	OverlapGapMultiplier *float64 `json:"overlap_gap_multiplier,omitempty"`

	// Class taxonomy: data, not code. Groups whose members are treated as
	// compatible rather than conflicting, and detector classes dropped at
	// the MOT layer.
	CompatibilityGroups [][]string `json:"compatibility_groups,omitempty"`
	VehicleClasses      []string   `json:"vehicle_classes,omitempty"`

	// Workers & timeouts
	AnalysisWorkers    *int    `json:"analysis_workers,omitempty"`
	MatchWorkers       *int    `json:"match_workers,omitempty"`
	SanitizeTimeout    *string `json:"sanitize_timeout,omitempty"` // duration string like "5m"
	MOTTimeout         *string `json:"mot_timeout,omitempty"`
	DetectTimeout      *string `json:"detect_timeout,omitempty"`
	EmbedTimeout       *string `json:"embed_timeout,omitempty"`
	TopologyCacheTTL   *string `json:"topology_cache_ttl,omitempty"`
	DescriptorCacheCap *int    `json:"descriptor_cache_cap,omitempty"`
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are sane.
func (c *TuningConfig) Validate() error {
	checkUnit := func(name string, v *float64) error {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
		return nil
	}
	for name, v := range map[string]*float64{
		"inference_conf":            c.InferenceConf,
		"frame_quality_threshold":   c.FrameQualityThreshold,
		"iou_merge_threshold":       c.IoUMergeThreshold,
		"iou_min_nearest":           c.IoUMinNearest,
		"match_threshold":           c.MatchThreshold,
		"direction_match_threshold": c.DirectionMatchThreshold,
		"crossing_match_threshold":  c.CrossingMatchThreshold,
	} {
		if err := checkUnit(name, v); err != nil {
			return err
		}
	}

	for name, v := range map[string]*string{
		"sanitize_timeout":   c.SanitizeTimeout,
		"mot_timeout":        c.MOTTimeout,
		"detect_timeout":     c.DetectTimeout,
		"embed_timeout":      c.EmbedTimeout,
		"topology_cache_ttl": c.TopologyCacheTTL,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	if c.JumpMultiplier != nil && *c.JumpMultiplier <= 0 {
		return fmt.Errorf("jump_multiplier must be positive, got %f", *c.JumpMultiplier)
	}
	if c.MinSegmentFrames != nil && *c.MinSegmentFrames < 1 {
		return fmt.Errorf("min_segment_frames must be at least 1, got %d", *c.MinSegmentFrames)
	}
	return nil
}

// GetInferenceConf returns the minimum detection confidence retained during
// per-frame classification.
func (c *TuningConfig) GetInferenceConf() float64 {
	if c.InferenceConf == nil {
		return 0.08
	}
	return *c.InferenceConf
}

// GetFrameQualityThreshold returns the minimum quality score for exported frames.
func (c *TuningConfig) GetFrameQualityThreshold() float64 {
	if c.FrameQualityThreshold == nil {
		return 0.5
	}
	return *c.FrameQualityThreshold
}

// GetTopQualityFrames returns how many top-quality frames to export per track.
func (c *TuningConfig) GetTopQualityFrames() int {
	if c.TopQualityFrames == nil {
		return 10
	}
	return *c.TopQualityFrames
}

// GetMinClipDurationSec returns the minimum usable clip duration after repair.
func (c *TuningConfig) GetMinClipDurationSec() float64 {
	if c.MinClipDurationSec == nil {
		return 2.0
	}
	return *c.MinClipDurationSec
}

// GetIoUMergeThreshold returns the mean IoU at which overlapping tracks merge.
func (c *TuningConfig) GetIoUMergeThreshold() float64 {
	if c.IoUMergeThreshold == nil {
		return 0.35
	}
	return *c.IoUMergeThreshold
}

// GetIoUMinNearest returns the IoU-min threshold for the second-pass merge.
func (c *TuningConfig) GetIoUMinNearest() float64 {
	if c.IoUMinNearest == nil {
		return 0.20
	}
	return *c.IoUMinNearest
}

// GetMinSharedPoints returns the aligned-timestamp count required to merge.
func (c *TuningConfig) GetMinSharedPoints() int {
	if c.MinSharedPoints == nil {
		return 3
	}
	return *c.MinSharedPoints
}

// GetStitchMaxGapSec returns the maximum end-to-start gap for stitching.
func (c *TuningConfig) GetStitchMaxGapSec() float64 {
	if c.StitchMaxGapSec == nil {
		return 3.0
	}
	return *c.StitchMaxGapSec
}

// GetJumpMultiplier returns the displacement/diagonal ratio flagged as a jump.
func (c *TuningConfig) GetJumpMultiplier() float64 {
	if c.JumpMultiplier == nil {
		return 3.0
	}
	return *c.JumpMultiplier
}

// GetMinSegmentFrames returns the shortest post-jump segment retained.
func (c *TuningConfig) GetMinSegmentFrames() int {
	if c.MinSegmentFrames == nil {
		return 3
	}
	return *c.MinSegmentFrames
}

// GetTrackMatchWeights returns the camera-object-track matcher weights.
func (c *TuningConfig) GetTrackMatchWeights() TrackMatchWeights {
	if c.TrackMatch == nil {
		return TrackMatchWeights{
			TemporalMaxScore:   0.35,
			ReIDMaxScore:       0.25,
			ClsMatchScore:      0.25,
			ClsConflictPenalty: -0.3,
			BBoxSizeMaxScore:   0.15,
		}
	}
	return *c.TrackMatch
}

// GetMatchThreshold returns the camera-object-track match cutoff.
func (c *TuningConfig) GetMatchThreshold() float64 {
	if c.MatchThreshold == nil {
		return 0.80
	}
	return *c.MatchThreshold
}

// GetVideoTrackMatchThreshold returns the video-track match cutoff.
func (c *TuningConfig) GetVideoTrackMatchThreshold() float64 {
	if c.VideoTrackMatchThreshold == nil {
		return 0.60
	}
	return *c.VideoTrackMatchThreshold
}

// GetDirectionWeights returns the direction-based matcher weights.
func (c *TuningConfig) GetDirectionWeights() DirectionWeights {
	if c.Direction == nil {
		return DirectionWeights{Temporal: 0.30, ReID: 0.30, Color: 0.20, Size: 0.20}
	}
	return *c.Direction
}

// GetDirectionMatchThreshold returns the direction matcher accept threshold.
func (c *TuningConfig) GetDirectionMatchThreshold() float64 {
	if c.DirectionMatchThreshold == nil {
		return 0.40
	}
	return *c.DirectionMatchThreshold
}

// GetCrossingWeights returns the crossing-line matcher weights.
func (c *TuningConfig) GetCrossingWeights() CrossingWeights {
	if c.Crossing == nil {
		return CrossingWeights{Lane: 0.50, Temporal: 0.35, Size: 0.15}
	}
	return *c.Crossing
}

// GetCrossingMatchThreshold returns the crossing-line accept threshold.
func (c *TuningConfig) GetCrossingMatchThreshold() float64 {
	if c.CrossingMatchThreshold == nil {
		return 0.55
	}
	return *c.CrossingMatchThreshold
}

// GetDirectionPenalty returns the opposite-direction score multiplier.
func (c *TuningConfig) GetDirectionPenalty() float64 {
	if c.DirectionPenalty == nil {
		return 0.7
	}
	return *c.DirectionPenalty
}

// GetDirectionVeto returns the direction compatibility score below which a
// pair is rejected outright.
func (c *TuningConfig) GetDirectionVeto() float64 {
	if c.DirectionVeto == nil {
		return 0.3
	}
	return *c.DirectionVeto
}

// GetMinTrajPoints returns the minimum trajectory points for a matchable track.
func (c *TuningConfig) GetMinTrajPoints() int {
	if c.MinTrajPoints == nil {
		return 5
	}
	return *c.MinTrajPoints
}

// GetMinTrajDurationSec returns the minimum trajectory span for a matchable track.
func (c *TuningConfig) GetMinTrajDurationSec() float64 {
	if c.MinTrajDurationSec == nil {
		return 0.3
	}
	return *c.MinTrajDurationSec
}

// GetOverlapGapMultiplier returns the max_transit multiplier used when
// filtering long overlapping tracks.
func (c *TuningConfig) GetOverlapGapMultiplier() float64 {
	if c.OverlapGapMultiplier == nil {
		return 3.0
	}
	return *c.OverlapGapMultiplier
}

// GetCompatibilityGroups returns the vehicle-class compatibility groups.
// Detectors confuse these classes at distance, so members of one group never
// veto a match against each other.
func (c *TuningConfig) GetCompatibilityGroups() [][]string {
	if c.CompatibilityGroups == nil {
		return [][]string{
			{"ATV", "UTV", "pickup truck", "SUV"},
			{"sedan", "SUV", "car"},
			{"box truck", "delivery truck", "truck"},
		}
	}
	return c.CompatibilityGroups
}

// GetVehicleClasses returns the detector classes retained by the MOT layer.
// "person" is kept for pre-screen statistics even though it is not a vehicle.
func (c *TuningConfig) GetVehicleClasses() []string {
	if c.VehicleClasses == nil {
		return []string{
			"car", "sedan", "SUV", "pickup truck", "truck", "box truck",
			"delivery truck", "van", "bus", "motorcycle", "ATV", "UTV",
			"person",
		}
	}
	return c.VehicleClasses
}

// GetAnalysisWorkers returns the clip-analysis worker count.
func (c *TuningConfig) GetAnalysisWorkers() int {
	if c.AnalysisWorkers == nil {
		return 2
	}
	return *c.AnalysisWorkers
}

// GetMatchWorkers returns the cross-camera match worker count.
func (c *TuningConfig) GetMatchWorkers() int {
	if c.MatchWorkers == nil {
		return 1
	}
	return *c.MatchWorkers
}

func (c *TuningConfig) duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetSanitizeTimeout returns the sanitizer subprocess kill timeout.
func (c *TuningConfig) GetSanitizeTimeout() time.Duration {
	return c.duration(c.SanitizeTimeout, 5*time.Minute)
}

// GetMOTTimeout returns the wall-clock cap for one clip's MOT pass.
func (c *TuningConfig) GetMOTTimeout() time.Duration {
	return c.duration(c.MOTTimeout, 15*time.Minute)
}

// GetDetectTimeout returns the per-call detection service timeout.
func (c *TuningConfig) GetDetectTimeout() time.Duration {
	return c.duration(c.DetectTimeout, 30*time.Second)
}

// GetEmbedTimeout returns the per-call embedding service timeout.
func (c *TuningConfig) GetEmbedTimeout() time.Duration {
	return c.duration(c.EmbedTimeout, 10*time.Second)
}

// GetTopologyCacheTTL returns the per-worker topology cache lifetime.
func (c *TuningConfig) GetTopologyCacheTTL() time.Duration {
	return c.duration(c.TopologyCacheTTL, 30*time.Second)
}

// GetDescriptorCacheCap returns the per-matcher descriptor LRU capacity.
func (c *TuningConfig) GetDescriptorCacheCap() int {
	if c.DescriptorCacheCap == nil {
		return 512
	}
	return *c.DescriptorCacheCap
}
