// Package predict models keyframe predictions and their two levels of
// aggregation: prediction groups (one camera, one burst of clips) and camera
// object tracks (one camera, longer horizon, carrying the anchor review
// decision that propagates to members).
package predict

import (
	"github.com/fieldvision-data/crosscam.report/internal/geom"
)

// Review statuses a prediction moves through. Predictions enter as
// processing, are routed to pending or an auto decision, and terminate at a
// human approved/rejected.
const (
	StatusProcessing            = "processing"
	StatusPending               = "pending"
	StatusApproved              = "approved"
	StatusRejected              = "rejected"
	StatusAutoApproved          = "auto_approved"
	StatusAutoRejected          = "auto_rejected"
	StatusNeedsReclassification = "needs_reclassification"
)

// Anchor statuses of a camera object track.
const (
	AnchorPending  = "pending"
	AnchorApproved = "approved"
	AnchorRejected = "rejected"
	AnchorConflict = "conflict"
)

// Prediction types.
const (
	TypeKeyframe  = "keyframe"
	TypeTimeRange = "time_range"
)

// Prediction is one model output on one video.
type Prediction struct {
	ID            int64
	VideoID       int64
	CameraID      string // denormalized from the video at load time
	ModelName     string
	ModelVersion  string
	Scenario      string
	Type          string
	Confidence    float64
	Timestamp     float64 // keyframe
	Start, End    float64 // time_range
	BBox          *geom.BBox
	PredictedTags map[string]string
	CorrectedTags map[string]string
	ReviewStatus  string
	GroupID       *int64
	TrackID       *int64
	ParentID      *int64
}

// Reviewed reports whether a human made the call on this prediction.
func (p *Prediction) Reviewed() bool {
	return p.ReviewStatus == StatusApproved || p.ReviewStatus == StatusRejected
}

// Group clusters keyframe predictions from one camera that likely show the
// same object in one burst. Aggregates are recomputed on member change.
type Group struct {
	ID               int64
	CameraID         string
	Scenario         string
	RepresentativeID *int64
	CentroidX        float64
	CentroidY        float64
	AvgBBox          geom.BBox
	MemberCount      int
	MinConfidence    float64
	MaxConfidence    float64
	AvgConfidence    float64
	MinTimestamp     float64
	MaxTimestamp     float64
	ReviewStatus     string
}

// CameraObjectTrack aggregates predictions from one camera over a longer
// horizon. Its anchor decision is inherited by newly attached predictions
// and propagated to pending members.
type CameraObjectTrack struct {
	ID                    int64
	CameraID              string
	Scenario              string
	MemberCount           int
	CentroidX             float64
	CentroidY             float64
	AvgBBox               geom.BBox
	AnchorStatus          string
	VehicleSubtype        string
	ActualClass           string
	ClassifiedBy          string
	CrossCameraConflict   bool
	FirstSeen             float64
	LastSeen              float64
	CrossCameraIdentityID *int64
}

// AnchorReviewed reports whether the anchor decision is usable for
// inheritance and propagation.
func (t *CameraObjectTrack) AnchorReviewed() bool {
	return t.AnchorStatus == AnchorApproved || t.AnchorStatus == AnchorRejected
}

// inheritedStatus maps an anchor decision onto a member prediction status.
func inheritedStatus(anchorStatus string) string {
	switch anchorStatus {
	case AnchorApproved:
		return StatusAutoApproved
	case AnchorRejected:
		return StatusAutoRejected
	}
	return ""
}
