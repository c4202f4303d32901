package pipeline

import (
	"context"

	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/predict"
)

// GroupFlow is the per-camera grouping job: cluster fresh keyframe
// predictions into prediction groups, then promote them onto camera object
// tracks so the cross-camera object pass has candidates to match.
type GroupFlow struct {
	grouper *predict.Grouper
	builder *predict.TrackBuilder
	objects *predict.Store
	logf    func(format string, v ...interface{})
}

// NewGroupFlow wires the grouping flow.
func NewGroupFlow(grouper *predict.Grouper, builder *predict.TrackBuilder, objects *predict.Store) *GroupFlow {
	return &GroupFlow{
		grouper: grouper,
		builder: builder,
		objects: objects,
		logf:    monitoring.Component("GroupFlow"),
	}
}

// Run groups the camera's unassigned predictions and attaches every keyframe
// still without a camera object track, inheriting anchor decisions where the
// target track was already reviewed.
func (f *GroupFlow) Run(ctx context.Context, cameraID string) error {
	grouped, err := f.grouper.GroupCamera(ctx, cameraID)
	if err != nil {
		return err
	}
	ids, err := f.objects.UntrackedKeyframeIDs(ctx, cameraID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := f.builder.MatchNewPredictions(ctx, ids); err != nil {
		return err
	}
	f.logf("%s: %d grouped, %d promoted onto object tracks", cameraID, grouped, len(ids))
	return nil
}
