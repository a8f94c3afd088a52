package compiler

import (
	"context"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/catalog"
	"github.com/teranos/hubjobs/pulse/dataset"
)

// SpaceCatalog is the space metadata compilers consult
type SpaceCatalog interface {
	Get(ctx context.Context, id string) (*catalog.SpaceInfo, error)
	ResolveTag(ctx context.Context, spaceID, tag string) (int64, error)
}

// VersionResolver turns HEAD, HEAD~n and tags into concrete version numbers
type VersionResolver struct {
	catalog SpaceCatalog
}

// NewVersionResolver creates a resolver over the catalog
func NewVersionResolver(c SpaceCatalog) *VersionResolver {
	return &VersionResolver{catalog: c}
}

// Resolve returns the concrete reference for ref in the given space.
// Range endpoints resolve individually and must not be reversed. Concrete numbers
// are checked against the space too, so a missing space or a version past HEAD fails.
func (r *VersionResolver) Resolve(ctx context.Context, spaceID string, ref dataset.VersionRef) (dataset.VersionRef, error) {
	space, err := r.catalog.Get(ctx, spaceID)
	if err != nil {
		return dataset.VersionRef{}, err
	}
	return r.resolveIn(ctx, space, ref)
}

func (r *VersionResolver) resolveIn(ctx context.Context, space *catalog.SpaceInfo, ref dataset.VersionRef) (dataset.VersionRef, error) {
	start, err := r.point(ctx, space, ref.Start)
	if err != nil {
		return dataset.VersionRef{}, err
	}
	if ref.End == nil {
		return dataset.Version(start), nil
	}
	end, err := r.point(ctx, space, *ref.End)
	if err != nil {
		return dataset.VersionRef{}, err
	}
	if start > end {
		return dataset.VersionRef{}, errors.NewInvalidRequestError("version range %s resolves to %d..%d", ref, start, end)
	}
	return dataset.Resolved(start, end), nil
}

func (r *VersionResolver) point(ctx context.Context, space *catalog.SpaceInfo, p dataset.Point) (int64, error) {
	switch p.Kind {
	case dataset.PointNumber:
		if p.Version > space.HeadVersion {
			return 0, errors.NewInvalidRequestError("version %d of space %s is beyond HEAD %d", p.Version, space.ID, space.HeadVersion)
		}
		return p.Version, nil
	case dataset.PointTag:
		v, err := r.catalog.ResolveTag(ctx, space.ID, p.Tag)
		if err != nil {
			return 0, errors.WithHintf(err, "tag %q is not defined on space %s", p.Tag, space.ID)
		}
		return v, nil
	}
	return max(0, space.HeadVersion-p.Offset), nil
}
