package hloc

import (
	"context"
	"log/slog"

	"sfmbatch/internal/config"
)

// ExtractRequest names the images of one frame and where features go.
type ExtractRequest struct {
	ImageDir    string
	ImageList   []string
	FeaturePath string
}

// MatchRequest names the pairs to match and the feature and match files.
type MatchRequest struct {
	PairsPath   string
	FeaturePath string
	MatchPath   string
}

// ReconstructRequest describes one mapping run. Refine selects featuremetric
// keypoint and bundle adjustment; without it both are disabled.
type ReconstructRequest struct {
	OutputDir   string
	ImageDir    string
	ImageList   []string
	PairsPath   string
	FeaturePath string
	MatchPath   string
	Refine      bool
}

// ReconstructReply is what the mapper reports back.
type ReconstructReply struct {
	RegisteredImages int `json:"registered_images"`
	Points3D         int `json:"points3d"`
}

type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) error
}

type Matcher interface {
	Match(ctx context.Context, req MatchRequest) error
}

type Reconstructor interface {
	Reconstruct(ctx context.Context, req ReconstructRequest) (ReconstructReply, error)
}

// RefinementConf returns the refiner configuration for a run.
func RefinementConf(refine bool, maxEdge int) map[string]any {
	if !refine {
		return map[string]any{
			"KA": map[string]any{"apply": false},
			"BA": map[string]any{"apply": false},
		}
	}
	return map[string]any{
		"dense_features": map[string]any{"max_edge": maxEdge},
	}
}

type extractor struct {
	bridge  *Bridge
	presets config.Presets
}

// NewExtractor returns an Extractor using the configured feature preset.
func NewExtractor(b *Bridge, presets config.Presets) Extractor {
	return &extractor{bridge: b, presets: presets}
}

func (e *extractor) Extract(ctx context.Context, req ExtractRequest) error {
	return e.bridge.Call(ctx, "extract", map[string]any{
		"conf":         e.presets.Features,
		"image_dir":    req.ImageDir,
		"image_list":   req.ImageList,
		"feature_path": req.FeaturePath,
	}, nil)
}

type matcher struct {
	bridge  *Bridge
	presets config.Presets
}

// NewMatcher returns a Matcher using the configured matcher preset.
func NewMatcher(b *Bridge, presets config.Presets) Matcher {
	return &matcher{bridge: b, presets: presets}
}

func (m *matcher) Match(ctx context.Context, req MatchRequest) error {
	return m.bridge.Call(ctx, "match", map[string]any{
		"conf":         m.presets.Matcher,
		"pairs_path":   req.PairsPath,
		"feature_path": req.FeaturePath,
		"match_path":   req.MatchPath,
	}, nil)
}

type reconstructor struct {
	bridge  *Bridge
	presets config.Presets
}

// NewReconstructor returns a Reconstructor that maps with the configured
// camera settings and refines with the configured dense feature size.
func NewReconstructor(b *Bridge, presets config.Presets) Reconstructor {
	return &reconstructor{bridge: b, presets: presets}
}

func (r *reconstructor) Reconstruct(ctx context.Context, req ReconstructRequest) (ReconstructReply, error) {
	var reply ReconstructReply
	err := r.bridge.Call(ctx, "reconstruct", map[string]any{
		"conf":           RefinementConf(req.Refine, r.presets.MaxEdge),
		"output_dir":     req.OutputDir,
		"image_dir":      req.ImageDir,
		"image_list":     req.ImageList,
		"pairs_path":     req.PairsPath,
		"feature_path":   req.FeaturePath,
		"match_path":     req.MatchPath,
		"camera_mode":    r.presets.CameraMode,
		"camera_model":   r.presets.CameraModel,
		"mapper_options": r.presets.MapperOptions,
	}, &reply)
	if err != nil {
		return ReconstructReply{}, err
	}
	r.bridge.logger.Debug("mapper finished",
		slog.String("output", req.OutputDir),
		slog.Int("registered_images", reply.RegisteredImages),
		slog.Int("points3d", reply.Points3D),
	)
	return reply, nil
}
