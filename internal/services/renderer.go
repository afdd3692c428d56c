package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/models"
)

// RenderRequest is everything needed to turn a plan into a file.
type RenderRequest struct {
	Plan      *models.CompositionPlan
	AudioPath string
	// Sources maps VideoSource.ID to its local path.
	Sources map[string]string
	Config  models.SyncConfig
	WorkDir string
	// Checkpoint is consulted before every segment and before the final
	// mux. A non-nil result aborts the render.
	Checkpoint func() error
	// OnSegment reports progress after each rendered segment.
	OnSegment func(done, total int)
}

type RenderOutput struct {
	Path            string
	DurationSeconds float64
}

// Renderer drives a MediaTool through segment render, concat and mux.
type Renderer struct {
	media  MediaTool
	logger zerolog.Logger
}

func NewRenderer(media MediaTool) *Renderer {
	return &Renderer{media: media, logger: xlog.WithComponent("renderer")}
}

// Render produces the composition under req.WorkDir. Every partial file
// is removed when it fails; on success only the returned file remains.
func (r *Renderer) Render(ctx context.Context, req RenderRequest) (*RenderOutput, error) {
	if req.Plan == nil || len(req.Plan.Segments) == 0 {
		return nil, models.NewError(models.CodeCompositionFailure, "plan has no segments")
	}
	logger := xlog.FromContext(ctx, r.logger)

	renderDir := filepath.Join(req.WorkDir, "render")
	if err := os.MkdirAll(renderDir, 0o755); err != nil {
		return nil, models.WrapError(models.CodeCompositionFailure, err, "failed to create render dir")
	}

	format := req.Config.OutputFormat
	if format == "" {
		format = "mp4"
	}
	outputPath := filepath.Join(req.WorkDir, "output."+format)

	out, err := r.render(ctx, req, renderDir, outputPath, logger)
	os.RemoveAll(renderDir)
	if err != nil {
		os.Remove(outputPath)
		return nil, err
	}
	return out, nil
}

func (r *Renderer) render(ctx context.Context, req RenderRequest, renderDir, outputPath string, logger zerolog.Logger) (*RenderOutput, error) {
	cfg := req.Config
	total := len(req.Plan.Segments)
	segmentPaths := make([]string, 0, total)

	for i, seg := range req.Plan.Segments {
		if err := checkpoint(ctx, req.Checkpoint); err != nil {
			return nil, err
		}

		src, ok := req.Sources[seg.SourceClipID]
		if !ok {
			return nil, models.NewError(models.CodeCompositionFailure, "segment %d references unknown source %q", seg.Index, seg.SourceClipID)
		}

		transitionDuration := cfg.TransitionDurationSeconds
		if seg.TransitionIn == models.TransitionCut {
			transitionDuration = 0
		}

		path := filepath.Join(renderDir, fmt.Sprintf("seg_%04d.mp4", i))
		err := r.media.RenderSegment(ctx, SegmentJob{
			SourcePath:         src,
			StartSeconds:       seg.SourceStartSeconds,
			DurationSeconds:    seg.SegmentDurationSeconds,
			Width:              cfg.OutputWidth,
			Height:             cfg.OutputHeight,
			FPS:                cfg.OutputFPS,
			Transition:         seg.TransitionIn,
			TransitionDuration: transitionDuration,
			OutputPath:         path,
		})
		if err != nil {
			return nil, mediaError(ctx, err, "failed to render segment %d", seg.Index)
		}
		segmentPaths = append(segmentPaths, path)

		logger.Debug().Int("segment", i+1).Int("total", total).Str("source", seg.SourceClipID).Msg("segment rendered")
		if req.OnSegment != nil {
			req.OnSegment(i+1, total)
		}
	}

	if err := checkpoint(ctx, req.Checkpoint); err != nil {
		return nil, err
	}

	videoPath := filepath.Join(renderDir, "video.mp4")
	if err := r.media.Concat(ctx, segmentPaths, videoPath); err != nil {
		return nil, mediaError(ctx, err, "failed to concatenate segments")
	}

	err := r.media.MuxAudio(ctx, MuxJob{
		VideoPath:       videoPath,
		AudioPath:       req.AudioPath,
		OutputPath:      outputPath,
		Format:          cfg.OutputFormat,
		DurationSeconds: req.Plan.TotalDurationSeconds,
		IncludeAudio:    cfg.IncludeAudio,
		FadeInSeconds:   cfg.AudioFadeInSeconds,
		FadeOutSeconds:  cfg.AudioFadeOutSeconds,
	})
	if err != nil {
		return nil, mediaError(ctx, err, "failed to mux audio")
	}

	logger.Info().Int("segments", total).Float64("duration", req.Plan.TotalDurationSeconds).Str("path", outputPath).Msg("render complete")

	return &RenderOutput{Path: outputPath, DurationSeconds: req.Plan.TotalDurationSeconds}, nil
}

func checkpoint(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fn != nil {
		return fn()
	}
	return nil
}

// mediaError keeps context errors intact so the caller can tell a timeout
// or cancellation apart from a genuine render failure.
func mediaError(ctx context.Context, err error, format string, args ...interface{}) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return models.WrapError(models.CodeCompositionFailure, err, format, args...)
}
