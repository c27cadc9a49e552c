package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"wsifocus/internal/models"
	"wsifocus/pkg/batch"
	"wsifocus/pkg/fusion"
	"wsifocus/pkg/imageio"
	"wsifocus/pkg/slide"
)

// BestFocusName is the output name for the winning candidate
func BestFocusName(across Across, index int) string {
	if across == AcrossPlanes {
		return fmt.Sprintf("best_focus_plane_%d.tiff", index)
	}
	return fmt.Sprintf("best_focus_level_%d.tiff", index)
}

// BestFocus reads a centered region of one slide either from every level of
// Plane or from every plane of Level, keeps the candidate with the highest
// focus score and writes it to OutputDir as a TIFF.
func (p *Pipeline) BestFocus(ctx context.Context, path string) batch.Result {
	params := p.params
	if params.RegionSize < 1 {
		return batch.Fail(path, fmt.Errorf("%w: region size %d", models.ErrInvalidConfiguration, params.RegionSize))
	}
	across := params.Across
	if across == "" {
		across = AcrossLevels
	}
	if across != AcrossLevels && across != AcrossPlanes {
		return batch.Fail(path, fmt.Errorf("%w: cannot compare across %q", models.ErrInvalidConfiguration, across))
	}

	level := 0
	if across == AcrossPlanes {
		level = params.Level
	}
	s, count, err := p.openSlide(path, level)
	if err != nil {
		return batch.Fail(path, err)
	}
	defer s.Close()

	reader := slide.NewReader(s)
	log := p.logger.With(zap.String("slide", s.Name()), zap.String("across", string(across)))

	var (
		candidates []*image.RGBA
		indices    []int
	)
	add := func(level, plane, index int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		origin, size := centered(s.LevelDimensions()[level], params.RegionSize)
		buf, err := reader.Read(slide.ToBase(s, level, origin), level, plane, size)
		if err != nil {
			return err
		}
		candidates = append(candidates, buf)
		indices = append(indices, index)
		return nil
	}

	if across == AcrossLevels {
		for l := range s.LevelDimensions() {
			if err := add(l, params.Plane, l); err != nil {
				log.Warn("Level unreadable", zap.Int("level", l), zap.Error(err))
			}
		}
	} else {
		for z := 0; z < count; z++ {
			if err := add(level, z, z); err != nil {
				log.Warn("Plane unreadable", zap.Int("plane", z), zap.Error(err))
			}
		}
	}

	best, scores, err := fusion.SelectBest(candidates)
	if err != nil {
		return batch.Fail(path, fmt.Errorf("no readable candidate: %w", err))
	}
	for i, score := range scores {
		log.Info("Focus score", zap.Int(string(across), indices[i]), zap.Float64("score", score))
	}
	log.Info("Best focus", zap.Int("index", indices[best]), zap.Float64("score", scores[best]))

	if err := os.MkdirAll(params.OutputDir, 0755); err != nil {
		return batch.Fail(path, fmt.Errorf("create output directory: %w", err))
	}
	output := filepath.Join(params.OutputDir, BestFocusName(across, indices[best]))
	if err := imageio.SaveTIFF(output, candidates[best]); err != nil {
		return batch.Fail(path, fmt.Errorf("write %s: %w", output, err))
	}
	return batch.Done(path, output)
}

// centered returns the origin and size of a region of edge size centered in
// a level of dims, clipped to it
func centered(dims image.Point, size int) (image.Point, image.Point) {
	origin := image.Pt(max(0, dims.X/2-size/2), max(0, dims.Y/2-size/2))
	return origin, image.Pt(min(size, dims.X-origin.X), min(size, dims.Y-origin.Y))
}
