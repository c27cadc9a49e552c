package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"wsifocus/internal/models"
	"wsifocus/pkg/batch"
	"wsifocus/pkg/grid"
	"wsifocus/pkg/grouping"
	"wsifocus/pkg/imageio"
	"wsifocus/pkg/slide"
)

// Extract writes every plane of every tile of each slide as its own PNG
// directly in OutputDir, named <name>_l<level>_z<plane>_y<y0>-<y1>_x<x0>-<x1>.png.
// Ranges are in level pixels and span the full tile size even where the
// content is clipped at the edge. The files are the input of the grouped
// pipeline.
func (p *Pipeline) Extract(ctx context.Context, paths []string) ([]batch.Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.params.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	p.logger.Info("Extracting planes",
		zap.Int("slides", len(paths)),
		zap.Int("tileSize", p.params.TileSize),
		zap.Int("level", p.params.Level))

	return batch.Run(ctx, p.params.Workers, paths, identity, p.extractSlide), nil
}

func (p *Pipeline) extractSlide(ctx context.Context, path string) batch.Result {
	level := p.params.Level
	s, count, err := p.openSlide(path, level)
	if err != nil {
		p.logger.Error("Skipping slide", zap.String("slide", path), zap.Error(err))
		return batch.Fail(path, err)
	}
	defer s.Close()

	dims := s.LevelDimensions()[level]
	g, err := grid.New(dims.X, dims.Y, p.params.TileSize, p.params.Overlap)
	if err != nil {
		return batch.Fail(path, err)
	}
	if g.Len() == 0 {
		p.logger.Warn("Skipping slide with an empty level", zap.String("slide", s.Name()), zap.Int("level", level))
		return batch.Skip(path, fmt.Errorf("%w: level %d of %s is %dx%d", models.ErrNoInput, level, s.Name(), dims.X, dims.Y))
	}
	log := p.logger.With(zap.String("slide", s.Name()))
	log.Info("Extracting slide", zap.Int("planes", count), zap.Int("tiles", g.Len()))

	reader := slide.NewReader(s)
	size := p.params.TileSize
	res := batch.Result{Item: path, Outcome: batch.Processed}
	for z := 0; z < count; z++ {
		for origin := range g.Origins() {
			name := grouping.PlaneFileName(s.Name(), level, z, origin.Y, origin.Y+size, origin.X, origin.X+size)
			if err := ctx.Err(); err != nil {
				res.Children = append(res.Children, batch.Fail(name, err))
				return res
			}

			buf, err := reader.Read(slide.ToBase(s, level, origin), level, z, image.Pt(size, size))
			if err != nil {
				if errors.Is(err, models.ErrPlaneUnavailable) {
					log.Warn("Plane unavailable, skipping tile", zap.Int("plane", z), zap.Error(err))
					res.Children = append(res.Children, batch.Skip(name, err))
					continue
				}
				log.Error("Tile read failed", zap.Int("plane", z), zap.String("tile", name), zap.Error(err))
				res.Children = append(res.Children, batch.Fail(name, err))
				continue
			}

			output := filepath.Join(p.params.OutputDir, name)
			if err := imageio.SavePNG(output, buf); err != nil {
				res.Children = append(res.Children, batch.Fail(name, fmt.Errorf("write %s: %w", output, err)))
				continue
			}
			res.Children = append(res.Children, batch.Done(name, output))
		}
	}
	return res
}
