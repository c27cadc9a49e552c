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
	"wsifocus/pkg/imageio"
	"wsifocus/pkg/slide"
)

// FusedTileName is the output name of the fused tile at a base-level origin
func FusedTileName(source string, origin image.Point) string {
	return fmt.Sprintf("%s_y%d_x%d.png", source, origin.Y, origin.X)
}

// Fuse runs the Z-stack tile pipeline over every slide in paths. Each slide
// writes <OutputDir>/<name>/<name>_y<y>_x<x>.png per complete tile, with
// the origin in level 0 pixels. It returns one result per slide whose
// children are the per-tile results. Only invalid parameters fail the call.
func (p *Pipeline) Fuse(ctx context.Context, paths []string) ([]batch.Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.logger.Info("Fusing slides",
		zap.Int("slides", len(paths)),
		zap.Int("tileSize", p.params.TileSize),
		zap.Int("overlap", p.params.Overlap),
		zap.Int("level", p.params.Level))

	return batch.Run(ctx, p.params.Workers, paths, identity, p.fuseSlide), nil
}

func identity(s string) string { return s }

func (p *Pipeline) fuseSlide(ctx context.Context, path string) batch.Result {
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
	outDir := filepath.Join(p.params.OutputDir, s.Name())
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return batch.Fail(path, fmt.Errorf("create output directory: %w", err))
	}

	log := p.logger.With(zap.String("slide", s.Name()))
	log.Info("Processing slide",
		zap.Int("planes", count),
		zap.Int("width", dims.X),
		zap.Int("height", dims.Y),
		zap.Int("tiles", g.Len()))

	reader := slide.NewReader(s)
	res := batch.Result{Item: path, Outcome: batch.Processed}
	for origin := range g.Origins() {
		if err := ctx.Err(); err != nil {
			res.Children = append(res.Children, batch.Fail(FusedTileName(s.Name(), origin), err))
			break
		}
		res.Children = append(res.Children, p.fuseTile(reader, origin, count, outDir, log))
	}
	return res
}

// fuseTile reads every plane of the tile at origin (level pixels) and writes
// the fused result. A stack missing any plane is skipped, never fused.
func (p *Pipeline) fuseTile(reader *slide.Reader, origin image.Point, count int, outDir string, log *zap.Logger) batch.Result {
	s := reader.Slide()
	level := p.params.Level
	base := slide.ToBase(s, level, origin)
	tile := models.TileCoord{OriginX: base.X, OriginY: base.Y, SizeX: p.params.TileSize, SizeY: p.params.TileSize}
	name := FusedTileName(s.Name(), base)
	log = log.With(zap.Stringer("tile", tile))

	stack := models.PlaneStack{Tile: tile}
	var missing []int
	for z := 0; z < count; z++ {
		buf, err := reader.Read(tile.Origin(), level, z, tile.Size())
		switch {
		case err == nil:
			stack.Planes = append(stack.Planes, buf)
		case errors.Is(err, models.ErrPlaneUnavailable):
			log.Debug("Plane unavailable", zap.Int("plane", z), zap.Error(err))
			missing = append(missing, z)
		default:
			log.Error("Tile read failed", zap.Int("plane", z), zap.Error(err))
			return batch.Fail(name, err)
		}
	}
	if len(missing) > 0 {
		log.Warn("Skipping incomplete stack", zap.Ints("missing", missing), zap.Int("planes", count))
		return batch.Skip(name, fmt.Errorf("%w: read %d of %d planes, missing %v",
			models.ErrIncompleteStack, stack.Len(), count, missing))
	}

	fused, err := p.fuser.Fuse(stack.Planes)
	if err != nil {
		log.Error("Tile fusion failed", zap.Error(err))
		return batch.Fail(name, err)
	}
	output := filepath.Join(outDir, name)
	if err := imageio.SavePNG(output, fused); err != nil {
		log.Error("Writing fused tile failed", zap.Error(err))
		return batch.Fail(name, fmt.Errorf("write %s: %w", output, err))
	}
	return batch.Done(name, output)
}
