// Package pipeline runs whole slides through the tile-based stages: fusing
// every grid cell across focal planes, extracting per-plane tiles for the
// grouped pipeline, and picking the single sharpest level or plane.
//
// Each slide is one work item. A worker opens the slide, walks the tile grid
// of the chosen level and writes outputs under names derived only from the
// slide name and tile position, so reruns and different pool sizes produce
// the same files.
package pipeline

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"wsifocus/internal/models"
	"wsifocus/pkg/fusion"
	"wsifocus/pkg/grid"
	"wsifocus/pkg/slide"
)

// Across selects what best-focus extraction compares
type Across string

const (
	// AcrossLevels compares the pyramid levels of one plane
	AcrossLevels Across = "levels"

	// AcrossPlanes compares the focal planes of one level
	AcrossPlanes Across = "planes"
)

// Params holds the pipeline parameters shared by every stage
type Params struct {
	// OutputDir is the root directory outputs are written under
	OutputDir string

	// TileSize is the edge length of a square tile in level pixels
	TileSize int

	// Overlap is the number of pixels shared by neighbouring tiles
	Overlap int

	// Level is the pyramid level tiles are read from
	Level int

	// Workers bounds how many slides are processed at once; zero means one
	// per CPU. Results do not depend on it.
	Workers int

	// WindowRadius is the focus window half-width used by the fuser
	WindowRadius int

	// RegionSize is the edge of the centered best-focus region
	RegionSize int

	// Across chooses levels or planes for best-focus extraction
	Across Across

	// Plane is the plane compared across levels in best-focus extraction
	Plane int
}

// Pipeline processes slides opened through a slide.Opener
type Pipeline struct {
	params *Params
	open   slide.Opener
	fuser  *fusion.Fuser
	logger *zap.Logger
}

// NewPipeline creates a pipeline; a nil logger discards output
func NewPipeline(params *Params, open slide.Opener, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		params: params,
		open:   open,
		fuser:  fusion.NewFuser(params.WindowRadius),
		logger: logger,
	}
}

// validate rejects parameters before any slide is opened
func (p *Pipeline) validate() error {
	if err := grid.Validate(p.params.TileSize, p.params.Overlap); err != nil {
		return err
	}
	if p.params.Level < 0 {
		return fmt.Errorf("%w: level %d is negative", models.ErrInvalidConfiguration, p.params.Level)
	}
	if p.params.WindowRadius < 0 {
		return fmt.Errorf("%w: window radius %d is negative", models.ErrInvalidConfiguration, p.params.WindowRadius)
	}
	return nil
}

// openSlide opens path and checks the configured level exists. The returned
// plane count falls back to 1 when the decoder cannot tell.
func (p *Pipeline) openSlide(path string, level int) (slide.Slide, int, error) {
	s, err := p.open(path)
	if err != nil {
		if !errors.Is(err, models.ErrDecode) {
			err = fmt.Errorf("%w: open %s: %v", models.ErrDecode, path, err)
		}
		return nil, 0, err
	}

	if n := len(s.LevelDimensions()); level >= n {
		s.Close()
		return nil, 0, fmt.Errorf("%w: level %d requested, %s has %d levels",
			models.ErrInvalidConfiguration, level, s.Name(), n)
	}

	count, known := s.DeclaredPlaneCount()
	if !known || count < 1 {
		p.logger.Warn("Plane count unknown, assuming a single plane", zap.String("slide", s.Name()))
		count = 1
	}
	return s, count, nil
}
