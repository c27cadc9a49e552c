// Package slide defines the decoder capability for multi-plane pyramidal
// slides and the Region Reader that wraps it.
//
// A decoder only needs to return pixel regions. The Reader on top of it
// converts every region to opaque RGBA, clips reads at the level edge and
// sorts failures into models.ErrPlaneUnavailable (recoverable, the plane
// simply is not there) and models.ErrDecode (anything else).
package slide

import (
	"errors"
	"fmt"
	"image"

	"wsifocus/internal/models"
	"wsifocus/pkg/imageio"
)

// Slide is an opened pyramidal image source with one or more focal planes.
// A Slide is owned by a single worker and is not safe for concurrent use.
type Slide interface {
	// Name identifies the slide in output file names
	Name() string

	// LevelDimensions returns (width, height) per pyramid level, level 0
	// being the full resolution
	LevelDimensions() []image.Point

	// DeclaredPlaneCount returns the number of focal planes at the base level
	// and whether the decoder actually knows it
	DeclaredPlaneCount() (count int, known bool)

	// ReadRegion returns the pixels of size (in level pixels) at origin (in
	// level 0 pixels) for the given level and plane. The region lies inside
	// the level.
	ReadRegion(origin image.Point, level, plane int, size image.Point) (image.Image, error)

	// Close releases the slide
	Close() error
}

// Opener opens a slide container at path
type Opener func(path string) (Slide, error)

// Downsample returns the factor between level 0 and level along x
func Downsample(s Slide, level int) float64 {
	dims := s.LevelDimensions()
	if level <= 0 || level >= len(dims) || dims[level].X == 0 {
		return 1
	}
	return float64(dims[0].X) / float64(dims[level].X)
}

// ToBase converts a point in level pixels to level 0 pixels
func ToBase(s Slide, level int, p image.Point) image.Point {
	ds := Downsample(s, level)
	return image.Pt(int(float64(p.X)*ds+0.5), int(float64(p.Y)*ds+0.5))
}

// toLevel converts a point in level 0 pixels to level pixels
func toLevel(s Slide, level int, p image.Point) image.Point {
	ds := Downsample(s, level)
	return image.Pt(int(float64(p.X)/ds+0.5), int(float64(p.Y)/ds+0.5))
}

// Reader reads RGBA regions from a Slide
type Reader struct {
	slide Slide
}

// NewReader wraps s
func NewReader(s Slide) *Reader {
	return &Reader{slide: s}
}

// Slide returns the wrapped slide
func (r *Reader) Slide() Slide {
	return r.slide
}

// Read returns the region at origin (level 0 pixels) of size (level pixels),
// clipped to the level extent, as an opaque RGBA buffer starting at (0,0).
func (r *Reader) Read(origin image.Point, level, plane int, size image.Point) (buf *image.RGBA, err error) {
	dims := r.slide.LevelDimensions()
	if level < 0 || level >= len(dims) {
		return nil, fmt.Errorf("%w: level %d out of range [0,%d)", models.ErrDecode, level, len(dims))
	}
	if n, known := r.slide.DeclaredPlaneCount(); plane < 0 || (known && plane >= n) {
		return nil, fmt.Errorf("%w: plane %d of %s", models.ErrPlaneUnavailable, plane, r.slide.Name())
	}

	lo := toLevel(r.slide, level, origin)
	want := image.Rectangle{Min: lo, Max: lo.Add(size)}.Intersect(image.Rectangle{Max: dims[level]})
	if want.Empty() {
		return nil, fmt.Errorf("%w: region %v+%v lies outside level %d (%dx%d)",
			models.ErrDecode, origin, size, level, dims[level].X, dims[level].Y)
	}

	defer func() {
		if p := recover(); p != nil {
			buf, err = nil, fmt.Errorf("%w: decoder panic: %v", models.ErrDecode, p)
		}
	}()

	img, err := r.slide.ReadRegion(origin, level, plane, want.Size())
	if err != nil {
		if errors.Is(err, models.ErrPlaneUnavailable) {
			return nil, fmt.Errorf("plane %d at %v: %w", plane, origin, err)
		}
		if errors.Is(err, models.ErrDecode) {
			return nil, fmt.Errorf("plane %d at %v: %w", plane, origin, err)
		}
		return nil, fmt.Errorf("%w: plane %d at %v: %v", models.ErrDecode, plane, origin, err)
	}

	buf = imageio.ToRGBA(img)
	if buf.Bounds().Size() != want.Size() {
		if buf.Bounds().Dx() < want.Dx() || buf.Bounds().Dy() < want.Dy() {
			return nil, fmt.Errorf("%w: decoder returned %v, want %v", models.ErrDecode, buf.Bounds().Size(), want.Size())
		}
		buf = imageio.Crop(buf, image.Rectangle{Max: want.Size()})
	}
	return buf, nil
}

// Info is what a slide declares about itself
type Info struct {
	Name string
	// Levels holds (width, height) per pyramid level
	Levels []image.Point
	// Planes is the declared plane count, meaningful only when PlanesKnown
	Planes      int
	PlanesKnown bool
}

// Describe opens path and reports its levels and plane count without
// decoding any pixels
func Describe(open Opener, path string) (Info, error) {
	s, err := open(path)
	if err != nil {
		if !errors.Is(err, models.ErrDecode) {
			err = fmt.Errorf("%w: open %s: %v", models.ErrDecode, path, err)
		}
		return Info{}, err
	}
	defer s.Close()

	n, known := s.DeclaredPlaneCount()
	return Info{Name: s.Name(), Levels: s.LevelDimensions(), Planes: n, PlanesKnown: known}, nil
}
