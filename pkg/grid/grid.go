// Package grid partitions a plane's pixel extent into a grid of possibly
// overlapping tiles.
package grid

import (
	"fmt"
	"image"
	"iter"

	"wsifocus/internal/models"
)

// Grid describes a tiling of a Width x Height plane
type Grid struct {
	Width, Height int
	TileSize      int
	Overlap       int
}

// New validates the tiling parameters and returns the grid.
// It fails with models.ErrInvalidConfiguration unless 0 <= overlap < tileSize.
func New(width, height, tileSize, overlap int) (Grid, error) {
	if err := Validate(tileSize, overlap); err != nil {
		return Grid{}, err
	}
	if width < 0 || height < 0 {
		return Grid{}, fmt.Errorf("%w: negative plane size %dx%d", models.ErrInvalidConfiguration, width, height)
	}
	return Grid{Width: width, Height: height, TileSize: tileSize, Overlap: overlap}, nil
}

// Validate checks tile size and overlap without needing plane dimensions, so
// callers can fail before opening any input.
func Validate(tileSize, overlap int) error {
	if overlap < 0 {
		return fmt.Errorf("%w: overlap %d is negative", models.ErrInvalidConfiguration, overlap)
	}
	if tileSize <= overlap {
		return fmt.Errorf("%w: tile size %d must exceed overlap %d", models.ErrInvalidConfiguration, tileSize, overlap)
	}
	return nil
}

// Stride is the step between consecutive tile origins
func (g Grid) Stride() int {
	return g.TileSize - g.Overlap
}

// Origins yields tile origins row by row: y steps by the stride from 0 while
// y < Height, and for each y, x steps by the stride from 0 while x < Width.
// The sequence is a pure function of the grid and can be ranged any number
// of times.
func (g Grid) Origins() iter.Seq[image.Point] {
	stride := g.Stride()
	return func(yield func(image.Point) bool) {
		for y := 0; y < g.Height; y += stride {
			for x := 0; x < g.Width; x += stride {
				if !yield(image.Pt(x, y)) {
					return
				}
			}
		}
	}
}

// Rows and Cols return the number of tile rows and columns
func (g Grid) Rows() int { return ceilDiv(g.Height, g.Stride()) }
func (g Grid) Cols() int { return ceilDiv(g.Width, g.Stride()) }

// Len returns the number of tiles the grid yields
func (g Grid) Len() int {
	return g.Rows() * g.Cols()
}

// Clip returns the part of the tile at origin that lies inside the plane.
// Origins produced by Origins always give a non-empty rectangle.
func (g Grid) Clip(origin image.Point) image.Rectangle {
	r := image.Rect(origin.X, origin.Y, origin.X+g.TileSize, origin.Y+g.TileSize)
	return r.Intersect(image.Rect(0, 0, g.Width, g.Height))
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
