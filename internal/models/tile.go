package models

import (
	"fmt"
	"image"
)

// TileCoord addresses one tile of a slide. The origin is in base-level
// (level 0) pixels so tiles of every level share one coordinate space; the
// size is relative to the level being read, which is what the decoder
// returns. At level 0 both coincide.
type TileCoord struct {
	// OriginX and OriginY are the top-left corner of the tile at level 0
	OriginX, OriginY int

	// SizeX and SizeY are the requested extent in level pixels. The reader
	// clips this at the level edge.
	SizeX, SizeY int
}

// Origin returns the tile origin as an image.Point
func (c TileCoord) Origin() image.Point {
	return image.Pt(c.OriginX, c.OriginY)
}

// Size returns the requested tile size as an image.Point
func (c TileCoord) Size() image.Point {
	return image.Pt(c.SizeX, c.SizeY)
}

func (c TileCoord) String() string {
	return fmt.Sprintf("(%d,%d)+%dx%d", c.OriginX, c.OriginY, c.SizeX, c.SizeY)
}

// PlaneStack is the ordered set of focal-plane buffers for one tile.
// Index i of Planes holds focal plane i. All planes share the same bounds.
type PlaneStack struct {
	// Tile is where the stack was read from
	Tile TileCoord

	// Planes holds one RGBA buffer per focal plane, in plane order
	Planes []*image.RGBA
}

// Len returns the number of planes in the stack
func (s PlaneStack) Len() int {
	return len(s.Planes)
}

// TileKey identifies one physical tile location across all of its
// per-plane files.
type TileKey struct {
	// Source is the name of the slide the tile was cut from
	Source string

	// Rows is the row range as written in the file name, e.g. "0-4096"
	Rows string

	// Cols is the column range as written in the file name
	Cols string
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s_y%s_x%s", k.Source, k.Rows, k.Cols)
}

// PlaneFile is one per-plane tile image on disk
type PlaneFile struct {
	Path  string
	Level int
	Plane int
}
