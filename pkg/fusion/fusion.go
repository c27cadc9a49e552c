// Package fusion merges a stack of co-registered focal planes into one
// extended-depth-of-field buffer.
package fusion

import (
	"fmt"
	"image"

	"gonum.org/v1/gonum/floats"

	"wsifocus/internal/models"
	"wsifocus/pkg/focus"
)

// Fuser performs per-pixel plane selection
type Fuser struct {
	// WindowRadius is the half-width of the window ScoreField averages over
	WindowRadius int
}

// NewFuser creates a per-pixel fuser using the given score window radius
func NewFuser(windowRadius int) *Fuser {
	return &Fuser{WindowRadius: windowRadius}
}

// Fuse selects, for every pixel, the plane whose local sharpness is highest
// at that pixel and copies that plane's pixel (all channels together) to the
// output. Ties go to the lowest plane index.
//
// It fails with models.ErrEmptyStack on zero planes and models.ErrShapeMismatch
// when planes differ in size.
func (f *Fuser) Fuse(planes []*image.RGBA) (*image.RGBA, error) {
	choice, err := f.Selection(planes)
	if err != nil {
		return nil, err
	}

	b := planes[0].Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := planes[choice[y*w+x]]
			si := y*src.Stride + x*4
			di := y*out.Stride + x*4
			copy(out.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return out, nil
}

// Selection returns the row-major map of chosen plane indices that Fuse uses
func (f *Fuser) Selection(planes []*image.RGBA) ([]int, error) {
	if err := checkShapes(planes); err != nil {
		return nil, err
	}

	b := planes[0].Bounds()
	n := b.Dx() * b.Dy()
	choice := make([]int, n)
	best := focus.ScoreField(planes[0], f.WindowRadius)
	for z := 1; z < len(planes); z++ {
		field := focus.ScoreField(planes[z], f.WindowRadius)
		for i, v := range field {
			if v > best[i] {
				best[i] = v
				choice[i] = z
			}
		}
	}
	return choice, nil
}

// SelectBest is the whole-plane variant: it scores every candidate with
// focus.Score and returns the index and score of the sharpest one, ties going
// to the lowest index. Candidates may differ in size. It fails with
// models.ErrEmptyStack when there are no candidates.
func SelectBest(candidates []*image.RGBA) (int, []float64, error) {
	if len(candidates) == 0 {
		return -1, nil, models.ErrEmptyStack
	}
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = focus.Score(c)
	}
	return floats.MaxIdx(scores), scores, nil
}

func checkShapes(planes []*image.RGBA) error {
	if len(planes) == 0 {
		return models.ErrEmptyStack
	}
	want := planes[0].Bounds().Size()
	for z, p := range planes[1:] {
		if got := p.Bounds().Size(); got != want {
			return fmt.Errorf("%w: plane %d is %dx%d, plane 0 is %dx%d",
				models.ErrShapeMismatch, z+1, got.X, got.Y, want.X, want.Y)
		}
	}
	return nil
}
