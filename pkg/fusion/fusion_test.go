package fusion

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsifocus/internal/models"
	"wsifocus/pkg/focus"
)

func grayPlane(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// withCheckerboard paints a 1px checkerboard over r
func withCheckerboard(img *image.RGBA, r image.Rectangle) *image.RGBA {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if (x+y)%2 == 0 {
				img.SetRGBA(x, y, color.RGBA{R: 255, G: 250, B: 240, A: 255})
			} else {
				img.SetRGBA(x, y, color.RGBA{R: 5, G: 0, B: 10, A: 255})
			}
		}
	}
	return img
}

func noise(w, h int, seed uint32) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	s := seed
	for i := range img.Pix {
		s = s*1664525 + 1013904223
		img.Pix[i] = uint8(s >> 24)
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

func TestFuseRejectsBadStacks(t *testing.T) {
	f := NewFuser(1)

	_, err := f.Fuse(nil)
	assert.ErrorIs(t, err, models.ErrEmptyStack)

	_, err = f.Fuse([]*image.RGBA{grayPlane(4, 4, 1), grayPlane(4, 5, 1)})
	assert.ErrorIs(t, err, models.ErrShapeMismatch)
}

func TestFuseSinglePlaneIsIdentity(t *testing.T) {
	p := noise(13, 9, 7)
	for _, radius := range []int{0, 1, 3} {
		out, err := NewFuser(radius).Fuse([]*image.RGBA{p})
		require.NoError(t, err)
		assert.Equal(t, p.Pix, out.Pix)
		assert.Equal(t, p.Bounds(), out.Bounds())
	}
}

// TestFuseCheckerboardPatch builds three uniform gray planes where plane 1
// carries a sharp 10x10 patch. Inside the patch the output must be plane 1;
// away from it every plane ties and plane 0 is chosen.
func TestFuseCheckerboardPatch(t *testing.T) {
	const w, h = 40, 40
	patch := image.Rect(15, 15, 25, 25)
	planes := []*image.RGBA{
		grayPlane(w, h, 128),
		withCheckerboard(grayPlane(w, h, 128), patch),
		grayPlane(w, h, 128),
	}

	f := NewFuser(1)
	out, err := f.Fuse(planes)
	require.NoError(t, err)
	choice, err := f.Selection(planes)
	require.NoError(t, err)

	far := patch.Inset(-(f.WindowRadius + 2))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := image.Pt(x, y)
			switch {
			case p.In(patch):
				assert.Equal(t, 1, choice[y*w+x], "choice at %v", p)
				assert.Equal(t, planes[1].RGBAAt(x, y), out.RGBAAt(x, y), "pixel at %v", p)
			case !p.In(far):
				assert.Equal(t, 0, choice[y*w+x], "choice at %v", p)
				assert.Equal(t, planes[0].RGBAAt(x, y), out.RGBAAt(x, y), "pixel at %v", p)
			}
		}
	}
}

// TestFuseSelectsMaximumScore checks the arg-max property on random planes
func TestFuseSelectsMaximumScore(t *testing.T) {
	const w, h = 17, 11
	planes := []*image.RGBA{noise(w, h, 1), noise(w, h, 2), noise(w, h, 3), noise(w, h, 1)}
	f := NewFuser(1)

	choice, err := f.Selection(planes)
	require.NoError(t, err)
	out, err := f.Fuse(planes)
	require.NoError(t, err)

	fields := make([][]float64, len(planes))
	for z, p := range planes {
		fields[z] = focus.ScoreField(p, f.WindowRadius)
	}
	for i, z := range choice {
		for other := range planes {
			assert.GreaterOrEqual(t, fields[z][i], fields[other][i])
			if fields[other][i] == fields[z][i] {
				assert.LessOrEqual(t, z, other, "tie at %d must pick the lowest plane", i)
			}
		}
		// plane 3 duplicates plane 0, so it can never win
		assert.NotEqual(t, 3, z)

		x, y := i%w, i/w
		assert.Equal(t, planes[z].RGBAAt(x, y), out.RGBAAt(x, y))
	}

	again, err := f.Fuse(planes)
	require.NoError(t, err)
	assert.Equal(t, out.Pix, again.Pix, "fusion must be repeatable")
}

func TestSelectBest(t *testing.T) {
	_, _, err := SelectBest(nil)
	assert.ErrorIs(t, err, models.ErrEmptyStack)

	flat := grayPlane(20, 20, 100)
	sharp := withCheckerboard(grayPlane(30, 30, 100), image.Rect(0, 0, 30, 30))

	idx, scores, err := SelectBest([]*image.RGBA{flat, sharp, sharp})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Len(t, scores, 3)
	assert.Equal(t, scores[1], scores[2])

	idx, _, err = SelectBest([]*image.RGBA{flat, flat})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}
