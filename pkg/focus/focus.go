// Package focus computes Laplacian-based sharpness measures for tile buffers.
//
// Score reduces a whole buffer to one scalar (the variance of its Laplacian
// response) and is used to rank whole planes or levels. ScoreField produces a
// per-pixel map of local Laplacian magnitude that drives per-pixel fusion.
package focus

import (
	"image"
	"math"

	"gonum.org/v1/gonum/stat"
)

// BT.601 luma weights (0.299, 0.587, 0.114) in 14-bit fixed point
const (
	lumaR     = 4899
	lumaG     = 9617
	lumaB     = 1868
	lumaShift = 14
)

// Gray converts an RGBA buffer to single-channel integer intensity in
// [0,255], row-major, one value per pixel.
func Gray(img *image.RGBA) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			v := (lumaR*int(p[0]) + lumaG*int(p[1]) + lumaB*int(p[2]) + 1<<(lumaShift-1)) >> lumaShift
			out[y*w+x] = float64(v)
		}
	}
	return out
}

// Laplacian applies the 4-neighbour discrete Laplacian kernel
//
//	0  1  0
//	1 -4  1
//	0  1  0
//
// to a row-major w x h intensity array. Borders are mirrored without
// repeating the edge pixel.
func Laplacian(gray []float64, w, h int) []float64 {
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		up := reflect(y-1, h) * w
		down := reflect(y+1, h) * w
		row := y * w
		for x := 0; x < w; x++ {
			left := reflect(x-1, w)
			right := reflect(x+1, w)
			out[row+x] = gray[up+x] + gray[down+x] + gray[row+left] + gray[row+right] - 4*gray[row+x]
		}
	}
	return out
}

// Score returns the variance of the Laplacian of img's intensity.
// Higher is sharper. An empty buffer scores 0.
func Score(img *image.RGBA) float64 {
	b := img.Bounds()
	if b.Empty() {
		return 0
	}
	lap := Laplacian(Gray(img), b.Dx(), b.Dy())
	return stat.PopVariance(lap, nil)
}

// ScoreField returns, for every pixel of img, the mean absolute Laplacian over
// the (2*radius+1)^2 window centred on it, clipped to the buffer. A radius of
// 0 gives the raw Laplacian magnitude.
func ScoreField(img *image.RGBA, radius int) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	lap := Laplacian(Gray(img), w, h)
	for i, v := range lap {
		lap[i] = math.Abs(v)
	}
	if radius <= 0 || w*h == 0 {
		return lap
	}
	return boxMean(lap, w, h, radius)
}

// boxMean averages src over a square window clipped to the buffer, as a
// horizontal pass followed by a vertical pass.
func boxMean(src []float64, w, h, radius int) []float64 {
	horiz := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := src[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var sum float64
			for i := max(0, x-radius); i < min(w, x+radius+1); i++ {
				sum += row[i]
			}
			horiz[y*w+x] = sum
		}
	}

	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-radius), min(h, y+radius+1)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-radius), min(w, x+radius+1)
			var sum float64
			for j := y0; j < y1; j++ {
				sum += horiz[j*w+x]
			}
			out[y*w+x] = sum / float64((y1-y0)*(x1-x0))
		}
	}
	return out
}

func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*n - 2 - i
	}
	return i
}
