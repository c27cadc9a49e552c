// Package imageio loads and saves tile images and converts decoded images
// to the fixed RGB representation used by the fusion stages.
package imageio

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"
)

// Load decodes a PNG, JPEG or TIFF image from disk
func Load(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// LoadRGBA decodes an image and converts it with ToRGBA
func LoadRGBA(path string) (*image.RGBA, error) {
	img, err := Load(path)
	if err != nil {
		return nil, err
	}
	return ToRGBA(img), nil
}

// Size reads only the image header and returns its dimensions
func Size(path string) (image.Point, error) {
	file, err := os.Open(path)
	if err != nil {
		return image.Point{}, err
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return image.Point{}, fmt.Errorf("decode header %s: %w", path, err)
	}
	return image.Pt(cfg.Width, cfg.Height), nil
}

// ToRGBA copies img into a new opaque RGBA buffer whose bounds start at (0,0).
// Alpha is dropped: fully transparent pixels become black.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// Crop copies the part of src inside r into a new buffer at origin (0,0)
func Crop(src *image.RGBA, r image.Rectangle) *image.RGBA {
	r = r.Intersect(src.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

// SavePNG encodes img as PNG at path
func SavePNG(path string, img image.Image) error {
	return writeAtomic(path, func(w io.Writer) error {
		return png.Encode(w, img)
	})
}

// SaveTIFF encodes img as deflate-compressed TIFF at path
func SaveTIFF(path string, img image.Image) error {
	return writeAtomic(path, func(w io.Writer) error {
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	})
}

// writeAtomic encodes into a temporary file next to path and renames it into
// place, so a reader never sees a partially written tile.
func writeAtomic(path string, encode func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode image: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
