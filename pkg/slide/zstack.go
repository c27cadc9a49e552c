package slide

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	xdraw "golang.org/x/image/draw"

	"wsifocus/internal/models"
	"wsifocus/pkg/imageio"
)

// ZStackExt is the directory suffix of the built-in slide container
const ZStackExt = ".zstack"

// DefaultLevels is the pyramid depth a ZStack exposes unless told otherwise
const DefaultLevels = 4

var planeFile = regexp.MustCompile(`(?i)^z(\d+)\.(png|tif|tiff|jpg|jpeg)$`)

// ZStack is a slide stored as a directory with one image per focal plane,
// named z<index>.<png|tif|tiff|jpg|jpeg>. Level 0 is the stored resolution;
// each further level halves it (rounding up).
type ZStack struct {
	name   string
	dir    string
	planes map[int]string
	count  int
	dims   []image.Point

	// decoded planes per level, keyed by plane*len(dims)+level
	cache map[int]*image.RGBA
}

// IsZStack reports whether path names a ZStack container
func IsZStack(path string) bool {
	if !strings.HasSuffix(strings.ToLower(path), ZStackExt) {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ZStackOpener returns an Opener exposing at most levels pyramid levels
func ZStackOpener(levels int) Opener {
	return func(path string) (Slide, error) {
		return OpenZStack(path, levels)
	}
}

// OpenZStack scans dir for plane files and reads the base dimensions from
// the first plane's header. Plane pixels are decoded lazily.
func OpenZStack(dir string, levels int) (*ZStack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecode, err)
	}

	z := &ZStack{
		name:   strings.TrimSuffix(filepath.Base(dir), filepath.Ext(dir)),
		dir:    dir,
		planes: make(map[int]string),
		cache:  make(map[int]*image.RGBA),
	}
	for _, e := range entries {
		m := planeFile.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if prev, dup := z.planes[idx]; dup {
			return nil, fmt.Errorf("%w: plane %d stored twice (%s, %s)", models.ErrDecode, idx, prev, e.Name())
		}
		z.planes[idx] = filepath.Join(dir, e.Name())
		if idx+1 > z.count {
			z.count = idx + 1
		}
	}
	if len(z.planes) == 0 {
		return nil, fmt.Errorf("%w: no plane images in %s", models.ErrDecode, dir)
	}

	indices := make([]int, 0, len(z.planes))
	for idx := range z.planes {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	base, err := imageio.Size(z.planes[indices[0]])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecode, err)
	}

	if levels < 1 {
		levels = 1
	}
	d := base
	z.dims = append(z.dims, d)
	for len(z.dims) < levels && (d.X > 1 || d.Y > 1) {
		d = image.Pt((d.X+1)/2, (d.Y+1)/2)
		z.dims = append(z.dims, d)
	}
	return z, nil
}

func (z *ZStack) Name() string { return z.name }

func (z *ZStack) LevelDimensions() []image.Point {
	return append([]image.Point(nil), z.dims...)
}

func (z *ZStack) DeclaredPlaneCount() (int, bool) {
	return z.count, true
}

func (z *ZStack) ReadRegion(origin image.Point, level, plane int, size image.Point) (image.Image, error) {
	if level < 0 || level >= len(z.dims) {
		return nil, fmt.Errorf("%w: level %d", models.ErrDecode, level)
	}
	img, err := z.plane(plane, level)
	if err != nil {
		return nil, err
	}
	lo := toLevel(z, level, origin)
	return imageio.Crop(img, image.Rectangle{Min: lo, Max: lo.Add(size)}), nil
}

func (z *ZStack) Close() error {
	z.cache = nil
	return nil
}

func (z *ZStack) plane(plane, level int) (*image.RGBA, error) {
	if z.cache == nil {
		return nil, fmt.Errorf("%w: slide %s is closed", models.ErrDecode, z.name)
	}
	key := plane*len(z.dims) + level
	if img, ok := z.cache[key]; ok {
		return img, nil
	}

	path, ok := z.planes[plane]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no plane %d", models.ErrPlaneUnavailable, z.name, plane)
	}

	var img *image.RGBA
	if level == 0 {
		var err error
		img, err = imageio.LoadRGBA(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrDecode, err)
		}
		if got := img.Bounds().Size(); got != z.dims[0] {
			return nil, fmt.Errorf("%w: plane %d is %dx%d, slide is %dx%d",
				models.ErrDecode, plane, got.X, got.Y, z.dims[0].X, z.dims[0].Y)
		}
	} else {
		src, err := z.plane(plane, level-1)
		if err != nil {
			return nil, err
		}
		img = image.NewRGBA(image.Rectangle{Max: z.dims[level]})
		xdraw.ApproxBiLinear.Scale(img, img.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	}
	z.cache[key] = img
	return img, nil
}
