package pipeline

import (
	"context"
	"image"
	"image/color"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	xdraw "golang.org/x/image/draw"

	"wsifocus/internal/models"
	"wsifocus/pkg/batch"
	"wsifocus/pkg/dispatch"
	"wsifocus/pkg/grouping"
	"wsifocus/pkg/imageio"
	"wsifocus/pkg/slide"
)

func uniform(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func checkerAt(x, y int) color.RGBA {
	if (x+y)%2 == 0 {
		return color.RGBA{A: 255}
	}
	return color.RGBA{R: 255, G: 255, B: 255, A: 255}
}

func checker(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, checkerAt(x, y))
		}
	}
	return img
}

// writeZStack stores planes as <dir>/<name>.zstack/z<i>.png
func writeZStack(t *testing.T, dir, name string, planes map[int]*image.RGBA) string {
	t.Helper()
	root := filepath.Join(dir, name+slide.ZStackExt)
	require.NoError(t, os.MkdirAll(root, 0755))
	for z, img := range planes {
		require.NoError(t, imageio.SavePNG(filepath.Join(root, "z"+strconv.Itoa(z)+".png"), img))
	}
	return root
}

// readTree maps every file under dir (relative path) to its content
func readTree(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	files := map[string][]byte{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		files[rel] = data
		return nil
	})
	require.NoError(t, err)
	return files
}

func newPipeline(t *testing.T, params *Params) *Pipeline {
	return NewPipeline(params, slide.ZStackOpener(slide.DefaultLevels), zaptest.NewLogger(t))
}

func TestFuseWritesOneTilePerCell(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := writeZStack(t, in, "sample", map[int]*image.RGBA{0: uniform(10, 6, 100), 1: checker(10, 6)})

	p := newPipeline(t, &Params{OutputDir: out, TileSize: 4, WindowRadius: 1, Workers: 2})
	results, err := p.Fuse(context.Background(), []string{src})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Children, 6)

	s := batch.Summarize(results)
	assert.Equal(t, 6, s.Processed)
	assert.Equal(t, models.ExitOK, s.ExitCode())

	files := readTree(t, out)
	for _, name := range []string{
		"sample_y0_x0.png", "sample_y0_x4.png", "sample_y0_x8.png",
		"sample_y4_x0.png", "sample_y4_x4.png", "sample_y4_x8.png",
	} {
		assert.Contains(t, files, filepath.Join("sample", name))
	}

	// the checkerboard plane is sharper everywhere; edge tiles are clipped
	tile, err := imageio.LoadRGBA(filepath.Join(out, "sample", "sample_y4_x8.png"))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(2, 2), tile.Bounds().Size())
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			assert.Equal(t, checkerAt(x+8, y+4), tile.RGBAAt(x, y))
		}
	}
}

func TestFuseNamingIsIdempotent(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := writeZStack(t, in, "sample", map[int]*image.RGBA{0: checker(9, 9), 1: uniform(9, 9, 7)})

	p := newPipeline(t, &Params{OutputDir: out, TileSize: 5, Overlap: 1, WindowRadius: 1})
	_, err := p.Fuse(context.Background(), []string{src})
	require.NoError(t, err)
	first := readTree(t, out)

	_, err = p.Fuse(context.Background(), []string{src})
	require.NoError(t, err)
	assert.Equal(t, first, readTree(t, out))
	assert.Len(t, first, 9)
}

func TestFuseSkipsIncompleteStacks(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := writeZStack(t, in, "gappy", map[int]*image.RGBA{0: checker(8, 8), 2: uniform(8, 8, 50)})

	p := newPipeline(t, &Params{OutputDir: out, TileSize: 4, WindowRadius: 1})
	results, err := p.Fuse(context.Background(), []string{src})
	require.NoError(t, err)

	s := batch.Summarize(results)
	assert.Equal(t, 0, s.Processed)
	assert.Equal(t, 4, s.Skipped)
	for _, r := range s.Problems {
		assert.ErrorIs(t, r.Err, models.ErrIncompleteStack)
	}
	assert.Equal(t, models.ExitIncomplete, s.ExitCode())
	assert.Empty(t, readTree(t, out))
}

func TestFuseIsParallelismInvariant(t *testing.T) {
	in := t.TempDir()
	paths := []string{
		writeZStack(t, in, "a", map[int]*image.RGBA{0: checker(12, 7), 1: uniform(12, 7, 90), 2: uniform(12, 7, 20)}),
		writeZStack(t, in, "b", map[int]*image.RGBA{0: uniform(6, 6, 3), 1: checker(6, 6)}),
		writeZStack(t, in, "c", map[int]*image.RGBA{0: uniform(5, 9, 200)}),
	}

	run := func(workers int) map[string][]byte {
		out := t.TempDir()
		p := newPipeline(t, &Params{OutputDir: out, TileSize: 4, Overlap: 1, WindowRadius: 1, Workers: workers})
		results, err := p.Fuse(context.Background(), paths)
		require.NoError(t, err)
		assert.Equal(t, models.ExitOK, batch.Summarize(results).ExitCode())
		return readTree(t, out)
	}

	sequential := run(1)
	assert.NotEmpty(t, sequential)
	assert.Equal(t, sequential, run(4))
}

func TestFuseRejectsBadParameters(t *testing.T) {
	in := t.TempDir()
	src := writeZStack(t, in, "s", map[int]*image.RGBA{0: checker(4, 4)})

	p := newPipeline(t, &Params{OutputDir: t.TempDir(), TileSize: 4, Overlap: 4})
	_, err := p.Fuse(context.Background(), []string{src})
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)

	// a level the slide does not have fails that slide only
	p = newPipeline(t, &Params{OutputDir: t.TempDir(), TileSize: 4, Level: 9})
	results, err := p.Fuse(context.Background(), []string{src, filepath.Join(in, "missing.zstack")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Err, models.ErrInvalidConfiguration)
	assert.ErrorIs(t, results[1].Err, models.ErrDecode)
}

// gradient is an image whose every pixel differs from its neighbours
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 20), B: 7, A: 255})
		}
	}
	return img
}

// halved downsamples src to size the way the .zstack decoder builds level 1
func halved(src *image.RGBA, size image.Point) *image.RGBA {
	dst := image.NewRGBA(image.Rectangle{Max: size})
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

func TestFuseAtLevelOneNamesTilesInBasePixels(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	base := gradient(25, 10)
	src := writeZStack(t, in, "s", map[int]*image.RGBA{0: base})
	level1 := halved(base, image.Pt(13, 5))

	p := newPipeline(t, &Params{OutputDir: out, TileSize: 4, Level: 1})
	results, err := p.Fuse(context.Background(), []string{src})
	require.NoError(t, err)
	assert.Equal(t, 8, batch.Summarize(results).Processed)

	var names []string
	for name := range readTree(t, out) {
		names = append(names, filepath.Base(name))
	}
	assert.ElementsMatch(t, []string{
		"s_y0_x0.png", "s_y0_x8.png", "s_y0_x15.png", "s_y0_x23.png",
		"s_y8_x0.png", "s_y8_x8.png", "s_y8_x15.png", "s_y8_x23.png",
	}, names)

	// s_y8_x15 is the level 1 crop at (8,4), clipped to 4x1
	tile, err := imageio.LoadRGBA(filepath.Join(out, "s", "s_y8_x15.png"))
	require.NoError(t, err)
	require.Equal(t, image.Pt(4, 1), tile.Bounds().Size())
	for x := 0; x < 4; x++ {
		assert.Equal(t, level1.RGBAAt(x+8, 4), tile.RGBAAt(x, 0), "x=%d", x)
	}
}

func TestExtractAtLevelOneUsesLevelRanges(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	base := gradient(25, 10)
	src := writeZStack(t, in, "s", map[int]*image.RGBA{0: base})
	level1 := halved(base, image.Pt(13, 5))

	p := newPipeline(t, &Params{OutputDir: out, TileSize: 4, Level: 1})
	results, err := p.Extract(context.Background(), []string{src})
	require.NoError(t, err)
	assert.Equal(t, 8, batch.Summarize(results).Processed)

	files := readTree(t, out)
	assert.Contains(t, files, "s_l1_z0_y0-4_x0-4.png")
	assert.Contains(t, files, "s_l1_z0_y4-8_x12-16.png")

	tile, err := imageio.LoadRGBA(filepath.Join(out, "s_l1_z0_y0-4_x12-16.png"))
	require.NoError(t, err)
	require.Equal(t, image.Pt(1, 4), tile.Bounds().Size())
	for y := 0; y < 4; y++ {
		assert.Equal(t, level1.RGBAAt(12, y), tile.RGBAAt(0, y), "y=%d", y)
	}
}

// emptySlide has a single 0x0 level
type emptySlide struct{}

func (emptySlide) Name() string                    { return "empty" }
func (emptySlide) LevelDimensions() []image.Point  { return []image.Point{{}} }
func (emptySlide) DeclaredPlaneCount() (int, bool) { return 1, true }
func (emptySlide) Close() error                    { return nil }

func (emptySlide) ReadRegion(image.Point, int, int, image.Point) (image.Image, error) {
	return nil, models.ErrDecode
}

func TestEmptyLevelIsSkipped(t *testing.T) {
	open := func(string) (slide.Slide, error) { return emptySlide{}, nil }
	p := NewPipeline(&Params{OutputDir: t.TempDir(), TileSize: 4}, open, zaptest.NewLogger(t))

	fused, err := p.Fuse(context.Background(), []string{"empty.zstack"})
	require.NoError(t, err)
	extracted, err := p.Extract(context.Background(), []string{"empty.zstack"})
	require.NoError(t, err)

	for _, results := range [][]batch.Result{fused, extracted} {
		s := batch.Summarize(results)
		assert.Equal(t, 0, s.Processed)
		assert.Equal(t, 1, s.Skipped)
		assert.ErrorIs(t, results[0].Err, models.ErrNoInput)
	}
}

func TestExtractFeedsGroupedPipeline(t *testing.T) {
	in := t.TempDir()
	tiles := t.TempDir()
	fusedDirect := t.TempDir()
	fusedGrouped := t.TempDir()
	src := writeZStack(t, in, "sample", map[int]*image.RGBA{0: uniform(10, 6, 100), 1: checker(10, 6)})

	p := newPipeline(t, &Params{OutputDir: tiles, TileSize: 4, WindowRadius: 1})
	results, err := p.Extract(context.Background(), []string{src})
	require.NoError(t, err)
	assert.Equal(t, 12, batch.Summarize(results).Processed)

	files := readTree(t, tiles)
	assert.Contains(t, files, "sample_l0_z0_y0-4_x0-4.png")
	assert.Contains(t, files, "sample_l0_z1_y4-8_x8-12.png")

	edge, err := imageio.Size(filepath.Join(tiles, "sample_l0_z1_y4-8_x8-12.png"))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(2, 2), edge)

	grouped, err := grouping.GroupDir(tiles)
	require.NoError(t, err)
	require.Len(t, grouped.Groups, 6)
	assert.Empty(t, grouped.Unrecognized)

	d := dispatch.NewDispatcher(&dispatch.Params{OutputDir: fusedGrouped, Workers: 3}, dispatch.NewInProcess(1), nil)
	assert.Equal(t, 6, batch.Summarize(d.Run(context.Background(), grouped.Groups)).Processed)

	direct := newPipeline(t, &Params{OutputDir: fusedDirect, TileSize: 4, WindowRadius: 1})
	_, err = direct.Fuse(context.Background(), []string{src})
	require.NoError(t, err)

	// both pipelines fuse the same buffers
	a, err := imageio.LoadRGBA(filepath.Join(fusedGrouped, "sample_y4-8_x8-12_fused.png"))
	require.NoError(t, err)
	b, err := imageio.LoadRGBA(filepath.Join(fusedDirect, "sample", "sample_y4_x8.png"))
	require.NoError(t, err)
	assert.Equal(t, b.Pix, a.Pix)
}

func TestBestFocusAcrossPlanes(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := writeZStack(t, in, "s", map[int]*image.RGBA{0: uniform(16, 12, 80), 1: checker(16, 12), 2: uniform(16, 12, 160)})

	p := newPipeline(t, &Params{OutputDir: out, RegionSize: 2048, Across: AcrossPlanes})
	r := p.BestFocus(context.Background(), src)
	require.Equal(t, batch.Processed, r.Outcome, r.Err)
	require.Equal(t, []string{filepath.Join(out, "best_focus_plane_1.tiff")}, r.Outputs)

	img, err := imageio.Load(r.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, image.Pt(16, 12), img.Bounds().Size())
}

func TestBestFocusAcrossLevels(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := writeZStack(t, in, "s", map[int]*image.RGBA{0: checker(32, 32)})

	p := newPipeline(t, &Params{OutputDir: out, RegionSize: 8})
	r := p.BestFocus(context.Background(), src)
	require.Equal(t, batch.Processed, r.Outcome, r.Err)
	assert.Equal(t, []string{filepath.Join(out, "best_focus_level_0.tiff")}, r.Outputs)

	img, err := imageio.Load(r.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, image.Pt(8, 8), img.Bounds().Size())

	p = newPipeline(t, &Params{OutputDir: out, RegionSize: 8, Across: "depths"})
	assert.ErrorIs(t, p.BestFocus(context.Background(), src).Err, models.ErrInvalidConfiguration)
}

func TestCentered(t *testing.T) {
	origin, size := centered(image.Pt(100, 40), 50)
	assert.Equal(t, image.Pt(25, 0), origin)
	assert.Equal(t, image.Pt(50, 40), size)
}
