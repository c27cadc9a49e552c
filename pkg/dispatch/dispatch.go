// Package dispatch fuses grouped per-plane tile stacks, one invocation of a
// StackFuser per group, in parallel. A failed group is logged and skipped;
// it never stops its siblings.
package dispatch

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"wsifocus/internal/models"
	"wsifocus/pkg/batch"
	"wsifocus/pkg/grouping"
	"wsifocus/pkg/imageio"
)

// Params configures a Dispatcher
type Params struct {
	// OutputDir receives <source>_y<rows>_x<cols>_fused.png per group
	OutputDir string

	// Workers bounds concurrent invocations; zero means one per CPU
	Workers int

	// SkipShapeCheck disables reading member headers before invocation
	SkipShapeCheck bool
}

// Dispatcher runs a StackFuser over tile groups
type Dispatcher struct {
	params *Params
	fuser  StackFuser
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher; a nil logger discards output
func NewDispatcher(params *Params, fuser StackFuser, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{params: params, fuser: fuser, logger: logger}
}

// OutputPath is where the fused image of key is written
func (d *Dispatcher) OutputPath(key models.TileKey) string {
	return filepath.Join(d.params.OutputDir, grouping.FusedFileName(key))
}

// Run fuses every group and returns one result per group, in group order
func (d *Dispatcher) Run(ctx context.Context, groups []grouping.Group) []batch.Result {
	d.logger.Info("Dispatching tile stacks",
		zap.Int("stacks", len(groups)),
		zap.Int("workers", batch.Workers(d.params.Workers)))

	name := func(g grouping.Group) string { return g.Key.String() }
	return batch.Run(ctx, d.params.Workers, groups, name, d.fuseGroup)
}

func (d *Dispatcher) fuseGroup(ctx context.Context, g grouping.Group) batch.Result {
	item := g.Key.String()
	files := orderedPaths(g)
	output := d.OutputPath(g.Key)
	log := d.logger.With(zap.String("key", item), zap.Int("planes", len(files)))

	if len(files) == 0 {
		return batch.Fail(item, models.ErrEmptyStack)
	}
	if !d.params.SkipShapeCheck {
		if err := checkShapes(files); err != nil {
			log.Error("Skipping stack with inconsistent planes", zap.Error(err))
			return batch.Fail(item, err)
		}
	}

	log.Debug("Fusing stack", zap.Strings("files", files), zap.String("output", output))
	img, err := d.fuser.Fuse(ctx, files)
	if err != nil {
		log.Error("Stack fusion failed", zap.Error(err))
		return batch.Fail(item, err)
	}
	if err := imageio.SavePNG(output, img); err != nil {
		log.Error("Writing fused tile failed", zap.Error(err))
		return batch.Fail(item, fmt.Errorf("write %s: %w", output, err))
	}
	return batch.Done(item, output)
}

// orderedPaths returns member paths by ascending plane index
func orderedPaths(g grouping.Group) []string {
	files := append([]models.PlaneFile(nil), g.Files...)
	sort.SliceStable(files, func(i, j int) bool { return files[i].Plane < files[j].Plane })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

// checkShapes reads every member header and requires identical sizes
func checkShapes(files []string) error {
	var want image.Point
	for i, f := range files {
		size, err := imageio.Size(f)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrDecode, err)
		}
		if i == 0 {
			want = size
			continue
		}
		if size != want {
			return fmt.Errorf("%w: %s is %dx%d, %s is %dx%d", models.ErrShapeMismatch,
				filepath.Base(f), size.X, size.Y, filepath.Base(files[0]), want.X, want.Y)
		}
	}
	return nil
}
