package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wsifocus/internal/models"
	"wsifocus/pkg/batch"
	"wsifocus/pkg/config"
	"wsifocus/pkg/dispatch"
	"wsifocus/pkg/grouping"
	"wsifocus/pkg/pipeline"
	"wsifocus/pkg/slide"
	"wsifocus/pkg/split"
)

// intFlag returns the flag value when it was given on the command line and
// the configured value otherwise
func intFlag(cmd *cobra.Command, name string, configured int) int {
	if !cmd.Flags().Changed(name) {
		return configured
	}
	v, _ := cmd.Flags().GetInt(name)
	return v
}

func stringFlag(cmd *cobra.Command, name string, configured string) string {
	if !cmd.Flags().Changed(name) {
		return configured
	}
	v, _ := cmd.Flags().GetString(name)
	return v
}

// tileFlags registers the flags shared by the slide pipelines
func tileFlags(cmd *cobra.Command, tileSize int) {
	defaults := config.DefaultConfig()
	cmd.Flags().Int("tile_size", tileSize, "Tile edge length in pixels")
	cmd.Flags().Int("overlap", defaults.Processing.Overlap, "Pixels shared by neighbouring tiles")
	cmd.Flags().Int("level", defaults.Processing.Level, "Pyramid level to read")
	cmd.Flags().Int("workers", defaults.Processing.Workers, "Slides processed in parallel (0 = all cores)")
}

// slideParams resolves the pipeline parameters from config and flags
func (a *app) slideParams(cmd *cobra.Command, output string, tileSize int) *pipeline.Params {
	p := a.cfg.Processing
	return &pipeline.Params{
		OutputDir:    output,
		TileSize:     intFlag(cmd, "tile_size", tileSize),
		Overlap:      intFlag(cmd, "overlap", p.Overlap),
		Level:        intFlag(cmd, "level", p.Level),
		Workers:      intFlag(cmd, "workers", p.Workers),
		WindowRadius: intFlag(cmd, "window", a.cfg.Focus.WindowRadius),
	}
}

func (a *app) newPipeline(params *pipeline.Params) *pipeline.Pipeline {
	return pipeline.NewPipeline(params, slide.ZStackOpener(a.cfg.Processing.PyramidLevels), a.logger)
}

func (a *app) fuseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fuse <input_path> <output_path>",
		Short: "Fuse every tile of each slide across its focal planes",
		Long: `Walks the tile grid of each slide at the chosen level, reads all focal
planes of every tile and writes the per-pixel sharpest composite to
<output_path>/<slide>/<slide>_y<y>_x<x>.png. Tiles missing a plane are skipped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			params := a.slideParams(cmd, args[1], a.cfg.Processing.TileSize)
			paths, err := batch.Discover(args[0], slide.IsZStack)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Fusing %d slides with tile size %d...\n", len(paths), params.TileSize)
			results, err := a.newPipeline(params).Fuse(cmd.Context(), paths)
			if err != nil {
				return err
			}
			return a.finish(cmd.OutOrStdout(), results, 0, start)
		},
	}
	tileFlags(cmd, config.DefaultConfig().Processing.TileSize)
	cmd.Flags().Int("window", config.DefaultConfig().Focus.WindowRadius, "Focus window radius in pixels")
	return cmd
}

func (a *app) extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract <input_path> <output_path>",
		Short: "Write every focal plane of every tile as its own image",
		Long: `Writes <slide>_l<level>_z<plane>_y<y0>-<y1>_x<x0>-<x1>.png for each plane and
tile of each slide. The files are the input of the stack-tiles command.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			params := a.slideParams(cmd, args[1], a.cfg.Processing.ExtractTileSize)
			paths, err := batch.Discover(args[0], slide.IsZStack)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Extracting planes of %d slides...\n", len(paths))
			results, err := a.newPipeline(params).Extract(cmd.Context(), paths)
			if err != nil {
				return err
			}
			return a.finish(cmd.OutOrStdout(), results, 0, start)
		},
	}
	tileFlags(cmd, config.DefaultConfig().Processing.ExtractTileSize)
	return cmd
}

func (a *app) stackTilesCmd() *cobra.Command {
	defaults := config.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "stack-tiles <tile_dir> <output_dir>",
		Short: "Group extracted plane tiles and fuse each stack",
		Long: `Groups the per-plane tiles in <tile_dir> by slide and tile position and fuses
each group, ordered by plane, with the external focus-stack tool (or the
built-in fuser with --in-process). Writes <slide>_y<rows>_x<cols>_fused.png.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			ext := a.cfg.External

			grouped, err := grouping.GroupDir(args[0])
			if err != nil {
				return fmt.Errorf("%w: %v", models.ErrNoInput, err)
			}
			for _, name := range grouped.Unrecognized {
				a.logger.Warn("Ignoring file with unrecognized name", zap.String("file", name))
			}
			if len(grouped.Groups) == 0 {
				return fmt.Errorf("%w: no plane tiles in %s", models.ErrNoInput, args[0])
			}
			if err := os.MkdirAll(args[1], 0755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}

			var fuser dispatch.StackFuser
			if inProcess, _ := cmd.Flags().GetBool("in-process"); inProcess {
				fuser = dispatch.NewInProcess(intFlag(cmd, "window", a.cfg.Focus.WindowRadius))
			} else {
				fuser = dispatch.NewFocusStack(stringFlag(cmd, "binary", ext.Binary), ext.Args, ext.TempDir)
			}

			skipCheck, _ := cmd.Flags().GetBool("skip-shape-check")
			d := dispatch.NewDispatcher(&dispatch.Params{
				OutputDir:      args[1],
				Workers:        intFlag(cmd, "workers", ext.Workers),
				SkipShapeCheck: skipCheck,
			}, fuser, a.logger)

			fmt.Fprintf(cmd.OutOrStdout(), "Fusing %d tile stacks...\n", len(grouped.Groups))
			results := d.Run(cmd.Context(), grouped.Groups)
			return a.finish(cmd.OutOrStdout(), results, len(grouped.Unrecognized), start)
		},
	}
	cmd.Flags().Int("workers", defaults.External.Workers, "Concurrent fusion invocations")
	cmd.Flags().String("binary", defaults.External.Binary, "Focus-stack executable")
	cmd.Flags().Bool("in-process", false, "Fuse with the built-in per-pixel fuser")
	cmd.Flags().Bool("skip-shape-check", false, "Do not compare plane sizes before fusing a stack")
	cmd.Flags().Int("window", defaults.Focus.WindowRadius, "Focus window radius for --in-process")
	return cmd
}

func (a *app) bestFocusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "best-focus <input_file> <output_dir>",
		Short: "Save the sharpest level or plane of a centered region",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			region, _ := cmd.Flags().GetInt("region")
			across, _ := cmd.Flags().GetString("across")
			plane, _ := cmd.Flags().GetInt("plane")

			params := &pipeline.Params{
				OutputDir:  args[1],
				Level:      intFlag(cmd, "level", a.cfg.Processing.Level),
				RegionSize: region,
				Across:     pipeline.Across(across),
				Plane:      plane,
			}
			r := a.newPipeline(params).BestFocus(cmd.Context(), args[0])
			if r.Outcome == batch.Processed {
				fmt.Fprintf(cmd.OutOrStdout(), "Saved best-focus region to %s\n", r.Outputs[0])
			}
			return a.finish(cmd.OutOrStdout(), []batch.Result{r}, 0, start)
		},
	}
	cmd.Flags().Int("region", 2048, "Edge length of the centered region")
	cmd.Flags().String("across", string(pipeline.AcrossLevels), "Compare across levels or planes")
	cmd.Flags().Int("plane", 0, "Plane compared across levels")
	cmd.Flags().Int("level", 0, "Level compared across planes")
	return cmd
}

func (a *app) splitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "split <input_path> <output_path>",
		Short: "Turn multi-page TIFF scans into .zstack slides",
		Long: `Runs tiffsplit on each .tif/.tiff scan (or every scan in a directory) and
moves the pages in order to <output_path>/<name>.zstack/z<i>.tif, where name
is the scan name without its .ome.tif, .ome.tiff, .tif or .tiff suffix.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			scans, err := batch.Discover(args[0], split.IsTIFF)
			if err != nil {
				return err
			}
			binary, _ := cmd.Flags().GetString("binary")

			fmt.Fprintf(cmd.OutOrStdout(), "Splitting %d scans...\n", len(scans))
			results := split.NewTiffSplit(binary, a.logger).
				SplitAll(cmd.Context(), scans, args[1], intFlag(cmd, "workers", a.cfg.Processing.Workers))
			return a.finish(cmd.OutOrStdout(), results, 0, start)
		},
	}
	cmd.Flags().String("binary", split.DefaultBinary, "Page splitting executable")
	cmd.Flags().Int("workers", config.DefaultConfig().Processing.Workers, "Scans split in parallel (0 = all cores)")
	return cmd
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <input_path>",
		Short: "Print the levels and plane count of each slide",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			paths, err := batch.Discover(args[0], slide.IsZStack)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			open := slide.ZStackOpener(a.cfg.Processing.PyramidLevels)
			results := make([]batch.Result, 0, len(paths))
			for _, path := range paths {
				info, err := slide.Describe(open, path)
				if err != nil {
					a.logger.Error("Cannot describe slide", zap.String("slide", path), zap.Error(err))
					results = append(results, batch.Fail(path, err))
					continue
				}
				printInfo(out, info)
				results = append(results, batch.Done(path))
			}
			return a.finish(out, results, 0, start)
		},
	}
}

func printInfo(out io.Writer, info slide.Info) {
	planes := "unknown planes"
	if info.PlanesKnown {
		planes = fmt.Sprintf("%d planes", info.Planes)
	}
	fmt.Fprintf(out, "%s: %s, %d levels\n", info.Name, planes, len(info.Levels))
	for i, d := range info.Levels {
		fmt.Fprintf(out, "  level %d: %s x %s", i, humanize.Comma(int64(d.X)), humanize.Comma(int64(d.Y)))
		if i > 0 && d.X > 0 {
			fmt.Fprintf(out, " (downsample %.2f)", float64(info.Levels[0].X)/float64(d.X))
		}
		fmt.Fprintln(out)
	}
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
			return nil
		},
	})
	return cmd
}
