// Package split turns multi-page TIFF scans into .zstack slide directories
// by running tiffsplit on each scan, one page per focal plane.
package split

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"wsifocus/internal/models"
	"wsifocus/pkg/batch"
	"wsifocus/pkg/slide"
)

// DefaultBinary is the page splitter looked up on PATH
const DefaultBinary = "tiffsplit"

// pagePrefix is the name prefix passed to tiffsplit; it appends aaa, aab, ...
const pagePrefix = "split_"

// IsTIFF reports whether path is a regular .tif or .tiff file
func IsTIFF(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
	default:
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// StackName is the slide name of a scan: its base name without the .ome.tif,
// .ome.tiff, .tif or .tiff suffix
func StackName(path string) string {
	name := filepath.Base(path)
	lower := strings.ToLower(name)
	for _, ext := range []string{".ome.tiff", ".ome.tif", ".tiff", ".tif"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// TiffSplit runs
//
//	<Binary> <scan> <workdir>/split_
//
// inside a working directory created under the output directory, then moves
// the pages in name order to <output>/<name>.zstack/z<i>.tif. The working
// directory is removed when the call returns.
type TiffSplit struct {
	// Binary is a command name resolved on PATH, or a path
	Binary string

	logger *zap.Logger
}

// NewTiffSplit creates a splitter for binary; empty selects DefaultBinary and
// a nil logger discards output
func NewTiffSplit(binary string, logger *zap.Logger) *TiffSplit {
	if binary == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiffSplit{Binary: binary, logger: logger}
}

// Split writes the pages of scan into a .zstack under outDir and returns the
// plane files in order
func (s *TiffSplit) Split(ctx context.Context, scan, outDir string) ([]string, error) {
	bin, err := exec.LookPath(s.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExternalTool, err)
	}
	if bin, err = filepath.Abs(bin); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExternalTool, err)
	}
	src, err := filepath.Abs(scan)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExternalTool, err)
	}

	name := StackName(scan)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	// pages are renamed out of work, so it must share a filesystem with outDir
	work, err := os.MkdirTemp(outDir, "__tmp_"+name+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: working directory: %v", models.ErrExternalTool, err)
	}
	defer os.RemoveAll(work)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, src, filepath.Join(work, pagePrefix))
	cmd.Dir = work
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", models.ErrExternalTool, filepath.Base(bin), err, strings.TrimSpace(stderr.String()))
	}

	pages, err := filepath.Glob(filepath.Join(work, pagePrefix+"*.tif"))
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: %s wrote no pages for %s", models.ErrExternalTool, filepath.Base(bin), scan)
	}
	sort.Strings(pages)

	stack := filepath.Join(outDir, name+slide.ZStackExt)
	if err := os.MkdirAll(stack, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", stack, err)
	}
	planes := make([]string, 0, len(pages))
	for i, page := range pages {
		dst := filepath.Join(stack, "z"+strconv.Itoa(i)+".tif")
		if err := os.Rename(page, dst); err != nil {
			return nil, fmt.Errorf("move page %d of %s: %w", i, scan, err)
		}
		planes = append(planes, dst)
	}
	s.logger.Info("Split scan", zap.String("scan", scan), zap.String("slide", stack), zap.Int("planes", len(planes)))
	return planes, nil
}

// SplitAll splits every scan in scans into outDir, running up to workers
// splits at once
func (s *TiffSplit) SplitAll(ctx context.Context, scans []string, outDir string, workers int) []batch.Result {
	return batch.Run(ctx, workers, scans, func(scan string) string { return scan }, func(ctx context.Context, scan string) batch.Result {
		planes, err := s.Split(ctx, scan, outDir)
		if err != nil {
			s.logger.Error("Splitting scan failed", zap.String("scan", scan), zap.Error(err))
			return batch.Fail(scan, err)
		}
		return batch.Done(scan, planes...)
	})
}
