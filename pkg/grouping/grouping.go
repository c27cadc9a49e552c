// Package grouping regroups a flat directory of per-plane tile images into
// focal stacks, one per physical tile location.
//
// Per-plane tiles are named
//
//	<source>_l<level>_z<plane>_y<ystart>-<yend>_x<xstart>-<xend>.png
//
// and grouped by (source, y range, x range).
package grouping

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"wsifocus/internal/models"
)

var tileName = regexp.MustCompile(`(?i)^(.+)_l(\d+)_z(\d+)_y(\d+-\d+)_x(\d+-\d+)\.png$`)

// ParsedName is the identity carried by a per-plane tile file name
type ParsedName struct {
	Key   models.TileKey
	Level int
	Plane int
}

// ParseName parses the base name of path. Names that do not follow the
// convention fail with models.ErrUnrecognizedName.
func ParseName(path string) (ParsedName, error) {
	base := filepath.Base(path)
	m := tileName.FindStringSubmatch(base)
	if m == nil {
		return ParsedName{}, fmt.Errorf("%w: %s", models.ErrUnrecognizedName, base)
	}
	level, err := strconv.Atoi(m[2])
	if err != nil {
		return ParsedName{}, fmt.Errorf("%w: %s: level: %v", models.ErrUnrecognizedName, base, err)
	}
	plane, err := strconv.Atoi(m[3])
	if err != nil {
		return ParsedName{}, fmt.Errorf("%w: %s: plane: %v", models.ErrUnrecognizedName, base, err)
	}
	return ParsedName{
		Key:   models.TileKey{Source: m[1], Rows: m[4], Cols: m[5]},
		Level: level,
		Plane: plane,
	}, nil
}

// PlaneFileName builds the per-plane tile name ParseName accepts
func PlaneFileName(source string, level, plane, y0, y1, x0, x1 int) string {
	return fmt.Sprintf("%s_l%d_z%d_y%d-%d_x%d-%d.png", source, level, plane, y0, y1, x0, x1)
}

// FusedFileName is the output name of a fused grouped stack
func FusedFileName(key models.TileKey) string {
	return key.String() + "_fused.png"
}

// Group is every per-plane file of one tile location, ordered by plane
type Group struct {
	Key   models.TileKey
	Files []models.PlaneFile
}

// Paths returns the member paths in plane order
func (g Group) Paths() []string {
	out := make([]string, len(g.Files))
	for i, f := range g.Files {
		out[i] = f.Path
	}
	return out
}

// Result is the outcome of grouping a set of names
type Result struct {
	// Groups are ordered by key
	Groups []Group

	// Unrecognized lists the names that did not parse
	Unrecognized []string
}

// GroupNames parses every name and groups the recognised ones. Members of a
// group are ordered by plane, then level, then path. A one-plane group is
// valid.
func GroupNames(paths []string) Result {
	byKey := make(map[models.TileKey][]models.PlaneFile)
	var res Result
	for _, p := range paths {
		parsed, err := ParseName(p)
		if err != nil {
			res.Unrecognized = append(res.Unrecognized, p)
			continue
		}
		byKey[parsed.Key] = append(byKey[parsed.Key], models.PlaneFile{
			Path:  p,
			Level: parsed.Level,
			Plane: parsed.Plane,
		})
	}

	res.Groups = make([]Group, 0, len(byKey))
	for key, files := range byKey {
		sort.Slice(files, func(i, j int) bool {
			a, b := files[i], files[j]
			if a.Plane != b.Plane {
				return a.Plane < b.Plane
			}
			if a.Level != b.Level {
				return a.Level < b.Level
			}
			return a.Path < b.Path
		})
		res.Groups = append(res.Groups, Group{Key: key, Files: files})
	}
	sort.Slice(res.Groups, func(i, j int) bool {
		return lessKey(res.Groups[i].Key, res.Groups[j].Key)
	})
	sort.Strings(res.Unrecognized)
	return res
}

// GroupDir lists the *.png files directly inside dir and groups them.
// Non-png files are ignored entirely.
func GroupDir(dir string) (Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return GroupNames(paths), nil
}

func lessKey(a, b models.TileKey) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Rows != b.Rows {
		return lessRange(a.Rows, b.Rows)
	}
	return lessRange(a.Cols, b.Cols)
}

// lessRange orders "start-end" ranges numerically
func lessRange(a, b string) bool {
	as, ae := splitRange(a)
	bs, be := splitRange(b)
	if as != bs {
		return as < bs
	}
	if ae != be {
		return ae < be
	}
	return a < b
}

func splitRange(r string) (int, int) {
	start, end, _ := strings.Cut(r, "-")
	s, _ := strconv.Atoi(start)
	e, _ := strconv.Atoi(end)
	return s, e
}
