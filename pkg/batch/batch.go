// Package batch fans independent work items out over a bounded worker pool
// and reduces their per-item results into a run summary.
//
// Each item is processed end-to-end by one worker and reports a Result;
// workers never share mutable state. Results are stored by item index, so
// the outcome of a run does not depend on the pool size or completion order.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wsifocus/internal/models"
)

// Outcome classifies how a work item ended
type Outcome int

const (
	Processed Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what one work item reports back to the driver
type Result struct {
	// Item identifies the work item (slide path, tile, group key)
	Item string

	Outcome Outcome

	// Err explains a skip or failure
	Err error

	// Outputs lists the files the item wrote
	Outputs []string

	// Children holds per-tile results when the item is a whole slide
	Children []Result
}

// Done builds a processed result
func Done(item string, outputs ...string) Result {
	return Result{Item: item, Outcome: Processed, Outputs: outputs}
}

// Skip builds a skipped result
func Skip(item string, err error) Result {
	return Result{Item: item, Outcome: Skipped, Err: err}
}

// Fail builds a failed result
func Fail(item string, err error) Result {
	return Result{Item: item, Outcome: Failed, Err: err}
}

// Workers resolves a configured pool size; zero or less means one worker per
// available CPU.
func Workers(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Run processes every item with fn on at most workers goroutines and returns
// the results in item order. A panic inside fn fails that item only. Items
// not yet started when ctx is cancelled fail with the context error.
func Run[T any](ctx context.Context, workers int, items []T, name func(T) string, fn func(context.Context, T) Result) []Result {
	results := make([]Result, len(items))
	var g errgroup.Group
	g.SetLimit(Workers(workers))

	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Fail(name(item), err)
				return nil
			}
			results[i] = protect(ctx, item, name, fn)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func protect[T any](ctx context.Context, item T, name func(T) string, fn func(context.Context, T) Result) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Fail(name(item), fmt.Errorf("panic: %v", p))
		}
	}()
	res = fn(ctx, item)
	if res.Item == "" {
		res.Item = name(item)
	}
	return res
}

// Summary is the reduction of a run's results. Counts refer to leaf results:
// tiles for slide items with children, otherwise the items themselves.
type Summary struct {
	Processed int
	Skipped   int
	Failed    int

	// Unrecognized counts input names the run ignored
	Unrecognized int

	// Problems lists every skipped or failed leaf in item order
	Problems []Result
}

// Summarize reduces results into a Summary
func Summarize(results []Result) Summary {
	var s Summary
	var walk func(r Result)
	walk = func(r Result) {
		if len(r.Children) > 0 {
			for _, c := range r.Children {
				walk(c)
			}
			return
		}
		switch r.Outcome {
		case Processed:
			s.Processed++
		case Skipped:
			s.Skipped++
			s.Problems = append(s.Problems, r)
		default:
			s.Failed++
			s.Problems = append(s.Problems, r)
		}
	}
	for _, r := range results {
		walk(r)
	}
	return s
}

// Total is the number of leaf results
func (s Summary) Total() int {
	return s.Processed + s.Skipped + s.Failed
}

// ExitCode returns models.ExitOK when nothing was skipped or failed, and
// otherwise the most severe failure-class code among the problems.
func (s Summary) ExitCode() int {
	code := models.ExitOK
	for _, p := range s.Problems {
		c := models.ExitCode(p.Err)
		if p.Err == nil {
			c = models.ExitFatal
		}
		if code == models.ExitOK || severity(c) < severity(code) {
			code = c
		}
	}
	return code
}

// severity orders exit codes: fatal first, then the per-item classes
func severity(code int) int {
	if code == models.ExitFatal {
		return 0
	}
	return code
}

func (s Summary) String() string {
	msg := fmt.Sprintf("%s processed, %s skipped, %s failed",
		humanize.Comma(int64(s.Processed)), humanize.Comma(int64(s.Skipped)), humanize.Comma(int64(s.Failed)))
	if s.Unrecognized > 0 {
		msg += fmt.Sprintf(", %s unrecognized names", humanize.Comma(int64(s.Unrecognized)))
	}
	return msg
}

// Log writes the summary and one line per problem
func (s Summary) Log(logger *zap.Logger) {
	for _, p := range s.Problems {
		logger.Warn("Item not processed",
			zap.String("item", p.Item),
			zap.Stringer("outcome", p.Outcome),
			zap.Error(p.Err))
	}
	logger.Info("Batch finished",
		zap.Int("processed", s.Processed),
		zap.Int("skipped", s.Skipped),
		zap.Int("failed", s.Failed),
		zap.Int("unrecognized", s.Unrecognized))
}

// Discover returns the eligible inputs for a run. If input itself is eligible
// it is the only item; otherwise the eligible entries directly inside the
// input directory are returned in name order. Finding nothing is
// models.ErrNoInput.
func Discover(input string, eligible func(path string) bool) ([]string, error) {
	if eligible(input) {
		return []string{input}, nil
	}
	entries, err := os.ReadDir(input)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", models.ErrNoInput, input)
		}
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		p := filepath.Join(input, e.Name())
		if eligible(p) {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: nothing eligible in %s", models.ErrNoInput, input)
	}
	sort.Strings(paths)
	return paths, nil
}
