package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"wsifocus/internal/models"
	"wsifocus/pkg/fusion"
	"wsifocus/pkg/imageio"
)

// StackFuser fuses an ordered list of same-sized plane images into one image
type StackFuser interface {
	Fuse(ctx context.Context, files []string) (image.Image, error)
}

// DefaultBinary is the external focus-stacking command looked up on PATH
const DefaultBinary = "focus-stack"

// maxStderr bounds how much tool output is kept in an error message
const maxStderr = 2048

// FocusStack runs the external focus-stacking binary as
//
//	<Binary> --output=<workdir>/fused.png [Args...] <files...>
//
// inside a fresh working directory that is removed when the call returns.
type FocusStack struct {
	// Binary is a command name resolved on PATH, or a path
	Binary string

	// Args are extra arguments placed before the input files
	Args []string

	// TempDir is where per-invocation working directories are created;
	// empty means os.TempDir()
	TempDir string
}

// NewFocusStack creates an adapter for binary; empty selects DefaultBinary
func NewFocusStack(binary string, args []string, tempDir string) *FocusStack {
	if binary == "" {
		binary = DefaultBinary
	}
	return &FocusStack{Binary: binary, Args: args, TempDir: tempDir}
}

// Fuse invokes the binary and decodes its output
func (f *FocusStack) Fuse(ctx context.Context, files []string) (image.Image, error) {
	if len(files) == 0 {
		return nil, models.ErrEmptyStack
	}
	bin, err := exec.LookPath(f.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExternalTool, err)
	}
	// the command runs inside the working directory
	if bin, err = filepath.Abs(bin); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExternalTool, err)
	}

	work, err := os.MkdirTemp(f.TempDir, "focus-stack-*")
	if err != nil {
		return nil, fmt.Errorf("%w: working directory: %v", models.ErrExternalTool, err)
	}
	defer os.RemoveAll(work)

	output := filepath.Join(work, "fused.png")
	args := []string{"--output=" + output}
	args = append(args, f.Args...)
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrExternalTool, err)
		}
		args = append(args, abs)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = work
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", models.ErrExternalTool, filepath.Base(bin), err, tail(stderr.String()))
	}

	img, err := imageio.Load(output)
	if err != nil {
		return nil, fmt.Errorf("%w: reading tool output: %v", models.ErrExternalTool, err)
	}
	return img, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = "..." + s[len(s)-maxStderr:]
	}
	return s
}

// InProcess fuses with the per-pixel fuser instead of an external tool
type InProcess struct {
	Fuser *fusion.Fuser
}

// NewInProcess creates an in-process adapter with the given score window
func NewInProcess(windowRadius int) *InProcess {
	return &InProcess{Fuser: fusion.NewFuser(windowRadius)}
}

// Fuse decodes files in order and fuses them per pixel
func (p *InProcess) Fuse(ctx context.Context, files []string) (image.Image, error) {
	planes := make([]*image.RGBA, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := imageio.LoadRGBA(file)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrDecode, err)
		}
		planes = append(planes, img)
	}
	return p.Fuser.Fuse(planes)
}
