package models

import "errors"

// Failure classes shared by every stage. Stages wrap these with context using
// fmt.Errorf("...: %w", err) so callers can test them with errors.Is.
var (
	// ErrInvalidConfiguration rejects bad tile/overlap/worker parameters
	// before any work starts.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNoInput is returned when a batch finds nothing to process.
	ErrNoInput = errors.New("no input found")

	// ErrPlaneUnavailable means the requested focal plane does not exist for
	// the slide or region. It is expected and recoverable.
	ErrPlaneUnavailable = errors.New("plane unavailable")

	// ErrDecode covers any other read failure: corrupt data, I/O faults.
	ErrDecode = errors.New("decode error")

	// ErrShapeMismatch means the planes of one stack differ in size.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrEmptyStack means a fusion was requested on zero planes.
	ErrEmptyStack = errors.New("empty stack")

	// ErrIncompleteStack means fewer planes were read than the slide declares.
	ErrIncompleteStack = errors.New("incomplete stack")

	// ErrUnrecognizedName is returned for tile file names that do not follow
	// the per-plane naming convention.
	ErrUnrecognizedName = errors.New("unrecognized tile name")

	// ErrExternalTool covers failures of the external focus-stacking binary.
	ErrExternalTool = errors.New("external tool failure")
)

// Process exit codes.
const (
	ExitOK               = 0
	ExitFatal            = 1
	ExitInvalidConfig    = 2
	ExitNoInput          = 3
	ExitDecodeFailures   = 4
	ExitFusionFailures   = 5
	ExitExternalFailures = 6
	ExitIncomplete       = 7
)

// ExitCode maps an error to the process exit code for its failure class.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInvalidConfiguration):
		return ExitInvalidConfig
	case errors.Is(err, ErrNoInput):
		return ExitNoInput
	case errors.Is(err, ErrDecode):
		return ExitDecodeFailures
	case errors.Is(err, ErrShapeMismatch), errors.Is(err, ErrEmptyStack):
		return ExitFusionFailures
	case errors.Is(err, ErrExternalTool):
		return ExitExternalFailures
	case errors.Is(err, ErrIncompleteStack), errors.Is(err, ErrPlaneUnavailable):
		return ExitIncomplete
	default:
		return ExitFatal
	}
}
