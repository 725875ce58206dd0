package supervisor

import (
	"errors"
	"fmt"
)

// Fatal conditions; the supervise loop gives up without retrying.
var (
	// ErrInvalidArchitecture means this machine cannot run the node
	// artifact at all.
	ErrInvalidArchitecture = errors.New("unsupported machine architecture for managed node")

	// ErrUnsupportedRuntime means the configured runtime executable is
	// missing, too old, or produced unparseable version output.
	ErrUnsupportedRuntime = errors.New("unsupported or unreadable runtime version")
)

// Recoverable conditions; the supervise loop restarts with backoff.
var (
	// ErrEarlyExit means the process exited before emitting a ready or
	// failure line.
	ErrEarlyExit = errors.New("managed node process exited early")

	// ErrPortInUse means the node could not bind its configured port.
	ErrPortInUse = errors.New("managed node port already in use")

	// ErrStartFailure is the generic start failure reported by the
	// process output.
	ErrStartFailure = errors.New("managed node failed to start")

	// ErrNodeUnhealthy means a health probe failed.
	ErrNodeUnhealthy = errors.New("managed node health check failed")

	// ErrProcessGone means the supervised OS process disappeared.
	ErrProcessGone = errors.New("managed node process not found")
)

// ErrAdoptedExternal signals that an already-running external node was
// detected and adopted; management ceased deliberately. Not a failure.
var ErrAdoptedExternal = errors.New("external node adopted, supervision aborted")

// errStopRequested unwinds a start attempt when Shutdown arrives mid-start.
// It never escapes the supervise loop.
var errStopRequested = errors.New("supervisor stop requested")

// DownloadError reports a failed artifact download and whether retrying
// could help.
type DownloadError struct {
	Status    int
	URL       string
	Retryable bool
	Err       error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("artifact download failed (%s): %v", e.URL, e.Err)
	}
	return fmt.Sprintf("artifact download failed (%s): status %d", e.URL, e.Status)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// retryable classifies an error as recoverable by the supervise loop.
func retryable(err error) bool {
	var dl *DownloadError
	if errors.As(err, &dl) {
		return dl.Retryable
	}
	switch {
	case errors.Is(err, ErrInvalidArchitecture),
		errors.Is(err, ErrUnsupportedRuntime),
		errors.Is(err, ErrAdoptedExternal):
		return false
	}
	return true
}
