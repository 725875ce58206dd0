package supervisor

import (
	"os"
	"syscall"
)

// stopSignal is sent to ask the managed process to shut down cleanly.
var stopSignal os.Signal = syscall.SIGTERM
