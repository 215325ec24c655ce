//go:build unix

package cli

import (
	"os"
	"syscall"
)

func cancelSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR1}
}
