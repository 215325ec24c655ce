//go:build !unix

package cli

import "os"

func cancelSignals() []os.Signal { return nil }
