//go:build windows

package main

import "os"

// stopSignals end a run at its next iteration. Ctrl+C is the only one
// Windows delivers.
var stopSignals = []os.Signal{os.Interrupt}
