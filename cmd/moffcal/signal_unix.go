//go:build !windows

package main

import (
	"os"
	"syscall"
)

// stopSignals end a run at its next iteration. A hangup is included so a
// run whose terminal goes away still stores its partial result.
var stopSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
