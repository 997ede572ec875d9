//go:build !windows

package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestInterruptible_Hangup(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	ctx, stop := interruptible(context.Background(), logger)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run context not cancelled by SIGHUP")
	}
	stop()

	if !strings.Contains(logs.String(), "stopping run") || !strings.Contains(logs.String(), "hangup") {
		t.Errorf("log = %q, want the stop signal named", logs.String())
	}
}
