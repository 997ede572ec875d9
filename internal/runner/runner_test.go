package runner

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/nvandessel/moffcal/internal/config"
	"github.com/nvandessel/moffcal/internal/logging"
	"github.com/nvandessel/moffcal/internal/store"
)

func testConfig() *config.Config {
	c := config.Default()
	c.Run.Iterations = 6
	c.Run.CheckpointInterval = 3
	c.Run.Workers = 2
	c.Array.Antennas = 8
	c.Array.LayoutExtent = 20
	c.Array.Channels = 2
	c.Sky.NoiseRMS = 0
	c.Calibration.Perturbation = 0.1
	c.Calibration.GainFactor = config.Float(0.2)
	return c
}

func TestExecute_SavesRecord(t *testing.T) {
	root := t.TempDir()
	s := store.NewInMemoryRunStore()
	cfg := testConfig()
	cfg.Run.Plots = true

	out, err := Execute(context.Background(), cfg, Options{Root: root, Store: s})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Record.Run.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", out.Record.Run.Status)
	}
	if out.Record.Run.Config == "" {
		t.Error("record should carry the effective config")
	}

	rec, err := s.GetRecord(context.Background(), out.Result.RunID)
	if err != nil || rec == nil {
		t.Fatalf("GetRecord() = %v, %v", rec, err)
	}
	if len(rec.Checkpoints) != 2 || len(rec.Iterations) != 6 {
		t.Errorf("stored %d checkpoints and %d iterations, want 2 and 6", len(rec.Checkpoints), len(rec.Iterations))
	}

	if len(out.Plots) != 2 {
		t.Fatalf("plots = %v, want 2 files", out.Plots)
	}
	for _, p := range out.Plots {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("plot %s: %v", p, err)
		}
	}
}

func TestExecute_NoRootNoPlots(t *testing.T) {
	cfg := testConfig()
	cfg.Run.Plots = true

	out, err := Execute(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.RunDir != "" || len(out.Plots) != 0 {
		t.Errorf("without a root nothing should be written: %+v", out)
	}
}

func TestExecute_CancelledStillRecorded(t *testing.T) {
	s := store.NewInMemoryRunStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := Execute(ctx, testConfig(), Options{Store: s, Logger: logging.Discard()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if out == nil {
		t.Fatal("Execute() returned no outcome for an aborted run")
	}
	if out.Record.Run.Status != store.StatusAborted {
		t.Errorf("status = %s, want aborted", out.Record.Run.Status)
	}
	run, _ := s.GetRun(context.Background(), out.Result.RunID)
	if run == nil {
		t.Error("aborted run was not saved")
	}
}

func TestExecute_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Calibration.GainFactor = nil

	if _, err := Execute(context.Background(), cfg, Options{}); err == nil {
		t.Error("Execute() expected error without gain factor")
	}
}
