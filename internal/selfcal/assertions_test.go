package selfcal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"testing"
)

// AssertCompleted asserts the completed-iteration count and that every
// per-iteration record covers exactly those iterations.
func AssertCompleted(t *testing.T, res *Result, want int) {
	t.Helper()
	if res.Completed != want {
		t.Errorf("AssertCompleted: completed %d iterations, want %d", res.Completed, want)
	}
	if len(res.CenterPower) != want || len(res.GainErrors) != want {
		t.Errorf("AssertCompleted: %d center records and %d error records, want %d",
			len(res.CenterPower), len(res.GainErrors), want)
	}
	if want > 0 && res.AverageImage == nil {
		t.Error("AssertCompleted: no average image")
	}
}

// AssertCheckpointCadence asserts that checkpoint slot k was taken at
// iteration k*interval.
func AssertCheckpointCadence(t *testing.T, res *Result, interval int) {
	t.Helper()
	for k, cp := range res.Checkpoints {
		if cp.Slot != k {
			t.Errorf("AssertCheckpointCadence: checkpoint %d has slot %d", k, cp.Slot)
		}
		if cp.Iteration != k*interval {
			t.Errorf("AssertCheckpointCadence: slot %d at iteration %d, want %d", k, cp.Iteration, k*interval)
		}
	}
}

// AssertGainShape asserts that the final, simulation and checkpoint gains
// all have the given shape.
func AssertGainShape(t *testing.T, res *Result, antennas, channels int) {
	t.Helper()
	check := func(name string, r, c int) {
		if r != antennas || c != channels {
			t.Errorf("AssertGainShape: %s is %dx%d, want %dx%d", name, r, c, antennas, channels)
		}
	}
	r, c := res.FinalGains.Dims()
	check("final gains", r, c)
	r, c = res.SimGains.Dims()
	check("sim gains", r, c)
	for k, cp := range res.Checkpoints {
		r, c = cp.Gains.Dims()
		check(fmt.Sprintf("checkpoint %d", k), r, c)
	}
}

// AssertErrorNonIncreasing asserts that the gain error never grows between
// checkpoints.
func AssertErrorNonIncreasing(t *testing.T, res *Result) {
	t.Helper()
	for k := 1; k < len(res.Checkpoints); k++ {
		prev, cur := res.Checkpoints[k-1].GainError, res.Checkpoints[k].GainError
		if cur > prev*(1+1e-12) {
			t.Errorf("AssertErrorNonIncreasing: slot %d error %.6g > slot %d error %.6g", k, cur, k-1, prev)
		}
	}
}

// AssertTraceEvents asserts that the trace file holds want JSON lines.
func AssertTraceEvents(t *testing.T, path string, want int) {
	t.Helper()
	if path == "" {
		t.Fatal("AssertTraceEvents: no trace file")
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("AssertTraceEvents: %v", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Errorf("AssertTraceEvents: line %d: %v", n+1, err)
		}
		n++
	}
	if n != want {
		t.Errorf("AssertTraceEvents: %d events, want %d", n, want)
	}
}
