package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/nvandessel/moffcal/internal/logging"
)

func readAuditEntries(t *testing.T, path string) []AuditEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening audit log: %v", err)
	}
	defer f.Close()

	var entries []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("parsing audit entry %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestAuditLogger_NilSafety(t *testing.T) {
	var logger *AuditLogger
	logger.Log(AuditEntry{Tool: "test"})
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on nil logger returned error: %v", err)
	}
	if logger.Path() != "" {
		t.Errorf("Path() on nil logger = %q", logger.Path())
	}
}

func TestAuditLogger_WritesJSONL(t *testing.T) {
	root := t.TempDir()
	logger := NewAuditLogger(root, logging.Discard())
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	defer logger.Close()

	logger.Log(AuditEntry{
		Timestamp:  time.Now(),
		Tool:       "moffcal_show",
		DurationMs: 42,
		Status:     "success",
		RunID:      "run-1",
		Params:     map[string]string{"run_id": "run-1"},
	})
	logger.Log(AuditEntry{Tool: "moffcal_runs", Status: "error", Error: "boom"})

	entries := readAuditEntries(t, filepath.Join(root, ".moffcal", AuditFile))
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Tool != "moffcal_show" || entries[0].DurationMs != 42 || entries[0].RunID != "run-1" {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[1].Status != "error" || entries[1].Error != "boom" {
		t.Errorf("error entry = %+v", entries[1])
	}
}

func TestAuditLogger_FilePermissions(t *testing.T) {
	root := t.TempDir()
	logger := NewAuditLogger(root, logging.Discard())
	defer logger.Close()

	info, err := os.Stat(logger.Path())
	if err != nil {
		t.Fatalf("stat audit log: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("audit log permissions = %o, want 600", perm)
	}
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	root := t.TempDir()
	logger := NewAuditLogger(root, logging.Discard())
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Log(AuditEntry{Tool: "moffcal_runs", Status: "success"})
		}()
	}
	wg.Wait()

	if got := len(readAuditEntries(t, logger.Path())); got != 50 {
		t.Errorf("got %d entries, want 50", got)
	}
}

func TestAuditLogger_BadPath(t *testing.T) {
	// A regular file where the .moffcal directory should be.
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".moffcal"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if logger := NewAuditLogger(root, logging.Discard()); logger != nil {
		logger.Close()
		t.Error("expected nil logger when the directory cannot be created")
	}
}

func TestAuditLogger_LogAfterClose(t *testing.T) {
	logger := NewAuditLogger(t.TempDir(), logging.Discard())
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	logger.Log(AuditEntry{Tool: "moffcal_runs"})
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSanitizeToolParams(t *testing.T) {
	if sanitizeToolParams(nil) != nil {
		t.Error("nil params should stay nil")
	}

	got := sanitizeToolParams(map[string]any{
		"iterations":  20,
		"gain_factor": 0.2,
		"output_path": "/secret/place/run.gz",
		"unknown":     "dropped",
	})
	if got["iterations"] != "20" || got["gain_factor"] != "0.2" {
		t.Errorf("safe values = %v", got)
	}
	if got["output_path"] != "(set)" {
		t.Errorf("output_path = %q, want (set)", got["output_path"])
	}
	if _, ok := got["unknown"]; ok {
		t.Error("unknown params should not be logged")
	}
	if got["_param_count"] != "4" {
		t.Errorf("_param_count = %q, want 4", got["_param_count"])
	}
}

func TestAuditTool_Integration(t *testing.T) {
	server, tmpDir := setupTestServer(t)

	_, _, err := server.handleShow(context.Background(), &sdk.CallToolRequest{}, ShowInput{RunID: "missing"})
	if err == nil {
		t.Fatal("expected error for missing run")
	}
	server.auditTool("moffcal_test", time.Now(), nil, "", nil)

	entries := readAuditEntries(t, filepath.Join(tmpDir, ".moffcal", AuditFile))
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Tool != "moffcal_show" || entries[0].Status != "error" || entries[0].RunID != "missing" {
		t.Errorf("show entry = %+v", entries[0])
	}
	if entries[1].Tool != "moffcal_test" || entries[1].Status != "success" {
		t.Errorf("test entry = %+v", entries[1])
	}
}
