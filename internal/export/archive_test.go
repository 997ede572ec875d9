package export

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvandessel/moffcal/internal/cube"
	"github.com/nvandessel/moffcal/internal/selfcal"
	"github.com/nvandessel/moffcal/internal/store"
)

func testRecord(id string) store.Record {
	img := cube.NewPlane(3, 3)
	img.Set(1, 1, 0.9)
	return store.Record{
		Run: store.Run{
			Summary: selfcal.Summary{
				RunID:       id,
				Iterations:  10,
				Completed:   10,
				AbortedAt:   -1,
				Checkpoints: 1,
				Antennas:    1,
				Channels:    2,
			},
			Status:    store.StatusCompleted,
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Checkpoints: []store.Checkpoint{
			{Slot: 0, Iteration: 0, GainError: 0.4, Gains: [][][2]float64{{{1, 0}, {0.5, 0.5}}}, Image: img},
		},
		Iterations: []store.IterationStat{{Iteration: 0, CenterPower: 0.9, GainError: 0.4}},
		Image:      img,
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "run.gz")

	header, err := Write(path, testRecord("run-1"), map[string]string{"host": "test"})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if header.RunID != "run-1" || header.Checkpoints != 1 || header.Iterations != 1 {
		t.Errorf("header = %+v", header)
	}
	if !strings.HasPrefix(header.Checksum, "sha256:") {
		t.Errorf("checksum = %q, want sha256: prefix", header.Checksum)
	}

	rec, readHeader, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if readHeader.Checksum != header.Checksum {
		t.Errorf("read checksum %s, wrote %s", readHeader.Checksum, header.Checksum)
	}
	if readHeader.Metadata["host"] != "test" {
		t.Errorf("metadata = %v", readHeader.Metadata)
	}
	if rec.Run.RunID != "run-1" || rec.Run.Status != store.StatusCompleted {
		t.Errorf("run = %+v", rec.Run)
	}
	if got := rec.Checkpoints[0].Gains[0][1]; got != [2]float64{0.5, 0.5} {
		t.Errorf("gain = %v", got)
	}
	if rec.Image == nil || rec.Image.At(1, 1) != 0.9 {
		t.Errorf("image = %+v", rec.Image)
	}
}

func TestReadHeader_NoDecompression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.gz")
	if _, err := Write(path, testRecord("run-2"), nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	header, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if header.Version != FormatVersion || !header.Compressed {
		t.Errorf("header = %+v", header)
	}
	if err := VerifyChecksum(path); err != nil {
		t.Errorf("VerifyChecksum() error = %v", err)
	}
}

func TestRead_CorruptedPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.gz")
	if _, err := Write(path, testRecord("run-3"), nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Flip the last payload byte.
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := VerifyChecksum(path); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("VerifyChecksum() error = %v, want checksum mismatch", err)
	}
	if _, _, err := Read(path); err == nil {
		t.Error("Read() expected error for corrupted archive")
	}
}

func TestReadHeader_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"empty", nil},
		{"not json", []byte("hello\n")},
		{"wrong version", []byte(`{"version":9}` + "\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.gz")
			if err := os.WriteFile(path, tt.content, 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := ReadHeader(path); err == nil {
				t.Error("ReadHeader() expected error")
			}
		})
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := store.NewInMemoryRunStore()
	if err := src.SaveRun(ctx, testRecord("run-4")); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	path := DefaultPath(t.TempDir(), "run-4")
	if !strings.HasSuffix(path, "moffcal-run-4.run.gz") {
		t.Errorf("DefaultPath() = %q", path)
	}
	if _, err := Export(ctx, src, "run-4", path); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if _, err := Export(ctx, src, "missing", path+".x"); err == nil {
		t.Error("Export() of unknown run expected error")
	}

	dst := store.NewInMemoryRunStore()
	rec, err := Import(ctx, dst, path)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if rec.Run.RunID != "run-4" {
		t.Errorf("imported run %s", rec.Run.RunID)
	}
	got, _ := dst.GetRecord(ctx, "run-4")
	if got == nil || len(got.Checkpoints) != 1 {
		t.Fatalf("imported record = %+v", got)
	}
}

func TestArchive_HeaderIsFirstLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.gz")
	if _, err := Write(path, testRecord("run-5"), nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line, _, ok := bytes.Cut(data, []byte("\n"))
	if !ok || !bytes.Contains(line, []byte(`"run_id":"run-5"`)) {
		t.Errorf("first line = %q", line)
	}
}
