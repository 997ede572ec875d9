// Package export writes and reads portable run archives.
//
// An archive is a plain-text JSON header line followed by a gzip-compressed
// JSON payload holding the full stored record of one run. The header carries
// a sha256 checksum of the compressed bytes so an archive can be verified
// or summarized without decompressing it.
package export

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nvandessel/moffcal/internal/pathutil"
	"github.com/nvandessel/moffcal/internal/store"
)

// FormatVersion is the archive format written by this package.
const FormatVersion = 1

// MaxDecompressedSize is the maximum allowed size of a decompressed payload (200MB).
const MaxDecompressedSize = 200 * 1024 * 1024

// Header is the plain-text first line of an archive.
type Header struct {
	Version     int               `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	Checksum    string            `json:"checksum"`
	RunID       string            `json:"run_id"`
	Status      string            `json:"status"`
	Checkpoints int               `json:"checkpoints"`
	Iterations  int               `json:"iterations"`
	Compressed  bool              `json:"compressed"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// payload is the compressed body of an archive.
type payload struct {
	Version   int          `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	Record    store.Record `json:"record"`
}

// DefaultPath returns the archive file name for a run inside dir.
func DefaultPath(dir, runID string) string {
	return filepath.Join(dir, pathutil.ArchiveName(runID))
}

// Write writes rec as an archive at path: header line + gzip-compressed payload.
func Write(path string, rec store.Record, metadata map[string]string) (*Header, error) {
	now := time.Now().UTC()

	data, err := json.Marshal(payload{Version: FormatVersion, CreatedAt: now, Record: rec})
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	var compressed bytes.Buffer
	gzw, err := gzip.NewWriterLevel(&compressed, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gzw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}

	header := &Header{
		Version:     FormatVersion,
		CreatedAt:   now,
		Checksum:    checksum(compressed.Bytes()),
		RunID:       rec.Run.RunID,
		Status:      rec.Run.Status,
		Checkpoints: len(rec.Checkpoints),
		Iterations:  len(rec.Iterations),
		Compressed:  true,
		Metadata:    metadata,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.Write(headerBytes)
	w.WriteByte('\n')
	w.Write(compressed.Bytes())
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("writing archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}

	return header, nil
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// open reads the header line and returns it with the remaining compressed bytes.
func open(path string) (*Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, err := readHeader(reader)
	if err != nil {
		return nil, nil, err
	}

	compressedData, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("reading compressed payload: %w", err)
	}
	return header, compressedData, nil
}

func readHeader(reader *bufio.Reader) (*Header, error) {
	headerLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}

	var header Header
	if err := json.Unmarshal(bytes.TrimSpace(headerLine), &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported archive version %d", header.Version)
	}
	return &header, nil
}

// ReadHeader reads only the header line from an archive without decompressing.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	return readHeader(bufio.NewReader(f))
}

// VerifyChecksum checks the integrity of an archive without decompressing it.
func VerifyChecksum(path string) error {
	header, compressedData, err := open(path)
	if err != nil {
		return err
	}
	if actual := checksum(compressedData); actual != header.Checksum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", header.Checksum, actual)
	}
	return nil
}

// Read reads an archive, verifies its checksum and decompresses the record.
func Read(path string) (*store.Record, *Header, error) {
	header, compressedData, err := open(path)
	if err != nil {
		return nil, nil, err
	}

	if actual := checksum(compressedData); actual != header.Checksum {
		return nil, nil, fmt.Errorf("checksum mismatch: expected %s, got %s", header.Checksum, actual)
	}

	gzr, err := gzip.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	// Limit decompressed size
	decompressed, err := io.ReadAll(io.LimitReader(gzr, MaxDecompressedSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if int64(len(decompressed)) > MaxDecompressedSize {
		return nil, nil, fmt.Errorf("decompressed payload exceeds maximum size of %d bytes", MaxDecompressedSize)
	}

	var p payload
	if err := json.Unmarshal(decompressed, &p); err != nil {
		return nil, nil, fmt.Errorf("parsing archive data: %w", err)
	}

	return &p.Record, header, nil
}

// Export writes the stored record of runID to path.
func Export(ctx context.Context, s store.RunStore, runID, path string) (*Header, error) {
	rec, err := s.GetRecord(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return Write(path, *rec, nil)
}

// Import reads an archive and saves its record into s.
func Import(ctx context.Context, s store.RunStore, path string) (*store.Record, error) {
	rec, _, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := s.SaveRun(ctx, *rec); err != nil {
		return nil, fmt.Errorf("saving imported run: %w", err)
	}
	return rec, nil
}
