package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/nvandessel/moffcal/internal/cube"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteRunStore implements RunStore using SQLite for persistence.
type SQLiteRunStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// NewSQLiteRunStore creates a new SQLiteRunStore rooted at projectRoot.
// It creates the database at .moffcal/runs.db.
func NewSQLiteRunStore(projectRoot string) (*SQLiteRunStore, error) {
	dir := LocalPath(projectRoot)

	// Ensure .moffcal directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .moffcal directory: %w", err)
	}

	return OpenSQLiteRunStore(DBPath(projectRoot))
}

// OpenSQLiteRunStore opens (or creates) a run database at dbPath.
func OpenSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteRunStore{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path.
func (s *SQLiteRunStore) Path() string { return s.dbPath }

// SaveRun inserts or replaces a run with all of its data.
func (s *SQLiteRunStore) SaveRun(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := rec.Run
	if r.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRunTx(ctx, tx, r.RunID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, status, iterations, completed, diverged, aborted_at, checkpoints,
			antennas, channels, initial_gain_error, final_gain_error, peak_power,
			config, started_at, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Status, r.Iterations, r.Completed, boolToInt(r.Diverged), r.AbortedAt, r.Checkpoints,
		r.Antennas, r.Channels, finiteOrNull(r.InitialGainError), finiteOrNull(r.FinalGainError), finiteOrNull(r.PeakPower),
		r.Config, formatTime(r.StartedAt), r.DurationMS, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, cp := range rec.Checkpoints {
		gainsJSON, err := json.Marshal(cp.Gains)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint %d gains: %w", cp.Slot, err)
		}
		nx, ny, blob := encodePlane(cp.Image)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (run_id, slot, iteration, gain_error, gains, image_nx, image_ny, image)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, cp.Slot, cp.Iteration, cp.GainError, string(gainsJSON), nx, ny, blob); err != nil {
			return fmt.Errorf("failed to insert checkpoint %d: %w", cp.Slot, err)
		}
	}

	for _, it := range rec.Iterations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO iterations (run_id, iteration, center_power, gain_error)
			VALUES (?, ?, ?, ?)`,
			r.RunID, it.Iteration, it.CenterPower, it.GainError); err != nil {
			return fmt.Errorf("failed to insert iteration %d: %w", it.Iteration, err)
		}
	}

	if rec.Image != nil {
		nx, ny, blob := encodePlane(rec.Image)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO images (run_id, nx, ny, data) VALUES (?, ?, ?, ?)`,
			r.RunID, nx, ny, blob); err != nil {
			return fmt.Errorf("failed to insert image: %w", err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, status, iterations, completed, diverged, aborted_at, checkpoints,
	antennas, channels, initial_gain_error, final_gain_error, peak_power,
	config, started_at, duration_ms, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*Run, error) {
	var (
		r                       Run
		diverged                int
		initErr, finalErr, peak sql.NullFloat64
		config                  sql.NullString
		startedAt, createdAt    string
	)
	if err := sc.Scan(&r.RunID, &r.Status, &r.Iterations, &r.Completed, &diverged, &r.AbortedAt, &r.Checkpoints,
		&r.Antennas, &r.Channels, &initErr, &finalErr, &peak,
		&config, &startedAt, &r.DurationMS, &createdAt); err != nil {
		return nil, err
	}
	r.Diverged = diverged != 0
	r.InitialGainError = nullToZero(initErr)
	r.FinalGainError = nullToZero(finalErr)
	r.PeakPower = nullToZero(peak)
	r.Config = config.String
	r.StartedAt = parseTime(startedAt)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// GetRun returns a run by ID. Returns nil if not found.
func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns runs newest first. limit <= 0 returns all.
func (s *SQLiteRunStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRecord returns the full stored record of a run. Returns nil if not found.
func (s *SQLiteRunStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := &Record{Run: *run}

	cpRows, err := s.db.QueryContext(ctx, `
		SELECT slot, iteration, gain_error, gains, image_nx, image_ny, image
		FROM checkpoints WHERE run_id = ? ORDER BY slot`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer cpRows.Close()
	for cpRows.Next() {
		var (
			cp        Checkpoint
			gainsJSON string
			nx, ny    int
			blob      []byte
		)
		if err := cpRows.Scan(&cp.Slot, &cp.Iteration, &cp.GainError, &gainsJSON, &nx, &ny, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(gainsJSON), &cp.Gains); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %d gains: %w", cp.Slot, err)
		}
		if cp.Image, err = decodePlane(nx, ny, blob); err != nil {
			return nil, fmt.Errorf("checkpoint %d image: %w", cp.Slot, err)
		}
		rec.Checkpoints = append(rec.Checkpoints, cp)
	}
	if err := cpRows.Err(); err != nil {
		return nil, err
	}

	itRows, err := s.db.QueryContext(ctx, `
		SELECT iteration, center_power, gain_error
		FROM iterations WHERE run_id = ? ORDER BY iteration`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer itRows.Close()
	for itRows.Next() {
		var it IterationStat
		if err := itRows.Scan(&it.Iteration, &it.CenterPower, &it.GainError); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		rec.Iterations = append(rec.Iterations, it)
	}
	if err := itRows.Err(); err != nil {
		return nil, err
	}

	var (
		nx, ny int
		blob   []byte
	)
	err = s.db.QueryRowContext(ctx, `SELECT nx, ny, data FROM images WHERE run_id = ?`, id).Scan(&nx, &ny, &blob)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to get image: %w", err)
	default:
		if rec.Image, err = decodePlane(nx, ny, blob); err != nil {
			return nil, fmt.Errorf("average image: %w", err)
		}
	}

	return rec, nil
}

// DeleteRun removes a run and its data.
func (s *SQLiteRunStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRunTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteRunTx(ctx context.Context, tx *sql.Tx, id string) error {
	for _, table := range []string{"checkpoints", "iterations", "images"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete %s of run %s: %w", table, id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	return nil
}

// ValidateIntegrity checks the underlying database.
func (s *SQLiteRunStore) ValidateIntegrity(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ValidateIntegrity(ctx, s.db)
}

// Close closes the database.
func (s *SQLiteRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func encodePlane(p *cube.Plane) (int, int, []byte) {
	if p == nil {
		return 0, 0, nil
	}
	buf := make([]byte, 0, 8*len(p.Data))
	for _, v := range p.Data {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return p.NX, p.NY, buf
}

func decodePlane(nx, ny int, blob []byte) (*cube.Plane, error) {
	if nx == 0 && ny == 0 && len(blob) == 0 {
		return nil, nil
	}
	if len(blob) != 8*nx*ny {
		return nil, fmt.Errorf("image blob has %d bytes for %dx%d", len(blob), nx, ny)
	}
	p := cube.NewPlane(nx, ny)
	for i := range p.Data {
		p.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[8*i:]))
	}
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func finiteOrNull(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// nullToZero keeps read-back summaries JSON-encodable.
func nullToZero(v sql.NullFloat64) float64 {
	if !v.Valid {
		return 0
	}
	return v.Float64
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
