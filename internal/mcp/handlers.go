package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/nvandessel/moffcal/internal/config"
	"github.com/nvandessel/moffcal/internal/cube"
	"github.com/nvandessel/moffcal/internal/export"
	"github.com/nvandessel/moffcal/internal/pathutil"
	"github.com/nvandessel/moffcal/internal/ratelimit"
	"github.com/nvandessel/moffcal/internal/runner"
)

const latestRunURI = "moffcal://runs/latest"

// defaultListLimit caps moffcal_runs when no limit is given.
const defaultListLimit = 20

// registerTools registers all moffcal MCP tools with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "moffcal_run",
		Description: "Run a simulated self-calibration with the project configuration and optional overrides, and store the result",
	}, s.handleRun)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "moffcal_runs",
		Description: "List stored calibration runs, newest first",
	}, s.handleRuns)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "moffcal_show",
		Description: "Show a stored run: summary, checkpoints and optionally the per-iteration convergence history",
	}, s.handleShow)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "moffcal_export",
		Description: "Export a stored run to a portable gzip archive with checksum",
	}, s.handleExport)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "moffcal_config",
		Description: "Show the effective project configuration and whether it is valid",
	}, s.handleConfig)
}

// registerResources registers MCP resources for auto-loading into context.
func (s *Server) registerResources() {
	s.server.AddResource(&sdk.Resource{
		URI:         latestRunURI,
		Name:        "moffcal-latest-run",
		Description: "Summary of the most recent calibration run in this project.",
		MIMEType:    "text/markdown",
	}, s.handleLatestRunResource)
}

// handleRun implements the moffcal_run tool.
func (s *Server) handleRun(ctx context.Context, req *sdk.CallToolRequest, args RunInput) (_ *sdk.CallToolResult, out RunOutput, retErr error) {
	start := time.Now()
	defer func() {
		params := map[string]any{"plots": args.Plots}
		if args.Iterations != 0 {
			params["iterations"] = args.Iterations
		}
		if args.GainFactor != nil {
			params["gain_factor"] = *args.GainFactor
		}
		if args.Seed != 0 {
			params["seed"] = args.Seed
		}
		s.auditTool("moffcal_run", start, retErr, out.Summary.RunID, sanitizeToolParams(params))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "moffcal_run"); err != nil {
		return nil, RunOutput{}, err
	}

	cfg, err := config.Load(s.root)
	if err != nil {
		return nil, RunOutput{}, fmt.Errorf("failed to load config: %w", err)
	}
	applyRunInput(cfg, args)
	if err := cfg.Validate(); err != nil {
		return nil, RunOutput{}, fmt.Errorf("invalid config: %w", err)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	outcome, runErr := runner.Execute(ctx, cfg, runner.Options{
		Root:   s.root,
		Logger: s.logger,
		Store:  s.store,
	})
	if outcome == nil {
		return nil, RunOutput{}, fmt.Errorf("run failed: %w", runErr)
	}

	out = RunOutput{
		Summary: outcome.Record.Run.Summary,
		Status:  outcome.Record.Run.Status,
		Plots:   outcome.Plots,
	}
	sum := out.Summary
	if runErr != nil {
		out.Error = runErr.Error()
		out.Message = fmt.Sprintf("Run %s %s after %d of %d iterations", sum.RunID, out.Status, sum.Completed, sum.Iterations)
	} else {
		out.Message = fmt.Sprintf("Run %s completed %d iterations: gain error %.4g → %.4g",
			sum.RunID, sum.Completed, sum.InitialGainError, sum.FinalGainError)
	}
	return nil, out, nil
}

// applyRunInput overlays the non-zero tool arguments on cfg.
func applyRunInput(cfg *config.Config, args RunInput) {
	if args.Iterations > 0 {
		cfg.Run.Iterations = args.Iterations
	}
	if args.CheckpointInterval > 0 {
		cfg.Run.CheckpointInterval = args.CheckpointInterval
	}
	if args.GainFactor != nil {
		cfg.Calibration.GainFactor = config.Float(*args.GainFactor)
	}
	if args.Seed != 0 {
		cfg.Run.Seed = args.Seed
	}
	if args.Antennas > 0 {
		cfg.Array.Antennas = args.Antennas
	}
	if args.NoiseRMS != nil {
		cfg.Sky.NoiseRMS = *args.NoiseRMS
	}
	if args.Perturbation != nil {
		cfg.Calibration.Perturbation = *args.Perturbation
	}
	if args.Plots {
		cfg.Run.Plots = true
	}
}

// handleRuns implements the moffcal_runs tool.
func (s *Server) handleRuns(ctx context.Context, req *sdk.CallToolRequest, args RunsInput) (_ *sdk.CallToolResult, _ RunsOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("moffcal_runs", start, retErr, "", sanitizeToolParams(map[string]any{"limit": args.Limit}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "moffcal_runs"); err != nil {
		return nil, RunsOutput{}, err
	}

	limit := args.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, RunsOutput{}, fmt.Errorf("failed to list runs: %w", err)
	}

	items := make([]RunListItem, 0, len(runs))
	for _, r := range runs {
		items = append(items, RunListItem{
			ID:             r.RunID,
			Status:         r.Status,
			Completed:      r.Completed,
			Iterations:     r.Iterations,
			Antennas:       r.Antennas,
			FinalGainError: r.FinalGainError,
			PeakPower:      r.PeakPower,
			CreatedAt:      r.CreatedAt,
		})
	}
	return nil, RunsOutput{Runs: items, Count: len(items)}, nil
}

// handleShow implements the moffcal_show tool.
func (s *Server) handleShow(ctx context.Context, req *sdk.CallToolRequest, args ShowInput) (_ *sdk.CallToolResult, _ ShowOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("moffcal_show", start, retErr, args.RunID, sanitizeToolParams(map[string]any{"run_id": args.RunID}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "moffcal_show"); err != nil {
		return nil, ShowOutput{}, err
	}
	if args.RunID == "" {
		return nil, ShowOutput{}, fmt.Errorf("'run_id' parameter is required")
	}

	rec, err := s.store.GetRecord(ctx, args.RunID)
	if err != nil {
		return nil, ShowOutput{}, fmt.Errorf("failed to load run: %w", err)
	}
	if rec == nil {
		return nil, ShowOutput{}, fmt.Errorf("run not found: %s", args.RunID)
	}

	out := ShowOutput{
		Summary:     rec.Run.Summary,
		Status:      rec.Run.Status,
		CreatedAt:   rec.Run.CreatedAt,
		CenterValue: planeCenter(rec.Image),
		Checkpoints: make([]CheckpointItem, 0, len(rec.Checkpoints)),
	}
	for _, cp := range rec.Checkpoints {
		item := CheckpointItem{Slot: cp.Slot, Iteration: cp.Iteration, GainError: cp.GainError}
		if cp.Image != nil {
			item.ImagePeak = cp.Image.Max()
		}
		out.Checkpoints = append(out.Checkpoints, item)
	}
	if args.Iterations {
		out.Iterations = rec.Iterations
	}
	return nil, out, nil
}

func planeCenter(p *cube.Plane) float64 {
	if p == nil {
		return 0
	}
	x, y := cube.Shape{NX: p.NX, NY: p.NY, NC: 1}.Center()
	return p.At(x, y)
}

// handleExport implements the moffcal_export tool.
func (s *Server) handleExport(ctx context.Context, req *sdk.CallToolRequest, args ExportInput) (_ *sdk.CallToolResult, _ ExportOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("moffcal_export", start, retErr, args.RunID, sanitizeToolParams(map[string]any{
			"run_id": args.RunID, "output_path": args.OutputPath,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "moffcal_export"); err != nil {
		return nil, ExportOutput{}, err
	}
	if args.RunID == "" {
		return nil, ExportOutput{}, fmt.Errorf("'run_id' parameter is required")
	}

	outputPath, err := pathutil.ExportTarget(s.root, args.RunID, args.OutputPath)
	if err != nil {
		return nil, ExportOutput{}, err
	}

	header, err := export.Export(ctx, s.store, args.RunID, outputPath)
	if err != nil {
		return nil, ExportOutput{}, fmt.Errorf("export failed: %w", err)
	}

	out := ExportOutput{Path: outputPath, Checksum: header.Checksum}
	if info, err := os.Stat(outputPath); err == nil {
		out.SizeBytes = info.Size()
	}

	// Retention only manages the archive directory.
	defaultPath, _ := pathutil.ExportTarget(s.root, args.RunID, "")
	inArchives := filepath.Dir(outputPath) == filepath.Dir(defaultPath)
	if cfg, err := config.Load(s.root); err == nil && inArchives {
		policy, err := export.NewPolicy(cfg.Archive.Keep, cfg.Archive.MaxAge)
		if err != nil {
			s.logger.Warn("invalid archive retention", "error", err)
		} else if deleted, err := export.ApplyRetention(filepath.Dir(outputPath), policy); err != nil {
			s.logger.Warn("failed to apply archive retention", "error", err)
		} else {
			out.Pruned = len(deleted)
		}
	}

	out.Message = fmt.Sprintf("Exported run %s (%d checkpoints, %d iterations) → %s",
		args.RunID, header.Checkpoints, header.Iterations, pathutil.Display(s.root, outputPath))
	return nil, out, nil
}

// handleConfig implements the moffcal_config tool.
func (s *Server) handleConfig(ctx context.Context, req *sdk.CallToolRequest, args ConfigInput) (_ *sdk.CallToolResult, _ ConfigOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("moffcal_config", start, retErr, "", nil)
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "moffcal_config"); err != nil {
		return nil, ConfigOutput{}, err
	}

	out := ConfigOutput{Path: config.Path(s.root)}
	if _, err := os.Stat(out.Path); err == nil {
		out.Exists = true
	}

	cfg, err := config.Load(s.root)
	if err != nil {
		return nil, ConfigOutput{}, fmt.Errorf("failed to load config: %w", err)
	}
	data, err := cfg.Marshal()
	if err != nil {
		return nil, ConfigOutput{}, fmt.Errorf("failed to render config: %w", err)
	}
	out.YAML = string(data)

	if err := cfg.Validate(); err != nil {
		out.Error = err.Error()
	} else {
		out.Valid = true
	}
	return nil, out, nil
}

// handleLatestRunResource renders the newest stored run as markdown.
func (s *Server) handleLatestRunResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	runs, err := s.store.ListRuns(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Latest calibration run\n\n")
	if len(runs) == 0 {
		b.WriteString("No runs stored yet. Start one with `moffcal_run`.\n")
	} else {
		r := runs[0]
		fmt.Fprintf(&b, "- **ID**: %s\n", r.RunID)
		fmt.Fprintf(&b, "- **Status**: %s (%d/%d iterations)\n", r.Status, r.Completed, r.Iterations)
		fmt.Fprintf(&b, "- **Array**: %d antennas × %d channels\n", r.Antennas, r.Channels)
		fmt.Fprintf(&b, "- **Gain error**: %.4g → %.4g\n", r.InitialGainError, r.FinalGainError)
		fmt.Fprintf(&b, "- **Peak power**: %.4g\n", r.PeakPower)
		fmt.Fprintf(&b, "- **Stored**: %s\n", r.CreatedAt.Format(time.RFC3339))
	}

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{
				URI:      latestRunURI,
				MIMEType: "text/markdown",
				Text:     b.String(),
			},
		},
	}, nil
}
