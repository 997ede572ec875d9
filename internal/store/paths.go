package store

import (
	"path/filepath"

	"github.com/nvandessel/moffcal/internal/pathutil"
)

// LocalPath returns the path to the local .moffcal directory
// for the given project root.
func LocalPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".moffcal")
}

// DBPath returns the run database location under a project root.
func DBPath(projectRoot string) string {
	return filepath.Join(LocalPath(projectRoot), "runs.db")
}

// RunsDir returns the directory holding per-run artifacts (traces, plots).
func RunsDir(projectRoot string) string {
	return filepath.Join(LocalPath(projectRoot), "runs")
}

// RunDir returns the artifact directory of one run. Exports may also be
// written there.
func RunDir(projectRoot, runID string) string {
	return pathutil.RunDir(projectRoot, runID)
}
