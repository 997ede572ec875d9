// Package pathutil decides where moffcal may write run archives and how
// project paths appear in messages.
package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

const (
	dataDir = ".moffcal"

	// ArchivePrefix and ArchiveSuffix frame every archive file name.
	ArchivePrefix = "moffcal-"
	ArchiveSuffix = ".run.gz"
)

// ErrRejected is returned when a requested export target breaks the
// project's output layout.
var ErrRejected = errors.New("export path rejected")

// ArchiveDir returns the project-local directory where run archives are written.
func ArchiveDir(projectRoot string) string {
	return filepath.Join(projectRoot, dataDir, "archives")
}

// RunDir returns the artifact directory of one run.
func RunDir(projectRoot, runID string) string {
	return filepath.Join(projectRoot, dataDir, "runs", runID)
}

// ArchiveName returns the file name of a run's archive.
func ArchiveName(runID string) string {
	return ArchivePrefix + runID + ArchiveSuffix
}

// IsArchiveName reports whether name looks like a file written by ArchiveName.
func IsArchiveName(name string) bool {
	return strings.HasPrefix(name, ArchivePrefix) && strings.HasSuffix(name, ArchiveSuffix)
}

// ExportTarget resolves where an export of runID may be written.
//
// An empty output selects ArchiveDir/ArchiveName(runID). A relative output
// is taken relative to ArchiveDir, not the working directory. Any output
// must end in ArchiveSuffix and, once symlinks are resolved, land in the
// archive directory or in the run's own artifact directory.
func ExportTarget(projectRoot, runID, output string) (string, error) {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("%w: invalid run id %q", ErrRejected, runID)
	}
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return "", fmt.Errorf("resolving project root: %w", err)
	}
	archives := ArchiveDir(root)

	if output == "" {
		return filepath.Join(archives, ArchiveName(runID)), nil
	}
	if strings.ContainsRune(output, 0) {
		return "", fmt.Errorf("%w: path contains a NUL byte", ErrRejected)
	}
	if !strings.HasSuffix(output, ArchiveSuffix) {
		return "", fmt.Errorf("%w: %s does not end in %s", ErrRejected, Display(root, output), ArchiveSuffix)
	}
	if !filepath.IsAbs(output) {
		output = filepath.Join(archives, output)
	}
	output = filepath.Clean(output)

	resolved, err := resolve(output)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	for _, dir := range []string{archives, RunDir(root, runID)} {
		rdir, err := resolve(dir)
		if err != nil {
			continue
		}
		if within(resolved, rdir) {
			return output, nil
		}
	}
	return "", fmt.Errorf("%w: %s is outside %s and the run directory of %s",
		ErrRejected, Display(root, output), Display(root, archives), runID)
}

// Display shortens path for messages: relative to the project root when it
// lies inside it, otherwise .../<parent>/<base>.
func Display(projectRoot, path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	if root, err := filepath.Abs(projectRoot); err == nil {
		if abs, err := filepath.Abs(cleaned); err == nil && within(abs, root) {
			rel, _ := filepath.Rel(root, abs)
			return filepath.ToSlash(rel)
		}
	}
	parent := filepath.Base(filepath.Dir(cleaned))
	if parent == "." || parent == string(filepath.Separator) {
		return filepath.Base(cleaned)
	}
	return ".../" + parent + "/" + filepath.Base(cleaned)
}

// resolve evaluates symlinks on the deepest existing ancestor of path and
// re-appends the part that does not exist yet.
func resolve(path string) (string, error) {
	var tail []string
	for {
		r, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(append([]string{r}, tail...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", fmt.Errorf("no existing ancestor of %s", path)
		}
		tail = append([]string{filepath.Base(path)}, tail...)
		path = parent
	}
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && filepath.IsLocal(rel)
}
