package export

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/nvandessel/moffcal/internal/pathutil"
)

// ArchiveInfo describes one archive file for retention decisions.
type ArchiveInfo struct {
	Path      string
	RunID     string
	Size      int64
	CreatedAt time.Time
}

// RetentionPolicy selects which archives to keep. Input is sorted newest-first.
type RetentionPolicy interface {
	Apply(archives []ArchiveInfo) (keep []ArchiveInfo)
}

// CountPolicy keeps the MaxCount newest archives.
type CountPolicy struct {
	MaxCount int
}

func (p *CountPolicy) Apply(archives []ArchiveInfo) []ArchiveInfo {
	if len(archives) <= p.MaxCount {
		return archives
	}
	return archives[:p.MaxCount]
}

// AgePolicy keeps archives created within MaxAge.
type AgePolicy struct {
	MaxAge time.Duration
	now    func() time.Time
}

func (p *AgePolicy) Apply(archives []ArchiveInfo) []ArchiveInfo {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	cutoff := now().Add(-p.MaxAge)
	var keep []ArchiveInfo
	for _, a := range archives {
		if a.CreatedAt.After(cutoff) {
			keep = append(keep, a)
		}
	}
	return keep
}

// AllPolicy keeps an archive only if every sub-policy keeps it.
type AllPolicy []RetentionPolicy

func (p AllPolicy) Apply(archives []ArchiveInfo) []ArchiveInfo {
	keep := archives
	for _, policy := range p {
		keep = policy.Apply(keep)
	}
	return keep
}

// NewPolicy builds the policy for a keep count and a max-age string such
// as "30d" or "72h". Zero keep and empty maxAge disable their limits; with
// both disabled it returns nil.
func NewPolicy(keep int, maxAge string) (RetentionPolicy, error) {
	var all AllPolicy
	if keep > 0 {
		all = append(all, &CountPolicy{MaxCount: keep})
	}
	if maxAge != "" {
		d, err := ParseDuration(maxAge)
		if err != nil {
			return nil, err
		}
		all = append(all, &AgePolicy{MaxAge: d})
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// ListArchives scans dir for run archives, newest first. Files whose header
// cannot be read are skipped.
func ListArchives(dir string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading archive directory: %w", err)
	}

	var archives []ArchiveInfo
	for _, e := range entries {
		if e.IsDir() || !pathutil.IsArchiveName(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		header, err := ReadHeader(path)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, ArchiveInfo{
			Path:      path,
			RunID:     header.RunID,
			Size:      info.Size(),
			CreatedAt: header.CreatedAt,
		})
	}

	slices.SortFunc(archives, func(a, b ArchiveInfo) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return archives, nil
}

// ApplyRetention deletes the archives in dir that policy does not keep.
func ApplyRetention(dir string, policy RetentionPolicy) (deleted []string, err error) {
	if policy == nil {
		return nil, nil
	}
	archives, err := ListArchives(dir)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool)
	for _, a := range policy.Apply(archives) {
		keep[a.Path] = true
	}
	for _, a := range archives {
		if keep[a.Path] {
			continue
		}
		if err := os.Remove(a.Path); err != nil {
			return deleted, fmt.Errorf("removing %s: %w", filepath.Base(a.Path), err)
		}
		deleted = append(deleted, a.Path)
	}
	return deleted, nil
}

// ParseDuration parses Go durations plus day and week suffixes ("30d", "2w").
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}
	switch s[len(s)-1] {
	case 'd':
		return time.Duration(num) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown duration suffix in %q", s)
	}
}
