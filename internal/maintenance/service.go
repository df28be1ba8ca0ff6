package maintenance

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StagingPrefix names the per-source directories created under the upload dir.
const StagingPrefix = "upload-"

type Config struct {
	SweepInterval time.Duration
	MinAge        time.Duration
}

// Service removes staged upload directories that no live session uses.
// Sessions normally clean up after themselves; the sweep catches what a
// crash or a failed close left behind.
type Service struct {
	UploadDir string
	// LivePaths returns the source files of live sessions.
	LivePaths func() []string
	Config    Config
	Logger    *slog.Logger
	Clock     func() time.Time
}

type SweepSummary struct {
	DirsScanned int   `json:"dirs_scanned"`
	DirsInUse   int   `json:"dirs_in_use"`
	DirsRemoved int   `json:"dirs_removed"`
	BytesFreed  int64 `json:"bytes_freed"`
	Failures    int   `json:"failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.RunSweepOnce(ctx)
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "staging sweep failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil && summary.DirsRemoved > 0 {
				s.Logger.InfoContext(ctx, "staging sweep completed", slog.Any("summary", summary))
			}
		}
	}
}

func (s *Service) RunSweepOnce(ctx context.Context) (SweepSummary, error) {
	if strings.TrimSpace(s.UploadDir) == "" {
		return SweepSummary{}, fmt.Errorf("upload dir is required")
	}
	s.ensureDefaults()

	entries, err := os.ReadDir(s.UploadDir)
	if err != nil {
		sweepRunsTotal.WithLabelValues("failed").Inc()
		return SweepSummary{}, fmt.Errorf("read upload dir: %w", err)
	}

	live := s.liveDirs()
	cutoff := s.Clock().Add(-s.Config.MinAge)
	summary := SweepSummary{}
	failures := make([]string, 0)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), StagingPrefix) {
			continue
		}
		summary.DirsScanned++

		dir := filepath.Join(s.UploadDir, entry.Name())
		if live[dir] {
			summary.DirsInUse++
			continue
		}
		info, err := entry.Info()
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("%s stat: %v", entry.Name(), err))
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("%s remove: %v", entry.Name(), err))
			continue
		}
		summary.DirsRemoved++
		summary.BytesFreed += size
	}

	stagingDirsRemovedTotal.Add(float64(summary.DirsRemoved))
	stagingBytesFreedTotal.Add(float64(summary.BytesFreed))
	if len(failures) > 0 {
		sweepRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("staging sweep encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	sweepRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

// liveDirs maps each live source file to its staging directory.
func (s *Service) liveDirs() map[string]bool {
	live := map[string]bool{}
	if s.LivePaths == nil {
		return live
	}
	root := filepath.Clean(s.UploadDir)
	for _, path := range s.LivePaths() {
		rel, err := filepath.Rel(root, filepath.Clean(path))
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
		live[filepath.Join(root, first)] = true
	}
	return live
}

func (s *Service) ensureDefaults() {
	if s.Config.SweepInterval <= 0 {
		s.Config.SweepInterval = 10 * time.Minute
	}
	if s.Config.MinAge < 0 {
		s.Config.MinAge = 0
	}
	if s.Clock == nil {
		s.Clock = func() time.Time { return time.Now().UTC() }
	}
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil && !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
