package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupOrphaned removes transient script files in dir that are older than
// minAge. Files only outlive their execution when the server crashed mid-run.
func CleanupOrphaned(dir string, minAge time.Duration) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, artifactPrefix+"*"))
	if err != nil {
		return 0, fmt.Errorf("listing script files: %w", err)
	}

	cutoff := time.Now().Add(-minAge)
	var cleaned int
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove orphaned script file")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		log.Info().Int("count", cleaned).Str("dir", dir).Msg("cleaned up orphaned script files")
	}
	return cleaned, nil
}
