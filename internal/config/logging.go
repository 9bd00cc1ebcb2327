package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// OpenLogFile opens a fresh timestamped log file under dir and prunes the
// directory down to the maxFiles newest files. The caller owns closing the
// handle.
func OpenLogFile(dir string, maxFiles int) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("log dir %s: %w", dir, err)
	}

	name := "sync-" + time.Now().Format("2006-01-02T15-04-05") + ".log"
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	if err := pruneLogFiles(dir, maxFiles); err != nil {
		// Pruning failure is not worth refusing to start over.
		fmt.Fprintf(os.Stderr, "prune old logs: %v\n", err)
	}
	return f, nil
}

// pruneLogFiles removes all but the maxFiles newest log files. The
// timestamped names sort chronologically, so a plain string sort orders them
// oldest first.
func pruneLogFiles(dir string, maxFiles int) error {
	matches, err := filepath.Glob(filepath.Join(dir, "sync-*.log"))
	if err != nil {
		return err
	}
	if len(matches) <= maxFiles {
		return nil
	}
	sort.Strings(matches)

	var firstErr error
	for _, stale := range matches[:len(matches)-maxFiles] {
		if err := os.Remove(stale); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", stale, err)
		}
	}
	return firstErr
}
