// Package retention deletes product files that have outlived their
// retention period.
package retention

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xtxerr/raintier/internal/config"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Manager handles cleanup of expired products.
type Manager struct {
	mu       sync.RWMutex
	products *products.Store
	policy   config.RetentionConfig
	clock    clockwork.Clock
	logger   *slog.Logger
	stats    Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time
	FilesDeleted int64
	BytesFreed   int64
	FilesSkipped int64
	Errors       int64
}

// CleanupResult holds the result of cleaning one (kind, code).
type CleanupResult struct {
	Kind         products.Kind
	Code         string
	Retention    time.Duration
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// New creates a retention manager.
func New(store *products.Store, policy config.RetentionConfig, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		products: store,
		policy:   policy,
		clock:    clock,
		logger:   logging.Component(logger, "retention"),
	}
}

// RunCleanup deletes expired products of every kind and code.
func (m *Manager) RunCleanup() []CleanupResult {
	return m.run(false)
}

// DryRun reports what RunCleanup would delete.
func (m *Manager) DryRun() []CleanupResult {
	return m.run(true)
}

func (m *Manager) run(dryRun bool) []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !dryRun {
		m.stats.LastRunTime = m.clock.Now()
	}

	var results []CleanupResult
	for _, kind := range products.AllKinds() {
		codes, err := m.products.Codes(kind)
		if err != nil {
			results = append(results, CleanupResult{Kind: kind, Errors: []error{err}})
			continue
		}
		for _, code := range codes {
			result := m.cleanup(kind, code, dryRun)
			results = append(results, result)
			if dryRun {
				continue
			}
			m.stats.FilesDeleted += int64(result.FilesDeleted)
			m.stats.BytesFreed += result.BytesFreed
			m.stats.FilesSkipped += int64(result.FilesSkipped)
			m.stats.Errors += int64(len(result.Errors))
			if result.FilesDeleted > 0 {
				m.logger.Info("expired products deleted", "kind", kind, "code", code,
					"files", result.FilesDeleted, "freed", formatBytes(result.BytesFreed))
			}
		}
	}
	return results
}

// Retention returns how long products of (kind, code) are kept. Zero keeps
// them forever.
func (m *Manager) Retention(kind products.Kind, code string) time.Duration {
	switch kind {
	case products.KindCalibrated:
		return m.policy.Calibrated
	case products.KindConsistent:
		return m.policy.Consistent
	}

	tf, err := types.ParseTimeframe(code)
	if err != nil {
		return 0
	}
	switch tf {
	case types.Timeframe5Min:
		return m.policy.Aggregate5Min
	case types.TimeframeHour:
		return m.policy.AggregateHour
	default:
		return m.policy.AggregateDay
	}
}

// cleanup removes the expired products of one code. The sidecar goes first
// so a half-deleted product reads as absent.
func (m *Manager) cleanup(kind products.Kind, code string, dryRun bool) CleanupResult {
	result := CleanupResult{Kind: kind, Code: code, Retention: m.Retention(kind, code)}

	files, err := m.listFiles(kind, code)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		return result
	}
	if result.Retention <= 0 {
		result.FilesSkipped = len(files)
		return result
	}
	cutoff := m.clock.Now().Add(-result.Retention)

	for _, file := range files {
		fileTime, ok := products.ParseFileTime(file.name)
		if !ok || !fileTime.Before(cutoff) {
			result.FilesSkipped++
			continue
		}

		size := file.size
		meta := products.MetaPath(file.path)
		if info, err := os.Stat(meta); err == nil {
			size += info.Size()
		}

		if !dryRun {
			if err := os.Remove(meta); err != nil && !os.IsNotExist(err) {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", meta, err))
				continue
			}
			if err := os.Remove(file.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", file.path, err))
				continue
			}
			pruneDirs(filepath.Dir(file.path), m.products.BaseDir())
		}

		result.FilesDeleted++
		result.BytesFreed += size
	}
	return result
}

// pruneDirs removes dir and its empty parents below root.
func pruneDirs(dir, root string) {
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// fileInfo holds information about a file.
type fileInfo struct {
	name string
	path string
	size int64
}

// listFiles lists the grid files of (kind, code), oldest first.
func (m *Manager) listFiles(kind products.Kind, code string) ([]fileInfo, error) {
	matches, err := filepath.Glob(m.products.Pattern(kind, code))
	if err != nil {
		return nil, err
	}

	files := make([]fileInfo, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			name: filepath.Base(path),
			path: path,
			size: info.Size(),
		})
	}

	// Fixed-width timestamps sort chronologically.
	sort.Slice(files, func(i, j int) bool {
		return files[i].name < files[j].name
	})
	return files, nil
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// GetDiskUsage returns grid file usage per "kind/code".
func (m *Manager) GetDiskUsage() map[string]DiskUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := make(map[string]DiskUsage)
	for _, kind := range products.AllKinds() {
		codes, err := m.products.Codes(kind)
		if err != nil {
			continue
		}
		for _, code := range codes {
			files, err := m.listFiles(kind, code)
			if err != nil {
				continue
			}
			var total int64
			for _, f := range files {
				total += f.size
			}
			usage[string(kind)+"/"+code] = DiskUsage{FileCount: len(files), TotalSize: total}
		}
	}
	return usage
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() string {
	usage := m.GetDiskUsage()

	keys := make([]string, 0, len(usage))
	for k := range usage {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		b          strings.Builder
		totalSize  int64
		totalFiles int
	)
	b.WriteString("Disk Usage:\n")
	for _, k := range keys {
		u := usage[k]
		totalSize += u.TotalSize
		totalFiles += u.FileCount
		fmt.Fprintf(&b, "  %s: %d files, %s\n", k, u.FileCount, formatBytes(u.TotalSize))
	}
	fmt.Fprintf(&b, "  Total: %d files, %s\n", totalFiles, formatBytes(totalSize))
	return b.String()
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
