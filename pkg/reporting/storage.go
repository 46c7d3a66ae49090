package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Storage persists analysis reports as JSON files under an output
// directory, keeping only the most recent N.
type Storage struct {
	outputDir string
	keepLastN int
	logger    *Logger
}

// NewStorage creates a new storage instance, creating the output
// directory if needed.
func NewStorage(outputDir string, keepLastN int, logger *Logger) (*Storage, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Storage{outputDir: outputDir, keepLastN: keepLastN, logger: logger}, nil
}

// SaveReport writes report as indented JSON named after the request id and
// returns the file path.
func (s *Storage) SaveReport(requestID string, startTime time.Time, report any) (string, error) {
	timestamp := startTime.UTC().Format("20060102-150405")
	filename := fmt.Sprintf("analysis-%s-%s.json", timestamp, sanitize(requestID))
	path := filepath.Join(s.outputDir, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	s.logger.Info("Analysis report saved", "path", path)

	if s.keepLastN > 0 {
		if err := s.pruneOldReports(); err != nil {
			s.logger.Warn("Failed to prune old reports", "error", err)
		}
	}
	return path, nil
}

// ListReports returns report file paths sorted newest first.
func (s *Storage) ListReports() ([]string, error) {
	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(s.outputDir, entry.Name()))
	}
	// Filenames embed a UTC timestamp, so lexical order is time order.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

// pruneOldReports removes report files beyond keepLastN.
func (s *Storage) pruneOldReports() error {
	paths, err := s.ListReports()
	if err != nil {
		return err
	}
	if len(paths) <= s.keepLastN {
		return nil
	}
	for _, path := range paths[s.keepLastN:] {
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to delete old report", "path", path, "error", err)
		} else {
			s.logger.Debug("Deleted old report", "path", path)
		}
	}
	return nil
}

// sanitize keeps request ids filesystem-safe.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, id)
}
