package database

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"repair-bench/internal/logging"
	"repair-bench/internal/reporting"

	"github.com/sirupsen/logrus"
)

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("REPAIR_BENCH_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// WriteSpoolArtifact writes a gzip-compressed JSON report to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, report *reporting.Report) (string, error) {
	if report == nil {
		return "", fmt.Errorf("spool report is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	checksum := report.SelectionChecksum
	if checksum == "" {
		checksum = "nocsum"
	}
	session := report.SessionID
	if session == "" {
		session = "nosession"
	}
	name := fmt.Sprintf(
		"experiment_%s_%s_%s.json.gz",
		report.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
		session,
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// SpoolReporter keeps the final report as a file.
type SpoolReporter struct {
	Dir string
}

func (s SpoolReporter) End(_ context.Context, r reporting.Report) error {
	logger := logging.GetLogger()
	path, err := WriteSpoolArtifact(s.Dir, &r)
	if err != nil {
		logger.WithField("spool_dir", s.Dir).WithError(err).Error("Failed to write spool artifact")
		return fmt.Errorf("failed to write spool artifact: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"path":    path,
		"records": len(r.Records),
	}).Info("Report spooled")
	return nil
}
