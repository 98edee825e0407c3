// Package storage exports reconciliation runs to disk for operators:
// runs/<run-id>/{report.json,manual.sql,manifest.json}. The reconciler
// itself never reads these back.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"schema_reconciler/internal/reconcile"
)

// RunRecord describes an exported run.
type RunRecord struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Outcome    string    `json:"outcome"`
	Summary    string    `json:"summary"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ReportFile string    `json:"report_file"`
	ManualFile string    `json:"manual_file"`
	Statements int       `json:"statements"`
	Checksum   string    `json:"checksum"`
}

// EnsureBase makes sure the storage root exists.
func EnsureBase(base string) error {
	return os.MkdirAll(filepath.Join(base, "runs"), 0o755)
}

// WriteRun stores report and its manual SQL script.
func WriteRun(base string, report *reconcile.Report) (RunRecord, error) {
	if report == nil {
		return RunRecord{}, fmt.Errorf("report is required")
	}
	id := report.RunID.String()
	dir := filepath.Join(base, "runs", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return RunRecord{}, err
	}
	manifestPath := filepath.Join(dir, "manifest.json")
	if _, err := os.Stat(manifestPath); err == nil {
		return RunRecord{}, fmt.Errorf("run %s already exported", id)
	}

	reportPath := filepath.Join(dir, "report.json")
	if err := writeJSON(reportPath, report); err != nil {
		return RunRecord{}, fmt.Errorf("write report: %w", err)
	}
	script := []byte(report.ManualScript())
	manualPath := filepath.Join(dir, "manual.sql")
	if err := os.WriteFile(manualPath, script, 0o644); err != nil {
		return RunRecord{}, fmt.Errorf("write manual sql: %w", err)
	}

	record := RunRecord{
		ID:         id,
		Target:     report.Target,
		Outcome:    string(report.Outcome()),
		Summary:    report.Summary(),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		ReportFile: reportPath,
		ManualFile: manualPath,
		Statements: len(report.ManualSQL()),
		Checksum:   computeChecksum(script),
	}
	if err := writeJSON(manifestPath, record); err != nil {
		return RunRecord{}, err
	}
	return record, nil
}

// LoadManifest reads metadata of one run.
func LoadManifest(base, id string) (RunRecord, error) {
	manifestPath := filepath.Join(base, "runs", safeName(id), "manifest.json")
	var record RunRecord
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return record, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("parse manifest: %w", err)
	}
	return record, nil
}

// LoadManualSQL returns the stored script after checking it against the
// manifest checksum.
func LoadManualSQL(base, id string) (string, error) {
	record, err := LoadManifest(base, id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(record.ManualFile)
	if err != nil {
		return "", fmt.Errorf("read manual sql: %w", err)
	}
	if sum := computeChecksum(data); sum != record.Checksum {
		return "", fmt.Errorf("manual sql for run %s was modified (checksum %s, want %s)", id, sum, record.Checksum)
	}
	return string(data), nil
}

// ListRuns returns exported runs, newest first.
func ListRuns(base string) ([]RunRecord, error) {
	entries, err := os.ReadDir(filepath.Join(base, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunRecord{}, nil
		}
		return nil, err
	}
	records := make([]RunRecord, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := LoadManifest(base, e.Name())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.After(records[j].StartedAt) })
	return records, nil
}

func safeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	name = strings.ReplaceAll(name, "..", "_")
	return name
}

func computeChecksum(blobs ...[]byte) string {
	h := sha256.New()
	for _, b := range blobs {
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
