// Package packaging writes the run artifacts: a CSV of patients and a JSON
// metadata record, bundled into one zip archive in a per-run temp workspace.
package packaging

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	// CSVName and MetaName are the two entries inside every archive.
	CSVName  = "patients.csv"
	MetaName = "meta.json"
)

// Metadata is the run's provenance record, written as meta.json.
type Metadata struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`

	ICDCode    string   `json:"icd10_code"`
	Diagnosis  string   `json:"diagnosis"`
	NRequested int      `json:"n_requested"`
	Filters    []string `json:"demographic_filters,omitempty"`
	Seed       string   `json:"seed,omitempty"`

	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`

	ExtraColumns map[string]string `json:"extra_columns,omitempty"`

	TokensInput      int32    `json:"tokens_input,omitempty"`
	TokensOutput     int32    `json:"tokens_output,omitempty"`
	EstimatedCostUSD *float64 `json:"estimated_cost_usd,omitempty"`
}

// Result locates the archive of one run. Cleanup removes the whole
// workspace once the archive has been served or uploaded.
type Result struct {
	RunID   string
	ZipPath string
	Dir     string
}

// Cleanup removes the run's temp workspace.
func (r *Result) Cleanup() error {
	return os.RemoveAll(r.Dir)
}

// NewRunID derives a run identifier from the timestamp at second
// granularity, with a random suffix so two runs inside the same second
// stay distinguishable.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102150405") + "-" + uuid.NewString()[:8]
}

// WriteArchive assigns a run id, writes the CSV and metadata into a fresh
// temp workspace and zips them. The workspace is removed on every failure
// path; on success the caller owns it via Result.Cleanup.
func WriteArchive(header []string, records [][]string, meta *Metadata) (_ *Result, err error) {
	now := time.Now()
	meta.RunID = NewRunID(now)
	meta.GeneratedAt = now.UTC()

	dir, err := os.MkdirTemp("", "cohort-run-*")
	if err != nil {
		return nil, fmt.Errorf("packaging: create workspace: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	csvPath := filepath.Join(dir, CSVName)
	if err = writeCSV(csvPath, header, records); err != nil {
		return nil, err
	}

	metaPath := filepath.Join(dir, MetaName)
	if err = writeMeta(metaPath, meta); err != nil {
		return nil, err
	}

	zipPath := filepath.Join(dir, fmt.Sprintf("cohort_%s.zip", meta.RunID))
	if err = writeZip(zipPath, csvPath, metaPath); err != nil {
		return nil, err
	}

	// The loose files live on inside the archive only.
	if err = os.Remove(csvPath); err != nil {
		return nil, fmt.Errorf("packaging: remove intermediate csv: %w", err)
	}
	if err = os.Remove(metaPath); err != nil {
		return nil, fmt.Errorf("packaging: remove intermediate metadata: %w", err)
	}

	return &Result{RunID: meta.RunID, ZipPath: zipPath, Dir: dir}, nil
}

func writeCSV(path string, header []string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("packaging: create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("packaging: write csv header: %w", err)
	}
	for i, rec := range records {
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("packaging: write csv row %d: %w", i+1, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("packaging: flush csv: %w", err)
	}
	return nil
}

func writeMeta(path string, meta *Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("packaging: create metadata: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("packaging: encode metadata: %w", err)
	}
	return nil
}

func writeZip(zipPath string, files ...string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("packaging: create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, path := range files {
		if err := addToZip(zw, path); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("packaging: finalize archive: %w", err)
	}
	return nil
}

func addToZip(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("packaging: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	w, err := zw.Create(filepath.Base(path))
	if err != nil {
		return fmt.Errorf("packaging: add %s to archive: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("packaging: copy %s into archive: %w", filepath.Base(path), err)
	}
	return nil
}
