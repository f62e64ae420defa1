// Package resultstore persists run artifacts on the filesystem, keyed by
// job ID. The metadata row in Postgres holds only pointers; the bytes
// live here. Layout is content-addressed by job ID with a two-character
// fan-out so a single directory never collects millions of entries:
//
//	<root>/ab/abcd.../summary.json
//	<root>/ab/abcd.../series/equity.csv.gz
//
// Writes go through a temp directory plus rename, so a crash mid-write
// never leaves a partial result that looks complete.
package resultstore

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/engine"
)

// Summary is the manifest written next to the series artifacts. The
// reproducibility block is mandatory: Load refuses a summary without it
// rather than serving a result whose inputs are unknown.
type Summary struct {
	JobID       string             `json:"job_id"`
	Workload    string             `json:"workload"`
	Metrics     map[string]float64 `json:"metrics"`
	Repro       domain.Repro       `json:"repro"`
	Series      []string           `json:"series"`
	GeneratedAt time.Time          `json:"generated_at"`
}

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Dir returns the artifact directory for a job ID.
func (s *Store) Dir(jobID string) string {
	fanout := jobID
	if len(fanout) > 2 {
		fanout = fanout[:2]
	}
	return filepath.Join(s.root, fanout, jobID)
}

// Save writes the full artifact set for a finished run and returns the
// artifact directory path for the metadata record.
func (s *Store) Save(jobID, workload string, res *engine.Result) (string, error) {
	repro := domain.Repro{
		SnapshotID:      res.SnapshotID,
		DatasetVersions: res.DatasetVersions,
	}
	if !repro.Valid() {
		return "", domain.ErrMissingRepro
	}

	final := s.Dir(jobID)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("create fanout dir: %w", err)
	}

	tmp, err := os.MkdirTemp(filepath.Dir(final), "."+jobID+".tmp-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	names := make([]string, 0, len(res.Series))
	for name := range res.Series {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > 0 {
		if err := os.Mkdir(filepath.Join(tmp, "series"), 0o755); err != nil {
			return "", fmt.Errorf("create series dir: %w", err)
		}
	}
	for _, name := range names {
		path := filepath.Join(tmp, "series", name+".csv.gz")
		if err := writeSeries(path, res.Series[name]); err != nil {
			return "", fmt.Errorf("write series %s: %w", name, err)
		}
	}

	summary := Summary{
		JobID:       jobID,
		Workload:    workload,
		Metrics:     res.Metrics,
		Repro:       repro,
		Series:      names,
		GeneratedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "summary.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}

	// Replace any leftover from an earlier attempt, then publish.
	if err := os.RemoveAll(final); err != nil {
		return "", fmt.Errorf("clear stale artifacts: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("publish artifacts: %w", err)
	}
	return final, nil
}

// Load reads the summary manifest for a job. A manifest with an empty
// reproducibility block is treated as corrupt and reported loudly.
func (s *Store) Load(jobID string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(jobID), "summary.json"))
	if os.IsNotExist(err) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("parse summary for %s: %w", jobID, err)
	}
	if !sum.Repro.Valid() {
		return nil, fmt.Errorf("summary for %s: %w", jobID, domain.ErrMissingRepro)
	}
	return &sum, nil
}

// OpenSeries opens one series artifact for streaming. The caller must
// close the returned reader.
func (s *Store) OpenSeries(jobID, name string) (*gzip.Reader, func() error, error) {
	f, err := os.Open(filepath.Join(s.Dir(jobID), "series", name+".csv.gz"))
	if os.IsNotExist(err) {
		return nil, nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	closer := func() error {
		zr.Close()
		return f.Close()
	}
	return zr, closer, nil
}

// Discard removes all artifacts for a job. Removing a job that has no
// artifacts is a no-op, so retention can call it unconditionally.
func (s *Store) Discard(jobID string) error {
	return os.RemoveAll(s.Dir(jobID))
}

func writeSeries(path string, points []engine.Point) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	cw := csv.NewWriter(zw)

	if err := cw.Write([]string{"time", "value"}); err != nil {
		f.Close()
		return err
	}
	for _, p := range points {
		rec := []string{
			p.Time.UTC().Format(time.RFC3339),
			strconv.FormatFloat(p.Value, 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
