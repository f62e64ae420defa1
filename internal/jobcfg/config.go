// Package jobcfg defines the immutable description of a requested backtest
// and derives the deterministic job ID that doubles as its idempotency key.
package jobcfg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yourorg/backrun/internal/domain"
)

const (
	// MinTimeout and MaxTimeout bound the per-job execution timeout to a
	// sane operational range. Submissions outside it are rejected.
	MinTimeout = 5 * time.Minute
	MaxTimeout = 4 * time.Hour

	// DefaultTimeout applies when the caller does not supply one.
	DefaultTimeout = 1 * time.Hour

	// MaxParams caps the free-form parameter map so the canonical form
	// stays small and hashing stays cheap.
	MaxParams = 32

	dateLayout = "2006-01-02"
)

// Config is the immutable, typed description of a backtest run. Workload-
// specific knobs go in Params; everything structural is a named field so
// idempotency hashing stays deterministic.
type Config struct {
	Workload  string            `json:"workload"`
	StartDate string            `json:"start_date"` // YYYY-MM-DD
	EndDate   string            `json:"end_date"`   // YYYY-MM-DD
	Variant   string            `json:"variant"`
	Params    map[string]string `json:"params,omitempty"`
}

// Validate checks the config synchronously. Errors are ValidationErrors
// and must surface to the caller before anything is queued.
func (c *Config) Validate() error {
	if c.Workload == "" {
		return &domain.ValidationError{Field: "workload", Reason: "must not be empty"}
	}
	start, err := time.Parse(dateLayout, c.StartDate)
	if err != nil {
		return &domain.ValidationError{Field: "start_date", Reason: fmt.Sprintf("want YYYY-MM-DD, got %q", c.StartDate)}
	}
	end, err := time.Parse(dateLayout, c.EndDate)
	if err != nil {
		return &domain.ValidationError{Field: "end_date", Reason: fmt.Sprintf("want YYYY-MM-DD, got %q", c.EndDate)}
	}
	if !end.After(start) {
		return &domain.ValidationError{Field: "end_date", Reason: "must be after start_date"}
	}
	if c.Variant == "" {
		return &domain.ValidationError{Field: "variant", Reason: "must not be empty"}
	}
	if len(c.Params) > MaxParams {
		return &domain.ValidationError{Field: "params", Reason: fmt.Sprintf("at most %d entries, got %d", MaxParams, len(c.Params))}
	}
	return nil
}

// ValidateTimeout bounds-checks a caller-supplied timeout. Zero means
// "use the default" and is accepted.
func ValidateTimeout(d time.Duration) error {
	if d == 0 {
		return nil
	}
	if d < MinTimeout || d > MaxTimeout {
		return &domain.ValidationError{
			Field:  "timeout",
			Reason: fmt.Sprintf("must be between %s and %s", MinTimeout, MaxTimeout),
		}
	}
	return nil
}

// Canonical returns the canonical JSON serialization of the config.
// Field order is fixed by the struct definition and encoding/json emits
// map keys sorted, so two logically equal configs always produce the
// same bytes.
func (c *Config) Canonical() ([]byte, error) {
	if len(c.Params) == 0 {
		c.Params = nil
	}
	return json.Marshal(c)
}

// Parse round-trips a canonical serialization back into a Config.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("jobcfg: parse: %w", err)
	}
	return &c, nil
}

// ComputeJobID derives the idempotency key for a config submitted by a
// principal. The principal is part of the hash so identical configs from
// different users never collide into one job.
func ComputeJobID(c *Config, principal string) (string, error) {
	canonical, err := c.Canonical()
	if err != nil {
		return "", fmt.Errorf("jobcfg: canonicalize: %w", err)
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte{'\n'})
	h.Write([]byte(principal))
	return hex.EncodeToString(h.Sum(nil)), nil
}
