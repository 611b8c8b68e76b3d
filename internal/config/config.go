// Package config builds the process-wide configuration once at startup.
// Core packages receive a *Config and never read ambient environment state.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultModel       = "gemini-2.5-flash"
	DefaultEmbedModel  = "gemini-embedding-001"
	DefaultTemperature = 0.6
	DefaultMaxPatients = 500
	DefaultLookupURL   = "https://clinicaltables.nlm.nih.gov/api/icd10cm/v3/search"
	DefaultPort        = "8080"

	// Generation call budget; the lookup call carries its own fixed 5s timeout.
	DefaultGenTimeoutSeconds = 120
)

// Config holds everything the pipeline and its entry points need.
type Config struct {
	// Completion service
	Model       string
	Temperature float64
	APIKey      string

	// Per-run guard rail
	MaxPatients int

	// Diagnosis lookup endpoint
	LookupURL string

	// Context retrieval
	EmbedModel string

	// Generation call timeout, seconds
	GenTimeoutSeconds int

	// Cost accounting, USD per million tokens; zero disables the estimate
	InputCostPerMTok  float64
	OutputCostPerMTok float64

	// Optional GCS bucket for archiving run outputs
	ArchiveBucket string

	// HTTP server
	Port string
}

// FromEnv constructs a Config from environment variables, falling back to
// defaults. It fails only on values that parse to nonsense, not on absence.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Model:             getenv("COHORTGEN_MODEL", DefaultModel),
		Temperature:       DefaultTemperature,
		APIKey:            os.Getenv("GEMINI_API_KEY"),
		MaxPatients:       DefaultMaxPatients,
		LookupURL:         getenv("COHORTGEN_LOOKUP_URL", DefaultLookupURL),
		EmbedModel:        getenv("COHORTGEN_EMBED_MODEL", DefaultEmbedModel),
		GenTimeoutSeconds: DefaultGenTimeoutSeconds,
		ArchiveBucket:     os.Getenv("COHORTGEN_ARCHIVE_BUCKET"),
		Port:              getenv("COHORTGEN_PORT", DefaultPort),
	}

	if v := os.Getenv("COHORTGEN_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: COHORTGEN_TEMPERATURE %q: %w", v, err)
		}
		cfg.Temperature = f
	}
	if v := os.Getenv("COHORTGEN_MAX_PATIENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("config: COHORTGEN_MAX_PATIENTS %q must be a positive integer", v)
		}
		cfg.MaxPatients = n
	}
	if v := os.Getenv("COHORTGEN_GEN_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("config: COHORTGEN_GEN_TIMEOUT_SECONDS %q must be a positive integer", v)
		}
		cfg.GenTimeoutSeconds = n
	}
	if v := os.Getenv("COHORTGEN_INPUT_COST_PER_MTOK"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: COHORTGEN_INPUT_COST_PER_MTOK %q: %w", v, err)
		}
		cfg.InputCostPerMTok = f
	}
	if v := os.Getenv("COHORTGEN_OUTPUT_COST_PER_MTOK"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: COHORTGEN_OUTPUT_COST_PER_MTOK %q: %w", v, err)
		}
		cfg.OutputCostPerMTok = f
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
