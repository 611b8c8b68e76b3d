// Package cohort implements the validated-generation pipeline: prompt
// construction, the completion call, strict row validation, and packaging
// of the result. A run either fully succeeds with exactly the requested
// number of valid patients or fully fails.
package cohort

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinsynth/cohortgen/internal/config"
	"github.com/clinsynth/cohortgen/internal/packaging"
	"github.com/clinsynth/cohortgen/internal/retrieval"
)

// ContextRetriever produces ranked reference passages for the prompt.
// *retrieval.Retriever is the real implementation.
type ContextRetriever interface {
	Passages(ctx context.Context, docs []retrieval.Document, diagnosisLabel string) ([]string, error)
}

// completionRetries bounds extra attempts after a transient transport
// failure. Model-level failures are never retried.
const completionRetries = 2

// Generator drives one run end to end.
type Generator struct {
	cfg         *config.Config
	completions CompletionClient
	retriever   ContextRetriever
	log         zerolog.Logger
}

// NewGenerator wires the pipeline. retriever may be nil when document
// ingestion is not configured; runs without documents still work.
func NewGenerator(cfg *config.Config, completions CompletionClient, retriever ContextRetriever, log zerolog.Logger) *Generator {
	return &Generator{
		cfg:         cfg,
		completions: completions,
		retriever:   retriever,
		log:         log,
	}
}

// Run executes the pipeline: guard rails, context retrieval, prompt build,
// one completion call, strict validation, packaging. Every failure is
// terminal; no partial archive is ever produced.
func (g *Generator) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if err := g.checkRequest(req); err != nil {
		return nil, err
	}

	var passages []string
	if len(req.Documents) > 0 {
		got, err := g.retriever.Passages(ctx, req.Documents, req.ICDLabel)
		if err != nil {
			return nil, &RetrievalError{Err: err}
		}
		passages = got
		g.log.Info().Int("documents", len(req.Documents)).Int("passages", len(passages)).
			Msg("Reference context retrieved")
	}

	userPrompt := BuildUserPrompt(req, passages)

	completion, err := g.complete(ctx, SystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	rows, err := g.validateReply(req, completion.Text)
	if err != nil {
		return nil, err
	}

	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = r.Record(req.ExtraColumns)
	}

	meta := &packaging.Metadata{
		ICDCode:     strings.ToUpper(strings.TrimSpace(req.ICDCode)),
		Diagnosis:   req.ICDLabel,
		NRequested:  req.N,
		Filters:     req.Filters.Pairs(),
		Seed:        req.Seed,
		Model:       g.cfg.Model,
		Temperature: g.cfg.Temperature,
	}
	if len(req.ExtraColumns) > 0 {
		meta.ExtraColumns = make(map[string]string, len(req.ExtraColumns))
		for _, c := range req.ExtraColumns {
			meta.ExtraColumns[c.Name] = string(c.Type)
		}
	}
	var cost *float64
	if completion.Usage != nil {
		meta.TokensInput = completion.Usage.InputTokens
		meta.TokensOutput = completion.Usage.OutputTokens
		cost = g.estimateCost(completion.Usage)
		meta.EstimatedCostUSD = cost
	}

	res, err := packaging.WriteArchive(CSVHeader(req.ExtraColumns), records, meta)
	if err != nil {
		return nil, err
	}

	g.log.Info().Str("run_id", res.RunID).Int("rows", len(rows)).Msg("Cohort run completed")

	return &RunResult{
		RunID:       res.RunID,
		Rows:        rows,
		ArchivePath: res.ZipPath,
		WorkDir:     res.Dir,
		Usage:       completion.Usage,
		CostUSD:     cost,
	}, nil
}

// checkRequest enforces the guard rails before any external call.
func (g *Generator) checkRequest(req *RunRequest) error {
	if strings.TrimSpace(req.ICDCode) == "" || strings.TrimSpace(req.ICDLabel) == "" {
		return &InputError{Message: "ICD-10 code/label missing"}
	}
	if req.N < 1 {
		return &InputError{Message: fmt.Sprintf("population size %d must be at least 1", req.N)}
	}
	if req.N > g.cfg.MaxPatients {
		return &InputError{Message: fmt.Sprintf("population size %d exceeds the maximum of %d", req.N, g.cfg.MaxPatients)}
	}
	if len(req.ExtraColumns) > MaxExtraColumns {
		return &InputError{Message: fmt.Sprintf("%d extra columns declared, the maximum is %d", len(req.ExtraColumns), MaxExtraColumns)}
	}
	for i, doc := range req.Documents {
		if strings.TrimSpace(doc.ScopeNote) == "" {
			return &InputError{Message: fmt.Sprintf("document %d (%s) has no scope note", i+1, doc.Filename)}
		}
	}
	if len(req.Documents) > 0 && g.retriever == nil {
		return &InputError{Message: "reference documents supplied but document retrieval is not configured"}
	}
	return nil
}

// complete calls the completion service under the configured timeout,
// retrying only transient transport failures with a short backoff.
func (g *Generator) complete(ctx context.Context, system, user string) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.GenTimeoutSeconds)*time.Second)
	defer cancel()

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= completionRetries; attempt++ {
		if attempt > 0 {
			g.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("Retrying completion call")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		completion, err := g.completions.Complete(ctx, system, user)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("cohort: completion failed after %d attempts: %w", completionRetries+1, lastErr)
}

// validateReply parses the reply as a raw JSON array - deliberately without
// fence stripping - and validates every row. The accepted batch must match
// the requested count exactly.
func (g *Generator) validateReply(req *RunRequest, reply string) ([]PatientRow, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(reply), &elements); err != nil {
		return nil, &GenerationError{Err: err}
	}

	validator := NewRowValidator(req.ICDCode, req.ExtraColumns)
	rows := make([]PatientRow, 0, len(elements))
	for i, el := range elements {
		idx := i + 1
		var raw map[string]interface{}
		if err := json.Unmarshal(el, &raw); err != nil {
			return nil, &ValidationError{Row: idx, Message: "element is not a JSON object"}
		}
		row, err := validator.ValidateRow(idx, raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	if len(rows) != req.N {
		return nil, &CountMismatchError{Got: len(rows), Want: req.N}
	}
	return rows, nil
}

// estimateCost converts token usage into USD using the configured
// per-million-token rates. Nil when rates are not configured.
func (g *Generator) estimateCost(usage *TokenUsage) *float64 {
	if g.cfg.InputCostPerMTok == 0 && g.cfg.OutputCostPerMTok == 0 {
		return nil
	}
	cost := float64(usage.InputTokens)/1e6*g.cfg.InputCostPerMTok +
		float64(usage.OutputTokens)/1e6*g.cfg.OutputCostPerMTok
	return &cost
}
