package cohort

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/clinsynth/cohortgen/internal/retrieval"
	"github.com/clinsynth/cohortgen/internal/schema"
)

// MaxExtraColumns caps user-declared extra columns per run. The schema
// parser itself is unbounded; this is a pipeline-level invariant.
const MaxExtraColumns = 10

// Filters holds the optional demographic constraints for a run.
type Filters struct {
	Race      []string `json:"race,omitempty"`
	Ethnicity []string `json:"ethnicity,omitempty"`
	Gender    []string `json:"gender,omitempty"`
	AgeMin    int      `json:"age_min,omitempty"`
	AgeMax    int      `json:"age_max,omitempty"`
}

// Pairs renders the non-empty filters as "key=value" strings in a fixed
// order, for both the prompt and the run metadata.
func (f Filters) Pairs() []string {
	var out []string
	if len(f.Race) > 0 {
		out = append(out, "race="+strings.Join(f.Race, "|"))
	}
	if len(f.Ethnicity) > 0 {
		out = append(out, "ethnicity="+strings.Join(f.Ethnicity, "|"))
	}
	if len(f.Gender) > 0 {
		out = append(out, "gender="+strings.Join(f.Gender, "|"))
	}
	if f.AgeMin != 0 || f.AgeMax != 0 {
		out = append(out, fmt.Sprintf("age=%d-%d", f.AgeMin, f.AgeMax))
	}
	return out
}

// RunRequest is the immutable input bundle for one run.
type RunRequest struct {
	ICDCode  string
	ICDLabel string
	N        int
	Filters  Filters
	Seed     string

	ExtraColumns []schema.ColumnSpec
	Documents    []retrieval.Document
}

// PatientRow is one validated synthetic patient.
type PatientRow struct {
	PatientID string
	Age       int
	Sex       string
	Race      string
	Ethnicity string
	ICD10Code string
	Diagnosis string

	// Extra holds the user-declared columns, keyed by column name.
	Extra map[string]interface{}
}

// coreHeader is the canonical order of the fixed patient fields.
var coreHeader = []string{"patient_id", "age", "sex", "race", "ethnicity", "icd10_code", "diagnosis"}

// CSVHeader returns the tabular header: core fields first, then extra
// columns in declaration order.
func CSVHeader(specs []schema.ColumnSpec) []string {
	header := append([]string(nil), coreHeader...)
	for _, s := range specs {
		header = append(header, s.Name)
	}
	return header
}

// Record renders the row for the tabular artifact in CSVHeader order.
// Extra values that are absent render as empty strings.
func (r PatientRow) Record(specs []schema.ColumnSpec) []string {
	rec := []string{
		r.PatientID,
		strconv.Itoa(r.Age),
		r.Sex,
		r.Race,
		r.Ethnicity,
		r.ICD10Code,
		r.Diagnosis,
	}
	for _, s := range specs {
		v, ok := r.Extra[s.Name]
		if !ok {
			rec = append(rec, "")
			continue
		}
		switch val := v.(type) {
		case string:
			rec = append(rec, val)
		case float64:
			if s.Type == schema.TypeInt {
				rec = append(rec, strconv.FormatInt(int64(val), 10))
			} else {
				rec = append(rec, strconv.FormatFloat(val, 'g', -1, 64))
			}
		default:
			rec = append(rec, fmt.Sprintf("%v", val))
		}
	}
	return rec
}

// TokenUsage is the completion call's token accounting, when the service
// reports it.
type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// RunResult is the immutable outcome of one successful run.
type RunResult struct {
	RunID       string
	Rows        []PatientRow
	ArchivePath string
	WorkDir     string
	Usage       *TokenUsage
	CostUSD     *float64
}
