package cohort

import (
	"fmt"
	"strings"

	"github.com/clinsynth/cohortgen/internal/schema"
)

// canonical ethnicity phrases, compared case-insensitively and normalized
// to the CDC wording on acceptance.
var ethnicities = map[string]string{
	"HISPANIC OR LATINO":     "Hispanic or Latino",
	"NOT HISPANIC OR LATINO": "Not Hispanic or Latino",
}

// RowValidator checks decoded model rows against the fixed patient schema
// plus the run's extra columns, and tracks patient_id uniqueness across the
// run. One validator instance belongs to exactly one run.
type RowValidator struct {
	wantCode   string
	specs      []schema.ColumnSpec
	validators []func(interface{}) error
	seenIDs    map[string]bool
}

// NewRowValidator builds a validator for the requested diagnosis code and
// extra-column specs.
func NewRowValidator(icdCode string, specs []schema.ColumnSpec) *RowValidator {
	v := &RowValidator{
		wantCode: strings.ToUpper(strings.TrimSpace(icdCode)),
		specs:    specs,
		seenIDs:  make(map[string]bool),
	}
	for _, s := range specs {
		v.validators = append(v.validators, s.Validator())
	}
	return v
}

// ValidateRow coerces one decoded JSON object into a PatientRow. idx is the
// 1-based row position, used in error reporting. Checks run in a fixed
// order and fail fast; any failure is terminal for the run.
func (v *RowValidator) ValidateRow(idx int, raw map[string]interface{}) (PatientRow, error) {
	var row PatientRow

	id, err := stringField(raw, "patient_id")
	if err != nil {
		return row, &ValidationError{Row: idx, Field: "patient_id", Message: err.Error()}
	}
	if strings.TrimSpace(id) == "" {
		return row, &ValidationError{Row: idx, Field: "patient_id", Message: "must be non-empty"}
	}
	row.PatientID = id

	ageVal, ok := raw["age"]
	if !ok {
		return row, &ValidationError{Row: idx, Field: "age", Message: "missing"}
	}
	ageF, ok := ageVal.(float64)
	if !ok || ageF != float64(int(ageF)) {
		return row, &ValidationError{Row: idx, Field: "age", Message: fmt.Sprintf("want integer, got %v", ageVal)}
	}
	age := int(ageF)
	if age < 0 || age > 120 {
		return row, &ValidationError{Row: idx, Field: "age", Message: fmt.Sprintf("must be 0-120, got %d", age)}
	}
	row.Age = age

	sex, err := stringField(raw, "sex")
	if err != nil {
		return row, &ValidationError{Row: idx, Field: "sex", Message: err.Error()}
	}
	sex = strings.ToUpper(strings.TrimSpace(sex))
	if sex != "F" && sex != "M" {
		return row, &ValidationError{Row: idx, Field: "sex", Message: fmt.Sprintf("must be F or M, got %q", raw["sex"])}
	}
	row.Sex = sex

	race, err := stringField(raw, "race")
	if err != nil {
		return row, &ValidationError{Row: idx, Field: "race", Message: err.Error()}
	}
	if strings.TrimSpace(race) == "" {
		return row, &ValidationError{Row: idx, Field: "race", Message: "must be non-empty"}
	}
	row.Race = race

	eth, err := stringField(raw, "ethnicity")
	if err != nil {
		return row, &ValidationError{Row: idx, Field: "ethnicity", Message: err.Error()}
	}
	canonical, ok := ethnicities[strings.ToUpper(strings.TrimSpace(eth))]
	if !ok {
		return row, &ValidationError{Row: idx, Field: "ethnicity", Message: fmt.Sprintf("must follow CDC wording, got %q", eth)}
	}
	row.Ethnicity = canonical

	code, err := stringField(raw, "icd10_code")
	if err != nil {
		return row, &ValidationError{Row: idx, Field: "icd10_code", Message: err.Error()}
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code != v.wantCode {
		return row, &ValidationError{Row: idx, Field: "icd10_code", Message: fmt.Sprintf("got %q, requested %q", code, v.wantCode)}
	}
	row.ICD10Code = code

	diag, err := stringField(raw, "diagnosis")
	if err != nil {
		return row, &ValidationError{Row: idx, Field: "diagnosis", Message: err.Error()}
	}
	row.Diagnosis = diag

	if v.seenIDs[row.PatientID] {
		return row, &ValidationError{Row: idx, Field: "patient_id", Message: fmt.Sprintf("duplicate patient_id %q", row.PatientID)}
	}

	if len(v.specs) > 0 {
		row.Extra = make(map[string]interface{}, len(v.specs))
		for i, s := range v.specs {
			val, ok := raw[s.Name]
			if !ok {
				return row, &ValidationError{Row: idx, Field: s.Name, Message: "missing"}
			}
			if err := v.validators[i](val); err != nil {
				return row, &ValidationError{Row: idx, Field: s.Name, Message: err.Error()}
			}
			row.Extra[s.Name] = val
		}
	}

	v.seenIDs[row.PatientID] = true
	return row, nil
}

func stringField(m map[string]interface{}, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing")
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("want string, got %T", v)
	}
	return s, nil
}
