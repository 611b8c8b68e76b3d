package cohort

import (
	"errors"
	"strings"
	"testing"

	"github.com/clinsynth/cohortgen/internal/schema"
)

func goodRow() map[string]interface{} {
	return map[string]interface{}{
		"patient_id": "P-001",
		"age":        float64(54),
		"sex":        "F",
		"race":       "White",
		"ethnicity":  "Not Hispanic or Latino",
		"icd10_code": "J47",
		"diagnosis":  "Bronchiectasis",
	}
}

func TestValidateRowAcceptsAndNormalizes(t *testing.T) {
	v := NewRowValidator("j47", nil)

	raw := goodRow()
	raw["sex"] = "f"
	raw["ethnicity"] = "NOT HISPANIC OR LATINO"
	raw["icd10_code"] = "  j47 "

	row, err := v.ValidateRow(1, raw)
	if err != nil {
		t.Fatalf("ValidateRow() error: %v", err)
	}
	if row.Sex != "F" {
		t.Errorf("Sex = %q, want F", row.Sex)
	}
	if row.Ethnicity != "Not Hispanic or Latino" {
		t.Errorf("Ethnicity = %q, want canonical wording", row.Ethnicity)
	}
	if row.ICD10Code != "J47" {
		t.Errorf("ICD10Code = %q, want J47", row.ICD10Code)
	}
}

func TestValidateRowRejections(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(m map[string]interface{})
		wantField string
	}{
		{"missing patient_id", func(m map[string]interface{}) { delete(m, "patient_id") }, "patient_id"},
		{"blank patient_id", func(m map[string]interface{}) { m["patient_id"] = "  " }, "patient_id"},
		{"age missing", func(m map[string]interface{}) { delete(m, "age") }, "age"},
		{"age fractional", func(m map[string]interface{}) { m["age"] = 54.5 }, "age"},
		{"age as string", func(m map[string]interface{}) { m["age"] = "54" }, "age"},
		{"age below range", func(m map[string]interface{}) { m["age"] = float64(-1) }, "age"},
		{"age above range", func(m map[string]interface{}) { m["age"] = float64(121) }, "age"},
		{"sex invalid", func(m map[string]interface{}) { m["sex"] = "X" }, "sex"},
		{"race empty", func(m map[string]interface{}) { m["race"] = "  " }, "race"},
		{"ethnicity off-wording", func(m map[string]interface{}) { m["ethnicity"] = "Latino" }, "ethnicity"},
		{"code mismatch", func(m map[string]interface{}) { m["icd10_code"] = "K50" }, "icd10_code"},
		{"diagnosis missing", func(m map[string]interface{}) { delete(m, "diagnosis") }, "diagnosis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewRowValidator("J47", nil)
			raw := goodRow()
			tt.mutate(raw)

			_, err := v.ValidateRow(3, raw)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ValidateRow() error = %v, want ValidationError", err)
			}
			if verr.Row != 3 {
				t.Errorf("Row = %d, want 3", verr.Row)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestValidateRowBoundaryAges(t *testing.T) {
	v := NewRowValidator("J47", nil)

	for i, age := range []float64{0, 120} {
		raw := goodRow()
		raw["patient_id"] = raw["patient_id"].(string) + strings.Repeat("x", i+1)
		raw["age"] = age
		if _, err := v.ValidateRow(i+1, raw); err != nil {
			t.Errorf("ValidateRow(age=%v) error: %v", age, err)
		}
	}
}

func TestValidateRowDuplicateID(t *testing.T) {
	v := NewRowValidator("J47", nil)

	if _, err := v.ValidateRow(1, goodRow()); err != nil {
		t.Fatalf("first row rejected: %v", err)
	}
	_, err := v.ValidateRow(2, goodRow())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("duplicate id error = %v, want ValidationError", err)
	}
	if verr.Row != 2 || verr.Field != "patient_id" {
		t.Errorf("error = %+v, want row 2 / patient_id", verr)
	}
	if !strings.Contains(verr.Message, "duplicate") {
		t.Errorf("message %q does not mention duplicate", verr.Message)
	}
}

func TestValidateRowExtraColumns(t *testing.T) {
	specs := []schema.ColumnSpec{
		{Name: "fev1_pct", Type: schema.TypeFloat},
		{Name: "pack_years", Type: schema.TypeInt},
	}

	t.Run("valid extras accepted", func(t *testing.T) {
		v := NewRowValidator("J47", specs)
		raw := goodRow()
		raw["fev1_pct"] = 61.5
		raw["pack_years"] = float64(20)

		row, err := v.ValidateRow(1, raw)
		if err != nil {
			t.Fatalf("ValidateRow() error: %v", err)
		}
		if row.Extra["fev1_pct"] != 61.5 {
			t.Errorf("fev1_pct = %v, want 61.5", row.Extra["fev1_pct"])
		}
	})

	t.Run("missing extra rejects", func(t *testing.T) {
		v := NewRowValidator("J47", specs)
		raw := goodRow()
		raw["fev1_pct"] = 61.5
		// pack_years absent

		_, err := v.ValidateRow(1, raw)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "pack_years" {
			t.Fatalf("error = %v, want ValidationError on pack_years", err)
		}
	})

	t.Run("mistyped extra rejects naming the column", func(t *testing.T) {
		v := NewRowValidator("J47", specs)
		raw := goodRow()
		raw["fev1_pct"] = "sixty"
		raw["pack_years"] = float64(20)

		_, err := v.ValidateRow(2, raw)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("error = %v, want ValidationError", err)
		}
		if verr.Row != 2 || verr.Field != "fev1_pct" {
			t.Errorf("error = %+v, want row 2 / fev1_pct", verr)
		}
	})
}

func TestRecordRendersExtrasInOrder(t *testing.T) {
	specs := []schema.ColumnSpec{
		{Name: "fev1_pct", Type: schema.TypeFloat},
		{Name: "pack_years", Type: schema.TypeInt},
	}
	row := PatientRow{
		PatientID: "P-1", Age: 60, Sex: "M", Race: "Asian",
		Ethnicity: "Not Hispanic or Latino", ICD10Code: "J47", Diagnosis: "Bronchiectasis",
		Extra: map[string]interface{}{"fev1_pct": 61.5, "pack_years": float64(20)},
	}

	rec := row.Record(specs)
	want := []string{"P-1", "60", "M", "Asian", "Not Hispanic or Latino", "J47", "Bronchiectasis", "61.5", "20"}
	if len(rec) != len(want) {
		t.Fatalf("Record() has %d fields, want %d", len(rec), len(want))
	}
	for i := range want {
		if rec[i] != want[i] {
			t.Errorf("Record()[%d] = %q, want %q", i, rec[i], want[i])
		}
	}
}

func TestRecordRendersMissingExtraAsEmpty(t *testing.T) {
	specs := []schema.ColumnSpec{{Name: "fev1_pct", Type: schema.TypeFloat}}
	row := PatientRow{PatientID: "P-1", Age: 60, Sex: "M", Race: "Asian",
		Ethnicity: "Not Hispanic or Latino", ICD10Code: "J47", Diagnosis: "Bronchiectasis"}

	rec := row.Record(specs)
	if got := rec[len(rec)-1]; got != "" {
		t.Errorf("missing extra rendered as %q, want empty string", got)
	}
}
