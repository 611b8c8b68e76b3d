package cohort

import (
	"strings"
	"testing"

	"github.com/clinsynth/cohortgen/internal/schema"
)

func TestBuildUserPrompt(t *testing.T) {
	req := &RunRequest{
		ICDCode:  "J47",
		ICDLabel: "Bronchiectasis",
		N:        25,
		Filters: Filters{
			Race:   []string{"White", "Asian"},
			AgeMin: 30,
			AgeMax: 70,
		},
		ExtraColumns: []schema.ColumnSpec{{Name: "fev1_pct", Type: schema.TypeFloat}},
	}
	passages := []string{"snippet one", "snippet two"}

	got := BuildUserPrompt(req, passages)

	for _, want := range []string{
		"Bronchiectasis (ICD-10 J47)",
		"Number of patients requested: 25",
		"race=White|Asian",
		"age=30-70",
		"fev1_pct (float)",
		"snippet one\n---\nsnippet two",
		"patient_id",
		"icd10_code",
		`exactly "J47"`,
		"NO markdown fences",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q\n---\n%s", want, got)
		}
	}
}

func TestBuildUserPromptSkipsEmptySections(t *testing.T) {
	req := &RunRequest{ICDCode: "J47", ICDLabel: "Bronchiectasis", N: 2}

	got := BuildUserPrompt(req, nil)

	if strings.Contains(got, "demographic constraints") {
		t.Error("prompt mentions demographic constraints without filters")
	}
	if strings.Contains(got, "reference snippets") {
		t.Error("prompt mentions reference snippets without passages")
	}
	if strings.Contains(got, "additionally carry") {
		t.Error("prompt mentions extra attributes without a schema")
	}
}

func TestBuildUserPromptIsDeterministic(t *testing.T) {
	req := &RunRequest{
		ICDCode:  "J47",
		ICDLabel: "Bronchiectasis",
		N:        2,
		Filters:  Filters{Gender: []string{"Female"}, Ethnicity: []string{"Not Hispanic or Latino"}},
	}

	a := BuildUserPrompt(req, []string{"ctx"})
	b := BuildUserPrompt(req, []string{"ctx"})
	if a != b {
		t.Error("BuildUserPrompt is not deterministic for identical input")
	}
}

func TestFiltersPairsOrderAndSkipping(t *testing.T) {
	f := Filters{
		Gender:    []string{"Female"},
		Race:      []string{"White"},
		Ethnicity: nil,
		AgeMin:    0,
		AgeMax:    0,
	}

	got := f.Pairs()
	want := []string{"race=White", "gender=Female"}
	if len(got) != len(want) {
		t.Fatalf("Pairs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Pairs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
