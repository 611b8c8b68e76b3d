package cohort_test

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinsynth/cohortgen/internal/cohort"
	"github.com/clinsynth/cohortgen/internal/config"
	"github.com/clinsynth/cohortgen/internal/packaging"
	"github.com/clinsynth/cohortgen/internal/retrieval"
	"github.com/clinsynth/cohortgen/internal/schema"
)

// MockCompletionClient is a mock implementation of CompletionClient.
type MockCompletionClient struct {
	CompleteFunc func(ctx context.Context, system, user string) (*cohort.Completion, error)
	Calls        int
}

func (m *MockCompletionClient) Complete(ctx context.Context, system, user string) (*cohort.Completion, error) {
	m.Calls++
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, system, user)
	}
	return &cohort.Completion{Text: "[]"}, nil
}

// MockRetriever is a mock implementation of ContextRetriever.
type MockRetriever struct {
	PassagesFunc func(ctx context.Context, docs []retrieval.Document, label string) ([]string, error)
}

func (m *MockRetriever) Passages(ctx context.Context, docs []retrieval.Document, label string) ([]string, error) {
	if m.PassagesFunc != nil {
		return m.PassagesFunc(ctx, docs, label)
	}
	return nil, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Model:             "test-model",
		Temperature:       0.2,
		MaxPatients:       500,
		GenTimeoutSeconds: 5,
	}
}

func replyWith(t *testing.T, rows []map[string]interface{}) string {
	t.Helper()
	b, err := json.Marshal(rows)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	return string(b)
}

func patientJSON(id string, overrides map[string]interface{}) map[string]interface{} {
	row := map[string]interface{}{
		"patient_id": id,
		"age":        54,
		"sex":        "F",
		"race":       "White",
		"ethnicity":  "Not Hispanic or Latino",
		"icd10_code": "J47",
		"diagnosis":  "Asthma",
	}
	for k, v := range overrides {
		row[k] = v
	}
	return row
}

func readArchive(t *testing.T, path string) (csvData [][]string, meta packaging.Metadata) {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	var sawCSV, sawMeta bool
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open archive entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read archive entry %s: %v", f.Name, err)
		}
		switch f.Name {
		case packaging.CSVName:
			sawCSV = true
			records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
			if err != nil {
				t.Fatalf("parse csv: %v", err)
			}
			csvData = records
		case packaging.MetaName:
			sawMeta = true
			if err := json.Unmarshal(data, &meta); err != nil {
				t.Fatalf("parse metadata: %v", err)
			}
		default:
			t.Errorf("unexpected archive entry %q", f.Name)
		}
	}
	if !sawCSV || !sawMeta {
		t.Fatalf("archive missing entries: csv=%v meta=%v", sawCSV, sawMeta)
	}
	return csvData, meta
}

func TestRunEndToEnd(t *testing.T) {
	reply := replyWith(t, []map[string]interface{}{
		patientJSON("P-001", nil),
		patientJSON("P-002", map[string]interface{}{"age": 61, "sex": "M"}),
	})
	mock := &MockCompletionClient{
		CompleteFunc: func(ctx context.Context, system, user string) (*cohort.Completion, error) {
			return &cohort.Completion{
				Text:  reply,
				Usage: &cohort.TokenUsage{InputTokens: 900, OutputTokens: 300, TotalTokens: 1200},
			}, nil
		},
	}

	g := cohort.NewGenerator(testConfig(), mock, nil, zerolog.Nop())
	res, err := g.Run(context.Background(), &cohort.RunRequest{ICDCode: "J47", ICDLabel: "Asthma", N: 2})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	defer os.RemoveAll(res.WorkDir)

	if res.RunID == "" {
		t.Error("RunID is empty")
	}
	records, meta := readArchive(t, res.ArchivePath)

	wantHeader := []string{"patient_id", "age", "sex", "race", "ethnicity", "icd10_code", "diagnosis"}
	if len(records) != 3 {
		t.Fatalf("csv has %d records, want header + 2 rows", len(records))
	}
	for i, h := range wantHeader {
		if records[0][i] != h {
			t.Errorf("header[%d] = %q, want %q", i, records[0][i], h)
		}
	}
	if records[1][0] != "P-001" || records[2][0] != "P-002" {
		t.Errorf("rows out of order: %v / %v", records[1], records[2])
	}

	if meta.NRequested != 2 {
		t.Errorf("meta n_requested = %d, want 2", meta.NRequested)
	}
	if meta.RunID != res.RunID {
		t.Errorf("meta run_id = %q, want %q", meta.RunID, res.RunID)
	}
	if meta.TokensInput != 900 || meta.TokensOutput != 300 {
		t.Errorf("meta tokens = %d/%d, want 900/300", meta.TokensInput, meta.TokensOutput)
	}
}

func TestRunCountMismatchProducesNoArchive(t *testing.T) {
	reply := replyWith(t, []map[string]interface{}{patientJSON("P-001", nil)})
	mock := &MockCompletionClient{
		CompleteFunc: func(ctx context.Context, system, user string) (*cohort.Completion, error) {
			return &cohort.Completion{Text: reply}, nil
		},
	}

	g := cohort.NewGenerator(testConfig(), mock, nil, zerolog.Nop())
	res, err := g.Run(context.Background(), &cohort.RunRequest{ICDCode: "J47", ICDLabel: "Asthma", N: 2})

	var cm *cohort.CountMismatchError
	if !errors.As(err, &cm) {
		t.Fatalf("Run() error = %v, want CountMismatchError", err)
	}
	if cm.Got != 1 || cm.Want != 2 {
		t.Errorf("CountMismatchError = %+v, want Got=1 Want=2", cm)
	}
	if res != nil {
		t.Error("Run() returned a result alongside the error")
	}
}

func TestRunExtraColumnTypeMismatch(t *testing.T) {
	specs, err := schema.Parse("fev1_pct : float")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	reply := replyWith(t, []map[string]interface{}{
		patientJSON("P-001", map[string]interface{}{"fev1_pct": 61.5}),
		patientJSON("P-002", map[string]interface{}{"fev1_pct": "sixty"}),
	})
	mock := &MockCompletionClient{
		CompleteFunc: func(ctx context.Context, system, user string) (*cohort.Completion, error) {
			return &cohort.Completion{Text: reply}, nil
		},
	}

	g := cohort.NewGenerator(testConfig(), mock, nil, zerolog.Nop())
	_, err = g.Run(context.Background(), &cohort.RunRequest{
		ICDCode: "J47", ICDLabel: "Asthma", N: 2, ExtraColumns: specs,
	})

	var verr *cohort.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Run() error = %v, want ValidationError", err)
	}
	if verr.Row != 2 || verr.Field != "fev1_pct" {
		t.Errorf("ValidationError = %+v, want row 2 / fev1_pct", verr)
	}
}

func TestRunPopulationBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPatients = 3

	t.Run("at the cap", func(t *testing.T) {
		reply := replyWith(t, []map[string]interface{}{
			patientJSON("P-001", nil), patientJSON("P-002", nil), patientJSON("P-003", nil),
		})
		mock := &MockCompletionClient{
			CompleteFunc: func(ctx context.Context, system, user string) (*cohort.Completion, error) {
				return &cohort.Completion{Text: reply}, nil
			},
		}
		g := cohort.NewGenerator(cfg, mock, nil, zerolog.Nop())
		res, err := g.Run(context.Background(), &cohort.RunRequest{ICDCode: "J47", ICDLabel: "Asthma", N: 3})
		if err != nil {
			t.Fatalf("Run() at cap error: %v", err)
		}
		defer os.RemoveAll(res.WorkDir)
	})

	t.Run("one above the cap fails before any external call", func(t *testing.T) {
		mock := &MockCompletionClient{}
		g := cohort.NewGenerator(cfg, mock, nil, zerolog.Nop())
		_, err := g.Run(context.Background(), &cohort.RunRequest{ICDCode: "J47", ICDLabel: "Asthma", N: 4})

		var ierr *cohort.InputError
		if !errors.As(err, &ierr) {
			t.Fatalf("Run() error = %v, want InputError", err)
		}
		if mock.Calls != 0 {
			t.Errorf("completion service called %d times, want 0", mock.Calls)
		}
	})
}

func TestRunRejectsNonJSONReply(t *testing.T) {
	for _, reply := range []string{
		"here you go:\n[]",
		"```json\n[]\n```", // fences are deliberately not stripped
		"{\"rows\": []}",
	} {
		mock := &MockCompletionClient{
			CompleteFunc: func(ctx context.Context, system, user string) (*cohort.Completion, error) {
				return &cohort.Completion{Text: reply}, nil
			},
		}
		g := cohort.NewGenerator(testConfig(), mock, nil, zerolog.Nop())
		_, err := g.Run(context.Background(), &cohort.RunRequest{ICDCode: "J47", ICDLabel: "Asthma", N: 1})

		var gerr *cohort.GenerationError
		if !errors.As(err, &gerr) {
			t.Errorf("Run() with reply %q error = %v, want GenerationError", reply, err)
		}
	}
}

func TestRunIdempotentOutput(t *testing.T) {
	reply := replyWith(t, []map[string]interface{}{
		patientJSON("P-001", nil),
		patientJSON("P-002", map[string]interface{}{"age": 33}),
	})
	mock := &MockCompletionClient{
		CompleteFunc: func(ctx context.Context, system, user string) (*cohort.Completion, error) {
			return &cohort.Completion{Text: reply}, nil
		},
	}
	g := cohort.NewGenerator(testConfig(), mock, nil, zerolog.Nop())
	req := &cohort.RunRequest{ICDCode: "J47", ICDLabel: "Asthma", N: 2, Seed: "fixed-seed"}

	var outputs [][][]string
	for i := 0; i < 2; i++ {
		res, err := g.Run(context.Background(), req)
		if err != nil {
			t.Fatalf("Run() #%d error: %v", i+1, err)
		}
		records, _ := readArchive(t, res.ArchivePath)
		outputs = append(outputs, records)
		os.RemoveAll(res.WorkDir)
	}

	if len(outputs[0]) != len(outputs[1]) {
		t.Fatalf("runs produced %d vs %d records", len(outputs[0]), len(outputs[1]))
	}
	for i := range outputs[0] {
		for j := range outputs[0][i] {
			if outputs[0][i][j] != outputs[1][i][j] {
				t.Errorf("record %d field %d differs: %q vs %q", i, j, outputs[0][i][j], outputs[1][i][j])
			}
		}
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	reply := replyWith(t, []map[string]interface{}{patientJSON("P-001", nil)})
	mock := &MockCompletionClient{}
	mock.CompleteFunc = func(ctx context.Context, system, user string) (*cohort.Completion, error) {
		if mock.Calls == 1 {
			return nil, &net.DNSError{Err: "timeout", IsTimeout: true}
		}
		return &cohort.Completion{Text: reply}, nil
	}

	g := cohort.NewGenerator(testConfig(), mock, nil, zerolog.Nop())
	res, err := g.Run(context.Background(), &cohort.RunRequest{ICDCode: "J47", ICDLabel: "Asthma", N: 1})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	defer os.RemoveAll(res.WorkDir)

	if mock.Calls != 2 {
		t.Errorf("completion called %d times, want 2", mock.Calls)
	}
}

func TestRunDoesNotRetryModelFailures(t *testing.T) {
	mock := &MockCompletionClient{
		CompleteFunc: func(ctx context.Context, system, user string) (*cohort.Completion, error) {
			return nil, errors.New("model refused")
		},
	}

	g := cohort.NewGenerator(testConfig(), mock, nil, zerolog.Nop())
	if _, err := g.Run(context.Background(), &cohort.RunRequest{ICDCode: "J47", ICDLabel: "Asthma", N: 1}); err == nil {
		t.Fatal("Run() succeeded, want error")
	}
	if mock.Calls != 1 {
		t.Errorf("completion called %d times, want exactly 1", mock.Calls)
	}
}

func TestRunFeedsPassagesIntoPrompt(t *testing.T) {
	var capturedPrompt string
	reply := replyWith(t, []map[string]interface{}{patientJSON("P-001", nil)})
	mock := &MockCompletionClient{
		CompleteFunc: func(ctx context.Context, system, user string) (*cohort.Completion, error) {
			capturedPrompt = user
			return &cohort.Completion{Text: reply}, nil
		},
	}
	mockRetriever := &MockRetriever{
		PassagesFunc: func(ctx context.Context, docs []retrieval.Document, label string) ([]string, error) {
			if label != "Asthma" {
				t.Errorf("retriever got label %q, want Asthma", label)
			}
			return []string{"airway inflammation snippet"}, nil
		},
	}

	g := cohort.NewGenerator(testConfig(), mock, mockRetriever, zerolog.Nop())
	res, err := g.Run(context.Background(), &cohort.RunRequest{
		ICDCode: "J47", ICDLabel: "Asthma", N: 1,
		Documents: []retrieval.Document{{Filename: "ref.txt", Data: []byte("x"), ScopeNote: "asthma overview"}},
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	defer os.RemoveAll(res.WorkDir)

	if !strings.Contains(capturedPrompt, "airway inflammation snippet") {
		t.Error("retrieved passage did not reach the prompt")
	}
}

func TestRunGuardRails(t *testing.T) {
	tests := []struct {
		name string
		req  *cohort.RunRequest
	}{
		{"missing label", &cohort.RunRequest{ICDCode: "J47", N: 1}},
		{"missing code", &cohort.RunRequest{ICDLabel: "Asthma", N: 1}},
		{"zero population", &cohort.RunRequest{ICDCode: "J47", ICDLabel: "Asthma", N: 0}},
		{"document without scope note", &cohort.RunRequest{
			ICDCode: "J47", ICDLabel: "Asthma", N: 1,
			Documents: []retrieval.Document{{Filename: "ref.txt", Data: []byte("x")}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockCompletionClient{}
			g := cohort.NewGenerator(testConfig(), mock, &MockRetriever{}, zerolog.Nop())
			_, err := g.Run(context.Background(), tt.req)

			var ierr *cohort.InputError
			if !errors.As(err, &ierr) {
				t.Fatalf("Run() error = %v, want InputError", err)
			}
			if mock.Calls != 0 {
				t.Errorf("completion called %d times, want 0", mock.Calls)
			}
		})
	}
}

func TestRunTooManyExtraColumns(t *testing.T) {
	var lines []string
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"} {
		lines = append(lines, "col_"+n+" : int")
	}
	specs, err := schema.Parse(strings.Join(lines, "\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	g := cohort.NewGenerator(testConfig(), &MockCompletionClient{}, nil, zerolog.Nop())
	_, err = g.Run(context.Background(), &cohort.RunRequest{
		ICDCode: "J47", ICDLabel: "Asthma", N: 1, ExtraColumns: specs,
	})

	var ierr *cohort.InputError
	if !errors.As(err, &ierr) {
		t.Fatalf("Run() error = %v, want InputError", err)
	}
}
