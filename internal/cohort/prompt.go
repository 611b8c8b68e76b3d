package cohort

import (
	"fmt"
	"strings"
)

// SystemPrompt establishes the model's persona for every run.
const SystemPrompt = "You are a careful medical data generator."

// BuildUserPrompt renders the user message deterministically from the
// request and any retrieved context passages: task framing, diagnosis and
// count, demographic constraints, extra attributes, reference snippets, then
// the strict output-format directive. The directive matters: the reply is
// parsed as raw JSON with no fence stripping.
func BuildUserPrompt(req *RunRequest, passages []string) string {
	var b strings.Builder

	b.WriteString("You are a clinical data engine that fabricates HIGH-QUALITY ")
	b.WriteString("synthetic patients strictly for software testing and demo purposes.\n\n")

	fmt.Fprintf(&b, "Diagnosis to model: %s (ICD-10 %s).\n", req.ICDLabel, req.ICDCode)
	fmt.Fprintf(&b, "Number of patients requested: %d.\n", req.N)

	if pairs := req.Filters.Pairs(); len(pairs) > 0 {
		b.WriteString("Apply these demographic constraints: ")
		b.WriteString(strings.Join(pairs, ", "))
		b.WriteString("\n")
	}

	if len(req.ExtraColumns) > 0 {
		b.WriteString("\nEach patient must additionally carry these attributes:\n")
		for _, c := range req.ExtraColumns {
			fmt.Fprintf(&b, "- %s (%s)\n", c.Name, c.Type)
		}
	}

	if len(passages) > 0 {
		b.WriteString("\nUse the following reference snippets ONLY for clinical realism. ")
		b.WriteString("Never copy text verbatim:\n")
		b.WriteString(strings.Join(passages, "\n---\n"))
		b.WriteString("\n")
	}

	b.WriteString("\nRespond ONLY with valid JSON - an array of objects.\n")
	b.WriteString("Each object must contain:\n\n")
	b.WriteString("- patient_id   (string, unique)\n")
	b.WriteString("- age          (integer, 0-120)\n")
	b.WriteString("- sex          (\"F\" or \"M\")\n")
	b.WriteString("- race         (US CDC wide-band)\n")
	b.WriteString("- ethnicity    (\"Hispanic or Latino\" / \"Not Hispanic or Latino\")\n")
	fmt.Fprintf(&b, "- icd10_code   (string, exactly %q)\n", strings.ToUpper(req.ICDCode))
	b.WriteString("- diagnosis    (string)\n")
	for _, c := range req.ExtraColumns {
		fmt.Fprintf(&b, "- %-12s (%s)\n", c.Name, c.Type)
	}
	b.WriteString("\nReturn NO markdown fences, NO commentary - pure JSON. ")
	b.WriteString("Output must begin with \"[\" and end with \"]\".\n")

	return b.String()
}
