package cohort

import "fmt"

// The pipeline's error taxonomy. Every error is terminal for its run: no
// automatic retry past the transport layer, no partial results. Each carries
// enough context to be shown directly to an operator.

// InputError reports a request rejected before any external call is made.
type InputError struct {
	Message string
}

func (e *InputError) Error() string {
	return "input: " + e.Message
}

// RetrievalError wraps a document ingestion or similarity-search failure.
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string {
	return "retrieval: " + e.Err.Error()
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// GenerationError reports a model reply that is not a JSON array.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return "generation: model reply is not a valid JSON array: " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ValidationError reports one row failing a field rule. Row is 1-based;
// Field names the offending column when one is identifiable.
type ValidationError struct {
	Row     int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: row %d: field %q: %s", e.Row, e.Field, e.Message)
	}
	return fmt.Sprintf("validation: row %d: %s", e.Row, e.Message)
}

// CountMismatchError reports a reply whose row count differs from the
// requested population size.
type CountMismatchError struct {
	Got  int
	Want int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("count mismatch: model returned %d rows, expected %d", e.Got, e.Want)
}
