package reconstruct

import "fmt"

// Reason classifies why a container was not reconstructed.
type Reason string

const (
	NoContainer      Reason = "no_container"
	AlreadyProcessed Reason = "already_processed"
	SingleNode       Reason = "single_node"
	ExtractionFailed Reason = "extraction_failed"
	InvalidAmount    Reason = "invalid_amount"
	MutationFailed   Reason = "mutation_failed"
)

// Failure aborts one container. The walk goes on with plain text
// conversion of the untouched content.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "reconstruct: " + string(f.Reason)
	}
	return fmt.Sprintf("reconstruct: %s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Code returns the reason as a plain string for stats and logs.
func (f *Failure) Code() string { return string(f.Reason) }

func fail(r Reason, format string, args ...any) *Failure {
	if format == "" {
		return &Failure{Reason: r}
	}
	return &Failure{Reason: r, Err: fmt.Errorf(format, args...)}
}
