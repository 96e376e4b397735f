package workflows

import "fmt"

// DecompositionError reports that a pattern could not turn the submission
// into a valid subtask plan. Nothing has executed when it is returned.
type DecompositionError struct {
	Pattern string
	Err     error
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("decomposition failed for pattern %s: %v", e.Pattern, e.Err)
}

func (e *DecompositionError) Unwrap() error { return e.Err }

// SynthesisError reports that combining agent results failed. The agent
// results themselves are preserved on the workflow result.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// ConfigurationError rejects a submission before anything runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// SubtaskFailure is the terminal error of a fail-fast workflow, naming
// the subtask whose failure stopped it.
type SubtaskFailure struct {
	SubtaskID string
	Err       error
}

func (e *SubtaskFailure) Error() string {
	return fmt.Sprintf("subtask %s failed: %v", e.SubtaskID, e.Err)
}

func (e *SubtaskFailure) Unwrap() error { return e.Err }
