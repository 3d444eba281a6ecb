package orchestration

import "fmt"

// ValidationError marks a batch request that can never run, such as an empty
// goal list.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid batch request: %s", e.Reason)
}

// OrchestrationError marks an unexpected failure inside the orchestrator
// itself, as opposed to a test that merely failed. It is fatal: the queue is
// drained and the batch settles in the failed status.
type OrchestrationError struct {
	BatchRunID string
	Err        error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration failure in batch %s: %v", e.BatchRunID, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}
