// internal/recon/errors.go
package recon

import "fmt"

// InternalConsistencyError means the assembler could not line up every
// segment with exactly one delta/running-quantity/end-date derivation. It
// indicates a bug in the engine itself, never bad input, and always fails
// the whole run.
type InternalConsistencyError struct {
	Detail string
}

func (e *InternalConsistencyError) Error() string {
	return fmt.Sprintf("reconciliation internal consistency violated: %s", e.Detail)
}
