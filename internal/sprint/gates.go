package sprint

import (
	"context"
)

// Gate is one sprint-wide validation collaborator. Implementations are
// external (the controller only consumes the verdict); an error return
// is treated as a failing verdict, never a pass.
type Gate interface {
	// Name identifies the gate within the fixed sequence.
	Name() GateName

	// Check evaluates the full task-result aggregate.
	Check(ctx context.Context, summary Summary) (GateResult, error)
}
