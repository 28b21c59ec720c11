package trigger

import "context"

// Bus fans evaluation requests out to whichever server replica picks them
// up. Payloads are execution ids only; the broker re-derives everything else
// from durable state, so a lost or duplicated message costs at most one
// redundant evaluation.
type Bus interface {
	Publish(ctx context.Context, executionID int64) error
	StartForwarder(ctx context.Context, onEvaluate func(executionID int64)) error
	Close() error
}
