package broker

import (
	"context"

	"github.com/noetl/noetl/internal/pkg/logger"
)

/*
Dispatcher is the in-process evaluation trigger: queue acks and API calls
fire it, and it runs the broker evaluation detached from the caller's
request. Sync mode evaluates inline, which tests and the single-binary
deployment use to make progression observable without polling.
*/
type Dispatcher struct {
	broker *Broker
	sync   bool
	log    *logger.Logger
}

func NewDispatcher(b *Broker, sync bool, baseLog *logger.Logger) *Dispatcher {
	return &Dispatcher{
		broker: b,
		sync:   sync,
		log:    baseLog.With("component", "Dispatcher"),
	}
}

func (d *Dispatcher) TriggerEvaluate(ctx context.Context, executionID int64) {
	if d.sync {
		if err := d.broker.Evaluate(ctx, executionID); err != nil {
			d.log.Error("Evaluation failed", "execution_id", executionID, "error", err)
		}
		return
	}
	go func() {
		// detached from the request context; the evaluation must survive the
		// caller's response
		if err := d.broker.Evaluate(context.Background(), executionID); err != nil {
			d.log.Error("Evaluation failed", "execution_id", executionID, "error", err)
		}
	}()
}
