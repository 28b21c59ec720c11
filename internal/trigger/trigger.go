package trigger

import (
	"context"

	"github.com/noetl/noetl/internal/pkg/logger"
)

// BusTrigger adapts a Bus to the queue's EvaluationTrigger: every terminal
// ack publishes the execution id instead of evaluating in the ack's request
// path.
type BusTrigger struct {
	bus Bus
	log *logger.Logger
}

func NewBusTrigger(bus Bus, baseLog *logger.Logger) *BusTrigger {
	return &BusTrigger{
		bus: bus,
		log: baseLog.With("component", "TriggerBus"),
	}
}

func (t *BusTrigger) TriggerEvaluate(ctx context.Context, executionID int64) {
	if err := t.bus.Publish(ctx, executionID); err != nil {
		t.log.Error("Trigger publish failed", "execution_id", executionID, "error", err)
	}
}
