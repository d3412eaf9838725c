package queue

import (
	"context"
	"time"

	"studybatch/internal/shared/telemetry"
)

// Client sends messages to a queue backend. delay postpones delivery; backends clamp it to
// what they support.
type Client interface {
	Send(ctx context.Context, msg Message, delay time.Duration) error
}

// Enqueuer schedules delayed reconciles for newly accepted batch jobs.
type Enqueuer struct {
	Client Client
	Delay  time.Duration

	now func() time.Time
}

// NewEnqueuer constructs an Enqueuer.
func NewEnqueuer(client Client, delay time.Duration) *Enqueuer {
	return &Enqueuer{
		Client: client,
		Delay:  delay,
		now:    time.Now,
	}
}

// EnqueueReconcile sends the first reconcile message for jobID.
func (e *Enqueuer) EnqueueReconcile(ctx context.Context, jobID string) error {
	msg := NewReconcileMessage(jobID, telemetry.RequestID(ctx), 0, e.now())
	return e.Client.Send(ctx, msg, e.Delay)
}
