package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"studybatch/internal/batch"
	"studybatch/internal/queue"
	"studybatch/internal/shared/telemetry"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

// ErrMissingJobID indicates a message without a job id.
type ErrMissingJobID struct {
	Meta      MessageMeta
	RequestID string
}

func (e ErrMissingJobID) Error() string { return "missing job id" }

// ErrUnknownJob indicates the job no longer exists. Retrying cannot help.
type ErrUnknownJob struct {
	JobID     string
	RequestID string
}

func (e ErrUnknownJob) Error() string { return "unknown batch job " + e.JobID }

// ErrProcess indicates the reconcile failed after successful parsing. The message should be
// redelivered.
type ErrProcess struct {
	JobID     string
	RequestID string
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "reconcile job"
	}
	return "reconcile job: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// Unrecoverable reports whether err means the message should be deleted without retry.
func Unrecoverable(err error) bool {
	switch err.(type) {
	case ErrEmptyBody, ErrDecode, ErrMissingJobID, ErrUnknownJob:
		return true
	default:
		return false
	}
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return msg, meta, ErrMissingJobID{Meta: meta, RequestID: msg.RequestID}
	}
	return msg, meta, nil
}

type parsedMessageKey struct{}

// WithParsedMessage stores a decoded message in the context for reuse.
func WithParsedMessage(ctx context.Context, msg queue.Message) context.Context {
	return context.WithValue(ctx, parsedMessageKey{}, msg)
}

func parsedMessageFromContext(ctx context.Context) (queue.Message, bool) {
	if ctx == nil {
		return queue.Message{}, false
	}
	msg, ok := ctx.Value(parsedMessageKey{}).(queue.Message)
	return msg, ok
}

// Reconciler applies provider state to a job.
type Reconciler interface {
	Reconcile(ctx context.Context, jobID string) (batch.Job, error)
}

// Processor reconciles the job named by a message and requeues it while the job is active.
type Processor struct {
	Reconciler Reconciler
	// Requeue is optional; without it active jobs are left to the sweep.
	Requeue queue.Client
	Delay   time.Duration

	now func() time.Time
}

// NewProcessor constructs a Processor.
func NewProcessor(r Reconciler, requeue queue.Client, delay time.Duration) *Processor {
	return &Processor{Reconciler: r, Requeue: requeue, Delay: delay, now: time.Now}
}

// Outcome describes what happened to a successfully handled message.
type Outcome struct {
	JobID    string
	Status   batch.JobStatus
	Requeued bool
}

// HandleMessage parses, validates, and processes a message payload.
func HandleMessage(ctx context.Context, p *Processor, body string) (Outcome, error) {
	if p == nil || p.Reconciler == nil {
		return Outcome{}, errors.New("reconciler not configured")
	}

	msg, ok := parsedMessageFromContext(ctx)
	if !ok {
		var err error
		msg, _, err = ParseMessage(body)
		if err != nil {
			return Outcome{}, err
		}
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return Outcome{}, ErrMissingJobID{Meta: ComputeMeta(body), RequestID: msg.RequestID}
	}

	ctx = telemetry.WithRequestID(ctx, msg.RequestID)
	job, err := p.Reconciler.Reconcile(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			return Outcome{}, ErrUnknownJob{JobID: msg.JobID, RequestID: msg.RequestID}
		}
		return Outcome{}, ErrProcess{JobID: msg.JobID, RequestID: msg.RequestID, Err: err}
	}

	out := Outcome{JobID: job.ID, Status: job.Status}
	if job.Status.Terminal() || p.Requeue == nil {
		return out, nil
	}
	next := queue.NewReconcileMessage(job.ID, msg.RequestID, msg.Attempt+1, p.now())
	if err := p.Requeue.Send(ctx, next, p.Delay); err != nil {
		return out, ErrProcess{JobID: msg.JobID, RequestID: msg.RequestID, Err: err}
	}
	out.Requeued = true
	return out, nil
}
