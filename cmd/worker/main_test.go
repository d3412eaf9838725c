package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"studybatch/internal/batch"
	"studybatch/internal/queue"
	"studybatch/internal/workerproc"
)

type fakeSQS struct {
	deleted []string
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeReconciler struct {
	mu     sync.Mutex
	status batch.JobStatus
	err    error
	seen   []string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, jobID string) (batch.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, jobID)
	if f.err != nil {
		return batch.Job{}, f.err
	}
	return batch.Job{ID: jobID, Status: f.status}, nil
}

func messageFor(t *testing.T, id, jobID string) sqstypes.Message {
	t.Helper()
	body, err := queue.EncodeMessage(queue.NewReconcileMessage(jobID, "req-"+id, 0, time.Now()))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("r-" + id),
		Body:          aws.String(string(body)),
		Attributes:    map[string]string{receiveCountAttribute: "1"},
	}
}

func TestWorkerDeletesMessageOnSuccess(t *testing.T) {
	client := &fakeSQS{}
	proc := workerproc.NewProcessor(&fakeReconciler{status: batch.JobCompleted}, nil, 0)

	handleMessage(context.Background(), client, "queue", proc, messageFor(t, "m1", "job-1"))

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

func TestWorkerDoesNotDeleteOnFailure(t *testing.T) {
	client := &fakeSQS{}
	proc := workerproc.NewProcessor(&fakeReconciler{err: errors.New("provider down")}, nil, 0)

	handleMessage(context.Background(), client, "queue", proc, messageFor(t, "m2", "job-2"))

	if len(client.deleted) != 0 {
		t.Fatalf("expected no delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesUnknownJob(t *testing.T) {
	client := &fakeSQS{}
	proc := workerproc.NewProcessor(&fakeReconciler{err: batch.ErrNotFound}, nil, 0)

	handleMessage(context.Background(), client, "queue", proc, messageFor(t, "m3", "gone"))

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesOnInvalidJSON(t *testing.T) {
	client := &fakeSQS{}
	proc := workerproc.NewProcessor(&fakeReconciler{}, nil, 0)
	msg := sqstypes.Message{
		MessageId:     aws.String("m4"),
		ReceiptHandle: aws.String("r4"),
		Body:          aws.String("{bad-json"),
	}

	handleMessage(context.Background(), client, "queue", proc, msg)

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

type fakeLister struct {
	jobs []batch.Job
	err  error
}

func (f fakeLister) ListActive(ctx context.Context, limit int) ([]batch.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.jobs) > limit {
		return f.jobs[:limit], nil
	}
	return f.jobs, nil
}

func TestSweepReconcilesEveryActiveJob(t *testing.T) {
	rec := &fakeReconciler{status: batch.JobProcessing}
	lister := fakeLister{jobs: []batch.Job{{ID: "a"}, {ID: "b"}, {ID: "c"}}}

	n, err := sweep(context.Background(), lister, rec, 10, 2)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 || len(rec.seen) != 3 {
		t.Fatalf("expected 3 reconciles, got n=%d seen=%v", n, rec.seen)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	rec := &fakeReconciler{err: errors.New("provider down")}
	lister := fakeLister{jobs: []batch.Job{{ID: "a"}, {ID: "b"}}}

	if _, err := sweep(context.Background(), lister, rec, 10, 1); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(rec.seen) != 2 {
		t.Fatalf("expected both jobs attempted, got %v", rec.seen)
	}
}

func TestSweepSurfacesListError(t *testing.T) {
	if _, err := sweep(context.Background(), fakeLister{err: errors.New("db down")}, &fakeReconciler{}, 10, 1); err == nil {
		t.Fatalf("expected list error")
	}
}

func TestReceiveCount(t *testing.T) {
	if got := receiveCount(sqstypes.Message{Attributes: map[string]string{receiveCountAttribute: "3"}}); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := receiveCount(sqstypes.Message{}); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
