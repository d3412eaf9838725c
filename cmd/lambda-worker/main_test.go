package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"studybatch/internal/batch"
	"studybatch/internal/queue"
	"studybatch/internal/workerproc"
)

type stubReconciler struct {
	failFor map[string]error
}

func (s stubReconciler) Reconcile(ctx context.Context, jobID string) (batch.Job, error) {
	if err := s.failFor[jobID]; err != nil {
		return batch.Job{}, err
	}
	return batch.Job{ID: jobID, Status: batch.JobCompleted}, nil
}

func record(t *testing.T, id, jobID string) events.SQSMessage {
	t.Helper()
	body, err := queue.EncodeMessage(queue.NewReconcileMessage(jobID, "", 0, time.Now()))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func TestProcessRecordsReportsOnlyRetryableFailures(t *testing.T) {
	proc := workerproc.NewProcessor(stubReconciler{failFor: map[string]error{
		"job-down": errors.New("provider unavailable"),
		"job-gone": batch.ErrNotFound,
	}}, nil, 0)

	resp := processRecords(context.Background(), proc, []events.SQSMessage{
		record(t, "m1", "job-ok"),
		record(t, "m2", "job-down"),
		record(t, "m3", "job-gone"),
		{MessageId: "m4", Body: "not json"},
	})

	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "m2" {
		t.Fatalf("expected only m2 to be retried, got %+v", resp.BatchItemFailures)
	}
}
