package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker

import (
	"context"
	"log"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"studybatch/internal/bootstrap"
	"studybatch/internal/shared/config"
	"studybatch/internal/shared/metrics"
	"studybatch/internal/shared/telemetry"
	"studybatch/internal/workerproc"
)

var (
	initOnce sync.Once
	initErr  error
	app      *bootstrap.App
)

func initApp() {
	cfg := config.Load()
	built, err := bootstrap.BuildWorker(context.Background(), cfg)
	if err != nil {
		initErr = err
		return
	}
	app = built
}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	initOnce.Do(initApp)
	if initErr != nil {
		log.Printf("bootstrap error: %v", initErr)
		failures := make([]events.SQSBatchItemFailure, 0, len(event.Records))
		for _, record := range event.Records {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
		return events.SQSEventResponse{BatchItemFailures: failures}, initErr
	}
	return processRecords(ctx, app.Processor, event.Records), nil
}

// processRecords reports retryable failures only; unrecoverable messages are dropped.
func processRecords(ctx context.Context, proc *workerproc.Processor, records []events.SQSMessage) events.SQSEventResponse {
	failures := make([]events.SQSBatchItemFailure, 0)
	for _, record := range records {
		out, err := workerproc.HandleMessage(ctx, proc, record.Body)
		fields := map[string]any{"sqs_message_id": record.MessageId, "job_id": out.JobID}
		switch {
		case err == nil:
			fields["status"] = string(out.Status)
			fields["requeued"] = out.Requeued
			telemetry.Info("worker.reconcile.completed", fields)
			metrics.IncWorkerMessages("completed")
		case workerproc.Unrecoverable(err):
			fields["error"] = err.Error()
			telemetry.Warn("worker.reconcile.dropped", fields)
			metrics.IncWorkerMessages("deleted_unrecoverable")
		default:
			fields["error"] = err.Error()
			telemetry.Error("worker.reconcile.failed", fields)
			metrics.IncWorkerMessages("failed")
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}

func main() {
	lambda.Start(handler)
}
