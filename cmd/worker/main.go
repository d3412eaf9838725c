package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"studybatch/internal/batch"
	"studybatch/internal/bootstrap"
	"studybatch/internal/shared/config"
	"studybatch/internal/shared/metrics"
	"studybatch/internal/shared/telemetry"
	"studybatch/internal/workerproc"
)

const (
	defaultRegion             = "us-east-1"
	defaultVisibilitySeconds  = 300
	defaultShutdownTimeoutSec = 30
	receiveCountAttribute     = "ApproximateReceiveCount"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.BuildWorker(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}

	concurrency := max(1, cfg.Reconcile.Concurrency)
	shutdownTimeout := time.Duration(envInt("WORKER_SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeoutSec)) * time.Second

	var g errgroup.Group
	g.Go(func() error {
		runSweeps(ctx, app.JobRepo, app.Reconciler, cfg.Reconcile.Interval, cfg.Reconcile.SweepLimit, concurrency)
		return nil
	})

	queueURL := strings.TrimSpace(cfg.Reconcile.QueueURL)
	if queueURL != "" {
		region := cfg.AWSRegion
		if region == "" {
			region = defaultRegion
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			log.Fatalf("load aws config: %v", err)
		}
		var sqsClient sqsAPI = sqs.NewFromConfig(awsCfg)
		visibility := envInt("WORKER_SQS_VISIBILITY_TIMEOUT_SECONDS", defaultVisibilitySeconds)
		g.Go(func() error {
			poll(ctx, sqsClient, queueURL, app.Processor, concurrency, visibility, shutdownTimeout)
			return nil
		})
	} else {
		log.Printf("RA_SQS_QUEUE_URL empty; reconciling by sweep only")
	}

	_ = g.Wait()
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func poll(ctx context.Context, client sqsAPI, queueURL string, proc *workerproc.Processor, concurrency, visibilitySeconds int, shutdownTimeout time.Duration) {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	log.Printf("worker started queue=%s concurrency=%d visibility=%ds", queueURL, concurrency, visibilitySeconds)

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		default:
		}

		resp, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   int32(visibilitySeconds),
			AttributeNames:      []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName(receiveCountAttribute)},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break pollLoop
			}
			log.Printf("receive message: %v", err)
			continue
		}

		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				break pollLoop
			case sem <- struct{}{}:
			}
			metrics.IncWorkerMessages("received")
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				handleMessage(telemetry.Detached(ctx), client, queueURL, proc, m)
			}(msg)
		}
	}

	log.Printf("shutdown requested, waiting up to %s for in-flight reconciles", shutdownTimeout)
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(shutdownTimeout):
		log.Printf("shutdown timeout reached; exiting with in-flight reconciles")
	}
}

func handleMessage(ctx context.Context, client sqsAPI, queueURL string, proc *workerproc.Processor, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	decoded, meta, err := workerproc.ParseMessage(body)
	if err != nil {
		fields := baseFields(msg, decoded.JobID, decoded.RequestID)
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		fields["error"] = err.Error()
		telemetry.Error("worker.reconcile.invalid_message", fields)
		if deleteMessage(ctx, client, queueURL, msg, decoded.JobID, decoded.RequestID) {
			metrics.IncWorkerMessages("deleted_unrecoverable")
		}
		return
	}

	telemetry.Info("worker.reconcile.received", baseFields(msg, decoded.JobID, decoded.RequestID))

	out, err := workerproc.HandleMessage(workerproc.WithParsedMessage(ctx, decoded), proc, body)
	if err != nil {
		fields := baseFields(msg, decoded.JobID, decoded.RequestID)
		fields["error"] = err.Error()
		if workerproc.Unrecoverable(err) {
			telemetry.Warn("worker.reconcile.dropped", fields)
			if deleteMessage(ctx, client, queueURL, msg, decoded.JobID, decoded.RequestID) {
				metrics.IncWorkerMessages("deleted_unrecoverable")
			}
			return
		}
		telemetry.Error("worker.reconcile.failed", fields)
		metrics.IncWorkerMessages("failed")
		return
	}

	if deleteMessage(ctx, client, queueURL, msg, decoded.JobID, decoded.RequestID) {
		fields := baseFields(msg, out.JobID, decoded.RequestID)
		fields["status"] = string(out.Status)
		fields["requeued"] = out.Requeued
		telemetry.Info("worker.reconcile.completed", fields)
		if out.Requeued {
			metrics.IncWorkerMessages("requeued")
		} else {
			metrics.IncWorkerMessages("completed")
		}
	}
}

func deleteMessage(ctx context.Context, client sqsAPI, queueURL string, msg sqstypes.Message, jobID, requestID string) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields := baseFields(msg, jobID, requestID)
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.reconcile.delete_failed", fields)
		return false
	}
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields := baseFields(msg, jobID, requestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.reconcile.delete_failed", fields)
		return false
	}
	return true
}

// activeLister is the slice of batch.Repo the sweep needs.
type activeLister interface {
	ListActive(ctx context.Context, limit int) ([]batch.Job, error)
}

func runSweeps(ctx context.Context, jobs activeLister, rec workerproc.Reconciler, interval time.Duration, limit, concurrency int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := sweep(ctx, jobs, rec, limit, concurrency); err != nil {
			telemetry.Error("worker.sweep.failed", map[string]any{"error": err.Error()})
		} else if n > 0 {
			telemetry.Info("worker.sweep.completed", map[string]any{"jobs": n})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep reconciles every active job with bounded concurrency. A failed job does not stop the others.
func sweep(ctx context.Context, jobs activeLister, rec workerproc.Reconciler, limit, concurrency int) (int, error) {
	active, err := jobs.ListActive(ctx, limit)
	if err != nil {
		return 0, err
	}
	var g errgroup.Group
	g.SetLimit(max(1, concurrency))
	for _, job := range active {
		jobID := job.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if _, err := rec.Reconcile(ctx, jobID); err != nil {
				telemetry.Warn("worker.sweep.reconcile_failed", map[string]any{
					"job_id": jobID,
					"error":  err.Error(),
				})
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(active), nil
}

func baseFields(msg sqstypes.Message, jobID, requestID string) map[string]any {
	fields := map[string]any{
		"job_id":         jobID,
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if strings.TrimSpace(requestID) != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func receiveCount(msg sqstypes.Message) int {
	if msg.Attributes == nil {
		return 0
	}
	raw := msg.Attributes[receiveCountAttribute]
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
