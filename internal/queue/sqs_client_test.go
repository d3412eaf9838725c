package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"studybatch/internal/shared/telemetry"
)

type fakeSender struct {
	inputs []*sqs.SendMessageInput
}

func (f *fakeSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSClientClampsDelay(t *testing.T) {
	cases := []struct {
		delay time.Duration
		want  int32
	}{
		{0, 0},
		{-time.Second, 0},
		{30 * time.Second, 30},
		{time.Hour, 900},
	}
	for _, tc := range cases {
		fake := &fakeSender{}
		client := NewSQSClientWithAPI(fake, "https://sqs.example/queue")
		if err := client.Send(context.Background(), Message{JobID: "job-1"}, tc.delay); err != nil {
			t.Fatalf("send: %v", err)
		}
		if got := fake.inputs[0].DelaySeconds; got != tc.want {
			t.Fatalf("delay %s: expected %d seconds, got %d", tc.delay, tc.want, got)
		}
		if aws.ToString(fake.inputs[0].QueueUrl) != "https://sqs.example/queue" {
			t.Fatalf("unexpected queue url %q", aws.ToString(fake.inputs[0].QueueUrl))
		}
	}
}

func TestEnqueuerCarriesRequestID(t *testing.T) {
	fake := &fakeSender{}
	enq := NewEnqueuer(NewSQSClientWithAPI(fake, "q"), 45*time.Second)
	ctx := telemetry.WithRequestID(context.Background(), "req-9")

	if err := enq.EnqueueReconcile(ctx, "job-7"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, err := DecodeMessage([]byte(aws.ToString(fake.inputs[0].MessageBody)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.JobID != "job-7" || msg.RequestID != "req-9" || msg.Attempt != 0 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if fake.inputs[0].DelaySeconds != 45 {
		t.Fatalf("expected 45s delay, got %d", fake.inputs[0].DelaySeconds)
	}
}

func TestNewSQSClientRequiresQueueURL(t *testing.T) {
	if _, err := NewSQSClient(context.Background(), " ", ""); err == nil {
		t.Fatalf("expected error for empty queue url")
	}
}
