package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"pimssync/internal/ai"
)

// SQS accepts at most ten entries per batch call
const sqsMaxBatch = 10

// SQSAPI is the subset of the SQS client the queue uses
type SQSAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient builds an SQS client from the default AWS credential chain
func NewSQSClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	return sqs.New(sqs.Options{
		Region:      cfg.Region,
		Credentials: cfg.Credentials,
		HTTPClient:  cfg.HTTPClient,
	}), nil
}

// SQSQueue schedules AI jobs onto an SQS queue
type SQSQueue struct {
	client   SQSAPI
	queueURL string
}

// NewSQSQueue creates an SQS-backed queue
func NewSQSQueue(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

// ScheduleBatch sends jobs in chunks of ten and returns the SQS message ids. Entries
// SQS rejects are reported together after every chunk was attempted.
func (q *SQSQueue) ScheduleBatch(ctx context.Context, jobs []ai.Job) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	var failed []string

	for start := 0; start < len(jobs); start += sqsMaxBatch {
		end := start + sqsMaxBatch
		if end > len(jobs) {
			end = len(jobs)
		}

		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for i, job := range jobs[start:end] {
			body, err := json.Marshal(job)
			if err != nil {
				return ids, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
			}
			entries = append(entries, types.SendMessageBatchRequestEntry{
				Id:          aws.String(strconv.Itoa(i)),
				MessageBody: aws.String(string(body)),
			})
		}

		out, err := q.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(q.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return ids, fmt.Errorf("failed to send SQS batch: %w", err)
		}
		for _, ok := range out.Successful {
			ids = append(ids, aws.ToString(ok.MessageId))
		}
		for _, f := range out.Failed {
			failed = append(failed, fmt.Sprintf("%s: %s", aws.ToString(f.Id), aws.ToString(f.Message)))
		}
	}

	if len(failed) > 0 {
		return ids, fmt.Errorf("SQS rejected %d of %d jobs: %v", len(failed), len(jobs), failed)
	}
	return ids, nil
}

// SQSWorker long-polls the queue and runs each job
type SQSWorker struct {
	client    SQSAPI
	queueURL  string
	processor JobProcessor
	wait      int32
}

// NewSQSWorker creates a long-polling worker
func NewSQSWorker(client SQSAPI, queueURL string, processor JobProcessor) *SQSWorker {
	return &SQSWorker{client: client, queueURL: queueURL, processor: processor, wait: 20}
}

// Run polls until ctx is cancelled
func (w *SQSWorker) Run(ctx context.Context) error {
	log.Printf("👷 [AI-WORKER] Polling SQS queue %s", w.queueURL)
	for {
		if ctx.Err() != nil {
			log.Printf("🛑 [AI-WORKER] Stopped")
			return nil
		}
		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("⚠️  [AI-WORKER] Receive failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll receives one batch, processes it and deletes every received message
func (w *SQSWorker) Poll(ctx context.Context) (int, error) {
	out, err := w.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(w.queueURL),
		MaxNumberOfMessages: sqsMaxBatch,
		WaitTimeSeconds:     w.wait,
	})
	if err != nil {
		return 0, err
	}

	for _, msg := range out.Messages {
		var job ai.Job
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
			log.Printf("⚠️  [AI-WORKER] Message %s is not a valid job: %v", aws.ToString(msg.MessageId), err)
		} else if err := w.processor.Process(ctx, job); err != nil {
			log.Printf("❌ [AI-WORKER] Job %s failed: %v", job.ID, err)
		}

		_, err := w.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(w.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		})
		if err != nil {
			log.Printf("⚠️  [AI-WORKER] Failed to delete message %s: %v", aws.ToString(msg.MessageId), err)
		}
	}
	return len(out.Messages), nil
}
