package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

// SQS configuration constants
const (
	SQSMaxMessages       = 1
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 900 // 15 minutes
	SQSRetryVisibility   = 30
)

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue is a Queue over an SQS queue shared by API and worker processes.
// Redelivery limits are left to the queue's redrive policy.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
}

// NewSQSQueue creates a queue over the given SQS queue URL.
func NewSQSQueue(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

// Enqueue sends the job as a JSON message.
func (q *SQSQueue) Enqueue(ctx context.Context, job models.PipelineJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.EnqueuedAt == "" {
		job.EnqueuedAt = time.Now().UTC().Format(time.RFC3339)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Receive long-polls for messages.
func (q *SQSQueue) Receive(ctx context.Context) ([]Delivery, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.queueURL),
		MaxNumberOfMessages:         SQSMaxMessages,
		WaitTimeSeconds:             SQSWaitTimeSeconds,
		VisibilityTimeout:           SQSVisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, err
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, msg := range result.Messages {
		deliveries = append(deliveries, decodeMessage(msg))
	}
	return deliveries, nil
}

// Ack deletes the message.
func (q *SQSQueue) Ack(ctx context.Context, d Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(d.Handle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Extend restarts the message's visibility timeout so no other worker
// receives it while this one is still processing.
func (q *SQSQueue) Extend(ctx context.Context, d Delivery) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(d.Handle),
		VisibilityTimeout: SQSVisibilityTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to extend message visibility: %w", err)
	}
	return nil
}

// Nack shortens the visibility timeout so the message is retried soon.
func (q *SQSQueue) Nack(ctx context.Context, d Delivery) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(d.Handle),
		VisibilityTimeout: SQSRetryVisibility,
	})
	if err != nil {
		return fmt.Errorf("failed to release message: %w", err)
	}
	return nil
}

func decodeMessage(msg types.Message) Delivery {
	d := Delivery{
		ID:     safeStringDeref(msg.MessageId),
		Handle: safeStringDeref(msg.ReceiptHandle),
	}

	if msg.Body == nil {
		d.Err = fmt.Errorf("%w: empty message body", models.ErrJobParseFailed)
		return d
	}

	if err := json.Unmarshal([]byte(*msg.Body), &d.Job); err != nil {
		d.Err = fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
		return d
	}

	if err := d.Job.Validate(); err != nil {
		d.Err = fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
		return d
	}

	if n, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		var count int
		if _, err := fmt.Sscanf(n, "%d", &count); err == nil {
			d.Job.Attempt = count
		}
	}

	return d
}

func safeStringDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
