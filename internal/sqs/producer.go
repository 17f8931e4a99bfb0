package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/events"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string // optional, for LocalStack
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func newClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// FailureProducer sends terminal sync failures to an inspection queue.
// Non-terminal events are ignored.
type FailureProducer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewFailureProducer creates a producer for the failure queue.
func NewFailureProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*FailureProducer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs failure producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewFailureProducerWithClient(client, cfg.QueueURL, logger), nil
}

// NewFailureProducerWithClient creates a producer around an existing client.
func NewFailureProducerWithClient(client API, queueURL string, logger *zap.Logger) *FailureProducer {
	return &FailureProducer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish enqueues event when it is terminal.
func (p *FailureProducer) Publish(ctx context.Context, event events.Event) error {
	if !event.Terminal() {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("failed to send failure to sqs",
			zap.Error(err),
			zap.String("subject_id", event.SubjectID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// Failure is a terminal event read back from the queue.
type Failure struct {
	Event         events.Event
	ReceiptHandle string
}

// FailureConsumer reads the failure queue for operator inspection.
type FailureConsumer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewFailureConsumer creates a consumer for the failure queue.
func NewFailureConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*FailureConsumer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return NewFailureConsumerWithClient(client, cfg.QueueURL, logger), nil
}

// NewFailureConsumerWithClient creates a consumer around an existing client.
func NewFailureConsumerWithClient(client API, queueURL string, logger *zap.Logger) *FailureConsumer {
	return &FailureConsumer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Receive long-polls for up to max failures. Messages that do not decode are
// logged and skipped; they stay on the queue until their visibility expires.
func (c *FailureConsumer) Receive(ctx context.Context, max int32) ([]Failure, error) {
	if max < 1 || max > 10 {
		max = 10
	}

	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	failures := make([]Failure, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var event events.Event
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &event); err != nil {
			c.logger.Error("failed to unmarshal failure",
				zap.Error(err),
				zap.String("message_id", aws.ToString(msg.MessageId)),
			)
			continue
		}
		failures = append(failures, Failure{
			Event:         event,
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		})
	}

	return failures, nil
}

// Ack removes an inspected failure from the queue.
func (c *FailureConsumer) Ack(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}
