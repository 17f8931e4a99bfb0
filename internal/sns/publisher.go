// Package sns fans committed sync outcomes out to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/ocgsync/syncd/internal/events"
)

// Config holds SNS configuration.
type Config struct {
	Region   string
	TopicARN string
	Endpoint string // optional, for LocalStack
}

// API is the subset of the SNS client used by the publisher
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes sync outcome events to an SNS topic. Subscribers can
// filter on the "subsystem", "event_type" and "terminal" message attributes.
type Publisher struct {
	client   API
	topicARN string
	fifo     bool
}

func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewPublisherWithClient(client, cfg.TopicARN), nil
}

// NewPublisherWithClient creates a publisher around an existing client
func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		fifo:     strings.HasSuffix(topicARN, ".fifo"),
	}
}

// Publish sends one event to the topic. On FIFO topics events about the same
// meeting or notification keep their order.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subsystem, _, _ := strings.Cut(string(event.Type), ".")

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"subsystem":  stringAttr(subsystem),
			"event_type": stringAttr(string(event.Type)),
			"terminal":   stringAttr(strconv.FormatBool(event.Terminal())),
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(event.SubjectID)
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%s:%s:%d", event.Type, event.SubjectID, event.OccurredAt.UnixNano()))
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish %s to SNS: %w", event.Type, err)
	}

	return nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
