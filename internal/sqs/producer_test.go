package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/events"
)

type mockSQS struct {
	sent     []*sqs.SendMessageInput
	deleted  []string
	messages []types.Message
	err      error
}

func (m *mockSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (m *mockSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.ReceiveMessageOutput{Messages: m.messages}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.deleted = append(m.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestFailureProducer_OnlyTerminal(t *testing.T) {
	client := &mockSQS{}
	p := NewFailureProducerWithClient(client, "https://sqs/failures", zap.NewNop())
	ctx := context.Background()

	for _, typ := range []events.Type{events.MeetingCreated, events.NotificationDelivered, events.NotificationSkipped} {
		if err := p.Publish(ctx, events.Event{Type: typ}); err != nil {
			t.Fatalf("unexpected error for %s: %v", typ, err)
		}
	}
	if len(client.sent) != 0 {
		t.Fatalf("non-terminal events should not be queued, got %d", len(client.sent))
	}

	failure := events.Event{Type: events.MeetingFailed, SubjectID: "m-1", Error: "invalid start time"}
	if err := p.Publish(ctx, failure); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected 1 queued failure, got %d", len(client.sent))
	}

	var decoded events.Event
	if err := json.Unmarshal([]byte(*client.sent[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Error != "invalid start time" {
		t.Errorf("error mismatch: got %q", decoded.Error)
	}
}

func TestFailureProducer_SendError(t *testing.T) {
	p := NewFailureProducerWithClient(&mockSQS{err: errors.New("access denied")}, "q", zap.NewNop())

	if err := p.Publish(context.Background(), events.Event{Type: events.NotificationFailed}); err == nil {
		t.Error("expected error")
	}
}

func TestFailureConsumer_ReceiveAndAck(t *testing.T) {
	body, _ := json.Marshal(events.Event{Type: events.NotificationFailed, SubjectID: "n-1"})
	client := &mockSQS{
		messages: []types.Message{
			{MessageId: aws.String("1"), Body: aws.String(string(body)), ReceiptHandle: aws.String("rh-1")},
			{MessageId: aws.String("2"), Body: aws.String("not json"), ReceiptHandle: aws.String("rh-2")},
		},
	}
	c := NewFailureConsumerWithClient(client, "q", zap.NewNop())

	failures, err := c.Receive(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 decodable failure, got %d", len(failures))
	}
	if failures[0].Event.SubjectID != "n-1" {
		t.Errorf("subject mismatch: %s", failures[0].Event.SubjectID)
	}

	if err := c.Ack(context.Background(), failures[0].ReceiptHandle); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "rh-1" {
		t.Errorf("expected rh-1 deleted, got %v", client.deleted)
	}
}
