package redis

import (
	"context"
	"fmt"
	"time"
)

// DedupTTL is how long a webhook event id is remembered. Zoom retries a
// failed delivery for up to a day.
const DedupTTL = 24 * time.Hour

// EventDeduper remembers webhook event ids so retried deliveries are
// acknowledged without being processed twice.
type EventDeduper struct {
	client *Client
	prefix string
	ttl    time.Duration
}

// NewEventDeduper scopes keys by source, e.g. "zoom".
func NewEventDeduper(client *Client, source string) *EventDeduper {
	return &EventDeduper{
		client: client,
		prefix: "webhook:" + source + ":",
		ttl:    DedupTTL,
	}
}

// FirstDelivery records eventID and reports whether it had not been seen.
func (d *EventDeduper) FirstDelivery(ctx context.Context, eventID string) (bool, error) {
	set, err := d.client.rdb.SetNX(ctx, d.prefix+eventID, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Forget drops eventID so a retried delivery is processed again. Used when
// handling failed after FirstDelivery returned true.
func (d *EventDeduper) Forget(ctx context.Context, eventID string) error {
	if err := d.client.rdb.Del(ctx, d.prefix+eventID).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
