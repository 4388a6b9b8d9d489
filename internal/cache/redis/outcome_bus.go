package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hedgesystem/closebot/internal/domain"
)

const (
	// OutcomeChannel carries executed and failed close outcomes for live
	// subscribers (dashboards, monitor mode).
	OutcomeChannel = "closebot:outcomes"
	// OutcomeStream keeps a trimmed durable history of the same events.
	OutcomeStream = "closebot:outcomes:stream"

	streamMaxLen int64 = 10000
)

// OutcomeBus fans close outcomes out over Redis Pub/Sub for live consumers
// and appends them to a capped Redis stream for replay.
type OutcomeBus struct {
	rdb *redis.Client
}

// NewOutcomeBus creates an OutcomeBus backed by the given Client.
func NewOutcomeBus(c *Client) *OutcomeBus {
	return &OutcomeBus{rdb: c.Underlying()}
}

// Publish broadcasts one close outcome and appends it to the durable stream.
func (ob *OutcomeBus) Publish(ctx context.Context, outcome domain.CloseOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("redis: marshal outcome %s: %w", outcome.RequestID, err)
	}

	if err := ob.rdb.Publish(ctx, OutcomeChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish outcome %s: %w", outcome.RequestID, err)
	}

	args := &redis.XAddArgs{
		Stream: OutcomeStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := ob.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream outcome %s: %w", outcome.RequestID, err)
	}
	return nil
}

// Subscribe returns a channel of close outcomes published by any engine
// instance. The subscription closes when the context is cancelled; the
// returned channel is closed at that point as well.
func (ob *OutcomeBus) Subscribe(ctx context.Context) (<-chan domain.CloseOutcome, error) {
	pubsub := ob.rdb.Subscribe(ctx, OutcomeChannel)

	// Verify the subscription is established.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe outcomes: %w", err)
	}

	out := make(chan domain.CloseOutcome, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var outcome domain.CloseOutcome
				if err := json.Unmarshal([]byte(msg.Payload), &outcome); err != nil {
					continue
				}
				select {
				case out <- outcome:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Replay reads up to count outcomes from the durable stream starting after
// lastID. Use "0" to read from the beginning, or "$" for new entries only.
// It returns the outcomes with the id of the last message read, so callers
// can resume.
func (ob *OutcomeBus) Replay(ctx context.Context, lastID string, count int) ([]domain.CloseOutcome, string, error) {
	args := &redis.XReadArgs{
		Streams: []string{OutcomeStream, lastID},
		Count:   int64(count),
		Block:   -1,
	}

	results, err := ob.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("redis: replay outcomes: %w", err)
	}

	var outcomes []domain.CloseOutcome
	nextID := lastID
	for _, s := range results {
		for _, msg := range s.Messages {
			nextID = msg.ID
			payload, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var outcome domain.CloseOutcome
			if err := json.Unmarshal([]byte(payload), &outcome); err != nil {
				continue
			}
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes, nextID, nil
}
