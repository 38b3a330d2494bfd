// Package buffer is the durable, at-least-once path for live bets: an
// append-only Redis stream consumed under a named group with explicit
// acknowledgement. Entries survive consumer restarts; unacknowledged
// entries are redelivered, and the store's uniqueness constraints absorb
// the resulting duplicates.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"roundflow/pkg/types"
)

// payloadField is the single stream field carrying the JSON-encoded bet.
const payloadField = "payload"

// DefaultBlock is how long a read waits for new entries before returning
// empty, which doubles as the consumer's flush heartbeat.
const DefaultBlock = 1000 * time.Millisecond

// Entry is one delivered buffer message: the stream id used for
// acknowledgement plus the decoded bet.
type Entry struct {
	ID  string
	Bet types.Bet
}

// ————————————————————————————————————————————————————————————————————————
// Producer
// ————————————————————————————————————————————————————————————————————————

// Producer appends live bets to the stream.
type Producer struct {
	client *redis.Client
	stream string
}

// NewProducer builds a producer for the named stream.
func NewProducer(client *redis.Client, stream string) *Producer {
	return &Producer{client: client, stream: stream}
}

// Append writes one bet and returns its stream id.
func (p *Producer) Append(ctx context.Context, bet types.Bet) (string, error) {
	payload, err := json.Marshal(bet)
	if err != nil {
		return "", fmt.Errorf("marshal bet %s: %w", bet.TxHash, err)
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append bet %s: %w", bet.TxHash, err)
	}
	return id, nil
}

// Len returns the total stream length (the unacked backlog plus history),
// exposed for monitoring.
func (p *Producer) Len(ctx context.Context) (int64, error) {
	n, err := p.client.XLen(ctx, p.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length: %w", err)
	}
	return n, nil
}

// ————————————————————————————————————————————————————————————————————————
// Consumer
// ————————————————————————————————————————————————————————————————————————

// Consumer reads the stream under the group name with explicit acks.
type Consumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	batch    int
	block    time.Duration
	log      *slog.Logger
}

// NewConsumer builds a group consumer. batch maps to COUNT, block to BLOCK.
func NewConsumer(client *redis.Client, stream, group, consumer string, batch int, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		batch:    batch,
		block:    DefaultBlock,
		log:      logger.With("component", "buffer"),
	}
}

// EnsureGroup creates the consumer group (and the stream, if absent) from
// the beginning of the log, so entries appended before the first consumer
// start are still delivered. Re-creating an existing group is a no-op.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.group, err)
	}
	return nil
}

// Read blocks up to the configured BLOCK for new entries and returns at
// most batch of them. An empty slice with a nil error means the block
// timed out. Undecodable payloads are acknowledged and dropped so a poison
// entry cannot wedge the group.
func (c *Consumer) Read(ctx context.Context) ([]Entry, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(c.batch),
		Block:    c.block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", c.group, err)
	}
	return c.decode(ctx, streams), nil
}

// ReclaimStale takes over entries another consumer read but never
// acknowledged, once they have been idle for minIdle. Called on startup so
// a crashed predecessor's deliveries are not stranded until it returns.
func (c *Consumer) ReclaimStale(ctx context.Context, minIdle time.Duration) ([]Entry, error) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(c.batch),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaim stale entries: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return c.decode(ctx, []redis.XStream{{Stream: c.stream, Messages: messages}}), nil
}

// Ack acknowledges processed entries. Never call before their transaction
// has committed.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries: %w", len(ids), err)
	}
	return nil
}

// Pending returns the group's pending-entry count, exposed for monitoring.
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.client.XPending(ctx, c.stream, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("pending entries: %w", err)
	}
	return info.Count, nil
}

// Len returns the total stream length, exposed for monitoring alongside
// Pending.
func (c *Consumer) Len(ctx context.Context) (int64, error) {
	n, err := c.client.XLen(ctx, c.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length: %w", err)
	}
	return n, nil
}

func (c *Consumer) decode(ctx context.Context, streams []redis.XStream) []Entry {
	var entries []Entry
	var poison []string
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			bet, err := decodeMessage(msg)
			if err != nil {
				c.log.Warn("dropping undecodable buffer entry", "id", msg.ID, "err", err)
				poison = append(poison, msg.ID)
				continue
			}
			entries = append(entries, Entry{ID: msg.ID, Bet: bet})
		}
	}
	if len(poison) > 0 {
		if err := c.Ack(ctx, poison...); err != nil {
			c.log.Warn("failed to ack poison entries", "err", err)
		}
	}
	return entries
}

func decodeMessage(msg redis.XMessage) (types.Bet, error) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return types.Bet{}, fmt.Errorf("entry %s has no %s field", msg.ID, payloadField)
	}
	text, ok := raw.(string)
	if !ok {
		return types.Bet{}, fmt.Errorf("entry %s payload has type %T", msg.ID, raw)
	}
	var bet types.Bet
	if err := json.Unmarshal([]byte(text), &bet); err != nil {
		return types.Bet{}, fmt.Errorf("decode entry %s: %w", msg.ID, err)
	}
	return bet, nil
}
