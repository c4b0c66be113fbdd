package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/triage/common/logger"
)

// minPollBlock replaces a non-positive poll timeout: XREADGROUP treats
// BLOCK 0 as "wait forever".
const minPollBlock = 10 * time.Millisecond

type RedisConfig struct {
	StreamPrefix string // prepended to every topic to form the stream name
	BatchSize    int64  // max records per poll
	// ClaimMinIdle is how long an entry may stay pending (delivered, never
	// acked) before another instance claims it. Zero disables reclaiming.
	ClaimMinIdle time.Duration
}

// Redis maps topics onto Redis streams and consumer groups onto stream
// consumer groups. Entries carry two fields: "key" and "value" (JSON).
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) stream(topic string) string {
	return r.cfg.StreamPrefix + topic
}

func (r *Redis) topic(stream string) string {
	return strings.TrimPrefix(stream, r.cfg.StreamPrefix)
}

func (r *Redis) Subscribe(ctx context.Context, group, instance string, topics []string) (Session, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "triage.broker.redis"})

	for _, topic := range topics {
		err := r.ensureGroup(ctx, topic, group)
		if errors.Is(err, ErrConflict) {
			slog.InfoContext(ctx, "consumer group already exists, reusing", "group", group, "stream", r.stream(topic))
			continue
		}
		if err != nil {
			return Session{}, err
		}
		slog.InfoContext(ctx, "consumer group created", "group", group, "stream", r.stream(topic))
	}

	slog.InfoContext(ctx, "subscribed", "topics", topics, "instance", instance)
	return Session{Group: group, Instance: instance, Topics: topics}, nil
}

func (r *Redis) ensureGroup(ctx context.Context, topic, group string) error {
	// Start from "0" so a recreated group still sees entries already in the stream.
	err := r.client.XGroupCreateMkStream(ctx, r.stream(topic), group, "0").Err()
	if err == nil {
		return nil
	}
	if isBusyGroup(err) {
		return ErrConflict
	}
	return fmt.Errorf("creating consumer group on %s: %w", r.stream(topic), err)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (r *Redis) Poll(ctx context.Context, s Session, timeout time.Duration) []Record {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "triage.broker.redis"})

	if records := r.reclaim(ctx, s); len(records) > 0 {
		return records
	}

	if timeout <= 0 {
		timeout = minPollBlock
	}

	// XREADGROUP takes all stream names followed by one id per stream.
	// ">" asks for entries never delivered to any consumer in the group.
	streams := make([]string, 0, len(s.Topics)*2)
	for _, topic := range s.Topics {
		streams = append(streams, r.stream(topic))
	}
	for range s.Topics {
		streams = append(streams, ">")
	}

	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.Group,
		Consumer: s.Instance,
		Streams:  streams,
		Count:    r.cfg.BatchSize,
		Block:    timeout,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			slog.WarnContext(ctx, "poll failed", "error", err)
		}
		return nil
	}

	var records []Record
	for _, stream := range res {
		for _, msg := range stream.Messages {
			records = append(records, recordFromMessage(r.topic(stream.Stream), msg))
		}
	}
	return records
}

// reclaim takes over entries left pending by an instance that crashed
// between reading and acking them.
func (r *Redis) reclaim(ctx context.Context, s Session) []Record {
	if r.cfg.ClaimMinIdle <= 0 {
		return nil
	}

	var records []Record
	for _, topic := range s.Topics {
		msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream(topic),
			Group:    s.Group,
			Consumer: s.Instance,
			MinIdle:  r.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    r.cfg.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				slog.WarnContext(ctx, "reclaim failed", "error", err, "stream", r.stream(topic))
			}
			continue
		}
		for _, msg := range msgs {
			records = append(records, recordFromMessage(topic, msg))
		}
	}

	if len(records) > 0 {
		slog.InfoContext(ctx, "reclaimed stale pending records",
			"count", len(records),
			"min_idle", r.cfg.ClaimMinIdle)
	}
	return records
}

func recordFromMessage(topic string, msg redis.XMessage) Record {
	rec := Record{Topic: topic, ID: msg.ID}
	if key, ok := msg.Values["key"]; ok {
		rec.Key = fmt.Sprint(key)
	}
	if value, ok := msg.Values["value"]; ok {
		rec.Value = json.RawMessage(fmt.Sprint(value))
	}
	return rec
}

func (r *Redis) Ack(ctx context.Context, s Session, rec Record) error {
	if rec.ID == "" {
		return nil
	}
	if err := r.client.XAck(ctx, r.stream(rec.Topic), s.Group, rec.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", r.stream(rec.Topic), err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, topic, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record for %s: %w", topic, err)
	}

	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream(topic),
		Values: map[string]any{
			"key":   key,
			"value": string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd (stream=%s): %w", r.stream(topic), err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
