package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bobarin/clipsa/internal/relay"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Redis keys. Ready messages sit in a list; delayed and retrying messages
// wait in a sorted set scored by their due time (unix ms).
const (
	KeyReady   = "relay:ready"
	KeyDelayed = "relay:delayed"
	KeyDead    = "relay:dead"

	promoteBatch = 100
)

// Queue is a Redis-backed relay: Publish stores the message durably and the
// delivery worker drains it.
type Queue struct {
	client *redis.Client
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Publish implements the relay contract. The returned id is the message id.
func (q *Queue) Publish(ctx context.Context, msg *relay.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if msg.Delay > 0 {
		return msg.ID, q.schedule(ctx, msg, time.Now().Add(msg.Delay))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := q.client.RPush(ctx, KeyReady, data).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return msg.ID, nil
}

// Retry reschedules msg after delay with its attempt count bumped.
func (q *Queue) Retry(ctx context.Context, msg *relay.Message, delay time.Duration) error {
	msg.Attempts++
	return q.schedule(ctx, msg, time.Now().Add(delay))
}

// DeadLetter parks a message that exhausted its attempts.
func (q *Queue) DeadLetter(ctx context.Context, msg *relay.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return q.client.RPush(ctx, KeyDead, data).Err()
}

func (q *Queue) schedule(ctx context.Context, msg *relay.Message, due time.Time) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.ZAdd(ctx, KeyDelayed, &redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: data,
	}).Err()
}

// PromoteDue moves delayed messages whose due time has passed onto the ready
// list. ZREM decides ownership so concurrent promoters never duplicate a message.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, KeyDelayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed messages: %w", err)
	}

	promoted := 0
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, KeyDelayed, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed message: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, KeyReady, member).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote message: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Dequeue blocks up to timeout for the next ready message. It returns nil,
// nil when none arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*relay.Message, error) {
	result, err := q.client.BLPop(ctx, timeout, KeyReady).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var msg relay.Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

func (q *Queue) Length(ctx context.Context) (ready, delayed int64, err error) {
	if ready, err = q.client.LLen(ctx, KeyReady).Result(); err != nil {
		return 0, 0, err
	}
	if delayed, err = q.client.ZCard(ctx, KeyDelayed).Result(); err != nil {
		return 0, 0, err
	}
	return ready, delayed, nil
}
