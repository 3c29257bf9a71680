package assistant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps each conversation as a Redis list of JSON messages, so
// RPUSH gives the append-only ordering.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chartview"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(patientID, channel string) string {
	return fmt.Sprintf("%s:conversation:%s:%s", s.prefix, patientID, channel)
}

func (s *RedisStore) Append(ctx context.Context, msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if err := s.client.RPush(ctx, s.key(msg.PatientID, msg.Channel), raw).Err(); err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, patientID, channel string) ([]*Message, error) {
	items, err := s.client.LRange(ctx, s.key(patientID, channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read conversation %s/%s: %w", patientID, channel, err)
	}
	out := make([]*Message, 0, len(items))
	for _, item := range items {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode conversation %s/%s: %w", patientID, channel, err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// Seed replaces the list atomically.
func (s *RedisStore) Seed(ctx context.Context, patientID, channel string, msgs []*Message) error {
	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		c := cloneMessage(msg)
		c.PatientID, c.Channel = patientID, channel
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", msg.ID, err)
		}
		values = append(values, raw)
	}
	key := s.key(patientID, channel)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed conversation %s/%s: %w", patientID, channel, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
