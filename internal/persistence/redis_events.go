package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meridianpay/saga/pkg/api"
)

// RedisEventStore is an append-only EventStore backed by Redis.
// Each instance's history is a LIST at <prefix>events:<id>; the list index
// plus one is the event's sequence number, so LLEN is the last sequence.
type RedisEventStore struct {
	client *redis.Client
	prefix string
}

var _ EventStore = (*RedisEventStore)(nil)

type redisEventPayload struct {
	ID      string
	Type    string
	StepID  string
	Payload []byte
	At      int64
}

// NewRedisEventStore creates a RedisEventStore with the given key prefix
// (defaults to "saga:").
func NewRedisEventStore(client *redis.Client, prefix string) *RedisEventStore {
	if prefix == "" {
		prefix = "saga:"
	}
	return &RedisEventStore{client: client, prefix: prefix}
}

func (r *RedisEventStore) keyEvents(id string) string { return r.prefix + "events:" + id }

// Lua script appending an event only when the stream length matches the
// expected last sequence. Returns the new sequence, or 0 on conflict.
var redisEventAppendLua = `
local key = KEYS[1]
local expected = tonumber(ARGV[1])
local data = ARGV[2]

local len = redis.call('LLEN', key)
if len ~= expected then
	return 0
end
redis.call('RPUSH', key, data)
return len + 1
`

func (r *RedisEventStore) Append(ctx context.Context, instanceID string, expectedLastSeq int64, ev api.Event) (int64, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return 0, err
	}
	record := redisEventPayload{
		ID:      ev.ID,
		Type:    string(ev.Type),
		StepID:  ev.StepID,
		Payload: payload,
		At:      ev.At.UnixNano(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&record); err != nil {
		return 0, err
	}

	res, err := r.client.Eval(ctx, redisEventAppendLua,
		[]string{r.keyEvents(instanceID)},
		expectedLastSeq, buf.Bytes(),
	).Result()
	if err != nil {
		return 0, err
	}

	seq, ok := res.(int64)
	if !ok || seq == 0 {
		return 0, api.ErrSequenceConflict
	}
	return seq, nil
}

func (r *RedisEventStore) Read(ctx context.Context, instanceID string) ([]api.Event, error) {
	raw, err := r.client.LRange(ctx, r.keyEvents(instanceID), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	events := make([]api.Event, 0, len(raw))
	for i, item := range raw {
		var record redisEventPayload
		if err := gob.NewDecoder(bytes.NewReader([]byte(item))).Decode(&record); err != nil {
			return nil, err
		}
		payload, err := DecodeValue[map[string]any](record.Payload)
		if err != nil {
			return nil, err
		}
		events = append(events, api.Event{
			ID:         record.ID,
			InstanceID: instanceID,
			Sequence:   int64(i) + 1,
			Type:       api.EventType(record.Type),
			StepID:     record.StepID,
			Payload:    payload,
			At:         time.Unix(0, record.At),
		})
	}
	return events, nil
}

func (r *RedisEventStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	return r.client.LLen(ctx, r.keyEvents(instanceID)).Result()
}
