package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianpay/saga/pkg/api"
)

// RedisInstanceStore is an InstanceStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>              => gob-encoded redisInstancePayload
//	<prefix>cancel:<id>            => cancellation marker ("1")
//	<prefix>lease:<id>             => lease owner, with TTL
//	<prefix>idx:all                => SET of all instance IDs
//	<prefix>idx:def:<name>         => SET of instance IDs for a definition
//	<prefix>idx:tenant:<tenant>    => SET of instance IDs for a tenant
//	<prefix>idx:status:<status>    => SET of instance IDs for a status
//
// The indexes are best-effort; they are always updated on Save/Update, and
// ListInstances filters by payload after the set lookup.
type RedisInstanceStore struct {
	client *redis.Client
	prefix string
}

var _ InstanceStore = (*RedisInstanceStore)(nil)

type redisInstancePayload struct {
	ID                string
	DefinitionName    string
	DefinitionVersion string
	TenantID          string
	Status            string
	CurrentStep       int
	LastSequence      int64
	Steps             []byte
	Context           []byte
	CreatedAt         int64
	UpdatedAt         int64
	CompletedAt       int64
	Error             string
}

// NewRedisInstanceStore creates a RedisInstanceStore.
// prefix is optional but recommended (e.g. "saga:").
func NewRedisInstanceStore(client *redis.Client, prefix string) *RedisInstanceStore {
	if prefix == "" {
		prefix = "saga:"
	}
	return &RedisInstanceStore{client: client, prefix: prefix}
}

func (r *RedisInstanceStore) keyInstance(id string) string { return r.prefix + "inst:" + id }
func (r *RedisInstanceStore) keyCancel(id string) string   { return r.prefix + "cancel:" + id }
func (r *RedisInstanceStore) keyLease(id string) string    { return r.prefix + "lease:" + id }
func (r *RedisInstanceStore) keyAll() string               { return r.prefix + "idx:all" }

func (r *RedisInstanceStore) keyDefinition(name string) string {
	return r.prefix + "idx:def:" + name
}

func (r *RedisInstanceStore) keyTenant(tenant string) string {
	return r.prefix + "idx:tenant:" + tenant
}

func (r *RedisInstanceStore) keyStatus(status api.Status) string {
	return r.prefix + "idx:status:" + string(status)
}

func (r *RedisInstanceStore) SaveInstance(inst *api.WorkflowInstance) error {
	ctx := context.Background()

	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.keyInstance(inst.ID), data, 0).Err(); err != nil {
		return err
	}

	// Index updates are best-effort; stale entries are filtered on read.
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.keyAll(), inst.ID)
	pipe.SAdd(ctx, r.keyDefinition(inst.DefinitionName), inst.ID)
	if inst.TenantID != "" {
		pipe.SAdd(ctx, r.keyTenant(inst.TenantID), inst.ID)
	}
	pipe.SAdd(ctx, r.keyStatus(inst.Status), inst.ID)
	_, _ = pipe.Exec(ctx)

	return nil
}

func (r *RedisInstanceStore) UpdateInstance(inst *api.WorkflowInstance) error {
	// The cancellation marker lives in its own key, so overwriting the
	// payload cannot lose a concurrent RequestCancel.
	return r.SaveInstance(inst)
}

func (r *RedisInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	ctx := context.Background()

	data, err := r.client.Get(ctx, r.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	inst, err := decodeRedisInstance(data)
	if err != nil {
		return nil, err
	}

	cancelled, err := r.client.Exists(ctx, r.keyCancel(id)).Result()
	if err != nil {
		return nil, err
	}
	inst.CancelRequested = cancelled > 0
	return inst, nil
}

func (r *RedisInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx := context.Background()

	var keys []string
	if filter.DefinitionName != "" {
		keys = append(keys, r.keyDefinition(filter.DefinitionName))
	}
	if filter.TenantID != "" {
		keys = append(keys, r.keyTenant(filter.TenantID))
	}
	if filter.Status != "" {
		keys = append(keys, r.keyStatus(filter.Status))
	}

	var ids []string
	var err error
	if len(keys) == 0 {
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	} else {
		ids, err = r.client.SInter(ctx, keys...).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var instances []*api.WorkflowInstance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeRedisInstance(data)
		if err != nil {
			return nil, err
		}
		// Re-filter by payload: indexes can hold stale status entries.
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (r *RedisInstanceStore) RequestCancel(ctx context.Context, instanceID string) error {
	exists, err := r.client.Exists(ctx, r.keyInstance(instanceID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrInstanceNotFound
	}
	return r.client.Set(ctx, r.keyCancel(instanceID), "1", 0).Err()
}

func encodeRedisInstance(inst *api.WorkflowInstance) ([]byte, error) {
	steps, err := EncodeValue(inst.Steps)
	if err != nil {
		return nil, err
	}
	contextBlob, err := EncodeValue(inst.Context)
	if err != nil {
		return nil, err
	}

	payload := redisInstancePayload{
		ID:                inst.ID,
		DefinitionName:    inst.DefinitionName,
		DefinitionVersion: inst.DefinitionVersion,
		TenantID:          inst.TenantID,
		Status:            string(inst.Status),
		CurrentStep:       inst.CurrentStep,
		LastSequence:      inst.LastSequence,
		Steps:             steps,
		Context:           contextBlob,
		CreatedAt:         inst.CreatedAt.UnixNano(),
		UpdatedAt:         inst.UpdatedAt.UnixNano(),
		Error:             inst.Err,
	}
	if inst.CompletedAt != nil {
		payload.CompletedAt = inst.CompletedAt.UnixNano()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisInstance(data []byte) (*api.WorkflowInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	var payload redisInstancePayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	steps, err := DecodeValue[[]api.SagaStep](payload.Steps)
	if err != nil {
		return nil, err
	}
	ctxVal, err := DecodeValue[map[string]any](payload.Context)
	if err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		ID:                payload.ID,
		DefinitionName:    payload.DefinitionName,
		DefinitionVersion: payload.DefinitionVersion,
		TenantID:          payload.TenantID,
		Status:            api.Status(payload.Status),
		CurrentStep:       payload.CurrentStep,
		LastSequence:      payload.LastSequence,
		Steps:             steps,
		Context:           ctxVal,
		CreatedAt:         time.Unix(0, payload.CreatedAt),
		UpdatedAt:         time.Unix(0, payload.UpdatedAt),
		Err:               payload.Error,
	}
	if payload.CompletedAt != 0 {
		t := time.Unix(0, payload.CompletedAt)
		inst.CompletedAt = &t
	}
	return inst, nil
}

var (
	// Lua script for acquiring a lease with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 otherwise.
	redisLeaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	return 0
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return 0
end
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

func (r *RedisInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	res, err := r.client.Eval(ctx, redisLeaseAcquireLua, []string{r.keyLease(instanceID)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	return redisLuaBool(res), nil
}

func (r *RedisInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := r.client.Eval(ctx, redisLeaseRenewLua, []string{r.keyLease(instanceID)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if !redisLuaBool(res) {
		return api.ErrConcurrentExecution
	}
	return nil
}

func (r *RedisInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	res, err := r.client.Eval(ctx, redisLeaseReleaseLua, []string{r.keyLease(instanceID)}, owner).Result()
	if err != nil {
		return err
	}
	if !redisLuaBool(res) {
		// Either missing (fine, release is idempotent) or held elsewhere.
		cur, gerr := r.client.Get(ctx, r.keyLease(instanceID)).Result()
		if errors.Is(gerr, redis.Nil) {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		if cur != owner && cur != "" {
			return api.ErrConcurrentExecution
		}
	}
	return nil
}

func redisLuaBool(res any) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}
