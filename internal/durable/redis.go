package durable

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/record"

	"github.com/engramdb/engram/internal/prepared"
)

// Record hashes live under <prefix><kind>/<id>; the index sorted set orders
// keys by update time for reconciliation scans. Versions are compare-and-set
// through Lua so the check and the write are one atomic step.
var putScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
local current = 0
if v then current = tonumber(v) end
local expected = tonumber(ARGV[1])
if expected >= 0 and current ~= expected then
  return {0, current}
end
local version = current + 1
redis.call('HSET', KEYS[1],
  'version', version,
  'payload', ARGV[2],
  'updated_at', ARGV[3],
  'kind', ARGV[4],
  'id', ARGV[5])
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), KEYS[1])
return {1, version}
`)

var deleteScript = redis.NewScript(`
local existed = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], KEYS[1])
return existed
`)

// KEYS: record keys plus the index key last. ARGV: five entries per record
// (expected, payload, updated_at, kind, id). All preconditions are checked
// before any write so a mismatch leaves the batch untouched.
var batchPutScript = redis.NewScript(`
local n = #KEYS - 1
for i = 1, n do
  local base = (i - 1) * 5
  local expected = tonumber(ARGV[base + 1])
  local v = redis.call('HGET', KEYS[i], 'version')
  local current = 0
  if v then current = tonumber(v) end
  if expected >= 0 and current ~= expected then
    return {0, i - 1, current}
  end
end
local out = {1}
for i = 1, n do
  local base = (i - 1) * 5
  local v = redis.call('HGET', KEYS[i], 'version')
  local current = 0
  if v then current = tonumber(v) end
  local version = current + 1
  redis.call('HSET', KEYS[i],
    'version', version,
    'payload', ARGV[base + 2],
    'updated_at', ARGV[base + 3],
    'kind', ARGV[base + 4],
    'id', ARGV[base + 5])
  redis.call('ZADD', KEYS[#KEYS], tonumber(ARGV[base + 3]), KEYS[i])
  out[i + 1] = version
end
return out
`)

// RedisBackend stores records as Redis hashes with a sorted-set update
// index. Each pooled connection gets its own single-connection client.
type RedisBackend struct {
	addr     string
	password string
	db       int
	prefix   string
	indexKey string
}

// NewRedisBackend creates a Redis backend
func NewRedisBackend(addr, password string, db int, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "engram:"
	}
	return &RedisBackend{
		addr:     addr,
		password: password,
		db:       db,
		prefix:   prefix,
		indexKey: prefix + "updated",
	}
}

// Name identifies the backend
func (b *RedisBackend) Name() string { return "redis" }

// Dial creates a dedicated client for one pool slot
func (b *RedisBackend) Dial(ctx context.Context) (Conn, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     b.addr,
		Password: b.password,
		DB:       b.db,
		PoolSize: 1,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "redis ping failed").
			WithCause(err).
			WithRetryable(true)
	}

	return &redisConn{backend: b, client: client, id: prepared.NextConnID()}, nil
}

func (b *RedisBackend) key(identity record.Identity) string {
	return b.prefix + identity.String()
}

type redisConn struct {
	backend *RedisBackend
	client  *redis.Client
	id      uint64
}

func (c *redisConn) ID() uint64 { return c.id }

func (c *redisConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisConn) Close() error {
	return c.client.Close()
}

func (c *redisConn) Get(ctx context.Context, identity record.Identity) (*record.Record, error) {
	fields, err := c.client.HGetAll(ctx, c.backend.key(identity)).Result()
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to read record").
			WithCause(err).
			WithRetryable(true)
	}
	if len(fields) == 0 {
		return nil, errors.Newf(errors.ErrCodeRecordNotFound, "record %s not found", identity)
	}
	return decodeHash(identity, fields)
}

func decodeHash(identity record.Identity, fields map[string]string) (*record.Record, error) {
	version, err := strconv.ParseUint(fields["version"], 10, 64)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeStorageRead, "record %s has malformed version %q", identity, fields["version"])
	}
	updatedMicros, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeStorageRead, "record %s has malformed timestamp %q", identity, fields["updated_at"])
	}
	return &record.Record{
		Kind:      identity.Kind,
		ID:        identity.ID,
		Version:   version,
		Payload:   []byte(fields["payload"]),
		UpdatedAt: time.UnixMicro(updatedMicros),
	}, nil
}

// casArg encodes the version precondition for the scripts: -1 disables the
// check, matching VersionAny.
func casArg(expected uint64) int64 {
	if expected == VersionAny {
		return -1
	}
	return int64(expected)
}

func (c *redisConn) Put(ctx context.Context, rec *record.Record, expectedVersion uint64) (uint64, error) {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	result, err := putScript.Run(ctx, c.client,
		[]string{c.backend.key(rec.Identity()), c.backend.indexKey},
		casArg(expectedVersion), rec.Payload, updatedAt.UnixMicro(), string(rec.Kind), rec.ID,
	).Int64Slice()
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStorageWrite, "failed to write record").
			WithCause(err).
			WithRetryable(true)
	}

	if result[0] == 0 {
		return 0, errors.Newf(errors.ErrCodeConflictDetected, "version mismatch for %s", rec.Identity()).
			WithDetail("expected_version", expectedVersion).
			WithDetail("stored_version", uint64(result[1]))
	}
	return uint64(result[1]), nil
}

func (c *redisConn) Delete(ctx context.Context, identity record.Identity) error {
	existed, err := deleteScript.Run(ctx, c.client,
		[]string{c.backend.key(identity), c.backend.indexKey},
	).Int64()
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to delete record").
			WithCause(err).
			WithRetryable(true)
	}
	if existed == 0 {
		return errors.Newf(errors.ErrCodeRecordNotFound, "record %s not found", identity)
	}
	return nil
}

func (c *redisConn) BatchGet(ctx context.Context, identities []record.Identity) ([]*record.Record, error) {
	pipe := c.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(identities))
	for i, identity := range identities {
		cmds[i] = pipe.HGetAll(ctx, c.backend.key(identity))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "batch read failed").
			WithCause(err).
			WithRetryable(true)
	}

	out := make([]*record.Record, len(identities))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeHash(identities[i], fields)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func (c *redisConn) BatchPut(ctx context.Context, recs []*record.Record, expectedVersions []uint64) ([]uint64, error) {
	keys := make([]string, 0, len(recs)+1)
	args := make([]interface{}, 0, len(recs)*5)
	for i, rec := range recs {
		updatedAt := rec.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		keys = append(keys, c.backend.key(rec.Identity()))
		args = append(args, casArg(expectedVersions[i]), rec.Payload, updatedAt.UnixMicro(), string(rec.Kind), rec.ID)
	}
	keys = append(keys, c.backend.indexKey)

	result, err := batchPutScript.Run(ctx, c.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageWrite, "batch write failed").
			WithCause(err).
			WithRetryable(true)
	}

	if result[0] == 0 {
		index := int(result[1])
		return nil, errors.Newf(errors.ErrCodeConflictDetected, "version mismatch for %s in batch", recs[index].Identity()).
			WithDetail("batch_index", index).
			WithDetail("stored_version", uint64(result[2]))
	}

	versions := make([]uint64, len(recs))
	for i := range recs {
		versions[i] = uint64(result[i+1])
	}
	return versions, nil
}

func (c *redisConn) RecordsSince(ctx context.Context, watermark time.Time) ([]*record.Record, error) {
	keys, err := c.client.ZRangeByScore(ctx, c.backend.indexKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", watermark.UnixMicro()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to scan update index").
			WithCause(err).
			WithRetryable(true)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to load records since watermark").
			WithCause(err).
			WithRetryable(true)
	}

	var out []*record.Record
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Deleted between the index scan and the load.
			continue
		}
		identity := record.Identity{Kind: record.Kind(fields["kind"]), ID: fields["id"]}
		rec, err := decodeHash(identity, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
