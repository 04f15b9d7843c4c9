package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	activeKeyPrefix = "tasks:active:"
)

// claimScript scans the owner's list for an entry with the requested
// fingerprint and appends only when none exists. Running as a single script
// keeps the check and the insert atomic across gateway instances.
const claimScript = `
local key = KEYS[1]
local entry = ARGV[1]
local fp = ARGV[2]
local items = redis.call("LRANGE", key, 0, -1)
for _, item in ipairs(items) do
  local ok, rec = pcall(cjson.decode, item)
  if ok and rec["fingerprint"] == fp then
    return 0
  end
end
redis.call("RPUSH", key, entry)
return 1
`

// removeScript removes every entry carrying the uid. The caller does not know
// the stored fingerprint, so LREM by exact value is not enough.
const removeScript = `
local key = KEYS[1]
local uid = ARGV[1]
local removed = 0
local items = redis.call("LRANGE", key, 0, -1)
for _, item in ipairs(items) do
  local ok, rec = pcall(cjson.decode, item)
  if ok and rec["uid"] == uid then
    removed = removed + redis.call("LREM", key, 0, item)
  end
end
return removed
`

// RedisStore implements Store on a shared Redis list per owner.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed registry from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) List(ctx context.Context, owner string) ([]Record, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	items, err := s.client.LRange(ctx, activeKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry list: %w", err)
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// A corrupt entry must not wedge every status query for the owner.
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Append(ctx context.Context, owner, uid, fingerprint string) error {
	entry, err := encodeRecord(owner, uid, fingerprint)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, activeKey(owner), entry).Err(); err != nil {
		return fmt.Errorf("registry append: %w", err)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, owner, uid, fingerprint string) (bool, error) {
	entry, err := encodeRecord(owner, uid, fingerprint)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, claimScript, []string{activeKey(owner)}, entry, fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("registry claim: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("registry claim: unexpected reply %T", res)
	}
	return n == 1, nil
}

func (s *RedisStore) Remove(ctx context.Context, owner, uid string) error {
	if err := checkOwner(owner); err != nil {
		return err
	}
	if strings.TrimSpace(uid) == "" {
		return fmt.Errorf("uid required")
	}
	if err := s.client.Eval(ctx, removeScript, []string{activeKey(owner)}, uid).Err(); err != nil {
		return fmt.Errorf("registry remove: %w", err)
	}
	return nil
}

// Ping verifies the registry store is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("registry store not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func activeKey(owner string) string {
	return activeKeyPrefix + owner
}

func checkOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("owner required")
	}
	return nil
}

func encodeRecord(owner, uid, fingerprint string) (string, error) {
	if err := checkOwner(owner); err != nil {
		return "", err
	}
	if strings.TrimSpace(uid) == "" || strings.TrimSpace(fingerprint) == "" {
		return "", fmt.Errorf("uid and fingerprint required")
	}
	data, err := json.Marshal(Record{UID: uid, Fingerprint: fingerprint})
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(data), nil
}
