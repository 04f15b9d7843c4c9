package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"

	taskStateKeyPrefix  = "task:state:"
	taskResultKeyPrefix = "task:result:"
	taskEventsKeyPrefix = "task:events:"

	envTaskStateTTL        = "TASK_STATE_TTL"
	envTaskStateTTLSeconds = "TASK_STATE_TTL_SECONDS"
)

var defaultTaskStateTTL = 7 * 24 * time.Hour

// Phase is the execution backend's view of a task.
type Phase string

const (
	PhasePending   Phase = "PENDING"
	PhaseRunning   Phase = "RUNNING"
	PhaseSucceeded Phase = "SUCCEEDED"
	PhaseFailed    Phase = "FAILED"

	// PhaseAbsent means the backend holds no record for the uid. A freshly
	// enqueued task may briefly report absent before the pending mark lands.
	PhaseAbsent Phase = "ABSENT"
)

var terminalPhases = map[Phase]bool{
	PhaseSucceeded: true,
	PhaseFailed:    true,
}

var allowedTransitions = map[Phase][]Phase{
	PhaseAbsent:    {PhasePending, PhaseRunning, PhaseFailed},
	PhasePending:   {PhaseRunning, PhaseSucceeded, PhaseFailed},
	PhaseRunning:   {PhaseSucceeded, PhaseFailed},
	PhaseSucceeded: {},
	PhaseFailed:    {},
}

// Terminal reports whether no further transition may occur for the phase.
func (p Phase) Terminal() bool {
	return terminalPhases[p]
}

// RedisTaskStore holds the backend-authoritative task state in Redis. Workers
// write transitions and results; the gateway's status resolver reads them.
type RedisTaskStore struct {
	client   *redis.Client
	stateTTL time.Duration
}

// NewRedisTaskStore constructs a Redis-backed task store from a redis:// URL.
func NewRedisTaskStore(url string) (*RedisTaskStore, error) {
	if url == "" {
		url = defaultRedisURL
	}

	ttl := defaultTaskStateTTL
	if v := os.Getenv(envTaskStateTTLSeconds); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(envTaskStateTTL); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			ttl = parsed
		}
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
	return &RedisTaskStore{client: client, stateTTL: ttl}, nil
}

// SetState transitions a task, rejecting moves the backend state machine does
// not allow. Terminal phases are frozen.
func (s *RedisTaskStore) SetState(ctx context.Context, uid string, phase Phase) error {
	if uid == "" || phase == "" || phase == PhaseAbsent {
		return fmt.Errorf("invalid uid or phase")
	}
	stateKey := taskStateKey(uid)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, stateKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		prevPhase := PhaseAbsent
		if prev != "" {
			prevPhase = Phase(prev)
		}
		if !isAllowedTransition(prevPhase, phase) {
			return fmt.Errorf("invalid transition %s -> %s", prevPhase, phase)
		}

		now := time.Now().Unix()
		pipe := tx.TxPipeline()
		pipe.Set(ctx, stateKey, string(phase), s.stateTTL)
		pipe.RPush(ctx, taskEventsKey(uid), fmt.Sprintf("%d|%s", now, phase))
		pipe.Expire(ctx, taskEventsKey(uid), s.stateTTL)
		_, execErr := pipe.Exec(ctx)
		return execErr
	}, stateKey)
}

// GetState returns the current phase; a missing record is PhaseAbsent, not an
// error.
func (s *RedisTaskStore) GetState(ctx context.Context, uid string) (Phase, error) {
	val, err := s.client.Get(ctx, taskStateKey(uid)).Result()
	if errors.Is(err, redis.Nil) {
		return PhaseAbsent, nil
	}
	if err != nil {
		return "", err
	}
	return Phase(val), nil
}

// SetResult stores the result payload a worker produced for the task.
func (s *RedisTaskStore) SetResult(ctx context.Context, uid string, data []byte) error {
	if uid == "" {
		return fmt.Errorf("uid required")
	}
	return s.client.Set(ctx, taskResultKey(uid), data, s.stateTTL).Err()
}

// GetResult returns the stored result, or nil when none exists.
func (s *RedisTaskStore) GetResult(ctx context.Context, uid string) ([]byte, error) {
	val, err := s.client.Get(ctx, taskResultKey(uid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Events returns the recorded transition log for a task, oldest first.
func (s *RedisTaskStore) Events(ctx context.Context, uid string) ([]string, error) {
	return s.client.LRange(ctx, taskEventsKey(uid), 0, -1).Result()
}

// Ping verifies the store is reachable.
func (s *RedisTaskStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("task store not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}

func taskStateKey(uid string) string  { return taskStateKeyPrefix + uid }
func taskResultKey(uid string) string { return taskResultKeyPrefix + uid }
func taskEventsKey(uid string) string { return taskEventsKeyPrefix + uid }

func isAllowedTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}
