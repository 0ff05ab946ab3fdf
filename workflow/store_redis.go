package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

const redisKeyPrefix = "provisioning:workflow:"

// RedisStore persists workflow states in Redis so several server replicas can share them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis. A zero ttl keeps states forever.
func NewRedisStore(ctx context.Context, opts *redis.Options, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Save(ctx context.Context, state *interfaces.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode workflow state: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyPrefix+state.ID, data, s.ttl)
		pipe.SAdd(ctx, redisKeyPrefix+"ids", state.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save workflow state: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*interfaces.WorkflowState, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrWorkflowNotFound
	} else if err != nil {
		return nil, fmt.Errorf("load workflow state: %w", err)
	}

	var state interfaces.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode workflow state %s: %w", id, err)
	}
	return &state, nil
}

// List returns the ids of stored workflows. Expired entries are pruned from the index.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, redisKeyPrefix+"ids").Result()
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	live := ids[:0]
	for _, id := range ids {
		n, err := s.client.Exists(ctx, redisKeyPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		if n == 0 {
			s.client.SRem(ctx, redisKeyPrefix+"ids", id)
			continue
		}
		live = append(live, id)
	}
	sort.Strings(live)
	return live, nil
}
