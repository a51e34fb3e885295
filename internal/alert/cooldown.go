package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
)

// CooldownStore persists cooldown stamps keyed by "user|SYMBOL|CODE".
type CooldownStore interface {
	Load(ctx context.Context) (map[string]time.Time, error)
	Save(ctx context.Context, entries map[string]time.Time) error
}

// FileCooldownStore keeps stamps in a JSON file.
type FileCooldownStore struct {
	Path string
}

// Load returns an empty map if the file doesn't exist.
func (s FileCooldownStore) Load(_ context.Context) (map[string]time.Time, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]time.Time{}, nil
		}
		return nil, err
	}
	entries := make(map[string]time.Time)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return entries, nil
}

// Save replaces the file atomically.
func (s FileCooldownStore) Save(_ context.Context, entries map[string]time.Time) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// RedisCooldownStore keeps stamps in one Redis hash.
type RedisCooldownStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisCooldownStore stores the hash under key. A positive ttl expires the
// whole hash if nothing saves it again.
func NewRedisCooldownStore(client *redis.Client, key string, ttl time.Duration) *RedisCooldownStore {
	if key == "" {
		key = "marketpulse:cooldowns"
	}
	return &RedisCooldownStore{client: client, key: key, ttl: ttl}
}

func (s *RedisCooldownStore) Load(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}
	return decodeStamps(raw), nil
}

func (s *RedisCooldownStore) Save(ctx context.Context, entries map[string]time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(entries) > 0 {
			pipe.HSet(ctx, s.key, encodeStamps(entries))
			if s.ttl > 0 {
				pipe.Expire(ctx, s.key, s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save cooldowns to %s: %w", s.key, err)
	}
	return nil
}

func encodeStamps(entries map[string]time.Time) map[string]interface{} {
	out := make(map[string]interface{}, len(entries))
	for k, t := range entries {
		out[k] = t.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// decodeStamps skips values that don't parse.
func decodeStamps(raw map[string]string) map[string]time.Time {
	out := make(map[string]time.Time, len(raw))
	for k, v := range raw {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			continue
		}
		out[k] = t
	}
	return out
}
