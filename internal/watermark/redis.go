package watermark

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisStore keeps all watermarks in one Redis hash whose fields are
// "{source}|{partition}". HSET replaces a single field atomically.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore parses url (redis://host:port/db) and checks connectivity.
func NewRedisStore(ctx context.Context, url, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "watermark: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, eris.Wrap(err, "watermark: ping redis")
	}
	return NewRedisStoreFromClient(client, key), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func redisField(source string, partition int) string {
	return source + "|" + strconv.Itoa(partition)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, source string, partition int) (time.Time, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, redisField(source, partition)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, eris.Wrapf(err, "watermark: redis get %s/%d", source, partition)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, eris.Wrapf(err, "watermark: parse %s/%d", source, partition)
	}
	return t.UTC(), true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, source string, partition int, windowEnd time.Time) error {
	err := s.client.HSet(ctx, s.key, redisField(source, partition), windowEnd.UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		return eris.Wrapf(err, "watermark: redis set %s/%d", source, partition)
	}
	return nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, eris.Wrap(err, "watermark: redis list")
	}
	entries := make([]Entry, 0, len(all))
	for field, raw := range all {
		i := strings.LastIndex(field, "|")
		if i < 0 {
			return nil, eris.Errorf("watermark: malformed redis field %q", field)
		}
		id, err := strconv.Atoi(field[i+1:])
		if err != nil {
			return nil, eris.Wrapf(err, "watermark: malformed redis field %q", field)
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, eris.Wrapf(err, "watermark: parse %s", field)
		}
		entries = append(entries, Entry{Source: field[:i], Partition: id, WindowEnd: t.UTC()})
	}
	sortEntries(entries)
	return entries, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
