package nvmstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis instance, for a server deployment
// that wants committed keys to survive a process restart without standing
// up a full database.
type Redis struct {
	client *redis.Client
}

// RedisConfig configures a Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection with a Ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("nvmstore: connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

type redisRecord struct {
	Label []byte `json:"label"`
	Key   []byte `json:"key"`
}

func redisKey(k Key) string {
	return fmt.Sprintf("hsm:key:%d:%d", k.ClientID, k.KeyID)
}

func (r *Redis) Put(ctx context.Context, k Key, rec Record) error {
	data, err := json.Marshal(redisRecord{Label: rec.Label[:], Key: rec.Key})
	if err != nil {
		return fmt.Errorf("nvmstore: marshal record: %w", err)
	}
	return r.client.Set(ctx, redisKey(k), data, 0).Err()
}

func (r *Redis) Get(ctx context.Context, k Key) (Record, bool, error) {
	data, err := r.client.Get(ctx, redisKey(k)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("nvmstore: get %s: %w", redisKey(k), err)
	}

	var rr redisRecord
	if err := json.Unmarshal(data, &rr); err != nil {
		return Record{}, false, fmt.Errorf("nvmstore: unmarshal record: %w", err)
	}

	var rec Record
	copy(rec.Label[:], rr.Label)
	rec.Key = rr.Key
	return rec, true, nil
}

func (r *Redis) Delete(ctx context.Context, k Key) error {
	return r.client.Del(ctx, redisKey(k)).Err()
}
