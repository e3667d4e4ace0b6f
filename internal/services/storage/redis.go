package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pet-ai-gateway-go/internal/config"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
)

// RedisStorage implements storage using Redis
type RedisStorage struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisStorage(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStorageWithClient wraps an existing client
func NewRedisStorageWithClient(client *redis.Client, prefix string, logger *logrus.Logger) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix, logger: logger}
}

func (r *RedisStorage) key(format string, args ...interface{}) string {
	return r.prefix + fmt.Sprintf(format, args...)
}

func (r *RedisStorage) GetProfile(ctx context.Context, agentID string) (*models.AgentProfile, error) {
	data, err := r.client.Get(ctx, r.key("profile:%s", agentID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var profile models.AgentProfile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *RedisStorage) SaveProfile(ctx context.Context, profile *models.AgentProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key("profile:%s", profile.ID), data, 0).Err()
}

func (r *RedisStorage) DeleteProfile(ctx context.Context, agentID string) error {
	return r.client.Del(ctx, r.key("profile:%s", agentID)).Err()
}

func (r *RedisStorage) GetDeviceKey(ctx context.Context) (string, error) {
	value, err := r.client.Get(ctx, r.key("vault:device_key")).Result()
	if err == redis.Nil {
		return "", nil
	}
	return value, err
}

func (r *RedisStorage) SetDeviceKeyIfAbsent(ctx context.Context, key string) (string, error) {
	if _, err := r.client.SetNX(ctx, r.key("vault:device_key"), key, 0).Result(); err != nil {
		return "", err
	}
	return r.GetDeviceKey(ctx)
}

func (r *RedisStorage) GetAgentStats(ctx context.Context, agentID string) (*models.AgentStats, error) {
	values, err := r.client.HGetAll(ctx, r.key("stats:%s", agentID)).Result()
	if err != nil {
		return nil, err
	}

	stats := &models.AgentStats{AgentID: agentID}
	stats.TotalChats, _ = strconv.Atoi(values["total"])
	stats.FailedChats, _ = strconv.Atoi(values["failed"])
	if last, err := strconv.ParseInt(values["last"], 10, 64); err == nil && last > 0 {
		stats.LastChatAt = time.Unix(last, 0).UTC()
	}
	return stats, nil
}

func (r *RedisStorage) IncrementAgentStats(ctx context.Context, agentID string, failed bool) error {
	key := r.key("stats:%s", agentID)
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	if failed {
		pipe.HIncrBy(ctx, key, "failed", 1)
	}
	pipe.HSet(ctx, key, "last", time.Now().Unix())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStorage) GetEnabledModels(ctx context.Context) ([]string, error) {
	data, err := r.client.Get(ctx, r.key("catalog:enabled_models")).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *RedisStorage) SaveEnabledModels(ctx context.Context, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key("catalog:enabled_models"), data, 0).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
