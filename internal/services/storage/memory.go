package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pet-ai-gateway-go/internal/config"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
)

const deviceKeyName = "vault:device_key"

// MemoryStorage implements storage using in-memory cache.
// Profiles are kept as JSON so callers never share a pointer with the store.
type MemoryStorage struct {
	profiles *cache.Cache
	vault    *cache.Cache
	stats    *cache.Cache
	catalog  *cache.Cache
	statsMu  sync.Mutex
	logger   *logrus.Logger
}

func NewMemoryStorage(cfg *config.MemoryConfig, logger *logrus.Logger) *MemoryStorage {
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &MemoryStorage{
		profiles: cache.New(cache.NoExpiration, cleanup),
		vault:    cache.New(cache.NoExpiration, cache.NoExpiration),
		stats:    cache.New(cache.NoExpiration, cleanup),
		catalog:  cache.New(cache.NoExpiration, cache.NoExpiration),
		logger:   logger,
	}
}

func (m *MemoryStorage) GetProfile(ctx context.Context, agentID string) (*models.AgentProfile, error) {
	val, found := m.profiles.Get(agentID)
	if !found {
		return nil, nil
	}
	var profile models.AgentProfile
	if err := json.Unmarshal(val.([]byte), &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (m *MemoryStorage) SaveProfile(ctx context.Context, profile *models.AgentProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	m.profiles.Set(profile.ID, data, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) DeleteProfile(ctx context.Context, agentID string) error {
	m.profiles.Delete(agentID)
	return nil
}

func (m *MemoryStorage) GetDeviceKey(ctx context.Context) (string, error) {
	if val, found := m.vault.Get(deviceKeyName); found {
		return val.(string), nil
	}
	return "", nil
}

func (m *MemoryStorage) SetDeviceKeyIfAbsent(ctx context.Context, key string) (string, error) {
	// Add fails when the key already exists, which is the write-once behaviour we want
	_ = m.vault.Add(deviceKeyName, key, cache.NoExpiration)
	return m.GetDeviceKey(ctx)
}

func (m *MemoryStorage) GetAgentStats(ctx context.Context, agentID string) (*models.AgentStats, error) {
	if val, found := m.stats.Get(agentID); found {
		stats := *val.(*models.AgentStats)
		return &stats, nil
	}
	return &models.AgentStats{AgentID: agentID}, nil
}

func (m *MemoryStorage) IncrementAgentStats(ctx context.Context, agentID string, failed bool) error {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	stats, err := m.GetAgentStats(ctx, agentID)
	if err != nil {
		return err
	}
	stats.TotalChats++
	if failed {
		stats.FailedChats++
	}
	stats.LastChatAt = time.Now().UTC()
	m.stats.Set(agentID, stats, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) GetEnabledModels(ctx context.Context) ([]string, error) {
	if val, found := m.catalog.Get("enabled_models"); found {
		ids := val.([]string)
		return append([]string(nil), ids...), nil
	}
	return nil, nil
}

func (m *MemoryStorage) SaveEnabledModels(ctx context.Context, ids []string) error {
	m.catalog.Set("enabled_models", append([]string(nil), ids...), cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) Close() error {
	m.profiles.Flush()
	m.stats.Flush()
	return nil
}
