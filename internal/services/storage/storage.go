package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pet-ai-gateway-go/internal/config"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Storage interface defines storage operations
type Storage interface {
	// Profile operations; GetProfile returns nil, nil when the agent is unknown
	GetProfile(ctx context.Context, agentID string) (*models.AgentProfile, error)
	SaveProfile(ctx context.Context, profile *models.AgentProfile) error
	DeleteProfile(ctx context.Context, agentID string) error

	// Device key operations. SetDeviceKeyIfAbsent never overwrites and
	// returns whichever key is stored after the call.
	GetDeviceKey(ctx context.Context) (string, error)
	SetDeviceKeyIfAbsent(ctx context.Context, key string) (string, error)

	// Agent stats operations
	GetAgentStats(ctx context.Context, agentID string) (*models.AgentStats, error)
	IncrementAgentStats(ctx context.Context, agentID string, failed bool) error

	// Model catalog overrides; nil when none stored
	GetEnabledModels(ctx context.Context) ([]string, error)
	SaveEnabledModels(ctx context.Context, ids []string) error

	Close() error
}

// OpRecorder receives storage operation timings
type OpRecorder interface {
	RecordStorageOperation(operation, status string, duration time.Duration)
}

// Manager manages different storage backends
type Manager struct {
	storage  Storage
	logger   *logrus.Logger
	recorder OpRecorder
}

// NewManager creates a new storage manager
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	var storage Storage

	switch strings.ToLower(cfg.Storage.Type) {
	case "redis":
		redisStorage, err := NewRedisStorage(&cfg.Storage.Redis, logger)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	case "sqlite":
		sqliteStorage, err := NewSQLiteStorage(cfg.Storage.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		storage = sqliteStorage
	case "memory":
		storage = NewMemoryStorage(&cfg.Storage.Memory, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	logger.WithField("type", cfg.Storage.Type).Info("Storage initialized")
	return NewManagerWith(storage, logger), nil
}

// NewManagerWith wraps an existing backend
func NewManagerWith(storage Storage, logger *logrus.Logger) *Manager {
	return &Manager{storage: storage, logger: logger}
}

// SetRecorder installs a timing recorder for storage operations
func (m *Manager) SetRecorder(recorder OpRecorder) {
	m.recorder = recorder
}

func (m *Manager) observe(operation string, start time.Time, err error) {
	if m.recorder == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.recorder.RecordStorageOperation(operation, status, time.Since(start))
}

func (m *Manager) GetProfile(ctx context.Context, agentID string) (profile *models.AgentProfile, err error) {
	defer func(start time.Time) { m.observe("get_profile", start, err) }(time.Now())
	return m.storage.GetProfile(ctx, agentID)
}

func (m *Manager) SaveProfile(ctx context.Context, profile *models.AgentProfile) (err error) {
	defer func(start time.Time) { m.observe("save_profile", start, err) }(time.Now())
	if profile == nil || strings.TrimSpace(profile.ID) == "" {
		return fmt.Errorf("profile id is required")
	}
	profile.UpdatedAt = time.Now().UTC()
	return m.storage.SaveProfile(ctx, profile)
}

func (m *Manager) DeleteProfile(ctx context.Context, agentID string) (err error) {
	defer func(start time.Time) { m.observe("delete_profile", start, err) }(time.Now())
	return m.storage.DeleteProfile(ctx, agentID)
}

func (m *Manager) GetDeviceKey(ctx context.Context) (key string, err error) {
	defer func(start time.Time) { m.observe("get_device_key", start, err) }(time.Now())
	return m.storage.GetDeviceKey(ctx)
}

func (m *Manager) SetDeviceKeyIfAbsent(ctx context.Context, key string) (stored string, err error) {
	defer func(start time.Time) { m.observe("set_device_key", start, err) }(time.Now())
	return m.storage.SetDeviceKeyIfAbsent(ctx, key)
}

func (m *Manager) GetAgentStats(ctx context.Context, agentID string) (stats *models.AgentStats, err error) {
	defer func(start time.Time) { m.observe("get_stats", start, err) }(time.Now())
	return m.storage.GetAgentStats(ctx, agentID)
}

func (m *Manager) IncrementAgentStats(ctx context.Context, agentID string, failed bool) (err error) {
	defer func(start time.Time) { m.observe("increment_stats", start, err) }(time.Now())
	return m.storage.IncrementAgentStats(ctx, agentID, failed)
}

func (m *Manager) GetEnabledModels(ctx context.Context) (ids []string, err error) {
	defer func(start time.Time) { m.observe("get_models", start, err) }(time.Now())
	return m.storage.GetEnabledModels(ctx)
}

func (m *Manager) SaveEnabledModels(ctx context.Context, ids []string) (err error) {
	defer func(start time.Time) { m.observe("save_models", start, err) }(time.Now())
	return m.storage.SaveEnabledModels(ctx, ids)
}

// Close releases the backend
func (m *Manager) Close() error {
	return m.storage.Close()
}
