package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements storage using an embedded SQLite database
type SQLiteStorage struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStorage opens (and creates if needed) the database at dbPath
func NewSQLiteStorage(dbPath string, logger *logrus.Logger) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStorage{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_profiles (
		agent_id TEXT PRIMARY KEY,
		profile_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_stats (
		agent_id TEXT PRIMARY KEY,
		total_chats INTEGER NOT NULL DEFAULT 0,
		failed_chats INTEGER NOT NULL DEFAULT 0,
		last_chat_at INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStorage) GetProfile(ctx context.Context, agentID string) (*models.AgentProfile, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_json FROM agent_profiles WHERE agent_id = ?`, agentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}

	var profile models.AgentProfile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &profile, nil
}

func (s *SQLiteStorage) SaveProfile(ctx context.Context, profile *models.AgentProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_profiles (agent_id, profile_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET profile_json = excluded.profile_json, updated_at = excluded.updated_at`,
		profile.ID, string(data), profile.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteProfile(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_profiles WHERE agent_id = ?`, agentID)
	return err
}

func (s *SQLiteStorage) getValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStorage) GetDeviceKey(ctx context.Context) (string, error) {
	return s.getValue(ctx, deviceKeyName)
}

func (s *SQLiteStorage) SetDeviceKeyIfAbsent(ctx context.Context, key string) (string, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO kv (key, value) VALUES (?, ?)`, deviceKeyName, key); err != nil {
		return "", fmt.Errorf("store device key: %w", err)
	}
	return s.getValue(ctx, deviceKeyName)
}

func (s *SQLiteStorage) GetAgentStats(ctx context.Context, agentID string) (*models.AgentStats, error) {
	stats := &models.AgentStats{AgentID: agentID}
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT total_chats, failed_chats, last_chat_at FROM agent_stats WHERE agent_id = ?`, agentID).
		Scan(&stats.TotalChats, &stats.FailedChats, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}
	if err != nil {
		return nil, err
	}
	if last > 0 {
		stats.LastChatAt = time.Unix(last, 0).UTC()
	}
	return stats, nil
}

func (s *SQLiteStorage) IncrementAgentStats(ctx context.Context, agentID string, failed bool) error {
	failedInc := 0
	if failed {
		failedInc = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_stats (agent_id, total_chats, failed_chats, last_chat_at) VALUES (?, 1, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			total_chats = total_chats + 1,
			failed_chats = failed_chats + excluded.failed_chats,
			last_chat_at = excluded.last_chat_at`,
		agentID, failedInc, time.Now().Unix())
	return err
}

func (s *SQLiteStorage) GetEnabledModels(ctx context.Context) ([]string, error) {
	value, err := s.getValue(ctx, "catalog:enabled_models")
	if err != nil || value == "" {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(value), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStorage) SaveEnabledModels(ctx context.Context, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		"catalog:enabled_models", string(data))
	return err
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
