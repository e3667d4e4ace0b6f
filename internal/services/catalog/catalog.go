package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pet-ai-gateway-go/internal/config"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
)

// ModelStore persists the enabled-model override
type ModelStore interface {
	GetEnabledModels(ctx context.Context) ([]string, error)
	SaveEnabledModels(ctx context.Context, ids []string) error
}

// Catalog manages the list of OpenRouter models eligible for random selection.
// The configured list applies until an override is stored.
type Catalog struct {
	store        ModelStore
	base         []string
	defaultModel string
	logger       *logrus.Logger
	mu           sync.RWMutex
	listeners    []func([]string)
}

// New creates a catalog backed by store
func New(store ModelStore, cfg *config.OpenRouterConfig, logger *logrus.Logger) *Catalog {
	return &Catalog{
		store:        store,
		base:         normalize(cfg.EnabledModels),
		defaultModel: cfg.DefaultModel,
		logger:       logger,
	}
}

// DefaultModel returns the model used when no other choice applies
func (c *Catalog) DefaultModel() string {
	return c.defaultModel
}

// EnabledModels returns the stored override, or the configured list when none is stored.
func (c *Catalog) EnabledModels(ctx context.Context) ([]string, error) {
	ids, err := c.store.GetEnabledModels(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to get enabled models, using base config")
		return append([]string(nil), c.base...), nil
	}
	if len(ids) == 0 {
		return append([]string(nil), c.base...), nil
	}
	return ids, nil
}

// SetEnabledModels replaces the enabled list
func (c *Catalog) SetEnabledModels(ctx context.Context, ids []string) error {
	cleaned := normalize(ids)
	if err := validate(cleaned); err != nil {
		return err
	}

	if err := c.store.SaveEnabledModels(ctx, cleaned); err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, err, "save enabled models")
	}

	c.notifyChange(cleaned)

	c.logger.WithField("count", len(cleaned)).Info("Updated enabled models")
	return nil
}

// Contains reports whether id is enabled
func (c *Catalog) Contains(ctx context.Context, id string) bool {
	ids, _ := c.EnabledModels(ctx)
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// RegisterChangeListener registers a callback for catalog changes
func (c *Catalog) RegisterChangeListener(listener func([]string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

func (c *Catalog) notifyChange(ids []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, listener := range c.listeners {
		go listener(append([]string(nil), ids...))
	}
}

func normalize(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func validate(ids []string) error {
	if len(ids) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "at least one model is required")
	}
	for _, id := range ids {
		if id == models.RandomModel {
			return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("%q cannot be an enabled model", id))
		}
	}
	return nil
}
