// Package settings turns a stored agent profile into the per-request
// settings an adapter needs.
package settings

import (
	"context"
	"math/rand"
	"strings"
	"sync"

	"github.com/pet-ai-gateway-go/internal/config"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/i18n"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
)

// ProfileStore reads and writes agent profiles
type ProfileStore interface {
	GetProfile(ctx context.Context, agentID string) (*models.AgentProfile, error)
	SaveProfile(ctx context.Context, profile *models.AgentProfile) error
}

// SecretOpener is the vault surface the resolver needs
type SecretOpener interface {
	Unlocked() bool
	Decrypt(ctx context.Context, secret *models.EncryptedSecret, masterKeyEnabled bool) (string, error)
}

// ModelCatalog supplies the models eligible for random selection
type ModelCatalog interface {
	EnabledModels(ctx context.Context) ([]string, error)
	DefaultModel() string
}

// Resolver builds ResolvedSettings
type Resolver struct {
	store     ProfileStore
	vault     SecretOpener
	catalog   ModelCatalog
	prompts   *PromptBuilder
	localizer *i18n.Localizer
	providers config.ProvidersConfig
	locale    string
	logger    *logrus.Logger

	// serializes random-model resolution so concurrent requests agree
	randomMu sync.Mutex
	intn     func(n int) int
}

// NewResolver creates a resolver
func NewResolver(
	store ProfileStore,
	vault SecretOpener,
	catalog ModelCatalog,
	localizer *i18n.Localizer,
	cfg *config.Config,
	logger *logrus.Logger,
) *Resolver {
	return &Resolver{
		store:     store,
		vault:     vault,
		catalog:   catalog,
		prompts:   NewPromptBuilder(cfg.Chat.Personalities, cfg.Chat.DefaultPersonality, localizer),
		localizer: localizer,
		providers: cfg.Providers,
		locale:    cfg.Chat.DefaultLocale,
		logger:    logger,
		intn:      rand.Intn,
	}
}

// SetRandom replaces the random source used for model selection
func (r *Resolver) SetRandom(intn func(n int) int) {
	r.intn = intn
}

// Prompts exposes the prompt builder
func (r *Resolver) Prompts() *PromptBuilder {
	return r.prompts
}

// Resolve produces the settings for one chat request. A locked result
// carries no plaintext secrets.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (*models.ResolvedSettings, error) {
	profile, err := r.store.GetProfile(ctx, agentID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, err, "load agent profile")
	}
	if profile == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "agent "+agentID+" not found")
	}

	mode := models.NormalizeChatMode(profile.ChatMode)
	settings := &models.ResolvedSettings{
		AgentID:  agentID,
		ChatMode: mode,
		Provider: providerFor(mode, profile),
		Locale:   r.localizer.Match(firstNonEmpty(profile.Locale, r.locale)),
	}

	if mode == models.ChatModeOff {
		return settings, nil
	}

	if profile.MasterKeyEnabled && !r.vault.Unlocked() && needsSecret(settings.Provider) {
		settings.Locked = true
		return settings, nil
	}

	if err := r.decryptSecrets(ctx, profile, settings); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeLocked {
			return &models.ResolvedSettings{
				AgentID:  settings.AgentID,
				ChatMode: settings.ChatMode,
				Provider: settings.Provider,
				Locale:   settings.Locale,
				Locked:   true,
			}, nil
		}
		return nil, err
	}

	switch settings.Provider {
	case models.ProviderOpenRouter:
		model, err := r.resolveModel(ctx, profile)
		if err != nil {
			return nil, err
		}
		settings.Model = model
	case models.ProviderOllama:
		settings.Model = firstNonEmpty(profile.OllamaModel, r.providers.Ollama.DefaultModel)
		settings.OllamaURL = strings.TrimRight(firstNonEmpty(profile.OllamaURL, r.providers.Ollama.DefaultURL), "/")
	case models.ProviderOpenClaw:
		settings.GatewayURL = profile.GatewayURL
	}

	settings.SystemPrompt = r.prompts.Build(profile.PersonalityKey, settings.Locale, mode)

	r.logger.WithFields(logrus.Fields(settings.Redacted())).Debug("Resolved settings")
	return settings, nil
}

func (r *Resolver) decryptSecrets(ctx context.Context, profile *models.AgentProfile, settings *models.ResolvedSettings) error {
	var (
		name   string
		target *string
	)
	switch settings.Provider {
	case models.ProviderOpenRouter:
		name, target = models.SecretOpenRouterKey, &settings.APIKey
	case models.ProviderOpenClaw:
		name, target = models.SecretOpenClawToken, &settings.GatewayToken
	default:
		return nil
	}

	secret := profile.Secret(name)
	if secret == nil || secret.Data == "" {
		return nil
	}

	plaintext, err := r.vault.Decrypt(ctx, secret, profile.MasterKeyEnabled)
	if err != nil {
		// A stale or wrong session passphrase reads the same as no passphrase.
		if profile.MasterKeyEnabled && apperrors.CodeOf(err) == apperrors.CodeDecrypt {
			r.logger.WithField("agent_id", profile.ID).Warn("Master-key secret did not decrypt, treating vault as locked")
			return apperrors.Wrap(apperrors.CodeLocked, err, "")
		}
		return err
	}
	*target = plaintext
	return nil
}

func (r *Resolver) resolveModel(ctx context.Context, profile *models.AgentProfile) (string, error) {
	model := strings.TrimSpace(profile.Model)
	switch model {
	case "":
		return r.catalog.DefaultModel(), nil
	case models.RandomModel:
		return r.resolveRandomModel(ctx, profile.ID)
	default:
		return model, nil
	}
}

// resolveRandomModel picks a model once and stores it on the profile so
// later requests reuse it.
func (r *Resolver) resolveRandomModel(ctx context.Context, agentID string) (string, error) {
	r.randomMu.Lock()
	defer r.randomMu.Unlock()

	// Re-read under the lock; a concurrent request may have resolved it already.
	profile, err := r.store.GetProfile(ctx, agentID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorage, err, "reload agent profile")
	}
	if profile == nil {
		return "", apperrors.New(apperrors.CodeNotFound, "agent "+agentID+" not found")
	}
	if profile.Model != models.RandomModel && strings.TrimSpace(profile.Model) != "" {
		return profile.Model, nil
	}

	enabled, err := r.catalog.EnabledModels(ctx)
	if err != nil {
		r.logger.WithError(err).WithField("agent_id", agentID).Warn("Failed to list enabled models, using default model")
		return r.catalog.DefaultModel(), nil
	}
	if len(enabled) == 0 {
		return r.catalog.DefaultModel(), nil
	}
	choice := enabled[r.intn(len(enabled))]

	// Profile writes are last-writer-wins. The copy saved here was read under
	// randomMu just above, so only a PUT landing between that read and this
	// save can be overwritten.
	profile.Model = choice
	if err := r.store.SaveProfile(ctx, profile); err != nil {
		r.logger.WithError(err).WithField("agent_id", agentID).Warn("Failed to persist random model choice")
	} else {
		r.logger.WithFields(logrus.Fields{"agent_id": agentID, "model": choice}).Info("Resolved random model")
	}
	return choice, nil
}

func providerFor(mode models.ChatMode, profile *models.AgentProfile) models.Provider {
	if mode == models.ChatModeAgent {
		return models.ProviderOpenClaw
	}
	return models.NormalizeStandardProvider(profile.StandardProvider)
}

// needsSecret reports whether provider cannot run without a decrypted secret.
func needsSecret(provider models.Provider) bool {
	return provider == models.ProviderOpenRouter || provider == models.ProviderOpenClaw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
