// Package ai holds the provider adapters. Every adapter streams a chat
// completion through the same StreamChat call; a nil delta callback asks
// for a plain request/response exchange instead.
package ai

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pet-ai-gateway-go/internal/config"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
)

// DeltaFunc receives each new fragment and the text accumulated so far
type DeltaFunc func(delta, full string)

// Request is one chat exchange
type Request struct {
	Settings *models.ResolvedSettings
	Messages []models.ChatMessage
}

// Adapter is a provider-specific chat client
type Adapter interface {
	Kind() models.Provider
	StreamChat(ctx context.Context, req Request, onDelta DeltaFunc) (string, error)
}

// Registry maps providers to adapters
type Registry struct {
	adapters map[models.Provider]Adapter
}

// NewRegistry creates a registry from adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// NewDefaultRegistry wires the three built-in adapters
func NewDefaultRegistry(cfg *config.ProvidersConfig, client *http.Client, logger *logrus.Logger) *Registry {
	if client == nil {
		client = &http.Client{}
	}
	return NewRegistry(
		NewOpenRouterAdapter(&cfg.OpenRouter, cfg.RequestTimeout, client, logger),
		NewOllamaAdapter(&cfg.Ollama, cfg.RequestTimeout, client, logger),
		NewOpenClawAdapter(&cfg.OpenClaw, logger),
	)
}

// Get returns the adapter for provider
func (r *Registry) Get(provider models.Provider) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("no adapter for provider %q", provider))
	}
	return a, nil
}

// withDeadline applies the request timeout; zero leaves ctx unbounded.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// transportError classifies a failure while talking to a provider. Caller
// cancellation is returned as is so it can be told apart from a deadline.
func transportError(parent, reqCtx context.Context, err error, provider models.Provider) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	if stdErrors.Is(reqCtx.Err(), context.DeadlineExceeded) || stdErrors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeTimeout, err, fmt.Sprintf("%s request timed out", provider))
	}
	return apperrors.Wrap(apperrors.CodeNetwork, err, fmt.Sprintf("%s request failed", provider))
}

// lastUserMessage returns the newest user turn
func lastUserMessage(messages []models.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
