// Package handlers exposes the gateway over HTTP: chat (plain, SSE and
// WebSocket relay), agent profiles and secrets, the vault session and the
// model catalog.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pet-ai-gateway-go/internal/config"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/middleware"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/pet-ai-gateway-go/internal/services/chat"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// ChatRunner runs chat sessions
type ChatRunner interface {
	RunChat(ctx context.Context, agentID string, messages []models.ChatMessage) (string, error)
	RunChatStreaming(ctx context.Context, agentID string, messages []models.ChatMessage, relay *chat.Relay, opts ...chat.StreamOption) error
	ErrorMessage(locale string, err error) string
}

// ProfileStore reads and writes agent profiles and stats
type ProfileStore interface {
	GetProfile(ctx context.Context, agentID string) (*models.AgentProfile, error)
	SaveProfile(ctx context.Context, profile *models.AgentProfile) error
	GetAgentStats(ctx context.Context, agentID string) (*models.AgentStats, error)
}

// SecretVault seals secrets and holds the master key session
type SecretVault interface {
	Unlock(passphrase string) error
	Lock()
	Unlocked() bool
	Encrypt(ctx context.Context, plaintext string, masterKeyEnabled bool) (*models.EncryptedSecret, error)
}

// ModelCatalog manages the enabled OpenRouter models
type ModelCatalog interface {
	EnabledModels(ctx context.Context) ([]string, error)
	SetEnabledModels(ctx context.Context, ids []string) error
	DefaultModel() string
}

// Handler serves the gateway API
type Handler struct {
	config      *config.Config
	chat        ChatRunner
	profiles    ProfileStore
	vault       SecretVault
	catalog     ModelCatalog
	rateLimiter middleware.RateLimiter
	security    *middleware.SecurityMiddleware
	metrics     *middleware.Metrics
	logger      *logrus.Logger
}

// NewHandler creates the API handler
func NewHandler(
	cfg *config.Config,
	chat ChatRunner,
	profiles ProfileStore,
	vault SecretVault,
	catalog ModelCatalog,
	rateLimiter middleware.RateLimiter,
	logger *logrus.Logger,
) *Handler {
	return &Handler{
		config:      cfg,
		chat:        chat,
		profiles:    profiles,
		vault:       vault,
		catalog:     catalog,
		rateLimiter: rateLimiter,
		security:    middleware.NewSecurityMiddleware(logger),
		logger:      logger,
	}
}

// SetMetrics enables request and rate limit metrics
func (h *Handler) SetMetrics(metrics *middleware.Metrics) {
	h.metrics = metrics
}

// Router builds the mux router for the API
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	if h.metrics != nil {
		r.Use(h.metrics.Instrument)
	}

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/agents/{id}/chat", h.handleChat).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{id}/chat/stream", h.handleChatStream).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{id}/relay", h.handleRelay).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}", h.getProfile).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}", h.putProfile).Methods(http.MethodPut)
	v1.HandleFunc("/agents/{id}/secrets", h.putSecret).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{id}/stats", h.getStats).Methods(http.MethodGet)

	v1.HandleFunc("/vault/unlock", h.unlockVault).Methods(http.MethodPost)
	v1.HandleFunc("/vault/lock", h.lockVault).Methods(http.MethodPost)
	v1.HandleFunc("/vault/status", h.vaultStatus).Methods(http.MethodGet)

	v1.HandleFunc("/models", h.getModels).Methods(http.MethodGet)
	v1.HandleFunc("/models", h.putModels).Methods(http.MethodPut)
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// agentID returns the sanitized {id} path variable
func (h *Handler) agentID(r *http.Request) (string, error) {
	return h.security.SanitizeAgentID(mux.Vars(r)["id"])
}

// allow applies the per-agent rate limit
func (h *Handler) allow(agentID string) error {
	if h.rateLimiter == nil || h.rateLimiter.Allow(agentID) {
		return nil
	}
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(agentID)
	}
	return apperrors.New(apperrors.CodeRateLimited, "too many requests for this agent")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	ErrorType string `json:"errorType"`
}

// writeError maps err onto its registered HTTP status
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusOf(err)
	entry := h.logger.WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
		"code":   apperrors.CodeOf(err),
	})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("Request failed")
	} else {
		entry.WithError(err).Debug("Request rejected")
	}

	writeJSON(w, status, errorResponse{
		Error:     errorMessage(err),
		Code:      string(apperrors.CodeOf(err)),
		ErrorType: apperrors.ErrorTypeOf(err),
	})
}
