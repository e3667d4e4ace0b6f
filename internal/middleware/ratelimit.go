package middleware

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pet-ai-gateway-go/internal/config"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(agentID string) bool
}

// AgentRateLimiter implements per-agent rate limiting
type AgentRateLimiter struct {
	enabled         bool
	limiters        map[string]*rate.Limiter
	mu              sync.RWMutex
	rpm             int
	burst           int
	logger          *logrus.Logger
	cleanupInterval time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) RateLimiter {
	if !cfg.Enabled {
		return &AgentRateLimiter{enabled: false}
	}

	rl := &AgentRateLimiter{
		enabled:         true,
		limiters:        make(map[string]*rate.Limiter),
		rpm:             cfg.RequestsPerMinute,
		burst:           cfg.Burst,
		logger:          logger,
		cleanupInterval: 1 * time.Hour,
	}

	// Start cleanup goroutine
	go rl.cleanup()

	return rl
}

// Allow checks if an agent is allowed to make a request
func (r *AgentRateLimiter) Allow(agentID string) bool {
	if !r.enabled {
		return true
	}

	limiter := r.getLimiter(agentID)
	allowed := limiter.Allow()

	if !allowed {
		r.logger.WithFields(logrus.Fields{
			"agent_id": agentID,
		}).Warn("Rate limit exceeded")
	}

	return allowed
}

// getLimiter gets or creates a rate limiter for an agent
func (r *AgentRateLimiter) getLimiter(agentID string) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[agentID]
	r.mu.RUnlock()

	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := r.limiters[agentID]; exists {
		return limiter
	}

	// Rate per second = RPM / 60
	rps := float64(r.rpm) / 60.0
	limiter = rate.NewLimiter(rate.Limit(rps), r.burst)
	r.limiters[agentID] = limiter

	return limiter
}

// cleanup removes inactive limiters
func (r *AgentRateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		if len(r.limiters) > 10000 {
			r.logger.Warn("Rate limiter map size exceeded threshold, clearing")
			r.limiters = make(map[string]*rate.Limiter)
		}
		r.mu.Unlock()
	}
}

const (
	maxMessages      = 64
	maxMessageLength = 8192
)

// SecurityMiddleware provides input checks on chat requests
type SecurityMiddleware struct {
	logger *logrus.Logger
}

// NewSecurityMiddleware creates security middleware
func NewSecurityMiddleware(logger *logrus.Logger) *SecurityMiddleware {
	return &SecurityMiddleware{
		logger: logger,
	}
}

// ValidateMessages checks a conversation before it reaches a provider
func (s *SecurityMiddleware) ValidateMessages(messages []models.ChatMessage) error {
	if len(messages) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "messages must not be empty")
	}
	if len(messages) > maxMessages {
		return apperrors.New(apperrors.CodeInvalidArgument, "too many messages")
	}

	hasUser := false
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			hasUser = true
		case models.RoleAssistant, models.RoleSystem:
		default:
			return apperrors.New(apperrors.CodeInvalidArgument, "unknown message role: "+msg.Role)
		}
		if len(msg.Content) > maxMessageLength {
			return apperrors.New(apperrors.CodeInvalidArgument, "message too long")
		}
		if !utf8.ValidString(msg.Content) {
			return apperrors.New(apperrors.CodeInvalidArgument, "message is not valid UTF-8")
		}
	}
	if !hasUser {
		return apperrors.New(apperrors.CodeInvalidArgument, "at least one user message is required")
	}
	return nil
}

// SanitizeAgentID trims an agent id and rejects path-like values
func (s *SecurityMiddleware) SanitizeAgentID(agentID string) (string, error) {
	id := strings.TrimSpace(agentID)
	if id == "" || len(id) > 128 || strings.ContainsAny(id, "/\\ \t\n") {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "invalid agent id")
	}
	return id, nil
}
