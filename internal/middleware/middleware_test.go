package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/pet-ai-gateway-go/internal/config"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/pet-ai-gateway-go/pkg/logger"
)

func TestRateLimiterPerAgent(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}, logger.NewNop())

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("burst should admit two requests")
	}
	if rl.Allow("a") {
		t.Fatalf("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatalf("other agents have their own budget")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{Enabled: false}, logger.NewNop())
	for i := 0; i < 100; i++ {
		if !rl.Allow("a") {
			t.Fatalf("disabled limiter must allow everything")
		}
	}
}

func TestValidateMessages(t *testing.T) {
	s := NewSecurityMiddleware(logger.NewNop())
	ok := []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}
	if err := s.ValidateMessages(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := [][]models.ChatMessage{
		nil,
		{{Role: models.RoleAssistant, Content: "hi"}},
		{{Role: "tool", Content: "hi"}},
		{{Role: models.RoleUser, Content: strings.Repeat("x", maxMessageLength+1)}},
	}
	for _, msgs := range bad {
		if apperrors.CodeOf(s.ValidateMessages(msgs)) != apperrors.CodeInvalidArgument {
			t.Errorf("expected INVALID_ARGUMENT for %v", msgs)
		}
	}
}

func TestSanitizeAgentID(t *testing.T) {
	s := NewSecurityMiddleware(logger.NewNop())
	if id, err := s.SanitizeAgentID("  pet-1 "); err != nil || id != "pet-1" {
		t.Fatalf("got %q, %v", id, err)
	}
	for _, bad := range []string{"", "a/b", "a b"} {
		if _, err := s.SanitizeAgentID(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestInstrumentKeepsStatus(t *testing.T) {
	m := NewMetrics()
	router := mux.NewRouter()
	router.Use(m.Instrument)
	router.HandleFunc("/v1/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestMetricsServerHealth(t *testing.T) {
	srv := NewMetricsServer(0, "/metrics")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "pet_gateway_") {
		t.Fatalf("metrics output missing gateway collectors")
	}
}
