package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/pet-ai-gateway-go/internal/config"
	"github.com/pet-ai-gateway-go/internal/i18n"
	"github.com/pet-ai-gateway-go/internal/middleware"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/pet-ai-gateway-go/internal/services/ai"
	"github.com/pet-ai-gateway-go/internal/services/catalog"
	"github.com/pet-ai-gateway-go/internal/services/chat"
	"github.com/pet-ai-gateway-go/internal/services/settings"
	"github.com/pet-ai-gateway-go/internal/services/storage"
	"github.com/pet-ai-gateway-go/internal/services/vault"
	"github.com/pet-ai-gateway-go/pkg/logger"
)

// ollamaStub answers every chat with "Hel" then "lo"
func ollamaStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream {
			fmt.Fprintln(w, `{"message":{"content":"**Hello**"},"done":true}`)
			return
		}
		fmt.Fprintln(w, `{"message":{"content":"Hel"}}`)
		fmt.Fprintln(w, `{"message":{"content":"lo"},"done":true}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testAPI struct {
	server *httptest.Server
	store  *storage.Manager
	ollama string
}

func newTestAPI(t *testing.T, rl config.RateLimitConfig) *testAPI {
	t.Helper()
	log := logger.NewNop()
	cfg := &config.Config{
		Vault: config.VaultConfig{PBKDF2Iterations: 1000},
		Providers: config.ProvidersConfig{
			RequestTimeout: 2 * time.Second,
			OpenRouter: config.OpenRouterConfig{
				BaseURL:       "http://127.0.0.1:1",
				DefaultModel:  "m/one",
				EnabledModels: []string{"m/one", "m/two"},
			},
			Ollama: config.OllamaConfig{DefaultModel: "llama3.2"},
			OpenClaw: config.OpenClawConfig{
				IdleTimeout:     time.Second,
				AbsoluteTimeout: 2 * time.Second,
			},
		},
		Chat:      config.ChatConfig{DefaultLocale: "en", DefaultPersonality: "playful", RelayBuffer: 8},
		I18n:      config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en", "zh", "es"}},
		RateLimit: rl,
	}
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		t.Fatalf("localizer: %v", err)
	}
	store := storage.NewManagerWith(storage.NewMemoryStorage(&cfg.Storage.Memory, log), log)
	v := vault.New(store, &cfg.Vault, log)
	cat := catalog.New(store, &cfg.Providers.OpenRouter, log)
	resolver := settings.NewResolver(store, v, cat, localizer, cfg, log)
	coordinator := chat.NewCoordinator(resolver, ai.NewDefaultRegistry(&cfg.Providers, nil, log), store, localizer, log)

	h := NewHandler(cfg, coordinator, store, v, cat, middleware.NewRateLimiter(&cfg.RateLimit, log), log)
	h.SetMetrics(middleware.NewMetrics())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testAPI{server: srv, store: store, ollama: ollamaStub(t).URL}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, a.server.URL+path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (a *testAPI) ollamaAgent(t *testing.T, id string) {
	t.Helper()
	resp, _ := a.do(t, http.MethodPut, "/v1/agents/"+id, map[string]interface{}{
		"chatMode":         "standard",
		"standardProvider": "ollama",
		"ollamaUrl":        a.ollama,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: status %d", resp.StatusCode)
	}
}

var hello = map[string]interface{}{
	"messages": []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, config.RateLimitConfig{})
	resp, body := api.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", resp.StatusCode, body)
	}
}

func TestProfileLifecycle(t *testing.T) {
	api := newTestAPI(t, config.RateLimitConfig{})

	resp, _ := api.do(t, http.MethodGet, "/v1/agents/pet", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d", resp.StatusCode)
	}

	resp, body := api.do(t, http.MethodPut, "/v1/agents/pet", map[string]interface{}{"chatMode": "decorative", "locale": "es"})
	if resp.StatusCode != http.StatusCreated || body["chatMode"] != "off" {
		t.Fatalf("unexpected create %d %v", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodPost, "/v1/agents/pet/secrets", map[string]string{"name": models.SecretOpenRouterKey, "value": "sk-test"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set secret: %d %v", resp.StatusCode, body)
	}
	if _, leaked := body["encryptedSecrets"]; leaked {
		t.Fatalf("ciphertexts must not be returned")
	}
	set, _ := body["secretsSet"].([]interface{})
	if len(set) != 1 || set[0] != models.SecretOpenRouterKey {
		t.Fatalf("unexpected secretsSet %v", body["secretsSet"])
	}

	stored, _ := api.store.GetProfile(context.Background(), "pet")
	if stored.Secret(models.SecretOpenRouterKey) == nil || stored.Secret(models.SecretOpenRouterKey).Data == "sk-test" {
		t.Fatalf("secret must be stored encrypted")
	}

	resp, _ = api.do(t, http.MethodPost, "/v1/agents/pet/secrets", map[string]string{"name": "password", "value": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown secret, got %d", resp.StatusCode)
	}

	resp, _ = api.do(t, http.MethodPut, "/v1/agents/pet", map[string]interface{}{"masterKeyEnabled": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d", resp.StatusCode)
	}
	stored, _ = api.store.GetProfile(context.Background(), "pet")
	if len(stored.Secrets) != 0 {
		t.Fatalf("switching key regime must clear secrets")
	}
}

func TestVaultEndpoints(t *testing.T) {
	api := newTestAPI(t, config.RateLimitConfig{})
	api.do(t, http.MethodPut, "/v1/agents/pet", map[string]interface{}{"masterKeyEnabled": true})

	resp, body := api.do(t, http.MethodPost, "/v1/agents/pet/secrets", map[string]string{"name": models.SecretOpenRouterKey, "value": "sk"})
	if resp.StatusCode != http.StatusLocked || body["errorType"] != "locked" {
		t.Fatalf("expected 423 locked, got %d %v", resp.StatusCode, body)
	}

	resp, _ = api.do(t, http.MethodPost, "/v1/vault/unlock", map[string]string{"passphrase": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty passphrase should be rejected, got %d", resp.StatusCode)
	}
	resp, body = api.do(t, http.MethodPost, "/v1/vault/unlock", map[string]string{"passphrase": "pw"})
	if resp.StatusCode != http.StatusOK || body["unlocked"] != true {
		t.Fatalf("unlock: %d %v", resp.StatusCode, body)
	}
	resp, _ = api.do(t, http.MethodPost, "/v1/agents/pet/secrets", map[string]string{"name": models.SecretOpenRouterKey, "value": "sk"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("secret after unlock: %d", resp.StatusCode)
	}

	api.do(t, http.MethodPost, "/v1/vault/lock", nil)
	_, body = api.do(t, http.MethodGet, "/v1/vault/status", nil)
	if body["unlocked"] != false {
		t.Fatalf("expected locked status, got %v", body)
	}
}

func TestChatLockedAgent(t *testing.T) {
	api := newTestAPI(t, config.RateLimitConfig{})
	api.do(t, http.MethodPut, "/v1/agents/pet", map[string]interface{}{"masterKeyEnabled": true, "chatMode": "standard"})

	resp, body := api.do(t, http.MethodPost, "/v1/agents/pet/chat", hello)
	if resp.StatusCode != http.StatusLocked || body["errorType"] != "locked" || body["code"] != "LOCKED" {
		t.Fatalf("expected locked, got %d %v", resp.StatusCode, body)
	}
}

func TestChatSync(t *testing.T) {
	api := newTestAPI(t, config.RateLimitConfig{})
	api.ollamaAgent(t, "pet")

	resp, body := api.do(t, http.MethodPost, "/v1/agents/pet/chat?format=html", hello)
	if resp.StatusCode != http.StatusOK || body["text"] != "**Hello**" {
		t.Fatalf("unexpected chat %d %v", resp.StatusCode, body)
	}
	if html, _ := body["html"].(string); !strings.Contains(html, "<b>Hello</b>") {
		t.Fatalf("unexpected html %q", body["html"])
	}

	_, stats := api.do(t, http.MethodGet, "/v1/agents/pet/stats", nil)
	if stats["totalChats"] != float64(1) {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestChatValidation(t *testing.T) {
	api := newTestAPI(t, config.RateLimitConfig{})
	api.ollamaAgent(t, "pet")

	resp, _ := api.do(t, http.MethodPost, "/v1/agents/pet/chat", map[string]interface{}{"messages": []models.ChatMessage{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp, _ = api.do(t, http.MethodPost, "/v1/agents/ghost/chat", hello)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestChatRateLimited(t *testing.T) {
	api := newTestAPI(t, config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	api.ollamaAgent(t, "pet")

	resp, _ := api.do(t, http.MethodPost, "/v1/agents/pet/chat", hello)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d", resp.StatusCode)
	}
	resp, _ = api.do(t, http.MethodPost, "/v1/agents/pet/chat", hello)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}

func TestChatStreamSSE(t *testing.T) {
	api := newTestAPI(t, config.RateLimitConfig{})
	api.ollamaAgent(t, "pet")

	data, _ := json.Marshal(hello)
	resp, err := http.Post(api.server.URL+"/v1/agents/pet/chat/stream", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var frames []models.RelayFrame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame models.RelayFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, frame)
	}

	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %+v", frames)
	}
	if frames[0].Type != models.FrameStart || frames[1].Text != "Hel" || frames[2].Text != "lo" {
		t.Fatalf("unexpected frames %+v", frames)
	}
	if frames[3].Type != models.FrameDone || frames[3].Text != "Hello" {
		t.Fatalf("unexpected done frame %+v", frames[3])
	}
}

func TestRelayWebSocket(t *testing.T) {
	api := newTestAPI(t, config.RateLimitConfig{})
	api.ollamaAgent(t, "pet")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(api.server.URL, "http") + "/v1/agents/pet/relay"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() models.RelayFrame {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var frame models.RelayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return frame
	}

	conn.Write(ctx, websocket.MessageText, []byte(`{"type":"dance"}`))
	if f := read(); f.Type != models.FrameError || f.ErrorType != "generic" {
		t.Fatalf("expected protocol error frame, got %+v", f)
	}

	msg, _ := json.Marshal(relayMessage{Type: relayChat, Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, Format: "html"})
	conn.Write(ctx, websocket.MessageText, msg)

	var frames []models.RelayFrame
	for {
		f := read()
		frames = append(frames, f)
		if f.Terminal() {
			break
		}
	}
	last := frames[len(frames)-1]
	if frames[0].Type != models.FrameStart || last.Type != models.FrameDone || last.Text != "Hello" || last.HTML == "" {
		t.Fatalf("unexpected relay frames %+v", frames)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestModelsEndpoints(t *testing.T) {
	api := newTestAPI(t, config.RateLimitConfig{})

	_, body := api.do(t, http.MethodGet, "/v1/models", nil)
	if list, _ := body["models"].([]interface{}); len(list) != 2 || body["default"] != "m/one" {
		t.Fatalf("unexpected models %v", body)
	}

	resp, body := api.do(t, http.MethodPut, "/v1/models", map[string]interface{}{"models": []string{" m/three ", "m/three"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put models: %d %v", resp.StatusCode, body)
	}
	if list, _ := body["models"].([]interface{}); len(list) != 1 || list[0] != "m/three" {
		t.Fatalf("unexpected models after update %v", body)
	}

	resp, _ = api.do(t, http.MethodPut, "/v1/models", map[string]interface{}{"models": []string{"random"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
