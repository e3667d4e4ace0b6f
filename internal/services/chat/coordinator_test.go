package chat

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pet-ai-gateway-go/internal/config"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/i18n"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/pet-ai-gateway-go/internal/services/ai"
	"github.com/pet-ai-gateway-go/internal/services/catalog"
	"github.com/pet-ai-gateway-go/internal/services/settings"
	"github.com/pet-ai-gateway-go/internal/services/storage"
	"github.com/pet-ai-gateway-go/internal/services/vault"
	"github.com/pet-ai-gateway-go/pkg/logger"
)

type env struct {
	cfg         *config.Config
	store       *storage.Manager
	vault       *vault.Vault
	resolver    *settings.Resolver
	localizer   *i18n.Localizer
	coordinator *Coordinator
}

// newEnv wires the real resolver and vault over memory storage. A nil
// registry uses the built-in adapters.
func newEnv(t *testing.T, registry AdapterSource) *env {
	t.Helper()
	log := logger.NewNop()
	cfg := &config.Config{
		Vault: config.VaultConfig{PBKDF2Iterations: 1000},
		Providers: config.ProvidersConfig{
			RequestTimeout: 2 * time.Second,
			OpenRouter: config.OpenRouterConfig{
				MaxTokens:     256,
				Temperature:   0.8,
				DefaultModel:  "m/one",
				EnabledModels: []string{"m/one"},
			},
			Ollama: config.OllamaConfig{DefaultModel: "llama3.2"},
			OpenClaw: config.OpenClawConfig{
				IdleTimeout:     time.Second,
				AbsoluteTimeout: 2 * time.Second,
			},
		},
		Chat: config.ChatConfig{DefaultLocale: "en", DefaultPersonality: "playful"},
		I18n: config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en", "zh", "es"}},
	}
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		t.Fatalf("localizer: %v", err)
	}
	store := storage.NewManagerWith(storage.NewMemoryStorage(&cfg.Storage.Memory, log), log)
	v := vault.New(store, &cfg.Vault, log)
	resolver := settings.NewResolver(store, v, catalog.New(store, &cfg.Providers.OpenRouter, log), localizer, cfg, log)
	if registry == nil {
		registry = ai.NewDefaultRegistry(&cfg.Providers, http.DefaultClient, log)
	}
	return &env{
		cfg:         cfg,
		store:       store,
		vault:       v,
		resolver:    resolver,
		localizer:   localizer,
		coordinator: NewCoordinator(resolver, registry, store, localizer, log),
	}
}

func (e *env) save(t *testing.T, p *models.AgentProfile) {
	t.Helper()
	if err := e.store.SaveProfile(context.Background(), p); err != nil {
		t.Fatalf("save profile: %v", err)
	}
}

// collect reads frames until a terminal frame or the timeout.
func collect(t *testing.T, relay *Relay, timeout time.Duration) []models.RelayFrame {
	t.Helper()
	var frames []models.RelayFrame
	deadline := time.After(timeout)
	for {
		select {
		case f := <-relay.Frames():
			frames = append(frames, f)
			if f.Terminal() {
				return frames
			}
		case <-deadline:
			return frames
		}
	}
}

// scriptedAdapter returns canned results and counts calls per mode.
type scriptedAdapter struct {
	kind        models.Provider
	streamCalls int32
	plainCalls  int32
	stream      func(ctx context.Context, onDelta ai.DeltaFunc) (string, error)
	plain       func(ctx context.Context) (string, error)
}

func (a *scriptedAdapter) Kind() models.Provider { return a.kind }

func (a *scriptedAdapter) StreamChat(ctx context.Context, req ai.Request, onDelta ai.DeltaFunc) (string, error) {
	if onDelta == nil {
		atomic.AddInt32(&a.plainCalls, 1)
		return a.plain(ctx)
	}
	atomic.AddInt32(&a.streamCalls, 1)
	return a.stream(ctx, onDelta)
}

func TestLockedShortCircuitMakesNoNetworkCalls(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	e := newEnv(t, nil)
	secret, _ := vault.EncryptWithPassphrase("pw", "tok", 1000)
	e.save(t, &models.AgentProfile{
		ID:               "pet",
		ChatMode:         "agent",
		GatewayURL:       "ws" + srv.URL[len("http"):],
		MasterKeyEnabled: true,
		Secrets:          map[string]*models.EncryptedSecret{models.SecretOpenClawToken: secret},
	})

	_, err := e.coordinator.RunChat(context.Background(), "pet", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}})
	if !stdErrors.Is(err, apperrors.ErrLocked) {
		t.Fatalf("expected LOCKED, got %v", err)
	}

	relay := NewRelay(8)
	go e.coordinator.RunChatStreaming(context.Background(), "pet", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, relay)
	frames := collect(t, relay, 2*time.Second)
	if len(frames) != 1 || frames[0].Type != models.FrameError || frames[0].ErrorType != apperrors.TypeLocked {
		t.Fatalf("expected a single locked error frame, got %+v", frames)
	}
	if frames[0].Error != e.localizer.Get("en", i18n.MsgErrorLocked, nil) {
		t.Fatalf("expected localized message, got %q", frames[0].Error)
	}

	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Fatalf("expected zero network calls, got %d", n)
	}
}

func TestFallbackRunsOnce(t *testing.T) {
	adapter := &scriptedAdapter{
		kind:   models.ProviderOpenRouter,
		stream: func(ctx context.Context, onDelta ai.DeltaFunc) (string, error) { return "", apperrors.New(apperrors.CodeNetwork, "") },
		plain:  func(ctx context.Context) (string, error) { return "recovered", nil },
	}
	e := newEnv(t, ai.NewRegistry(adapter))
	e.save(t, &models.AgentProfile{ID: "pet", ChatMode: "standard"})

	relay := NewRelay(8)
	err := e.coordinator.RunChatStreaming(context.Background(), "pet", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, relay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	frames := collect(t, relay, time.Second)
	last := frames[len(frames)-1]
	if last.Type != models.FrameDone || last.Text != "recovered" {
		t.Fatalf("expected done frame with fallback text, got %+v", frames)
	}
	if adapter.streamCalls != 1 || adapter.plainCalls != 1 {
		t.Fatalf("expected one streaming and one fallback call, got %d/%d", adapter.streamCalls, adapter.plainCalls)
	}
}

func TestSecondFailurePropagatesAsErrorFrame(t *testing.T) {
	adapter := &scriptedAdapter{
		kind:   models.ProviderOpenRouter,
		stream: func(ctx context.Context, onDelta ai.DeltaFunc) (string, error) { return "", apperrors.New(apperrors.CodeNetwork, "") },
		plain:  func(ctx context.Context) (string, error) { return "", apperrors.New(apperrors.CodeNoCredits, "") },
	}
	e := newEnv(t, ai.NewRegistry(adapter))
	e.save(t, &models.AgentProfile{ID: "pet", ChatMode: "standard"})

	relay := NewRelay(8)
	err := e.coordinator.RunChatStreaming(context.Background(), "pet", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, relay)
	if !stdErrors.Is(err, apperrors.ErrNoCredits) {
		t.Fatalf("expected NO_CREDITS, got %v", err)
	}

	frames := collect(t, relay, time.Second)
	terminal := 0
	for _, f := range frames {
		if f.Terminal() {
			terminal++
		}
	}
	last := frames[len(frames)-1]
	if terminal != 1 || last.Type != models.FrameError || last.ErrorType != apperrors.TypeNoCredits {
		t.Fatalf("expected exactly one no_credits error frame, got %+v", frames)
	}
	if adapter.streamCalls != 1 || adapter.plainCalls != 1 {
		t.Fatalf("fallback must not loop, got %d/%d", adapter.streamCalls, adapter.plainCalls)
	}

	stats, _ := e.store.GetAgentStats(context.Background(), "pet")
	if stats.TotalChats != 1 || stats.FailedChats != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestOllamaEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"Hel"}}`)
		fmt.Fprintln(w, `{"message":{"content":"lo"},"done":true}`)
	}))
	defer srv.Close()

	e := newEnv(t, nil)
	e.save(t, &models.AgentProfile{ID: "pet", ChatMode: "standard", StandardProvider: "ollama", OllamaURL: srv.URL})

	relay := NewRelay(8)
	err := e.coordinator.RunChatStreaming(context.Background(), "pet", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, relay, WithHTML())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := collect(t, relay, time.Second)
	if len(frames) != 4 {
		t.Fatalf("expected start, two deltas and done, got %+v", frames)
	}
	if frames[0].Type != models.FrameStart || frames[0].Provider != string(models.ProviderOllama) {
		t.Fatalf("unexpected start frame %+v", frames[0])
	}
	if frames[1].Text != "Hel" || frames[2].Text != "lo" || frames[2].Full != "Hello" {
		t.Fatalf("unexpected deltas %+v %+v", frames[1], frames[2])
	}
	if frames[3].Type != models.FrameDone || frames[3].Text != "Hello" || frames[3].HTML == "" {
		t.Fatalf("unexpected done frame %+v", frames[3])
	}
	for _, f := range frames {
		if f.SessionID != frames[0].SessionID {
			t.Fatalf("frames carry different session ids")
		}
	}
}

func TestRunChatSync(t *testing.T) {
	var got []models.ChatMessage
	var mu sync.Mutex
	adapter := &scriptedAdapter{
		kind: models.ProviderOllama,
		plain: func(ctx context.Context) (string, error) {
			return "meow", nil
		},
	}
	recording := &recordingAdapter{scriptedAdapter: adapter, mu: &mu, got: &got}
	e := newEnv(t, ai.NewRegistry(recording))
	e.save(t, &models.AgentProfile{ID: "pet", ChatMode: "standard", StandardProvider: "ollama"})

	text, err := e.coordinator.RunChat(context.Background(), "pet", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}})
	if err != nil || text != "meow" {
		t.Fatalf("got %q, %v", text, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Role != models.RoleSystem || got[1].Content != "hi" {
		t.Fatalf("expected system prompt then the user turn, got %+v", got)
	}
}

type recordingAdapter struct {
	*scriptedAdapter
	mu  *sync.Mutex
	got *[]models.ChatMessage
}

func (a *recordingAdapter) StreamChat(ctx context.Context, req ai.Request, onDelta ai.DeltaFunc) (string, error) {
	a.mu.Lock()
	*a.got = req.Messages
	a.mu.Unlock()
	return a.scriptedAdapter.StreamChat(ctx, req, onDelta)
}

func TestChatDisabled(t *testing.T) {
	adapter := &scriptedAdapter{kind: models.ProviderOpenRouter}
	e := newEnv(t, ai.NewRegistry(adapter))
	e.save(t, &models.AgentProfile{ID: "pet", ChatMode: "off"})

	_, err := e.coordinator.RunChat(context.Background(), "pet", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}})
	if !stdErrors.Is(err, apperrors.ErrChatDisabled) {
		t.Fatalf("expected CHAT_DISABLED, got %v", err)
	}
	if adapter.streamCalls+adapter.plainCalls != 0 {
		t.Fatalf("adapter must not be called")
	}
}

func TestRelayCloseCancelsSession(t *testing.T) {
	started := make(chan struct{})
	adapter := &scriptedAdapter{
		kind: models.ProviderOpenRouter,
		stream: func(ctx context.Context, onDelta ai.DeltaFunc) (string, error) {
			onDelta("par", "par")
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
		plain: func(ctx context.Context) (string, error) { return "should not run", nil },
	}
	e := newEnv(t, ai.NewRegistry(adapter))
	e.save(t, &models.AgentProfile{ID: "pet", ChatMode: "standard"})

	relay := NewRelay(8)
	result := make(chan error, 1)
	go func() {
		result <- e.coordinator.RunChatStreaming(context.Background(), "pet", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, relay)
	}()

	<-started
	relay.Close()

	select {
	case err := <-result:
		if !stdErrors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop after relay close")
	}
	if adapter.plainCalls != 0 {
		t.Fatalf("cancelled sessions must not fall back")
	}
	if relay.Busy() {
		t.Fatalf("relay should be released")
	}
}

func TestBusyRelayRejectsSecondSession(t *testing.T) {
	release := make(chan struct{})
	adapter := &scriptedAdapter{
		kind: models.ProviderOpenRouter,
		stream: func(ctx context.Context, onDelta ai.DeltaFunc) (string, error) {
			<-release
			return "first", nil
		},
	}
	e := newEnv(t, ai.NewRegistry(adapter))
	e.save(t, &models.AgentProfile{ID: "pet", ChatMode: "standard"})

	relay := NewRelay(8)
	done := make(chan error, 1)
	go func() {
		done <- e.coordinator.RunChatStreaming(context.Background(), "pet", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, relay)
	}()

	deadline := time.Now().Add(time.Second)
	for !relay.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	err := e.coordinator.RunChatStreaming(context.Background(), "pet", []models.ChatMessage{{Role: models.RoleUser, Content: "again"}}, relay)
	if !stdErrors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first session failed: %v", err)
	}
	frames := collect(t, relay, time.Second)
	last := frames[len(frames)-1]
	if last.Type != models.FrameDone || last.Text != "first" {
		t.Fatalf("expected the first session to finish normally, got %+v", frames)
	}
}

func TestErrorMessageLocalized(t *testing.T) {
	e := newEnv(t, ai.NewRegistry())
	msg := e.coordinator.ErrorMessage("es", apperrors.New(apperrors.CodeNoCredits, ""))
	if msg != e.localizer.Get("es", i18n.MsgErrorNoCredits, nil) {
		t.Fatalf("unexpected message %q", msg)
	}
	if e.coordinator.ErrorMessage("en", stdErrors.New("boom")) != e.localizer.Get("en", i18n.MsgErrorGeneric, nil) {
		t.Fatalf("untagged errors use the generic message")
	}
}

// slowStats delays every stats write.
type slowStats struct {
	StatsStore
	delay time.Duration
}

func (s slowStats) IncrementAgentStats(ctx context.Context, agentID string, failed bool) error {
	time.Sleep(s.delay)
	return s.StatsStore.IncrementAgentStats(ctx, agentID, failed)
}

func TestRelayAcceptsNextSessionAfterDone(t *testing.T) {
	adapter := &scriptedAdapter{
		kind:   models.ProviderOpenRouter,
		stream: func(ctx context.Context, onDelta ai.DeltaFunc) (string, error) { return "ok", nil },
	}
	e := newEnv(t, nil)
	e.save(t, &models.AgentProfile{ID: "pet", ChatMode: "standard"})
	coordinator := NewCoordinator(e.resolver, ai.NewRegistry(adapter), slowStats{StatsStore: e.store, delay: 50 * time.Millisecond}, e.localizer, logger.NewNop())

	relay := NewRelay(8)
	msgs := []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}
	first := make(chan error, 1)
	go func() { first <- coordinator.RunChatStreaming(context.Background(), "pet", msgs, relay) }()

	frames := collect(t, relay, time.Second)
	if len(frames) == 0 || frames[len(frames)-1].Type != models.FrameDone {
		t.Fatalf("expected done frame, got %+v", frames)
	}

	second := make(chan error, 1)
	go func() { second <- coordinator.RunChatStreaming(context.Background(), "pet", msgs, relay) }()
	frames = collect(t, relay, time.Second)
	if len(frames) == 0 || frames[len(frames)-1].Type != models.FrameDone {
		t.Fatalf("expected the follow-up session to finish, got %+v", frames)
	}
	if err := <-second; err != nil {
		t.Fatalf("follow-up session rejected: %v", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first session failed: %v", err)
	}

	stats, _ := e.store.GetAgentStats(context.Background(), "pet")
	if stats.TotalChats != 2 {
		t.Fatalf("stats must be recorded before done is delivered, got %+v", stats)
	}
}

func TestRelayAcceptsNextSessionAfterError(t *testing.T) {
	adapter := &scriptedAdapter{
		kind:   models.ProviderOpenRouter,
		stream: func(ctx context.Context, onDelta ai.DeltaFunc) (string, error) { return "", apperrors.New(apperrors.CodeNetwork, "") },
		plain:  func(ctx context.Context) (string, error) { return "", apperrors.New(apperrors.CodeNoResponse, "") },
	}
	e := newEnv(t, nil)
	e.save(t, &models.AgentProfile{ID: "pet", ChatMode: "standard"})
	coordinator := NewCoordinator(e.resolver, ai.NewRegistry(adapter), slowStats{StatsStore: e.store, delay: 50 * time.Millisecond}, e.localizer, logger.NewNop())

	relay := NewRelay(8)
	msgs := []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}
	go coordinator.RunChatStreaming(context.Background(), "pet", msgs, relay)

	frames := collect(t, relay, time.Second)
	if len(frames) == 0 || frames[len(frames)-1].Type != models.FrameError {
		t.Fatalf("expected error frame, got %+v", frames)
	}
	if relay.Busy() {
		t.Fatalf("relay still busy after the error frame")
	}
}
