// Package chat runs chat sessions: it resolves an agent's settings, picks
// the provider adapter, relays streamed output and applies the single
// non-streaming fallback when a streaming attempt fails.
package chat

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/i18n"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/pet-ai-gateway-go/internal/services/ai"
	"github.com/pet-ai-gateway-go/pkg/logger"
	"github.com/pet-ai-gateway-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

// SettingsResolver produces per-request settings
type SettingsResolver interface {
	Resolve(ctx context.Context, agentID string) (*models.ResolvedSettings, error)
}

// AdapterSource looks up the adapter for a provider
type AdapterSource interface {
	Get(provider models.Provider) (ai.Adapter, error)
}

// StatsStore records per-agent outcomes
type StatsStore interface {
	IncrementAgentStats(ctx context.Context, agentID string, failed bool) error
}

// Recorder receives chat metrics
type Recorder interface {
	RecordChat(provider, status string, duration time.Duration)
	RecordFallback(provider string)
	RecordDelta(provider string)
	RecordLocked()
	SessionStarted()
	SessionEnded()
}

type nopRecorder struct{}

func (nopRecorder) RecordChat(string, string, time.Duration) {}
func (nopRecorder) RecordFallback(string)                    {}
func (nopRecorder) RecordDelta(string)                       {}
func (nopRecorder) RecordLocked()                            {}
func (nopRecorder) SessionStarted()                          {}
func (nopRecorder) SessionEnded()                            {}

// Coordinator is the single entry point for chat requests
type Coordinator struct {
	resolver  SettingsResolver
	adapters  AdapterSource
	stats     StatsStore
	localizer *i18n.Localizer
	recorder  Recorder
	logger    *logrus.Logger
}

// NewCoordinator creates a coordinator
func NewCoordinator(resolver SettingsResolver, adapters AdapterSource, stats StatsStore, localizer *i18n.Localizer, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		resolver:  resolver,
		adapters:  adapters,
		stats:     stats,
		localizer: localizer,
		recorder:  nopRecorder{},
		logger:    logger,
	}
}

// SetRecorder installs a metrics recorder
func (c *Coordinator) SetRecorder(recorder Recorder) {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	c.recorder = recorder
}

// StreamOption adjusts a streaming run
type StreamOption func(*streamOptions)

type streamOptions struct {
	html bool
}

// WithHTML adds rendered HTML to the done frame
func WithHTML() StreamOption {
	return func(o *streamOptions) { o.html = true }
}

// prepare resolves settings and the adapter. It never touches the network.
func (c *Coordinator) prepare(ctx context.Context, agentID string) (*models.ResolvedSettings, ai.Adapter, error) {
	settings, err := c.resolver.Resolve(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	if settings.Locked {
		c.recorder.RecordLocked()
		return settings, nil, apperrors.New(apperrors.CodeLocked, "")
	}
	if settings.ChatMode == models.ChatModeOff {
		return settings, nil, apperrors.New(apperrors.CodeChatDisabled, "")
	}
	adapter, err := c.adapters.Get(settings.Provider)
	if err != nil {
		return settings, nil, err
	}
	return settings, adapter, nil
}

// RunChat runs one non-streaming exchange and returns the final text
func (c *Coordinator) RunChat(ctx context.Context, agentID string, messages []models.ChatMessage) (string, error) {
	start := time.Now()

	settings, adapter, err := c.prepare(ctx, agentID)
	if err != nil {
		c.finish(ctx, agentID, settings, start, err)
		return "", err
	}

	text, err := adapter.StreamChat(ctx, ai.Request{
		Settings: settings,
		Messages: withSystemPrompt(settings.SystemPrompt, messages),
	}, nil)
	c.finish(ctx, agentID, settings, start, err)
	if err != nil {
		return "", err
	}
	return text, nil
}

// RunChatStreaming runs one exchange on relay. It emits a start frame,
// zero or more delta frames and exactly one terminal frame, unless the
// relay is already busy, in which case it returns CONFLICT and emits
// nothing. Closing the relay cancels the session.
func (c *Coordinator) RunChatStreaming(ctx context.Context, agentID string, messages []models.ChatMessage, relay *Relay, opts ...StreamOption) error {
	var options streamOptions
	for _, opt := range opts {
		opt(&options)
	}

	if err := relay.acquire(); err != nil {
		return err
	}
	c.recorder.SessionStarted()
	end := sync.OnceFunc(func() {
		relay.release()
		c.recorder.SessionEnded()
	})
	defer end()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-relay.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	settings, adapter, err := c.prepare(ctx, agentID)

	// terminate ends the session before its terminal frame goes out, so a
	// consumer reacting to done or error can start the next one at once.
	terminate := func(frame models.RelayFrame, err error) {
		c.finish(ctx, agentID, settings, start, err)
		end()
		relay.send(frame)
	}

	if err != nil {
		session := newStreamSession("")
		session.finish(StateErrored, "")
		terminate(c.errorFrame(session, settings, err), err)
		return err
	}

	session := newStreamSession(adapter.Kind())
	log := logger.WithSession(c.logger, agentID, session.ID).WithField("provider", adapter.Kind())

	relay.send(models.RelayFrame{Type: models.FrameStart, SessionID: session.ID, Provider: string(adapter.Kind())})

	req := ai.Request{Settings: settings, Messages: withSystemPrompt(settings.SystemPrompt, messages)}
	onDelta := func(delta, full string) {
		if ctx.Err() != nil {
			return
		}
		session.update(full)
		c.recorder.RecordDelta(string(adapter.Kind()))
		if !relay.send(models.RelayFrame{Type: models.FrameDelta, SessionID: session.ID, Text: delta, Full: full}) {
			cancel()
		}
	}

	text, err := adapter.StreamChat(ctx, req, onDelta)
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("Streaming failed, retrying without streaming")
		c.recorder.RecordFallback(string(adapter.Kind()))
		text, err = adapter.StreamChat(ctx, req, nil)
	}
	session.finalizing()

	if ctx.Err() != nil && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if !session.finish(StateErrored, "") {
			return err
		}
		if stdErrors.Is(err, context.Canceled) && relay.Closed() {
			log.Debug("Relay closed, session cancelled")
			c.finish(ctx, agentID, settings, start, err)
			return err
		}
		terminate(c.errorFrame(session, settings, err), err)
		return err
	}

	if session.finish(StateDone, text) {
		frame := models.RelayFrame{Type: models.FrameDone, SessionID: session.ID, Text: text}
		if options.html {
			frame.HTML = markdown.ToHTML(text)
		}
		terminate(frame, nil)
	}
	log.WithField("chars", len(text)).Debug("Session done")
	return nil
}

func (c *Coordinator) errorFrame(session *StreamSession, settings *models.ResolvedSettings, err error) models.RelayFrame {
	locale := ""
	if settings != nil {
		locale = settings.Locale
	}
	return models.RelayFrame{
		Type:      models.FrameError,
		SessionID: session.ID,
		Error:     c.ErrorMessage(locale, err),
		ErrorType: apperrors.ErrorTypeOf(err),
	}
}

// ErrorMessage returns the user-facing text for err in locale
func (c *Coordinator) ErrorMessage(locale string, err error) string {
	id := i18n.MsgErrorGeneric
	switch apperrors.CodeOf(err) {
	case apperrors.CodeLocked:
		id = i18n.MsgErrorLocked
	case apperrors.CodeNoCredits:
		id = i18n.MsgErrorNoCredits
	case apperrors.CodeNoResponse:
		id = i18n.MsgErrorNoResponse
	case apperrors.CodeAuth:
		id = i18n.MsgErrorAuth
	case apperrors.CodeRateLimited:
		id = i18n.MsgErrorRateLimited
	case apperrors.CodeTimeout:
		id = i18n.MsgErrorTimeout
	case apperrors.CodeChatDisabled:
		id = i18n.MsgChatDisabled
	}
	return c.localizer.Get(locale, id, nil)
}

// finish records metrics and stats for a completed session
func (c *Coordinator) finish(ctx context.Context, agentID string, settings *models.ResolvedSettings, start time.Time, err error) {
	provider := "unknown"
	if settings != nil {
		provider = string(settings.Provider)
	}
	status := "success"
	if err != nil {
		status = string(apperrors.CodeOf(err))
		if stdErrors.Is(err, context.Canceled) {
			status = "cancelled"
		}
	}
	c.recorder.RecordChat(provider, status, time.Since(start))

	// unknown agents have nothing to count against
	if apperrors.CodeOf(err) == apperrors.CodeNotFound {
		return
	}
	if statErr := c.stats.IncrementAgentStats(context.WithoutCancel(ctx), agentID, err != nil); statErr != nil {
		c.logger.WithError(statErr).WithField("agent_id", agentID).Warn("Failed to update agent stats")
	}
}

func withSystemPrompt(prompt string, messages []models.ChatMessage) []models.ChatMessage {
	if prompt == "" {
		return messages
	}
	out := make([]models.ChatMessage, 0, len(messages)+1)
	out = append(out, models.ChatMessage{Role: models.RoleSystem, Content: prompt})
	return append(out, messages...)
}
