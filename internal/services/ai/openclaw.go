package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pet-ai-gateway-go/internal/config"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
)

// OpenClawAdapter talks to an OpenClaw gateway over its WebSocket RPC protocol
type OpenClawAdapter struct {
	cfg    config.OpenClawConfig
	logger *logrus.Logger
}

// NewOpenClawAdapter creates a new OpenClaw adapter
func NewOpenClawAdapter(cfg *config.OpenClawConfig, logger *logrus.Logger) *OpenClawAdapter {
	c := *cfg
	if c.ClientID == "" {
		c.ClientID = "gateway-client"
	}
	if c.Role == "" {
		c.Role = "operator"
	}
	if c.SessionKey == "" {
		c.SessionKey = "main"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3500 * time.Millisecond
	}
	if c.AbsoluteTimeout <= 0 {
		c.AbsoluteTimeout = 60 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxProtocol == 0 {
		c.MinProtocol, c.MaxProtocol = 3, 3
	}
	return &OpenClawAdapter{cfg: c, logger: logger}
}

func (a *OpenClawAdapter) Kind() models.Provider {
	return models.ProviderOpenClaw
}

// --- Protocol frames ---

type clawFrame struct {
	Type    string          `json:"type"` // "req", "res", "event"
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *clawError      `json:"error,omitempty"`
}

type clawError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Auth        *connectAuth  `json:"auth,omitempty"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Caps        []string      `json:"caps"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// payloadMeta holds the control fields gateways put next to the text
type payloadMeta struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Done   bool   `json:"done"`
	RunID  string `json:"runId"`
}

func parseMeta(raw json.RawMessage) payloadMeta {
	var meta payloadMeta
	if len(raw) > 0 && raw[0] == '{' {
		_ = json.Unmarshal(raw, &meta)
	}
	return meta
}

func (m payloadMeta) complete() bool {
	switch strings.ToLower(m.Status) {
	case "completed", "ok", "final":
		return true
	}
	return m.Type == "done" || m.Done
}

// --- Session state machine ---

type clawState int

const (
	stateAwaitingChallenge clawState = iota
	stateAuthenticating
	stateStreaming
	stateFinalizing
)

func (s clawState) String() string {
	switch s {
	case stateAwaitingChallenge:
		return "awaiting_challenge"
	case stateAuthenticating:
		return "authenticating"
	case stateStreaming:
		return "streaming"
	default:
		return "finalizing"
	}
}

type clawTrigger int

const (
	triggerChallenge clawTrigger = iota
	triggerHelloOK
	triggerComplete
	triggerIdle
	triggerClosed
)

var clawTransitions = map[clawState]map[clawTrigger]clawState{
	stateAwaitingChallenge: {triggerChallenge: stateAuthenticating},
	stateAuthenticating:    {triggerHelloOK: stateStreaming},
	stateStreaming: {
		triggerComplete: stateFinalizing,
		triggerIdle:     stateFinalizing,
		triggerClosed:   stateFinalizing,
	},
}

type readResult struct {
	data []byte
	err  error
}

type clawSession struct {
	adapter   *OpenClawAdapter
	conn      *websocket.Conn
	token     string
	message   string
	onDelta   DeltaFunc
	logger    *logrus.Entry
	state     clawState
	connectID string
	chatID    string
	pending   map[string]bool
	text      string
}

func (s *clawSession) transition(t clawTrigger) error {
	next, ok := clawTransitions[s.state][t]
	if !ok {
		return fmt.Errorf("openclaw: no transition from %s on trigger %d", s.state, t)
	}
	s.logger.WithFields(logrus.Fields{"from": s.state.String(), "to": next.String()}).Debug("OpenClaw state change")
	s.state = next
	return nil
}

// StreamChat runs one chat exchange: challenge, connect, chat.send, then
// collects events until a completion marker, an idle gap, or socket close.
func (a *OpenClawAdapter) StreamChat(ctx context.Context, req Request, onDelta DeltaFunc) (string, error) {
	settings := req.Settings
	if settings.GatewayURL == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "gateway URL is not configured")
	}
	message := lastUserMessage(req.Messages)
	if message == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "no user message to send")
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.AbsoluteTimeout)
	defer cancel()

	logger := a.logger.WithFields(logrus.Fields{
		"agent_id": settings.AgentID,
		"gateway":  settings.GatewayURL,
	})
	logger.Debug("Connecting to OpenClaw gateway")

	conn, _, err := websocket.Dial(runCtx, settings.GatewayURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if runCtx.Err() != nil {
			return "", apperrors.Wrap(apperrors.CodeTimeout, err, "openclaw connect timed out")
		}
		return "", apperrors.Wrap(apperrors.CodeNetwork, err, "openclaw dial failed")
	}
	conn.SetReadLimit(maxLineSize)
	defer conn.CloseNow()

	s := &clawSession{
		adapter: a,
		conn:    conn,
		token:   settings.GatewayToken,
		message: message,
		onDelta: onDelta,
		logger:  logger,
		state:   stateAwaitingChallenge,
		pending: make(map[string]bool),
	}

	text, err := s.run(ctx, runCtx)
	if err != nil {
		return "", err
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")

	if strings.TrimSpace(text) == "" {
		return "", apperrors.New(apperrors.CodeNoResponse, "")
	}
	return text, nil
}

func (s *clawSession) run(parent, runCtx context.Context) (string, error) {
	frames := make(chan readResult, 16)
	go func() {
		for {
			_, data, err := s.conn.Read(runCtx)
			select {
			case frames <- readResult{data: data, err: err}:
			case <-runCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	handshake := time.NewTimer(s.adapter.cfg.HandshakeTimeout)
	defer handshake.Stop()

	var idle *time.Timer
	var idleC <-chan time.Time
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		if s.state == stateFinalizing {
			return s.text, nil
		}

		select {
		case <-runCtx.Done():
			if err := parent.Err(); err != nil {
				return "", err
			}
			return "", apperrors.New(apperrors.CodeTimeout, "openclaw exchange exceeded its deadline")

		case <-handshake.C:
			if s.state != stateStreaming {
				return "", apperrors.New(apperrors.CodeTimeout, "openclaw handshake timed out")
			}

		case <-idleC:
			s.logger.WithField("chars", len(s.text)).Debug("OpenClaw idle, finalizing")
			if err := s.transition(triggerIdle); err != nil {
				return "", err
			}

		case res := <-frames:
			if res.err != nil {
				return s.closed(parent, runCtx, res.err)
			}
			grew, err := s.handle(runCtx, res.data)
			if err != nil {
				return "", err
			}
			if grew && s.state == stateStreaming {
				if idle != nil {
					idle.Stop()
				}
				idle = time.NewTimer(s.adapter.cfg.IdleTimeout)
				idleC = idle.C
			}
		}
	}
}

// closed handles a read failure. Text gathered so far counts as success.
func (s *clawSession) closed(parent, runCtx context.Context, err error) (string, error) {
	if perr := parent.Err(); perr != nil {
		return "", perr
	}
	if runCtx.Err() != nil {
		return "", apperrors.New(apperrors.CodeTimeout, "openclaw exchange exceeded its deadline")
	}
	if s.text != "" && s.state == stateStreaming {
		_ = s.transition(triggerClosed)
		return s.text, nil
	}

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		return "", apperrors.New(apperrors.CodeNoResponse, "gateway closed the connection without a reply")
	}
	if s.state == stateAuthenticating && status != -1 {
		return "", apperrors.Wrap(apperrors.CodeAuth, err, "gateway closed the connection during authentication")
	}
	return "", apperrors.Wrap(apperrors.CodeConnection, err, "gateway connection closed",
		apperrors.WithMetadata("close_code", fmt.Sprintf("%d", status)))
}

// handle dispatches one inbound frame and reports whether text grew.
func (s *clawSession) handle(ctx context.Context, data []byte) (bool, error) {
	var frame clawFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.WithError(err).Debug("Ignoring malformed gateway frame")
		return false, nil
	}

	switch s.state {
	case stateAwaitingChallenge:
		if frame.Type == "event" && frame.Event == "connect.challenge" {
			if err := s.sendConnect(ctx); err != nil {
				return false, err
			}
			return false, s.transition(triggerChallenge)
		}
		return false, nil

	case stateAuthenticating:
		if frame.Type != "res" || frame.ID != s.connectID {
			return false, nil
		}
		if (frame.OK != nil && !*frame.OK) || frame.Error != nil {
			return false, apperrors.New(apperrors.CodeAuth, "gateway rejected the connect request: "+frameErrorMessage(frame))
		}
		if parseMeta(frame.Payload).Type != "hello-ok" {
			return false, apperrors.New(apperrors.CodeAuth, "gateway did not acknowledge the connect request")
		}
		if err := s.transition(triggerHelloOK); err != nil {
			return false, err
		}
		return false, s.sendChat(ctx)

	case stateStreaming:
		return s.handleStreaming(frame)
	}
	return false, nil
}

func (s *clawSession) handleStreaming(frame clawFrame) (bool, error) {
	meta := parseMeta(frame.Payload)

	switch frame.Type {
	case "res":
		if (frame.OK != nil && !*frame.OK) || frame.Error != nil {
			return false, apperrors.New(apperrors.CodeAPI, "gateway request failed: "+frameErrorMessage(frame))
		}
		fragment := extractText(frame.Payload)
		// An acknowledgement with a run id and no text means the reply follows as events.
		if meta.RunID != "" && fragment == "" {
			s.pending[meta.RunID] = true
		}
		grew := s.merge(fragment)
		if fragment != "" && len(s.pending) == 0 {
			return grew, s.transition(triggerComplete)
		}
		return grew, nil

	case "event":
		if meta.RunID != "" && meta.complete() {
			delete(s.pending, meta.RunID)
		}
		grew := s.merge(extractText(frame.Payload))
		if meta.complete() {
			return grew, s.transition(triggerComplete)
		}
		return grew, nil
	}
	return false, nil
}

// merge folds fragment into the session text and forwards the delta.
func (s *clawSession) merge(fragment string) bool {
	merged, delta := mergeDelta(s.text, fragment)
	if delta == "" {
		return false
	}
	s.text = merged
	if s.onDelta != nil {
		s.onDelta(delta, merged)
	}
	return true
}

func (s *clawSession) sendConnect(ctx context.Context) error {
	cfg := s.adapter.cfg
	params := connectParams{
		MinProtocol: cfg.MinProtocol,
		MaxProtocol: cfg.MaxProtocol,
		Client: connectClient{
			ID:       cfg.ClientID,
			Version:  cfg.ClientVersion,
			Platform: cfg.Platform,
			Mode:     cfg.Mode,
		},
		Role:   cfg.Role,
		Scopes: cfg.Scopes,
		Caps:   []string{},
	}
	if s.token != "" {
		params.Auth = &connectAuth{Token: s.token}
	}
	s.connectID = uuid.New().String()
	return s.write(ctx, clawFrame{Type: "req", ID: s.connectID, Method: "connect", Params: params})
}

func (s *clawSession) sendChat(ctx context.Context) error {
	s.chatID = uuid.New().String()
	return s.write(ctx, clawFrame{
		Type:   "req",
		ID:     s.chatID,
		Method: "chat.send",
		Params: chatSendParams{
			SessionKey:     s.adapter.cfg.SessionKey,
			Message:        s.message,
			IdempotencyKey: uuid.New().String(),
		},
	})
}

func (s *clawSession) write(ctx context.Context, frame clawFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", frame.Method, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return apperrors.Wrap(apperrors.CodeConnection, err, "failed to send "+frame.Method)
	}
	return nil
}

func frameErrorMessage(frame clawFrame) string {
	if frame.Error != nil {
		if frame.Error.Message != "" {
			return frame.Error.Message
		}
		return frame.Error.Code
	}
	return "request not ok"
}
