package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/pet-ai-gateway-go/internal/services/chat"
)

// Client message types on the relay socket
const (
	relayChat   = "chat"
	relayCancel = "cancel"
)

type relayMessage struct {
	Type     string               `json:"type"`
	Messages []models.ChatMessage `json:"messages,omitempty"`
	Format   string               `json:"format,omitempty"`
}

// handleRelay upgrades to a WebSocket bound to one relay. The client sends
// chat and cancel messages; every frame of every session is written back
// as a JSON text message. Disconnecting cancels the running session.
func (h *Handler) handleRelay(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.agentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.WithError(err).WithField("agent_id", agentID).Error("Failed to accept WebSocket")
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(maxBodyBytes)

	log := h.logger.WithField("agent_id", agentID)
	log.Debug("Relay connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	relay := chat.NewRelay(h.config.Chat.RelayBuffer)
	defer relay.Close()

	notices := make(chan models.RelayFrame, 4)
	notice := func(err error) {
		select {
		case notices <- models.RelayFrame{Type: models.FrameError, Error: errorMessage(err), ErrorType: apperrors.ErrorTypeOf(err)}:
		default:
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeFrames(ctx, ws, relay, notices)
	}()

	cancelSession := context.CancelFunc(func() {})
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.WithError(err).Debug("Relay read failed")
			}
			break
		}

		var msg relayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			notice(apperrors.Wrap(apperrors.CodeInvalidArgument, err, "invalid relay message"))
			continue
		}

		switch msg.Type {
		case relayChat:
			if err := h.security.ValidateMessages(msg.Messages); err != nil {
				notice(err)
				continue
			}
			if relay.Busy() {
				notice(apperrors.New(apperrors.CodeConflict, "a chat session is already running on this relay"))
				continue
			}
			if err := h.allow(agentID); err != nil {
				notice(err)
				continue
			}

			var opts []chat.StreamOption
			if msg.Format == "html" {
				opts = append(opts, chat.WithHTML())
			}
			sessionCtx, sessionCancel := context.WithCancel(ctx)
			cancelSession = sessionCancel
			go func(messages []models.ChatMessage) {
				defer sessionCancel()
				err := h.chat.RunChatStreaming(sessionCtx, agentID, messages, relay, opts...)
				if apperrors.CodeOf(err) == apperrors.CodeConflict {
					notice(err)
				}
			}(msg.Messages)
		case relayCancel:
			cancelSession()
		default:
			notice(apperrors.New(apperrors.CodeInvalidArgument, "unknown relay message type: "+msg.Type))
		}
	}

	relay.Close()
	cancel()
	<-writerDone
	ws.Close(websocket.StatusNormalClosure, "")
	log.Debug("Relay disconnected")
}

// writeFrames forwards relay frames and protocol notices to the socket
func (h *Handler) writeFrames(ctx context.Context, ws *websocket.Conn, relay *chat.Relay, notices <-chan models.RelayFrame) {
	for {
		var frame models.RelayFrame
		select {
		case frame = <-relay.Frames():
		case frame = <-notices:
		case <-ctx.Done():
			return
		}

		data, err := json.Marshal(frame)
		if err != nil {
			h.logger.WithError(err).Error("Failed to encode frame")
			continue
		}
		if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
}

// errorMessage returns the registered message of err without its cause
func errorMessage(err error) string {
	if e, ok := apperrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}
