package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/pet-ai-gateway-go/internal/services/chat"
	"github.com/pet-ai-gateway-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

// ChatRequest is the body of the chat endpoints
type ChatRequest struct {
	Messages []models.ChatMessage `json:"messages"`
}

// ChatResponse is the body returned by the plain chat endpoint
type ChatResponse struct {
	Text string `json:"text"`
	HTML string `json:"html,omitempty"`
}

// readChat validates the agent, rate limit and conversation
func (h *Handler) readChat(w http.ResponseWriter, r *http.Request) (string, []models.ChatMessage, error) {
	agentID, err := h.agentID(r)
	if err != nil {
		return "", nil, err
	}
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return "", nil, err
	}
	if err := h.security.ValidateMessages(req.Messages); err != nil {
		return "", nil, err
	}
	if err := h.allow(agentID); err != nil {
		return "", nil, err
	}
	return agentID, req.Messages, nil
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	agentID, messages, err := h.readChat(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	text, err := h.chat.RunChat(r.Context(), agentID, messages)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := ChatResponse{Text: text}
	if r.URL.Query().Get("format") == "html" {
		resp.HTML = markdown.ToHTML(text)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream relays a session as Server-Sent Events, one frame per event
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	agentID, messages, err := h.readChat(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	var opts []chat.StreamOption
	if r.URL.Query().Get("format") == "html" {
		opts = append(opts, chat.WithHTML())
	}

	relay := chat.NewRelay(h.config.Chat.RelayBuffer)
	defer relay.Close()

	result := make(chan error, 1)
	go func() {
		result <- h.chat.RunChatStreaming(r.Context(), agentID, messages, relay, opts...)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case frame := <-relay.Frames():
			data, err := json.Marshal(frame)
			if err != nil {
				h.logger.WithError(err).Error("Failed to encode frame")
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if frame.Terminal() {
				return
			}
		case err := <-result:
			// the session ended without a terminal frame; drain anything buffered
			for {
				select {
				case frame := <-relay.Frames():
					data, _ := json.Marshal(frame)
					fmt.Fprintf(w, "data: %s\n\n", data)
					flusher.Flush()
				default:
					if err != nil {
						h.logger.WithFields(logrus.Fields{"agent_id": agentID}).WithError(err).Debug("Stream ended")
					}
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}
