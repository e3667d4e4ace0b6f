package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pet-ai-gateway-go/internal/config"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
)

// OllamaAdapter talks to a local Ollama server over NDJSON
type OllamaAdapter struct {
	cfg        config.OllamaConfig
	timeout    time.Duration
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewOllamaAdapter creates a new Ollama adapter
func NewOllamaAdapter(cfg *config.OllamaConfig, timeout time.Duration, client *http.Client, logger *logrus.Logger) *OllamaAdapter {
	return &OllamaAdapter{
		cfg:        *cfg,
		timeout:    timeout,
		httpClient: client,
		logger:     logger,
	}
}

func (a *OllamaAdapter) Kind() models.Provider {
	return models.ProviderOllama
}

type ollamaRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func (c *ollamaChunk) content() string {
	if c.Message.Content != "" {
		return c.Message.Content
	}
	return c.Response
}

// StreamChat posts to /api/chat. Each streamed line is a standalone JSON
// object; the line flagged done ends the stream.
func (a *OllamaAdapter) StreamChat(ctx context.Context, req Request, onDelta DeltaFunc) (string, error) {
	stream := onDelta != nil
	settings := req.Settings

	baseURL := settings.OllamaURL
	if baseURL == "" {
		baseURL = a.cfg.DefaultURL
	}
	model := settings.Model
	if model == "" {
		model = a.cfg.DefaultModel
	}

	jsonData, err := json.Marshal(ollamaRequest{Model: model, Messages: req.Messages, Stream: stream})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := withDeadline(ctx, a.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/chat", strings.TrimSuffix(baseURL, "/"))
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	a.logger.WithFields(logrus.Fields{
		"agent_id": settings.AgentID,
		"model":    model,
		"url":      url,
		"stream":   stream,
	}).Debug("Sending Ollama request")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", transportError(ctx, reqCtx, err, a.Kind())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", apperrors.New(apperrors.CodeAPI,
			fmt.Sprintf("Ollama returned status %d", resp.StatusCode),
			apperrors.WithStatus(resp.StatusCode),
			apperrors.WithBody(truncate(string(body), maxErrorBody)))
	}

	text, err := a.readLines(resp.Body, onDelta)
	if err != nil {
		if _, tagged := apperrors.From(err); tagged {
			return "", err
		}
		return "", transportError(ctx, reqCtx, err, a.Kind())
	}
	if strings.TrimSpace(text) == "" {
		return "", apperrors.New(apperrors.CodeNoResponse, "")
	}
	return text, nil
}

// readLines handles both the streamed NDJSON body and the single object
// returned when streaming is off. Content on the done line is kept.
func (a *OllamaAdapter) readLines(body io.Reader, onDelta DeltaFunc) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var full strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			a.logger.WithError(err).Debug("Skipping malformed NDJSON line")
			continue
		}
		if chunk.Error != "" {
			return full.String(), apperrors.New(apperrors.CodeAPI, chunk.Error)
		}

		if delta := chunk.content(); delta != "" {
			full.WriteString(delta)
			if onDelta != nil {
				onDelta(delta, full.String())
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}
