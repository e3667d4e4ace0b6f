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

const maxLineSize = 1 << 20

// OpenRouterAdapter talks to the OpenRouter chat completions API over SSE
type OpenRouterAdapter struct {
	cfg        config.OpenRouterConfig
	timeout    time.Duration
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewOpenRouterAdapter creates a new OpenRouter adapter
func NewOpenRouterAdapter(cfg *config.OpenRouterConfig, timeout time.Duration, client *http.Client, logger *logrus.Logger) *OpenRouterAdapter {
	return &OpenRouterAdapter{
		cfg:        *cfg,
		timeout:    timeout,
		httpClient: client,
		logger:     logger,
	}
}

func (a *OpenRouterAdapter) Kind() models.Provider {
	return models.ProviderOpenRouter
}

type openRouterRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
	Stream      bool                 `json:"stream"`
}

type openRouterChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Text string `json:"text"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
	Error   *struct {
		Message string      `json:"message"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}

func (r *openRouterResponse) content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	c := r.Choices[0]
	switch {
	case c.Delta.Content != "":
		return c.Delta.Content
	case c.Message.Content != "":
		return c.Message.Content
	default:
		return c.Text
	}
}

// StreamChat sends the conversation. With onDelta set the reply is
// streamed; otherwise the full reply is read in one response.
func (a *OpenRouterAdapter) StreamChat(ctx context.Context, req Request, onDelta DeltaFunc) (string, error) {
	stream := onDelta != nil
	settings := req.Settings

	jsonData, err := json.Marshal(openRouterRequest{
		Model:       settings.Model,
		Messages:    req.Messages,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := withDeadline(ctx, a.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(a.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+settings.APIKey)
	if a.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", a.cfg.Referer)
	}
	if a.cfg.AppName != "" {
		httpReq.Header.Set("X-Title", a.cfg.AppName)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	a.logger.WithFields(logrus.Fields{
		"agent_id": settings.AgentID,
		"model":    settings.Model,
		"stream":   stream,
	}).Debug("Sending OpenRouter request")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", transportError(ctx, reqCtx, err, a.Kind())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		a.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   truncate(string(body), maxErrorBody),
		}).Warn("OpenRouter request failed")
		return "", classifyOpenRouterStatus(resp.StatusCode, body)
	}

	var text string
	if stream {
		text, err = a.readStream(resp.Body, onDelta)
	} else {
		text, err = a.readResponse(resp.Body)
	}
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

func (a *OpenRouterAdapter) readResponse(body io.Reader) (string, error) {
	var result openRouterResponse
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error != nil && result.Error.Message != "" {
		return "", apperrors.New(apperrors.CodeAPI, result.Error.Message)
	}
	return result.content(), nil
}

// readStream consumes "data: <json>" lines until [DONE] or EOF.
func (a *OpenRouterAdapter) readStream(body io.Reader, onDelta DeltaFunc) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var full strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// blank separators and ": keep-alive" comments
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk openRouterResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			a.logger.WithError(err).Debug("Skipping malformed SSE chunk")
			continue
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return full.String(), apperrors.New(apperrors.CodeAPI, chunk.Error.Message)
		}

		delta := chunk.content()
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		onDelta(delta, full.String())
	}
	if err := scanner.Err(); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

// classifyOpenRouterStatus maps a non-2xx response onto the error taxonomy.
func classifyOpenRouterStatus(status int, body []byte) error {
	text := string(body)
	opts := []apperrors.Option{apperrors.WithStatus(status), apperrors.WithBody(truncate(text, maxErrorBody))}

	switch {
	case status == http.StatusUnauthorized:
		return apperrors.New(apperrors.CodeAuth, "", opts...)
	case status == http.StatusPaymentRequired:
		return apperrors.New(apperrors.CodeNoCredits, "", opts...)
	case status == http.StatusTooManyRequests && strings.Contains(text, "insufficient_quota"):
		return apperrors.New(apperrors.CodeNoCredits, "", opts...)
	case status == http.StatusTooManyRequests:
		return apperrors.New(apperrors.CodeRateLimited, "", opts...)
	default:
		return apperrors.New(apperrors.CodeAPI, fmt.Sprintf("OpenRouter returned status %d", status), opts...)
	}
}
