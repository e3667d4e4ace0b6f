package models

import (
	"strings"
	"time"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents one turn of a conversation
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatMode selects how an agent chats
type ChatMode string

const (
	ChatModeStandard ChatMode = "standard"
	ChatModeAgent    ChatMode = "agent"
	ChatModeOff      ChatMode = "off"
)

// NormalizeChatMode maps stored values, including legacy ones, onto a ChatMode.
func NormalizeChatMode(raw string) ChatMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ChatModeAgent):
		return ChatModeAgent
	case string(ChatModeOff), "decorative":
		return ChatModeOff
	default:
		return ChatModeStandard
	}
}

// Provider identifies a chat backend
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderOllama     Provider = "ollama"
	ProviderOpenClaw   Provider = "openclaw"
)

// NormalizeStandardProvider maps a stored standard provider; anything but ollama is OpenRouter.
func NormalizeStandardProvider(raw string) Provider {
	if strings.EqualFold(strings.TrimSpace(raw), string(ProviderOllama)) {
		return ProviderOllama
	}
	return ProviderOpenRouter
}

// RandomModel is the sentinel asking for a model picked from the enabled list
const RandomModel = "random"

// Secret field names inside AgentProfile.Secrets
const (
	SecretOpenRouterKey = "openrouterApiKey"
	SecretOpenClawToken = "openclawToken"
)

// EncryptedSecret is an AES-GCM sealed value, base64 encoded at rest.
// Salt is only present for secrets sealed under the master passphrase.
type EncryptedSecret struct {
	Data string `json:"data"`
	IV   string `json:"iv"`
	Salt string `json:"salt,omitempty"`
}

// AgentProfile is the stored per-agent configuration
type AgentProfile struct {
	ID               string                      `json:"id"`
	ChatMode         string                      `json:"chatMode"`
	StandardProvider string                      `json:"standardProvider"`
	Model            string                      `json:"openrouterModel"`
	OllamaModel      string                      `json:"ollamaModel,omitempty"`
	OllamaURL        string                      `json:"ollamaUrl,omitempty"`
	GatewayURL       string                      `json:"gatewayUrl,omitempty"`
	PersonalityKey   string                      `json:"personalityKey,omitempty"`
	Locale           string                      `json:"locale,omitempty"`
	MasterKeyEnabled bool                        `json:"masterKeyEnabled"`
	Secrets          map[string]*EncryptedSecret `json:"encryptedSecrets,omitempty"`
	UpdatedAt        time.Time                   `json:"updatedAt"`
}

// Secret returns the named encrypted secret, or nil
func (p *AgentProfile) Secret(name string) *EncryptedSecret {
	if p == nil || p.Secrets == nil {
		return nil
	}
	return p.Secrets[name]
}

// ResolvedSettings is the per-request profile handed to an adapter.
// It holds plaintext credentials and must never be persisted.
type ResolvedSettings struct {
	AgentID      string
	ChatMode     ChatMode
	Provider     Provider
	Model        string
	APIKey       string
	OllamaURL    string
	GatewayURL   string
	GatewayToken string
	SystemPrompt string
	Locale       string
	Locked       bool
}

// Redacted returns a log-safe view of the settings
func (s *ResolvedSettings) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"agent_id":      s.AgentID,
		"chat_mode":     s.ChatMode,
		"provider":      s.Provider,
		"model":         s.Model,
		"locked":        s.Locked,
		"has_api_key":   s.APIKey != "",
		"has_gw_token":  s.GatewayToken != "",
		"gateway_url":   s.GatewayURL,
		"ollama_url":    s.OllamaURL,
		"prompt_length": len(s.SystemPrompt),
	}
}

// Relay frame types
const (
	FrameStart = "start"
	FrameDelta = "delta"
	FrameDone  = "done"
	FrameError = "error"
)

// RelayFrame is one message on the relay channel
type RelayFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Text      string `json:"text,omitempty"`
	Full      string `json:"full,omitempty"`
	HTML      string `json:"html,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

// Terminal reports whether the frame ends a session
func (f RelayFrame) Terminal() bool {
	return f.Type == FrameDone || f.Type == FrameError
}

// AgentStats represents per-agent chat statistics
type AgentStats struct {
	AgentID     string    `json:"agentId"`
	TotalChats  int       `json:"totalChats"`
	FailedChats int       `json:"failedChats"`
	LastChatAt  time.Time `json:"lastChatAt,omitempty"`
}
