package settings

import (
	"strings"

	"github.com/pet-ai-gateway-go/internal/i18n"
	"github.com/pet-ai-gateway-go/internal/models"
)

// Built-in personalities, overridable through chat.personalities
var defaultPersonalities = map[string]string{
	"playful": "You are a playful desktop pet who loves to joke around and cheer the user up.",
	"calm":    "You are a calm, gentle desktop pet who speaks softly and encourages the user to take breaks.",
	"grumpy":  "You are a grumpy but secretly caring desktop cat who answers with dry wit.",
	"curious": "You are a curious desktop pet who asks the user about what they are working on.",
}

// PromptBuilder composes system prompts
type PromptBuilder struct {
	personalities      map[string]string
	defaultPersonality string
	localizer          *i18n.Localizer
}

// NewPromptBuilder merges configured personalities over the built-in ones
func NewPromptBuilder(personalities map[string]string, defaultKey string, localizer *i18n.Localizer) *PromptBuilder {
	merged := make(map[string]string, len(defaultPersonalities)+len(personalities))
	for k, v := range defaultPersonalities {
		merged[k] = v
	}
	for k, v := range personalities {
		if strings.TrimSpace(v) != "" {
			merged[strings.ToLower(k)] = v
		}
	}
	if _, ok := merged[defaultKey]; !ok {
		defaultKey = "playful"
	}
	return &PromptBuilder{
		personalities:      merged,
		defaultPersonality: defaultKey,
		localizer:          localizer,
	}
}

// Personality returns the text for key, or the default personality on a miss.
func (b *PromptBuilder) Personality(key string) string {
	if text, ok := b.personalities[strings.ToLower(strings.TrimSpace(key))]; ok {
		return text
	}
	return b.personalities[b.defaultPersonality]
}

// Build returns personality + style rules + language directive, plus the
// agent-mode upsell for standard chats.
func (b *PromptBuilder) Build(personalityKey, locale string, mode models.ChatMode) string {
	parts := []string{
		b.Personality(personalityKey),
		b.localizer.Get(locale, i18n.MsgStyleRules, nil),
		b.localizer.Get(locale, i18n.MsgLanguageDirective, nil),
	}
	if mode == models.ChatModeStandard {
		parts = append(parts, b.localizer.Get(locale, i18n.MsgUpsell, nil))
	}
	return strings.Join(parts, "\n\n")
}
