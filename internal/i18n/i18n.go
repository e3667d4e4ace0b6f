package i18n

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pet-ai-gateway-go/internal/config"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	languages       []string
	matcher         language.Matcher
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer from the embedded message files
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	defaultTag, err := language.Parse(cfg.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", cfg.DefaultLanguage, err)
	}

	bundle := i18n.NewBundle(defaultTag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{cfg.DefaultLanguage}
	}

	// The matcher prefers its first tag on a miss, so the default goes first.
	tags := []language.Tag{defaultTag}
	ordered := []string{cfg.DefaultLanguage}
	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range languages {
		path := fmt.Sprintf("locales/%s.json", lang)
		data, err := localeFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, path); err != nil {
			return nil, fmt.Errorf("failed to parse language file %s: %w", lang, err)
		}
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
		if lang != cfg.DefaultLanguage {
			tags = append(tags, language.Make(lang))
			ordered = append(ordered, lang)
		}
	}
	if _, ok := localizers[cfg.DefaultLanguage]; !ok {
		return nil, fmt.Errorf("default language %s is not in the language list", cfg.DefaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		languages:       ordered,
		matcher:         language.NewMatcher(tags),
		localizers:      localizers,
	}, nil
}

// Match maps a locale such as "es-MX" or "zh_CN" onto a loaded language.
func (l *Localizer) Match(locale string) string {
	if locale == "" {
		return l.defaultLanguage
	}
	if _, ok := l.localizers[locale]; ok {
		return locale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return l.defaultLanguage
	}
	_, index, confidence := l.matcher.Match(tag)
	if confidence == language.No {
		return l.defaultLanguage
	}
	return l.languages[index]
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[l.Match(lang)]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgLanguageDirective = "language_directive"
	MsgStyleRules        = "style_rules"
	MsgUpsell            = "upsell"
	MsgErrorLocked       = "error_locked"
	MsgErrorNoCredits    = "error_no_credits"
	MsgErrorNoResponse   = "error_no_response"
	MsgErrorGeneric      = "error_generic"
	MsgErrorAuth         = "error_auth"
	MsgErrorRateLimited  = "error_rate_limited"
	MsgErrorTimeout      = "error_timeout"
	MsgChatDisabled      = "chat_disabled"
)
