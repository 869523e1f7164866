package i18n

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Localizer manages internationalization.
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer loads the configured language files.
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	for _, lang := range cfg.Languages {
		path := filepath.Join(cfg.Directory, lang+".json")
		if _, err := bundle.LoadMessageFile(path); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns a localized message.
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID
	}

	return msg
}

// Message IDs
const (
	MsgWelcome           = "welcome"
	MsgHelp              = "help"
	MsgUnknownCommand    = "unknown_command"
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgBusy              = "busy"
	MsgError             = "error"
	MsgGenerating        = "generating"
	MsgGenerationFailed  = "generation_failed"
	MsgPromptChatName    = "prompt_chat_name"
	MsgChatCreated       = "chat_created"
	MsgChatLimitReached  = "chat_limit_reached"
	MsgChatNameTooLong   = "chat_name_too_long"
	MsgChatList          = "chat_list"
	MsgNoChats           = "no_chats"
	MsgNoActiveChat      = "no_active_chat"
	MsgChatSelected      = "chat_selected"
	MsgChatNotFound      = "chat_not_found"
	MsgPromptRenameIdx   = "prompt_rename_index"
	MsgPromptRenameName  = "prompt_rename_name"
	MsgChatRenamed       = "chat_renamed"
	MsgPromptDeleteIdx   = "prompt_delete_index"
	MsgChatDeleted       = "chat_deleted"
	MsgInvalidSelection  = "invalid_selection"
	MsgPickPersonality   = "pick_personality"
	MsgPromptInput       = "prompt_input"
	MsgVariantsHeader    = "variants_header"
	MsgRateThanks        = "rate_thanks"
	MsgPromptRating      = "prompt_rating"
	MsgPromptImprovement = "prompt_improvement"
	MsgNothingToImprove  = "nothing_to_improve"
	MsgNothingToRate     = "nothing_to_rate"
	MsgStats             = "stats"
	MsgPromptModel       = "prompt_model"
	MsgModelChanged      = "model_changed"
	MsgModelInvalid      = "model_invalid"
	MsgCancelled         = "cancelled"
	MsgImproveButton     = "improve_button"
	MsgPickLanguage      = "pick_language"
	MsgLanguageChanged   = "language_changed"
	MsgInputTooLong      = "input_too_long"
)
