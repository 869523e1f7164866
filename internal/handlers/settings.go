package handlers

import (
	"context"

	"github.com/comment-ai-tgbot-go/internal/i18n"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// handleLanguage shows the language picker. The choice is persisted in
// the user's settings, so it survives restarts.
func (h *CommandHandler) handleLanguage(userID, chatID int64, lang string) error {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(h.config.I18n.Languages))
	for _, code := range h.config.I18n.Languages {
		label := languageLabel(code)
		if code == lang {
			label = "✅ " + label
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "lang:"+code),
		))
	}

	msg := tgbotapi.NewMessage(chatID, h.get(lang, i18n.MsgPickLanguage, nil))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	_, err := h.bot.Send(msg)
	return err
}

func (h *CommandHandler) handleLanguageCallback(ctx context.Context, userID, chatID int64, code, callbackID string) error {
	if !h.supportedLanguage(code) {
		h.bot.Request(tgbotapi.NewCallback(callbackID, ""))
		return nil
	}

	if _, err := h.storage.SetUserSetting(ctx, userID, "language", code); err != nil {
		h.logger.WithError(err).Error("Failed to save language setting")
		h.bot.Request(tgbotapi.NewCallback(callbackID, h.msg(i18n.MsgError, nil)))
		return nil
	}

	h.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	return h.reply(chatID, h.get(code, i18n.MsgLanguageChanged, map[string]interface{}{
		"Language": languageLabel(code),
	}))
}

func (h *CommandHandler) supportedLanguage(code string) bool {
	for _, lang := range h.config.I18n.Languages {
		if lang == code {
			return true
		}
	}
	return false
}

func languageLabel(code string) string {
	switch code {
	case "en":
		return "English"
	case "zh":
		return "中文"
	default:
		return code
	}
}
