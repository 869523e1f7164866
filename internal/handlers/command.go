package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/comment-ai-tgbot-go/internal/chat"
	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/comment-ai-tgbot-go/internal/feedback"
	"github.com/comment-ai-tgbot-go/internal/i18n"
	"github.com/comment-ai-tgbot-go/internal/middleware"
	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/comment-ai-tgbot-go/internal/services/ai"
	"github.com/comment-ai-tgbot-go/internal/session"
	"github.com/comment-ai-tgbot-go/internal/storage"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// CommandHandler handles bot commands and inline keyboard callbacks.
type CommandHandler struct {
	bot       *tgbotapi.BotAPI
	config    *config.Config
	aiService ai.Service
	chats     *chat.Manager
	feedback  *feedback.Aggregator
	storage   *storage.Manager
	sessions  *session.Store
	metrics   *middleware.Metrics
	localizer *i18n.Localizer
	logger    *logrus.Logger
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(
	bot *tgbotapi.BotAPI,
	cfg *config.Config,
	aiService ai.Service,
	chats *chat.Manager,
	aggregator *feedback.Aggregator,
	store *storage.Manager,
	sessions *session.Store,
	metrics *middleware.Metrics,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
) *CommandHandler {
	return &CommandHandler{
		bot:       bot,
		config:    cfg,
		aiService: aiService,
		chats:     chats,
		feedback:  aggregator,
		storage:   store,
		sessions:  sessions,
		metrics:   metrics,
		localizer: localizer,
		logger:    logger,
	}
}

// HandleCommand processes bot commands.
func (h *CommandHandler) HandleCommand(ctx context.Context, message *tgbotapi.Message) error {
	chatID := message.Chat.ID

	user, err := h.storage.GetOrCreateUser(ctx, message.From.ID, models.UserProfile{
		Username:  message.From.UserName,
		FirstName: message.From.FirstName,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to resolve user")
		return h.reply(chatID, h.msg(i18n.MsgError, nil))
	}

	lang := h.userLanguage(user)

	switch message.Command() {
	case "start":
		return h.handleStart(chatID, lang)
	case "help":
		return h.handleHelp(chatID, lang)
	case "newchat":
		return h.handleNewChat(user.ID, chatID, lang)
	case "chats":
		return h.handleChats(ctx, user.ID, chatID, lang)
	case "rename":
		return h.handleRename(ctx, user.ID, chatID, lang)
	case "delete":
		return h.handleDelete(ctx, user.ID, chatID, lang)
	case "generate":
		return h.handleGenerate(user.ID, chatID, lang)
	case "model", "models":
		return h.handleModel(ctx, user.ID, chatID, lang)
	case "rate":
		return h.handleRate(user.ID, chatID, lang)
	case "stats":
		return h.handleStats(ctx, user.ID, chatID, lang)
	case "language":
		return h.handleLanguage(user.ID, chatID, lang)
	case "cancel":
		return h.handleCancel(user.ID, chatID, lang)
	default:
		return h.reply(chatID, h.get(lang, i18n.MsgUnknownCommand, nil))
	}
}

func (h *CommandHandler) handleStart(chatID int64, lang string) error {
	msg := tgbotapi.NewMessage(chatID, h.get(lang, i18n.MsgWelcome, nil))
	msg.ParseMode = "Markdown"
	_, err := h.bot.Send(msg)
	return err
}

func (h *CommandHandler) handleHelp(chatID int64, lang string) error {
	msg := tgbotapi.NewMessage(chatID, h.get(lang, i18n.MsgHelp, nil))
	msg.ParseMode = "Markdown"
	_, err := h.bot.Send(msg)
	return err
}

func (h *CommandHandler) handleNewChat(userID, chatID int64, lang string) error {
	h.sessions.Set(userID, session.State{Mode: session.ModeAwaitingChatName})
	return h.reply(chatID, h.get(lang, i18n.MsgPromptChatName, map[string]interface{}{
		"MaxLength": h.config.Chats.MaxNameLength,
	}))
}

func (h *CommandHandler) handleChats(ctx context.Context, userID, chatID int64, lang string) error {
	chats, err := h.chats.ListChats(ctx, userID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list chats")
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}
	if len(chats) == 0 {
		return h.reply(chatID, h.get(lang, i18n.MsgNoChats, nil))
	}

	// Selection works either through the buttons or by typing an index.
	h.sessions.Set(userID, session.State{Mode: session.ModeAwaitingChatSelection, Candidates: chats})

	msg := tgbotapi.NewMessage(chatID, h.get(lang, i18n.MsgChatList, nil))
	msg.ReplyMarkup = h.chatListKeyboard(chats)
	_, err = h.bot.Send(msg)
	return err
}

// handleRename lists the user's chats and waits for an index. Invalid
// indexes re-prompt; the later name validation aborts on failure.
func (h *CommandHandler) handleRename(ctx context.Context, userID, chatID int64, lang string) error {
	return h.startIndexSelection(ctx, userID, chatID, lang, session.ModeAwaitingRenameTarget, i18n.MsgPromptRenameIdx)
}

func (h *CommandHandler) handleDelete(ctx context.Context, userID, chatID int64, lang string) error {
	return h.startIndexSelection(ctx, userID, chatID, lang, session.ModeAwaitingDeleteTarget, i18n.MsgPromptDeleteIdx)
}

func (h *CommandHandler) startIndexSelection(ctx context.Context, userID, chatID int64, lang string, mode session.Mode, promptID string) error {
	chats, err := h.chats.ListChats(ctx, userID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list chats")
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}
	if len(chats) == 0 {
		return h.reply(chatID, h.get(lang, i18n.MsgNoChats, nil))
	}

	h.sessions.Set(userID, session.State{Mode: mode, Candidates: chats})

	return h.reply(chatID, h.get(lang, promptID, map[string]interface{}{
		"Chats": formatChatList(chats),
	}))
}

func (h *CommandHandler) handleGenerate(userID, chatID int64, lang string) error {
	personalities := h.aiService.Personalities()
	if len(personalities) == 0 {
		// No styles configured: go straight to text entry.
		h.sessions.Set(userID, session.State{Mode: session.ModeAwaitingGenerationText})
		return h.reply(chatID, h.get(lang, i18n.MsgPromptInput, nil))
	}

	msg := tgbotapi.NewMessage(chatID, h.get(lang, i18n.MsgPickPersonality, nil))
	msg.ReplyMarkup = h.personalityKeyboard(personalities)
	_, err := h.bot.Send(msg)
	return err
}

func (h *CommandHandler) handleModel(ctx context.Context, userID, chatID int64, lang string) error {
	if _, err := h.chats.GetActiveChat(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h.reply(chatID, h.get(lang, i18n.MsgNoActiveChat, nil))
		}
		h.logger.WithError(err).Error("Failed to get active chat")
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}

	h.sessions.Set(userID, session.State{Mode: session.ModeAwaitingModelName})

	msg := tgbotapi.NewMessage(chatID, h.get(lang, i18n.MsgPromptModel, nil))
	msg.ReplyMarkup = h.modelKeyboard()
	_, err := h.bot.Send(msg)
	return err
}

// handleRate is the typed fallback to the star buttons: it asks for a
// 1-5 number against the last generation.
func (h *CommandHandler) handleRate(userID, chatID int64, lang string) error {
	state := h.sessions.Get(userID)
	if state.Generation == nil {
		return h.reply(chatID, h.get(lang, i18n.MsgNothingToRate, nil))
	}

	h.sessions.Set(userID, session.State{
		Mode:       session.ModeAwaitingRatingTarget,
		Generation: state.Generation,
	})
	return h.reply(chatID, h.get(lang, i18n.MsgPromptRating, nil))
}

func (h *CommandHandler) handleStats(ctx context.Context, userID, chatID int64, lang string) error {
	stats, err := h.feedback.UserStats(ctx, userID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to compute feedback stats")
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}
	global, err := h.feedback.GlobalStats(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to compute global feedback stats")
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}

	msg := tgbotapi.NewMessage(chatID, h.get(lang, i18n.MsgStats, map[string]interface{}{
		"Total":         stats.Total,
		"Improvements":  stats.ImprovementCount,
		"Average":       fmt.Sprintf("%.1f", stats.AverageRating),
		"GlobalAverage": fmt.Sprintf("%.1f", global.AverageRating),
	}))
	msg.ParseMode = "Markdown"
	_, err = h.bot.Send(msg)
	return err
}

func (h *CommandHandler) handleCancel(userID, chatID int64, lang string) error {
	h.sessions.Clear(userID)
	return h.reply(chatID, h.get(lang, i18n.MsgCancelled, nil))
}

// HandleCallbackQuery processes inline keyboard callbacks.
func (h *CommandHandler) HandleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) error {
	parts := strings.SplitN(callback.Data, ":", 2)
	if len(parts) == 0 || callback.Message == nil {
		return nil
	}

	chatID := callback.Message.Chat.ID

	user, err := h.storage.GetOrCreateUser(ctx, callback.From.ID, models.UserProfile{
		Username:  callback.From.UserName,
		FirstName: callback.From.FirstName,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to resolve user")
		return nil
	}
	lang := h.userLanguage(user)

	switch parts[0] {
	case "chat":
		if len(parts) == 2 {
			return h.handleChatCallback(ctx, user.ID, chatID, parts[1], lang, callback.ID)
		}
	case "personality":
		if len(parts) == 2 {
			return h.handlePersonalityCallback(user.ID, chatID, parts[1], lang, callback.ID)
		}
	case "model":
		if len(parts) == 2 {
			return h.handleModelCallback(ctx, user.ID, chatID, parts[1], lang, callback.ID)
		}
	case "rate":
		if len(parts) == 2 {
			return h.handleRateCallback(ctx, user.ID, chatID, parts[1], lang, callback.ID)
		}
	case "lang":
		if len(parts) == 2 {
			return h.handleLanguageCallback(ctx, user.ID, chatID, parts[1], callback.ID)
		}
	case "improve":
		return h.handleImproveCallback(user.ID, chatID, lang, callback.ID)
	case "noop":
		h.bot.Request(tgbotapi.NewCallback(callback.ID, ""))
	}

	return nil
}

func (h *CommandHandler) handleChatCallback(ctx context.Context, userID, chatID int64, arg, lang, callbackID string) error {
	targetID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return nil
	}

	selected, err := h.chats.SetActiveChat(ctx, userID, targetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.bot.Request(tgbotapi.NewCallback(callbackID, h.get(lang, i18n.MsgChatNotFound, nil)))
			return nil
		}
		h.logger.WithError(err).Error("Failed to select active chat")
		h.bot.Request(tgbotapi.NewCallback(callbackID, h.get(lang, i18n.MsgError, nil)))
		return nil
	}

	h.sessions.Clear(userID)
	h.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	return h.reply(chatID, h.get(lang, i18n.MsgChatSelected, map[string]interface{}{
		"Name": selected.Name,
	}))
}

func (h *CommandHandler) handlePersonalityCallback(userID, chatID int64, personalityID, lang, callbackID string) error {
	if _, err := h.aiService.GetPersonality(personalityID); err != nil {
		h.bot.Request(tgbotapi.NewCallback(callbackID, h.get(lang, i18n.MsgError, nil)))
		return nil
	}

	h.sessions.Set(userID, session.State{
		Mode:        session.ModeAwaitingGenerationText,
		Personality: personalityID,
	})

	h.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	return h.reply(chatID, h.get(lang, i18n.MsgPromptInput, nil))
}

func (h *CommandHandler) handleModelCallback(ctx context.Context, userID, chatID int64, modelID, lang, callbackID string) error {
	model, err := h.aiService.GetModelByID(modelID)
	if err != nil {
		h.bot.Request(tgbotapi.NewCallback(callbackID, h.get(lang, i18n.MsgModelInvalid, nil)))
		return nil
	}

	active, err := h.chats.GetActiveChat(ctx, userID)
	if err != nil {
		h.bot.Request(tgbotapi.NewCallback(callbackID, h.get(lang, i18n.MsgNoActiveChat, nil)))
		return nil
	}

	if _, err := h.chats.SetChatModel(ctx, userID, active.ID, model.ID); err != nil {
		h.logger.WithError(err).Error("Failed to set chat model")
		h.bot.Request(tgbotapi.NewCallback(callbackID, h.get(lang, i18n.MsgError, nil)))
		return nil
	}

	h.sessions.Clear(userID)
	h.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	return h.reply(chatID, h.get(lang, i18n.MsgModelChanged, map[string]interface{}{
		"Model": model.Name,
	}))
}

// handleRateCallback records a rating for the most recent generation
// and returns the session to idle.
func (h *CommandHandler) handleRateCallback(ctx context.Context, userID, chatID int64, arg, lang, callbackID string) error {
	rating, err := strconv.Atoi(arg)
	if err != nil {
		return nil
	}

	state := h.sessions.Get(userID)
	if state.Generation == nil {
		h.bot.Request(tgbotapi.NewCallback(callbackID, h.get(lang, i18n.MsgNothingToRate, nil)))
		return nil
	}

	if _, err := h.feedback.RecordRating(ctx, userID, rating, *state.Generation); err != nil {
		if storage.IsDomainError(err) {
			h.bot.Request(tgbotapi.NewCallback(callbackID, h.get(lang, i18n.MsgError, nil)))
			return nil
		}
		h.logger.WithError(err).Error("Failed to record rating")
		h.bot.Request(tgbotapi.NewCallback(callbackID, h.get(lang, i18n.MsgError, nil)))
		return nil
	}

	h.metrics.RecordFeedback(string(models.FeedbackRating))
	h.sessions.Clear(userID)
	h.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	return h.reply(chatID, h.get(lang, i18n.MsgRateThanks, map[string]interface{}{
		"Rating": rating,
	}))
}

// handleImproveCallback asks for improvement text; the generation
// context must still be present in the session.
func (h *CommandHandler) handleImproveCallback(userID, chatID int64, lang, callbackID string) error {
	state := h.sessions.Get(userID)
	if state.Generation == nil {
		h.bot.Request(tgbotapi.NewCallback(callbackID, h.get(lang, i18n.MsgNothingToImprove, nil)))
		return nil
	}

	h.sessions.Set(userID, session.State{
		Mode:       session.ModeAwaitingImprovementText,
		Generation: state.Generation,
	})

	h.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	return h.reply(chatID, h.get(lang, i18n.MsgPromptImprovement, nil))
}

// Keyboards

func (h *CommandHandler) chatListKeyboard(chats []models.Chat) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(chats))
	for _, c := range chats {
		label := c.Name
		if c.Active {
			label = "✅ " + label
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("chat:%d", c.ID)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (h *CommandHandler) personalityKeyboard(personalities []config.Personality) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(personalities))
	for _, p := range personalities {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(p.Name, "personality:"+p.ID),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (h *CommandHandler) modelKeyboard() tgbotapi.InlineKeyboardMarkup {
	options := h.aiService.GetAvailableModels()
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(options))
	for _, m := range options {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(m.Name, "model:"+m.ID),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// ratingKeyboard is attached to generation results.
func ratingKeyboard(improveLabel string) tgbotapi.InlineKeyboardMarkup {
	stars := make([]tgbotapi.InlineKeyboardButton, 0, 5)
	for i := 1; i <= 5; i++ {
		stars = append(stars, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("%d⭐", i), fmt.Sprintf("rate:%d", i)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		stars,
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(improveLabel, "improve"),
		),
	)
}

// Helpers

func (h *CommandHandler) reply(chatID int64, text string) error {
	_, err := h.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (h *CommandHandler) get(lang, messageID string, data map[string]interface{}) string {
	return h.localizer.Get(lang, messageID, data)
}

func (h *CommandHandler) msg(messageID string, data map[string]interface{}) string {
	return h.localizer.Get(h.config.I18n.DefaultLanguage, messageID, data)
}

func (h *CommandHandler) userLanguage(user *models.User) string {
	if lang, ok := user.Settings["language"]; ok && lang != "" {
		return lang
	}
	return h.config.I18n.DefaultLanguage
}

func formatChatList(chats []models.Chat) string {
	var b strings.Builder
	for i, c := range chats {
		marker := ""
		if c.Active {
			marker = " ✅"
		}
		fmt.Fprintf(&b, "%d. %s%s\n", i+1, c.Name, marker)
	}
	return b.String()
}
