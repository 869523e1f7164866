package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/comment-ai-tgbot-go/internal/chat"
	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/comment-ai-tgbot-go/internal/feedback"
	"github.com/comment-ai-tgbot-go/internal/i18n"
	"github.com/comment-ai-tgbot-go/internal/middleware"
	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/comment-ai-tgbot-go/internal/services/ai"
	"github.com/comment-ai-tgbot-go/internal/services/cache"
	"github.com/comment-ai-tgbot-go/internal/session"
	"github.com/comment-ai-tgbot-go/internal/storage"
	"github.com/comment-ai-tgbot-go/pkg/logger"
	"github.com/comment-ai-tgbot-go/pkg/markdown"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MessageHandler routes free-text messages through the per-user session
// state machine. Whatever mode the session is in decides what the text
// means; idle text is a generation request against the active chat.
type MessageHandler struct {
	bot         *tgbotapi.BotAPI
	config      *config.Config
	aiService   ai.Service
	cache       cache.Service
	chats       *chat.Manager
	feedback    *feedback.Aggregator
	storage     *storage.Manager
	sessions    *session.Store
	rateLimiter middleware.RateLimiter
	validator   *middleware.InputValidator
	metrics     *middleware.Metrics
	localizer   *i18n.Localizer
	logger      *logrus.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	bot *tgbotapi.BotAPI,
	cfg *config.Config,
	aiService ai.Service,
	cacheService cache.Service,
	chats *chat.Manager,
	aggregator *feedback.Aggregator,
	store *storage.Manager,
	sessions *session.Store,
	rateLimiter middleware.RateLimiter,
	metrics *middleware.Metrics,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
) *MessageHandler {
	return &MessageHandler{
		bot:         bot,
		config:      cfg,
		aiService:   aiService,
		cache:       cacheService,
		chats:       chats,
		feedback:    aggregator,
		storage:     store,
		sessions:    sessions,
		rateLimiter: rateLimiter,
		validator:   middleware.NewInputValidator(),
		metrics:     metrics,
		localizer:   localizer,
		logger:      logger,
	}
}

// HandleMessage processes a non-command text message.
func (h *MessageHandler) HandleMessage(ctx context.Context, message *tgbotapi.Message) error {
	chatID := message.Chat.ID
	text := strings.TrimSpace(message.Text)
	if text == "" {
		return nil
	}

	user, err := h.storage.GetOrCreateUser(ctx, message.From.ID, models.UserProfile{
		Username:  message.From.UserName,
		FirstName: message.From.FirstName,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to resolve user")
		return h.reply(chatID, h.localizer.Get(h.config.I18n.DefaultLanguage, i18n.MsgError, nil))
	}
	lang := h.userLanguage(user)

	state := h.sessions.Get(user.ID)

	switch state.Mode {
	case session.ModeAwaitingChatName:
		return h.handleChatName(ctx, user.ID, chatID, text, lang)
	case session.ModeAwaitingChatSelection:
		return h.handleChatSelection(ctx, user.ID, chatID, text, lang, state)
	case session.ModeAwaitingRenameTarget:
		return h.handleRenameTarget(user.ID, chatID, text, lang, state)
	case session.ModeAwaitingRenameValue:
		return h.handleRenameValue(ctx, user.ID, chatID, text, lang, state)
	case session.ModeAwaitingDeleteTarget:
		return h.handleDeleteTarget(ctx, user.ID, chatID, text, lang, state)
	case session.ModeAwaitingModelName:
		return h.handleModelName(ctx, user.ID, chatID, text, lang)
	case session.ModeAwaitingGenerationText:
		return h.generate(ctx, user.ID, chatID, lang, generationRequest{input: text, personality: state.Personality})
	case session.ModeAwaitingImprovementText:
		return h.handleImprovement(ctx, user.ID, chatID, text, lang, state)
	case session.ModeAwaitingRatingTarget:
		return h.handleTypedRating(ctx, user.ID, chatID, text, lang, state)
	case session.ModeGenerated:
		// A bare 1-5 after a generation is a rating; anything else
		// starts a fresh generation.
		if rating, err := strconv.Atoi(text); err == nil && rating >= 1 && rating <= 5 {
			return h.recordRating(ctx, user.ID, chatID, rating, lang, state)
		}
		return h.generate(ctx, user.ID, chatID, lang, generationRequest{input: text})
	default:
		return h.generate(ctx, user.ID, chatID, lang, generationRequest{input: text})
	}
}

// handleChatName completes /newchat. Validation failures abort the flow
// rather than re-prompt.
func (h *MessageHandler) handleChatName(ctx context.Context, userID, chatID int64, name, lang string) error {
	created, err := h.chats.CreateChat(ctx, userID, name, h.config.Models.Default)
	if err != nil {
		h.sessions.Clear(userID)

		var ve *storage.ValidationError
		switch {
		case errors.As(err, &ve):
			return h.reply(chatID, h.get(lang, i18n.MsgChatNameTooLong, map[string]interface{}{
				"MaxLength": h.config.Chats.MaxNameLength,
			}))
		case errors.Is(err, storage.ErrLimitExceeded):
			return h.reply(chatID, h.get(lang, i18n.MsgChatLimitReached, map[string]interface{}{
				"Max": h.config.Chats.MaxPerUser,
			}))
		default:
			h.logger.WithError(err).Error("Failed to create chat")
			return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
		}
	}

	h.sessions.Clear(userID)
	return h.reply(chatID, h.get(lang, i18n.MsgChatCreated, map[string]interface{}{
		"Name": created.Name,
	}))
}

// handleChatSelection resolves a typed index against the listed chats.
// An out-of-range index re-prompts and keeps the selection open.
func (h *MessageHandler) handleChatSelection(ctx context.Context, userID, chatID int64, text, lang string, state session.State) error {
	target, ok := pickByIndex(state.Candidates, text)
	if !ok {
		return h.reply(chatID, h.get(lang, i18n.MsgInvalidSelection, map[string]interface{}{
			"Count": len(state.Candidates),
		}))
	}

	selected, err := h.chats.SetActiveChat(ctx, userID, target.ID)
	if err != nil {
		h.sessions.Clear(userID)
		if errors.Is(err, storage.ErrNotFound) {
			return h.reply(chatID, h.get(lang, i18n.MsgChatNotFound, nil))
		}
		h.logger.WithError(err).Error("Failed to select active chat")
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}

	h.sessions.Clear(userID)
	return h.reply(chatID, h.get(lang, i18n.MsgChatSelected, map[string]interface{}{
		"Name": selected.Name,
	}))
}

func (h *MessageHandler) handleRenameTarget(userID, chatID int64, text, lang string, state session.State) error {
	target, ok := pickByIndex(state.Candidates, text)
	if !ok {
		return h.reply(chatID, h.get(lang, i18n.MsgInvalidSelection, map[string]interface{}{
			"Count": len(state.Candidates),
		}))
	}

	h.sessions.Set(userID, session.State{
		Mode:         session.ModeAwaitingRenameValue,
		RenameTarget: target.ID,
	})
	return h.reply(chatID, h.get(lang, i18n.MsgPromptRenameName, map[string]interface{}{
		"Name":      target.Name,
		"MaxLength": h.config.Chats.MaxNameLength,
	}))
}

func (h *MessageHandler) handleRenameValue(ctx context.Context, userID, chatID int64, name, lang string, state session.State) error {
	renamed, err := h.chats.RenameChat(ctx, userID, state.RenameTarget, name)
	if err != nil {
		h.sessions.Clear(userID)

		var ve *storage.ValidationError
		switch {
		case errors.As(err, &ve):
			return h.reply(chatID, h.get(lang, i18n.MsgChatNameTooLong, map[string]interface{}{
				"MaxLength": h.config.Chats.MaxNameLength,
			}))
		case errors.Is(err, storage.ErrNotFound):
			return h.reply(chatID, h.get(lang, i18n.MsgChatNotFound, nil))
		default:
			h.logger.WithError(err).Error("Failed to rename chat")
			return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
		}
	}

	h.sessions.Clear(userID)
	return h.reply(chatID, h.get(lang, i18n.MsgChatRenamed, map[string]interface{}{
		"Name": renamed.Name,
	}))
}

func (h *MessageHandler) handleDeleteTarget(ctx context.Context, userID, chatID int64, text, lang string, state session.State) error {
	target, ok := pickByIndex(state.Candidates, text)
	if !ok {
		return h.reply(chatID, h.get(lang, i18n.MsgInvalidSelection, map[string]interface{}{
			"Count": len(state.Candidates),
		}))
	}

	deleted, err := h.chats.DeleteChat(ctx, userID, target.ID)
	if err != nil {
		h.sessions.Clear(userID)
		if errors.Is(err, storage.ErrNotFound) {
			return h.reply(chatID, h.get(lang, i18n.MsgChatNotFound, nil))
		}
		h.logger.WithError(err).Error("Failed to delete chat")
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}

	h.sessions.Clear(userID)
	return h.reply(chatID, h.get(lang, i18n.MsgChatDeleted, map[string]interface{}{
		"Name": deleted.Name,
	}))
}

// handleModelName resolves a typed model id. Unknown models abort the
// flow with an error instead of re-prompting.
func (h *MessageHandler) handleModelName(ctx context.Context, userID, chatID int64, text, lang string) error {
	h.sessions.Clear(userID)

	model, err := h.aiService.GetModelByID(text)
	if err != nil {
		return h.reply(chatID, h.get(lang, i18n.MsgModelInvalid, nil))
	}

	active, err := h.chats.GetActiveChat(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h.reply(chatID, h.get(lang, i18n.MsgNoActiveChat, nil))
		}
		h.logger.WithError(err).Error("Failed to get active chat")
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}

	if _, err := h.chats.SetChatModel(ctx, userID, active.ID, model.ID); err != nil {
		h.logger.WithError(err).Error("Failed to set chat model")
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}

	return h.reply(chatID, h.get(lang, i18n.MsgModelChanged, map[string]interface{}{
		"Model": model.Name,
	}))
}

// handleImprovement records the improvement request against the last
// generation, then regenerates with it.
func (h *MessageHandler) handleImprovement(ctx context.Context, userID, chatID int64, text, lang string, state session.State) error {
	if state.Generation == nil {
		h.sessions.Clear(userID)
		return h.reply(chatID, h.get(lang, i18n.MsgNothingToImprove, nil))
	}

	if _, err := h.feedback.RecordImprovement(ctx, userID, text, *state.Generation); err != nil {
		if !storage.IsDomainError(err) {
			h.logger.WithError(err).Error("Failed to record improvement request")
		}
		h.sessions.Clear(userID)
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}
	h.metrics.RecordFeedback(string(models.FeedbackImprovement))

	return h.generate(ctx, userID, chatID, lang, generationRequest{
		input:       state.Generation.Input,
		personality: state.Generation.Personality,
		improvement: text,
		previous:    state.Generation.Variants,
	})
}

func (h *MessageHandler) handleTypedRating(ctx context.Context, userID, chatID int64, text, lang string, state session.State) error {
	rating, err := strconv.Atoi(text)
	if err != nil || rating < 1 || rating > 5 {
		return h.reply(chatID, h.get(lang, i18n.MsgInvalidSelection, map[string]interface{}{
			"Count": 5,
		}))
	}
	return h.recordRating(ctx, userID, chatID, rating, lang, state)
}

func (h *MessageHandler) recordRating(ctx context.Context, userID, chatID int64, rating int, lang string, state session.State) error {
	if state.Generation == nil {
		h.sessions.Clear(userID)
		return h.reply(chatID, h.get(lang, i18n.MsgNothingToRate, nil))
	}

	if _, err := h.feedback.RecordRating(ctx, userID, rating, *state.Generation); err != nil {
		if !storage.IsDomainError(err) {
			h.logger.WithError(err).Error("Failed to record rating")
		}
		h.sessions.Clear(userID)
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}

	h.metrics.RecordFeedback(string(models.FeedbackRating))
	h.sessions.Clear(userID)
	return h.reply(chatID, h.get(lang, i18n.MsgRateThanks, map[string]interface{}{
		"Rating": rating,
	}))
}

type generationRequest struct {
	input       string
	personality string
	improvement string
	previous    []string
}

// generate runs a generation against the user's active chat and leaves
// the session in the generated state so the result can be rated or
// improved.
func (h *MessageHandler) generate(ctx context.Context, userID, chatID int64, lang string, req generationRequest) error {
	if !h.rateLimiter.Allow(userID) {
		return h.reply(chatID, h.get(lang, i18n.MsgRateLimitExceeded, nil))
	}
	if err := h.validator.Validate(req.input); err != nil {
		return h.reply(chatID, h.get(lang, i18n.MsgInputTooLong, nil))
	}

	active, err := h.chats.GetActiveChat(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h.reply(chatID, h.get(lang, i18n.MsgNoActiveChat, nil))
		}
		h.logger.WithError(err).Error("Failed to get active chat")
		return h.reply(chatID, h.get(lang, i18n.MsgError, nil))
	}

	model := active.Model
	if model == "" {
		model = h.config.Models.Default
	}
	personality := req.personality
	if personality == "" {
		personality = h.defaultPersonality()
	}

	// Improvement runs always go to the API; only fresh inputs can be
	// served from cache.
	if req.improvement == "" {
		if variants, found := h.cache.Get(ctx, req.input, personality, model); found {
			h.metrics.RecordCacheHit()
			genCtx := &models.GenerationContext{
				EventID:     uuid.NewString(),
				Input:       req.input,
				Personality: personality,
				Model:       model,
				ChatID:      active.ID,
				Variants:    variants,
			}
			return h.deliver(ctx, userID, chatID, lang, active.ID, genCtx, 0)
		}
		h.metrics.RecordCacheMiss()
	}

	progress, _ := h.bot.Send(tgbotapi.NewMessage(chatID, h.get(lang, i18n.MsgGenerating, nil)))

	start := time.Now()
	genCtx, err := h.aiService.GenerateComments(ctx, ai.Request{
		Input:       req.input,
		Personality: personality,
		Model:       model,
		ChatID:      active.ID,
		Improvement: req.improvement,
		Previous:    req.previous,
	})
	duration := time.Since(start)

	if err != nil {
		h.metrics.RecordGeneration(model, "error", duration)
		logger.WithUser(h.logger, userID, active.ID).WithError(err).WithField("model", model).Error("Generation failed")
		h.sessions.Clear(userID)

		failed := h.get(lang, i18n.MsgGenerationFailed, nil)
		if progress.MessageID != 0 {
			_, err := h.bot.Send(tgbotapi.NewEditMessageText(chatID, progress.MessageID, failed))
			return err
		}
		return h.reply(chatID, failed)
	}

	h.metrics.RecordGeneration(model, "success", duration)

	if req.improvement == "" {
		if err := h.cache.Set(ctx, req.input, personality, model, genCtx.Variants); err != nil {
			h.logger.WithError(err).Warn("Failed to cache variants")
		}
	}

	return h.deliver(ctx, userID, chatID, lang, active.ID, genCtx, progress.MessageID)
}

// deliver sends the variants with the rating keyboard and records the
// generation against the chat.
func (h *MessageHandler) deliver(ctx context.Context, userID, chatID int64, lang string, activeChatID int64, genCtx *models.GenerationContext, progressMessageID int) error {
	if err := h.chats.TouchChat(ctx, userID, activeChatID); err != nil {
		h.logger.WithError(err).Warn("Failed to touch chat")
	}

	h.sessions.Set(userID, session.State{
		Mode:        session.ModeGenerated,
		Personality: genCtx.Personality,
		Generation:  genCtx,
	})

	text := h.formatVariants(lang, genCtx.Variants)
	keyboard := ratingKeyboard(h.get(lang, i18n.MsgImproveButton, nil))

	if progressMessageID != 0 {
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, progressMessageID, text, keyboard)
		edit.ParseMode = "HTML"
		_, err := h.bot.Send(edit)
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	msg.ReplyMarkup = keyboard
	_, err := h.bot.Send(msg)
	return err
}

func (h *MessageHandler) formatVariants(lang string, variants []string) string {
	var b strings.Builder
	b.WriteString(h.get(lang, i18n.MsgVariantsHeader, nil))
	b.WriteString("\n")
	for i, v := range variants {
		fmt.Fprintf(&b, "\n<b>%d.</b> %s\n", i+1, markdown.ToTelegramHTML(v))
	}
	return b.String()
}

func (h *MessageHandler) defaultPersonality() string {
	personalities := h.aiService.Personalities()
	if len(personalities) == 0 {
		return ""
	}
	return personalities[0].ID
}

func (h *MessageHandler) reply(chatID int64, text string) error {
	_, err := h.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (h *MessageHandler) get(lang, messageID string, data map[string]interface{}) string {
	return h.localizer.Get(lang, messageID, data)
}

func (h *MessageHandler) userLanguage(user *models.User) string {
	if lang, ok := user.Settings["language"]; ok && lang != "" {
		return lang
	}
	return h.config.I18n.DefaultLanguage
}

// pickByIndex resolves a 1-based typed index against the candidate list.
func pickByIndex(candidates []models.Chat, text string) (*models.Chat, bool) {
	idx, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || idx < 1 || idx > len(candidates) {
		return nil, false
	}
	return &candidates[idx-1], true
}
