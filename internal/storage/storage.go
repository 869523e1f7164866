package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Limits holds the validation policy both backends enforce.
type Limits struct {
	MaxChatsPerUser   int
	MaxChatNameLength int
}

// Store defines the persistence contract. The sqlite and file backends
// must produce identical logical results for every operation.
type Store interface {
	// User operations
	GetOrCreateUser(ctx context.Context, telegramID int64, profile models.UserProfile) (*models.User, error)
	SetUserSetting(ctx context.Context, userID int64, key, value string) (*models.User, error)

	// Chat operations
	CreateChat(ctx context.Context, userID int64, name, model string) (*models.Chat, error)
	ListChats(ctx context.Context, userID int64) ([]models.Chat, error)
	GetActiveChat(ctx context.Context, userID int64) (*models.Chat, error)
	SetActiveChat(ctx context.Context, userID, chatID int64) (*models.Chat, error)
	RenameChat(ctx context.Context, userID, chatID int64, newName string) (*models.Chat, error)
	SetChatModel(ctx context.Context, userID, chatID int64, model string) (*models.Chat, error)
	DeleteChat(ctx context.Context, userID, chatID int64) (*models.Chat, error)
	TouchChat(ctx context.Context, userID, chatID int64) error
	ListStaleChats(ctx context.Context, cutoff time.Time) ([]models.Chat, error)

	// Feedback operations
	RecordFeedback(ctx context.Context, fb *models.Feedback) (string, error)
	ListFeedback(ctx context.Context, userID int64) ([]models.Feedback, error)
	GetUserFeedbackStats(ctx context.Context, userID int64) (*models.FeedbackStats, error)
	GetGlobalFeedbackStats(ctx context.Context) (*models.FeedbackStats, error)
	PurgeFeedbackOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Degraded reports whether the backend lost durability (flat-file
	// flush failure); in-memory state stays authoritative until restart.
	Degraded() bool

	Close() error
}

// Manager selects a backend once at startup and delegates to it. The
// rest of the application depends only on Manager, never on which
// backend is active.
type Manager struct {
	store    Store
	logger   *logrus.Logger
	observer func(op string, seconds float64)
}

// NewManager creates a storage manager for the configured backend.
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	limits := Limits{
		MaxChatsPerUser:   cfg.Chats.MaxPerUser,
		MaxChatNameLength: cfg.Chats.MaxNameLength,
	}

	var (
		store Store
		err   error
	)
	switch cfg.Storage.Type {
	case "sqlite":
		store, err = NewSQLiteStore(cfg.Storage.SQLite.Path, limits, logger)
	case "file":
		store, err = NewFileStore(cfg.Storage.File.Directory, limits, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.WithField("backend", cfg.Storage.Type).Info("Storage initialized")

	return &Manager{store: store, logger: logger}, nil
}

// NewManagerWithStore wraps an already constructed backend. Used by tests.
func NewManagerWithStore(store Store, logger *logrus.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// SetObserver installs a per-operation duration callback, used to feed
// the storage metrics histogram.
func (m *Manager) SetObserver(fn func(op string, seconds float64)) {
	m.observer = fn
}

func (m *Manager) observe(op string) func() {
	if m.observer == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.observer(op, time.Since(start).Seconds())
	}
}

func (m *Manager) GetOrCreateUser(ctx context.Context, telegramID int64, profile models.UserProfile) (*models.User, error) {
	defer m.observe("get_or_create_user")()
	return m.store.GetOrCreateUser(ctx, telegramID, profile)
}

func (m *Manager) SetUserSetting(ctx context.Context, userID int64, key, value string) (*models.User, error) {
	defer m.observe("set_user_setting")()
	return m.store.SetUserSetting(ctx, userID, key, value)
}

func (m *Manager) CreateChat(ctx context.Context, userID int64, name, model string) (*models.Chat, error) {
	defer m.observe("create_chat")()
	return m.store.CreateChat(ctx, userID, name, model)
}

func (m *Manager) ListChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	defer m.observe("list_chats")()
	return m.store.ListChats(ctx, userID)
}

func (m *Manager) GetActiveChat(ctx context.Context, userID int64) (*models.Chat, error) {
	defer m.observe("get_active_chat")()
	return m.store.GetActiveChat(ctx, userID)
}

func (m *Manager) SetActiveChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	defer m.observe("set_active_chat")()
	return m.store.SetActiveChat(ctx, userID, chatID)
}

func (m *Manager) RenameChat(ctx context.Context, userID, chatID int64, newName string) (*models.Chat, error) {
	defer m.observe("rename_chat")()
	return m.store.RenameChat(ctx, userID, chatID, newName)
}

func (m *Manager) SetChatModel(ctx context.Context, userID, chatID int64, model string) (*models.Chat, error) {
	defer m.observe("set_chat_model")()
	return m.store.SetChatModel(ctx, userID, chatID, model)
}

func (m *Manager) DeleteChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	defer m.observe("delete_chat")()
	return m.store.DeleteChat(ctx, userID, chatID)
}

func (m *Manager) TouchChat(ctx context.Context, userID, chatID int64) error {
	defer m.observe("touch_chat")()
	return m.store.TouchChat(ctx, userID, chatID)
}

func (m *Manager) ListStaleChats(ctx context.Context, cutoff time.Time) ([]models.Chat, error) {
	defer m.observe("list_stale_chats")()
	return m.store.ListStaleChats(ctx, cutoff)
}

func (m *Manager) RecordFeedback(ctx context.Context, fb *models.Feedback) (string, error) {
	defer m.observe("record_feedback")()
	return m.store.RecordFeedback(ctx, fb)
}

func (m *Manager) ListFeedback(ctx context.Context, userID int64) ([]models.Feedback, error) {
	defer m.observe("list_feedback")()
	return m.store.ListFeedback(ctx, userID)
}

func (m *Manager) GetUserFeedbackStats(ctx context.Context, userID int64) (*models.FeedbackStats, error) {
	defer m.observe("user_feedback_stats")()
	return m.store.GetUserFeedbackStats(ctx, userID)
}

func (m *Manager) GetGlobalFeedbackStats(ctx context.Context) (*models.FeedbackStats, error) {
	defer m.observe("global_feedback_stats")()
	return m.store.GetGlobalFeedbackStats(ctx)
}

func (m *Manager) PurgeFeedbackOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	defer m.observe("purge_feedback")()
	return m.store.PurgeFeedbackOlderThan(ctx, cutoff)
}

func (m *Manager) Degraded() bool {
	return m.store.Degraded()
}

func (m *Manager) Close() error {
	return m.store.Close()
}

// validateChatName applies the shared naming policy.
func validateChatName(name string, limits Limits) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len([]rune(name)) > limits.MaxChatNameLength {
		return &ValidationError{
			Field:  "name",
			Reason: fmt.Sprintf("exceeds maximum length of %d", limits.MaxChatNameLength),
		}
	}
	return nil
}

// validateFeedback applies the shared feedback policy.
func validateFeedback(fb *models.Feedback) error {
	switch fb.Kind {
	case models.FeedbackRating:
		if fb.Rating < 1 || fb.Rating > 5 {
			return &ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
		}
	case models.FeedbackImprovement:
		if fb.Text == "" {
			return &ValidationError{Field: "text", Reason: "must not be empty"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown feedback kind %q", fb.Kind)}
	}
	return nil
}

// computeStats recomputes aggregate statistics from a full record set.
// Volumes are small enough that incremental maintenance is not worth it.
func computeStats(records []models.Feedback) *models.FeedbackStats {
	stats := &models.FeedbackStats{
		Ratings: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
	}

	ratingSum := 0
	ratingCount := 0
	for _, fb := range records {
		stats.Total++
		switch fb.Kind {
		case models.FeedbackRating:
			stats.Ratings[fb.Rating]++
			ratingSum += fb.Rating
			ratingCount++
		case models.FeedbackImprovement:
			stats.ImprovementCount++
		}
	}

	if ratingCount > 0 {
		stats.AverageRating = roundToOneDecimal(float64(ratingSum) / float64(ratingCount))
	}

	return stats
}

func roundToOneDecimal(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
