package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/comment-ai-tgbot-go/internal/storage"
	"github.com/sirupsen/logrus"
)

// Manager owns the chat lifecycle on top of the storage backend. It
// re-checks the naming and capacity policy before calling into storage
// (storage enforces it as well) and resolves the replacement active
// chat after deletions.
type Manager struct {
	store   *storage.Manager
	cfg     config.ChatsConfig
	sweep   config.SweepConfig
	logger  *logrus.Logger
	onSwept func(removed int)
}

// NewManager creates a chat manager.
func NewManager(store *storage.Manager, cfg config.ChatsConfig, sweep config.SweepConfig, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		sweep:  sweep,
		logger: logger,
	}
}

// CreateChat creates a chat and makes it the user's sole active chat.
func (m *Manager) CreateChat(ctx context.Context, userID int64, name, model string) (*models.Chat, error) {
	if len([]rune(name)) > m.cfg.MaxNameLength {
		return nil, &storage.ValidationError{
			Field:  "name",
			Reason: fmt.Sprintf("exceeds maximum length of %d", m.cfg.MaxNameLength),
		}
	}

	chats, err := m.store.ListChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	if len(chats) >= m.cfg.MaxPerUser {
		return nil, storage.ErrLimitExceeded
	}

	return m.store.CreateChat(ctx, userID, name, model)
}

func (m *Manager) ListChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	return m.store.ListChats(ctx, userID)
}

func (m *Manager) GetActiveChat(ctx context.Context, userID int64) (*models.Chat, error) {
	return m.store.GetActiveChat(ctx, userID)
}

func (m *Manager) SetActiveChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	return m.store.SetActiveChat(ctx, userID, chatID)
}

func (m *Manager) RenameChat(ctx context.Context, userID, chatID int64, newName string) (*models.Chat, error) {
	if len([]rune(newName)) > m.cfg.MaxNameLength {
		return nil, &storage.ValidationError{
			Field:  "name",
			Reason: fmt.Sprintf("exceeds maximum length of %d", m.cfg.MaxNameLength),
		}
	}
	return m.store.RenameChat(ctx, userID, chatID, newName)
}

func (m *Manager) SetChatModel(ctx context.Context, userID, chatID int64, model string) (*models.Chat, error) {
	return m.store.SetChatModel(ctx, userID, chatID, model)
}

// DeleteChat removes a chat and returns the deleted record. If the
// deleted chat was active, the most recently updated remaining chat is
// promoted; a user whose last chat is deleted ends up with no active
// chat.
func (m *Manager) DeleteChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	deleted, err := m.store.DeleteChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	if deleted.Active {
		if err := m.promoteReplacement(ctx, userID); err != nil {
			m.logger.WithError(err).WithField("user_id", userID).Error("Failed to promote replacement active chat")
		}
	}

	return deleted, nil
}

func (m *Manager) promoteReplacement(ctx context.Context, userID int64) error {
	chats, err := m.store.ListChats(ctx, userID)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		return nil
	}
	// ListChats orders by most recently updated first.
	_, err = m.store.SetActiveChat(ctx, userID, chats[0].ID)
	return err
}

// TouchChat bumps the message counter and updated timestamp after a
// generation lands in the chat.
func (m *Manager) TouchChat(ctx context.Context, userID, chatID int64) error {
	return m.store.TouchChat(ctx, userID, chatID)
}

// RunSweep removes chats idle beyond the retention window. It works
// chat-by-chat against the age predicate evaluated at scan time, so it
// is idempotent and safe to run alongside foreground operations.
func (m *Manager) RunSweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -m.cfg.RetentionDays)
	stale, err := m.store.ListStaleChats(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale chats: %w", err)
	}

	removed := 0
	for _, chat := range stale {
		if _, err := m.DeleteChat(ctx, chat.UserID, chat.ID); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"user_id": chat.UserID,
				"chat_id": chat.ID,
			}).Warn("Sweep failed to delete stale chat")
			continue
		}
		removed++
	}

	m.logger.WithFields(logrus.Fields{
		"removed": removed,
		"cutoff":  cutoff,
	}).Info("Chat retention sweep finished")

	return removed, nil
}

// SetSweepObserver installs a callback invoked with the removal count
// after each successful sweep.
func (m *Manager) SetSweepObserver(fn func(removed int)) {
	m.onSwept = fn
}

// StartSweeper runs the retention sweep on the configured interval
// until the context is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweep.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := m.RunSweep(ctx, time.Now())
				if err != nil {
					m.logger.WithError(err).Error("Chat sweep failed")
					continue
				}
				if m.onSwept != nil {
					m.onSwept(removed)
				}
			}
		}
	}()
}
