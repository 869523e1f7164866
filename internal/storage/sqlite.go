package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"
)

// migrations is the ordered schema ledger. Applied versions are recorded
// in schema_migrations and never re-run.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		telegram_id INTEGER UNIQUE NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users (id)
	)`,
	`CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('rating', 'improvement')),
		rating INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		input_text TEXT NOT NULL DEFAULT '',
		personality TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		chat_id INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users (id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chats_user ON chats (user_id, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_feedback_user ON feedback (user_id, created_at)`,
}

// SQLiteStore implements Store on a relational schema.
type SQLiteStore struct {
	db     *sql.DB
	limits Limits
	logger *logrus.Logger
}

func NewSQLiteStore(dataSourceName string, limits Limits, logger *logrus.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, limits: limits, logger: logger}
	if err = store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}

	var current int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", i+1, time.Now().UTC()); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.WithField("version", i+1).Info("Applied schema migration")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Degraded always reports false: sqlite writes are durable or fail loudly.
func (s *SQLiteStore) Degraded() bool {
	return false
}

func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, telegramID int64, profile models.UserProfile) (*models.User, error) {
	user, err := s.getUserByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (telegram_id, username, first_name, created_at) VALUES (?, ?, ?, ?)",
		telegramID, profile.Username, profile.FirstName, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.User{
		ID:         id,
		TelegramID: telegramID,
		Username:   profile.Username,
		FirstName:  profile.FirstName,
		Settings:   map[string]string{},
		CreatedAt:  now,
	}, nil
}

func (s *SQLiteStore) getUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, telegram_id, username, first_name, settings, created_at FROM users WHERE telegram_id = ?",
		telegramID))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	var settings string
	err := row.Scan(&user.ID, &user.TelegramID, &user.Username, &user.FirstName, &settings, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &user.Settings); err != nil {
		user.Settings = map[string]string{}
	}
	return &user, nil
}

func (s *SQLiteStore) SetUserSetting(ctx context.Context, userID int64, key, value string) (*models.User, error) {
	user, err := s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, telegram_id, username, first_name, settings, created_at FROM users WHERE id = ?", userID))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}

	if user.Settings == nil {
		user.Settings = map[string]string{}
	}
	user.Settings[key] = value

	data, err := json.Marshal(user.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE users SET settings = ? WHERE id = ?", string(data), userID); err != nil {
		return nil, fmt.Errorf("failed to update settings: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) CreateChat(ctx context.Context, userID int64, name, model string) (*models.Chat, error) {
	if err := validateChatName(name, s.limits); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM chats WHERE user_id = ?", userID).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count chats: %w", err)
	}
	if count >= s.limits.MaxChatsPerUser {
		return nil, ErrLimitExceeded
	}

	// The new chat becomes the sole active chat in the same transaction.
	if _, err := tx.ExecContext(ctx, "UPDATE chats SET active = 0 WHERE user_id = ?", userID); err != nil {
		return nil, fmt.Errorf("failed to deactivate chats: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO chats (user_id, name, model, active, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)",
		userID, name, model, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.Chat{
		ID:        id,
		UserID:    userID,
		Name:      name,
		Model:     model,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, model, active, message_count, created_at, updated_at FROM chats WHERE user_id = ? ORDER BY updated_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()
	return scanChats(rows)
}

func scanChats(rows *sql.Rows) ([]models.Chat, error) {
	var chats []models.Chat
	for rows.Next() {
		var chat models.Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Name, &chat.Model, &chat.Active,
			&chat.MessageCount, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) getChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, model, active, message_count, created_at, updated_at FROM chats WHERE id = ? AND user_id = ?",
		chatID, userID).Scan(&chat.ID, &chat.UserID, &chat.Name, &chat.Model, &chat.Active,
		&chat.MessageCount, &chat.CreatedAt, &chat.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

func (s *SQLiteStore) GetActiveChat(ctx context.Context, userID int64) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, model, active, message_count, created_at, updated_at FROM chats WHERE user_id = ? AND active = 1",
		userID).Scan(&chat.ID, &chat.UserID, &chat.Name, &chat.Model, &chat.Active,
		&chat.MessageCount, &chat.CreatedAt, &chat.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active chat: %w", err)
	}
	return &chat, nil
}

func (s *SQLiteStore) SetActiveChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM chats WHERE id = ? AND user_id = ?", chatID, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check chat ownership: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "UPDATE chats SET active = 0 WHERE user_id = ?", userID); err != nil {
		return nil, fmt.Errorf("failed to deactivate chats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE chats SET active = 1 WHERE id = ?", chatID); err != nil {
		return nil, fmt.Errorf("failed to activate chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.getChat(ctx, userID, chatID)
}

func (s *SQLiteStore) RenameChat(ctx context.Context, userID, chatID int64, newName string) (*models.Chat, error) {
	if err := validateChatName(newName, s.limits); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE chats SET name = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		newName, time.Now().UTC(), chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to rename chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.getChat(ctx, userID, chatID)
}

func (s *SQLiteStore) SetChatModel(ctx context.Context, userID, chatID int64, model string) (*models.Chat, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE chats SET model = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		model, time.Now().UTC(), chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to set chat model: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.getChat(ctx, userID, chatID)
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	chat, err := s.getChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE id = ? AND user_id = ?", chatID, userID); err != nil {
		return nil, fmt.Errorf("failed to delete chat: %w", err)
	}
	return chat, nil
}

func (s *SQLiteStore) TouchChat(ctx context.Context, userID, chatID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE chats SET message_count = message_count + 1, updated_at = ? WHERE id = ? AND user_id = ?",
		time.Now().UTC(), chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListStaleChats(ctx context.Context, cutoff time.Time) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, model, active, message_count, created_at, updated_at FROM chats WHERE updated_at < ?",
		cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale chats: %w", err)
	}
	defer rows.Close()
	return scanChats(rows)
}

func (s *SQLiteStore) RecordFeedback(ctx context.Context, fb *models.Feedback) (string, error) {
	if err := validateFeedback(fb); err != nil {
		return "", err
	}

	id := fb.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := fb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, user_id, event_id, kind, rating, text, input_text, personality, model, chat_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, fb.UserID, fb.EventID, string(fb.Kind), fb.Rating, fb.Text,
		fb.Context.Input, fb.Context.Personality, fb.Context.Model, fb.Context.ChatID, createdAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert feedback: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ListFeedback(ctx context.Context, userID int64) ([]models.Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, event_id, kind, rating, text, input_text, personality, model, chat_id, created_at
		 FROM feedback WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var records []models.Feedback
	for rows.Next() {
		var fb models.Feedback
		var kind string
		if err := rows.Scan(&fb.ID, &fb.UserID, &fb.EventID, &kind, &fb.Rating, &fb.Text,
			&fb.Context.Input, &fb.Context.Personality, &fb.Context.Model, &fb.Context.ChatID, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}
		fb.Kind = models.FeedbackKind(kind)
		fb.Context.EventID = fb.EventID
		records = append(records, fb)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) GetUserFeedbackStats(ctx context.Context, userID int64) (*models.FeedbackStats, error) {
	return s.feedbackStats(ctx, "SELECT kind, rating FROM feedback WHERE user_id = ?", userID)
}

func (s *SQLiteStore) GetGlobalFeedbackStats(ctx context.Context) (*models.FeedbackStats, error) {
	return s.feedbackStats(ctx, "SELECT kind, rating FROM feedback")
}

func (s *SQLiteStore) feedbackStats(ctx context.Context, query string, args ...interface{}) (*models.FeedbackStats, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var records []models.Feedback
	for rows.Next() {
		var fb models.Feedback
		var kind string
		if err := rows.Scan(&kind, &fb.Rating); err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}
		fb.Kind = models.FeedbackKind(kind)
		records = append(records, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return computeStats(records), nil
}

func (s *SQLiteStore) PurgeFeedbackOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM feedback WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge feedback: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
