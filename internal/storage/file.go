package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	usersFile    = "users.json"
	chatsFile    = "chats.json"
	feedbackFile = "feedback.json"
)

// usersDoc is the settings-by-user document.
type usersDoc struct {
	NextID int64                  `json:"next_id"`
	Users  map[int64]*models.User `json:"users"`
}

// chatsDoc is the chats-by-user document.
type chatsDoc struct {
	NextID int64                    `json:"next_id"`
	Chats  map[int64][]*models.Chat `json:"chats"`
}

// feedbackDoc is the append-only feedback document.
type feedbackDoc struct {
	Records []*models.Feedback `json:"records"`
}

// FileStore implements Store on flat JSON documents. All mutations are
// serialized through a single writer lock and flushed to disk after each
// call; a failed flush marks the store degraded while the in-memory
// state stays authoritative until restart. There is no relational
// engine behind it, so every integrity check (single active chat,
// ownership) happens here.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	limits   Limits
	logger   *logrus.Logger
	degraded bool

	users    usersDoc
	chats    chatsDoc
	feedback feedbackDoc
}

func NewFileStore(dir string, limits Limits, logger *logrus.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	s := &FileStore{
		dir:    dir,
		limits: limits,
		logger: logger,
		users:  usersDoc{NextID: 1, Users: make(map[int64]*models.User)},
		chats:  chatsDoc{NextID: 1, Chats: make(map[int64][]*models.Chat)},
	}

	if err := s.loadDoc(usersFile, &s.users); err != nil {
		return nil, err
	}
	if err := s.loadDoc(chatsFile, &s.chats); err != nil {
		return nil, err
	}
	if err := s.loadDoc(feedbackFile, &s.feedback); err != nil {
		return nil, err
	}
	if s.users.Users == nil {
		s.users.Users = make(map[int64]*models.User)
	}
	if s.chats.Chats == nil {
		s.chats.Chats = make(map[int64][]*models.Chat)
	}
	if s.users.NextID == 0 {
		s.users.NextID = 1
	}
	if s.chats.NextID == 0 {
		s.chats.NextID = 1
	}

	return s, nil
}

func (s *FileStore) loadDoc(name string, v interface{}) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// flushDoc writes a document atomically via temp file and rename. On
// failure the mutation is not lost: memory stays authoritative and the
// store reports degraded persistence.
func (s *FileStore) flushDoc(name string, v interface{}) {
	path := filepath.Join(s.dir, name)
	data, err := json.MarshalIndent(v, "", "  ")
	if err == nil {
		tmp := path + ".tmp"
		if werr := os.WriteFile(tmp, data, 0644); werr != nil {
			err = werr
		} else {
			err = os.Rename(tmp, path)
		}
	}
	if err != nil {
		s.degraded = true
		s.logger.WithError(err).WithField("file", name).Warn("Persistence degraded: flush failed, in-memory state remains authoritative")
		return
	}
}

func (s *FileStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *FileStore) Close() error {
	return nil
}

// cloneUser copies a user record including its settings map, so callers
// never alias store-internal state and always see a non-nil map.
func cloneUser(user *models.User) *models.User {
	u := *user
	u.Settings = make(map[string]string, len(user.Settings))
	for k, v := range user.Settings {
		u.Settings[k] = v
	}
	return &u
}

func (s *FileStore) GetOrCreateUser(ctx context.Context, telegramID int64, profile models.UserProfile) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, user := range s.users.Users {
		if user.TelegramID == telegramID {
			return cloneUser(user), nil
		}
	}

	user := &models.User{
		ID:         s.users.NextID,
		TelegramID: telegramID,
		Username:   profile.Username,
		FirstName:  profile.FirstName,
		CreatedAt:  time.Now().UTC(),
	}
	s.users.NextID++
	s.users.Users[user.ID] = user
	s.flushDoc(usersFile, &s.users)

	return cloneUser(user), nil
}

func (s *FileStore) SetUserSetting(ctx context.Context, userID int64, key, value string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users.Users[userID]
	if !exists {
		return nil, ErrNotFound
	}

	if user.Settings == nil {
		user.Settings = map[string]string{}
	}
	user.Settings[key] = value
	s.flushDoc(usersFile, &s.users)

	return cloneUser(user), nil
}

func (s *FileStore) CreateChat(ctx context.Context, userID int64, name, model string) (*models.Chat, error) {
	if err := validateChatName(name, s.limits); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.chats.Chats[userID]
	if len(existing) >= s.limits.MaxChatsPerUser {
		return nil, ErrLimitExceeded
	}

	for _, chat := range existing {
		chat.Active = false
	}

	now := time.Now().UTC()
	chat := &models.Chat{
		ID:        s.chats.NextID,
		UserID:    userID,
		Name:      name,
		Model:     model,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.chats.NextID++
	s.chats.Chats[userID] = append(existing, chat)
	s.flushDoc(chatsFile, &s.chats)

	c := *chat
	return &c, nil
}

func (s *FileStore) ListChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listChatsLocked(userID), nil
}

func (s *FileStore) listChatsLocked(userID int64) []models.Chat {
	var chats []models.Chat
	for _, chat := range s.chats.Chats[userID] {
		chats = append(chats, *chat)
	}
	sort.SliceStable(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID > chats[j].ID
	})
	return chats
}

func (s *FileStore) findChatLocked(userID, chatID int64) *models.Chat {
	for _, chat := range s.chats.Chats[userID] {
		if chat.ID == chatID {
			return chat
		}
	}
	return nil
}

func (s *FileStore) GetActiveChat(ctx context.Context, userID int64) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chat := range s.chats.Chats[userID] {
		if chat.Active {
			c := *chat
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) SetActiveChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.findChatLocked(userID, chatID)
	if target == nil {
		return nil, ErrNotFound
	}

	for _, chat := range s.chats.Chats[userID] {
		chat.Active = chat.ID == chatID
	}
	s.flushDoc(chatsFile, &s.chats)

	c := *target
	return &c, nil
}

func (s *FileStore) RenameChat(ctx context.Context, userID, chatID int64, newName string) (*models.Chat, error) {
	if err := validateChatName(newName, s.limits); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chat := s.findChatLocked(userID, chatID)
	if chat == nil {
		return nil, ErrNotFound
	}

	chat.Name = newName
	chat.UpdatedAt = time.Now().UTC()
	s.flushDoc(chatsFile, &s.chats)

	c := *chat
	return &c, nil
}

func (s *FileStore) SetChatModel(ctx context.Context, userID, chatID int64, model string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat := s.findChatLocked(userID, chatID)
	if chat == nil {
		return nil, ErrNotFound
	}

	chat.Model = model
	chat.UpdatedAt = time.Now().UTC()
	s.flushDoc(chatsFile, &s.chats)

	c := *chat
	return &c, nil
}

func (s *FileStore) DeleteChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chats := s.chats.Chats[userID]
	for i, chat := range chats {
		if chat.ID == chatID {
			s.chats.Chats[userID] = append(chats[:i], chats[i+1:]...)
			s.flushDoc(chatsFile, &s.chats)
			c := *chat
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) TouchChat(ctx context.Context, userID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat := s.findChatLocked(userID, chatID)
	if chat == nil {
		return ErrNotFound
	}

	chat.MessageCount++
	chat.UpdatedAt = time.Now().UTC()
	s.flushDoc(chatsFile, &s.chats)
	return nil
}

func (s *FileStore) ListStaleChats(ctx context.Context, cutoff time.Time) ([]models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []models.Chat
	for _, chats := range s.chats.Chats {
		for _, chat := range chats {
			if chat.UpdatedAt.Before(cutoff) {
				stale = append(stale, *chat)
			}
		}
	}
	return stale, nil
}

func (s *FileStore) RecordFeedback(ctx context.Context, fb *models.Feedback) (string, error) {
	if err := validateFeedback(fb); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := *fb
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	s.feedback.Records = append(s.feedback.Records, &record)
	s.flushDoc(feedbackFile, &s.feedback)
	return record.ID, nil
}

func (s *FileStore) ListFeedback(ctx context.Context, userID int64) ([]models.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []models.Feedback
	for _, fb := range s.feedback.Records {
		if fb.UserID == userID {
			records = append(records, *fb)
		}
	}
	// Newest first, matching the relational backend.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (s *FileStore) GetUserFeedbackStats(ctx context.Context, userID int64) (*models.FeedbackStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []models.Feedback
	for _, fb := range s.feedback.Records {
		if fb.UserID == userID {
			records = append(records, *fb)
		}
	}
	return computeStats(records), nil
}

func (s *FileStore) GetGlobalFeedbackStats(ctx context.Context) (*models.FeedbackStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []models.Feedback
	for _, fb := range s.feedback.Records {
		records = append(records, *fb)
	}
	return computeStats(records), nil
}

func (s *FileStore) PurgeFeedbackOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.feedback.Records[:0]
	removed := 0
	for _, fb := range s.feedback.Records {
		if fb.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, fb)
	}
	s.feedback.Records = kept
	if removed > 0 {
		s.flushDoc(feedbackFile, &s.feedback)
	}
	return removed, nil
}
