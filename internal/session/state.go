package session

import (
	"strconv"
	"time"

	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Mode names the input the bot is currently waiting for from a user.
// Multi-step commands move through these modes; terminal steps clear
// the state back to idle.
type Mode string

const (
	ModeIdle                    Mode = "idle"
	ModeAwaitingModelName       Mode = "awaiting_model_name"
	ModeAwaitingChatName        Mode = "awaiting_chat_name"
	ModeAwaitingChatSelection   Mode = "awaiting_chat_selection"
	ModeAwaitingRenameTarget    Mode = "awaiting_rename_target"
	ModeAwaitingRenameValue     Mode = "awaiting_rename_value"
	ModeAwaitingDeleteTarget    Mode = "awaiting_delete_target"
	ModeAwaitingGenerationText  Mode = "awaiting_generation_text"
	ModeGenerated               Mode = "generated"
	ModeAwaitingRatingTarget    Mode = "awaiting_rating_target"
	ModeAwaitingImprovementText Mode = "awaiting_improvement_text"
)

var knownModes = map[Mode]bool{
	ModeIdle:                    true,
	ModeAwaitingModelName:       true,
	ModeAwaitingChatName:        true,
	ModeAwaitingChatSelection:   true,
	ModeAwaitingRenameTarget:    true,
	ModeAwaitingRenameValue:     true,
	ModeAwaitingDeleteTarget:    true,
	ModeAwaitingGenerationText:  true,
	ModeGenerated:               true,
	ModeAwaitingRatingTarget:    true,
	ModeAwaitingImprovementText: true,
}

// State is the per-user session state. Set replaces the whole value, so
// callers carry forward any fields they want to retain.
type State struct {
	Mode Mode

	// Candidates is the chat list being selected from by index
	// (rename/delete target selection).
	Candidates []models.Chat

	// RenameTarget is the chat chosen during a rename flow.
	RenameTarget int64

	// Personality is the style selected for the pending generation.
	Personality string

	// Generation carries the in-flight or last completed generation
	// context so follow-up rating and improvement actions can
	// reference it.
	Generation *models.GenerationContext
}

// Store holds per-user session state in memory. Entries expire after
// the TTL so abandoned flows do not linger.
type Store struct {
	states *cache.Cache
	logger *logrus.Logger
}

// NewStore creates a session state store.
func NewStore(ttl time.Duration, logger *logrus.Logger) *Store {
	return &Store{
		states: cache.New(ttl, ttl/2),
		logger: logger,
	}
}

// Get returns the current state for a user, or an idle state if none is
// set. A corrupted or unknown state resets to idle rather than
// crashing: a broken session must not take down the process.
func (s *Store) Get(userID int64) State {
	val, found := s.states.Get(key(userID))
	if !found {
		return State{Mode: ModeIdle}
	}

	state, ok := val.(State)
	if !ok || !knownModes[state.Mode] {
		s.logger.WithField("user_id", userID).Warn("Unknown session state, resetting to idle")
		s.states.Delete(key(userID))
		return State{Mode: ModeIdle}
	}
	return state
}

// Set replaces the state for a user.
func (s *Store) Set(userID int64, state State) {
	s.states.SetDefault(key(userID), state)
}

// Clear returns the user to idle.
func (s *Store) Clear(userID int64) {
	s.states.Delete(key(userID))
}

func key(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
