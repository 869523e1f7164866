package models

import (
	"time"
)

// User represents a bot user, created lazily on first interaction.
type User struct {
	ID         int64             `json:"id"`
	TelegramID int64             `json:"telegram_id"`
	Username   string            `json:"username"`
	FirstName  string            `json:"first_name"`
	Settings   map[string]string `json:"settings,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// UserProfile carries the profile hints available on first contact.
// Ignored when the user already exists.
type UserProfile struct {
	Username  string
	FirstName string
}

// Chat is a named generation workspace. At most one chat per user is
// active at any time.
type Chat struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	Active       bool      `json:"active"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FeedbackKind discriminates feedback records.
type FeedbackKind string

const (
	FeedbackRating      FeedbackKind = "rating"
	FeedbackImprovement FeedbackKind = "improvement"
)

// GenerationContext is a snapshot of one generation event, kept so that
// later ratings and improvement requests can reference it.
type GenerationContext struct {
	EventID     string   `json:"event_id"`
	Input       string   `json:"input"`
	Personality string   `json:"personality"`
	Model       string   `json:"model"`
	ChatID      int64    `json:"chat_id"`
	Variants    []string `json:"variants,omitempty"`
}

// Feedback is an append-only record tied to a generation event.
// Rating is set for rating-kind records, Text for improvement requests.
type Feedback struct {
	ID        string            `json:"id"`
	UserID    int64             `json:"user_id"`
	EventID   string            `json:"event_id"`
	Kind      FeedbackKind      `json:"kind"`
	Rating    int               `json:"rating,omitempty"`
	Text      string            `json:"text,omitempty"`
	Context   GenerationContext `json:"context"`
	CreatedAt time.Time         `json:"created_at"`
}

// FeedbackStats aggregates feedback records. AverageRating covers
// rating-kind records only, rounded to one decimal, zero when no
// ratings exist.
type FeedbackStats struct {
	Total            int         `json:"total"`
	Ratings          map[int]int `json:"ratings"`
	ImprovementCount int         `json:"improvement_count"`
	AverageRating    float64     `json:"average_rating"`
}

// Message is one turn sent to the generation API.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
