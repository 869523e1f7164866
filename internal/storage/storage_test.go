package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = Limits{MaxChatsPerUser: 3, MaxChatNameLength: 50}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newBackends builds one store per backend. Every conformance test runs
// against both; the backends must be logically indistinguishable.
func newBackends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLimits, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	file, err := NewFileStore(t.TempDir(), testLimits, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })

	return map[string]Store{"sqlite": sqlite, "file": file}
}

func TestGetOrCreateUserIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			first, err := store.GetOrCreateUser(ctx, 42, models.UserProfile{Username: "alice", FirstName: "Alice"})
			require.NoError(t, err)
			assert.Equal(t, int64(42), first.TelegramID)
			assert.Equal(t, "alice", first.Username)

			// Profile hints are ignored on repeat contact.
			second, err := store.GetOrCreateUser(ctx, 42, models.UserProfile{Username: "changed"})
			require.NoError(t, err)
			assert.Equal(t, first.ID, second.ID)
			assert.Equal(t, "alice", second.Username)
		})
	}
}

func TestUserSettingsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)
			require.NotNil(t, user.Settings)

			// Mutating the returned map must not leak into the store.
			user.Settings["language"] = "zh"

			again, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)
			assert.Empty(t, again.Settings)
		})
	}
}

func TestSetUserSetting(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			updated, err := store.SetUserSetting(ctx, user.ID, "language", "zh")
			require.NoError(t, err)
			assert.Equal(t, "zh", updated.Settings["language"])

			// Persisted, not just returned.
			again, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)
			assert.Equal(t, "zh", again.Settings["language"])

			_, err = store.SetUserSetting(ctx, 9999, "language", "en")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCreateChatSingleActive(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			first, err := store.CreateChat(ctx, user.ID, "first", "m1")
			require.NoError(t, err)
			assert.True(t, first.Active)

			second, err := store.CreateChat(ctx, user.ID, "second", "m1")
			require.NoError(t, err)
			assert.True(t, second.Active)

			chats, err := store.ListChats(ctx, user.ID)
			require.NoError(t, err)
			require.Len(t, chats, 2)

			activeCount := 0
			for _, c := range chats {
				if c.Active {
					activeCount++
					assert.Equal(t, second.ID, c.ID)
				}
			}
			assert.Equal(t, 1, activeCount)
		})
	}
}

func TestCreateChatCapacity(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			for i := 0; i < testLimits.MaxChatsPerUser; i++ {
				_, err := store.CreateChat(ctx, user.ID, "chat", "m1")
				require.NoError(t, err)
			}

			before, err := store.ListChats(ctx, user.ID)
			require.NoError(t, err)

			_, err = store.CreateChat(ctx, user.ID, "overflow", "m1")
			assert.ErrorIs(t, err, ErrLimitExceeded)

			// The failed creation changes nothing, including the active chat.
			after, err := store.ListChats(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestChatNameValidation(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			// Length is counted in runes, not bytes.
			atLimit := strings.Repeat("语", testLimits.MaxChatNameLength)
			_, err = store.CreateChat(ctx, user.ID, atLimit, "m1")
			assert.NoError(t, err)

			var ve *ValidationError
			_, err = store.CreateChat(ctx, user.ID, atLimit+"x", "m1")
			assert.ErrorAs(t, err, &ve)

			_, err = store.CreateChat(ctx, user.ID, "", "m1")
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestActiveChatLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			_, err = store.GetActiveChat(ctx, user.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			created, err := store.CreateChat(ctx, user.ID, "only", "m1")
			require.NoError(t, err)

			active, err := store.GetActiveChat(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, created.ID, active.ID)

			_, err = store.SetActiveChat(ctx, user.ID, 9999)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSetActiveChatSwitches(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			first, err := store.CreateChat(ctx, user.ID, "first", "m1")
			require.NoError(t, err)
			_, err = store.CreateChat(ctx, user.ID, "second", "m1")
			require.NoError(t, err)

			selected, err := store.SetActiveChat(ctx, user.ID, first.ID)
			require.NoError(t, err)
			assert.True(t, selected.Active)

			active, err := store.GetActiveChat(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, first.ID, active.ID)
		})
	}
}

func TestListChatsOrderedByRecency(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			a, err := store.CreateChat(ctx, user.ID, "a", "m1")
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
			b, err := store.CreateChat(ctx, user.ID, "b", "m1")
			require.NoError(t, err)

			chats, err := store.ListChats(ctx, user.ID)
			require.NoError(t, err)
			require.Len(t, chats, 2)
			assert.Equal(t, b.ID, chats[0].ID)

			// Touching a chat moves it to the front.
			time.Sleep(5 * time.Millisecond)
			require.NoError(t, store.TouchChat(ctx, user.ID, a.ID))

			chats, err = store.ListChats(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, a.ID, chats[0].ID)
			assert.Equal(t, 1, chats[0].MessageCount)
		})
	}
}

func TestRenameChat(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			chat, err := store.CreateChat(ctx, user.ID, "old", "m1")
			require.NoError(t, err)

			renamed, err := store.RenameChat(ctx, user.ID, chat.ID, "new")
			require.NoError(t, err)
			assert.Equal(t, "new", renamed.Name)

			var ve *ValidationError
			_, err = store.RenameChat(ctx, user.ID, chat.ID, strings.Repeat("x", testLimits.MaxChatNameLength+1))
			assert.ErrorAs(t, err, &ve)

			_, err = store.RenameChat(ctx, user.ID, 9999, "whatever")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDeleteChat(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			chat, err := store.CreateChat(ctx, user.ID, "doomed", "m1")
			require.NoError(t, err)

			deleted, err := store.DeleteChat(ctx, user.ID, chat.ID)
			require.NoError(t, err)
			assert.Equal(t, chat.ID, deleted.ID)
			assert.True(t, deleted.Active)

			_, err = store.DeleteChat(ctx, user.ID, chat.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = store.GetActiveChat(ctx, user.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestOwnershipIsolation(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			alice, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)
			bob, err := store.GetOrCreateUser(ctx, 2, models.UserProfile{})
			require.NoError(t, err)

			chat, err := store.CreateChat(ctx, alice.ID, "private", "m1")
			require.NoError(t, err)

			_, err = store.SetActiveChat(ctx, bob.ID, chat.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.RenameChat(ctx, bob.ID, chat.ID, "stolen")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.DeleteChat(ctx, bob.ID, chat.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListStaleChats(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			chat, err := store.CreateChat(ctx, user.ID, "idle", "m1")
			require.NoError(t, err)

			stale, err := store.ListStaleChats(ctx, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Empty(t, stale)

			stale, err = store.ListStaleChats(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, stale, 1)
			assert.Equal(t, chat.ID, stale[0].ID)
		})
	}
}

func TestFeedbackStats(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			genCtx := models.GenerationContext{EventID: "evt-1", Input: "some post", Model: "m1"}

			_, err = store.RecordFeedback(ctx, &models.Feedback{
				UserID: user.ID, EventID: genCtx.EventID, Kind: models.FeedbackRating, Rating: 4, Context: genCtx,
			})
			require.NoError(t, err)
			_, err = store.RecordFeedback(ctx, &models.Feedback{
				UserID: user.ID, EventID: genCtx.EventID, Kind: models.FeedbackRating, Rating: 5, Context: genCtx,
			})
			require.NoError(t, err)
			_, err = store.RecordFeedback(ctx, &models.Feedback{
				UserID: user.ID, EventID: genCtx.EventID, Kind: models.FeedbackImprovement, Text: "shorter please", Context: genCtx,
			})
			require.NoError(t, err)

			stats, err := store.GetUserFeedbackStats(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, stats.Total)
			assert.Equal(t, 1, stats.ImprovementCount)
			assert.Equal(t, 1, stats.Ratings[4])
			assert.Equal(t, 1, stats.Ratings[5])
			assert.Equal(t, 4.5, stats.AverageRating)
		})
	}
}

func TestListFeedback(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)
			other, err := store.GetOrCreateUser(ctx, 2, models.UserProfile{})
			require.NoError(t, err)

			genCtx := models.GenerationContext{EventID: "evt-1", Input: "post", Model: "m1"}
			earlier := time.Now().UTC().Add(-time.Minute)

			_, err = store.RecordFeedback(ctx, &models.Feedback{
				UserID: user.ID, EventID: genCtx.EventID, Kind: models.FeedbackRating, Rating: 4,
				Context: genCtx, CreatedAt: earlier,
			})
			require.NoError(t, err)
			_, err = store.RecordFeedback(ctx, &models.Feedback{
				UserID: user.ID, EventID: genCtx.EventID, Kind: models.FeedbackImprovement, Text: "shorter",
				Context: genCtx,
			})
			require.NoError(t, err)
			_, err = store.RecordFeedback(ctx, &models.Feedback{
				UserID: other.ID, EventID: "evt-2", Kind: models.FeedbackRating, Rating: 1,
			})
			require.NoError(t, err)

			records, err := store.ListFeedback(ctx, user.ID)
			require.NoError(t, err)
			require.Len(t, records, 2)

			// Newest first, with the generation context intact.
			assert.Equal(t, models.FeedbackImprovement, records[0].Kind)
			assert.Equal(t, "shorter", records[0].Text)
			assert.Equal(t, models.FeedbackRating, records[1].Kind)
			assert.Equal(t, "post", records[1].Context.Input)
			assert.Equal(t, "evt-1", records[1].Context.EventID)
		})
	}
}

func TestFeedbackValidation(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			var ve *ValidationError

			for _, rating := range []int{0, 6, -1} {
				_, err := store.RecordFeedback(ctx, &models.Feedback{
					UserID: 1, EventID: "evt", Kind: models.FeedbackRating, Rating: rating,
				})
				assert.ErrorAs(t, err, &ve, "rating %d must be rejected", rating)
			}

			_, err := store.RecordFeedback(ctx, &models.Feedback{
				UserID: 1, EventID: "evt", Kind: models.FeedbackImprovement, Text: "",
			})
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestGlobalStatsSpanUsers(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i, rating := range []int{3, 5} {
				user, err := store.GetOrCreateUser(ctx, int64(i+1), models.UserProfile{})
				require.NoError(t, err)
				_, err = store.RecordFeedback(ctx, &models.Feedback{
					UserID: user.ID, EventID: "evt", Kind: models.FeedbackRating, Rating: rating,
				})
				require.NoError(t, err)
			}

			stats, err := store.GetGlobalFeedbackStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, stats.Total)
			assert.Equal(t, 4.0, stats.AverageRating)
		})
	}
}

func TestPurgeFeedbackOlderThan(t *testing.T) {
	ctx := context.Background()
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			user, err := store.GetOrCreateUser(ctx, 1, models.UserProfile{})
			require.NoError(t, err)

			old := time.Now().UTC().AddDate(0, 0, -100)
			recent := time.Now().UTC()

			_, err = store.RecordFeedback(ctx, &models.Feedback{
				UserID: user.ID, EventID: "evt", Kind: models.FeedbackRating, Rating: 3, CreatedAt: old,
			})
			require.NoError(t, err)
			_, err = store.RecordFeedback(ctx, &models.Feedback{
				UserID: user.ID, EventID: "evt", Kind: models.FeedbackRating, Rating: 4, CreatedAt: recent,
			})
			require.NoError(t, err)

			removed, err := store.PurgeFeedbackOlderThan(ctx, time.Now().UTC().AddDate(0, 0, -90))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			stats, err := store.GetUserFeedbackStats(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Total)
			assert.Equal(t, 1, stats.Ratings[4])
		})
	}
}

func TestFileStoreReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir, testLimits, testLogger())
	require.NoError(t, err)

	user, err := store.GetOrCreateUser(ctx, 7, models.UserProfile{Username: "carol"})
	require.NoError(t, err)
	chat, err := store.CreateChat(ctx, user.ID, "kept", "m1")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A fresh store over the same directory sees the same state.
	reloaded, err := NewFileStore(dir, testLimits, testLogger())
	require.NoError(t, err)
	defer reloaded.Close()

	again, err := reloaded.GetOrCreateUser(ctx, 7, models.UserProfile{})
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
	assert.Equal(t, "carol", again.Username)

	active, err := reloaded.GetActiveChat(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, active.ID)
	assert.Equal(t, "kept", active.Name)
}

func TestRoundToOneDecimal(t *testing.T) {
	assert.Equal(t, 4.5, roundToOneDecimal(4.45))
	assert.Equal(t, 3.3, roundToOneDecimal(10.0/3.0))
	assert.Equal(t, 0.0, roundToOneDecimal(0))
}

func TestIsDomainError(t *testing.T) {
	assert.True(t, IsDomainError(ErrNotFound))
	assert.True(t, IsDomainError(ErrLimitExceeded))
	assert.True(t, IsDomainError(&ValidationError{Field: "name", Reason: "too long"}))
	assert.False(t, IsDomainError(errors.New("disk on fire")))
}
