package feedback

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/comment-ai-tgbot-go/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T) (*Aggregator, *models.User) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	limits := storage.Limits{MaxChatsPerUser: 10, MaxChatNameLength: 50}
	store, err := storage.NewFileStore(t.TempDir(), limits, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	agg := NewAggregator(
		storage.NewManagerWithStore(store, log),
		config.FeedbackConfig{RetentionDays: 90},
		config.SweepConfig{Interval: time.Hour},
		log,
	)

	user, err := agg.store.GetOrCreateUser(context.Background(), 1, models.UserProfile{})
	require.NoError(t, err)

	return agg, user
}

func TestRecordRatingRange(t *testing.T) {
	ctx := context.Background()
	agg, user := newTestAggregator(t)

	genCtx := models.GenerationContext{EventID: "evt-1", Input: "post"}

	var ve *storage.ValidationError
	for _, rating := range []int{0, 6} {
		_, err := agg.RecordRating(ctx, user.ID, rating, genCtx)
		assert.ErrorAs(t, err, &ve, "rating %d must be rejected", rating)
	}

	id, err := agg.RecordRating(ctx, user.ID, 3, genCtx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stats, err := agg.UserStats(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ratings[3])
	assert.Equal(t, 3.0, stats.AverageRating)
}

func TestRecordRatingNeedsEvent(t *testing.T) {
	ctx := context.Background()
	agg, user := newTestAggregator(t)

	_, err := agg.RecordRating(ctx, user.ID, 4, models.GenerationContext{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordImprovement(t *testing.T) {
	ctx := context.Background()
	agg, user := newTestAggregator(t)

	genCtx := models.GenerationContext{EventID: "evt-1", Input: "post"}

	var ve *storage.ValidationError
	_, err := agg.RecordImprovement(ctx, user.ID, "", genCtx)
	assert.ErrorAs(t, err, &ve)

	_, err = agg.RecordImprovement(ctx, user.ID, "make it shorter", genCtx)
	require.NoError(t, err)

	stats, err := agg.UserStats(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ImprovementCount)
	assert.Zero(t, stats.AverageRating)
}

func TestAverageRounding(t *testing.T) {
	ctx := context.Background()
	agg, user := newTestAggregator(t)

	genCtx := models.GenerationContext{EventID: "evt-1"}
	for _, rating := range []int{5, 5, 4} {
		_, err := agg.RecordRating(ctx, user.ID, rating, genCtx)
		require.NoError(t, err)
	}

	stats, err := agg.UserStats(ctx, user.ID)
	require.NoError(t, err)
	// 14/3 = 4.666... rounds to one decimal.
	assert.Equal(t, 4.7, stats.AverageRating)
}

func TestGlobalStats(t *testing.T) {
	ctx := context.Background()
	agg, alice := newTestAggregator(t)

	bob, err := agg.store.GetOrCreateUser(ctx, 2, models.UserProfile{})
	require.NoError(t, err)

	genCtx := models.GenerationContext{EventID: "evt-1"}
	_, err = agg.RecordRating(ctx, alice.ID, 2, genCtx)
	require.NoError(t, err)
	_, err = agg.RecordRating(ctx, bob.ID, 4, genCtx)
	require.NoError(t, err)

	global, err := agg.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, global.Total)
	assert.Equal(t, 3.0, global.AverageRating)

	mine, err := agg.UserStats(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, mine.Total)
}

func TestSweepPurgesOldFeedback(t *testing.T) {
	ctx := context.Background()
	agg, user := newTestAggregator(t)

	genCtx := models.GenerationContext{EventID: "evt-1"}
	_, err := agg.RecordRating(ctx, user.ID, 5, genCtx)
	require.NoError(t, err)

	removed, err := agg.RunSweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = agg.RunSweep(ctx, time.Now().AddDate(0, 0, 91))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := agg.UserStats(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}
