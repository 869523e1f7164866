package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/comment-ai-tgbot-go/internal/storage"
	"github.com/sirupsen/logrus"
)

// Aggregator records rating and improvement events with their
// generation context and computes statistics on demand. Records are
// append-only; statistics are recomputed from the full record set on
// each call.
type Aggregator struct {
	store   *storage.Manager
	cfg     config.FeedbackConfig
	sweep   config.SweepConfig
	logger  *logrus.Logger
	onSwept func(removed int)
}

// NewAggregator creates a feedback aggregator.
func NewAggregator(store *storage.Manager, cfg config.FeedbackConfig, sweep config.SweepConfig, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		cfg:    cfg,
		sweep:  sweep,
		logger: logger,
	}
}

// RecordRating stores a 1-5 rating for a generation event. The range
// is checked before any write.
func (a *Aggregator) RecordRating(ctx context.Context, userID int64, rating int, genCtx models.GenerationContext) (string, error) {
	if rating < 1 || rating > 5 {
		return "", &storage.ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
	}
	if genCtx.EventID == "" {
		return "", storage.ErrNotFound
	}

	id, err := a.store.RecordFeedback(ctx, &models.Feedback{
		UserID:  userID,
		EventID: genCtx.EventID,
		Kind:    models.FeedbackRating,
		Rating:  rating,
		Context: genCtx,
	})
	if err != nil {
		return "", fmt.Errorf("failed to record rating: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"event_id": genCtx.EventID,
		"rating":   rating,
	}).Info("Rating recorded")

	return id, nil
}

// RecordImprovement stores a free-text improvement request for a
// generation event.
func (a *Aggregator) RecordImprovement(ctx context.Context, userID int64, text string, genCtx models.GenerationContext) (string, error) {
	if text == "" {
		return "", &storage.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if genCtx.EventID == "" {
		return "", storage.ErrNotFound
	}

	id, err := a.store.RecordFeedback(ctx, &models.Feedback{
		UserID:  userID,
		EventID: genCtx.EventID,
		Kind:    models.FeedbackImprovement,
		Text:    text,
		Context: genCtx,
	})
	if err != nil {
		return "", fmt.Errorf("failed to record improvement request: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"event_id": genCtx.EventID,
	}).Info("Improvement request recorded")

	return id, nil
}

// UserStats returns per-user aggregate statistics.
func (a *Aggregator) UserStats(ctx context.Context, userID int64) (*models.FeedbackStats, error) {
	return a.store.GetUserFeedbackStats(ctx, userID)
}

// GlobalStats returns system-wide aggregate statistics.
func (a *Aggregator) GlobalStats(ctx context.Context) (*models.FeedbackStats, error) {
	return a.store.GetGlobalFeedbackStats(ctx)
}

// RunSweep purges feedback past the retention window.
func (a *Aggregator) RunSweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -a.cfg.RetentionDays)
	removed, err := a.store.PurgeFeedbackOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge feedback: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"removed": removed,
		"cutoff":  cutoff,
	}).Info("Feedback retention sweep finished")

	return removed, nil
}

// SetSweepObserver installs a callback invoked with the removal count
// after each successful sweep.
func (a *Aggregator) SetSweepObserver(fn func(removed int)) {
	a.onSwept = fn
}

// StartSweeper runs the retention sweep on the configured interval
// until the context is cancelled.
func (a *Aggregator) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.sweep.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := a.RunSweep(ctx, time.Now())
				if err != nil {
					a.logger.WithError(err).Error("Feedback sweep failed")
					continue
				}
				if a.onSwept != nil {
					a.onSwept(removed)
				}
			}
		}
	}()
}
