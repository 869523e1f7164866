package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestDisabledCacheIsNoop(t *testing.T) {
	svc, err := NewService(&config.CacheConfig{Enabled: false}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, "input", "witty", "m1", []string{"a"}))

	_, found := svc.Get(ctx, "input", "witty", "m1")
	assert.False(t, found)
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	svc, err := NewService(&config.CacheConfig{
		Enabled: true,
		Type:    "memory",
		TTL:     time.Minute,
		MaxSize: 10,
	}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	variants := []string{"first", "second"}
	require.NoError(t, svc.Set(ctx, "input", "witty", "m1", variants))

	got, found := svc.Get(ctx, "input", "witty", "m1")
	assert.True(t, found)
	assert.Equal(t, variants, got)

	// Key covers input, personality and model.
	_, found = svc.Get(ctx, "input", "professional", "m1")
	assert.False(t, found)
	_, found = svc.Get(ctx, "input", "witty", "m2")
	assert.False(t, found)
}

func TestMemoryCacheExpires(t *testing.T) {
	svc, err := NewService(&config.CacheConfig{
		Enabled: true,
		Type:    "memory",
		TTL:     20 * time.Millisecond,
		MaxSize: 10,
	}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, "input", "witty", "m1", []string{"a"}))
	time.Sleep(40 * time.Millisecond)

	_, found := svc.Get(ctx, "input", "witty", "m1")
	assert.False(t, found)
}

func TestUnknownCacheType(t *testing.T) {
	_, err := NewService(&config.CacheConfig{Enabled: true, Type: "tape-drive"}, testLogger())
	assert.Error(t, err)
}
