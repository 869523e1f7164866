package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
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

func testModelsConfig(baseURL string) *config.ModelsConfig {
	return &config.ModelsConfig{
		Default:  "test-model",
		Variants: 3,
		Endpoints: []config.Endpoint{{
			Name:    "test",
			BaseURL: baseURL,
			APIKey:  "key",
			Models: []config.ModelInfo{{
				ID: "test-model", Name: "Test Model", MaxTokens: 256,
			}},
		}},
		Personalities: []config.Personality{{
			ID: "witty", Name: "Witty", Prompt: "Be witty.",
		}},
	}
}

func testGenConfig() config.GenerationConfig {
	return config.GenerationConfig{
		MaxRetries:     3,
		RetryBaseDelay: 5 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
}

func completionResponse(content string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(body)
}

func TestGenerateCommentsParsesVariants(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		fmt.Fprint(w, completionResponse("1. First take\n2. Second take\n3) Third take"))
	}))
	defer server.Close()

	client := NewClient(testModelsConfig(server.URL), testGenConfig(), testLogger())

	genCtx, err := client.GenerateComments(context.Background(), Request{
		Input:       "a blog post",
		Personality: "witty",
		Model:       "test-model",
		ChatID:      7,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, genCtx.EventID)
	assert.Equal(t, "a blog post", genCtx.Input)
	assert.Equal(t, int64(7), genCtx.ChatID)
	assert.Equal(t, []string{"First take", "Second take", "Third take"}, genCtx.Variants)
}

func TestGenerateCommentsRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, completionResponse("1. Finally"))
	}))
	defer server.Close()

	client := NewClient(testModelsConfig(server.URL), testGenConfig(), testLogger())

	genCtx, err := client.GenerateComments(context.Background(), Request{
		Input: "post", Personality: "witty", Model: "test-model",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []string{"Finally"}, genCtx.Variants)
}

func TestGenerateCommentsSurfacesFinalFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(testModelsConfig(server.URL), testGenConfig(), testLogger())

	_, err := client.GenerateComments(context.Background(), Request{
		Input: "post", Personality: "witty", Model: "test-model",
	})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestGenerateCommentsDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(testModelsConfig(server.URL), testGenConfig(), testLogger())

	_, err := client.GenerateComments(context.Background(), Request{
		Input: "post", Personality: "witty", Model: "test-model",
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGenerateCommentsUnknownPersonality(t *testing.T) {
	client := NewClient(testModelsConfig("http://unused"), testGenConfig(), testLogger())

	_, err := client.GenerateComments(context.Background(), Request{
		Input: "post", Personality: "nonexistent", Model: "test-model",
	})
	assert.Error(t, err)
}

func TestImprovementSendsHistory(t *testing.T) {
	var payload struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		fmt.Fprint(w, completionResponse("1. Reworked"))
	}))
	defer server.Close()

	client := NewClient(testModelsConfig(server.URL), testGenConfig(), testLogger())

	_, err := client.GenerateComments(context.Background(), Request{
		Input:       "post",
		Personality: "witty",
		Model:       "test-model",
		Improvement: "make it shorter",
		Previous:    []string{"old variant"},
	})
	require.NoError(t, err)

	require.Len(t, payload.Messages, 4)
	assert.Equal(t, "system", payload.Messages[0].Role)
	assert.Equal(t, "assistant", payload.Messages[2].Role)
	assert.Contains(t, payload.Messages[2].Content, "old variant")
	assert.Contains(t, payload.Messages[3].Content, "make it shorter")
}

func TestParseVariantsFallback(t *testing.T) {
	assert.Equal(t, []string{"just one blob"}, parseVariants("just one blob"))
	assert.Empty(t, parseVariants("   \n  "))
	assert.Equal(t, []string{"a", "b"}, parseVariants("1. a\nnoise\n2. b"))
}

func TestModelRegistry(t *testing.T) {
	client := NewClient(testModelsConfig("http://unused"), testGenConfig(), testLogger())

	model, err := client.GetModelByID("test-model")
	require.NoError(t, err)
	assert.Equal(t, "Test Model", model.Name)

	_, err = client.GetModelByID("bogus")
	assert.Error(t, err)

	assert.Len(t, client.GetAvailableModels(), 1)
	assert.Len(t, client.Personalities(), 1)
}
