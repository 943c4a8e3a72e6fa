package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nunnarivu-labs/ishtar/internal/llm"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateContent(t *testing.T) {
	var got openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "1", "object": "chat.completion", "model": got.Model,
			"choices": []map[string]any{{
				"index": 0, "finish_reason": "stop",
				"message": map[string]any{"role": "assistant", "content": "Hi there"},
			}},
			"usage": map[string]any{
				"prompt_tokens": 12, "completion_tokens": 9, "total_tokens": 21,
				"completion_tokens_details": map[string]any{"reasoning_tokens": 5},
			},
		})
	}))
	defer server.Close()

	svc := NewService("key", server.URL+"/v1")
	temp := float32(0.5)
	budget := int32(2048)
	resp, err := svc.GenerateContent(context.Background(), "gpt-test", []llm.Turn{
		{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart("Hello")}},
		{Role: llm.RoleModel, Parts: []llm.Part{llm.TextPart("Yo")}},
	}, &llm.GenerateConfig{
		SystemInstruction: []string{"be nice"},
		Temperature:       &temp,
		Thinking:          &llm.ThinkingConfig{Budget: &budget},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi there", resp.Text())
	assert.EqualValues(t, 12, resp.Usage.PromptTokens)
	assert.EqualValues(t, 4, resp.Usage.CandidateTokens)
	assert.EqualValues(t, 9, resp.Usage.Output())

	require.Len(t, got.Messages, 3)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, got.Messages[2].Role)
	assert.Equal(t, "medium", got.ReasoningEffort)
	assert.InDelta(t, 0.5, got.Temperature, 0.0001)
}

func TestGenerateContentRejectsFiles(t *testing.T) {
	svc := NewService("key", "http://127.0.0.1:1/v1")
	_, err := svc.GenerateContent(context.Background(), "m", []llm.Turn{
		{Role: llm.RoleUser, Parts: []llm.Part{llm.FilePart("u", "image/png")}},
	}, nil)
	assert.ErrorIs(t, err, ErrAttachmentsUnsupported)

	_, err = svc.UploadFile(context.Background(), nil, "image/png", "a")
	assert.ErrorIs(t, err, ErrAttachmentsUnsupported)
}

func TestFromResponseRefusal(t *testing.T) {
	out := fromResponse(openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Refusal: "no"},
	}}})
	assert.Equal(t, "REFUSAL", out.BlockReason)
	assert.Equal(t, "no", out.BlockMessage)

	filtered := fromResponse(openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		FinishReason: openai.FinishReasonContentFilter,
	}}})
	assert.NotEmpty(t, filtered.BlockReason)

	empty := fromResponse(openai.ChatCompletionResponse{})
	assert.Empty(t, empty.Parts)
}

func TestReasoningEffort(t *testing.T) {
	b := func(v int32) *llm.ThinkingConfig { return &llm.ThinkingConfig{Budget: &v} }
	assert.Equal(t, "", reasoningEffort(nil))
	assert.Equal(t, "none", reasoningEffort(b(0)))
	assert.Equal(t, "low", reasoningEffort(b(512)))
	assert.Equal(t, "high", reasoningEffort(b(30000)))
	assert.Equal(t, "", reasoningEffort(b(-1)))
	assert.Equal(t, "low", reasoningEffort(&llm.ThinkingConfig{Level: "low"}))
}
