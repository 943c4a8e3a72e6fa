// Package openai implements llm.Client over any OpenAI-compatible chat completions endpoint.
package openai

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nunnarivu-labs/ishtar/internal/llm"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

var ErrAttachmentsUnsupported = llm.ErrAttachmentsUnsupported

// perMessageOverhead approximates the role/separator tokens added per chat message.
const perMessageOverhead = 4

type Service struct {
	client *openai.Client

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
}

func NewService(apiKey, baseURL string) *Service {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Service{
		client: openai.NewClientWithConfig(cfg),
	}
}

func (s *Service) GenerateContent(ctx context.Context, model string, turns []llm.Turn, cfg *llm.GenerateConfig) (*llm.Response, error) {
	messages, err := toMessages(turns, cfg)
	if err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if cfg != nil {
		if cfg.Temperature != nil {
			req.Temperature = *cfg.Temperature
		}
		req.ReasoningEffort = reasoningEffort(cfg.Thinking)
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		logrus.Errorf("OpenAI request for %s failed: %v", model, err)
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return fromResponse(resp), nil
}

func (s *Service) CountTokens(_ context.Context, _ string, turns []llm.Turn) (int64, error) {
	s.encOnce.Do(func() {
		s.enc, s.encErr = tiktoken.GetEncoding("cl100k_base")
	})
	if s.encErr != nil {
		return 0, fmt.Errorf("load tokenizer: %w", s.encErr)
	}

	var total int64
	for _, t := range turns {
		total += perMessageOverhead
		for _, p := range t.Parts {
			if p.IsText() {
				total += int64(len(s.enc.Encode(p.Text, nil, nil)))
			}
		}
	}
	return total, nil
}

func (s *Service) UploadFile(context.Context, io.Reader, string, string) (*llm.UploadedFile, error) {
	return nil, ErrAttachmentsUnsupported
}

func toMessages(turns []llm.Turn, cfg *llm.GenerateConfig) ([]openai.ChatCompletionMessage, error) {
	var messages []openai.ChatCompletionMessage
	if cfg != nil && len(cfg.SystemInstruction) > 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: strings.Join(cfg.SystemInstruction, "\n\n"),
		})
	}

	for _, t := range turns {
		var b strings.Builder
		for _, p := range t.Parts {
			if !p.IsText() {
				return nil, ErrAttachmentsUnsupported
			}
			b.WriteString(p.Text)
		}
		role := openai.ChatMessageRoleUser
		if t.Role == llm.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: b.String(),
		})
	}
	return messages, nil
}

// reasoningEffort maps a thinking config onto the coarse effort levels of the chat API.
func reasoningEffort(t *llm.ThinkingConfig) string {
	if t == nil {
		return ""
	}
	if t.Level != "" {
		return t.Level
	}
	if t.Budget == nil {
		return ""
	}
	switch b := *t.Budget; {
	case b == llm.DynamicBudget:
		return ""
	case b == 0:
		return "none"
	case b <= 1024:
		return "low"
	case b <= 8192:
		return "medium"
	default:
		return "high"
	}
}

func fromResponse(resp openai.ChatCompletionResponse) *llm.Response {
	out := &llm.Response{}

	reasoning := 0
	if d := resp.Usage.CompletionTokensDetails; d != nil {
		reasoning = d.ReasoningTokens
	}
	out.Usage = llm.Usage{
		PromptTokens:    int64(resp.Usage.PromptTokens),
		CandidateTokens: int64(resp.Usage.CompletionTokens - reasoning),
		ThoughtTokens:   int64(reasoning),
	}

	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		out.BlockReason = "REFUSAL"
		out.BlockMessage = choice.Message.Refusal
		return out
	}
	if choice.FinishReason == openai.FinishReasonContentFilter {
		out.BlockReason = string(openai.FinishReasonContentFilter)
		return out
	}
	if choice.Message.Content != "" {
		out.Parts = append(out.Parts, llm.TextPart(choice.Message.Content))
	}
	return out
}
