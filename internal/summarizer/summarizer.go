// Package summarizer folds long conversation history into a summary message.
package summarizer

import (
	"context"
	"fmt"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/llm"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Threshold is the since-summary token total that triggers compaction.
const Threshold int64 = 75000

const (
	Prompt = "Based on the conversation above, provide a concise summary that captures the essence for future reference."

	instruction = "You are an AI tasked with generating concise, factual summaries of chat conversations for long-term memory. " +
		"Extract all key information: user's primary goal, decisions made, critical facts exchanged, any unresolved issues, " +
		"and the current status of the conversation. The summary should be readable by another AI for future context. " +
		"Do NOT include conversational filler, greetings, or pleasantries. Keep it under 4000 tokens."

	temperature float32 = 0.3
)

type Store interface {
	ApplyBatch(ctx context.Context, batch *models.Batch) error
}

type Summarizer struct {
	client llm.Client
	store  Store
	model  string
	now    func() time.Time
}

func New(client llm.Client, store Store, model string) *Summarizer {
	if model == "" {
		model = llm.DefaultSummaryAPIName
	}
	return &Summarizer{
		client: client,
		store:  store,
		model:  model,
		now:    time.Now,
	}
}

func (s *Summarizer) WithClock(now func() time.Time) *Summarizer {
	s.now = now
	return s
}

func ShouldCompact(sinceSummary int64) bool {
	return sinceSummary >= Threshold
}

type Outcome struct {
	SummaryMessageID string
	Usage            llm.Usage
}

// Compact summarizes window plus the latest response. Nothing is written unless the
// summary call returns usable text.
func (s *Summarizer) Compact(ctx context.Context, conv *models.Conversation, window []llm.Turn, response llm.Turn) (*Outcome, error) {
	turns := make([]llm.Turn, 0, len(window)+2)
	turns = append(turns, window...)
	turns = append(turns, response, llm.Turn{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart(Prompt)}})

	instructions := []string{instruction}
	if si := conv.ChatSettings.SystemInstruction; si != nil && *si != "" {
		instructions = append(instructions,
			fmt.Sprintf(`Original system instruction used in the chats you are to summarize: "%s"`, *si))
	}

	temp := temperature
	dynamic := llm.DynamicBudget
	resp, err := s.client.GenerateContent(ctx, s.model, turns, &llm.GenerateConfig{
		SystemInstruction: instructions,
		Temperature:       &temp,
		Thinking:          &llm.ThinkingConfig{Budget: &dynamic},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "Summary generation failed.", err)
	}
	if resp.BlockReason != "" {
		return nil, apperr.New(apperr.ProviderRefused, "Summary generation was blocked: "+resp.BlockReason)
	}
	text := resp.Text()
	if text == "" {
		return nil, apperr.New(apperr.ProviderEmpty, "Summary generation returned no text.")
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	system := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleSystem,
		Contents:       models.Contents{models.TextContent(Prompt)},
		Timestamp:      now,
	}
	summary := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleModel,
		Contents:       models.Contents{models.TextContent(text)},
		Timestamp:      now.Add(time.Millisecond),
		IsSummary:      true,
	}

	err = s.store.ApplyBatch(ctx, &models.Batch{
		Key: conv.Key(),
		Counters: &models.CounterDelta{
			ResetSinceSummary:   true,
			SummarizedMessageID: &summary.ID,
			InputTokens:         resp.Usage.PromptTokens,
			OutputTokens:        resp.Usage.Output(),
		},
		Messages: []*models.Message{system, summary},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not store the summary.", err)
	}

	logrus.WithFields(logrus.Fields{
		"conversation": conv.ID,
		"summary":      summary.ID,
		"input":        resp.Usage.PromptTokens,
		"output":       resp.Usage.Output(),
	}).Info("Conversation compacted")
	return &Outcome{SummaryMessageID: summary.ID, Usage: resp.Usage}, nil
}
