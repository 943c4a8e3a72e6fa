// Package engine answers one user prompt: quota, history, completion, persistence, compaction.
package engine

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/assembler"
	"github.com/nunnarivu-labs/ishtar/internal/blobstore"
	"github.com/nunnarivu-labs/ishtar/internal/llm"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"
	"github.com/nunnarivu-labs/ishtar/internal/summarizer"
	"github.com/nunnarivu-labs/ishtar/internal/tokens"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 300 * time.Second

const (
	msgGenerationFailed = "Something went wrong while generating response."
	msgBlocked          = "Blocked content. AI refused to generate a response."
	msgEmpty            = "The AI model did not generate a response. Please try again."
)

type Store interface {
	GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error)
	GetMessage(ctx context.Context, key models.ConversationKey, id string) (*models.Message, error)
	ApplyBatch(ctx context.Context, batch *models.Batch) error
}

type Limiter interface {
	Allow(ctx context.Context, ip string) error
}

type Assembler interface {
	Assemble(ctx context.Context, conv *models.Conversation, prompt *models.Message) (*assembler.Result, error)
	BuildTurn(ctx context.Context, key models.ConversationKey, msg *models.Message) (llm.Turn, error)
}

type Compactor interface {
	Compact(ctx context.Context, conv *models.Conversation, window []llm.Turn, response llm.Turn) (*summarizer.Outcome, error)
}

type Deps struct {
	Store      Store
	Limiter    Limiter
	Assembler  Assembler
	Accountant *tokens.Accountant
	Client     llm.Client
	Registry   *llm.Registry
	Blobs      blobstore.Store
	Compactor  Compactor
}

type Options struct {
	GuestUserID string
	Timeout     time.Duration
}

type Engine struct {
	Deps
	guestUserID string
	timeout     time.Duration
	now         func() time.Time
}

func New(deps Deps, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Engine{
		Deps:        deps,
		guestUserID: opts.GuestUserID,
		timeout:     opts.Timeout,
		now:         time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type Caller struct {
	UserID string
	IP     string
}

type Request struct {
	PromptMessageID string `json:"promptMessageId"`
	ConversationID  string `json:"conversationId"`
}

type Response struct {
	PromptMessageID string `json:"promptMessageId"`
	ModelMessageID  string `json:"modelMessageId"`
	ConversationID  string `json:"conversationId"`
}

func (e *Engine) IsGuest(userID string) bool {
	return e.guestUserID != "" && userID == e.guestUserID
}

func (e *Engine) Generate(ctx context.Context, caller Caller, req Request) (*Response, error) {
	if caller.UserID == "" {
		return nil, apperr.New(apperr.Unauthenticated, "The function must be called while authenticated.")
	}
	guest := e.IsGuest(caller.UserID)
	if guest {
		if caller.IP == "" {
			return nil, apperr.New(apperr.InvalidArgument, "Unable to determine the client IP address.")
		}
		if err := e.Limiter.Allow(ctx, caller.IP); err != nil {
			return nil, err
		}
	}
	if req.ConversationID == "" || req.PromptMessageID == "" {
		return nil, apperr.New(apperr.InvalidArgument, "conversationId and promptMessageId are required.")
	}

	key := models.ConversationKey{UserID: caller.UserID, ConversationID: req.ConversationID}
	conv, err := e.Store.GetConversation(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not load the conversation.", err)
	}
	if conv == nil {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("Conversation with ID %s is not found.", req.ConversationID))
	}
	prompt, err := e.Store.GetMessage(ctx, key, req.PromptMessageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not load the prompt.", err)
	}
	if prompt == nil {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("Prompt with ID %s is not found.", req.PromptMessageID))
	}

	model, ok := e.Registry.Get(conv.ChatSettings.Model)
	if !ok {
		return nil, apperr.New(apperr.InvalidArgument, "Model not found")
	}
	if guest && !model.GuestAllowed {
		return nil, apperr.New(apperr.InvalidArgument, "This model is not available to guests.")
	}

	multiTurn := conv.ChatSettings.EnableMultiTurn
	ledger := tokens.NewLedger(conv)

	assembled, err := e.Assembler.Assemble(ctx, conv, prompt)
	if err != nil {
		return nil, err
	}
	if multiTurn {
		n, err := e.Accountant.CountText(ctx, model.APIModel, assembled.WindowTurns)
		if err != nil {
			return nil, apperr.Wrap(apperr.Upstream, msgGenerationFailed, err)
		}
		ledger.AddText(n)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	resp, callErr := e.Client.GenerateContent(callCtx, model.APIModel, assembled.Turns, e.generateConfig(conv, model))
	cancel()

	if resp != nil {
		ledger.AddUsage(resp.Usage)
	}
	if failure := classify(resp, callErr); failure != nil {
		if err := e.commitCounters(ctx, key, ledger); err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{"conversation": conv.ID, "kind": failure.Kind}).Warnf("Generation failed: %v", failure)
		return nil, failure
	}

	contents, files, err := e.storeOutputs(ctx, key, resp.Parts)
	if err != nil {
		if cerr := e.commitCounters(ctx, key, ledger); cerr != nil {
			logrus.Errorf("Counter commit after output failure for %s failed: %v", conv.ID, cerr)
		}
		return nil, err
	}

	modelMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleModel,
		Contents:       contents,
		Timestamp:      e.timestampAfter(prompt.Timestamp),
	}
	err = e.Store.ApplyBatch(ctx, &models.Batch{
		Key:      key,
		Counters: ledger.Delta(),
		Files:    files,
		Messages: []*models.Message{modelMsg},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not store the response.", err)
	}

	logrus.WithFields(logrus.Fields{
		"conversation":  conv.ID,
		"model":         model.APIModel,
		"input":         ledger.Input,
		"output":        ledger.Output,
		"since_summary": ledger.SinceSummary(),
	}).Info("Response generated")

	if multiTurn && summarizer.ShouldCompact(ledger.SinceSummary()) {
		e.compact(ctx, conv, assembled.WindowTurns, modelMsg)
	}

	return &Response{
		PromptMessageID: prompt.ID,
		ModelMessageID:  modelMsg.ID,
		ConversationID:  conv.ID,
	}, nil
}

func (e *Engine) generateConfig(conv *models.Conversation, model *llm.Model) *llm.GenerateConfig {
	s := conv.ChatSettings
	cfg := &llm.GenerateConfig{
		Temperature: s.Temperature,
		Thinking:    model.ThinkingFor(s.EnableThinking, s.ThinkingBudget, s.ThinkingPreset),
	}
	if s.SystemInstruction != nil && *s.SystemInstruction != "" {
		cfg.SystemInstruction = []string{*s.SystemInstruction}
	}
	return cfg
}

// classify maps a completion outcome to the caller-facing error, or nil on success.
func classify(resp *llm.Response, callErr error) *apperr.Error {
	switch {
	case callErr != nil:
		return apperr.Wrap(apperr.Upstream, msgGenerationFailed, callErr)
	case resp == nil:
		return apperr.New(apperr.ProviderEmpty, msgEmpty)
	case resp.BlockReason != "":
		msg := resp.BlockMessage
		if msg == "" {
			msg = msgBlocked
		}
		return apperr.New(apperr.ProviderRefused, msg)
	}
	for _, p := range resp.Parts {
		if !p.Thought {
			return nil
		}
	}
	return apperr.New(apperr.ProviderEmpty, msgEmpty)
}

func (e *Engine) commitCounters(ctx context.Context, key models.ConversationKey, ledger *tokens.Ledger) error {
	if err := e.Store.ApplyBatch(ctx, &models.Batch{Key: key, Counters: ledger.Delta()}); err != nil {
		return apperr.Wrap(apperr.Persistence, "Could not record token usage.", err)
	}
	return nil
}

// storeOutputs turns response parts into message contents, saving inline data as files.
func (e *Engine) storeOutputs(ctx context.Context, key models.ConversationKey, parts []llm.Part) (models.Contents, []*models.FileData, error) {
	var contents models.Contents
	var files []*models.FileData
	for _, p := range parts {
		switch {
		case p.Thought:
			continue
		case p.InlineData != nil && p.MIMEType != "":
			storagePath := blobstore.NewFilePath(key.UserID, key.ConversationID)
			name := p.DisplayName
			if name == "" {
				name = path.Base(storagePath)
			}
			err := e.Blobs.Put(ctx, storagePath, p.InlineData, p.MIMEType, map[string]string{"originalFileName": name})
			if err != nil {
				return nil, nil, apperr.Wrap(apperr.Persistence, "Could not store generated file.", err)
			}
			file := &models.FileData{
				ID:               uuid.NewString(),
				ConversationID:   key.ConversationID,
				OriginalFileName: name,
				StoragePath:      storagePath,
				MIMEType:         p.MIMEType,
				CreatedAt:        e.now().UTC().Truncate(time.Microsecond),
			}
			files = append(files, file)
			contents = append(contents, models.FileContent(file.ID))
		case p.Text != "":
			contents = append(contents, models.TextContent(p.Text))
		}
	}
	return contents, files, nil
}

func (e *Engine) timestampAfter(prev time.Time) time.Time {
	ts := e.now().UTC().Truncate(time.Microsecond)
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	return ts
}

// compact runs after the response is committed; failures are only logged.
func (e *Engine) compact(ctx context.Context, conv *models.Conversation, window []llm.Turn, modelMsg *models.Message) {
	responseTurn, err := e.Assembler.BuildTurn(ctx, conv.Key(), modelMsg)
	if err == nil {
		_, err = e.Compactor.Compact(ctx, conv, window, responseTurn)
	}
	if err != nil {
		logrus.WithField("conversation", conv.ID).Warnf("Summarization failed: %v", err)
	}
}
