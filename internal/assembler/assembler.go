// Package assembler rebuilds the model-visible turn sequence of a conversation.
package assembler

import (
	"context"
	"fmt"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/filecache"
	"github.com/nunnarivu-labs/ishtar/internal/llm"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PreCheckpointMessages is how many messages before the checkpoint are replayed.
const PreCheckpointMessages = 10

const maxConcurrentResolves = 8

type MessageStore interface {
	GetMessage(ctx context.Context, key models.ConversationKey, id string) (*models.Message, error)
	ListMessages(ctx context.Context, find models.FindMessages) ([]*models.Message, error)
}

type FileResolver interface {
	Resolve(ctx context.Context, key models.ConversationKey, fileID string) (*filecache.Resolved, error)
}

type Assembler struct {
	store MessageStore
	files FileResolver
}

func New(store MessageStore, files FileResolver) *Assembler {
	return &Assembler{store: store, files: files}
}

// Result holds the full replay and the part of it at or after the checkpoint.
type Result struct {
	Turns       []llm.Turn
	Window      []*models.Message
	WindowTurns []llm.Turn
}

func (a *Assembler) Assemble(ctx context.Context, conv *models.Conversation, prompt *models.Message) (*Result, error) {
	key := conv.Key()

	if !conv.ChatSettings.EnableMultiTurn {
		turn, err := a.BuildTurn(ctx, key, prompt)
		if err != nil {
			return nil, err
		}
		return &Result{Turns: []llm.Turn{turn}}, nil
	}

	var prior, window []*models.Message
	if conv.SummarizedMessageID == nil {
		msgs, err := a.store.ListMessages(ctx, models.FindMessages{Key: key})
		if err != nil {
			return nil, apperr.Wrap(apperr.Persistence, "Could not load the conversation history.", err)
		}
		window = msgs
	} else {
		checkpoint, err := a.store.GetMessage(ctx, key, *conv.SummarizedMessageID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Persistence, "Could not load the conversation summary.", err)
		}
		if checkpoint == nil {
			return nil, apperr.New(apperr.NotFound,
				fmt.Sprintf("Summary message %s of conversation %s is not found.", *conv.SummarizedMessageID, conv.ID))
		}
		cursor := checkpoint.Cursor()

		prior, err = a.store.ListMessages(ctx, models.FindMessages{
			Key:        key,
			Before:     &cursor,
			Descending: true,
			Limit:      PreCheckpointMessages,
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.Persistence, "Could not load the conversation history.", err)
		}
		reverse(prior)

		window, err = a.store.ListMessages(ctx, models.FindMessages{Key: key, From: &cursor})
		if err != nil {
			return nil, apperr.Wrap(apperr.Persistence, "Could not load the conversation history.", err)
		}
	}

	prior = withoutSystem(prior)
	window = withoutSystem(window)

	turns, err := a.buildTurns(ctx, key, append(append([]*models.Message{}, prior...), window...))
	if err != nil {
		return nil, err
	}

	logrus.Debugf("Assembled %d turns for conversation %s (%d before checkpoint)", len(turns), conv.ID, len(prior))
	return &Result{
		Turns:       turns,
		Window:      window,
		WindowTurns: turns[len(prior):],
	}, nil
}

// BuildTurn converts one message into a turn, resolving file parts through the cache.
func (a *Assembler) BuildTurn(ctx context.Context, key models.ConversationKey, msg *models.Message) (llm.Turn, error) {
	turn := llm.Turn{Role: msg.Role}
	for _, c := range msg.Contents {
		switch c.Type {
		case models.ContentTypeText:
			turn.Parts = append(turn.Parts, llm.TextPart(c.Text))
		case models.ContentTypeFile:
			resolved, err := a.files.Resolve(ctx, key, c.FileID)
			if err != nil {
				return llm.Turn{}, err
			}
			turn.Parts = append(turn.Parts, llm.FilePart(resolved.URI, resolved.MIMEType))
		}
	}
	return turn, nil
}

func (a *Assembler) buildTurns(ctx context.Context, key models.ConversationKey, msgs []*models.Message) ([]llm.Turn, error) {
	turns := make([]llm.Turn, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentResolves)
	for i, m := range msgs {
		g.Go(func() error {
			turn, err := a.BuildTurn(gctx, key, m)
			if err != nil {
				return err
			}
			turns[i] = turn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return turns, nil
}

func withoutSystem(msgs []*models.Message) []*models.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Role != models.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

func reverse(msgs []*models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
