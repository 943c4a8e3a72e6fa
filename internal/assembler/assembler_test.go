package assembler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/filecache"
	"github.com/nunnarivu-labs/ishtar/internal/llm"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/memstore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	err error
}

func (s stubResolver) Resolve(_ context.Context, _ models.ConversationKey, fileID string) (*filecache.Resolved, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &filecache.Resolved{URI: "uri://" + fileID, MIMEType: "image/png"}, nil
}

var base = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *memstore.Store, conv *models.Conversation, msgs ...*models.Message) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateConversation(ctx, conv))
	for _, m := range msgs {
		m.ConversationID = conv.ID
		require.NoError(t, store.CreateMessage(ctx, conv.Key(), m))
	}
}

func msg(id, role string, at int, contents ...models.Content) *models.Message {
	if len(contents) == 0 {
		contents = models.Contents{models.TextContent(id)}
	}
	return &models.Message{ID: id, Role: role, Timestamp: base.Add(time.Duration(at) * time.Second), Contents: contents}
}

func texts(turns []llm.Turn) []string {
	var out []string
	for _, t := range turns {
		for _, p := range t.Parts {
			out = append(out, p.Text)
		}
	}
	return out
}

func multiTurn(id string) *models.Conversation {
	return &models.Conversation{ID: id, UserID: "u1", ChatSettings: models.ChatSettings{Model: "m", EnableMultiTurn: true}}
}

func TestAssembleFullHistory(t *testing.T) {
	store := memstore.New()
	conv := multiTurn("c1")
	deleted := msg("gone", models.RoleUser, 2)
	deleted.IsDeleted = true
	seed(t, store, conv,
		msg("b", models.RoleModel, 1),
		msg("a", models.RoleUser, 0),
		deleted,
		msg("sys", models.RoleSystem, 3),
		msg("c", models.RoleUser, 4, models.TextContent("look"), models.FileContent("f1"), models.Content{Type: "video"}),
	)

	res, err := New(store, stubResolver{}).Assemble(context.Background(), conv, nil)
	require.NoError(t, err)

	require.Len(t, res.Turns, 3)
	assert.Equal(t, llm.RoleUser, res.Turns[0].Role)
	assert.Equal(t, llm.RoleModel, res.Turns[1].Role)
	assert.Equal(t, []llm.Part{llm.TextPart("look"), llm.FilePart("uri://f1", "image/png")}, res.Turns[2].Parts)
	assert.Equal(t, res.Turns, res.WindowTurns)
	require.Len(t, res.Window, 3)
	assert.Equal(t, "a", res.Window[0].ID)
}

func TestAssembleWithCheckpoint(t *testing.T) {
	store := memstore.New()
	conv := multiTurn("c1")
	var msgs []*models.Message
	for i := 0; i < 12; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleModel
		}
		msgs = append(msgs, msg(fmt.Sprintf("m%02d", i), role, i))
	}
	summary := msg("S", models.RoleModel, 13)
	summary.IsSummary = true
	msgs = append(msgs, msg("sys", models.RoleSystem, 12), summary, msg("p1", models.RoleUser, 14), msg("r1", models.RoleModel, 15))
	summaryID := "S"
	conv.SummarizedMessageID = &summaryID
	seed(t, store, conv, msgs...)

	res, err := New(store, stubResolver{}).Assemble(context.Background(), conv, nil)
	require.NoError(t, err)

	// the system message takes one of the ten slots before the checkpoint
	assert.Equal(t, []string{"m03", "m04", "m05", "m06", "m07", "m08", "m09", "m10", "m11", "S", "p1", "r1"}, texts(res.Turns))
	assert.Equal(t, []string{"S", "p1", "r1"}, texts(res.WindowTurns))
	require.Len(t, res.Window, 3)
	assert.True(t, res.Window[0].IsSummary)
}

func TestAssembleCheckpointTwelvePrior(t *testing.T) {
	store := memstore.New()
	conv := multiTurn("c1")
	var msgs []*models.Message
	for i := 0; i < 12; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("m%02d", i), models.RoleUser, i))
	}
	msgs = append(msgs, msg("C", models.RoleModel, 12), msg("after", models.RoleUser, 13))
	id := "C"
	conv.SummarizedMessageID = &id
	seed(t, store, conv, msgs...)

	res, err := New(store, stubResolver{}).Assemble(context.Background(), conv, nil)
	require.NoError(t, err)

	got := texts(res.Turns)
	assert.Equal(t, []string{"m02", "m03", "m04", "m05", "m06", "m07", "m08", "m09", "m10", "m11", "C", "after"}, got)
}

func TestAssembleTieBreakOnID(t *testing.T) {
	store := memstore.New()
	conv := multiTurn("c1")
	seed(t, store, conv, msg("z", models.RoleUser, 0), msg("y", models.RoleUser, 0), msg("x", models.RoleUser, 0))

	res, err := New(store, stubResolver{}).Assemble(context.Background(), conv, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, texts(res.Turns))
}

func TestAssembleMissingCheckpoint(t *testing.T) {
	store := memstore.New()
	conv := multiTurn("c1")
	id := "missing"
	conv.SummarizedMessageID = &id
	seed(t, store, conv, msg("a", models.RoleUser, 0))

	_, err := New(store, stubResolver{}).Assemble(context.Background(), conv, nil)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestAssembleSingleTurn(t *testing.T) {
	store := memstore.New()
	conv := &models.Conversation{ID: "c1", UserID: "u1", ChatSettings: models.ChatSettings{Model: "m"}}
	seed(t, store, conv, msg("old", models.RoleUser, 0))

	prompt := msg("p", models.RoleUser, 1, models.TextContent("hello"))
	res, err := New(store, stubResolver{}).Assemble(context.Background(), conv, prompt)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, texts(res.Turns))
	assert.Empty(t, res.Window)
}

func TestAssembleFileResolutionError(t *testing.T) {
	store := memstore.New()
	conv := multiTurn("c1")
	seed(t, store, conv, msg("a", models.RoleUser, 0, models.FileContent("f1")))

	resolveErr := apperr.Wrap(apperr.Upstream, "File upload to AI failed.", errors.New("boom"))
	_, err := New(store, stubResolver{err: resolveErr}).Assemble(context.Background(), conv, nil)
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))
}
