package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/auth"
	"github.com/nunnarivu-labs/ishtar/internal/blobstore"
	"github.com/nunnarivu-labs/ishtar/internal/engine"
	"github.com/nunnarivu-labs/ishtar/internal/llm"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/memstore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"
	"github.com/nunnarivu-labs/ishtar/internal/users"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	signingKey = "api-test-key"
	guestID    = "guest"
)

type fakeGenerator struct {
	caller engine.Caller
	req    engine.Request
	err    error
}

func (f *fakeGenerator) Generate(_ context.Context, caller engine.Caller, req engine.Request) (*engine.Response, error) {
	f.caller, f.req = caller, req
	if f.err != nil {
		return nil, f.err
	}
	return &engine.Response{PromptMessageID: req.PromptMessageID, ModelMessageID: "m-1", ConversationID: req.ConversationID}, nil
}

type fixture struct {
	server *httptest.Server
	store  *memstore.Store
	blobs  *blobstore.Memory
	gen    *fakeGenerator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	auth.PasswordCost = bcrypt.MinCost
	f := &fixture{store: memstore.New(), blobs: blobstore.NewMemory(), gen: &fakeGenerator{}}
	h := NewHandler(
		users.NewService(users.NewMemoryRepository()),
		messagestore.NewService(f.store),
		f.gen,
		llm.DefaultRegistry(),
		f.blobs,
		signingKey,
		guestID,
	)
	f.server = httptest.NewServer(h.Routes())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.GenerateJWTToken(userID, userID == guestID, signingKey, tokenLifetime)
	require.NoError(t, err)
	return tok
}

func TestRegisterLoginFlow(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/auth/register", "", LoginRequest{Login: "alice", Password: "pw"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	user := decode[UserResponse](t, resp)
	assert.Equal(t, "alice", user.Login)

	resp = f.do(t, http.MethodPost, "/api/auth/register", "", LoginRequest{Login: "alice", Password: "pw"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Login: "alice", Password: "bad"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Login: "alice", Password: "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[LoginResponse](t, resp)
	claims, err := auth.ValidateJWTToken(login.Token, signingKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.False(t, claims.Guest)

	resp = f.do(t, http.MethodPost, "/api/auth/guest", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claims, err = auth.ValidateJWTToken(decode[LoginResponse](t, resp).Token, signingKey)
	require.NoError(t, err)
	assert.Equal(t, guestID, claims.UserID)
	assert.True(t, claims.Guest)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/ai/generate", "", engine.Request{PromptMessageID: "p", ConversationID: "c"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", decode[errorBody](t, resp).Code)
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "u1")

	resp := f.do(t, http.MethodPost, "/api/conversations", tok, CreateConversationRequest{
		Title:        "Trip",
		ChatSettings: models.ChatSettings{Model: "nope"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/conversations", tok, CreateConversationRequest{
		Title:        "Trip",
		ChatSettings: models.ChatSettings{Model: llm.Gemini25FlashID, EnableMultiTurn: true},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decode[models.Conversation](t, resp)
	assert.Equal(t, "u1", conv.UserID)

	// multipart upload
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello file"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/conversations/"+conv.ID+"/files", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	upload, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer upload.Body.Close()
	require.Equal(t, http.StatusCreated, upload.StatusCode)
	file := decode[models.FileData](t, upload)
	assert.Equal(t, "notes.txt", file.OriginalFileName)
	assert.True(t, strings.HasPrefix(file.StoragePath, blobstore.ConversationPrefix("u1", conv.ID)))
	assert.Equal(t, 1, f.store.FileCount(conv.ID))
	data, err := f.blobs.Get(context.Background(), file.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello file"), data)

	resp = f.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", tok, AddMessageRequest{Text: " Summarize ", FileIDs: []string{file.ID}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[models.Message](t, resp)
	assert.Equal(t, models.Contents{models.FileContent(file.ID), models.TextContent("Summarize")}, msg.Contents)

	resp = f.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", f.token(t, "u2"), AddMessageRequest{Text: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGuestCannotPickRestrictedModel(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/conversations", f.token(t, guestID), CreateConversationRequest{
		ChatSettings: models.ChatSettings{Model: llm.Gemini25ProID},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGenerateHandler(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, guestID)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/ai/generate",
		strings.NewReader(`{"promptMessageId":"p1","conversationId":"c1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[engine.Response](t, resp)
	assert.Equal(t, engine.Response{PromptMessageID: "p1", ModelMessageID: "m-1", ConversationID: "c1"}, out)
	assert.Equal(t, engine.Caller{UserID: guestID, IP: "203.0.113.5"}, f.gen.caller)

	f.gen.err = apperr.New(apperr.QuotaExceeded, "You have exceeded the daily limit of 10 requests.")
	resp2 := f.do(t, http.MethodPost, "/api/ai/generate", tok, engine.Request{PromptMessageID: "p1", ConversationID: "c1"})
	assert.Equal(t, http.StatusTooManyRequests, resp2.StatusCode)
	assert.Equal(t, errorBody{Code: "quota-exceeded", Message: "You have exceeded the daily limit of 10 requests."}, decode[errorBody](t, resp2))
}

func TestHealthAndModels(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/models", f.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]ModelResponse](t, resp), len(llm.DefaultModels()))
}

func TestStatusFor(t *testing.T) {
	tests := map[apperr.Kind]int{
		apperr.Unauthenticated: http.StatusUnauthorized,
		apperr.InvalidArgument: http.StatusBadRequest,
		apperr.QuotaExceeded:   http.StatusTooManyRequests,
		apperr.NotFound:        http.StatusNotFound,
		apperr.ProviderRefused: http.StatusUnprocessableEntity,
		apperr.ProviderEmpty:   http.StatusBadGateway,
		apperr.Upstream:        http.StatusBadGateway,
		apperr.Persistence:     http.StatusInternalServerError,
		apperr.Internal:        http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, StatusFor(kind), kind)
	}
}
