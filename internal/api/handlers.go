package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/auth"
	"github.com/nunnarivu-labs/ishtar/internal/blobstore"
	"github.com/nunnarivu-labs/ishtar/internal/engine"
	"github.com/nunnarivu-labs/ishtar/internal/llm"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"
	"github.com/nunnarivu-labs/ishtar/internal/users"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	tokenLifetime = 24 * time.Hour
	maxUploadSize = 20 << 20
)

type Generator interface {
	Generate(ctx context.Context, caller engine.Caller, req engine.Request) (*engine.Response, error)
}

type Handler struct {
	userService    *users.Service
	messageService *messagestore.Service
	generator      Generator
	registry       *llm.Registry
	blobs          blobstore.Store
	jwtSigningKey  string
	guestUserID    string
}

func NewHandler(
	userService *users.Service,
	messageService *messagestore.Service,
	generator Generator,
	registry *llm.Registry,
	blobs blobstore.Store,
	jwtKey string,
	guestUserID string,
) *Handler {
	return &Handler{
		userService:    userService,
		messageService: messageService,
		generator:      generator,
		registry:       registry,
		blobs:          blobs,
		jwtSigningKey:  jwtKey,
		guestUserID:    guestUserID,
	}
}

type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type UserResponse struct {
	ID        string    `json:"id"`
	Login     string    `json:"login"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type CreateConversationRequest struct {
	Title        string              `json:"title"`
	ChatSettings models.ChatSettings `json:"chatSettings"`
}

type AddMessageRequest struct {
	Text    string   `json:"text"`
	FileIDs []string `json:"fileIds"`
}

type ModelResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	GuestAllowed bool   `json:"guestAllowed"`
}

func (h *Handler) RegisterWebUserHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidArgument, "Malformed request body"))
		return
	}

	user, err := h.userService.RegisterWebUser(r.Context(), req.Login, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrInvalidInput):
			writeError(w, apperr.New(apperr.InvalidArgument, "Login and password are required"))
		case errors.Is(err, users.ErrUserAlreadyExists):
			writeJSON(w, http.StatusConflict, errorBody{Code: "already-exists", Message: "A user with this login already exists"})
		default:
			logrus.Errorf("Error registering user '%s': %v", req.Login, err)
			writeError(w, apperr.Wrap(apperr.Internal, "Could not register the user", err))
		}
		return
	}

	writeJSON(w, http.StatusCreated, UserResponse{
		ID:        user.ID,
		Login:     user.Login,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	})
}

func (h *Handler) AuthLoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidArgument, "Malformed request body"))
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, apperr.New(apperr.InvalidArgument, "Login and password are required"))
		return
	}

	user, err := h.userService.AuthenticateWebUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			writeError(w, apperr.New(apperr.Unauthenticated, "Invalid login or password"))
		} else {
			logrus.Errorf("Error authenticating user '%s': %v", req.Login, err)
			writeError(w, apperr.Wrap(apperr.Internal, "Authentication failed", err))
		}
		return
	}

	h.issueToken(w, user.ID, false)
}

// GuestLoginHandler issues a token for the shared guest identity.
func (h *Handler) GuestLoginHandler(w http.ResponseWriter, r *http.Request) {
	if h.guestUserID == "" {
		writeError(w, apperr.New(apperr.NotFound, "Guest access is disabled"))
		return
	}
	h.issueToken(w, h.guestUserID, true)
}

func (h *Handler) issueToken(w http.ResponseWriter, userID string, guest bool) {
	tokenString, err := auth.GenerateJWTToken(userID, guest, h.jwtSigningKey, tokenLifetime)
	if err != nil {
		logrus.Errorf("Error generating JWT token: %v", err)
		writeError(w, apperr.Wrap(apperr.Internal, "Could not issue a token", err))
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: tokenString})
}

func (h *Handler) ListModelsHandler(w http.ResponseWriter, r *http.Request) {
	var out []ModelResponse
	for _, m := range h.registry.All() {
		out = append(out, ModelResponse{ID: m.ID, Title: m.Title, GuestAllowed: m.GuestAllowed})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Unauthenticated, "The function must be called while authenticated."))
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidArgument, "Malformed request body"))
		return
	}

	model, found := h.registry.Get(req.ChatSettings.Model)
	if !found {
		writeError(w, apperr.New(apperr.InvalidArgument, "Model not found"))
		return
	}
	if userID == h.guestUserID && !model.GuestAllowed {
		writeError(w, apperr.New(apperr.InvalidArgument, "This model is not available to guests."))
		return
	}

	conv, err := h.messageService.CreateConversation(r.Context(), userID, req.Title, req.ChatSettings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Unauthenticated, "The function must be called while authenticated."))
		return
	}

	key := models.ConversationKey{UserID: userID, ConversationID: r.PathValue("id")}
	if err := h.messageService.DeleteConversation(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadFileHandler stores a multipart "file" field under the conversation's blob prefix.
func (h *Handler) UploadFileHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Unauthenticated, "The function must be called while authenticated."))
		return
	}
	key := models.ConversationKey{UserID: userID, ConversationID: r.PathValue("id")}
	if _, err := h.messageService.GetConversation(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidArgument, "A file is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidArgument, "Could not read the file", err))
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	name := path.Base(header.Filename)

	storagePath := blobstore.NewFilePath(userID, key.ConversationID)
	if err := h.blobs.Put(r.Context(), storagePath, data, mimeType, map[string]string{"originalFileName": name}); err != nil {
		logrus.Errorf("Error storing upload for conversation %s: %v", key.ConversationID, err)
		writeError(w, apperr.Wrap(apperr.Persistence, "Could not store the file.", err))
		return
	}

	record := &models.FileData{
		ID:               uuid.NewString(),
		OriginalFileName: name,
		StoragePath:      storagePath,
		MIMEType:         mimeType,
	}
	if err := h.messageService.AddFile(r.Context(), key, record); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) AddMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Unauthenticated, "The function must be called while authenticated."))
		return
	}

	var req AddMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidArgument, "Malformed request body"))
		return
	}

	key := models.ConversationKey{UserID: userID, ConversationID: r.PathValue("id")}
	msg, err := h.messageService.AddUserMessage(r.Context(), key, strings.TrimSpace(req.Text), req.FileIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// GenerateHandler answers the prompt named in the body.
func (h *Handler) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserIDFromContext(r.Context())

	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidArgument, "Malformed request body"))
		return
	}

	resp, err := h.generator.Generate(r.Context(), engine.Caller{UserID: userID, IP: auth.ClientIP(r)}, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
