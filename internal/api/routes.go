package api

import (
	"net/http"

	"github.com/nunnarivu-labs/ishtar/internal/auth"
	"github.com/nunnarivu-labs/ishtar/internal/middleware"
)

// Routes builds the HTTP surface. Every route except auth and health requires a bearer token.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HealthHandler)
	mux.HandleFunc("POST /api/auth/register", h.RegisterWebUserHandler)
	mux.HandleFunc("POST /api/auth/login", h.AuthLoginHandler)
	mux.HandleFunc("POST /api/auth/guest", h.GuestLoginHandler)

	protected := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth.JWTMiddleware(fn, h.jwtSigningKey))
	}
	protected("GET /api/models", h.ListModelsHandler)
	protected("POST /api/conversations", h.CreateConversationHandler)
	protected("DELETE /api/conversations/{id}", h.DeleteConversationHandler)
	protected("POST /api/conversations/{id}/files", h.UploadFileHandler)
	protected("POST /api/conversations/{id}/messages", h.AddMessageHandler)
	protected("POST /api/ai/generate", h.GenerateHandler)

	return middleware.RequestLogger(middleware.CORSMiddleware(mux))
}
