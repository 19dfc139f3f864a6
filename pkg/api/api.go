// Package api exposes the memory engine over HTTP for the UI/CLI layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/johncui/chatmem/pkg/engine/assemble"
	"github.com/johncui/chatmem/pkg/model"
	"github.com/johncui/chatmem/pkg/store"
	"github.com/johncui/chatmem/pkg/store/profiles"
)

// Engine is the subset of the memory engine the handlers call.
type Engine interface {
	SetFact(ctx context.Context, userID, key, value string, source model.FactSource) (model.Fact, error)
	Facts(ctx context.Context, userID string) (map[string]model.Fact, error)
	DeleteFact(ctx context.Context, userID, key string) error
	SearchFacts(ctx context.Context, userID, term string, limit int) ([]model.Fact, error)

	CreateConversation(ctx context.Context, userID, title, profileID string) (model.Conversation, error)
	Conversation(ctx context.Context, conversationID string) (model.Conversation, error)
	Conversations(ctx context.Context, userID string, includeArchived bool) ([]model.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	ArchiveConversation(ctx context.Context, conversationID string, archived bool) error
	RenameConversation(ctx context.Context, conversationID, title string) error
	Append(ctx context.Context, conversationID string, turn model.Turn) (model.Turn, error)
	ReadWindow(ctx context.Context, conversationID string, maxTurns int) model.Window
	ClearConversation(ctx context.Context, conversationID string) error
	SearchTurns(ctx context.Context, userID, query string, limit int) ([]model.Turn, error)

	Profiles() *profiles.Manager
	SwitchProfile(ctx context.Context, conversationID, profileID string) error
	ExportProfile(ctx context.Context, profileID string, w io.Writer) error

	AssembleContext(ctx context.Context, req store.AssembleRequest) (*assemble.Payload, error)
	Exchange(ctx context.Context, req store.ExchangeRequest) (*store.ExchangeResult, error)
	RecordReply(ctx context.Context, conversationID, content string, attachments []model.Attachment) (model.Turn, error)
	Consolidate(ctx context.Context) error
}

var _ Engine = (*store.MemoryEngine)(nil)

type handler struct {
	engine Engine
	logger *slog.Logger
}

// NewRouter wires every endpoint onto a chi router.
func NewRouter(engine Engine, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/facts", h.listFacts)
		r.Get("/facts/search", h.searchFacts)
		r.Put("/facts/{key}", h.setFact)
		r.Delete("/facts/{key}", h.deleteFact)
		r.Get("/conversations", h.listConversations)
		r.Get("/turns/search", h.searchTurns)
	})

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", h.createConversation)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", h.getConversation)
			r.Patch("/", h.patchConversation)
			r.Delete("/", h.deleteConversation)
			r.Get("/turns", h.readWindow)
			r.Post("/turns", h.appendTurn)
			r.Delete("/turns", h.clearConversation)
			r.Put("/profile", h.switchProfile)
			r.Post("/context", h.assembleContext)
			r.Post("/exchange", h.exchange)
			r.Post("/reply", h.reply)
		})
	})

	r.Route("/profiles", func(r chi.Router) {
		r.Get("/", h.listProfiles)
		r.Post("/", h.createProfile)
		r.Get("/default", h.defaultProfile)
		r.Post("/import", h.importProfile)
		r.Route("/{profileID}", func(r chi.Router) {
			r.Get("/", h.getProfile)
			r.Patch("/", h.updateProfile)
			r.Delete("/", h.deleteProfile)
			r.Put("/default", h.setDefaultProfile)
			r.Get("/export", h.exportProfile)
		})
	})

	r.Post("/consolidate", func(w http.ResponseWriter, req *http.Request) {
		if err := h.engine.Consolidate(req.Context()); err != nil {
			h.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// ------------ helpers ------------

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &badRequest{err}
	}
	return nil
}

type badRequest struct{ err error }

func (e *badRequest) Error() string { return "invalid request body: " + e.err.Error() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every failure response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	// Set for context_too_large so callers can adjust budgets.
	Required int `json:"required,omitempty"`
	Max      int `json:"max,omitempty"`
}

// fail maps engine errors onto status codes.
func (h *handler) fail(w http.ResponseWriter, err error) {
	var (
		dup      *model.DuplicateNameError
		inUse    *model.InUseError
		tooLarge *model.ContextTooLargeError
		appendE  *model.AppendError
		storage  *model.StorageError
		bad      *badRequest
	)
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &bad):
		status, body.Kind = http.StatusBadRequest, "bad_request"
	case errors.As(err, &dup):
		status, body.Kind = http.StatusConflict, "duplicate_name"
	case errors.As(err, &inUse):
		status, body.Kind = http.StatusConflict, "in_use"
	case errors.As(err, &tooLarge):
		status, body.Kind = http.StatusRequestEntityTooLarge, "context_too_large"
		body.Required, body.Max = tooLarge.Required(), tooLarge.Max
	case errors.Is(err, model.ErrNotFound):
		status, body.Kind = http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalid):
		status, body.Kind = http.StatusBadRequest, "invalid"
	case errors.As(err, &appendE):
		body.Kind = "append_lost"
	case errors.As(err, &storage):
		body.Kind = "storage"
	default:
		body.Kind = "internal"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "kind", body.Kind, "err", err)
	}
	writeJSON(w, status, body)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
