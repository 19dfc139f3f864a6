package api

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/johncui/chatmem/pkg/engine/assemble"
	"github.com/johncui/chatmem/pkg/model"
	"github.com/johncui/chatmem/pkg/store"
)

// ------------ facts ------------

func (h *handler) listFacts(w http.ResponseWriter, r *http.Request) {
	facts, err := h.engine.Facts(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, facts)
}

func (h *handler) searchFacts(w http.ResponseWriter, r *http.Request) {
	facts, err := h.engine.SearchFacts(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("q"), queryInt(r, "k", 10))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(facts))
}

type setFactRequest struct {
	Value  string           `json:"value"`
	Source model.FactSource `json:"source"`
}

func (h *handler) setFact(w http.ResponseWriter, r *http.Request) {
	var in setFactRequest
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	f, err := h.engine.SetFact(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "key"), in.Value, in.Source)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *handler) deleteFact(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteFact(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "key")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ------------ conversations ------------

type createConversationRequest struct {
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	ProfileID string `json:"profile_id"`
}

func (h *handler) createConversation(w http.ResponseWriter, r *http.Request) {
	var in createConversationRequest
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	c, err := h.engine.CreateConversation(r.Context(), in.UserID, in.Title, in.ProfileID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handler) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.engine.Conversations(r.Context(), chi.URLParam(r, "userID"), queryBool(r, "archived"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(convs))
}

func (h *handler) getConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Conversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type patchConversationRequest struct {
	Title    *string `json:"title"`
	Archived *bool   `json:"archived"`
}

func (h *handler) patchConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	var in patchConversationRequest
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	if in.Title != nil {
		if err := h.engine.RenameConversation(r.Context(), id, *in.Title); err != nil {
			h.fail(w, err)
			return
		}
	}
	if in.Archived != nil {
		if err := h.engine.ArchiveConversation(r.Context(), id, *in.Archived); err != nil {
			h.fail(w, err)
			return
		}
	}
	h.getConversation(w, r)
}

func (h *handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteConversation(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) readWindow(w http.ResponseWriter, r *http.Request) {
	turns := []model.Turn{}
	for t, err := range h.engine.ReadWindow(r.Context(), chi.URLParam(r, "conversationID"), queryInt(r, "n", 20)) {
		if err != nil {
			h.fail(w, err)
			return
		}
		turns = append(turns, t)
	}
	writeJSON(w, http.StatusOK, turns)
}

type appendTurnRequest struct {
	Role        model.Role         `json:"role"`
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments"`
}

func (h *handler) appendTurn(w http.ResponseWriter, r *http.Request) {
	var in appendTurnRequest
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	t, err := h.engine.Append(r.Context(), chi.URLParam(r, "conversationID"), model.Turn{
		Role:        in.Role,
		Content:     in.Content,
		Attachments: in.Attachments,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *handler) clearConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearConversation(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) searchTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := h.engine.SearchTurns(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("q"), queryInt(r, "k", 10))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(turns))
}

type switchProfileRequest struct {
	ProfileID string `json:"profile_id"`
}

func (h *handler) switchProfile(w http.ResponseWriter, r *http.Request) {
	var in switchProfileRequest
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.engine.SwitchProfile(r.Context(), chi.URLParam(r, "conversationID"), in.ProfileID); err != nil {
		h.fail(w, err)
		return
	}
	h.getConversation(w, r)
}

// ------------ context ------------

type contextRequest struct {
	Input       string              `json:"input"`
	Documents   []assemble.Document `json:"documents"`
	Attachments []model.Attachment  `json:"attachments"`
	Metadata    map[string]string   `json:"metadata"`
}

func (h *handler) assembleContext(w http.ResponseWriter, r *http.Request) {
	var in contextRequest
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	p, err := h.engine.AssembleContext(r.Context(), store.AssembleRequest{
		ConversationID: chi.URLParam(r, "conversationID"),
		Input:          in.Input,
		Documents:      in.Documents,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) exchange(w http.ResponseWriter, r *http.Request) {
	var in contextRequest
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.engine.Exchange(r.Context(), store.ExchangeRequest{
		ConversationID: chi.URLParam(r, "conversationID"),
		Input:          in.Input,
		Attachments:    in.Attachments,
		Documents:      in.Documents,
		Metadata:       in.Metadata,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type replyRequest struct {
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments"`
}

func (h *handler) reply(w http.ResponseWriter, r *http.Request) {
	var in replyRequest
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	t, err := h.engine.RecordReply(r.Context(), chi.URLParam(r, "conversationID"), in.Content, in.Attachments)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ------------ profiles ------------

func (h *handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	ps, err := h.engine.Profiles().List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(ps))
}

type createProfileRequest struct {
	Name     string            `json:"name"`
	Persona  string            `json:"persona"`
	ModelID  string            `json:"model_id"`
	Settings map[string]string `json:"settings"`
}

func (h *handler) createProfile(w http.ResponseWriter, r *http.Request) {
	var in createProfileRequest
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	p, err := h.engine.Profiles().Create(r.Context(), in.Name, in.Persona, in.ModelID, in.Settings)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Profiles().Get(r.Context(), chi.URLParam(r, "profileID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) defaultProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Profiles().Default(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in model.ProfileUpdate
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	p, err := h.engine.Profiles().Update(r.Context(), chi.URLParam(r, "profileID"), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Profiles().Delete(r.Context(), chi.URLParam(r, "profileID")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setDefaultProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Profiles().SetDefault(r.Context(), chi.URLParam(r, "profileID")); err != nil {
		h.fail(w, err)
		return
	}
	h.getProfile(w, r)
}

func (h *handler) exportProfile(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.engine.ExportProfile(r.Context(), chi.URLParam(r, "profileID"), &buf); err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="profile.json"`)
	w.Write(buf.Bytes())
}

func (h *handler) importProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Profiles().Import(r.Context(), r.Body, queryBool(r, "overwrite"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
