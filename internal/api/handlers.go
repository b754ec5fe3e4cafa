package api

import (
	"encoding/json"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"drsamy.app/chat/internal/core"
	"drsamy.app/chat/internal/store"
)

const maxUploadBytes = 32 << 20

type APIHandler struct {
	chatService *core.ChatService
	events      *EventsHandler
}

func NewAPIHandler(cs *core.ChatService, allowedOrigins []string) *APIHandler {
	return &APIHandler{
		chatService: cs,
		events:      NewEventsHandler(cs, allowedOrigins),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chatService.Session())
}

type StartChatResponse struct {
	ID string `json:"id"`
}

func (h *APIHandler) StartChatHandler(w http.ResponseWriter, r *http.Request) {
	id := h.chatService.StartNewChat()
	writeJSON(w, http.StatusCreated, StartChatResponse{ID: id})
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chatService.ListConversations())
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	conv, ok := h.chatService.Conversation(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if err := h.chatService.DeleteConversation(r.Context(), id); err != nil {
		// the conversation is gone from the session; only the write failed
		hlog.FromRequest(r).Error().Err(err).Str("conversation_id", id).Msg("Conversation deleted but not persisted")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) SelectConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if err := h.chatService.SelectConversation(id); err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("conversation_id", id).Msg("Error selecting conversation")
		writeError(w, http.StatusInternalServerError, "Failed to select conversation")
		return
	}
	writeJSON(w, http.StatusOK, h.chatService.Session())
}

type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// SendMessageHandler accepts either a JSON body or a multipart form with
// repeated "files" parts. It answers once the assistant replied.
func (h *APIHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var (
		req   SendMessageRequest
		files []core.File
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
			return
		}
		defer r.MultipartForm.RemoveAll()
		req.ConversationID = r.FormValue("conversation_id")
		req.Text = r.FormValue("text")
		for _, fh := range r.MultipartForm.File["files"] {
			files = append(files, core.OpenerFile(fh.Filename, fh.Open))
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.chatService.SendMessage(r.Context(), req.ConversationID, req.Text, files)
	if err != nil {
		logger := hlog.FromRequest(r)
		switch {
		case errors.Is(err, core.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, "Message must have text or attachments")
		case errors.Is(err, core.ErrEncoding):
			logger.Warn().Err(err).Msg("Attachment could not be read")
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, core.ErrAssistantFailed):
			logger.Error().Err(err).Msg("Assistant failed")
			writeJSON(w, http.StatusBadGateway, res)
		case errors.Is(err, core.ErrConversationDeleted):
			writeError(w, http.StatusConflict, "Conversation was deleted")
		default:
			logger.Error().Err(err).Msg("Error sending message")
			writeError(w, http.StatusInternalServerError, "Failed to send message")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ThemeRequest struct {
	Theme string `json:"theme"`
}

type ThemeResponse struct {
	Theme store.Theme `json:"theme"`
}

func (h *APIHandler) GetThemeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ThemeResponse{Theme: h.chatService.Theme()})
}

func (h *APIHandler) SetThemeHandler(w http.ResponseWriter, r *http.Request) {
	var req ThemeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	theme, err := store.ParseTheme(req.Theme)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.chatService.SetTheme(r.Context(), theme); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Theme applied but not persisted")
	}
	writeJSON(w, http.StatusOK, ThemeResponse{Theme: h.chatService.Theme()})
}

func (h *APIHandler) ToggleThemeHandler(w http.ResponseWriter, r *http.Request) {
	theme, err := h.chatService.ToggleTheme(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Theme applied but not persisted")
	}
	writeJSON(w, http.StatusOK, ThemeResponse{Theme: theme})
}
