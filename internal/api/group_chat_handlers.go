package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/flowpbx/rcschat/internal/api/middleware"
	"github.com/flowpbx/rcschat/internal/database/models"
	"github.com/flowpbx/rcschat/internal/sip"
	"github.com/go-chi/chi/v5"
)

// groupChatRequest is the shape accepted by POST /group-chats.
type groupChatRequest struct {
	ConferenceID string   `json:"conference_id"`
	Subject      string   `json:"subject"`
	Participants []string `json:"participants"`
}

// chatErrorResponse describes a failed attempt.
type chatErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// groupChatResponse is the API view of a group chat.
type groupChatResponse struct {
	ContributionID string             `json:"contribution_id"`
	ConversationID string             `json:"conversation_id,omitempty"`
	ConferenceID   string             `json:"conference_id"`
	Subject        string             `json:"subject,omitempty"`
	Participants   []string           `json:"participants"`
	CallID         string             `json:"call_id"`
	State          string             `json:"state"`
	Error          *chatErrorResponse `json:"error,omitempty"`
	CreatedAt      *time.Time         `json:"created_at,omitempty"`
	UpdatedAt      *time.Time         `json:"updated_at,omitempty"`
}

func sessionToResponse(s *sip.OriginatingSession) groupChatResponse {
	return groupChatResponse{
		ContributionID: s.ContributionID(),
		ConversationID: s.ConversationID(),
		ConferenceID:   s.ConferenceID(),
		Subject:        s.Subject(),
		Participants:   s.Participants(),
		CallID:         s.Dialog().CallID,
		State:          s.State(),
	}
}

func chatToResponse(c models.GroupChat) groupChatResponse {
	resp := groupChatResponse{
		ContributionID: c.ContributionID,
		ConversationID: c.ConversationID,
		ConferenceID:   c.ConferenceID,
		Subject:        c.Subject,
		CallID:         c.CallID,
		State:          c.State,
		CreatedAt:      &c.CreatedAt,
		UpdatedAt:      &c.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(c.Participants), &resp.Participants); err != nil || resp.Participants == nil {
		resp.Participants = []string{}
	}
	if c.ErrorCode != 0 {
		resp.Error = &chatErrorResponse{
			Code:    sip.ChatErrorCode(c.ErrorCode).String(),
			Message: c.ErrorMessage,
		}
	}
	return resp
}

func (req groupChatRequest) validate() string {
	if msg := validateURI("conference_id", req.ConferenceID, false); msg != "" {
		return msg
	}
	if msg := validateStringLen("subject", req.Subject, maxSubjectLen); msg != "" {
		return msg
	}
	if containsControlChars(req.Subject) {
		return "subject contains invalid characters"
	}
	return validateParticipants(req.Participants)
}

// handleCreateGroupChat originates a new ad-hoc group chat. The INVITE is
// sent asynchronously; the response carries the session identifiers.
func (s *Server) handleCreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req groupChatRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	session, err := s.sessions.Originate(r.Context(), sip.GroupChatParams{
		ConferenceID: req.ConferenceID,
		Subject:      req.Subject,
		Participants: req.Participants,
	})
	if err != nil {
		if errors.Is(err, sip.ErrIdentifierResolution) {
			s.logger.Warn("conversation id unavailable", "conference_id", req.ConferenceID, "error", err)
			writeError(w, r, http.StatusServiceUnavailable, "conversation identifier unavailable")
			return
		}
		s.logger.Error("failed to originate group chat", "conference_id", req.ConferenceID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to originate group chat")
		return
	}

	s.logger.Info("group chat originated",
		"contribution_id", session.ContributionID(),
		"operator", middleware.OperatorFromContext(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, sessionToResponse(session))
}

// handleListGroupChats returns a page of recorded group chats.
func (s *Server) handleListGroupChats(w http.ResponseWriter, r *http.Request) {
	p, msg := parsePagination(r)
	if msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	chats, err := s.chats.ListRecent(r.Context(), p.Limit, p.Offset)
	if err != nil {
		s.logger.Error("failed to list group chats", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to list group chats")
		return
	}
	total, err := s.chats.Count(r.Context())
	if err != nil {
		s.logger.Error("failed to count group chats", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to list group chats")
		return
	}

	items := make([]groupChatResponse, len(chats))
	for i, c := range chats {
		items[i] = chatToResponse(c)
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// handleGetGroupChat returns the recorded state of one group chat.
func (s *Server) handleGetGroupChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contributionID")

	chat, err := s.chats.GetByContributionID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get group chat", "contribution_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to get group chat")
		return
	}
	if chat == nil {
		writeError(w, r, http.StatusNotFound, "group chat not found")
		return
	}

	writeJSON(w, http.StatusOK, chatToResponse(*chat))
}

// handleRetryGroupChat starts a new attempt for a tracked session under a
// fresh call id.
func (s *Server) handleRetryGroupChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contributionID")

	session, err := s.sessions.Retry(r.Context(), id)
	switch {
	case errors.Is(err, sip.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, "group chat session not found")
		return
	case errors.Is(err, sip.ErrSessionBusy):
		writeError(w, r, http.StatusConflict, "group chat attempt already in progress")
		return
	case err != nil:
		s.logger.Error("failed to retry group chat", "contribution_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to retry group chat")
		return
	}

	writeJSON(w, http.StatusAccepted, sessionToResponse(session))
}
