package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"bongard-study-service/internal/app"
	"bongard-study-service/internal/domain"
	"github.com/go-chi/chi/v5"
)

// Handler exposes the study use cases as JSON endpoints.
type Handler struct {
	service *app.StudyService
}

func NewHandler(service *app.StudyService) *Handler {
	return &Handler{service: service}
}

type participantRequest struct {
	ParticipantID    string          `json:"participant_id"`
	Email            string          `json:"email"`
	EnrollmentNumber string          `json:"enrollment_number"`
	AssignedGroup    *int            `json:"assigned_group"`
	Consent          *bool           `json:"consent"`
	ShareData        *bool           `json:"share_data"`
	NPerCategory     *int            `json:"n_per_category"`
	Metadata         json.RawMessage `json:"metadata_json"`
}

func (h *Handler) RegisterParticipant(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AssignedGroup == nil {
		writeError(w, r, domain.Validationf("missing required fields: assigned_group"))
		return
	}
	meta, err := embeddedJSON("metadata_json", req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.service.RegisterParticipant(r.Context(), app.ParticipantInput{
		ParticipantID:    req.ParticipantID,
		Email:            req.Email,
		EnrollmentNumber: req.EnrollmentNumber,
		AssignedGroup:    *req.AssignedGroup,
		Consent:          req.Consent,
		ShareData:        req.ShareData,
		NPerCategory:     req.NPerCategory,
		Metadata:         meta,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (h *Handler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetParticipant(r.Context(), r.URL.Query().Get("participant_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (h *Handler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	group, err := strconv.Atoi(q.Get("assigned_group"))
	if err != nil {
		writeError(w, r, domain.Validationf("assigned_group must be an integer"))
		return
	}
	view, err := h.service.BuildAssignment(r.Context(), q.Get("participant_id"), group)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

type sessionRequest struct {
	ParticipantID  string            `json:"participant_id"`
	AssignedGroup  int               `json:"assigned_group"`
	TotalQuestions int               `json:"total_questions"`
	Assignment     json.RawMessage   `json:"assignment_json"`
	CategoryMap    map[string]string `json:"category_map"`
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ids, err := decodeIDList("assignment_json", req.Assignment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.service.StartSession(r.Context(), app.NewSessionInput{
		ParticipantID:  req.ParticipantID,
		AssignedGroup:  req.AssignedGroup,
		TotalQuestions: req.TotalQuestions,
		Assignment:     ids,
		CategoryMap:    req.CategoryMap,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

func (h *Handler) LatestSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.LatestSession(r.Context(), r.URL.Query().Get("participant_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.ResumeSession(r.Context(), r.URL.Query().Get("participant_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	// a nil session encodes as data: null
	writeData(w, http.StatusOK, sess)
}

type sessionPatchRequest struct {
	CurrentIndex *int  `json:"current_index"`
	Progress     *int  `json:"progress"`
	Completed    *bool `json:"completed"`
}

func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionPatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.service.UpdateSession(r.Context(), chi.URLParam(r, "sessionID"), domain.SessionPatch{
		CurrentIndex: req.CurrentIndex,
		Progress:     req.Progress,
		Completed:    req.Completed,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.CompleteSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

func (h *Handler) SessionResponses(w http.ResponseWriter, r *http.Request) {
	responses, err := h.service.SessionResponses(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, responses)
}

type responseRequest struct {
	ParticipantID  string          `json:"participant_id"`
	SessionID      string          `json:"session_id"`
	QuestionID     string          `json:"question_id"`
	Category       string          `json:"category"`
	AssignedGroup  *int            `json:"assigned_group"`
	Answer         string          `json:"answer"`
	IsCorrect      *bool           `json:"is_correct"`
	ReactionTime   *float64        `json:"reaction_time"`
	QuestionNumber *int            `json:"question_number"`
	MouseData      json.RawMessage `json:"mouse_data_json"`
}

func (h *Handler) RecordResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	mouse, err := embeddedJSON("mouse_data_json", req.MouseData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	answer := strings.TrimSpace(req.Answer)
	in := app.ResponseInput{
		ParticipantID: req.ParticipantID,
		SessionID:     req.SessionID,
		QuestionID:    req.QuestionID,
		Category:      req.Category,
		AssignedGroup: req.AssignedGroup,
		Answer:        answer,
		MouseData:     mouse,
	}
	if req.IsCorrect != nil {
		in.IsCorrect = *req.IsCorrect
	} else {
		in.IsCorrect = domain.IsCorrect(req.QuestionID, answer)
	}
	if req.ReactionTime != nil {
		in.ReactionTime = *req.ReactionTime
	}
	if req.QuestionNumber != nil {
		in.QuestionNumber = *req.QuestionNumber
	}

	resp, err := h.service.RecordResponse(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

type inviteResult struct {
	ParticipantID string `json:"participant_id"`
	AssignedGroup int    `json:"assigned_group"`
}

func (h *Handler) RedeemInvite(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.RedeemInvite(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, inviteResult{ParticipantID: p.ParticipantID, AssignedGroup: p.AssignedGroup})
}
