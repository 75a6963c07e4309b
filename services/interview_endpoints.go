package services

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/krshsl/interviewcoach/backend/apperrors"
	"github.com/krshsl/interviewcoach/backend/interview"
	"github.com/krshsl/interviewcoach/backend/models"
	"github.com/krshsl/interviewcoach/backend/report"
	"github.com/krshsl/interviewcoach/backend/speech"
)

type InterviewEndpoints struct {
	interviews *interview.Service
}

func NewInterviewEndpoints(interviews *interview.Service) *InterviewEndpoints {
	return &InterviewEndpoints{interviews: interviews}
}

type StartInterviewRequest struct {
	CompanyID   string `json:"company_id"`
	ResumeID    string `json:"resume_id"`
	SelfIntroID string `json:"self_intro_id"`
}

// QuestionPayload is a question as sent to clients, with its spoken audio
// when synthesis succeeded.
type QuestionPayload struct {
	interview.Question
	AudioBase64 string `json:"audio_base64,omitempty"`
}

type StartInterviewResponse struct {
	Session  *models.InterviewSession `json:"session"`
	Question QuestionPayload          `json:"question"`
}

// SubmitAnswerRequest carries either recorded audio or typed text.
type SubmitAnswerRequest struct {
	AudioBase64     string `json:"audio_base64"`
	MIMEType        string `json:"mime_type"`
	DurationMS      int64  `json:"duration_ms"`
	Text            string `json:"text"`
	RequestFollowUp bool   `json:"request_follow_up"`
	ExpectedOrdinal *int   `json:"expected_ordinal"`
}

type SubmitAnswerResponse struct {
	*interview.AnswerResult
	Question           *QuestionPayload `json:"question,omitempty"`
	ClosingAudioBase64 string           `json:"closing_audio_base64,omitempty"`
}

type ReportResponse struct {
	*report.Result
}

func (e *InterviewEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/interviews", func(r chi.Router) {
		r.Post("/", e.StartHandler)
		r.Get("/", e.ListHandler)
		r.Get("/{id}", e.GetHandler)
		r.Post("/{id}/answers", e.AnswerHandler)
		r.Post("/{id}/end", e.EndHandler)
		r.Get("/{id}/report", e.ReportHandler)
	})
}

func (e *InterviewEndpoints) StartHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	var req StartInterviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}

	res, err := e.interviews.StartSession(r.Context(), interview.StartInput{
		UserID:      user.ID,
		CompanyID:   req.CompanyID,
		ResumeID:    req.ResumeID,
		SelfIntroID: req.SelfIntroID,
	})
	if err != nil {
		slog.Warn("Failed to start interview", "error", err, "user_id", user.ID)
		writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, StartInterviewResponse{
		Session:  res.Session,
		Question: questionPayload(res.Question, res.Audio),
	})
}

func (e *InterviewEndpoints) ListHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	sessions, err := e.interviews.ListSessions(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (e *InterviewEndpoints) GetHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	session, err := e.interviews.GetSession(r.Context(), chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (e *InterviewEndpoints) AnswerHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	var req SubmitAnswerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}

	in, err := req.toInput(chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	res, err := e.interviews.SubmitAnswer(r.Context(), in)
	if err != nil {
		slog.Warn("Failed to submit answer", "error", err, "session_id", in.SessionID)
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse(res))
}

func (e *InterviewEndpoints) EndHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	res, err := e.interviews.EndSession(r.Context(), chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{res})
}

func (e *InterviewEndpoints) ReportHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	res, err := e.interviews.GetReport(r.Context(), chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{res})
}

func (req SubmitAnswerRequest) toInput(sessionID, userID string) (interview.AnswerInput, error) {
	in := interview.AnswerInput{
		SessionID:       sessionID,
		UserID:          userID,
		Text:            req.Text,
		RequestFollowUp: req.RequestFollowUp,
		ExpectedOrdinal: req.ExpectedOrdinal,
	}
	if req.AudioBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.AudioBase64)
		if err != nil {
			return in, fmt.Errorf("%w: audio is not valid base64", apperrors.ErrInvalidInput)
		}
		in.Audio = speech.Audio{
			Data:     data,
			MIMEType: req.MIMEType,
			Duration: time.Duration(req.DurationMS) * time.Millisecond,
		}
	}
	return in, nil
}

func questionPayload(q interview.Question, audio []byte) QuestionPayload {
	p := QuestionPayload{Question: q}
	if len(audio) > 0 {
		p.AudioBase64 = base64.StdEncoding.EncodeToString(audio)
	}
	return p
}

func answerResponse(res *interview.AnswerResult) SubmitAnswerResponse {
	out := SubmitAnswerResponse{AnswerResult: res}
	if res.Question != nil {
		q := questionPayload(*res.Question, res.Audio)
		out.Question = &q
	} else if len(res.Audio) > 0 {
		out.ClosingAudioBase64 = base64.StdEncoding.EncodeToString(res.Audio)
	}
	return out
}
