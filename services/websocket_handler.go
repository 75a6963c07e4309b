package services

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/krshsl/interviewcoach/backend/apperrors"
	"github.com/krshsl/interviewcoach/backend/interview"
	"github.com/krshsl/interviewcoach/backend/report"
	"github.com/krshsl/interviewcoach/backend/speech"
	ws "github.com/krshsl/interviewcoach/backend/websocket"
)

// WebSocketHandler runs the live interview channel of one session.
type WebSocketHandler struct {
	interviews *interview.Service
	hub        *ws.Hub
	upgrader   websocket.Upgrader
}

func NewWebSocketHandler(interviews *interview.Service, hub *ws.Hub, allowedOrigins string) *WebSocketHandler {
	return &WebSocketHandler{
		interviews: interviews,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return CheckOrigin(r, allowedOrigins)
			},
		},
	}
}

func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/interviews/{id}/ws", h.ServeHTTP)
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", false)
		return
	}
	session, err := h.interviews.GetSession(r.Context(), chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err, "session_id", session.ID)
		return
	}

	client := h.hub.RegisterClient(conn, user.ID, session.ID)
	client.MessageHandler = h.HandleMessage
	go client.WritePump()
	go client.ReadPump()

	slog.Info("WebSocket connection handled", "user_id", user.ID, "session_id", session.ID)
}

// HandleMessage routes one inbound message to the orchestrator.
func (h *WebSocketHandler) HandleMessage(ctx context.Context, client *ws.Client, msg ws.Message) {
	switch msg.Type {
	case "answer":
		var audio []byte
		if msg.AudioDataBase64 != "" {
			data, err := base64.StdEncoding.DecodeString(msg.AudioDataBase64)
			if err != nil {
				pushError(client, apperrors.ErrInvalidInput)
				return
			}
			audio = data
		}
		h.submit(ctx, client, msg, audio)

	case "audio_chunk":
		data, err := base64.StdEncoding.DecodeString(msg.AudioDataBase64)
		if err != nil {
			pushError(client, apperrors.ErrInvalidInput)
			return
		}
		audio, err := client.Chunks.Add(msg.ChunkIndex, msg.TotalChunks, data, msg.IsLastChunk)
		if err != nil {
			slog.Warn("Failed to reassemble audio", "error", err, "session_id", client.SessionID)
			pushError(client, errors.Join(apperrors.ErrInvalidInput, err))
			return
		}
		if audio == nil {
			return
		}
		slog.Info("Audio reconstructed", "session_id", client.SessionID, "complete_size", len(audio))
		h.submit(ctx, client, msg, audio)

	case ws.MessageEndSession:
		// the connection may close right after; ending must not be tied to it
		res, err := h.interviews.EndSession(context.WithoutCancel(ctx), client.SessionID, client.UserID)
		if err != nil {
			pushError(client, err)
			return
		}
		h.hub.Broadcast(client.SessionID, ws.Envelope{Type: ws.TypeReport, Data: res})

	default:
		slog.Warn("Unknown message type", "type", msg.Type, "session_id", client.SessionID)
		pushError(client, apperrors.ErrInvalidInput)
	}
}

func (h *WebSocketHandler) submit(ctx context.Context, client *ws.Client, msg ws.Message, audio []byte) {
	in := interview.AnswerInput{
		SessionID:       client.SessionID,
		UserID:          client.UserID,
		Text:            msg.Text,
		RequestFollowUp: msg.RequestFollowUp,
		ExpectedOrdinal: msg.ExpectedOrdinal,
	}
	if len(audio) > 0 {
		in.Audio = speech.Audio{
			Data:     audio,
			MIMEType: msg.MIMEType,
			Duration: time.Duration(msg.DurationMS) * time.Millisecond,
		}
	}

	res, err := h.interviews.SubmitAnswer(ctx, in)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, apperrors.ErrSessionClosed) {
			slog.Info("Answer abandoned with connection", "session_id", client.SessionID)
			return
		}
		pushError(client, err)
		return
	}

	if res.Question != nil {
		typ := ws.TypeQuestion
		if res.Question.Terminal {
			typ = ws.TypeClosing
		}
		h.hub.Broadcast(client.SessionID, ws.Envelope{Type: typ, Data: answerResponse(res)})
		return
	}

	// the closing answer completed the session
	rep, err := h.interviews.GetReport(context.WithoutCancel(ctx), client.SessionID, client.UserID)
	if err != nil {
		pushError(client, err)
		return
	}
	h.hub.Broadcast(client.SessionID, ws.Envelope{Type: ws.TypeReport, Data: completedPayload{
		SubmitAnswerResponse: answerResponse(res),
		Report:               rep,
	}})
}

type completedPayload struct {
	SubmitAnswerResponse
	Report *report.Result `json:"report"`
}

func pushError(client *ws.Client, err error) {
	msg := err.Error()
	if statusFor(err) == http.StatusInternalServerError {
		slog.Error("WebSocket request failed", "error", err, "session_id", client.SessionID)
		msg = "internal error"
	}
	client.Push(ws.Envelope{Type: ws.TypeError, Data: ws.ErrorData{Error: msg, Retryable: apperrors.Retryable(err)}})
}

// CheckOrigin validates the origin of WebSocket connections to prevent CSRF attacks
func CheckOrigin(r *http.Request, allowedOriginsStr string) bool {
	origin := r.Header.Get("Origin")

	// If no allowed origins are configured, deny all requests for security
	if allowedOriginsStr == "" {
		slog.Warn("WebSocket connection rejected: no allowed origins configured", "origin", origin)
		return false
	}

	for _, allowed := range strings.Split(allowedOriginsStr, ",") {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}

	slog.Warn("WebSocket connection rejected: origin not allowed", "origin", origin, "allowed_origins", allowedOriginsStr)
	return false
}
