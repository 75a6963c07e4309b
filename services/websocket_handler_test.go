package services

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	ws "github.com/krshsl/interviewcoach/backend/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wsLongAnswer = "I led the rewrite of our card authorization gateway in Go, moved it onto a queue and kept p99 latency under sixty milliseconds."

type liveEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      struct {
		Question *struct {
			Ordinal  int    `json:"ordinal"`
			Type     string `json:"type"`
			Terminal bool   `json:"terminal"`
		} `json:"question"`
		TranscriptDegraded bool   `json:"transcript_degraded"`
		ClosingNotice      string `json:"closing_notice"`
		Error              string `json:"error"`
		Retryable          bool   `json:"retryable"`
		Markdown           string `json:"markdown"`
		Deduped            bool   `json:"deduped"`
		Report             *struct {
			Markdown string `json:"markdown"`
		} `json:"report"`
	} `json:"data"`
}

type liveConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *liveConn) send(msg ws.Message) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *liveConn) next() liveEnvelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env liveEnvelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

// startLiveInterview logs in as the demo user, starts an interview over HTTP
// and attaches a WebSocket to it.
func startLiveInterview(t *testing.T) (*Server, *liveConn, string) {
	t.Helper()
	s, repo := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.wsHub.Run(ctx)

	srv := httptest.NewServer(s.SetupRoutes())
	t.Cleanup(srv.Close)
	c := &apiClient{t: t, srv: srv}

	seed, err := NewDatabaseSeeder(repo).SeedDatabase(context.Background())
	require.NoError(t, err)
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: DemoEmail, Password: DemoPassword}, &login))
	c.token = login.AccessToken

	var started struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/interviews", StartInterviewRequest{CompanyID: seed.CompanyIDs["Acme Cloud"]}, &started))
	id := started.Session.ID

	header := http.Header{}
	header.Set("Origin", testOrigin)
	header.Set("Authorization", "Bearer "+c.token)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/interviews/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return s.wsHub.Connections(id) == 1 }, 2*time.Second, 10*time.Millisecond)
	return s, &liveConn{t: t, conn: conn}, id
}

func TestWebSocketRequiresAuth(t *testing.T) {
	s, _ := newTestBackend(t)
	srv := httptest.NewServer(s.SetupRoutes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/interviews/abc/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketInterviewFlow(t *testing.T) {
	_, live, id := startLiveInterview(t)

	live.send(ws.Message{Type: "answer", Text: wsLongAnswer})
	env := live.next()
	require.Equal(t, ws.TypeQuestion, env.Type)
	assert.Equal(t, id, env.SessionID)
	require.NotNil(t, env.Data.Question)
	assert.Equal(t, 1, env.Data.Question.Ordinal)
	assert.Equal(t, "initial_question", env.Data.Question.Type)

	live.send(ws.Message{Type: "answer", AudioDataBase64: "***"})
	env = live.next()
	require.Equal(t, ws.TypeError, env.Type)
	assert.False(t, env.Data.Retryable)

	live.send(ws.Message{Type: "transcribe"})
	env = live.next()
	require.Equal(t, ws.TypeError, env.Type)

	// a recording split in two chunks is submitted once complete; without
	// speech-to-text the transcript degrades and no follow-up is asked
	audio := []byte("recorded answer audio")
	parts := [][]byte{audio[:8], audio[8:]}
	for i, part := range parts {
		live.send(ws.Message{
			Type:            "audio_chunk",
			AudioDataBase64: base64.StdEncoding.EncodeToString(part),
			MIMEType:        "audio/webm",
			DurationMS:      12000,
			ChunkIndex:      i,
			TotalChunks:     len(parts),
			IsLastChunk:     i == len(parts)-1,
		})
	}
	env = live.next()
	require.Equal(t, ws.TypeQuestion, env.Type)
	assert.True(t, env.Data.TranscriptDegraded)
	require.NotNil(t, env.Data.Question)
	assert.Equal(t, 2, env.Data.Question.Ordinal)

	stale := 1
	live.send(ws.Message{Type: "answer", Text: wsLongAnswer, ExpectedOrdinal: &stale})
	env = live.next()
	require.Equal(t, ws.TypeError, env.Type)
	assert.True(t, env.Data.Retryable)

	live.send(ws.Message{Type: "answer", Text: "Lastly, I want to say this was a useful conversation about running payment systems reliably."})
	env = live.next()
	require.Equal(t, ws.TypeClosing, env.Type)
	require.NotNil(t, env.Data.Question)
	assert.True(t, env.Data.Question.Terminal)
	assert.Equal(t, 3, env.Data.Question.Ordinal)

	live.send(ws.Message{Type: "answer", Text: wsLongAnswer})
	env = live.next()
	require.Equal(t, ws.TypeReport, env.Type)
	assert.NotEmpty(t, env.Data.ClosingNotice)
	require.NotNil(t, env.Data.Report)
	assert.Contains(t, env.Data.Report.Markdown, "Overall Score")

	live.send(ws.Message{Type: "answer", Text: "one more thing"})
	env = live.next()
	require.Equal(t, ws.TypeError, env.Type)
	assert.False(t, env.Data.Retryable)

	live.send(ws.Message{Type: ws.MessageEndSession})
	env = live.next()
	require.Equal(t, ws.TypeReport, env.Type)
	assert.True(t, env.Data.Deduped)
	assert.NotEmpty(t, env.Data.Markdown)
}

func TestWebSocketEndSession(t *testing.T) {
	s, live, id := startLiveInterview(t)

	live.send(ws.Message{Type: "answer", Text: wsLongAnswer})
	require.Equal(t, ws.TypeQuestion, live.next().Type)

	live.send(ws.Message{Type: ws.MessageEndSession})
	env := live.next()
	require.Equal(t, ws.TypeReport, env.Type)
	assert.False(t, env.Data.Deduped)
	assert.NotEmpty(t, env.Data.Markdown)

	session, err := s.backend.Store.GetInterviewSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.True(t, session.Closed())
}
