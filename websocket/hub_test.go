package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkAssembler(t *testing.T) {
	a := NewChunkAssembler(1024)

	out, err := a.Add(1, 3, []byte("bb"), false)
	require.NoError(t, err)
	assert.Nil(t, out)
	_, err = a.Add(0, 3, []byte("aa"), false)
	require.NoError(t, err)
	out, err = a.Add(2, 3, []byte("cc"), true)
	require.NoError(t, err)
	assert.Equal(t, "aabbcc", string(out))
	assert.Zero(t, a.Pending())

	// a retransmitted chunk replaces the earlier copy
	_, _ = a.Add(0, 2, []byte("x"), false)
	_, _ = a.Add(0, 2, []byte("y"), false)
	out, err = a.Add(1, 2, []byte("z"), true)
	require.NoError(t, err)
	assert.Equal(t, "yz", string(out))
}

func TestChunkAssemblerErrors(t *testing.T) {
	a := NewChunkAssembler(4)

	_, err := a.Add(3, 3, nil, false)
	require.Error(t, err)

	_, _ = a.Add(0, 3, []byte("a"), false)
	_, err = a.Add(2, 3, []byte("c"), true)
	require.ErrorIs(t, err, ErrIncompleteAudio)
	assert.Zero(t, a.Pending(), "a failed recording is discarded")

	_, _ = a.Add(0, 2, []byte("a"), false)
	_, err = a.Add(1, 5, []byte("b"), false)
	require.Error(t, err)

	_, err = a.Add(0, 2, []byte("too large"), false)
	require.Error(t, err)
	assert.Zero(t, a.Pending())
}

type testEnvelope struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Data      map[string]string `json:"data"`
}

// startHub serves one session whose clients use handler, and dials it.
func startHub(t *testing.T, handler func(context.Context, *Client, Message)) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := hub.RegisterClient(conn, "user-1", "session-1")
		client.MessageHandler = handler
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Connections("session-1") == 1 }, time.Second, 10*time.Millisecond)
	return hub, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) testEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env testEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubRoundTrip(t *testing.T) {
	hub, conn := startHub(t, func(_ context.Context, c *Client, msg Message) {
		c.Push(Envelope{Type: TypeQuestion, Data: map[string]string{"echo": msg.Text}})
	})

	require.NoError(t, conn.WriteJSON(Message{Type: "answer", Text: "hello"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, TypeQuestion, env.Type)
	assert.Equal(t, "session-1", env.SessionID)
	assert.Equal(t, "hello", env.Data["echo"])

	assert.Equal(t, 1, hub.Broadcast("session-1", Envelope{Type: TypeReport}))
	assert.Zero(t, hub.Broadcast("other", Envelope{Type: TypeReport}))

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Connections("session-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

// Chunks sent in order over one connection must reach the assembler in
// order, recording after recording.
func TestHubKeepsChunkOrder(t *testing.T) {
	const recordings, chunks = 200, 4

	_, conn := startHub(t, func(_ context.Context, c *Client, msg Message) {
		out, err := c.Chunks.Add(msg.ChunkIndex, msg.TotalChunks, []byte(msg.Text), msg.IsLastChunk)
		if err != nil {
			c.Push(Envelope{Type: TypeError, Data: map[string]string{"error": err.Error()}})
			return
		}
		if out != nil {
			c.Push(Envelope{Type: TypeQuestion, Data: map[string]string{"audio": string(out)}})
		}
	})

	results := make(chan testEnvelope, recordings)
	go func() {
		for i := 0; i < recordings; i++ {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var env testEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				close(results)
				return
			}
			results <- env
		}
		close(results)
	}()

	for r := 0; r < recordings; r++ {
		for i := 0; i < chunks; i++ {
			require.NoError(t, conn.WriteJSON(Message{
				Type:        "audio_chunk",
				Text:        fmt.Sprintf("%d.%d;", r, i),
				ChunkIndex:  i,
				TotalChunks: chunks,
				IsLastChunk: i == chunks-1,
			}))
		}
	}

	r := 0
	for env := range results {
		require.Equal(t, TypeQuestion, env.Type, "recording %d: %v", r, env.Data)
		assert.Equal(t, fmt.Sprintf("%d.0;%d.1;%d.2;%d.3;", r, r, r, r), env.Data["audio"])
		r++
	}
	assert.Equal(t, recordings, r)
}

func TestHubEndSessionBypassesBusyHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	_, conn := startHub(t, func(ctx context.Context, c *Client, msg Message) {
		if msg.Type == MessageEndSession {
			c.Push(Envelope{Type: TypeReport, Data: map[string]string{"ended": "true"}})
			return
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	require.NoError(t, conn.WriteJSON(Message{Type: "answer", Text: "slow"}))
	require.NoError(t, conn.WriteJSON(Message{Type: MessageEndSession}))

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeReport, env.Type)
	assert.Equal(t, "true", env.Data["ended"])
}
