package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/krshsl/interviewcoach/backend/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiClient struct {
	t     *testing.T
	srv   *httptest.Server
	token string
}

func (c *apiClient) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

const testOrigin = "http://localhost:5173"

// newTestBackend builds an initialized server on the memory repository.
func newTestBackend(t *testing.T) (*Server, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	cfg := &Config{
		JWT:        JWTConfig{Secret: "test-secret"},
		WebSocket:  WebSocketConfig{AllowedOrigins: testOrigin},
		Interview:  InterviewConfig{MaxFollowUps: 1},
		AudioCache: AudioCacheConfig{Entries: 8},
	}
	s := NewServer(cfg, Backend{Store: repo, Threads: repo, Locker: repository.NewMemoryLocker()})
	require.NoError(t, s.InitializeServices())
	return s, repo
}

func newTestServer(t *testing.T) (*apiClient, *repository.MemoryRepository) {
	t.Helper()
	s, repo := newTestBackend(t)
	srv := httptest.NewServer(s.SetupRoutes())
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv}, repo
}

func TestServerHealth(t *testing.T) {
	c, _ := newTestServer(t)
	var health healthResponse
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "up", health.Database)
	assert.False(t, health.Capabilities["stt"])
}

func TestServerRequiresAuth(t *testing.T) {
	c, _ := newTestServer(t)
	var errBody errorResponse
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/v1/interviews", nil, &errBody))

	c.token = "not-a-token"
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/v1/auth/me", nil, nil))
}

func TestServerSignupAndLogin(t *testing.T) {
	c, _ := newTestServer(t)

	var signup struct {
		AccessToken string       `json:"access_token"`
		User        userResponse `json:"user"`
	}
	status := c.do(http.MethodPost, "/api/v1/auth/signup", SignupRequest{Email: "Ada@Example.com", Password: "correct horse", FullName: "Ada"}, &signup)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "ada@example.com", signup.User.Email)
	require.NotEmpty(t, signup.AccessToken)

	assert.Equal(t, http.StatusConflict, c.do(http.MethodPost, "/api/v1/auth/signup", SignupRequest{Email: "ada@example.com", Password: "correct horse"}, nil))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/v1/auth/signup", SignupRequest{Email: "bob@example.com", Password: "short"}, nil))
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: "ada@example.com", Password: "wrong password"}, nil))

	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: "ada@example.com", Password: "correct horse"}, &login))

	c.token = login.AccessToken
	var me struct {
		User userResponse `json:"user"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/auth/me", nil, &me))
	assert.Equal(t, "Ada", me.User.FullName)
}

func TestServerInterviewFlow(t *testing.T) {
	c, repo := newTestServer(t)
	seed, err := NewDatabaseSeeder(repo).SeedDatabase(context.Background())
	require.NoError(t, err)

	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: DemoEmail, Password: DemoPassword}, &login))
	c.token = login.AccessToken

	var companies struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/companies", nil, &companies))
	assert.Equal(t, len(defaultCompanies), companies.Count)

	var started struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
		Question struct {
			Ordinal int    `json:"ordinal"`
			Type    string `json:"type"`
		} `json:"question"`
	}
	status := c.do(http.MethodPost, "/api/v1/interviews", StartInterviewRequest{
		CompanyID:   seed.CompanyIDs["Acme Cloud"],
		ResumeID:    seed.ResumeID,
		SelfIntroID: seed.SelfIntroID,
	}, &started)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 0, started.Question.Ordinal)
	assert.Equal(t, "self_introduction_request", started.Question.Type)
	id := started.Session.ID

	var answered struct {
		Question struct {
			Ordinal int `json:"ordinal"`
		} `json:"question"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/interviews/"+id+"/answers",
		SubmitAnswerRequest{Text: "I build payment systems in Go and care about reliability."}, &answered))
	assert.Equal(t, 1, answered.Question.Ordinal)

	stale := 0
	var conflict errorResponse
	assert.Equal(t, http.StatusConflict, c.do(http.MethodPost, "/api/v1/interviews/"+id+"/answers",
		SubmitAnswerRequest{Text: "late answer", ExpectedOrdinal: &stale}, &conflict))
	assert.True(t, conflict.Retryable)

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/v1/interviews/"+id+"/answers",
		SubmitAnswerRequest{AudioBase64: "***"}, nil))

	var ended struct {
		Markdown string `json:"markdown"`
		Score    int    `json:"score"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/interviews/"+id+"/end", nil, &ended))
	assert.NotEmpty(t, ended.Markdown)

	var closed errorResponse
	assert.Equal(t, http.StatusConflict, c.do(http.MethodPost, "/api/v1/interviews/"+id+"/answers",
		SubmitAnswerRequest{Text: "one more"}, &closed))
	assert.False(t, closed.Retryable)

	var again struct {
		Deduped bool `json:"deduped"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/interviews/"+id+"/report", nil, &again))
	assert.True(t, again.Deduped)

	var session struct {
		Session struct {
			Status string `json:"status"`
			Turns  []struct {
				Ordinal int `json:"ordinal"`
			} `json:"turns"`
		} `json:"session"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/interviews/"+id, nil, &session))
	assert.Equal(t, "completed", session.Session.Status)
	require.Len(t, session.Session.Turns, 0, "only the intro was answered")

	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/api/v1/interviews/missing", nil, nil))
}
