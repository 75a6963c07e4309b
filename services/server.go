package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/krshsl/interviewcoach/backend/interview"
	"github.com/krshsl/interviewcoach/backend/llm"
	"github.com/krshsl/interviewcoach/backend/report"
	"github.com/krshsl/interviewcoach/backend/repository"
	"github.com/krshsl/interviewcoach/backend/speech"
	ws "github.com/krshsl/interviewcoach/backend/websocket"
)

// Store is the persistence the server runs on. GORMRepository and
// MemoryRepository both satisfy it.
type Store interface {
	interview.Store
	SeedStore
	Ping(ctx context.Context) error
}

// Backend bundles the storage side handed to the server.
type Backend struct {
	Store   Store
	Threads ThreadStore
	Locker  interview.Locker
}

// Server holds all server dependencies
type Server struct {
	config  *Config
	backend Backend

	geminiService      *GeminiService
	elevenLabsService  *ElevenLabsService
	audioCache         *AudioCache
	audioArchive       *AudioArchive
	speech             *speech.Services
	interviews         *interview.Service
	authService        *AuthService
	authEndpoints      *AuthEndpoints
	documentEndpoints  *DocumentEndpoints
	interviewEndpoints *InterviewEndpoints
	websocketHandler   *WebSocketHandler
	wsHub              *ws.Hub
}

func NewServer(config *Config, backend Backend) *Server {
	return &Server{config: config, backend: backend}
}

// Interviews exposes the orchestrator once services are initialized.
func (s *Server) Interviews() *interview.Service {
	return s.interviews
}

// InitializeServices builds the vendor adapters and the orchestrator.
// Missing vendor keys degrade the matching capability instead of failing.
func (s *Server) InitializeServices() error {
	if s.backend.Store == nil || s.backend.Locker == nil {
		return errors.New("server needs a store and a locker")
	}
	if s.config.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}

	var (
		conv        llm.Conversation
		narrator    report.Narrator
		transcriber speech.Transcriber
		synthesizer speech.Synthesizer
		analyzer    speech.VoiceAnalyzer
		archive     interview.AudioArchive
	)

	if s.config.AI.GeminiAPIKey != "" && s.backend.Threads != nil {
		s.geminiService = NewGeminiService(s.config.AI.GeminiAPIKey, s.config.AI.GeminiModel, s.backend.Threads, s.config.Timeouts.LLMMaxWait)
		if s.geminiService != nil {
			conv, narrator, transcriber, analyzer = s.geminiService, s.geminiService, s.geminiService, s.geminiService
			slog.Info("Gemini service initialized", "model", s.geminiService.Model())
		}
	} else {
		slog.Warn("Gemini not configured, using the fixed question bank and template reports")
	}

	cache, err := NewAudioCache(s.config.AudioCache.Dir, s.config.AudioCache.Entries, interview.FixedQuestions())
	if err != nil {
		return err
	}
	s.audioCache = cache

	if s.config.AI.ElevenLabsKey != "" {
		s.elevenLabsService = NewElevenLabsService(s.config.AI.ElevenLabsKey, s.config.AI.ElevenLabsModel, s.audioCache)
		synthesizer = s.elevenLabsService
		slog.Info("ElevenLabs service initialized")
	} else {
		slog.Warn("ElevenLabs not configured, questions will be text only")
	}

	if s.config.Storage.Endpoint != "" {
		a, err := NewAudioArchive(s.config.Storage)
		if err != nil {
			return fmt.Errorf("failed to init audio archive: %w", err)
		}
		s.audioArchive = a
		archive = a
		slog.Info("Audio archive initialized", "bucket", s.config.Storage.Bucket)
	}

	s.speech = speech.NewServices(transcriber, synthesizer, analyzer, s.config.Timeouts.Speech())
	composer := report.NewComposer(report.Options{
		Store:        s.backend.Store,
		Narrator:     narrator,
		Model:        s.config.AI.GeminiModel,
		Policy:       s.config.Interview.Scoring(),
		Timeout:      s.config.Timeouts.Report,
		IsOutOfRange: repository.IsNumericOutOfRange,
	})

	s.interviews, err = interview.NewService(interview.Options{
		Store:        s.backend.Store,
		Locker:       s.backend.Locker,
		Conversation: conv,
		Speech:       s.speech,
		Composer:     composer,
		Archive:      archive,
		Policy:       s.config.Interview.Policy(),
		Poll:         s.config.Timeouts.Poll(),
		LLMTimeout:   s.config.Timeouts.LLM,
		IdleTimeout:  s.config.Timeouts.SessionIdle,
		PickVoice:    PickInterviewerVoice,
	})
	if err != nil {
		return fmt.Errorf("failed to init interview service: %w", err)
	}

	s.authService = NewAuthService(s.backend.Store, s.config.JWT.Secret, s.config.Server.SecureCookies)
	s.authEndpoints = NewAuthEndpoints(s.authService)
	s.documentEndpoints = NewDocumentEndpoints(s.backend.Store)
	s.interviewEndpoints = NewInterviewEndpoints(s.interviews)
	s.wsHub = ws.NewHub()
	s.websocketHandler = NewWebSocketHandler(s.interviews, s.wsHub, s.config.WebSocket.AllowedOrigins)

	slog.Info("Services initialized", "capabilities", s.speech.Capabilities())
	return nil
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.apiV1Handler)
		s.authEndpoints.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)
			s.authEndpoints.RegisterProtectedRoutes(r)
			s.documentEndpoints.RegisterRoutes(r)
			s.interviewEndpoints.RegisterRoutes(r)
			s.websocketHandler.RegisterRoutes(r)
		})
	})

	return r
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.wsHub.Run(ctx)
	go s.interviews.RunReaper(ctx, reaperInterval(s.config.Timeouts.SessionIdle))

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	slog.Info("Server exited")
	return nil
}

// reaperInterval checks a few times per idle window, at most once a minute.
func reaperInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

type healthResponse struct {
	Status       string           `json:"status"`
	Database     string           `json:"database"`
	Capabilities map[string]bool  `json:"capabilities"`
	AudioCache   *AudioCacheStats `json:"audio_cache,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "up", Capabilities: s.speech.Capabilities()}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.backend.Store.Ping(ctx); err != nil {
		slog.Warn("Health check database ping failed", "error", err)
		resp.Status = "degraded"
		resp.Database = "down"
	}
	if stats, err := s.audioCache.Stats(); err == nil {
		resp.AudioCache = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) apiV1Handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API v1", "version": "1.0.0"})
}
