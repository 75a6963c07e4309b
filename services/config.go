package services

import (
	"log/slog"
	"strings"
	"time"

	"github.com/krshsl/interviewcoach/backend/interview"
	"github.com/krshsl/interviewcoach/backend/llm"
	"github.com/krshsl/interviewcoach/backend/report"
	"github.com/krshsl/interviewcoach/backend/speech"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	AI         AIConfig
	JWT        JWTConfig
	WebSocket  WebSocketConfig
	Interview  InterviewConfig
	Timeouts   TimeoutConfig
	Storage    StorageConfig
	AudioCache AudioCacheConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port          string
	Environment   string
	SecureCookies bool
}

type DatabaseConfig struct {
	URL          string
	Seed         bool
	LogLevel     string
	MaxIdleConns int
	MaxOpenConns int
}

type AIConfig struct {
	GeminiAPIKey    string
	GeminiModel     string
	ElevenLabsKey   string
	ElevenLabsModel string
}

type JWTConfig struct {
	Secret string
}

type WebSocketConfig struct {
	AllowedOrigins string
}

type InterviewConfig struct {
	QuestionBudget       int
	MaxFollowUps         int
	ShortAnswerThreshold int
	EndKeywords          []string
	TargetPaceWPM        float64
}

type TimeoutConfig struct {
	LLM             time.Duration
	LLMMaxWait      time.Duration
	LLMPollInterval time.Duration
	STT             time.Duration
	TTS             time.Duration
	Analysis        time.Duration
	Report          time.Duration
	SessionIdle     time.Duration
}

// StorageConfig points at an S3 compatible bucket for answer audio. An
// empty endpoint disables archiving.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type AudioCacheConfig struct {
	Dir     string
	Entries int
}

type LogConfig struct {
	Level string
}

type configKey struct {
	key, env string
	def      any
}

var configKeys = []configKey{
	{"server.port", "SERVER_PORT", "8080"},
	{"server.environment", "ENVIRONMENT", "development"},
	{"websocket.allowed_origins", "WEBSOCKET_ALLOWED_ORIGINS", ""},
	{"gemini.api_key", "GEMINI_API_KEY", ""},
	{"gemini.model", "GEMINI_MODEL", "gemini-2.5-flash"},
	{"elevenlabs.api_key", "ELEVENLABS_API_KEY", ""},
	{"elevenlabs.model", "ELEVENLABS_MODEL", "eleven_turbo_v2"},
	{"jwt.secret", "JWT_SECRET", ""},
	{"database.url", "DATABASE_URL", ""},
	{"database.seed", "DATABASE_SEED", "true"},
	{"database.log_level", "DATABASE_LOG_LEVEL", "silent"},
	{"database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS", "10"},
	{"database.max_open_conns", "DATABASE_MAX_OPEN_CONNS", "100"},
	{"interview.question_budget", "INTERVIEW_QUESTION_BUDGET", 15},
	{"interview.max_follow_ups", "INTERVIEW_MAX_FOLLOW_UPS", 1},
	{"interview.short_answer_threshold", "INTERVIEW_SHORT_ANSWER_THRESHOLD", 100},
	{"interview.end_keywords", "INTERVIEW_END_KEYWORDS", ""},
	{"interview.target_pace_wpm", "INTERVIEW_TARGET_PACE_WPM", 180},
	{"timeouts.llm", "TIMEOUT_LLM", "60s"},
	{"timeouts.llm_max_wait", "TIMEOUT_LLM_MAX_WAIT", "90s"},
	{"timeouts.llm_poll_interval", "TIMEOUT_LLM_POLL_INTERVAL", "500ms"},
	{"timeouts.stt", "TIMEOUT_STT", "20s"},
	{"timeouts.tts", "TIMEOUT_TTS", "20s"},
	{"timeouts.analysis", "TIMEOUT_ANALYSIS", "20s"},
	{"timeouts.report", "TIMEOUT_REPORT", "60s"},
	{"timeouts.session_idle", "TIMEOUT_SESSION_IDLE", "30m"},
	{"storage.endpoint", "STORAGE_ENDPOINT", ""},
	{"storage.access_key", "STORAGE_ACCESS_KEY", ""},
	{"storage.secret_key", "STORAGE_SECRET_KEY", ""},
	{"storage.bucket", "STORAGE_BUCKET", "interview-audio"},
	{"storage.region", "STORAGE_REGION", ""},
	{"storage.use_ssl", "STORAGE_USE_SSL", "true"},
	{"audio_cache.dir", "AUDIO_CACHE_DIR", "./cache/audio"},
	{"audio_cache.entries", "AUDIO_CACHE_ENTRIES", 256},
	{"log.level", "LOG_LEVEL", "info"},
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() *Config {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	for _, k := range configKeys {
		viper.SetDefault(k.key, k.def)
		viper.BindEnv(k.key, k.env)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("Config file not found, using defaults and environment variables")
		} else {
			slog.Error("Error reading config file", "error", err)
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:          viper.GetString("server.port"),
			Environment:   viper.GetString("server.environment"),
			SecureCookies: viper.GetString("server.environment") == "production",
		},
		Database: DatabaseConfig{
			URL:          viper.GetString("database.url"),
			Seed:         viper.GetBool("database.seed"),
			LogLevel:     viper.GetString("database.log_level"),
			MaxIdleConns: viper.GetInt("database.max_idle_conns"),
			MaxOpenConns: viper.GetInt("database.max_open_conns"),
		},
		AI: AIConfig{
			GeminiAPIKey:    viper.GetString("gemini.api_key"),
			GeminiModel:     viper.GetString("gemini.model"),
			ElevenLabsKey:   viper.GetString("elevenlabs.api_key"),
			ElevenLabsModel: viper.GetString("elevenlabs.model"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: viper.GetString("websocket.allowed_origins"),
		},
		Interview: InterviewConfig{
			QuestionBudget:       viper.GetInt("interview.question_budget"),
			MaxFollowUps:         viper.GetInt("interview.max_follow_ups"),
			ShortAnswerThreshold: viper.GetInt("interview.short_answer_threshold"),
			EndKeywords:          splitList(viper.GetString("interview.end_keywords")),
			TargetPaceWPM:        viper.GetFloat64("interview.target_pace_wpm"),
		},
		Timeouts: TimeoutConfig{
			LLM:             viper.GetDuration("timeouts.llm"),
			LLMMaxWait:      viper.GetDuration("timeouts.llm_max_wait"),
			LLMPollInterval: viper.GetDuration("timeouts.llm_poll_interval"),
			STT:             viper.GetDuration("timeouts.stt"),
			TTS:             viper.GetDuration("timeouts.tts"),
			Analysis:        viper.GetDuration("timeouts.analysis"),
			Report:          viper.GetDuration("timeouts.report"),
			SessionIdle:     viper.GetDuration("timeouts.session_idle"),
		},
		Storage: StorageConfig{
			Endpoint:  viper.GetString("storage.endpoint"),
			AccessKey: viper.GetString("storage.access_key"),
			SecretKey: viper.GetString("storage.secret_key"),
			Bucket:    viper.GetString("storage.bucket"),
			Region:    viper.GetString("storage.region"),
			UseSSL:    viper.GetBool("storage.use_ssl"),
		},
		AudioCache: AudioCacheConfig{
			Dir:     viper.GetString("audio_cache.dir"),
			Entries: viper.GetInt("audio_cache.entries"),
		},
		Log: LogConfig{
			Level: viper.GetString("log.level"),
		},
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Policy builds the stage machine policy. Unset keywords keep the defaults.
func (c InterviewConfig) Policy() interview.Policy {
	p := interview.DefaultPolicy()
	if c.QuestionBudget > 0 {
		p.QuestionBudget = c.QuestionBudget
	}
	if c.MaxFollowUps >= 0 {
		p.MaxFollowUps = c.MaxFollowUps
	}
	if c.ShortAnswerThreshold > 0 {
		p.ShortAnswerThreshold = c.ShortAnswerThreshold
	}
	if len(c.EndKeywords) > 0 {
		p.EndKeywords = c.EndKeywords
	}
	return p
}

func (c InterviewConfig) Scoring() report.ScoringPolicy {
	p := report.DefaultScoringPolicy()
	if c.TargetPaceWPM > 0 {
		p.TargetPaceWPM = c.TargetPaceWPM
	}
	return p
}

func (c TimeoutConfig) Poll() llm.PollPolicy {
	p := llm.DefaultPollPolicy()
	if c.LLMPollInterval > 0 {
		p.Interval = c.LLMPollInterval
	}
	if c.LLMMaxWait > 0 {
		p.MaxWait = c.LLMMaxWait
	}
	return p
}

func (c TimeoutConfig) Speech() speech.Timeouts {
	return speech.Timeouts{Transcribe: c.STT, Synthesize: c.TTS, Analyze: c.Analysis}
}
