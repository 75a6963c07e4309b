// Package speech wraps the speech-to-text, text-to-speech and voice analysis
// capabilities. None of their failures may block an interview turn.
package speech

import (
	"context"
	"log/slog"
	"time"

	"github.com/krshsl/interviewcoach/backend/apperrors"
)

// UnavailableTranscript is recorded when the speech-to-text backend cannot be
// reached. The turn still proceeds with this text.
const UnavailableTranscript = "[Transcription unavailable: the speech service could not be reached, so this answer was recorded without text.]"

type Audio struct {
	Data     []byte
	MIMEType string
	Duration time.Duration
}

func (a Audio) Empty() bool {
	return len(a.Data) == 0
}

// Metrics are best-effort paralinguistic observations. Nil means unknown.
type Metrics struct {
	Pronunciation  *float64 `json:"pronunciation"`
	Emotion        *string  `json:"emotion"`
	SpeedWPM       *int     `json:"speed_wpm"`
	FillerCount    int      `json:"filler_count"`
	PitchVariation *float64 `json:"pitch_variation"`
}

// Merge fills the unknown fields of m from other.
func (m Metrics) Merge(other Metrics) Metrics {
	if m.Pronunciation == nil {
		m.Pronunciation = other.Pronunciation
	}
	if m.Emotion == nil {
		m.Emotion = other.Emotion
	}
	if m.SpeedWPM == nil {
		m.SpeedWPM = other.SpeedWPM
	}
	if m.PitchVariation == nil {
		m.PitchVariation = other.PitchVariation
	}
	if other.FillerCount > m.FillerCount {
		m.FillerCount = other.FillerCount
	}
	return m
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

type VoiceAnalyzer interface {
	AnalyzeVoice(ctx context.Context, audio Audio, transcript string) (Metrics, error)
}

type Timeouts struct {
	Transcribe time.Duration
	Synthesize time.Duration
	Analyze    time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Transcribe: 20 * time.Second,
		Synthesize: 20 * time.Second,
		Analyze:    20 * time.Second,
	}
}

// Transcription is the outcome of a transcribe call. Err carries the
// classified cause (timeout or unavailable) when Degraded is set.
type Transcription struct {
	Text     string
	Degraded bool
	Err      error
}

// Services applies per-call timeouts and degradation rules to whichever
// backends are configured. Any backend may be nil.
type Services struct {
	transcriber Transcriber
	synthesizer Synthesizer
	analyzer    VoiceAnalyzer
	local       TextAnalyzer
	timeouts    Timeouts
}

func NewServices(transcriber Transcriber, synthesizer Synthesizer, analyzer VoiceAnalyzer, timeouts Timeouts) *Services {
	def := DefaultTimeouts()
	if timeouts.Transcribe <= 0 {
		timeouts.Transcribe = def.Transcribe
	}
	if timeouts.Synthesize <= 0 {
		timeouts.Synthesize = def.Synthesize
	}
	if timeouts.Analyze <= 0 {
		timeouts.Analyze = def.Analyze
	}
	return &Services{
		transcriber: transcriber,
		synthesizer: synthesizer,
		analyzer:    analyzer,
		local:       NewTextAnalyzer(nil),
		timeouts:    timeouts,
	}
}

// Transcribe never fails. Connectivity problems produce UnavailableTranscript.
func (s *Services) Transcribe(ctx context.Context, audio Audio) Transcription {
	if audio.Empty() {
		return Transcription{}
	}
	if s.transcriber == nil {
		return Transcription{
			Text:     UnavailableTranscript,
			Degraded: true,
			Err:      apperrors.Unavailable("stt", errNotConfigured),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Transcribe)
	defer cancel()

	text, err := s.transcriber.Transcribe(ctx, audio)
	if err != nil {
		if ctxErr := apperrors.FromContext(ctx, "stt"); ctxErr != nil {
			err = ctxErr
		}
		classified := apperrors.Unavailable("stt", err)
		slog.Warn("Transcription degraded", "error", classified, "audio_size", len(audio.Data))
		return Transcription{Text: UnavailableTranscript, Degraded: true, Err: classified}
	}
	return Transcription{Text: text}
}

// Synthesize returns nil audio when the backend is missing or failing.
func (s *Services) Synthesize(ctx context.Context, text, voiceID string) []byte {
	if s.synthesizer == nil || text == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Synthesize)
	defer cancel()

	audio, err := s.synthesizer.Synthesize(ctx, text, voiceID)
	if err != nil {
		slog.Warn("Speech synthesis skipped", "error", apperrors.Unavailable("tts", err), "text_length", len(text))
		return nil
	}
	return audio
}

// AnalyzeVoice merges remote metrics with what can be derived locally from
// the transcript. A remote failure leaves only the local metrics.
func (s *Services) AnalyzeVoice(ctx context.Context, audio Audio, transcript string) Metrics {
	local := s.local.Analyze(transcript, audio.Duration)
	if s.analyzer == nil || (audio.Empty() && transcript == "") {
		return local
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Analyze)
	defer cancel()

	remote, err := s.analyzer.AnalyzeVoice(ctx, audio, transcript)
	if err != nil {
		slog.Warn("Voice analysis partial", "error", apperrors.Unavailable("analysis", err))
		return local
	}
	return remote.Merge(local)
}

// Capabilities reports which backends are configured.
func (s *Services) Capabilities() map[string]bool {
	return map[string]bool{
		"stt":      s.transcriber != nil,
		"tts":      s.synthesizer != nil,
		"analysis": s.analyzer != nil,
	}
}
