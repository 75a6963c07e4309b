package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io/v1"
	defaultVoiceID    = "pNInz6obpgDQGcFmaJgB" // Adam
)

// ElevenLabsService synthesizes interviewer speech. Fixed phrases are served
// from the audio cache when one is attached.
type ElevenLabsService struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	cache   *AudioCache
}

type ElevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func NewElevenLabsService(apiKey, model string, cache *AudioCache) *ElevenLabsService {
	if model == "" {
		model = "eleven_turbo_v2" // Fast model for real-time conversation
	}
	return &ElevenLabsService{
		apiKey:  apiKey,
		model:   model,
		baseURL: elevenLabsBaseURL,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		cache: cache,
	}
}

// Synthesize returns MP3 audio for text spoken with voiceID.
func (e *ElevenLabsService) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if voiceID == "" {
		voiceID = defaultVoiceID
	}
	generate := func() (io.ReadCloser, error) {
		return e.TextToSpeech(ctx, text, voiceID)
	}
	if e.cache != nil {
		return e.cache.GetOrGenerate(ctx, text, voiceID, generate)
	}

	body, err := generate()
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (e *ElevenLabsService) TextToSpeech(ctx context.Context, text, voiceID string) (io.ReadCloser, error) {
	request := ElevenLabsRequest{
		Text:    text,
		ModelID: e.model,
		VoiceSettings: VoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.5,
		},
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s", e.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs API error: %d - %s", resp.StatusCode, string(body))
	}

	slog.Info("Generated audio from ElevenLabs", "text_length", len(text), "voice_id", voiceID)
	return resp.Body, nil
}
