package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AudioCache keeps synthesized audio of fixed phrases (fallback questions,
// closing texts) in memory and on disk. Generated questions are never cached.
type AudioCache struct {
	cacheDir string
	memory   *lru.Cache[string, []byte]
	phrases  map[string]bool
	mutex    sync.RWMutex
}

// NewAudioCache creates a cache for phrases, holding up to entries clips in
// memory. An empty cacheDir keeps the cache in memory only.
func NewAudioCache(cacheDir string, entries int, phrases []string) (*AudioCache, error) {
	if entries <= 0 {
		entries = 256
	}
	memory, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio lru: %w", err)
	}
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			slog.Error("Failed to create cache directory", "dir", cacheDir, "error", err)
			cacheDir = ""
		}
	}

	ac := &AudioCache{cacheDir: cacheDir, memory: memory, phrases: make(map[string]bool, len(phrases))}
	for _, p := range phrases {
		ac.phrases[p] = true
	}
	return ac, nil
}

// generateCacheKey creates a unique key for caching based on text and voice ID
func (ac *AudioCache) generateCacheKey(text, voiceID string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", text, voiceID)))
	return hex.EncodeToString(hash[:])
}

func (ac *AudioCache) getCachePath(key string) string {
	return filepath.Join(ac.cacheDir, key+".mp3")
}

// IsCommonPhrase checks if the given text is a fixed phrase that should be cached
func (ac *AudioCache) IsCommonPhrase(text string) bool {
	return ac.phrases[text]
}

// Get retrieves cached audio data if it exists
func (ac *AudioCache) Get(ctx context.Context, text, voiceID string) ([]byte, bool) {
	if !ac.IsCommonPhrase(text) {
		return nil, false
	}
	key := ac.generateCacheKey(text, voiceID)
	if data, ok := ac.memory.Get(key); ok {
		return data, true
	}
	if ac.cacheDir == "" {
		return nil, false
	}

	ac.mutex.RLock()
	data, err := os.ReadFile(ac.getCachePath(key))
	ac.mutex.RUnlock()
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("Failed to read cached audio", "key", key, "error", err)
		}
		return nil, false
	}

	ac.memory.Add(key, data)
	slog.Debug("Disk cache hit for fixed phrase", "voice_id", voiceID, "size", len(data))
	return data, true
}

// Set stores audio data in the cache
func (ac *AudioCache) Set(ctx context.Context, text, voiceID string, audioData []byte) error {
	if !ac.IsCommonPhrase(text) || len(audioData) == 0 {
		return nil
	}
	key := ac.generateCacheKey(text, voiceID)
	ac.memory.Add(key, audioData)
	if ac.cacheDir == "" {
		return nil
	}

	ac.mutex.Lock()
	defer ac.mutex.Unlock()
	if err := os.WriteFile(ac.getCachePath(key), audioData, 0644); err != nil {
		slog.Error("Failed to write audio to cache", "key", key, "error", err)
		return err
	}
	slog.Info("Cached fixed phrase audio", "voice_id", voiceID, "size", len(audioData))
	return nil
}

// GetOrGenerate gets cached audio or generates new audio and caches it
func (ac *AudioCache) GetOrGenerate(ctx context.Context, text, voiceID string, generator func() (io.ReadCloser, error)) ([]byte, error) {
	if cachedData, found := ac.Get(ctx, text, voiceID); found {
		return cachedData, nil
	}

	audioReader, err := generator()
	if err != nil {
		return nil, fmt.Errorf("failed to generate audio: %w", err)
	}
	defer audioReader.Close()

	audioData, err := io.ReadAll(audioReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if err := ac.Set(ctx, text, voiceID, audioData); err != nil {
		slog.Warn("Failed to cache audio", "error", err)
	}
	return audioData, nil
}

type AudioCacheStats struct {
	MemoryEntries int   `json:"memory_entries"`
	DiskFiles     int   `json:"disk_files"`
	DiskBytes     int64 `json:"disk_bytes"`
}

// Stats returns basic cache statistics
func (ac *AudioCache) Stats() (AudioCacheStats, error) {
	stats := AudioCacheStats{MemoryEntries: ac.memory.Len()}
	if ac.cacheDir == "" {
		return stats, nil
	}

	ac.mutex.RLock()
	defer ac.mutex.RUnlock()
	entries, err := os.ReadDir(ac.cacheDir)
	if err != nil {
		return stats, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".mp3" {
			stats.DiskFiles++
			if info, err := entry.Info(); err == nil {
				stats.DiskBytes += info.Size()
			}
		}
	}
	return stats, nil
}
