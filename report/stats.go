package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/krshsl/interviewcoach/backend/models"
)

// ScoringPolicy weights the overall score. Weights are fractions of 1.
type ScoringPolicy struct {
	PronunciationWeight  float64
	FillerWeight         float64
	PaceWeight           float64
	TargetPaceWPM        float64
	DefaultPronunciation float64
	// FillerPenalty is the number of points lost per average filler word.
	FillerPenalty float64
}

func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		PronunciationWeight:  0.6,
		FillerWeight:         0.2,
		PaceWeight:           0.2,
		TargetPaceWPM:        180,
		DefaultPronunciation: 0.85,
		FillerPenalty:        10,
	}
}

type Stats struct {
	AvgPronunciation     float64 `json:"avg_pronunciation"`
	AvgSpeedWPM          float64 `json:"avg_speed_wpm"`
	AvgFillerCount       float64 `json:"avg_filler_count"`
	TurnCount            int     `json:"turn_count"`
	PronunciationSamples int     `json:"pronunciation_samples"`
	SpeedSamples         int     `json:"speed_samples"`
}

// ComputeStats averages the metrics that are present. Missing pronunciation
// falls back to the policy default, missing speed and fillers to zero.
func ComputeStats(turns []models.Turn, p ScoringPolicy) Stats {
	s := Stats{TurnCount: len(turns), AvgPronunciation: p.DefaultPronunciation}

	var pron, speed, fillers float64
	for _, t := range turns {
		if v := finite(t.Pronunciation); v != nil {
			pron += *v
			s.PronunciationSamples++
		}
		if t.SpeedWPM != nil {
			speed += float64(*t.SpeedWPM)
			s.SpeedSamples++
		}
		fillers += float64(t.FillerCount)
	}
	if s.PronunciationSamples > 0 {
		s.AvgPronunciation = pron / float64(s.PronunciationSamples)
	}
	if s.SpeedSamples > 0 {
		s.AvgSpeedWPM = speed / float64(s.SpeedSamples)
	}
	if len(turns) > 0 {
		s.AvgFillerCount = fillers / float64(len(turns))
	}
	return s
}

// Score combines pronunciation, filler usage and pace into 0..100.
func Score(s Stats, p ScoringPolicy) int {
	pron := s.AvgPronunciation * 100
	filler := 100 - math.Min(100, s.AvgFillerCount*p.FillerPenalty)
	pace := math.Max(0, 100-math.Abs(p.TargetPaceWPM-s.AvgSpeedWPM))

	raw := p.PronunciationWeight*pron + p.FillerWeight*filler + p.PaceWeight*pace
	if math.IsNaN(raw) {
		return 0
	}
	return clamp(int(math.Round(raw)), 0, 100)
}

// finite drops NaN and infinite measurements.
func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type hashedTurn struct {
	Ordinal        int                 `json:"o"`
	Question       string              `json:"q"`
	QuestionType   models.QuestionType `json:"t"`
	IsFollowUp     bool                `json:"f"`
	Transcript     string              `json:"a"`
	Pronunciation  *float64            `json:"p"`
	Emotion        *string             `json:"e"`
	SpeedWPM       *int                `json:"s"`
	FillerCount    int                 `json:"n"`
	PitchVariation *float64            `json:"v"`
}

// ContentHash identifies the observable content of a session log,
// independent of row ids and timestamps.
func ContentHash(turns []models.Turn) string {
	rows := make([]hashedTurn, 0, len(turns))
	for _, t := range turns {
		rows = append(rows, hashedTurn{
			Ordinal:        t.Ordinal,
			Question:       t.Question,
			QuestionType:   t.QuestionType,
			IsFollowUp:     t.IsFollowUp,
			Transcript:     t.Transcript,
			Pronunciation:  finite(t.Pronunciation),
			Emotion:        t.Emotion,
			SpeedWPM:       t.SpeedWPM,
			FillerCount:    t.FillerCount,
			PitchVariation: finite(t.PitchVariation),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Ordinal < rows[j].Ordinal })

	// rows hold only finite floats, so encoding cannot fail
	b, err := json.Marshal(rows)
	if err != nil {
		panic(fmt.Sprintf("report: content hash encoding: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
