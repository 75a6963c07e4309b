package speech

import (
	"errors"
	"math"
	"strings"
	"time"
	"unicode"
)

var errNotConfigured = errors.New("not configured")

var defaultFillers = []string{
	"um", "umm", "uh", "uhh", "er", "erm", "ah", "hmm",
	"like", "you know", "i mean", "sort of", "kind of", "basically", "actually",
	"음", "어", "그러니까", "약간", "뭐랄까",
}

// TextAnalyzer derives metrics that need no audio processing.
type TextAnalyzer struct {
	fillers [][]string
}

func NewTextAnalyzer(fillers []string) TextAnalyzer {
	if len(fillers) == 0 {
		fillers = defaultFillers
	}
	a := TextAnalyzer{}
	for _, f := range fillers {
		if words := tokenize(f); len(words) > 0 {
			a.fillers = append(a.fillers, words)
		}
	}
	return a
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// CountFillers counts filler words and phrases, matched on whole words.
func (a TextAnalyzer) CountFillers(text string) int {
	words := tokenize(text)
	count := 0
	for i := 0; i < len(words); i++ {
		for _, f := range a.fillers {
			if i+len(f) > len(words) {
				continue
			}
			match := true
			for j := range f {
				if words[i+j] != f[j] {
					match = false
					break
				}
			}
			if match {
				count++
				i += len(f) - 1
				break
			}
		}
	}
	return count
}

func (a TextAnalyzer) Analyze(transcript string, duration time.Duration) Metrics {
	m := Metrics{FillerCount: a.CountFillers(transcript)}
	words := len(tokenize(transcript))
	if duration > 0 && words > 0 {
		wpm := int(math.Round(float64(words) / duration.Minutes()))
		m.SpeedWPM = &wpm
	}
	return m
}
