package report

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/krshsl/interviewcoach/backend/models"
)

// QuestionRow is one line of the per-question results table.
type QuestionRow struct {
	Ordinal       int                 `json:"ordinal"`
	Type          models.QuestionType `json:"type"`
	Question      string              `json:"question"`
	AnswerLength  int                 `json:"answer_length"`
	SpeedWPM      *int                `json:"speed_wpm"`
	FillerCount   int                 `json:"filler_count"`
	Pronunciation *float64            `json:"pronunciation"`
	Emotion       *string             `json:"emotion"`
}

func questionRows(turns []models.Turn) []QuestionRow {
	rows := make([]QuestionRow, 0, len(turns))
	for _, t := range turns {
		rows = append(rows, QuestionRow{
			Ordinal:       t.Ordinal,
			Type:          t.QuestionType,
			Question:      t.Question,
			AnswerLength:  utf8.RuneCountInString(strings.TrimSpace(t.Transcript)),
			SpeedWPM:      t.SpeedWPM,
			FillerCount:   t.FillerCount,
			Pronunciation: t.Pronunciation,
			Emotion:       t.Emotion,
		})
	}
	return rows
}

type feedback struct {
	strengths    []string
	improvements []string
	suggestions  []string
}

func assess(s Stats, p ScoringPolicy, rows []QuestionRow) feedback {
	var f feedback

	switch {
	case s.AvgPronunciation >= 0.85:
		f.strengths = append(f.strengths, fmt.Sprintf("Clear pronunciation throughout (average %.0f%%).", s.AvgPronunciation*100))
	case s.AvgPronunciation < 0.7:
		f.improvements = append(f.improvements, fmt.Sprintf("Pronunciation clarity averaged %.0f%%; some answers were hard to follow.", s.AvgPronunciation*100))
		f.suggestions = append(f.suggestions, "Record yourself answering one question a day and listen back for unclear words.")
	}

	switch {
	case s.AvgFillerCount <= 1:
		f.strengths = append(f.strengths, "Very few filler words, which made your answers sound confident.")
	case s.AvgFillerCount >= 3:
		f.improvements = append(f.improvements, fmt.Sprintf("Frequent filler words (%.1f per answer on average).", s.AvgFillerCount))
		f.suggestions = append(f.suggestions, "Replace filler words with a short silent pause while you collect your thoughts.")
	}

	if s.SpeedSamples > 0 {
		diff := s.AvgSpeedWPM - p.TargetPaceWPM
		switch {
		case math.Abs(diff) <= 30:
			f.strengths = append(f.strengths, fmt.Sprintf("Comfortable speaking pace (%.0f words per minute).", s.AvgSpeedWPM))
		case diff > 0:
			f.improvements = append(f.improvements, fmt.Sprintf("You spoke quickly (%.0f words per minute against a target of %.0f).", s.AvgSpeedWPM, p.TargetPaceWPM))
			f.suggestions = append(f.suggestions, "Slow down at the start of each answer and pause between main points.")
		default:
			f.improvements = append(f.improvements, fmt.Sprintf("You spoke slowly (%.0f words per minute against a target of %.0f).", s.AvgSpeedWPM, p.TargetPaceWPM))
			f.suggestions = append(f.suggestions, "Outline your answer in three points before speaking so it flows without long gaps.")
		}
	}

	if len(rows) > 0 {
		total := 0
		for _, r := range rows {
			total += r.AnswerLength
		}
		avg := total / len(rows)
		switch {
		case avg >= 200:
			f.strengths = append(f.strengths, "Detailed answers with plenty of context.")
		case avg < 100:
			f.improvements = append(f.improvements, "Answers were short and lacked concrete detail.")
			f.suggestions = append(f.suggestions, "Structure answers with the STAR method: situation, task, action and result.")
		}
	}

	if len(f.strengths) == 0 {
		f.strengths = append(f.strengths, "You completed the interview and answered every question you were asked.")
	}
	if len(f.improvements) == 0 {
		f.improvements = append(f.improvements, "No major weaknesses in delivery; focus on sharpening the content of your examples.")
	}
	f.suggestions = append(f.suggestions, "Prepare two or three stories from your resume that you can adapt to different questions.")
	return f
}

func renderTemplate(in Input, s Stats, score int, p ScoringPolicy, rows []QuestionRow) string {
	f := assess(s, p, rows)

	var b strings.Builder
	b.WriteString("# Interview Feedback Report\n\n")
	fmt.Fprintf(&b, "**Candidate:** %s  \n", orDefault(in.Profile.Name, "Candidate"))
	fmt.Fprintf(&b, "**Company:** %s  \n", orDefault(in.Profile.Company, "General"))
	fmt.Fprintf(&b, "**Questions answered:** %d\n\n", s.TurnCount)

	fmt.Fprintf(&b, "## Overall Score: %d/100\n\n", score)
	b.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Average pronunciation | %.0f%% |\n", s.AvgPronunciation*100)
	fmt.Fprintf(&b, "| Average speaking pace | %.0f WPM (target %.0f) |\n", s.AvgSpeedWPM, p.TargetPaceWPM)
	fmt.Fprintf(&b, "| Average filler words | %.1f per answer |\n\n", s.AvgFillerCount)

	b.WriteString("## Strengths\n\n")
	for _, v := range f.strengths {
		fmt.Fprintf(&b, "- %s\n", v)
	}
	b.WriteString("\n## Areas for Improvement\n\n")
	for _, v := range f.improvements {
		fmt.Fprintf(&b, "- %s\n", v)
	}

	b.WriteString("\n## Question Results\n\n")
	if len(rows) == 0 {
		b.WriteString("No questions were answered in this session.\n")
	} else {
		b.WriteString("| # | Type | Question | Pace (WPM) | Fillers | Pronunciation |\n|---|---|---|---|---|---|\n")
		for _, r := range rows {
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %d | %s |\n",
				r.Ordinal, r.Type, tableCell(r.Question, 80), intOrDash(r.SpeedWPM), r.FillerCount, percentOrDash(r.Pronunciation))
		}
	}

	b.WriteString("\n## Practice Suggestions\n\n")
	for i, v := range f.suggestions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, v)
	}
	return b.String()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func tableCell(v string, max int) string {
	v = strings.Join(strings.Fields(v), " ")
	v = strings.ReplaceAll(v, "|", "/")
	if utf8.RuneCountInString(v) > max {
		v = string([]rune(v)[:max-3]) + "..."
	}
	return v
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func percentOrDash(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", *v*100)
}
