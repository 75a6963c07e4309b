package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/krshsl/interviewcoach/backend/models"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
)

const (
	SourceLLM      = "llm"
	SourceTemplate = "template"
	templateModel  = "template-v1"
)

// Narrator writes the report narrative from a prompt.
type Narrator interface {
	GenerateSummary(ctx context.Context, prompt string) (string, error)
}

type Store interface {
	GetReport(ctx context.Context, sessionID string) (*models.Report, error)
	UpsertReport(ctx context.Context, report *models.Report) error
}

type Profile struct {
	Name             string `json:"name"`
	Company          string `json:"company"`
	Resume           string `json:"resume"`
	SelfIntroduction string `json:"self_introduction"`
	IntroAnswer      string `json:"intro_answer"`
}

type Input struct {
	SessionID string
	UserID    string
	Profile   Profile
	Turns     []models.Turn
}

type Result struct {
	Report    *models.Report `json:"report"`
	Markdown  string         `json:"markdown"`
	Stats     Stats          `json:"stats"`
	Score     int            `json:"score"`
	Deduped   bool           `json:"deduped"`
	Persisted bool           `json:"persisted"`
}

type Options struct {
	Store    Store
	Narrator Narrator // optional
	Model    string
	Policy   ScoringPolicy
	Timeout  time.Duration
	// IsOutOfRange recognizes storage errors caused by the score value.
	IsOutOfRange func(error) bool
}

type Composer struct {
	store        Store
	narrator     Narrator
	model        string
	policy       ScoringPolicy
	timeout      time.Duration
	isOutOfRange func(error) bool
	group        singleflight.Group
}

func NewComposer(opts Options) *Composer {
	c := &Composer{
		store:        opts.Store,
		narrator:     opts.Narrator,
		model:        opts.Model,
		policy:       opts.Policy,
		timeout:      opts.Timeout,
		isOutOfRange: opts.IsOutOfRange,
	}
	if c.policy == (ScoringPolicy{}) {
		c.policy = DefaultScoringPolicy()
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if c.isOutOfRange == nil {
		c.isOutOfRange = func(error) bool { return false }
	}
	return c
}

// Compose builds, or reuses, the report of a session. Concurrent calls for
// the same session share one composition.
func (c *Composer) Compose(ctx context.Context, in Input) (*Result, error) {
	v, err, _ := c.group.Do(in.SessionID, func() (any, error) {
		return c.compose(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	return &res, nil
}

func (c *Composer) compose(ctx context.Context, in Input) (*Result, error) {
	hash := ContentHash(in.Turns)
	stats := ComputeStats(in.Turns, c.policy)
	score := Score(stats, c.policy)

	existing, err := c.store.GetReport(ctx, in.SessionID)
	if err != nil {
		slog.Error("Failed to load existing report", "error", err, "session_id", in.SessionID)
		existing = nil
	}
	if existing != nil && existing.ContentHash == hash {
		slog.Info("Report unchanged, reusing", "session_id", in.SessionID, "content_hash", hash)
		return &Result{
			Report:    existing,
			Markdown:  existing.Markdown,
			Stats:     stats,
			Score:     score,
			Deduped:   true,
			Persisted: true,
		}, nil
	}

	rows := questionRows(in.Turns)
	markdown, source, model := c.narrate(ctx, in, stats, score, rows)

	questions, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode question rows: %w", err)
	}

	report := &models.Report{
		SessionID:        in.SessionID,
		UserID:           in.UserID,
		OverallScore:     float64(score),
		ScoreScale:       models.ScorePercent,
		Markdown:         markdown,
		AvgPronunciation: stats.AvgPronunciation,
		AvgSpeedWPM:      stats.AvgSpeedWPM,
		AvgFillerCount:   stats.AvgFillerCount,
		TurnCount:        stats.TurnCount,
		Questions:        datatypes.JSON(questions),
		ContentHash:      hash,
		Model:            model,
		Source:           source,
	}
	if existing != nil {
		report.ID = existing.ID
		report.CreatedAt = existing.CreatedAt
	}

	return &Result{
		Report:    report,
		Markdown:  markdown,
		Stats:     stats,
		Score:     score,
		Persisted: c.persist(ctx, report),
	}, nil
}

// persist saves the report. If the store rejects the 0..100 score it retries
// with the score normalized to 0..1. Failures are logged, not returned.
func (c *Composer) persist(ctx context.Context, report *models.Report) bool {
	err := c.store.UpsertReport(ctx, report)
	if err != nil && c.isOutOfRange(err) {
		slog.Warn("Score rejected by storage, saving normalized", "session_id", report.SessionID, "score", report.OverallScore)
		report.OverallScore /= 100
		report.ScoreScale = models.ScoreUnit
		err = c.store.UpsertReport(ctx, report)
	}
	if err != nil {
		slog.Error("Failed to save report", "error", err, "session_id", report.SessionID)
		return false
	}
	slog.Info("Report saved", "session_id", report.SessionID, "score", report.OverallScore, "source", report.Source)
	return true
}

func (c *Composer) narrate(ctx context.Context, in Input, s Stats, score int, rows []QuestionRow) (string, string, string) {
	if c.narrator != nil {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		prompt, err := narrativePrompt(in, s, score, rows, c.policy)
		if err == nil {
			var text string
			text, err = c.narrator.GenerateSummary(ctx, prompt)
			if text = strings.TrimSpace(text); err == nil && text != "" {
				return text, SourceLLM, c.model
			}
			if err == nil {
				err = fmt.Errorf("empty narrative")
			}
		}
		slog.Warn("Report narrative unavailable, using template", "error", err, "session_id", in.SessionID)
	}
	return renderTemplate(in, s, score, c.policy, rows), SourceTemplate, templateModel
}

type narrativeInput struct {
	Candidate Profile       `json:"candidate"`
	Score     int           `json:"overall_score"`
	Stats     Stats         `json:"stats"`
	TargetWPM float64       `json:"target_pace_wpm"`
	Questions []narrativeQA `json:"questions"`
}

type narrativeQA struct {
	QuestionRow
	Answer string `json:"answer"`
}

func narrativePrompt(in Input, s Stats, score int, rows []QuestionRow, p ScoringPolicy) (string, error) {
	payload := narrativeInput{Candidate: in.Profile, Score: score, Stats: s, TargetWPM: p.TargetPaceWPM}
	for i, r := range rows {
		payload.Questions = append(payload.Questions, narrativeQA{QuestionRow: r, Answer: in.Turns[i].Transcript})
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	return `You are an interview coach writing a feedback report for a mock interview.
Write GitHub-flavored markdown with exactly these sections, in this order:
1. "# Interview Feedback Report" followed by the candidate name and company.
2. "## Overall Score: <overall_score>/100" using the overall_score value given below unchanged.
3. "## Strengths" as a bullet list grounded in specific answers.
4. "## Areas for Improvement" as a bullet list.
5. "## Question Results" as a table with columns #, Question, Evaluation, Pace (WPM), Fillers.
6. "## Practice Suggestions" as a numbered list of concrete exercises.
Do not invent metrics that are missing (null).

Interview data (JSON):
` + string(b), nil
}
