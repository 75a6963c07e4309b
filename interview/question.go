package interview

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/krshsl/interviewcoach/backend/apperrors"
	"github.com/krshsl/interviewcoach/backend/clock"
	"github.com/krshsl/interviewcoach/backend/llm"
	"github.com/krshsl/interviewcoach/backend/models"
)

type QuestionSource string

const (
	SourceLLM      QuestionSource = "llm"
	SourceRawText  QuestionSource = "raw_text"
	SourceFallback QuestionSource = "fallback"
)

// Question is what the candidate is asked next.
type Question struct {
	Text       string              `json:"text"`
	Type       models.QuestionType `json:"type"`
	Category   string              `json:"category,omitempty"`
	IsFollowUp bool                `json:"is_follow_up"`
	Ordinal    int                 `json:"ordinal"`
	Terminal   bool                `json:"terminal"`
	Source     QuestionSource      `json:"source"`
}

// SessionContext is the candidate material every prompt carries.
type SessionContext struct {
	CompanyName      string `json:"company"`
	Resume           string `json:"resume"`
	SelfIntroduction string `json:"self_introduction"`
	IntroAnswer      string `json:"intro_answer,omitempty"`
}

type QuestionRequest struct {
	ThreadID         string
	Decision         Decision
	Context          SessionContext
	PreviousQuestion string
	Transcript       string
	Budget           int
}

// Reply is a parsed LLM answer: either StructuredQuestion or RawTextFallback.
type Reply interface {
	reply()
}

type StructuredQuestion struct {
	Text string
	Type string
}

// RawTextFallback holds a reply that was not valid JSON; the whole text is
// used as the question.
type RawTextFallback struct {
	Text string
}

func (StructuredQuestion) reply() {}
func (RawTextFallback) reply()    {}

type wireQuestion struct {
	QuestionText string `json:"question_text"`
	Question     string `json:"question"`
	QuestionType string `json:"question_type"`
}

// ParseReply strips code fences, then tries the whole text and the outermost
// object as JSON before giving up and returning the raw text.
func ParseReply(raw string) Reply {
	text := stripCodeFence(strings.TrimSpace(raw))
	if q, ok := decodeQuestion(text); ok {
		return q
	}
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if q, ok := decodeQuestion(text[start : end+1]); ok {
			return q
		}
	}
	return RawTextFallback{Text: text}
}

func decodeQuestion(text string) (StructuredQuestion, bool) {
	var w wireQuestion
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return StructuredQuestion{}, false
	}
	q := strings.TrimSpace(w.QuestionText)
	if q == "" {
		q = strings.TrimSpace(w.Question)
	}
	if q == "" {
		return StructuredQuestion{}, false
	}
	return StructuredQuestion{Text: q, Type: strings.TrimSpace(w.QuestionType)}, true
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	text = strings.TrimSpace(text)
	return strings.TrimSpace(strings.TrimSuffix(text, "```"))
}

// QuestionGenerator asks the session's conversation thread for the next
// question. Without a conversation it serves the fixed question bank.
type QuestionGenerator struct {
	conv    llm.Conversation
	clock   clock.Clock
	poll    llm.PollPolicy
	timeout time.Duration
}

func NewQuestionGenerator(conv llm.Conversation, clk clock.Clock, poll llm.PollPolicy, timeout time.Duration) *QuestionGenerator {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &QuestionGenerator{conv: conv, clock: clk, poll: poll, timeout: timeout}
}

func (g *QuestionGenerator) Configured() bool {
	return g.conv != nil
}

func (g *QuestionGenerator) Generate(ctx context.Context, req QuestionRequest) (Question, error) {
	d := req.Decision
	if d.Stage == StageClosing {
		return closingQuestion(d), nil
	}
	if g.conv == nil || req.ThreadID == "" {
		return fallbackQuestion(d, req.Context), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt, err := buildPrompt(req)
	if err != nil {
		return Question{}, fmt.Errorf("failed to build prompt: %w", err)
	}
	if err := g.conv.PostMessage(ctx, req.ThreadID, llm.Message{Role: llm.RoleUser, Content: prompt}); err != nil {
		if ctxErr := apperrors.FromContext(ctx, "llm"); ctxErr != nil {
			return Question{}, ctxErr
		}
		return Question{}, apperrors.Unavailable("llm post message", err)
	}

	raw, err := llm.RunToCompletion(ctx, g.conv, g.clock, req.ThreadID, instructionsFor(d.Stage), g.poll)
	if err != nil {
		if ctxErr := apperrors.FromContext(ctx, "llm"); ctxErr != nil {
			return Question{}, ctxErr
		}
		return Question{}, err
	}

	q := questionFromReply(d, ParseReply(raw), req.Context)
	slog.Info("Question generated", "stage", d.Stage.String(), "ordinal", d.Ordinal, "source", q.Source)
	return q, nil
}

func questionFromReply(d Decision, r Reply, sc SessionContext) Question {
	q := Question{
		Type:       d.Stage.QuestionType(),
		IsFollowUp: d.IsFollowUp(),
		Ordinal:    d.Ordinal,
	}
	switch v := r.(type) {
	case StructuredQuestion:
		q.Text = v.Text
		q.Category = v.Type
		q.Source = SourceLLM
	case RawTextFallback:
		if v.Text == "" {
			slog.Warn("Empty LLM reply, using fixed question", "stage", d.Stage.String())
			return fallbackQuestion(d, sc)
		}
		slog.Warn("LLM reply was not JSON, using raw text", "stage", d.Stage.String())
		q.Text = v.Text
		q.Source = SourceRawText
	}
	return q
}

type promptPayload struct {
	Task             string         `json:"task"`
	Context          SessionContext `json:"context"`
	PreviousQuestion string         `json:"previous_question,omitempty"`
	Answer           string         `json:"answer,omitempty"`
	QuestionNumber   int            `json:"question_number"`
	QuestionBudget   int            `json:"question_budget"`
}

func buildPrompt(req QuestionRequest) (string, error) {
	p := promptPayload{
		Task:           req.Decision.Stage.String(),
		Context:        req.Context,
		QuestionNumber: req.Decision.Ordinal,
		QuestionBudget: req.Budget,
	}
	if p.Context.CompanyName == "" {
		p.Context.CompanyName = "general"
	}
	switch req.Decision.Stage {
	case StageFollowUpQuestion, StageNextQuestion:
		p.PreviousQuestion = req.PreviousQuestion
		p.Answer = req.Transcript
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const replyContract = `Respond with a single JSON object and nothing else: {"question_text": "<the question>", "question_type": "<short topic label>"}.`

func instructionsFor(stage Stage) string {
	var task string
	switch stage {
	case StageSelfIntroRequest:
		task = "Greet the candidate warmly and ask them to introduce themselves. Mention the company if one is given."
	case StageInitialQuestion:
		task = "Ask the first substantive interview question, grounded in the candidate's experience from the resume and self-introduction."
	case StageFollowUpQuestion:
		task = "Ask one probing follow-up question that digs deeper into the same topic as the previous question, based on the candidate's answer."
	case StageNextQuestion:
		task = "Ask one new question on a different topic than the previous one. Vary between experience, problem solving, collaboration and motivation."
	default:
		task = "Ask the next interview question."
	}
	return "You are a professional interviewer running a spoken mock interview. Ask exactly one concise question. " +
		task + " " + replyContract
}
