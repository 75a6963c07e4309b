package interview

import (
	"fmt"

	"github.com/krshsl/interviewcoach/backend/models"
)

const (
	budgetClosingText = "Thank you for your time today. We have reached the end of the interview. " +
		"Before we finish, please share one strength you showed in this interview and one thing you would like to improve."
	keywordClosingText = "Thank you, that brings us to the end of our conversation. " +
		"Before we close, please share one strength you showed today and one thing you would like to improve."
	closingNotice = "The interview is complete. Thank you for practicing with us, your feedback report is being prepared."

	initialFallback  = "Thank you for the introduction. Tell me about a recent project you are proud of. What was your role, and what was the outcome?"
	followUpFallback = "Could you go deeper on that? Please walk me through a specific example, what you personally did, and what you learned from it."
)

var nextFallbacks = []string{
	"Describe a time you faced a difficult technical problem. How did you approach it?",
	"Tell me about a disagreement with a teammate and how you resolved it.",
	"What is a mistake you made at work, and what did you change afterwards?",
	"How do you prioritize when you have several deadlines at once?",
	"Tell me about a time you had to learn something new quickly.",
	"Describe a situation where you took ownership beyond your assigned role.",
	"How do you make sure the quality of your work stays high under time pressure?",
	"Tell me about feedback you received that changed how you work.",
	"Why are you interested in this position, and how does it fit your career goals?",
	"Describe a decision you made with incomplete information. How did it turn out?",
	"How do you explain a complex idea to someone without your background?",
	"What achievement are you most proud of, and why?",
}

// FixedQuestions lists every fixed text so the speech cache can keep them.
func FixedQuestions() []string {
	out := []string{budgetClosingText, keywordClosingText, closingNotice, initialFallback, followUpFallback, selfIntroFallback("")}
	return append(out, nextFallbacks...)
}

func selfIntroFallback(company string) string {
	if company == "" {
		return "Hello, and welcome to your mock interview. To begin, please introduce yourself: your background, what you have been working on recently, and what kind of role you are looking for."
	}
	return fmt.Sprintf("Hello, and welcome to your mock interview for %s. To begin, please introduce yourself: your background, what you have been working on recently, and why you are interested in %s.", company, company)
}

func fallbackQuestion(d Decision, sc SessionContext) Question {
	q := Question{
		Type:       d.Stage.QuestionType(),
		IsFollowUp: d.IsFollowUp(),
		Ordinal:    d.Ordinal,
		Terminal:   d.Terminal,
		Source:     SourceFallback,
	}
	switch d.Stage {
	case StageSelfIntroRequest:
		q.Text = selfIntroFallback(sc.CompanyName)
	case StageInitialQuestion:
		q.Text = initialFallback
	case StageFollowUpQuestion:
		q.Text = followUpFallback
	case StageNextQuestion:
		q.Text = nextFallbacks[(d.Ordinal+len(nextFallbacks)-2)%len(nextFallbacks)]
	case StageClosing:
		return closingQuestion(d)
	}
	return q
}

func closingQuestion(d Decision) Question {
	text := budgetClosingText
	if d.Reason == ClosingKeyword {
		text = keywordClosingText
	}
	return Question{
		Text:     text,
		Type:     models.QuestionClosing,
		Ordinal:  d.Ordinal,
		Terminal: true,
		Source:   SourceFallback,
	}
}
