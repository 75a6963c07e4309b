// Package llm describes the conversation-thread capability used to generate
// interview questions and the bounded polling that waits on thread runs.
package llm

import "context"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a thread's history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
	RunExpired    RunStatus = "expired"
)

// Done reports whether the run has stopped, successfully or not.
func (s RunStatus) Done() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	}
	return false
}

// Run is an asynchronous completion over a thread's history.
type Run struct {
	ID       string
	ThreadID string
	Status   RunStatus
	Error    string
}

// Conversation is a provider-owned, stateful dialogue. A thread belongs to a
// single interview session for its whole lifetime.
type Conversation interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID string, msg Message) error
	StartRun(ctx context.Context, threadID, instructions string) (string, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	LastAssistantMessage(ctx context.Context, threadID string) (string, error)
	DeleteThread(ctx context.Context, threadID string) error
}
