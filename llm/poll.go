package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/krshsl/interviewcoach/backend/apperrors"
	"github.com/krshsl/interviewcoach/backend/clock"
)

var ErrRunFailed = errors.New("llm run failed")

// PollPolicy bounds how long and how often a run is polled.
type PollPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	MaxWait     time.Duration
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:    500 * time.Millisecond,
		MaxInterval: 4 * time.Second,
		Multiplier:  1.5,
		MaxWait:     90 * time.Second,
	}
}

func (p PollPolicy) normalized() PollPolicy {
	def := DefaultPollPolicy()
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxWait <= 0 {
		p.MaxWait = def.MaxWait
	}
	return p
}

func (p PollPolicy) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * p.Multiplier)
	if n > p.MaxInterval {
		return p.MaxInterval
	}
	return n
}

// RunToCompletion starts a run on the thread and polls it with backoff until
// it finishes, then returns the newest assistant message. It never waits
// longer than policy.MaxWait; exceeding it yields apperrors.ErrTimeout.
func RunToCompletion(ctx context.Context, conv Conversation, clk clock.Clock, threadID, instructions string, policy PollPolicy) (string, error) {
	policy = policy.normalized()

	runID, err := conv.StartRun(ctx, threadID, instructions)
	if err != nil {
		return "", apperrors.Unavailable("llm start run", err)
	}

	deadline := clk.Now().Add(policy.MaxWait)
	interval := policy.Interval
	polls := 0
	for {
		run, err := conv.GetRun(ctx, threadID, runID)
		if err != nil {
			return "", apperrors.Unavailable("llm get run", err)
		}
		polls++

		switch run.Status {
		case RunCompleted:
			msg, err := conv.LastAssistantMessage(ctx, threadID)
			if err != nil {
				return "", apperrors.Unavailable("llm read message", err)
			}
			slog.Debug("LLM run completed", "thread_id", threadID, "run_id", runID, "polls", polls)
			return msg, nil
		case RunExpired:
			return "", fmt.Errorf("llm run %s expired: %w", runID, apperrors.ErrTimeout)
		case RunFailed, RunCancelled:
			return "", apperrors.Unavailable("llm", fmt.Errorf("%w: run %s %s: %s", ErrRunFailed, runID, run.Status, run.Error))
		}

		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			slog.Warn("LLM run exceeded max wait", "thread_id", threadID, "run_id", runID, "max_wait", policy.MaxWait)
			return "", fmt.Errorf("llm run %s still %s after %s: %w", runID, run.Status, policy.MaxWait, apperrors.ErrTimeout)
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			if err := apperrors.FromContext(ctx, "llm"); err != nil {
				return "", err
			}
		case <-clk.After(wait):
		}
		interval = policy.next(interval)
	}
}

// Retry calls fn up to attempts times with exponential backoff from base.
// Cancellation stops it immediately.
func Retry(ctx context.Context, clk clock.Clock, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = 300 * time.Millisecond
	}
	var last error
	for i := 0; i < attempts; i++ {
		if last = fn(ctx); last == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return apperrors.FromContext(ctx, "retry")
		case <-clk.After(base * time.Duration(1<<i)):
		}
	}
	return last
}
