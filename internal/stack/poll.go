// File: internal/stack/poll.go
// Brief: Polls submitted actions until they reach a terminal state.

package stack

import (
	"context"
	"fmt"
	"time"

	"github.com/example/stackctl/internal/cloud"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultMaxPollErrors = 5
)

// poller drives one submitted action to a terminal status. The interval is
// fixed; only transient poll failures back off. A non-zero timeout bounds
// the whole wait and triggers a best-effort cancel before failing.
type poller struct {
	provider cloud.Provider
	interval time.Duration
	timeout  time.Duration

	maxPollErrors int

	onPoll  func(status cloud.Status)
	onRetry func(attempt int, backoff time.Duration, err error)
}

func (p *poller) Await(ctx context.Context, h cloud.Handle) (cloud.Status, error) {
	interval := p.interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxErrs := p.maxPollErrors
	if maxErrs <= 0 {
		maxErrs = defaultMaxPollErrors
	}
	var deadline time.Time
	if p.timeout > 0 {
		deadline = time.Now().Add(p.timeout)
	}

	last := cloud.Status{State: cloud.StateInProgress, Raw: "SUBMITTED"}
	pollErrs := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			_ = p.provider.Cancel(ctx, h)
			return last, fmt.Errorf("timed out after %s waiting for %s of %s", p.timeout, h.Action, h.StackName)
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}

		status, err := p.provider.PollStatus(ctx, h)
		if err != nil {
			pollErrs++
			class := classifyError(err)
			if isRetryableClass(class) && pollErrs < maxErrs {
				backoff := retryBackoff(pollErrs)
				if p.onRetry != nil {
					p.onRetry(pollErrs, backoff, err)
				}
				select {
				case <-ctx.Done():
					return last, ctx.Err()
				case <-time.After(backoff):
				}
				continue
			}
			return last, fmt.Errorf("poll %s: %w", h.StackName, err)
		}
		pollErrs = 0
		last = status
		if p.onPoll != nil {
			p.onPoll(status)
		}
		if status.State != cloud.StateInProgress {
			return status, nil
		}
	}
}
