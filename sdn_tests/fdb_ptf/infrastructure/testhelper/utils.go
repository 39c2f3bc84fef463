package testhelper

import (
	"context"
	"fmt"
	"time"

	log "github.com/golang/glog"
)

type pollStatus bool

const (
	continuePoll pollStatus = false
	exitPoll     pollStatus = true
)

// pollFunc returns exitPoll once the condition is met.
type pollFunc func() pollStatus

// poll evaluates pf every pollInterval until it is met or the context is done.
func poll(ctx context.Context, pollInterval time.Duration, pf pollFunc) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("polling for condition timed out, err: %v", ctx.Err())
		case <-ticker.C:
			if pf() == exitPoll {
				log.InfoContextf(ctx, "polling done")
				return nil
			}
		}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
