// Package notify delivers match events to the people involved. Delivery runs
// outside the write that produced the match and is at-least-once.
package notify

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"joatu/internal/config"
	"joatu/internal/domain"
)

// Notifier receives one call per (offer, request) pair.
type Notifier interface {
	Notify(ctx context.Context, evt domain.MatchEvent) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, evt domain.MatchEvent) error

func (f Func) Notify(ctx context.Context, evt domain.MatchEvent) error {
	return f(ctx, evt)
}

// LogNotifier writes each match to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(_ context.Context, evt domain.MatchEvent) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("match: offer=%s request=%s recipients=%s", evt.OfferID, evt.RequestID, strings.Join(evt.RecipientIDs, ","))
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt domain.MatchEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Retry calls Next until it succeeds or Attempts is spent, doubling the
// wait after each failure.
type Retry struct {
	Next     Notifier
	Attempts int
	Backoff  time.Duration
	Sleep    func(context.Context, time.Duration) error
}

func (r Retry) Notify(ctx context.Context, evt domain.MatchEvent) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	wait := r.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = r.Next.Notify(ctx, evt); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if serr := sleep(ctx, wait); serr != nil {
			return errors.Join(err, serr)
		}
		wait *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FromConfig builds the notifier chain described by cfg: the log notifier
// and every enabled webhook, wrapped in Retry.
func FromConfig(cfg config.NotifierConfig, logger *log.Logger) Notifier {
	var chain Multi
	if cfg.Log {
		chain = append(chain, LogNotifier{Logger: logger})
	}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		chain = append(chain, Retry{
			Next:     NewWebhook(hook),
			Attempts: cfg.Retry.Attempts,
			Backoff:  time.Duration(cfg.Retry.BackoffMS) * time.Millisecond,
		})
	}
	return chain
}
