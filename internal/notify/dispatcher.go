package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/events"
	"joatu/internal/match"
	"joatu/internal/repo"
)

const (
	defaultCursorName = "match-notifier"
	defaultBatch      = 100
	defaultInterval   = 2 * time.Second
	dispatcherActor   = "system:dispatcher"
)

// Dispatcher consumes exchange.match_requested events from the outbox,
// looks up the counterparts of each record and hands every pair to the
// notifier once per lookup. Its position in the log is persisted, so a
// restarted worker resumes where it stopped.
type Dispatcher struct {
	Engine   engine.Engine
	Notifier Notifier
	Name     string
	Batch    int
	Interval time.Duration
	Logger   *log.Logger
}

// NewDispatcher builds a dispatcher with settings from the engine config.
func NewDispatcher(e engine.Engine, n Notifier, logger *log.Logger) *Dispatcher {
	d := &Dispatcher{Engine: e, Notifier: n, Logger: logger}
	if e.Config != nil {
		d.Batch = e.Config.Dispatcher.Batch
		d.Interval = e.Config.DispatchInterval()
	}
	return d
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

func (d *Dispatcher) name() string {
	if d.Name != "" {
		return d.Name
	}
	return defaultCursorName
}

func (d *Dispatcher) notifier() Notifier {
	if d.Notifier != nil {
		return d.Notifier
	}
	return LogNotifier{Logger: d.Logger}
}

// Run dispatches on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger().Printf("dispatch: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce processes one batch and returns how many pairs were
// delivered. An event whose lookup fails is logged and passed over with a
// match.notified row carrying the error; only a failure to read the log or
// to record progress stops the batch.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	cursor, err := d.Engine.Repo.Cursor(ctx, d.name())
	if err != nil {
		return 0, err
	}
	evts, err := d.Engine.Repo.EventsAfter(ctx, cursor, batch, events.ExchangeMatchRequested)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range evts {
		n, err := d.handle(ctx, evt)
		if err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			d.logger().Printf("dispatch event %d (%s %s): %v", evt.ID, evt.EntityKind, evt.EntityID, err)
		}
		sent += n
		if err := d.advance(ctx, evt, n, err); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (d *Dispatcher) handle(ctx context.Context, evt domain.Event) (int, error) {
	r, err := d.Engine.GetExchange(ctx, evt.EntityID)
	if errors.Is(err, repo.ErrNotFound) {
		// destroyed before we got to it
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	counterparts, err := d.Engine.MatchesFor(ctx, r, match.Options{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range counterparts {
		pair := match.Pair(r, c)
		if err := d.notifier().Notify(ctx, pair); err != nil {
			d.logger().Printf("notify: offer=%s request=%s: %v", pair.OfferID, pair.RequestID, err)
			continue
		}
		n++
	}
	return n, nil
}

// SkipBacklog moves the cursor to the end of the log so that only events
// written afterwards are dispatched.
func (d *Dispatcher) SkipBacklog(ctx context.Context) (int64, error) {
	last, err := d.Engine.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	return last, d.Engine.Repo.SetCursor(ctx, nil, d.name(), last, time.Now().UTC().Format(time.RFC3339Nano))
}

func (d *Dispatcher) advance(ctx context.Context, evt domain.Event, delivered int, lookupErr error) error {
	tx, err := d.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	payload := events.EventPayload{
		"source_event": evt.ID,
		"delivered":    delivered,
	}
	if lookupErr != nil {
		payload["error"] = lookupErr.Error()
	}
	if err := d.Engine.Events.Append(ctx, tx, events.MatchNotified, evt.EntityKind, evt.EntityID, dispatcherActor, payload); err != nil {
		return err
	}
	if err := d.Engine.Repo.SetCursor(ctx, tx, d.name(), evt.ID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}
