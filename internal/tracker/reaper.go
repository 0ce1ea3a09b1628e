package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vehicle-tracking-service/internal/store"
)

// Reaper guarantees the expiry transition fires even when push expiry
// notification is unavailable or unreliable. It polls on a fixed interval,
// strictly shorter than the tracking window, for active records whose timer
// is gone. The mismatch is the expiry signal; the handler's compare-and-set
// makes concurrent reapers and push notifications safe together.
type Reaper struct {
	tracker  *Tracker
	store    store.Store
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReaper(t *Tracker, st store.Store, interval time.Duration, log zerolog.Logger) *Reaper {
	return &Reaper{
		tracker:  t,
		store:    st,
		interval: interval,
		log:      log,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
	r.log.Info().Dur("interval", r.interval).Msg("timer reaper started")
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.log.Info().Msg("timer reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reaper pass. Exported so tests and operators can force a
// scan without waiting for the ticker.
func (r *Reaper) Sweep(ctx context.Context) {
	records, err := r.store.ListActive(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper failed to list active records")
		return
	}
	for _, rec := range records {
		_, err := r.store.TimerTTL(ctx, rec.Plate)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Error().Err(err).Str("plate", rec.Plate).Msg("reaper failed to read timer")
			continue
		}
		if _, err := r.tracker.OnTimerExpire(ctx, rec.Plate); err != nil {
			r.log.Error().Err(err).Str("plate", rec.Plate).Msg("reaper failed to expire vehicle")
		} else {
			r.log.Debug().Str("plate", rec.Plate).Msg("reaper processed timer expiry")
		}
	}
}

// ExpiryListener consumes the store's push expiry feed into the same
// idempotent handler the reaper uses.
type ExpiryListener struct {
	tracker *Tracker
	store   store.Store
	log     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewExpiryListener(t *Tracker, st store.Store, log zerolog.Logger) *ExpiryListener {
	return &ExpiryListener{tracker: t, store: st, log: log}
}

func (l *ExpiryListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	feed, err := l.store.ExpiredTimers(ctx)
	if err != nil {
		cancel()
		return err
	}
	if feed == nil {
		cancel()
		l.log.Info().Msg("push expiry unavailable, reaper polling only")
		return nil
	}
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.consume(ctx, feed)
	l.log.Info().Msg("push expiry listener started")
	return nil
}

func (l *ExpiryListener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *ExpiryListener) consume(ctx context.Context, feed <-chan string) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case plate, ok := <-feed:
			if !ok {
				return
			}
			if _, err := l.tracker.OnTimerExpire(ctx, plate); err != nil {
				l.log.Error().Err(err).Str("plate", plate).Msg("push expiry handling failed")
			}
		}
	}
}
