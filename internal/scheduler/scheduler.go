package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoFutureFire is returned by Add for a one-shot trigger whose fire
// instant has already passed.
var ErrNoFutureFire = errors.New("trigger has no future fire time")

// Callback delivers a fired job. Errors are logged and not retried;
// reminders are best-effort, not at-least-once.
type Callback func(ctx context.Context, job Job) error

// Config controls the scheduler core.
type Config struct {
	// MisfireGrace bounds how late a fire may run once the loop catches
	// up. Anything later is skipped: one-shot jobs are dropped, cyclical
	// jobs move to their next occurrence.
	MisfireGrace time.Duration
	// Workers bounds concurrent deliveries across distinct job ids.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	return c
}

// Core is the in-process scheduling engine. It watches the durable Store
// for the job with the earliest next fire time, sleeps until then, and
// hands due jobs to a worker pool. A job never has two deliveries in
// flight at once.
type Core struct {
	store Store
	loc   *time.Location
	cfg   Config
	log   zerolog.Logger

	cb Callback

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
	stopCh   chan struct{}

	wake  chan struct{}
	queue chan Job
	wg    sync.WaitGroup
}

// New builds a stopped Core on top of a durable store. All cyclical
// arithmetic happens in loc, the fixed scheduler timezone.
func New(store Store, loc *time.Location, cfg Config, log zerolog.Logger) *Core {
	return &Core{
		store:    store,
		loc:      loc,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "scheduler").Logger(),
		inFlight: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// SetCallback wires the delivery callback. Must be called before Start.
func (c *Core) SetCallback(cb Callback) { c.cb = cb }

// Location returns the scheduler timezone.
func (c *Core) Location() *time.Location { return c.loc }

// Add registers (or replaces) a job and computes its first fire time.
func (c *Core) Add(ctx context.Context, id string, trig Trigger, payload Payload) error {
	next, err := trig.Next(time.Now(), c.loc)
	if err != nil {
		return err
	}
	if next.IsZero() {
		return ErrNoFutureFire
	}
	job := Job{ID: id, Trigger: trig, Payload: payload, NextFireAt: next}
	if err := c.store.Put(ctx, job); err != nil {
		return err
	}
	c.log.Debug().Str("job", id).Time("next_fire", next).Msg("job registered")
	c.poke()
	return nil
}

// Remove unregisters a job. Unknown ids are a no-op, not an error.
func (c *Core) Remove(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.poke()
	return nil
}

// RemoveByPrefix unregisters every job whose id starts with prefix.
func (c *Core) RemoveByPrefix(ctx context.Context, prefix string) (int64, error) {
	n, err := c.store.DeleteByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.log.Debug().Str("prefix", prefix).Int64("removed", n).Msg("jobs removed by prefix")
	}
	c.poke()
	return n, nil
}

// Clear wipes every registered job.
func (c *Core) Clear(ctx context.Context) error {
	if err := c.store.DeleteAll(ctx); err != nil {
		return err
	}
	c.poke()
	return nil
}

func (c *Core) Get(ctx context.Context, id string) (*Job, error) {
	return c.store.Get(ctx, id)
}

func (c *Core) ListAll(ctx context.Context) ([]Job, error) {
	return c.store.List(ctx)
}

// Start launches the firing loop and the delivery workers. Non-blocking.
func (c *Core) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.queue = make(chan Job, 16)
	stopCh, queue := c.stopCh, c.queue
	c.mu.Unlock()

	c.wg.Add(c.cfg.Workers)
	for i := 0; i < c.cfg.Workers; i++ {
		go func(idx int) {
			defer c.wg.Done()
			c.worker(ctx, stopCh, queue, idx)
		}(i)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, stopCh, queue)
	}()

	c.log.Info().Int("workers", c.cfg.Workers).Str("tz", c.loc.String()).
		Dur("misfire_grace", c.cfg.MisfireGrace).Msg("scheduler started")
}

// Stop signals the loop and workers and waits for them to exit.
// In-flight deliveries run to completion.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.log.Info().Msg("scheduler stopped")
}

// maxIdleWait caps how long the loop sleeps without rechecking the
// store, so externally-written jobs are still picked up.
const maxIdleWait = 30 * time.Second

func (c *Core) run(ctx context.Context, stopCh chan struct{}, queue chan Job) {
	for {
		c.dispatchDue(ctx, stopCh, queue)

		wait := maxIdleWait
		if next, ok := c.earliestPending(ctx); ok {
			if d := time.Until(next); d < wait {
				wait = d
			}
			if wait < 0 {
				wait = 0
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// earliestPending returns the smallest next fire time among jobs that are
// not currently being delivered.
func (c *Core) earliestPending(ctx context.Context) (time.Time, bool) {
	jobs, err := c.store.List(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("list jobs failed")
		return time.Time{}, false
	}

	var earliest time.Time
	found := false
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range jobs {
		if _, busy := c.inFlight[j.ID]; busy {
			continue
		}
		if !found || j.NextFireAt.Before(earliest) {
			earliest = j.NextFireAt
			found = true
		}
	}
	return earliest, found
}

func (c *Core) dispatchDue(ctx context.Context, stopCh chan struct{}, queue chan Job) {
	jobs, err := c.store.List(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("list jobs failed")
		return
	}

	now := time.Now()
	for _, j := range jobs {
		if j.NextFireAt.After(now) {
			continue
		}
		if late := now.Sub(j.NextFireAt); late > c.cfg.MisfireGrace {
			c.skipMisfire(ctx, j, now, late)
			continue
		}

		c.mu.Lock()
		if _, busy := c.inFlight[j.ID]; busy {
			c.mu.Unlock()
			continue
		}
		c.inFlight[j.ID] = struct{}{}
		c.mu.Unlock()

		select {
		case queue <- j:
		case <-ctx.Done():
			c.clearInFlight(j.ID)
			return
		case <-stopCh:
			c.clearInFlight(j.ID)
			return
		}
	}
}

// skipMisfire applies the grace-window policy to a fire time that passed
// too long ago: drop one-shot jobs, advance cyclical ones.
func (c *Core) skipMisfire(ctx context.Context, j Job, now time.Time, late time.Duration) {
	if j.Trigger.Kind == TriggerOnce {
		c.log.Warn().Str("job", j.ID).Dur("late", late).Msg("one-shot misfire beyond grace window, dropping job")
		if err := c.store.Delete(ctx, j.ID); err != nil {
			c.log.Error().Err(err).Str("job", j.ID).Msg("drop misfired job failed")
		}
		return
	}

	next, err := j.Trigger.Next(now, c.loc)
	if err != nil {
		c.log.Error().Err(err).Str("job", j.ID).Msg("advance misfired job failed")
		return
	}
	c.log.Warn().Str("job", j.ID).Dur("late", late).Time("next_fire", next).
		Msg("cyclical misfire beyond grace window, skipping occurrence")
	if err := c.store.SetNextFire(ctx, j.ID, next); err != nil {
		c.log.Error().Err(err).Str("job", j.ID).Msg("persist next fire failed")
	}
}

func (c *Core) worker(ctx context.Context, stopCh chan struct{}, queue chan Job, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			c.deliver(ctx, j)
		}
	}
}

func (c *Core) deliver(ctx context.Context, j Job) {
	defer c.clearInFlight(j.ID)

	start := time.Now()
	if c.cb == nil {
		c.log.Error().Str("job", j.ID).Msg("no delivery callback configured")
	} else if err := c.cb(ctx, j); err != nil {
		// Logged, not retried. A cyclical job's next occurrence is the retry.
		c.log.Error().Err(err).Str("job", j.ID).Msg("delivery failed")
	} else {
		c.log.Info().Str("job", j.ID).Dur("took", time.Since(start)).Msg("delivered")
	}

	c.finalize(ctx, j)
}

// finalize retires one-shot jobs and re-registers cyclical ones at their
// next occurrence. Jobs cancelled mid-flight are left alone: both paths
// are no-ops for an id that is gone from the store.
func (c *Core) finalize(ctx context.Context, j Job) {
	if j.Trigger.Kind == TriggerOnce {
		if err := c.store.Delete(ctx, j.ID); err != nil {
			c.log.Error().Err(err).Str("job", j.ID).Msg("retire one-shot job failed")
		}
		c.poke()
		return
	}

	next, err := j.Trigger.Next(time.Now(), c.loc)
	if err != nil {
		c.log.Error().Err(err).Str("job", j.ID).Msg("recompute next fire failed")
		return
	}
	if err := c.store.SetNextFire(ctx, j.ID, next); err != nil {
		c.log.Error().Err(err).Str("job", j.ID).Msg("persist next fire failed")
	}
	c.poke()
}

func (c *Core) clearInFlight(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

func (c *Core) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
