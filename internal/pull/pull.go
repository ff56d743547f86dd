// Package pull schedules vendor pulls across all registered providers. Each
// provider gets one task; executions serialize across replicas through the
// lock service and fan out per linked user.
package pull

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thetahealth/ingest/internal/config"
	"github.com/thetahealth/ingest/internal/ingestmetrics"
	"github.com/thetahealth/ingest/internal/lock"
	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/push"
	"github.com/thetahealth/ingest/internal/vault"
)

// ScheduleKind selects how a task's next run is computed.
type ScheduleKind string

const (
	// ScheduleHourly runs at the top of every hour.
	ScheduleHourly ScheduleKind = "hourly"
	// ScheduleInterval runs a fixed duration after the previous run.
	ScheduleInterval ScheduleKind = "interval"
	// ScheduleManual never runs on the ticker; only explicit triggers.
	ScheduleManual ScheduleKind = "manual"
)

const (
	tickInterval = time.Minute
	// userConcurrency bounds parallel per-user vendor fetches in one run.
	userConcurrency = 4

	minLockDuration = 6 * time.Minute
)

// Schedule configures one task.
type Schedule struct {
	Kind     ScheduleKind
	Interval time.Duration // required for ScheduleInterval
	// ExecutionInterval is the minimum spacing between consecutive runs. A
	// task whose next_run has passed still waits until lastRun plus this
	// duration. Defaults to the schedule interval (one hour for hourly tasks).
	ExecutionInterval time.Duration
	// LockDuration overrides the default cluster-lock TTL of the execution
	// interval minus 30 minutes.
	LockDuration time.Duration
}

// executionInterval resolves the effective spacing between runs.
func (s Schedule) executionInterval() time.Duration {
	if s.ExecutionInterval > 0 {
		return s.ExecutionInterval
	}
	if s.Kind == ScheduleHourly {
		return time.Hour
	}
	return s.Interval
}

// RunStats is the persisted outcome of one execution.
type RunStats struct {
	Provider    string    `json:"provider"`
	StartedAt   time.Time `json:"startedAt"`
	Duration    string    `json:"duration"`
	Users       int       `json:"users"`
	Payloads    int       `json:"payloads"`
	Errors      int       `json:"errors"`
	AuthErrors  int       `json:"authErrors"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// TaskStatus is the live view of one task, for the management endpoint.
type TaskStatus struct {
	Provider string       `json:"provider"`
	Platform string       `json:"platform"`
	Kind     ScheduleKind `json:"kind"`
	LastRun  time.Time    `json:"lastRun,omitempty"`
	NextRun  time.Time    `json:"nextRun,omitempty"`
	LastErr  string       `json:"lastError,omitempty"`
	Running  bool         `json:"running"`
}

type task struct {
	platformName string
	prov         provider.Provider
	schedule     Schedule

	mu      sync.Mutex
	lastRun time.Time
	nextRun time.Time
	lastErr error
	running bool
}

// Engine owns the pull tasks and the scheduling loop.
type Engine struct {
	cfg   *config.Config
	locks *lock.Service
	vault *vault.Vault
	push  *push.Service

	mu    sync.RWMutex
	tasks map[string]*task

	wg sync.WaitGroup
}

// NewEngine builds an engine with no tasks registered.
func NewEngine(cfg *config.Config, locks *lock.Service, v *vault.Vault, pusher *push.Service) *Engine {
	return &Engine{
		cfg:   cfg,
		locks: locks,
		vault: v,
		push:  pusher,
		tasks: make(map[string]*task),
	}
}

// RegisterTask adds a pull task for one provider. Providers that do not pull
// are skipped by the caller via RegistersPullTask.
func (e *Engine) RegisterTask(platformName string, prov provider.Provider, schedule Schedule) error {
	slug := prov.Info().Slug
	if schedule.Kind == ScheduleInterval && schedule.Interval <= 0 {
		return fmt.Errorf("interval schedule for %s requires a positive interval", slug)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tasks[slug]; exists {
		return fmt.Errorf("pull task for %s already registered", slug)
	}
	t := &task{platformName: platformName, prov: prov, schedule: schedule}
	t.nextRun = t.initialRun(time.Now())
	e.tasks[slug] = t
	log.Info().Str("provider", slug).Str("kind", string(schedule.Kind)).
		Time("nextRun", t.nextRun).Msg("Pull task registered")
	return nil
}

// Run drives the scheduling loop until ctx is canceled, then waits for any
// in-flight executions.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	log.Info().Int("tasks", len(e.snapshot())).Msg("Pull engine started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Pull engine stopping, waiting for in-flight runs")
			e.wg.Wait()
			return
		case now := <-ticker.C:
			for _, t := range e.snapshot() {
				e.maybeRun(ctx, t, now)
			}
		}
	}
}

func (e *Engine) snapshot() []*task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t)
	}
	return out
}

func (e *Engine) maybeRun(ctx context.Context, t *task, now time.Time) {
	t.mu.Lock()
	due := t.schedule.Kind != ScheduleManual && !t.running && !now.Before(t.nextRun) &&
		(t.lastRun.IsZero() || !now.Before(t.lastRun.Add(t.schedule.executionInterval())))
	if due {
		t.running = true
	}
	t.mu.Unlock()
	if !due {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(ctx, t, false)
	}()
}

// Trigger starts one task immediately and returns once the run is underway.
// force steals the cluster lock and clears the last timestamp, so the pull
// re-covers the full lookback window. The run is detached from the caller's
// context, so a client disconnect does not abort it, and tracked in the
// engine's wait group, so shutdown drains it.
func (e *Engine) Trigger(ctx context.Context, slug string, force bool) error {
	e.mu.RLock()
	t, ok := e.tasks[slug]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no pull task registered for %q", slug)
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("pull for %q is already running", slug)
	}
	t.running = true
	t.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	if force {
		if err := e.locks.ClearLastTimestamp(runCtx, slug); err != nil {
			log.Warn().Err(err).Str("provider", slug).Msg("Failed to clear last pull timestamp")
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.execute(runCtx, t, force); err != nil {
			log.Error().Err(err).Str("provider", slug).Msg("Triggered pull failed")
		}
	}()
	return nil
}

// execute runs one pull under the cluster lock. Returns nil when the lock is
// held elsewhere.
func (e *Engine) execute(ctx context.Context, t *task, force bool) error {
	slug := t.prov.Info().Slug
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	execID, err := e.locks.TryAcquire(ctx, slug, t.lockDuration(), force)
	if err != nil {
		e.finishRun(t, time.Now(), err)
		return err
	}
	if execID == "" {
		log.Debug().Str("provider", slug).Msg("Pull lock held elsewhere, skipping")
		t.mu.Lock()
		t.nextRun = t.schedule.next(time.Now(), false)
		t.running = false
		t.mu.Unlock()
		return nil
	}
	defer func() {
		if err := e.locks.Release(ctx, slug, execID); err != nil {
			log.Warn().Err(err).Str("provider", slug).Msg("Pull lock release failed")
		}
	}()

	started := time.Now()
	window := e.window(ctx, slug, started)
	creds, err := e.vault.ListCredentialsForProvider(ctx, slug)
	if err != nil {
		e.finishRun(t, started, err)
		return err
	}

	stats := RunStats{
		Provider: slug, StartedAt: started.UTC(),
		Users: len(creds), WindowStart: window.Start.UTC(), WindowEnd: window.End.UTC(),
	}
	var statsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(userConcurrency)
	for _, cred := range creds {
		g.Go(func() error {
			payloads, pullErr := t.prov.PullFromVendor(gctx, cred, window)
			pushed := 0
			for _, raw := range payloads {
				if _, err := e.push.Push(gctx, t.platformName, slug, raw); err != nil {
					log.Error().Err(err).Str("provider", slug).Str("userId", cred.UserID).
						Msg("Failed to ingest pulled payload")
					pullErr = errors.Join(pullErr, err)
					continue
				}
				pushed++
			}

			statsMu.Lock()
			stats.Payloads += pushed
			if pullErr != nil {
				stats.Errors++
				if errors.Is(pullErr, provider.ErrAuthFailed) {
					stats.AuthErrors++
				}
			}
			statsMu.Unlock()

			// Auth failures are terminal for this user until relink; they
			// must not fail the whole run.
			if pullErr != nil && errors.Is(pullErr, provider.ErrAuthFailed) {
				ingestmetrics.AuthFailures.WithLabelValues(slug).Inc()
				log.Warn().Str("provider", slug).Str("userId", cred.UserID).
					Msg("Vendor rejected credentials, user needs to reconnect")
				return nil
			}
			return pullErr
		})
	}
	runErr := g.Wait()

	stats.Duration = time.Since(started).Round(time.Millisecond).String()
	if blob, err := json.Marshal(stats); err == nil {
		if err := e.locks.SaveStats(ctx, slug, blob); err != nil {
			log.Warn().Err(err).Str("provider", slug).Msg("Failed to persist pull stats")
		}
	}

	if runErr == nil {
		if err := e.locks.SetLastTimestamp(ctx, slug, window.End.Unix()); err != nil {
			log.Warn().Err(err).Str("provider", slug).Msg("Failed to persist last pull timestamp")
		}
		ingestmetrics.PullRuns.WithLabelValues(slug, "ok").Inc()
		log.Info().Str("provider", slug).Int("users", stats.Users).
			Int("payloads", stats.Payloads).Str("duration", stats.Duration).
			Msg("Pull completed")
	} else {
		ingestmetrics.PullRuns.WithLabelValues(slug, "error").Inc()
		log.Error().Err(runErr).Str("provider", slug).Msg("Pull finished with errors")
	}

	e.finishRun(t, started, runErr)
	return runErr
}

// window computes the pull window: from the last recorded success, or the
// configured lookback when none exists.
func (e *Engine) window(ctx context.Context, slug string, now time.Time) provider.PullWindow {
	start := now.Add(-e.cfg.PullLookback)
	if ts, ok, err := e.locks.GetLastTimestamp(ctx, slug); err == nil && ok {
		start = time.Unix(ts, 0)
	}
	return provider.PullWindow{Start: start, End: now}
}

func (e *Engine) finishRun(t *task, started time.Time, err error) {
	t.mu.Lock()
	t.lastRun = started
	t.lastErr = err
	t.nextRun = t.schedule.next(started, err != nil)
	t.mu.Unlock()
}

// Statuses returns the live view of every task.
func (e *Engine) Statuses() []TaskStatus {
	var out []TaskStatus
	for _, t := range e.snapshot() {
		t.mu.Lock()
		st := TaskStatus{
			Provider: t.prov.Info().Slug,
			Platform: t.platformName,
			Kind:     t.schedule.Kind,
			LastRun:  t.lastRun,
			NextRun:  t.nextRun,
			Running:  t.running,
		}
		if t.lastErr != nil {
			st.LastErr = t.lastErr.Error()
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Stats returns the persisted run stats for one provider, or nil.
func (e *Engine) Stats(ctx context.Context, slug string) (*RunStats, error) {
	blob, err := e.locks.GetStats(ctx, slug)
	if err != nil || blob == nil {
		return nil, err
	}
	var stats RunStats
	if err := json.Unmarshal(blob, &stats); err != nil {
		return nil, fmt.Errorf("corrupt stats blob for %s: %w", slug, err)
	}
	return &stats, nil
}

// lockDuration derives the cluster-lock TTL: explicitly configured, or the
// execution interval minus 30 minutes, floored at 6 minutes.
func (t *task) lockDuration() time.Duration {
	if t.schedule.LockDuration > 0 {
		return t.schedule.LockDuration
	}
	d := t.schedule.executionInterval() - 30*time.Minute
	if d < minLockDuration {
		d = minLockDuration
	}
	return d
}

// initialRun staggers the first execution so restarts don't pull immediately.
func (t *task) initialRun(now time.Time) time.Time {
	return t.schedule.next(now, false)
}

// next computes the next run time after a run starting at ran. Failed
// interval runs back off by doubling the interval.
func (s Schedule) next(ran time.Time, failed bool) time.Time {
	switch s.Kind {
	case ScheduleHourly:
		return ran.Truncate(time.Hour).Add(time.Hour)
	case ScheduleInterval:
		interval := s.Interval
		if failed {
			interval *= 2
		}
		return ran.Add(interval)
	default:
		// Manual tasks never schedule themselves.
		return time.Time{}
	}
}
