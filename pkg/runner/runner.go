package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x-dm-automation/pkg/browser"
	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/logger"
	"github.com/x-dm-automation/pkg/messaging"
	"github.com/x-dm-automation/pkg/pacing"
	"github.com/x-dm-automation/pkg/storage"
)

var (
	ErrAlreadyRunning  = errors.New("run already in progress")
	ErrTooManyFailures = errors.New("too many consecutive iteration failures")
)

// Session is the browser lifecycle the controller owns for one run.
type Session interface {
	Launch(ctx context.Context, opts browser.LaunchOptions) error
	RestoreCookies(cookies []storage.Cookie) error
	InTab(ctx context.Context, fn func(ctx context.Context) error) error
	CaptureDiagnostics(reason string) (string, error)
	Close() error
}

type CookieSource interface {
	Load() []storage.Cookie
}

type Discoverer interface {
	OpenSearch(ctx context.Context, query string) error
	FindCandidates(ctx context.Context) ([]string, error)
	ScrollForMore(ctx context.Context) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, profileURL, message string) messaging.Outcome
}

// History persists dispatch records; *storage.Storage implements it.
type History interface {
	AddRecord(rec storage.DispatchRecord) error
	UpdateTodayStats(update func(*storage.DailyStats)) error
	SentSince(since time.Time) (int, error)
}

type Deps struct {
	Session    Session
	Cookies    CookieSource
	Discovery  Discoverer
	Dispatcher Dispatcher

	// Optional.
	History  History
	Limiter  *pacing.SendLimiter
	Schedule *pacing.WorkingHours
	Observer Observer
}

// Controller drives one browser session through search, discovery and
// dispatch until stopped. Profiles are processed strictly one at a time.
type Controller struct {
	config *config.Config
	deps   Deps
	timing *pacing.Timing
	log    *logger.Logger

	mu       sync.Mutex
	state    State
	stopping bool
	run      config.RunConfig
	pending  *config.RunConfig
	stats    Statistics
	visited  *VisitedSet
	attempts map[string]int
	runID    string
	stopWait context.CancelFunc
	done     chan struct{}

	// sendToken is set while a limiter token is held but unused. Only the
	// loop goroutine touches it.
	sendToken bool
}

func New(cfg *config.Config, deps Deps) *Controller {
	if deps.Observer == nil {
		deps.Observer = NewConsoleObserver()
	}
	return &Controller{
		config:   cfg,
		deps:     deps,
		timing:   pacing.NewTiming(),
		log:      logger.WithComponent("runner"),
		visited:  NewVisitedSet(),
		attempts: make(map[string]int),
		run:      cfg.Run,
	}
}

// Start runs until Stop is called, ctx is cancelled or the run aborts. It
// returns nil after a stop and an error for launch failures or an abort.
func (c *Controller) Start(ctx context.Context, rc config.RunConfig) error {
	if err := rc.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	waitCtx, stopWait := context.WithCancel(ctx)
	c.state = StateRunning
	c.stopping = false
	c.run = rc
	c.pending = nil
	c.stats = Statistics{StartTime: time.Now()}
	c.visited = NewVisitedSet()
	c.attempts = make(map[string]int)
	c.runID = uuid.NewString()
	c.stopWait = stopWait
	c.sendToken = false
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	defer func() {
		stopWait()
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		close(done)
	}()

	c.emit(LevelInfo, "Starting run %s for query %q", c.runID, rc.SearchQuery)

	if err := c.openSession(ctx); err != nil {
		c.emit(LevelError, "Failed to start: %v", err)
		c.closeSession()
		return err
	}
	defer c.closeSession()

	c.seedLimiter()

	err := c.loop(ctx, waitCtx)

	stats := c.Stats()
	c.emit(LevelInfo, "Run finished: %d attempts, %d sent, %d errors", stats.TotalAttempts, stats.SuccessCount, stats.Errors)

	if err != nil && !c.stopped(ctx) {
		return err
	}
	return nil
}

// Stop asks the run to finish. The current page operation completes first;
// pending waits end immediately. Stopping an idle controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning || c.stopping {
		return nil
	}

	c.log.Info("Stop requested")
	c.stopping = true
	if c.stopWait != nil {
		c.stopWait()
	}
	return nil
}

// Done is closed when the current run has released the browser.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// UpdateConfig replaces the run configuration. A running loop picks it up
// at the next profile or iteration boundary.
func (c *Controller) UpdateConfig(rc config.RunConfig) error {
	if err := rc.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		c.pending = &rc
		c.log.Info("Configuration update queued")
		return nil
	}
	c.run = rc
	return nil
}

func (c *Controller) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

func (c *Controller) Visited() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visited.List()
}

func (c *Controller) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning && !c.stopping
}

func (c *Controller) stopped(ctx context.Context) bool {
	return !c.running() || ctx.Err() != nil
}

// current applies any queued update and returns the active configuration.
func (c *Controller) current() config.RunConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.run = *c.pending
		c.pending = nil
		c.log.Info("Applied configuration update (query %q)", c.run.SearchQuery)
	}
	return c.run
}

func (c *Controller) emit(level LogLevel, format string, args ...interface{}) {
	c.deps.Observer.OnLog(LogEvent{
		Timestamp: time.Now(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	})
}

func (c *Controller) openSession(ctx context.Context) error {
	opts := browser.LaunchOptions{Headless: c.config.Browser.Headless}
	if err := c.deps.Session.Launch(ctx, opts); err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	var cookies []storage.Cookie
	if c.deps.Cookies != nil {
		cookies = c.deps.Cookies.Load()
	}
	if err := c.deps.Session.RestoreCookies(cookies); err != nil {
		return fmt.Errorf("failed to restore cookies: %w", err)
	}

	c.emit(LevelInfo, "Browser ready (%d cookies restored)", len(cookies))
	return nil
}

func (c *Controller) closeSession() {
	if err := c.deps.Session.Close(); err != nil {
		c.log.Warn("Failed to close browser: %v", err)
	}
}

func (c *Controller) seedLimiter() {
	if c.deps.Limiter == nil || c.deps.History == nil {
		return
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sent, err := c.deps.History.SentSince(midnight)
	if err != nil {
		c.log.Warn("Failed to read today's history: %v", err)
		return
	}
	c.deps.Limiter.Seed(sent)
}

func (c *Controller) loop(ctx, waitCtx context.Context) error {
	failures := 0

	for !c.stopped(ctx) {
		if c.deps.Schedule != nil {
			if err := c.deps.Schedule.Wait(waitCtx); err != nil {
				return err
			}
		}

		err := c.iteration(ctx, waitCtx)
		if err == nil {
			failures = 0
			continue
		}
		if c.stopped(ctx) {
			return nil
		}

		failures++
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		c.emit(LevelError, "Iteration failed: %v", err)

		maxFailures := c.config.Retry.MaxConsecutiveFailures
		if maxFailures > 0 && failures >= maxFailures {
			c.emit(LevelError, "Aborting after %d consecutive failures", failures)
			return fmt.Errorf("%w: %v", ErrTooManyFailures, err)
		}

		delay := c.timing.ExponentialBackoff(failures-1, c.config.Retry.IterationRetryDelay, c.config.Retry.MaxIterationDelay)
		c.emit(LevelWarning, "Retrying in %s", delay.Round(time.Second))
		if err := pacing.Sleep(waitCtx, delay); err != nil {
			return nil
		}
	}

	return nil
}

// iteration opens the search once and works down the results page,
// scrolling for more whenever the loaded profiles are all visited. It ends
// when scrolling stops producing new profiles or the query changes.
func (c *Controller) iteration(ctx, waitCtx context.Context) error {
	rc := c.current()

	if err := c.deps.Discovery.OpenSearch(ctx, rc.SearchQuery); err != nil {
		return err
	}
	c.updateDailyStats(func(s *storage.DailyStats) { s.Searches++ })

	dispatched := 0
	for {
		if c.stopped(ctx) {
			return nil
		}
		if c.current().SearchQuery != rc.SearchQuery {
			c.log.Info("Search query changed, reopening search")
			return nil
		}

		pending, found, err := c.nextBatch(ctx)
		if err != nil {
			return err
		}

		if len(pending) == 0 {
			switch {
			case found == 0:
				c.emit(LevelWarning, "No users found for %q", rc.SearchQuery)
			case dispatched == 0:
				c.emit(LevelInfo, "No new users in this batch")
			default:
				c.emit(LevelInfo, "Reached the end of results for %q after %d profiles", rc.SearchQuery, dispatched)
			}
			return c.idle(waitCtx)
		}

		for _, profile := range pending {
			if c.stopped(ctx) {
				return nil
			}
			if c.isVisited(profile) {
				continue
			}

			ok, err := c.process(ctx, waitCtx, profile)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			dispatched++
		}
	}
}

// nextBatch returns the unvisited candidates on the results page, scrolling
// up to ScrollAttempts times while there are none. found is the number of
// candidates seen in the last extraction, visited or not.
func (c *Controller) nextBatch(ctx context.Context) ([]string, int, error) {
	attempts := c.config.Retry.ScrollAttempts

	for attempt := 0; ; attempt++ {
		candidates, err := c.deps.Discovery.FindCandidates(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to find candidates: %w", err)
		}

		pending := c.unvisited(candidates)
		if len(pending) > 0 || attempt >= attempts || c.stopped(ctx) {
			return pending, len(candidates), nil
		}

		c.log.Debug("No new candidates, scrolling (%d/%d)", attempt+1, attempts)
		if err := c.deps.Discovery.ScrollForMore(ctx); err != nil {
			return nil, len(candidates), err
		}
	}
}

// process waits for the limiter, dispatches one profile and records the
// outcome. It reports false when the run was stopped before or after the
// dispatch.
func (c *Controller) process(ctx, waitCtx context.Context, profile string) (bool, error) {
	rc := c.current()

	if c.deps.Limiter != nil && !c.sendToken {
		if err := c.deps.Limiter.Wait(waitCtx); err != nil {
			if c.stopped(ctx) {
				return false, nil
			}
			return false, err
		}
		c.sendToken = true
	}

	outcome, err := c.dispatch(ctx, profile, rc.MessageTemplate)
	if err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	// Profiles rejected before the composer opened leave the token for the
	// next profile, so the hourly limit counts message attempts.
	if outcome.Composed() {
		c.sendToken = false
	}

	c.record(profile, outcome)

	if err := pacing.Sleep(waitCtx, rc.SendDelay); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *Controller) unvisited(candidates []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if !c.visited.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// idle pauses before searching again when an iteration produced no work.
func (c *Controller) idle(waitCtx context.Context) error {
	_ = pacing.Sleep(waitCtx, c.config.Retry.IterationRetryDelay)
	return nil
}

func (c *Controller) isVisited(profile string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visited.Has(profile)
}

// dispatch messages one profile in a transient tab so the search results
// stay loaded in the primary page.
func (c *Controller) dispatch(ctx context.Context, profile, message string) (messaging.Outcome, error) {
	var outcome messaging.Outcome
	err := c.deps.Session.InTab(ctx, func(ctx context.Context) error {
		outcome = c.deps.Dispatcher.Dispatch(ctx, profile, message)
		if outcome.Kind == messaging.UnknownError && ctx.Err() == nil {
			if _, err := c.deps.Session.CaptureDiagnostics("dispatch " + profile); err != nil {
				c.log.Warn("Failed to capture diagnostics for %s: %v", profile, err)
			}
		}
		return nil
	})
	if err != nil {
		return outcome, fmt.Errorf("failed to open profile %s: %w", profile, err)
	}
	return outcome, nil
}

// record updates statistics and the visited set. Non-transient outcomes
// finish a profile at once; transient ones get TransientRetries more tries.
func (c *Controller) record(profile string, outcome messaging.Outcome) {
	c.mu.Lock()
	c.stats.count(outcome.Kind)
	c.attempts[profile]++
	attempts := c.attempts[profile]
	finished := !outcome.Kind.Transient() || attempts > c.config.Retry.TransientRetries
	if finished {
		c.visited.Add(profile)
	}
	sent := c.stats.SuccessCount
	runID := c.runID
	c.mu.Unlock()

	switch {
	case outcome.Kind == messaging.Success:
		c.emit(LevelSuccess, "Message sent to %s", profile)
		if c.deps.Limiter != nil {
			c.deps.Limiter.Record()
		}
		c.deps.Observer.OnSentCount(sent)
	case outcome.Kind.Transient() && !finished:
		c.emit(LevelWarning, "Failed %s (%s), will retry (%d/%d)", profile, outcome, attempts, c.config.Retry.TransientRetries+1)
	case outcome.Kind.Transient():
		c.emit(LevelError, "Giving up on %s: %s", profile, outcome)
	default:
		c.emit(LevelWarning, "Skipped %s: %s", profile, outcome)
	}

	if c.deps.History == nil {
		return
	}

	rec := storage.DispatchRecord{
		ID:      uuid.NewString(),
		RunID:   runID,
		Profile: profile,
		Outcome: outcome.Kind.String(),
		Detail:  outcome.Detail,
		At:      time.Now(),
	}
	if err := c.deps.History.AddRecord(rec); err != nil {
		c.log.Warn("Failed to save history record: %v", err)
	}
	c.updateDailyStats(func(s *storage.DailyStats) {
		s.Attempts++
		if outcome.Kind == messaging.Success {
			s.MessagesSent++
		} else {
			s.Failures++
		}
	})
}

func (c *Controller) updateDailyStats(update func(*storage.DailyStats)) {
	if c.deps.History == nil {
		return
	}
	if err := c.deps.History.UpdateTodayStats(update); err != nil {
		c.log.Warn("Failed to update daily stats: %v", err)
	}
}
