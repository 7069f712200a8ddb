package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/x-dm-automation/pkg/browser"
	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/messaging"
	"github.com/x-dm-automation/pkg/pacing"
	"github.com/x-dm-automation/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSession struct {
	mu        sync.Mutex
	launchErr error
	launched  int
	closed    int
	restored  []storage.Cookie
	tabs      int
	captures  []string
}

func (s *fakeSession) Launch(context.Context, browser.LaunchOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launched++
	return s.launchErr
}

func (s *fakeSession) RestoreCookies(cookies []storage.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored = cookies
	return nil
}

func (s *fakeSession) InTab(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	s.tabs++
	s.mu.Unlock()
	return fn(ctx)
}

func (s *fakeSession) CaptureDiagnostics(reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, reason)
	return "error_0", nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeCookies []storage.Cookie

func (c fakeCookies) Load() []storage.Cookie { return c }

type fakeDiscovery struct {
	mu         sync.Mutex
	candidates []string
	// pages are appended to candidates one at a time: each scroll loads the next
	// page and a new search starts over at the first.
	pages      [][]string
	loaded     int
	searchErr  error
	queries    []string
	finds      int
	scrolls    int
	// onFind runs after every FindCandidates call with the call count.
	onFind func(n int)
}

func (d *fakeDiscovery) OpenSearch(_ context.Context, query string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, query)
	d.loaded = 0
	return d.searchErr
}

func (d *fakeDiscovery) FindCandidates(context.Context) ([]string, error) {
	d.mu.Lock()
	d.finds++
	n := d.finds
	out := append([]string(nil), d.candidates...)
	for i := 0; i < len(d.pages) && i <= d.loaded; i++ {
		out = append(out, d.pages[i]...)
	}
	hook := d.onFind
	d.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return out, nil
}

func (d *fakeDiscovery) ScrollForMore(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scrolls++
	d.loaded++
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	outcomes map[string]messaging.OutcomeKind
	calls    map[string]int
	messages []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, profileURL, message string) messaging.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[profileURL]++
	d.messages = append(d.messages, message)
	return messaging.Outcome{Kind: d.outcomes[profileURL], Detail: "test"}
}

func (d *fakeDispatcher) count(profile string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[profile]
}

type recordingObserver struct {
	mu     sync.Mutex
	events []LogEvent
	sent   []int
}

func (o *recordingObserver) OnLog(ev LogEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) OnSentCount(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, n)
}

func (o *recordingObserver) has(level LogLevel, substr string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range o.events {
		if ev.Level == level && strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

type fixture struct {
	cfg        *config.Config
	session    *fakeSession
	discovery  *fakeDiscovery
	dispatcher *fakeDispatcher
	observer   *recordingObserver
	controller *Controller
}

func newFixture(t *testing.T, candidates ...string) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Retry.IterationRetryDelay = time.Millisecond
	cfg.Retry.MaxIterationDelay = 5 * time.Millisecond

	f := &fixture{
		cfg:        cfg,
		session:    &fakeSession{},
		discovery:  &fakeDiscovery{candidates: candidates},
		dispatcher: &fakeDispatcher{outcomes: map[string]messaging.OutcomeKind{}},
		observer:   &recordingObserver{},
	}
	f.controller = New(cfg, Deps{
		Session:    f.session,
		Cookies:    fakeCookies{{Name: "auth_token", Value: "x"}},
		Discovery:  f.discovery,
		Dispatcher: f.dispatcher,
		Observer:   f.observer,
	})
	return f
}

func (f *fixture) stopAfterFinds(n int) {
	f.discovery.onFind = func(calls int) {
		if calls >= n {
			_ = f.controller.Stop()
		}
	}
}

func runConfig() config.RunConfig {
	return config.RunConfig{SearchQuery: "test", MessageTemplate: "hi {{handle}}"}
}

func TestVisitedProfilesAreNotRevisited(t *testing.T) {
	f := newFixture(t, "https://x.com/alice", "https://x.com/bob")
	f.stopAfterFinds(4)

	require.NoError(t, f.controller.Start(context.Background(), runConfig()))

	assert.Equal(t, 1, f.dispatcher.count("https://x.com/alice"))
	assert.Equal(t, 1, f.dispatcher.count("https://x.com/bob"))

	stats := f.controller.Stats()
	assert.Equal(t, 2, stats.TotalAttempts)
	assert.Equal(t, 2, stats.SuccessCount)
	assert.Equal(t, []string{"https://x.com/alice", "https://x.com/bob"}, f.controller.Visited())
	assert.Equal(t, []int{1, 2}, f.observer.sent)
	assert.Equal(t, 2, f.session.tabs)
	assert.Equal(t, StateStopped, f.controller.State())
	assert.Equal(t, 1, f.session.closed)
	assert.Len(t, f.session.restored, 1)
}

func TestScrollsPastVisitedResults(t *testing.T) {
	f := newFixture(t)
	f.discovery.pages = [][]string{
		{"https://x.com/alice"},
		{"https://x.com/bob"},
		{"https://x.com/carol"},
	}
	// alice, bob and carol each take one extraction plus one to find the
	// page exhausted; the last batch scrolls ScrollAttempts times.
	f.stopAfterFinds(6 + f.cfg.Retry.ScrollAttempts)

	require.NoError(t, f.controller.Start(context.Background(), runConfig()))

	for _, p := range []string{"https://x.com/alice", "https://x.com/bob", "https://x.com/carol"} {
		assert.Equal(t, 1, f.dispatcher.count(p), p)
	}
	assert.Equal(t, 3, f.controller.Stats().SuccessCount)
	assert.Equal(t, []string{"test"}, f.discovery.queries, "results are paged without reopening the search")
	assert.Equal(t, 2+f.cfg.Retry.ScrollAttempts, f.discovery.scrolls)
	assert.True(t, f.observer.has(LevelInfo, "Reached the end of results"))
}

func TestNoUsersFound(t *testing.T) {
	f := newFixture(t)
	f.stopAfterFinds(1 + f.cfg.Retry.ScrollAttempts)

	require.NoError(t, f.controller.Start(context.Background(), runConfig()))

	assert.Equal(t, 3, f.discovery.scrolls)
	assert.True(t, f.observer.has(LevelWarning, "No users found"))
	assert.Zero(t, f.controller.Stats().SuccessCount)
	assert.Zero(t, f.controller.Stats().TotalAttempts)
}

func TestTransientFailuresAreRetriedThenVisited(t *testing.T) {
	f := newFixture(t, "https://x.com/alice")
	f.dispatcher.outcomes["https://x.com/alice"] = messaging.SendFailure
	f.stopAfterFinds(6)

	require.NoError(t, f.controller.Start(context.Background(), runConfig()))

	want := f.cfg.Retry.TransientRetries + 1
	assert.Equal(t, want, f.dispatcher.count("https://x.com/alice"))

	stats := f.controller.Stats()
	assert.Equal(t, want, stats.SendFailures)
	assert.Zero(t, stats.SuccessCount)
	assert.Contains(t, f.controller.Visited(), "https://x.com/alice")
	assert.True(t, f.observer.has(LevelError, "Giving up on https://x.com/alice"))
}

func TestTerminalOutcomesVisitOnce(t *testing.T) {
	f := newFixture(t, "https://x.com/locked", "https://x.com/gated", "https://x.com/ok")
	f.dispatcher.outcomes["https://x.com/locked"] = messaging.Protected
	f.dispatcher.outcomes["https://x.com/gated"] = messaging.VerificationRequired
	f.stopAfterFinds(3)

	require.NoError(t, f.controller.Start(context.Background(), runConfig()))

	for _, p := range []string{"https://x.com/locked", "https://x.com/gated", "https://x.com/ok"} {
		assert.Equal(t, 1, f.dispatcher.count(p), p)
	}

	stats := f.controller.Stats()
	assert.Equal(t, 1, stats.Protected)
	assert.Equal(t, 1, stats.VerificationRequired)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.GreaterOrEqual(t, stats.TotalAttempts, stats.SuccessCount+stats.Failures())
}

func TestMessageTemplatePassedToDispatcher(t *testing.T) {
	f := newFixture(t, "https://x.com/alice")
	f.stopAfterFinds(2)

	require.NoError(t, f.controller.Start(context.Background(), runConfig()))
	assert.Equal(t, []string{"hi {{handle}}"}, f.dispatcher.messages)
}

func TestLaunchFailureIsFatal(t *testing.T) {
	f := newFixture(t, "https://x.com/alice")
	f.session.launchErr = errors.New("chrome not found")

	err := f.controller.Start(context.Background(), runConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")
	assert.Equal(t, 1, f.session.closed, "session is released before the error is returned")
	assert.Zero(t, f.dispatcher.count("https://x.com/alice"))
	assert.Equal(t, StateStopped, f.controller.State())
}

func TestConsecutiveFailuresAbort(t *testing.T) {
	f := newFixture(t)
	f.discovery.searchErr = errors.New("page crashed")
	f.cfg.Retry.MaxConsecutiveFailures = 3

	err := f.controller.Start(context.Background(), runConfig())
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.Equal(t, 3, f.controller.Stats().Errors)
	assert.Len(t, f.discovery.queries, 3)
}

func TestUpdateConfigAppliesNextIteration(t *testing.T) {
	f := newFixture(t, "https://x.com/alice")
	f.discovery.onFind = func(n int) {
		switch n {
		case 1:
			require.NoError(t, f.controller.UpdateConfig(config.RunConfig{SearchQuery: "golang", MessageTemplate: "new"}))
		case 2:
			_ = f.controller.Stop()
		}
	}

	require.NoError(t, f.controller.Start(context.Background(), runConfig()))

	assert.Equal(t, []string{"test", "golang"}, f.discovery.queries)
	assert.Equal(t, []string{"new"}, f.dispatcher.messages, "update applies at the next profile boundary")

	assert.Error(t, f.controller.UpdateConfig(config.RunConfig{}))
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.controller.Start(context.Background(), config.RunConfig{SearchQuery: "q"}))
	assert.Equal(t, StateNotStarted, f.controller.State())
	assert.Zero(t, f.session.launched)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, "https://x.com/alice")
	require.NoError(t, f.controller.Stop(), "stop before start is a no-op")

	errc := make(chan error, 1)
	go func() {
		rc := runConfig()
		rc.SendDelay = time.Hour
		errc <- f.controller.Start(context.Background(), rc)
	}()

	require.Eventually(t, func() bool {
		return f.dispatcher.count("https://x.com/alice") == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.controller.Start(context.Background(), runConfig()), ErrAlreadyRunning)

	require.NoError(t, f.controller.Stop())
	require.NoError(t, f.controller.Stop())

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop during send delay")
	}
	<-f.controller.Done()

	require.NoError(t, f.controller.Stop())
	assert.Equal(t, 1, f.session.closed)
}

func TestContextCancelStopsRun(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.discovery.onFind = func(int) { cancel() }

	assert.NoError(t, f.controller.Start(ctx, runConfig()))
	assert.Equal(t, StateStopped, f.controller.State())
}

func TestHistoryAndLimiter(t *testing.T) {
	f := newFixture(t, "https://x.com/alice", "https://x.com/bob")
	f.dispatcher.outcomes["https://x.com/bob"] = messaging.Blocked

	store, err := storage.New(&f.cfg.Storage)
	require.NoError(t, err)
	limiter := pacing.NewSendLimiter(&f.cfg.RateLimits)

	f.controller = New(f.cfg, Deps{
		Session:    f.session,
		Discovery:  f.discovery,
		Dispatcher: f.dispatcher,
		Observer:   f.observer,
		History:    store,
		Limiter:    limiter,
	})
	f.stopAfterFinds(2)

	require.NoError(t, f.controller.Start(context.Background(), runConfig()))

	records, err := store.RecordsForRun(f.controller.RunID())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "success", records[0].Outcome)
	assert.Equal(t, "blocked", records[1].Outcome)
	assert.NotEmpty(t, records[0].ID)

	stats, err := store.GetTodayStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Attempts)
	assert.Equal(t, 1, stats.MessagesSent)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, stats.Searches)

	assert.Equal(t, f.cfg.RateLimits.DailyMessageLimit-1, limiter.Remaining())
}

func TestLimiterCountsOnlyComposedMessages(t *testing.T) {
	f := newFixture(t, "https://x.com/locked", "https://x.com/nobutton", "https://x.com/alice")
	f.dispatcher.outcomes["https://x.com/locked"] = messaging.Protected
	f.dispatcher.outcomes["https://x.com/nobutton"] = messaging.NoButton
	f.cfg.RateLimits.HourlyMessageLimit = 1

	f.controller = New(f.cfg, Deps{
		Session:    f.session,
		Discovery:  f.discovery,
		Dispatcher: f.dispatcher,
		Observer:   f.observer,
		Limiter:    pacing.NewSendLimiter(&f.cfg.RateLimits),
	})
	f.stopAfterFinds(2)

	errc := make(chan error, 1)
	go func() { errc <- f.controller.Start(context.Background(), runConfig()) }()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		_ = f.controller.Stop()
		<-errc
		t.Fatal("skipped profiles used up the hourly limit")
	}

	for _, p := range []string{"https://x.com/locked", "https://x.com/nobutton", "https://x.com/alice"} {
		assert.Equal(t, 1, f.dispatcher.count(p), p)
	}
}

func TestUnknownErrorCapturesDiagnostics(t *testing.T) {
	f := newFixture(t, "https://x.com/alice", "https://x.com/bob")
	f.dispatcher.outcomes["https://x.com/alice"] = messaging.UnknownError
	f.dispatcher.outcomes["https://x.com/bob"] = messaging.Blocked
	f.stopAfterFinds(2)

	require.NoError(t, f.controller.Start(context.Background(), runConfig()))

	assert.Equal(t, []string{"dispatch https://x.com/alice"}, f.session.captures)
}

func TestVisitedSet(t *testing.T) {
	v := NewVisitedSet()
	v.Add("a")
	v.Add("b")
	v.Add("a")

	assert.True(t, v.Has("a"))
	assert.False(t, v.Has("c"))
	assert.Equal(t, 2, v.Len())
	assert.Equal(t, []string{"a", "b"}, v.List())
}
