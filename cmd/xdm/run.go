package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/x-dm-automation/pkg/browser"
	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/discovery"
	"github.com/x-dm-automation/pkg/messaging"
	"github.com/x-dm-automation/pkg/pacing"
	"github.com/x-dm-automation/pkg/runner"
	"github.com/x-dm-automation/pkg/storage"
)

var (
	runQuery    string
	runMessage  string
	runDelay    time.Duration
	runHeadless bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Search and message accounts until interrupted",
	Long: `Runs the search/message loop until Ctrl+C.

Send SIGHUP to re-read the run section of the config file; the new query and
message apply from the next profile. Command-line overrides keep precedence.

The message may contain {{handle}}, which is replaced with the recipient's handle.

Example:
  xdm run --query "golang meetup" --message "Hi {{handle}}, ..." --delay 10s`,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().StringVarP(&runQuery, "query", "q", "", "search query (overrides config)")
	runCmd.Flags().StringVarP(&runMessage, "message", "m", "", "message template (overrides config)")
	runCmd.Flags().DurationVar(&runDelay, "delay", 0, "delay between messages (overrides config)")
	runCmd.Flags().BoolVar(&runHeadless, "headless", true, "run the browser without a window")
}

// runConfigFrom applies the command-line overrides to base.
func runConfigFrom(base config.RunConfig) config.RunConfig {
	rc := base
	if runQuery != "" {
		rc.SearchQuery = runQuery
	}
	if runMessage != "" {
		rc.MessageTemplate = runMessage
	}
	if runDelay > 0 {
		rc.SendDelay = runDelay
	}
	return rc
}

func newFinder(page discovery.Page) *discovery.Finder {
	finder := discovery.New(page)
	finder.ContentTimeout = cfg.Browser.ElementTimeout
	finder.SettleDelay = cfg.Retry.SettleDelay
	finder.ScrollDelay = cfg.Retry.SettleDelay
	return finder
}

func newDispatcher(page messaging.Page) *messaging.Dispatcher {
	dispatcher := messaging.New(&cfg.Retry, page)
	dispatcher.ElementTimeout = cfg.Browser.ElementTimeout
	return dispatcher
}

type runUpdater interface {
	UpdateConfig(rc config.RunConfig) error
}

// reloadRunConfig re-reads the config file and hands its run section to the
// controller. Command-line overrides still apply.
func reloadRunConfig(controller runUpdater) error {
	reloaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	rc := runConfigFrom(reloaded.Run)
	if err := controller.UpdateConfig(rc); err != nil {
		return fmt.Errorf("failed to apply reloaded config: %w", err)
	}

	mainLog.Info("Reloaded run configuration (query %q)", rc.SearchQuery)
	return nil
}

func runLoop(cmd *cobra.Command, args []string) error {
	rc := runConfigFrom(cfg.Run)
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = runHeadless
	}
	if err := rc.Validate(); err != nil {
		return err
	}

	store, err := storage.New(&cfg.Storage)
	if err != nil {
		return err
	}
	cookies := store.Cookies()

	br := browser.New(browser.Options{Config: cfg, Cookies: cookies})

	controller := runner.New(cfg, runner.Deps{
		Session:    br,
		Cookies:    cookies,
		Discovery:  newFinder(br),
		Dispatcher: newDispatcher(br),
		History:    store,
		Limiter:    pacing.NewSendLimiter(&cfg.RateLimits),
		Schedule:   pacing.NewWorkingHours(&cfg.Schedule),
		Observer:   runner.NewConsoleObserver(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	defer signal.Stop(hupChan)

	go func() {
		interrupted := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupChan:
				if err := reloadRunConfig(controller); err != nil {
					mainLog.Warn("Config reload failed: %v", err)
				}
			case <-sigChan:
				if interrupted {
					mainLog.Warn("Second signal, aborting")
					cancel()
					return
				}
				interrupted = true
				mainLog.Info("Received shutdown signal, finishing current step...")
				_ = controller.Stop()
			}
		}
	}()

	if len(cookies.Load()) == 0 {
		mainLog.Warn("No stored session in %s, run \"xdm login\" first", cookies.Path())
	}

	err = controller.Start(ctx, rc)

	stats := controller.Stats()
	mainLog.Info("Attempts: %d, sent: %d, verification: %d, protected: %d, blocked: %d, no button: %d, failed: %d",
		stats.TotalAttempts, stats.SuccessCount, stats.VerificationRequired, stats.Protected,
		stats.Blocked, stats.NoButton, stats.InputFailures+stats.SendFailures+stats.Errors)

	return err
}
