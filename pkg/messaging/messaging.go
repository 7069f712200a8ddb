package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/discovery"
	"github.com/x-dm-automation/pkg/logger"
	"github.com/x-dm-automation/pkg/pacing"
)

const (
	profileReadySelector = "[data-testid='UserName'], [data-testid='emptyState']"
	composeSelector      = "button[data-testid='sendDMFromProfile']"
	composerSelector     = "div[data-testid='dmComposerTextInput'], div[role='textbox']"
	sendEnabledSelector  = "button[data-testid='dmComposerSendButton']:not([aria-disabled='true']):not([disabled])"
)

// classifyTextSelector scopes classification text to the profile header,
// the empty-state panel and interstitial dialogs. The timeline is left out so
// a post quoting a gate message cannot change the outcome.
const classifyTextSelector = "[data-testid='UserName'], [data-testid='emptyState'], [data-testid='sheetDialog'], div[role='dialog']"

const snapshotScript = `() => {
	const sections = Array.from(document.querySelectorAll("` + classifyTextSelector + `"));
	const gated = location.pathname.startsWith("/account/access");
	const btn = document.querySelector("button[data-testid='sendDMFromProfile']");
	return {
		text: gated ? document.body.innerText : sections.map(el => el.innerText || "").join("\n"),
		protected: !!document.querySelector("[data-testid='UserName'] [data-testid='icon-lock'], [data-testid='UserName'] svg[aria-label='Protected account']"),
		compose: {
			present: !!btn,
			disabled: !!btn && (btn.disabled || btn.getAttribute('aria-disabled') === 'true'),
		},
	};
}`

const alertScript = `() => Array.from(document.querySelectorAll("[role='alert'], [data-testid='toast']"))
	.map(el => el.innerText || "")
	.filter(t => t.trim() !== "")`

// Page is what the dispatcher needs from the browser session.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) bool
	Evaluate(ctx context.Context, script string, dst interface{}, args ...interface{}) error
	Click(ctx context.Context, selector string) error
	InsertText(ctx context.Context, selector, text string) error
	Exists(selector string) bool
}

type State int

const (
	StateStart State = iota
	StateNavigate
	StateClassifyAccount
	StateReady
	StateClickCompose
	StateComposerOpen
	StateInjectMessage
	StateMessageTyped
	StateClickSend
	StateSendTriggered
	StateVerifySendOutcome
	StateDone
)

var stateNames = [...]string{
	"start", "navigate", "classify_account", "ready", "click_compose", "composer_open",
	"inject_message", "message_typed", "click_send", "send_triggered", "verify_send_outcome", "done",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type Dispatcher struct {
	page   Page
	config *config.RetryConfig
	log    *logger.Logger

	ElementTimeout time.Duration
}

func New(cfg *config.RetryConfig, page Page) *Dispatcher {
	return &Dispatcher{
		page:           page,
		config:         cfg,
		log:            logger.WithComponent("messaging"),
		ElementTimeout: 10 * time.Second,
	}
}

// dispatch carries one profile through the state machine.
type dispatch struct {
	profileURL string
	message    string
	outcome    Outcome
}

// Dispatch messages one profile and reports how it ended. It never returns
// an error: every failure is a classified Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, profileURL, template string) Outcome {
	run := &dispatch{
		profileURL: profileURL,
		message:    Personalize(template, profileURL),
	}

	d.log.Info("Dispatching to %s", profileURL)

	state := StateStart
	for state != StateDone {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: UnknownError, Detail: err.Error(), State: state}
		}

		next := d.step(ctx, state, run)
		d.log.Debug("%s: %s -> %s", profileURL, state, next)
		if next == StateDone {
			run.outcome.State = state
		}
		state = next
	}

	return run.outcome
}

func (d *Dispatcher) fail(run *dispatch, kind OutcomeKind, format string, args ...interface{}) State {
	run.outcome = Outcome{Kind: kind, Detail: fmt.Sprintf(format, args...)}
	return StateDone
}

func (d *Dispatcher) step(ctx context.Context, state State, run *dispatch) State {
	switch state {
	case StateStart:
		return StateNavigate

	case StateNavigate:
		if err := d.page.Navigate(ctx, run.profileURL); err != nil {
			return d.fail(run, UnknownError, "navigation failed: %v", err)
		}
		if !d.page.WaitForSelector(ctx, profileReadySelector, d.ElementTimeout) {
			d.log.Debug("Profile column not visible for %s", run.profileURL)
		}
		if err := pacing.Sleep(ctx, d.config.SettleDelay); err != nil {
			return d.fail(run, UnknownError, "%v", err)
		}
		return StateClassifyAccount

	case StateClassifyAccount:
		var snap Snapshot
		if err := d.page.Evaluate(ctx, snapshotScript, &snap); err != nil {
			return d.fail(run, UnknownError, "failed to inspect profile: %v", err)
		}
		outcome, ready := Classify(snap)
		if !ready {
			run.outcome = outcome
			return StateDone
		}
		return StateReady

	case StateReady:
		return StateClickCompose

	case StateClickCompose:
		if err := d.page.Click(ctx, composeSelector); err != nil {
			return d.fail(run, InputFailure, "failed to open composer: %v", err)
		}
		if !d.page.WaitForSelector(ctx, composerSelector, d.ElementTimeout) {
			return d.fail(run, InputFailure, "message input not found")
		}
		return StateComposerOpen

	case StateComposerOpen:
		return StateInjectMessage

	case StateInjectMessage:
		if strings.TrimSpace(run.message) == "" {
			return d.fail(run, InputFailure, "message is empty")
		}
		if err := d.page.InsertText(ctx, composerSelector, run.message); err != nil {
			return d.fail(run, InputFailure, "failed to type message: %v", err)
		}
		return StateMessageTyped

	case StateMessageTyped:
		return StateClickSend

	case StateClickSend:
		if !d.waitForSendButton(ctx) {
			if ctx.Err() != nil {
				return d.fail(run, UnknownError, "%v", ctx.Err())
			}
			return d.fail(run, SendFailure, "send button not enabled")
		}
		if err := d.page.Click(ctx, sendEnabledSelector); err != nil {
			return d.fail(run, SendFailure, "failed to click send: %v", err)
		}
		return StateSendTriggered

	case StateSendTriggered:
		if err := pacing.Sleep(ctx, d.config.SettleDelay); err != nil {
			return d.fail(run, UnknownError, "%v", err)
		}
		return StateVerifySendOutcome

	case StateVerifySendOutcome:
		var alerts []string
		if err := d.page.Evaluate(ctx, alertScript, &alerts); err != nil {
			d.log.Debug("Alert check failed for %s: %v", run.profileURL, err)
		}
		if msg := sendFailure(alerts); msg != "" {
			return d.fail(run, SendFailure, "%s", msg)
		}
		run.outcome = Outcome{Kind: Success}
		return StateDone
	}

	return d.fail(run, UnknownError, "unexpected state %s", state)
}

// waitForSendButton polls until the send button is enabled. The composer
// validates asynchronously, so a single check is not enough.
func (d *Dispatcher) waitForSendButton(ctx context.Context) bool {
	attempts := d.config.SendButtonAttempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		if d.page.Exists(sendEnabledSelector) {
			return true
		}
		if i < attempts-1 {
			d.log.Debug("Send button not ready (attempt %d/%d)", i+1, attempts)
			if err := pacing.Sleep(ctx, d.config.SendButtonInterval); err != nil {
				return false
			}
		}
	}

	return false
}

// Personalize fills the {{handle}} placeholder with the profile's handle.
func Personalize(template, profileURL string) string {
	handle := discovery.HandleFromURL(profileURL)
	return strings.ReplaceAll(template, "{{handle}}", handle)
}
