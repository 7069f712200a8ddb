package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/logger"
	"github.com/x-dm-automation/pkg/pacing"
	"github.com/x-dm-automation/pkg/storage"
)

var (
	ErrNotLaunched     = errors.New("browser not launched")
	ErrAlreadyLaunched = errors.New("browser already launched")
	ErrElementNotFound = errors.New("element not found")
)

// Browser owns one Chrome process and one primary page. A secondary tab may
// be opened with InTab for the duration of a single callback; while it is
// open every primitive operates on it.
type Browser struct {
	config  *config.BrowserConfig
	cookies *storage.CookieStore
	dataDir string
	log     *logger.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	rod      *rod.Browser
	page     *rod.Page
	active   *rod.Page
}

type Options struct {
	Config  *config.Config
	Cookies *storage.CookieStore
}

func New(opts Options) *Browser {
	return &Browser{
		config:  &opts.Config.Browser,
		cookies: opts.Cookies,
		dataDir: opts.Config.Storage.DataDir,
		log:     logger.WithComponent("browser"),
	}
}

func (b *Browser) Launch(ctx context.Context, opts LaunchOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rod != nil {
		return ErrAlreadyLaunched
	}

	b.log.Info("Launching browser (headless=%v)...", opts.Headless)

	l := launcher.New().Context(ctx).Headless(opts.Headless)
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	} else if b.config.Bin != "" {
		l = l.Bin(b.config.Bin)
	}

	overrides := append(append([]string{}, b.config.ExtraArgs...), opts.Args...)
	for _, arg := range mergeArgs(baselineArgs(b.config), overrides) {
		l = l.Set(flags.Flag(arg.Name), arg.Values...)
	}

	url, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("failed to create page: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  b.config.ViewportWidth,
		Height: b.config.ViewportHeight,
	}); err != nil {
		b.log.Warn("Failed to set viewport: %v", err)
	}

	b.launcher = l
	b.rod = browser
	b.page = page
	b.active = page

	b.log.Info("Browser launched")
	return nil
}

func (b *Browser) current() (*rod.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil, ErrNotLaunched
	}
	return b.active, nil
}

// RestoreCookies injects persisted cookies into the browser before the first
// navigation. An empty list is not an error.
func (b *Browser) RestoreCookies(cookies []storage.Cookie) error {
	page, err := b.current()
	if err != nil {
		return err
	}

	params := toCookieParams(cookies)
	if len(params) == 0 {
		b.log.Info("No stored cookies to restore")
		return nil
	}

	if err := page.SetCookies(params); err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}

	b.log.Info("Restored %d cookies", len(params))
	return nil
}

func (b *Browser) Cookies() ([]storage.Cookie, error) {
	page, err := b.current()
	if err != nil {
		return nil, err
	}

	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get cookies: %w", err)
	}
	return fromNetworkCookies(cookies), nil
}

// Navigate loads url. A load that does not settle within the navigation
// timeout is logged and treated as loaded.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	page, err := b.current()
	if err != nil {
		return err
	}

	b.log.Debug("Navigating to %s", url)

	p := page.Context(ctx).Timeout(b.config.NavigationTimeout)
	defer p.CancelTimeout()

	if err := p.Navigate(url); err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			b.log.Warn("Navigation to %s timed out, continuing", url)
			return nil
		}
		b.captureAfterError(page, "navigate")
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	if err := p.WaitLoad(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn("Page load for %s did not complete: %v", url, err)
	}

	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Evaluate runs script in the page and decodes its JSON result into dst,
// which may be nil. Bare expressions are accepted as well as functions.
func (b *Browser) Evaluate(ctx context.Context, script string, dst interface{}, args ...interface{}) error {
	page, err := b.current()
	if err != nil {
		return err
	}

	res, err := page.Context(ctx).Evaluate(rod.Eval(wrapScript(script), args...).ByPromise())
	if err != nil {
		return fmt.Errorf("failed to evaluate script: %w", err)
	}

	if dst == nil || res == nil {
		return nil
	}

	if err := res.Value.Unmarshal(dst); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

func (b *Browser) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) bool {
	_, err := b.element(ctx, selector, timeout)
	return err == nil
}

func (b *Browser) element(ctx context.Context, selector string, timeout time.Duration) (*rod.Element, error) {
	page, err := b.current()
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = b.config.ElementTimeout
	}

	el, err := page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		b.log.Debug("Element %s not found: %v", selector, err)
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return el.CancelTimeout().Context(ctx), nil
}

func (b *Browser) Exists(selector string) bool {
	page, err := b.current()
	if err != nil {
		return false
	}
	has, _, err := page.Has(selector)
	return err == nil && has
}

func (b *Browser) Click(ctx context.Context, selector string) error {
	el, err := b.element(ctx, selector, 0)
	if err != nil {
		return err
	}

	if err := el.ScrollIntoView(); err != nil {
		b.log.Debug("Scroll into view failed for %s: %v", selector, err)
	}

	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}

	b.log.Debug("Clicked element: %s", selector)
	return nil
}

// Type sends key events for text into a plain input element.
func (b *Browser) Type(ctx context.Context, selector, text string) error {
	el, err := b.element(ctx, selector, 0)
	if err != nil {
		return err
	}

	if err := el.Input(text); err != nil {
		return fmt.Errorf("failed to type into %s: %w", selector, err)
	}
	return nil
}

// InsertText focuses a contenteditable element, inserts text through the
// DevTools input domain and dispatches an input event so the host page's
// editor state sees the change.
func (b *Browser) InsertText(ctx context.Context, selector, text string) error {
	el, err := b.element(ctx, selector, 0)
	if err != nil {
		return err
	}

	if err := el.Focus(); err != nil {
		return fmt.Errorf("failed to focus %s: %w", selector, err)
	}

	page, err := b.current()
	if err != nil {
		return err
	}

	if err := page.Context(ctx).InsertText(text); err != nil {
		return fmt.Errorf("failed to insert text into %s: %w", selector, err)
	}

	if _, err := el.Evaluate(rod.Eval(`function() {
		this.dispatchEvent(new InputEvent('input', { bubbles: true, inputType: 'insertText' }));
	}`)); err != nil {
		b.log.Debug("Failed to dispatch input event on %s: %v", selector, err)
	}

	return nil
}

func (b *Browser) WaitForTimeout(ctx context.Context, d time.Duration) error {
	return pacing.Sleep(ctx, d)
}

func (b *Browser) Scroll(ctx context.Context) error {
	return b.Evaluate(ctx, `window.scrollTo(0, document.body.scrollHeight)`, nil)
}

// Text returns the visible text of the page body.
func (b *Browser) Text(ctx context.Context) (string, error) {
	var text string
	if err := b.Evaluate(ctx, `document.body ? document.body.innerText : ""`, &text); err != nil {
		return "", err
	}
	return text, nil
}

func (b *Browser) ElementAttribute(ctx context.Context, selector, attr string) (string, error) {
	el, err := b.element(ctx, selector, 0)
	if err != nil {
		return "", err
	}

	value, err := el.Attribute(attr)
	if err != nil {
		return "", fmt.Errorf("failed to read %s of %s: %w", attr, selector, err)
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}

func (b *Browser) CurrentURL() string {
	page, err := b.current()
	if err != nil {
		return ""
	}
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// InTab opens a secondary tab, runs fn with it active and closes it again.
func (b *Browser) InTab(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.rod == nil {
		b.mu.Unlock()
		return ErrNotLaunched
	}
	if b.active != b.page {
		b.mu.Unlock()
		return errors.New("a secondary tab is already open")
	}

	tab, err := b.rod.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("failed to open tab: %w", err)
	}
	b.active = tab
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active = b.page
		b.mu.Unlock()
		if err := tab.Close(); err != nil {
			b.log.Debug("Failed to close tab: %v", err)
		}
	}()

	return fn(ctx)
}

// CaptureDiagnostics writes a screenshot and the page markup of the active
// page to the user-data directory.
func (b *Browser) CaptureDiagnostics(reason string) (string, error) {
	page, err := b.current()
	if err != nil {
		return "", err
	}
	return b.capture(page, reason)
}

func (b *Browser) captureAfterError(page *rod.Page, reason string) {
	if _, err := b.capture(page, reason); err != nil {
		b.log.Warn("Failed to capture diagnostics: %v", err)
	}
}

func (b *Browser) capture(page *rod.Page, reason string) (string, error) {
	if err := os.MkdirAll(b.dataDir, 0700); err != nil {
		return "", err
	}

	base := filepath.Join(b.dataDir, "error_"+strconv.FormatInt(time.Now().UnixMilli(), 10))
	p := page.Timeout(10 * time.Second)
	defer p.CancelTimeout()

	if data, err := p.Screenshot(true, nil); err == nil {
		if err := os.WriteFile(base+".png", data, 0644); err != nil {
			b.log.Warn("Failed to write screenshot: %v", err)
		}
	} else {
		b.log.Warn("Screenshot failed: %v", err)
	}

	html, err := p.HTML()
	if err != nil {
		return base, fmt.Errorf("failed to read page markup: %w", err)
	}
	if err := os.WriteFile(base+".html", []byte(html), 0644); err != nil {
		return base, fmt.Errorf("failed to write page markup: %w", err)
	}

	b.log.Info("Captured diagnostics for %s at %s.{png,html}", reason, base)
	return base, nil
}

// Close saves cookies, closes the page and the browser. Calling it when
// nothing is open is a no-op.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rod == nil {
		return nil
	}

	if b.page != nil && b.cookies != nil {
		if cookies, err := b.page.Cookies(nil); err != nil {
			b.log.Warn("Failed to read cookies on close: %v", err)
		} else if err := b.cookies.Save(fromNetworkCookies(cookies)); err != nil {
			b.log.Warn("Failed to save cookies: %v", err)
		} else {
			b.log.Info("Saved %d cookies", len(cookies))
		}
	}

	var closeErr error
	if b.page != nil {
		if err := b.page.Close(); err != nil {
			b.log.Debug("Failed to close page: %v", err)
		}
	}
	if err := b.rod.Close(); err != nil {
		closeErr = fmt.Errorf("failed to close browser: %w", err)
	}
	if b.launcher != nil {
		b.launcher.Cleanup()
	}

	b.rod = nil
	b.page = nil
	b.active = nil
	b.launcher = nil

	b.log.Info("Browser closed")
	return closeErr
}
