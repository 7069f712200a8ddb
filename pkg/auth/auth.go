package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/x-dm-automation/pkg/discovery"
	"github.com/x-dm-automation/pkg/logger"
	"github.com/x-dm-automation/pkg/pacing"
	"github.com/x-dm-automation/pkg/storage"
)

const (
	xLoginURL = "https://x.com/i/flow/login"
	xHomeURL  = "https://x.com/home"

	authCookie = "auth_token"

	profileLinkSelector = "a[data-testid='AppTabBar_Profile_Link']"
)

var lockedPhrases = []string{
	"your account has been locked",
	"your account is suspended",
	"your account has been suspended",
	"we've temporarily limited some of your account features",
	"verify you're human",
}

var (
	ErrLoginTimeout  = errors.New("login timeout exceeded")
	ErrAccountLocked = errors.New("account is locked or requires a challenge")
)

// Page is the subset of the browser session the authenticator drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL() string
	Exists(selector string) bool
	Text(ctx context.Context) (string, error)
	ElementAttribute(ctx context.Context, selector, attr string) (string, error)
	Cookies() ([]storage.Cookie, error)
}

type Authenticator struct {
	page    Page
	cookies *storage.CookieStore
	log     *logger.Logger

	PollInterval time.Duration
	LoginTimeout time.Duration
	SettleDelay  time.Duration
}

type Result struct {
	Success bool
	Message string
	Cookies int
	Account string
}

func New(page Page, cookies *storage.CookieStore) *Authenticator {
	return &Authenticator{
		page:         page,
		cookies:      cookies,
		log:          logger.WithComponent("auth"),
		PollInterval: 2 * time.Second,
		LoginTimeout: 5 * time.Minute,
		SettleDelay:  3 * time.Second,
	}
}

// VerifySession loads the home timeline with whatever cookies the browser
// already holds and reports whether it stays signed in.
func (a *Authenticator) VerifySession(ctx context.Context) (bool, error) {
	a.log.Info("Verifying stored session...")

	if err := a.page.Navigate(ctx, xHomeURL); err != nil {
		return false, fmt.Errorf("failed to navigate: %w", err)
	}

	if err := pacing.Sleep(ctx, a.SettleDelay); err != nil {
		return false, err
	}

	if checkpoint := a.detectCheckpoint(ctx); checkpoint != "" {
		a.log.Warn("Security checkpoint detected: %s", checkpoint)
		return false, fmt.Errorf("%w: %s", ErrAccountLocked, checkpoint)
	}

	if a.IsLoggedIn() {
		if handle := a.AccountHandle(ctx); handle != "" {
			a.log.Info("Session is valid for @%s", handle)
		} else {
			a.log.Info("Session is valid")
		}
		return true, nil
	}

	a.log.Warn("Session is not signed in")
	return false, nil
}

// Login opens the sign-in flow and waits for the user to complete it in the
// visible browser window. On success the browser cookies are saved.
func (a *Authenticator) Login(ctx context.Context) (*Result, error) {
	a.log.Info("Opening login page, complete the sign-in in the browser window...")

	if err := a.page.Navigate(ctx, xLoginURL); err != nil {
		return &Result{Success: false, Message: err.Error()}, err
	}

	cookies, err := a.waitForLogin(ctx)
	if err != nil {
		return &Result{Success: false, Message: err.Error()}, err
	}

	if err := a.cookies.Save(cookies); err != nil {
		return &Result{Success: false, Message: "failed to save cookies"}, fmt.Errorf("failed to save cookies: %w", err)
	}

	account := a.AccountHandle(ctx)
	a.log.Info("Login successful, saved %d cookies to %s", len(cookies), a.cookies.Path())
	return &Result{Success: true, Message: "Login successful", Cookies: len(cookies), Account: account}, nil
}

func (a *Authenticator) waitForLogin(ctx context.Context) ([]storage.Cookie, error) {
	timeout := time.After(a.LoginTimeout)
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrLoginTimeout
		case <-ticker.C:
			if !a.IsLoggedIn() {
				continue
			}
			cookies, err := a.page.Cookies()
			if err != nil {
				a.log.Debug("Failed to read cookies: %v", err)
				continue
			}
			if HasAuthToken(cookies) {
				return cookies, nil
			}
		}
	}
}

func (a *Authenticator) IsLoggedIn() bool {
	currentURL := a.page.CurrentURL()

	if strings.Contains(currentURL, "/login") || strings.Contains(currentURL, "/i/flow/") {
		return false
	}

	if strings.HasSuffix(strings.TrimRight(currentURL, "/"), "/home") {
		return true
	}

	return a.page.Exists("[data-testid='SideNav_AccountSwitcher_Button']") ||
		a.page.Exists("[data-testid='AppTabBar_Home_Link']")
}

func (a *Authenticator) detectCheckpoint(ctx context.Context) string {
	currentURL := a.page.CurrentURL()

	switch {
	case strings.Contains(currentURL, "/account/access"):
		return "account_access"
	case strings.Contains(currentURL, "/account/suspended"):
		return "suspended"
	case strings.Contains(currentURL, "challenge"):
		return "challenge"
	}

	if a.page.Exists("iframe[src*='arkoselabs']") {
		return "captcha"
	}

	text, err := a.page.Text(ctx)
	if err != nil {
		a.log.Debug("Failed to read page text: %v", err)
		return ""
	}
	text = strings.ToLower(strings.ReplaceAll(text, "\u2019", "'"))
	for _, phrase := range lockedPhrases {
		if strings.Contains(text, phrase) {
			return "locked"
		}
	}

	return ""
}

// AccountHandle returns the handle of the signed-in account from the
// navigation bar, or "" when it is not shown.
func (a *Authenticator) AccountHandle(ctx context.Context) string {
	href, err := a.page.ElementAttribute(ctx, profileLinkSelector, "href")
	if err != nil {
		a.log.Debug("Account link not found: %v", err)
		return ""
	}
	handle, ok := discovery.ParseHandle(href)
	if !ok {
		return ""
	}
	return handle
}

// HasAuthToken reports whether cookies contain a non-empty session token.
func HasAuthToken(cookies []storage.Cookie) bool {
	for _, c := range cookies {
		if c.Name == authCookie && c.Value != "" {
			return true
		}
	}
	return false
}

// Logout forgets the stored session.
func (a *Authenticator) Logout() error {
	a.log.Info("Clearing stored session...")
	return a.cookies.Clear()
}
