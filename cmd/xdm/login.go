package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/x-dm-automation/pkg/auth"
	"github.com/x-dm-automation/pkg/browser"
	"github.com/x-dm-automation/pkg/storage"
)

var (
	loginTimeout time.Duration
	loginVerify  bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in through a visible browser window and store the session",
	Long: `Opens a browser window at the X sign-in page. Complete the sign-in by hand;
once the home timeline loads, the session cookies are saved for "xdm run".

With --verify, checks the stored session instead of signing in again.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "how long to wait for the sign-in to finish")
	loginCmd.Flags().BoolVar(&loginVerify, "verify", false, "only check whether the stored session is still signed in")
}

func runLogin(cmd *cobra.Command, args []string) error {
	store, err := storage.New(&cfg.Storage)
	if err != nil {
		return err
	}
	cookies := store.Cookies()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	br := browser.New(browser.Options{Config: cfg, Cookies: cookies})
	if err := br.Launch(ctx, browser.LaunchOptions{Headless: loginVerify && cfg.Browser.Headless}); err != nil {
		return err
	}
	defer func() {
		if err := br.Close(); err != nil {
			mainLog.Warn("Failed to close browser: %v", err)
		}
	}()

	if err := br.RestoreCookies(cookies.Load()); err != nil {
		return err
	}

	authenticator := auth.New(br, cookies)
	authenticator.LoginTimeout = loginTimeout

	if loginVerify {
		ok, err := authenticator.VerifySession(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("stored session is not signed in, run \"xdm login\"")
		}
		fmt.Println("Session is valid")
		return nil
	}

	result, err := authenticator.Login(ctx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Printf("%s (%d cookies saved to %s)\n", result.Message, result.Cookies, cookies.Path())
	return nil
}
