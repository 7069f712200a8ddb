package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/x-dm-automation/pkg/auth"
	"github.com/x-dm-automation/pkg/storage"
)

var cookiesCmd = &cobra.Command{
	Use:   "cookies",
	Short: "Inspect or clear the stored session cookies",
}

var cookiesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List stored cookies (values are not printed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cookies := storage.NewCookieStore(cfg.Path(cfg.Storage.CookiesFile))
		list := cookies.Load()

		fmt.Printf("%s: %d cookies, signed in: %v\n", cookies.Path(), len(list), auth.HasAuthToken(list))
		if len(list) == 0 {
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDOMAIN\tEXPIRES\tSECURE\tSAMESITE")
		for _, c := range list {
			expires := "session"
			if !c.Session && c.Expires > 0 {
				expires = time.Unix(int64(c.Expires), 0).Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", c.Name, c.Domain, expires, c.Secure, c.SameSite)
		}
		return w.Flush()
	},
}

var cookiesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the stored session cookies",
	RunE: func(cmd *cobra.Command, args []string) error {
		cookies := storage.NewCookieStore(cfg.Path(cfg.Storage.CookiesFile))
		if err := cookies.Clear(); err != nil {
			return fmt.Errorf("failed to clear cookies: %w", err)
		}
		mainLog.Info("Cleared %s", cookies.Path())
		return nil
	},
}

func init() {
	cookiesCmd.AddCommand(cookiesShowCmd, cookiesClearCmd)
}
