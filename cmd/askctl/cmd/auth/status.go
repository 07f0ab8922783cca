package auth

import (
	"errors"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display authentication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, cfg, err := loadRuntime(cmd.Context())
		if err != nil {
			return err
		}

		if err := rt.Identity.Sync(cmd.Context()); err != nil {
			return err
		}
		creds := rt.Identity.Credentials()
		if creds == nil {
			return errors.New("not logged in")
		}

		pterm.DefaultSection.Println("Authentication Status")
		pterm.Info.Printf("Server: %s\n", cfg.Settings.Server)
		pterm.Info.Printf("Identity: %s (%s)\n", subject(creds), creds.Mode)
		if creds.HasExpiryHint() {
			state := "valid"
			if creds.IsExpired() {
				state = "expired; the server will reject it"
			}
			pterm.Info.Printf("Token expiring at: %s (%s)\n", creds.ExpiresAt.Format(time.RFC1123), state)
		} else {
			pterm.Info.Println("Token expiry: unknown")
		}
		if rt.CredentialsPath != "" {
			pterm.Info.Printf("Stored in: %s\n", rt.CredentialsPath)
		} else {
			pterm.Info.Println("Stored in: memory only (--token)")
		}
		return nil
	},
}
