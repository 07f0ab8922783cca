package auth

import (
	"errors"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var errTokenInjected = errors.New("cannot log out an injected token (--token or ASKDB_TOKEN); unset it instead, stored credentials were left untouched")

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out from askdb",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, _, err := loadRuntime(cmd.Context())
		if err != nil {
			return err
		}

		if rt.TokenInjected {
			return errTokenInjected
		}

		if err := rt.Identity.Logout(); err != nil {
			return fmt.Errorf("failed to delete credentials: %w", err)
		}

		pterm.Success.Println("Logged out successfully")
		return nil
	},
}
