package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/askdb/askdb/cmd/askctl/internal/guard"
	"github.com/askdb/askdb/pkg/sdk"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	username      string
	passwordStdin bool
	clientID      string
	clientSecret  string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with askdb",
	Long: `Authenticates with the askdb API and stores the identity credential in
the config directory (default ~/.askdb/credentials.json).

Three methods are supported:
1. Username and password (auth_mode self, the default). Prompts for anything
   not given with --username / --password-stdin.
2. Device authorization (auth_mode oidc): opens the identity provider's
   verification page and waits for approval.
3. Service account (auth_mode oidc): uses a client ID and secret from
   --client-id / --client-secret or ASKDB_CLIENT_ID / ASKDB_CLIENT_SECRET.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, cfg, err := loadRuntime(cmd.Context())
		if err != nil {
			return err
		}

		if rt.Guard.Check(guard.Login) == guard.RedirectConnect {
			pterm.Info.Printf("Already logged in as %s\n", subject(rt.Identity.Credentials()))
			return nil
		}

		if clientID == "" && clientSecret == "" {
			if ok, env := sdk.CheckEnvCreds(); ok {
				pterm.Info.Println("Using service account credentials from environment variables.")
				clientID = env.ClientID
				clientSecret = env.ClientSecret
			}
		}

		s := cfg.Settings
		switch {
		case clientID != "" && clientSecret != "":
			if s.OIDC.Issuer == "" {
				return errors.New("service account login requires oidc.issuer")
			}
			fmt.Println("Authenticating as service account...")
			src := sdk.NewOIDCSource(sdk.OIDCConfig{
				Issuer:       s.OIDC.Issuer,
				ClientID:     clientID,
				ClientSecret: clientSecret,
				Logger:       cfg.Logger,
			})
			rt.Identity.Delegate(src)
			ctx, cancel := context.WithTimeout(cmd.Context(), s.Timeout)
			defer cancel()
			if err := src.SignInServiceAccount(ctx); err != nil {
				return err
			}
			if err := rt.Identity.LastError(); err != nil {
				return err
			}
			fmt.Println("------------------------------------------------------------")
			pterm.Success.Println("Service account login successful!")
			fmt.Printf("Authenticated with client ID: %s\n", clientID)
			return nil

		case rt.OIDC != nil:
			meta, err := rt.OIDC.SignIn(cmd.Context())
			if err != nil {
				return err
			}
			if err := rt.Identity.LastError(); err != nil {
				return err
			}
			fmt.Println("------------------------------------------------------------")
			pterm.Success.Println("Interactive login successful!")
			fmt.Printf("Authenticated as: %s (%s)\n", meta.User, meta.Email)
			return nil
		}

		user, password, err := readUserPassword(cmd.InOrStdin(), s.NonInteractive)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), s.Timeout)
		defer cancel()
		if err := rt.Identity.Login(ctx, user, password); err != nil {
			return err
		}

		pterm.Success.Printf("Logged in as %s\n", user)
		if creds := rt.Identity.Credentials(); creds != nil && creds.HasExpiryHint() {
			pterm.Info.Printf("Token expires at: %s\n", creds.ExpiresAt.Format(time.RFC1123))
		}
		return nil
	},
}

func readUserPassword(stdin io.Reader, nonInteractive bool) (string, string, error) {
	user := strings.TrimSpace(username)
	var password string

	if passwordStdin {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", "", fmt.Errorf("failed to read password from stdin: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if nonInteractive && (user == "" || !passwordStdin) {
		return "", "", errors.New("--username and --password-stdin are required in non-interactive mode")
	}

	if user == "" {
		input, err := pterm.DefaultInteractiveTextInput.Show("Username")
		if err != nil {
			return "", "", err
		}
		user = strings.TrimSpace(input)
	}
	if !passwordStdin {
		input, err := pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password")
		if err != nil {
			return "", "", err
		}
		password = input
	}

	if user == "" {
		return "", "", errors.New("username is required")
	}
	return user, password, nil
}

func subject(creds *sdk.Credentials) string {
	if creds == nil || creds.Subject == "" {
		return "current user"
	}
	return creds.Subject
}

func init() {
	loginCmd.Flags().StringVarP(&username, "username", "u", "", "Username for password login")
	loginCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	loginCmd.Flags().StringVar(&clientID, "client-id", "", "Client ID for service account authentication")
	loginCmd.Flags().StringVar(&clientSecret, "client-secret", "", "Client secret for service account authentication")
}
