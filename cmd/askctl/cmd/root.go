package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/askdb/askdb/cmd/askctl/cmd/auth"
	"github.com/askdb/askdb/cmd/askctl/internal/client"
	"github.com/askdb/askdb/cmd/askctl/internal/config"
	"github.com/askdb/askdb/pkg/sdk"
	"github.com/spf13/cobra"
)

var (
	bearerToken string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "askctl",
	Short: "askdb CLI - ask your database questions in plain language",
	Long: `askctl is the command-line client for askdb. Log in, connect to a MySQL
database, and ask questions in natural language; askdb generates and runs the
SQL and returns the rows.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		if verbose {
			settings.LogLevel = "debug"
		}
		logger := newLogger(settings.LogLevel)

		provider := client.NewProvider(client.Options{
			ServerURL: settings.Server,
			ConfigDir: settings.ConfigDir,
			Timeout:   settings.Timeout,
			Logger:    logger,
			OIDC:      oidcConfig(settings, logger),
		})

		token := bearerToken
		if token == "" {
			token = os.Getenv(auth.TokenEnv)
		}
		if token != "" {
			provider.SetBearerToken(token)
		}

		logger.Debug("configuration loaded", "server", settings.Server, "config_file", settings.FileUsed, "auth_mode", settings.AuthMode)
		cmd.SetContext(config.InjectConfig(cmd.Context(), &config.GlobalConfig{
			Settings:       settings,
			Logger:         logger,
			ClientProvider: provider,
		}))
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func oidcConfig(s *config.Settings, logger *slog.Logger) sdk.OIDCConfig {
	if s.AuthMode != config.AuthModeOIDC {
		return sdk.OIDCConfig{}
	}
	return sdk.OIDCConfig{
		Issuer:      s.OIDC.Issuer,
		ClientID:    s.OIDC.ClientID,
		OpenBrowser: !s.NonInteractive,
		Logger:      logger,
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "Identity token to use instead of the stored login (also ASKDB_TOKEN); never persisted")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(auth.AuthCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(versionCmd)
}
