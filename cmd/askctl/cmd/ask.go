package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/askdb/askdb/cmd/askctl/internal/client"
	"github.com/askdb/askdb/cmd/askctl/internal/config"
	"github.com/askdb/askdb/cmd/askctl/internal/guard"
	"github.com/askdb/askdb/cmd/askctl/internal/query"
	"github.com/askdb/askdb/pkg/sdk"
	"github.com/chzyer/readline"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// dbPasswordEnv supplies the database password without a prompt.
const dbPasswordEnv = "ASKDB_DB_PASSWORD"

var (
	askHost            string
	askPort            int
	askDBUser          string
	askDatabase        string
	askDBPasswordStdin bool
	askCopy            bool
	askShowSQL         bool
)

var askCmd = &cobra.Command{
	Use:   "ask [flags] <question...>",
	Short: "Ask one question about a database",
	Long: `Connects to the database, asks one question and prints the result.

The database connection lasts only for this command; use 'askctl shell' to
keep a connection across questions. The database password is read from
ASKDB_DB_PASSWORD, --db-password-stdin, or an interactive prompt.`,
	Example: `  askctl ask --host db.internal --db-user reporting --database shop "how many users signed up this week?"`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.MustFromContext(cmd.Context())
		rt, err := cfg.ClientProvider.Runtime(cmd.Context())
		if err != nil {
			return err
		}

		format, err := query.ParseFormat(cfg.Settings.Output)
		if err != nil {
			return err
		}

		if err := requireIdentity(cmd.Context(), rt); err != nil {
			return err
		}

		password, err := readDBPassword(cfg.Settings.NonInteractive)
		if err != nil {
			return err
		}
		spec := sdk.HostSpec{Host: askHost, Port: askPort, User: askDBUser, Password: password, Database: askDatabase}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Settings.Timeout)
		defer cancel()

		if err := rt.Connection.Connect(ctx, spec); err != nil {
			return err
		}
		defer rt.Connection.Disconnect()

		if out := rt.Guard.Check(guard.Query); out != guard.Allow {
			return fmt.Errorf("cannot query: %s", out)
		}

		orch := query.NewOrchestrator(rt.Client, rt.Connection, rt.Identity, query.NewTerminalClipboard(cmd.ErrOrStderr()))
		res, err := orch.Submit(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}

		if err := query.Render(cmd.OutOrStdout(), res, query.RenderOptions{
			Format:  format,
			Color:   format == query.FormatTable && readline.IsTerminal(int(os.Stdout.Fd())),
			ShowSQL: askShowSQL,
		}); err != nil {
			return err
		}

		if askCopy {
			if err := orch.CopySQL(); err != nil {
				return fmt.Errorf("failed to copy SQL: %w", err)
			}
			pterm.Success.WithWriter(cmd.ErrOrStderr()).Println("SQL copied to clipboard")
		}
		return nil
	},
}

// requireIdentity refreshes a delegated identity and checks that one is held.
func requireIdentity(ctx context.Context, rt *client.Runtime) error {
	if err := rt.Identity.Sync(ctx); err != nil {
		if errors.Is(err, sdk.ErrRefreshFailure) {
			return errors.New("your session has expired; run 'askctl auth login'")
		}
		return err
	}
	if rt.Guard.Check(guard.Connect) == guard.RedirectLogin {
		return errors.New("not logged in; run 'askctl auth login'")
	}
	return nil
}

func readDBPassword(nonInteractive bool) (string, error) {
	if askDBPasswordStdin {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read database password from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	if v, ok := os.LookupEnv(dbPasswordEnv); ok {
		return v, nil
	}
	if nonInteractive || !readline.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	return pterm.DefaultInteractiveTextInput.WithMask("*").Show("Database password")
}

func init() {
	askCmd.Flags().StringVar(&askHost, "host", "localhost", "Database host")
	askCmd.Flags().IntVar(&askPort, "port", sdk.DefaultPort, "Database port")
	askCmd.Flags().StringVar(&askDBUser, "db-user", "", "Database user")
	askCmd.Flags().StringVarP(&askDatabase, "database", "d", "", "Database name")
	askCmd.Flags().BoolVar(&askDBPasswordStdin, "db-password-stdin", false, "Read the database password from stdin")
	askCmd.Flags().BoolVar(&askCopy, "copy", false, "Copy the generated SQL to the clipboard")
	askCmd.Flags().BoolVar(&askShowSQL, "show-sql", false, "Print the generated SQL above the result")
	_ = askCmd.MarkFlagRequired("database")
}
