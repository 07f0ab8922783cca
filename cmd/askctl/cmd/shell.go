package cmd

import (
	"os"
	"path/filepath"

	"github.com/askdb/askdb/cmd/askctl/internal/config"
	"github.com/askdb/askdb/cmd/askctl/internal/query"
	"github.com/askdb/askdb/cmd/askctl/internal/shell"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var shellShowSQL bool

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive askdb session",
	Long: `Starts an interactive session. Log in with .login, connect with .connect,
then type questions. The database connection lasts until .disconnect, .logout
or the end of the session. Commands can also be piped in, one per line.`,
	Args: cobra.NoArgs,
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

		interactive := readline.IsTerminal(int(os.Stdin.Fd()))
		var prompter shell.Prompter
		if interactive {
			prompter, err = shell.NewReadlinePrompter(filepath.Join(cfg.Settings.ConfigDir, "history"))
		} else {
			prompter, err = shell.NewReaderPrompter(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}

		sh := shell.New(rt, prompter, shell.Options{
			Format:  format,
			Color:   interactive,
			ShowSQL: shellShowSQL,
			Timeout: cfg.Settings.Timeout,
			Out:     cmd.OutOrStdout(),
			Err:     cmd.ErrOrStderr(),
		})
		return sh.Run(cmd.Context())
	},
}

func init() {
	shellCmd.Flags().BoolVar(&shellShowSQL, "show-sql", false, "Print the generated SQL above each result")
}
