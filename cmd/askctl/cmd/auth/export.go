package auth

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// TokenEnv is read by the root --token flag.
const TokenEnv = "ASKDB_TOKEN"

var (
	shellFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the identity token as an environment variable",
	Long: `Export the stored identity token as ASKDB_TOKEN so scripts and CI jobs
can run askctl without the credential file.

Supported shells:
  - posix (bash, zsh, sh) - default
  - fish
  - powershell

Usage:
  # POSIX shells (bash/zsh/sh)
  eval $(askctl auth export)

  # Fish shell
  eval (askctl auth export --shell fish)

  # PowerShell
  askctl auth export --shell powershell | Invoke-Expression

An injected token is used as-is and is never written to disk. Only the
identity is exported; database connections always belong to one process.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&shellFormat, "shell", "", "Shell format: posix, fish, powershell (auto-detected if not specified)")
}

func runExport(cmd *cobra.Command, args []string) error {
	rt, _, err := loadRuntime(cmd.Context())
	if err != nil {
		return err
	}
	creds := rt.Identity.Credentials()
	if creds == nil {
		return errors.New("not logged in\n\nPlease run 'askctl auth login' first")
	}

	format := shellFormat
	if format == "" {
		format = detectShell(os.Getenv("SHELL"))
	}

	if isTerminal(os.Stdout) {
		printHint(cmd.ErrOrStderr(), format)
	}
	return printExport(cmd.OutOrStdout(), format, creds.AccessToken)
}

// detectShell maps a $SHELL path onto an export format.
func detectShell(shell string) string {
	if shell == "" {
		return "posix"
	}
	switch filepath.Base(shell) {
	case "fish":
		return "fish"
	case "pwsh", "powershell":
		return "powershell"
	default:
		return "posix"
	}
}

func printExport(w io.Writer, format, accessToken string) error {
	switch strings.ToLower(format) {
	case "posix", "bash", "zsh", "sh":
		fmt.Fprintf(w, "export %s=\"%s\"\n", TokenEnv, accessToken)
	case "fish":
		fmt.Fprintf(w, "set -x %s \"%s\"\n", TokenEnv, accessToken)
	case "powershell", "pwsh", "ps1":
		fmt.Fprintf(w, "$env:%s=\"%s\"\n", TokenEnv, accessToken)
	default:
		return fmt.Errorf("unsupported shell format: %s\n\nSupported formats: posix, fish, powershell", format)
	}
	return nil
}

// printHint explains usage when output is not being eval'd.
func printHint(w io.Writer, format string) {
	fmt.Fprintln(w, "# Run this command to configure your environment:")
	switch strings.ToLower(format) {
	case "fish":
		fmt.Fprintln(w, "#   eval (askctl auth export --shell fish)")
	case "powershell", "pwsh", "ps1":
		fmt.Fprintln(w, "#   askctl auth export --shell powershell | Invoke-Expression")
	default:
		fmt.Fprintln(w, "#   eval $(askctl auth export)")
	}
	fmt.Fprintln(w, "")
}

// isTerminal checks if the given file is a terminal (TTY)
func isTerminal(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
