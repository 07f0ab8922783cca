// Package shell is the interactive askctl session. The shell process is the
// browsing session: connection tokens live only as long as it does.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/askdb/askdb/cmd/askctl/internal/client"
	"github.com/askdb/askdb/cmd/askctl/internal/guard"
	"github.com/askdb/askdb/cmd/askctl/internal/query"
	"github.com/askdb/askdb/cmd/askctl/internal/session"
	"github.com/askdb/askdb/pkg/sdk"
	"github.com/chzyer/readline"
	"github.com/pterm/pterm"
)

type command struct {
	name string
	args string
	help string
}

var commands = []command{
	{".login", "", "Log in"},
	{".connect", "", "Connect to a database"},
	{".disconnect", "", "Drop the database connection"},
	{".logout", "", "Log out and forget all credentials"},
	{".status", "", "Show identity and connection state"},
	{".copy", "", "Copy the last generated SQL to the clipboard"},
	{".format", "<table|json|csv|markdown>", "Change the result format"},
	{".sql", "<on|off>", "Show generated SQL above results"},
	{".go", "<landing|login|connect|query>", "Navigate to a view"},
	{".help", "", "Show this help message"},
	{".quit", "", "Exit the shell"},
}

// Options configures a Shell.
type Options struct {
	Format  query.Format
	Color   bool
	ShowSQL bool
	Timeout time.Duration
	Out     io.Writer
	Err     io.Writer
	// Clipboard defaults to the terminal clipboard on Out.
	Clipboard query.Clipboard
}

// Shell is a read-eval-print loop over one Runtime.
type Shell struct {
	rt       *client.Runtime
	prompter Prompter
	orch     *query.Orchestrator
	opts     Options

	location guard.Destination
	database string

	info, success, warn, fail *pterm.PrefixPrinter
}

func New(rt *client.Runtime, prompter Prompter, opts Options) *Shell {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Format == "" {
		opts.Format = query.FormatTable
	}
	if opts.Clipboard == nil {
		opts.Clipboard = query.NewTerminalClipboard(opts.Out)
	}
	s := &Shell{
		rt:       rt,
		prompter: prompter,
		orch:     query.NewOrchestrator(rt.Client, rt.Connection, rt.Identity, opts.Clipboard),
		opts:     opts,
		location: guard.Landing,
		info:     pterm.Info.WithWriter(opts.Out),
		success:  pterm.Success.WithWriter(opts.Out),
		warn:     pterm.Warning.WithWriter(opts.Err),
		fail:     pterm.Error.WithWriter(opts.Err),
	}
	return s
}

// Location is the view the shell is on.
func (s *Shell) Location() guard.Destination { return s.location }

// Run reads and executes lines until .quit or end of input.
func (s *Shell) Run(ctx context.Context) error {
	defer s.prompter.Close()

	fmt.Fprintln(s.opts.Out, "askdb shell. Type a question to query your database, .help for commands.")
	s.refreshPrompt()

	for {
		line, err := s.prompter.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.prompter.Remember(line)

		if quit := s.Exec(ctx, line); quit {
			return nil
		}
		s.refreshPrompt()
	}
}

// Exec runs one line and reports whether the shell should exit.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, ".") {
		s.ask(ctx, line)
		return false
	}

	parts := strings.Fields(line)
	name, args := strings.ToLower(parts[0]), parts[1:]
	switch name {
	case ".quit", ".exit":
		return true
	case ".help":
		s.printHelp()
	case ".login":
		s.login(ctx)
	case ".connect":
		s.connect(ctx)
	case ".disconnect":
		s.rt.Connection.Disconnect()
		s.database = ""
		s.orch.Reset()
		s.success.Println("Disconnected")
		s.navigate(guard.Connect)
	case ".logout":
		if err := s.rt.Identity.Logout(); err != nil {
			s.fail.Printfln("Logout incomplete: %v", err)
		}
		s.database = ""
		s.orch.Reset()
		s.success.Println("Logged out")
		s.location = guard.Landing
	case ".status":
		s.printStatus()
	case ".copy":
		s.copySQL()
	case ".format":
		s.setFormat(args)
	case ".sql":
		s.setShowSQL(args)
	case ".go":
		if len(args) != 1 {
			s.warn.Println("Usage: .go <landing|login|connect|query>")
			break
		}
		s.navigate(guard.Parse(args[0]))
	default:
		s.warn.Printfln("Unknown command: %s (type .help for commands)", name)
	}
	return false
}

// navigate moves to dest through the guard and reports whether dest itself was entered.
func (s *Shell) navigate(dest guard.Destination) bool {
	final, out := s.rt.Guard.Resolve(dest)
	if out == guard.NotFound {
		s.warn.Printfln("404: no such view %q", string(dest))
		return false
	}
	if final != dest {
		switch final {
		case guard.Login:
			s.warn.Println("Log in first (.login)")
		case guard.Connect:
			if dest == guard.Login {
				s.info.Println("Already logged in")
			} else {
				s.warn.Println("Connect to a database first (.connect)")
			}
		}
	}
	s.location = final
	return final == dest
}

func (s *Shell) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.Timeout)
}

func (s *Shell) login(ctx context.Context) {
	if !s.navigate(guard.Login) {
		return
	}

	if s.rt.OIDC != nil {
		// The device flow waits for the user; only the caller's context bounds it.
		meta, err := s.rt.OIDC.SignIn(ctx)
		if err != nil {
			s.fail.Println(err.Error())
			return
		}
		s.afterLogin(meta.User)
		return
	}

	username, err := s.prompter.Ask("Username: ")
	if err != nil {
		return
	}
	password, err := s.prompter.AskSecret("Password: ")
	if err != nil {
		return
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rt.Identity.Login(ctx, strings.TrimSpace(username), password); err != nil {
		s.fail.Println(err.Error())
		return
	}
	s.afterLogin(strings.TrimSpace(username))
}

func (s *Shell) afterLogin(who string) {
	if !s.rt.Identity.Authenticated() {
		s.fail.Println("Login did not complete")
		return
	}
	if who == "" {
		who = subject(s.rt.Identity.Credentials())
	}
	s.success.Printfln("Logged in as %s", who)
	s.location = guard.Connect
}

func (s *Shell) connect(ctx context.Context) {
	if !s.navigate(guard.Connect) {
		return
	}

	spec, ok := s.connectForm()
	if !ok {
		return
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rt.Connection.Connect(ctx, spec); err != nil {
		if errors.Is(err, sdk.ErrUnauthorized) {
			s.fail.Println("Session expired; log in again (.login)")
			return
		}
		s.fail.Println(err.Error())
		return
	}
	s.database = spec.Normalize().Database
	s.orch.Reset()
	s.success.Printfln("Connected to %s", s.database)
	s.location = guard.Query
}

func (s *Shell) connectForm() (sdk.HostSpec, bool) {
	host, err := s.prompter.Ask("Host [localhost]: ")
	if err != nil {
		return sdk.HostSpec{}, false
	}
	if strings.TrimSpace(host) == "" {
		host = "localhost"
	}

	port := sdk.DefaultPort
	portText, err := s.prompter.Ask(fmt.Sprintf("Port [%d]: ", sdk.DefaultPort))
	if err != nil {
		return sdk.HostSpec{}, false
	}
	if portText = strings.TrimSpace(portText); portText != "" {
		n, err := strconv.Atoi(portText)
		if err != nil || n <= 0 || n > 65535 {
			s.fail.Printfln("Invalid port %q", portText)
			return sdk.HostSpec{}, false
		}
		port = n
	}

	user, err := s.prompter.Ask("User: ")
	if err != nil {
		return sdk.HostSpec{}, false
	}
	password, err := s.prompter.AskSecret("Password: ")
	if err != nil {
		return sdk.HostSpec{}, false
	}
	database, err := s.prompter.Ask("Database: ")
	if err != nil {
		return sdk.HostSpec{}, false
	}

	return sdk.HostSpec{Host: host, Port: port, User: user, Password: password, Database: database}, true
}

func (s *Shell) ask(ctx context.Context, prompt string) {
	if err := s.rt.Identity.Sync(ctx); err != nil {
		s.identityLost(err)
		return
	}
	if !s.navigate(guard.Query) {
		return
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.orch.Submit(ctx, prompt)
	switch {
	case err == nil:
	case errors.Is(err, query.ErrEmptyPrompt), errors.Is(err, query.ErrBusy):
		s.warn.Println(err.Error())
		return
	case errors.Is(err, session.ErrSuperseded):
		s.warn.Println("Result discarded: the session changed while the query was running")
		return
	default:
		s.fail.Println(err.Error())
		return
	}

	if err := query.Render(s.opts.Out, res, query.RenderOptions{
		Format:  s.opts.Format,
		Color:   s.opts.Color,
		ShowSQL: s.opts.ShowSQL,
	}); err != nil {
		s.fail.Println(err.Error())
	}
}

// identityLost handles a failed delegated refresh. It is never shown as a
// form error; the shell moves back to login.
func (s *Shell) identityLost(err error) {
	s.database = ""
	s.orch.Reset()
	s.location = guard.Login
	if errors.Is(err, sdk.ErrRefreshFailure) {
		s.warn.Println("Your session has expired. Log in again (.login)")
		return
	}
	s.fail.Println(err.Error())
}

func (s *Shell) copySQL() {
	switch err := s.orch.CopySQL(); {
	case errors.Is(err, query.ErrNoResult):
		s.warn.Println("Nothing to copy yet")
	case err != nil:
		s.fail.Printfln("Copy failed: %v", err)
	default:
		s.success.Println("SQL copied to clipboard")
	}
}

func (s *Shell) setFormat(args []string) {
	if len(args) != 1 {
		s.info.Printfln("Output format: %s", s.opts.Format)
		return
	}
	f, err := query.ParseFormat(args[0])
	if err != nil {
		s.fail.Println(err.Error())
		return
	}
	s.opts.Format = f
	s.info.Printfln("Output format: %s", f)
}

func (s *Shell) setShowSQL(args []string) {
	if len(args) == 1 {
		switch strings.ToLower(args[0]) {
		case "on", "true", "1":
			s.opts.ShowSQL = true
		case "off", "false", "0":
			s.opts.ShowSQL = false
		}
	}
	s.info.Printfln("Show SQL: %t", s.opts.ShowSQL)
}

func (s *Shell) printStatus() {
	id := s.rt.Identity
	if id.Authenticated() {
		s.info.Printfln("Identity: logged in as %s", subject(id.Credentials()))
	} else {
		s.info.Println("Identity: not logged in")
	}
	if s.rt.Connection.Connected() {
		s.info.Printfln("Connection: %s", s.database)
	} else {
		s.info.Println("Connection: none")
	}
	s.info.Printfln("View: %s", s.location)
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.opts.Out, "\nCommands:")
	for _, c := range commands {
		name := c.name
		if c.args != "" {
			name += " " + c.args
		}
		fmt.Fprintf(s.opts.Out, "  %-40s %s\n", name, c.help)
	}
	fmt.Fprintln(s.opts.Out, "\nAnything else is sent as a question about the connected database.")
}

func (s *Shell) refreshPrompt() {
	switch {
	case !s.rt.Identity.Authenticated():
		s.prompter.SetPrompt("askdb> ")
	case s.rt.Connection.Connected() && s.database != "":
		s.prompter.SetPrompt(fmt.Sprintf("askdb:%s> ", s.database))
	default:
		s.prompter.SetPrompt("askdb*> ")
	}
}

func subject(creds *sdk.Credentials) string {
	if creds == nil || creds.Subject == "" {
		return "current user"
	}
	return creds.Subject
}
