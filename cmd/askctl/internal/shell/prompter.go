package shell

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// Prompter reads shell input.
type Prompter interface {
	// Readline returns the next command line. io.EOF ends the shell;
	// readline.ErrInterrupt discards the current line.
	Readline() (string, error)
	// Ask reads one form field.
	Ask(prompt string) (string, error)
	// AskSecret reads a form field without echo.
	AskSecret(prompt string) (string, error)
	SetPrompt(prompt string)
	// Remember records line in history. Form answers are never recorded.
	Remember(line string)
	Close() error
}

type readlinePrompter struct {
	rl     *readline.Instance
	prompt string
}

// NewReadlinePrompter opens a terminal prompter. historyFile may be empty.
func NewReadlinePrompter(historyFile string) (Prompter, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:                 "askdb> ",
		HistoryFile:            historyFile,
		DisableAutoSaveHistory: true,
		AutoComplete:           newCompleter(),
		InterruptPrompt:        "^C",
		EOFPrompt:              ".quit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize shell: %w", err)
	}
	return &readlinePrompter{rl: rl, prompt: "askdb> "}, nil
}

func newCompleter() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c.name))
	}
	return readline.NewPrefixCompleter(items...)
}

func (p *readlinePrompter) Readline() (string, error) {
	p.rl.SetPrompt(p.prompt)
	return p.rl.Readline()
}

func (p *readlinePrompter) Ask(prompt string) (string, error) {
	p.rl.SetPrompt(prompt)
	defer p.rl.SetPrompt(p.prompt)
	return p.rl.Readline()
}

func (p *readlinePrompter) AskSecret(prompt string) (string, error) {
	b, err := p.rl.ReadPassword(prompt)
	return string(b), err
}

func (p *readlinePrompter) SetPrompt(prompt string) { p.prompt = prompt }

func (p *readlinePrompter) Remember(line string) { _ = p.rl.SaveHistory(line) }

func (p *readlinePrompter) Close() error { return p.rl.Close() }

// ScriptPrompter feeds a fixed sequence of lines, for scripted and piped use.
type ScriptPrompter struct {
	lines   []string
	Prompts []string
	History []string
}

func NewScriptPrompter(lines ...string) *ScriptPrompter {
	return &ScriptPrompter{lines: lines}
}

// NewReaderPrompter reads lines from r, one per command or answer.
func NewReaderPrompter(r io.Reader) (*ScriptPrompter, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return NewScriptPrompter(), nil
	}
	return NewScriptPrompter(strings.Split(text, "\n")...), nil
}

func (p *ScriptPrompter) next() (string, error) {
	if len(p.lines) == 0 {
		return "", io.EOF
	}
	line := strings.TrimRight(p.lines[0], "\r")
	p.lines = p.lines[1:]
	return line, nil
}

func (p *ScriptPrompter) Readline() (string, error)              { return p.next() }
func (p *ScriptPrompter) Ask(prompt string) (string, error)       { return p.next() }
func (p *ScriptPrompter) AskSecret(prompt string) (string, error) { return p.next() }
func (p *ScriptPrompter) SetPrompt(prompt string)                 { p.Prompts = append(p.Prompts, prompt) }
func (p *ScriptPrompter) Remember(line string)                    { p.History = append(p.History, line) }
func (p *ScriptPrompter) Close() error                            { return nil }
