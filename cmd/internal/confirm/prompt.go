package confirm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when confirmation is required but stdin is not a
// terminal and no override is set.
var ErrNoTerminal = errors.New("confirmation required and no terminal available")

// Prompter asks yes/no questions on the operator's terminal. An environment
// variable can pre-approve every prompt for unattended runs.
type Prompter struct {
	envVar     string
	in         io.Reader
	out        io.Writer
	isTerminal func() bool
}

// New constructs a prompter reading stdin and writing prompts to stderr.
func New(envVar string) *Prompter {
	return &Prompter{
		envVar:     strings.TrimSpace(envVar),
		in:         os.Stdin,
		out:        os.Stderr,
		isTerminal: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

// Ask prints prompt and waits for y/yes. Anything else declines.
func (p *Prompter) Ask(prompt string) (bool, error) {
	if p.envVar != "" {
		if value, ok := os.LookupEnv(p.envVar); ok {
			switch strings.ToLower(strings.TrimSpace(value)) {
			case "1", "y", "yes", "true":
				return true, nil
			case "0", "n", "no", "false":
				return false, nil
			default:
				return false, fmt.Errorf("%s must be yes or no, got %q", p.envVar, value)
			}
		}
	}
	if !p.isTerminal() {
		if p.envVar != "" {
			return false, fmt.Errorf("%w; set %s=yes to approve", ErrNoTerminal, p.envVar)
		}
		return false, ErrNoTerminal
	}
	fmt.Fprintf(p.out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
