package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/org/templatetrust/internal/decision"
	"github.com/org/templatetrust/internal/policy"
	"golang.org/x/term"
)

// maxAttempts bounds how often an unrecognised answer is re-asked.
const maxAttempts = 3

// terminalSource asks trust questions on a terminal. One goroutine owns the
// input so that an abandoned prompt does not steal the next answer.
type terminalSource struct {
	out   io.Writer
	lines chan lineResult
	once  sync.Once
	mu    sync.Mutex
}

type lineResult struct {
	text string
	err  error
}

// newTerminalSource returns a source reading in, or false when in is not a
// terminal.
func newTerminalSource(in *os.File, out io.Writer) (*terminalSource, bool) {
	if !term.IsTerminal(int(in.Fd())) {
		return nil, false
	}
	return newLineSource(in, out), true
}

func newLineSource(in io.Reader, out io.Writer) *terminalSource {
	s := &terminalSource{out: out, lines: make(chan lineResult)}
	go func() {
		r := bufio.NewReader(in)
		for {
			text, err := r.ReadString('\n')
			if err != nil && text == "" {
				s.lines <- lineResult{err: err}
				close(s.lines)
				return
			}
			s.lines <- lineResult{text: strings.TrimSpace(text)}
		}
	}()
	return s
}

// Close stops accepting answers.
func (s *terminalSource) Close() {
	s.once.Do(func() {
		go func() {
			for range s.lines {
			}
		}()
	})
}

func (s *terminalSource) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		fmt.Fprintln(s.out)
		return "", ctx.Err()
	case res, ok := <-s.lines:
		if !ok || errors.Is(res.err, io.EOF) {
			return "", decision.ErrCancelled
		}
		return res.text, res.err
	}
}

// Decide implements decision.Source.
func (s *terminalSource) Decide(ctx context.Context, p decision.Prompt) (decision.Choice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	renderPrompt(s.out, p)
	for i := 0; i < maxAttempts; i++ {
		fmt.Fprint(s.out, "Trust this creator? [a]lways, [o]nce, [d]eny, [b]lock: ")
		line, err := s.readLine(ctx)
		if err != nil {
			return "", err
		}
		if c, err := decision.ParseChoice(line); err == nil {
			return c, nil
		}
		fmt.Fprintf(s.out, "  unrecognised answer %q\n", line)
	}
	return "", decision.ErrCancelled
}

// DecideBulk implements decision.BulkSource. Answering "i" falls back to
// one prompt per creator.
func (s *terminalSource) DecideBulk(ctx context.Context, prompts []decision.Prompt) (decision.BulkAnswer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.out, "\n%d templates come from creators you have not decided on:\n", len(prompts))
	for _, p := range prompts {
		fmt.Fprintf(s.out, "  %-40s risk: %s\n", p.Creator.ID(), p.Risk)
	}
	for i := 0; i < maxAttempts; i++ {
		fmt.Fprint(s.out, "Apply to all? [a]lways, [o]nce, [d]eny, [b]lock, [i]ndividually: ")
		line, err := s.readLine(ctx)
		if err != nil {
			return decision.BulkAnswer{}, err
		}
		if strings.EqualFold(line, "i") || strings.EqualFold(line, "individually") {
			return decision.BulkAnswer{}, nil
		}
		if c, err := decision.ParseChoice(line); err == nil {
			return decision.BulkAnswer{All: &c}, nil
		}
		fmt.Fprintf(s.out, "  unrecognised answer %q\n", line)
	}
	return decision.BulkAnswer{}, decision.ErrCancelled
}

// Confirm resolves confirm verdicts for destructive operations of trusted creators.
func (s *terminalSource) Confirm(ctx context.Context, a policy.Authorization) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.out, "\nDestructive operation: %s\n  %s\n", a.Operation.Describe(), a.Reason)
	fmt.Fprint(s.out, "Allow it? [y/N]: ")
	line, err := s.readLine(ctx)
	if err != nil {
		if errors.Is(err, decision.ErrCancelled) {
			return false, nil
		}
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func renderPrompt(w io.Writer, p decision.Prompt) {
	fmt.Fprintf(w, "\nTemplate creator %s (%s) is %s.\n", p.Creator.ID(), p.Creator.Source(), p.Current)
	fmt.Fprintf(w, "Risk: %s\n", strings.ToUpper(string(p.Risk)))
	for _, r := range p.RiskReasons {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	if len(p.Operations) > 0 {
		fmt.Fprintln(w, "It wants to:")
		for _, op := range p.Operations {
			fmt.Fprintf(w, "  %s\n", op.Describe())
		}
	}
}

// readPassphrase asks for the store passphrase without echo.
func readPassphrase() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("passphrase required but stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Trust store passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
