package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/org/templatetrust/internal/decision"
	"github.com/org/templatetrust/internal/policy"
	"github.com/org/templatetrust/pkg/models"
)

func testPrompt() decision.Prompt {
	return decision.Prompt{
		Creator:     models.NPMCreator{Scope: "acme", Package: "starter"},
		Current:     models.TrustUnknown,
		Risk:        decision.RiskHigh,
		RiskReasons: []string{"runs shell command: npm install"},
		Operations:  []models.Operation{{Type: models.OpShellExecute, Target: "npm install"}},
	}
}

func TestDecideRetriesUnrecognised(t *testing.T) {
	var out bytes.Buffer
	s := newLineSource(strings.NewReader("maybe\nb\n"), &out)
	defer s.Close()

	c, err := s.Decide(context.Background(), testPrompt())
	if err != nil || c != decision.Block {
		t.Fatalf("Decide = %q, %v", c, err)
	}
	for _, want := range []string{"npm:@acme/starter", "HIGH", "shell_execute npm install", `unrecognised answer "maybe"`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("prompt output missing %q:\n%s", want, out.String())
		}
	}
}

func TestDecideEOFCancels(t *testing.T) {
	s := newLineSource(strings.NewReader(""), io.Discard)
	defer s.Close()
	if _, err := s.Decide(context.Background(), testPrompt()); !errors.Is(err, decision.ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

func TestDecideHonoursContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	s := newLineSource(pr, io.Discard)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Decide(ctx, testPrompt()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestDecideBulk(t *testing.T) {
	s := newLineSource(strings.NewReader("o\ni\n"), io.Discard)
	defer s.Close()
	prompts := []decision.Prompt{testPrompt(), testPrompt()}

	ans, err := s.DecideBulk(context.Background(), prompts)
	if err != nil || ans.All == nil || *ans.All != decision.ApproveOnce {
		t.Fatalf("first bulk answer = %+v, %v", ans, err)
	}
	ans, err = s.DecideBulk(context.Background(), prompts)
	if err != nil || ans.All != nil || len(ans.PerCreator) != 0 {
		t.Errorf("individually = %+v, %v", ans, err)
	}
}

func TestConfirm(t *testing.T) {
	s := newLineSource(strings.NewReader("y\n\n"), io.Discard)
	defer s.Close()
	a := policy.Authorization{Operation: models.Operation{Type: models.OpFileDelete, Target: "src", Recursive: true}}

	if ok, err := s.Confirm(context.Background(), a); !ok || err != nil {
		t.Errorf("yes = %v, %v", ok, err)
	}
	if ok, _ := s.Confirm(context.Background(), a); ok {
		t.Error("empty answer should deny")
	}
	if ok, err := s.Confirm(context.Background(), a); ok || err != nil {
		t.Errorf("EOF = %v, %v; want deny without error", ok, err)
	}
}
