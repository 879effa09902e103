package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/resume-rooster/internal/domain"
)

func TestTerminalViewStreamsSuffixes(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	v := newTerminalView(&b)

	v.echoed("hello")
	v.MessageAppended(0, domain.Message{Role: domain.RoleUser, Text: "hello"})
	v.MessageAppended(1, domain.Message{Role: domain.RoleAssistant, Text: ""})
	v.MessageUpdated(1, domain.Message{Role: domain.RoleAssistant, Text: "Hi"})
	v.MessageUpdated(1, domain.Message{Role: domain.RoleAssistant, Text: "Hi there"})
	v.finishLine()

	if got := b.String(); got != "rooster: Hi there\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestTerminalViewReprintsRewrittenText(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	v := newTerminalView(&b)

	v.MessageAppended(0, domain.Message{Role: domain.RoleAssistant, Text: "see [1]"})
	v.MessageUpdated(0, domain.Message{Role: domain.RoleAssistant, Text: "see /files/f1"})
	v.finishLine()

	want := "rooster: see [1]\nrooster: see /files/f1\n"
	if got := b.String(); got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

type scriptedSender struct {
	errs []error
	sent []string
}

func (s *scriptedSender) Send(_ context.Context, text string) error {
	s.sent = append(s.sent, text)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func TestChatLoopSurvivesFailedTurn(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{errs: []error{
		fmt.Errorf("%w: run failed: server_error", domain.ErrUpstream),
		fmt.Errorf("%w: input is disabled", domain.ErrState),
	}}
	var out strings.Builder
	in := strings.NewReader("hello\nagain\n/resume\n/quit\nnever sent\n")

	err := chatLoop(context.Background(), in, &out, sender, func() string { return "# Draft" }, newTerminalView(&out), false)
	if err != nil {
		t.Fatalf("chatLoop: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %v", sender.sent)
	}
	got := out.String()
	for _, want := range []string{"(turn failed: ", "server_error", "restart the chat", "# Draft"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestChatLoopStopsWhenCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sender := &scriptedSender{errs: []error{context.Canceled}}
	var out strings.Builder

	err := chatLoop(ctx, strings.NewReader("hello\n"), &out, sender, func() string { return "" }, newTerminalView(&out), false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestClientIDPersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", idFileName)
	first, err := clientID(path)
	if err != nil {
		t.Fatalf("clientID: %v", err)
	}
	second, err := clientID(path)
	if err != nil {
		t.Fatalf("clientID: %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("ids differ: %q vs %q", first, second)
	}
	data, err := os.ReadFile(path)
	if err != nil || strings.TrimSpace(string(data)) != first {
		t.Fatalf("stored id = %q, err = %v", data, err)
	}
}
