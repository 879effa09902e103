package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ashureev/resume-rooster/internal/conversation"
	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/resume"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant",
	Long: `Chat with the assistant about your uploaded documents.

Inside the chat:
  /resume  print the current resume draft
  /quit    leave (the conversation is kept)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		view := newTerminalView(out)
		store := stateStore()
		handler := resume.NewHandler(store, func(string) {
			view.notice("resume updated, type /resume to see it")
		}, nil)
		ctrl := conversation.NewController(c, handler, store, conversation.WithObserver(view))

		if err := ctrl.Start(ctx); err != nil {
			return fmt.Errorf("start conversation: %w", err)
		}
		view.finishLine()

		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		return chatLoop(ctx, cmd.InOrStdin(), out, ctrl, handler.Content, view, interactive)
	},
}

type turnSender interface {
	Send(ctx context.Context, text string) error
}

// chatLoop reads lines until EOF or /quit. A failed turn is reported and
// the session stays open; the controller keeps input disabled after it.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, ctrl turnSender, draft func() string, view *terminalView, prompt bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	failed := false
	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/resume":
			if content := draft(); content != "" {
				fmt.Fprintln(out, content)
			} else {
				fmt.Fprintln(out, resume.OutputNotAvailable)
			}
			continue
		}

		view.echoed(line)
		err := ctrl.Send(ctx, line)
		view.finishLine()
		switch {
		case err == nil:
			failed = false
		case errors.Is(err, domain.ErrState) && failed:
			fmt.Fprintln(out, "(the last turn failed, restart the chat to continue this conversation)")
		case errors.Is(err, domain.ErrState):
			fmt.Fprintln(out, "(waiting for the assistant, try again)")
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			failed = true
			slog.Error("Turn failed", "error", err)
			fmt.Fprintf(out, "(turn failed: %v)\n", err)
		}
	}
	return scanner.Err()
}

// terminalView renders controller updates as appended terminal text.
// Streamed assistant text is printed as it grows.
type terminalView struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[int]string
	open    bool
	skip    string
}

var _ conversation.Observer = (*terminalView)(nil)

func newTerminalView(out io.Writer) *terminalView {
	return &terminalView{out: out, printed: make(map[int]string)}
}

// echoed suppresses the next user message, which the terminal already shows.
func (v *terminalView) echoed(line string) {
	v.mu.Lock()
	v.skip = line
	v.mu.Unlock()
}

func (v *terminalView) MessageAppended(index int, msg domain.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.endLineLocked()
	if msg.Role == domain.RoleUser && msg.Text == v.skip {
		v.skip = ""
		v.printed[index] = msg.Text
		return
	}
	fmt.Fprintf(v.out, "%s: %s", label(msg.Role), msg.Text)
	v.printed[index] = msg.Text
	v.open = true
}

func (v *terminalView) MessageUpdated(index int, msg domain.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev := v.printed[index]
	if strings.HasPrefix(msg.Text, prev) {
		fmt.Fprint(v.out, msg.Text[len(prev):])
	} else {
		// A citation was rewritten inside text already on screen.
		v.endLineLocked()
		fmt.Fprintf(v.out, "%s: %s", label(msg.Role), msg.Text)
	}
	v.printed[index] = msg.Text
	v.open = true
}

func (v *terminalView) InputChanged(bool) {}

func (v *terminalView) notice(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.endLineLocked()
	fmt.Fprintf(v.out, "(%s)\n", text)
}

func (v *terminalView) finishLine() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.endLineLocked()
}

func (v *terminalView) endLineLocked() {
	if v.open {
		fmt.Fprintln(v.out)
		v.open = false
	}
}

func label(r domain.Role) string {
	if r == domain.RoleUser {
		return "you"
	}
	return "rooster"
}
