package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/webchat/internal/chat"
	"github.com/xiaot623/gogo/webchat/internal/store"
)

const chatHelp = `Type a message and press Enter to send. Ctrl+C stops the answer being
streamed; pressed while idle it exits.

Commands:
  /new            start a new conversation
  /list           list stored conversations
  /select <id>    switch to a conversation and replay it
  /delete <id>    delete a conversation
  /clear          delete every conversation
  /model <name>   change the model for later messages
  /help           show this help
  /quit           exit`

func newChatCmd(a *app) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := store.Open(a.cfg.DatabaseURL, a.logger.Named("store"))
			defer st.Close()

			out := cmd.OutOrStdout()
			view := newTerminalView(out)
			sess := chat.NewSession(st, a.streamer(), view,
				chat.WithLogger(a.logger.Named("session")),
				chat.WithOptions(a.sessionOptions()))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if conversationID != "" {
				if _, err := sess.Select(ctx, conversationID); err != nil {
					return err
				}
				view.finish()
			}

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer signal.Stop(interrupts)

			fmt.Fprintln(out, chatHelp)
			fmt.Fprintln(out)
			return runREPL(ctx, sess, view, cmd.InOrStdin(), out, interrupts)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Resume the conversation with this id")
	return cmd
}

// runREPL reads commands and messages from in until EOF, /quit or an
// interrupt while idle. An interrupt while an answer streams cancels it.
func runREPL(ctx context.Context, sess *chat.Session, view *terminalView, in io.Reader, out io.Writer, interrupts <-chan os.Signal) error {
	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(in, stop)

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			fmt.Fprintln(out, "\nInterrupted")
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, sess, view, out, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				fmt.Fprintln(out, "Bye!")
				return nil
			}
			continue
		}

		if err := send(ctx, sess, view, line, interrupts); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}

// readLines delivers the lines of in until EOF or until stop is closed.
func readLines(in io.Reader, stop <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()
	return lines
}

// send streams one answer, cancelling it on interrupt.
func send(ctx context.Context, sess *chat.Session, view *terminalView, text string, interrupts <-chan os.Signal) error {
	done := make(chan error, 1)
	go func() {
		_, err := sess.Send(ctx, text)
		done <- err
	}()

	for {
		select {
		case err := <-done:
			view.finish()
			return err
		case <-interrupts:
			sess.Cancel()
		}
	}
}

func runCommand(ctx context.Context, sess *chat.Session, view *terminalView, out io.Writer, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(out, chatHelp)

	case "/new":
		conv, err := sess.NewConversation(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "New conversation %s\n", conv.ID)

	case "/list":
		convs, err := sess.List(ctx)
		if err != nil {
			return false, err
		}
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations.")
		}
		current := sess.ConversationID()
		for _, c := range convs {
			mark := " "
			if c.ID == current {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %s  %s  (%d messages, %s)\n", mark, c.ID, c.Title, len(c.Messages),
				time.UnixMilli(c.UpdatedAt).Format(time.DateTime))
		}

	case "/select":
		if arg == "" {
			return false, fmt.Errorf("usage: /select <id>")
		}
		if _, err := sess.Select(ctx, arg); err != nil {
			return false, err
		}
		view.finish()

	case "/delete":
		if arg == "" {
			return false, fmt.Errorf("usage: /delete <id>")
		}
		if err := sess.Delete(ctx, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Deleted %s\n", arg)

	case "/clear":
		if err := sess.Clear(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "All conversations deleted.")

	case "/model":
		if arg == "" {
			fmt.Fprintf(out, "Model: %s\n", sess.Options().Model)
			return false, nil
		}
		sess.SetModel(arg)
		fmt.Fprintf(out, "Model set to %s\n", arg)

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}
