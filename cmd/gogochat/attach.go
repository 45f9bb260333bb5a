package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/webchat/internal/transport/ws"
)

func newAttachCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Chat through a running backend's WebSocket relay",
		Long: `Connects to GET /ws of a running "gogochat serve" and chats through it. The
conversations are stored by the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connecting to %s...\n", addr)

			c, err := dialRelay(addr, newTerminalView(out), out)
			if err != nil {
				return err
			}
			defer c.Close()

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer signal.Stop(interrupts)

			fmt.Fprintln(out, "Connected. Type a message and press Enter to send.")
			fmt.Fprintln(out, "Commands: /new, /list, /select <id>, /delete <id>, /clear, /model <name>, /quit")
			return c.run(cmd.Context(), cmd.InOrStdin(), interrupts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", fmt.Sprintf("ws://localhost:%d/ws", a.cfg.HTTPPort), "WebSocket relay address")
	return cmd
}

// relayEvent is any message sent by the relay.
type relayEvent struct {
	Type           string                   `json:"type"`
	ConversationID string                   `json:"conversation_id"`
	Token          string                   `json:"token"`
	Text           string                   `json:"text"`
	Code           string                   `json:"code"`
	Message        string                   `json:"message"`
	Conversations  []ws.ConversationSummary `json:"conversations"`
}

// relayClient is a terminal front-end of the WebSocket relay.
type relayClient struct {
	conn *websocket.Conn
	view *terminalView
	out  io.Writer

	writeMu   sync.Mutex
	model     string
	streaming atomic.Bool
	closed    chan struct{} // closed when the read loop ends
	closeOnce sync.Once
}

func dialRelay(addr string, view *terminalView, out io.Writer) (*relayClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &relayClient{
		conn:   conn,
		view:   view,
		out:    out,
		closed: make(chan struct{}),
	}
	go c.readMessages()
	return c, nil
}

// Close closes the connection.
func (c *relayClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *relayClient) send(msg ws.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// run forwards user input to the relay until EOF, /quit, an idle interrupt or
// the server going away. An interrupt while an answer streams cancels it.
func (c *relayClient) run(ctx context.Context, in io.Reader, interrupts <-chan os.Signal) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(in, stop)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return fmt.Errorf("connection closed by server")
		case <-interrupts:
			if c.streaming.Load() {
				if err := c.send(ws.ClientMessage{Type: ws.TypeCancel}); err != nil {
					return fmt.Errorf("send cancel: %w", err)
				}
				continue
			}
			fmt.Fprintln(c.out, "\nInterrupted")
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			msg, quit, err := c.parse(strings.TrimSpace(l))
			if err != nil {
				fmt.Fprintf(c.out, "! %v\n", err)
				continue
			}
			if quit {
				fmt.Fprintln(c.out, "Bye!")
				return nil
			}
			if msg == nil {
				continue
			}
			if err := c.send(*msg); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

// parse turns an input line into the message to send, if any.
func (c *relayClient) parse(line string) (*ws.ClientMessage, bool, error) {
	if line == "" {
		return nil, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return &ws.ClientMessage{Type: ws.TypeSend, Content: line, Model: c.model}, false, nil
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch fields[0] {
	case "/quit", "/exit":
		return nil, true, nil
	case "/new":
		return &ws.ClientMessage{Type: ws.TypeNew}, false, nil
	case "/list":
		return &ws.ClientMessage{Type: ws.TypeList}, false, nil
	case "/clear":
		return &ws.ClientMessage{Type: ws.TypeClear}, false, nil
	case "/cancel":
		return &ws.ClientMessage{Type: ws.TypeCancel}, false, nil
	case "/select", "/delete":
		if arg == "" {
			return nil, false, fmt.Errorf("usage: %s <id>", fields[0])
		}
		typ := ws.TypeSelect
		if fields[0] == "/delete" {
			typ = ws.TypeDelete
		}
		return &ws.ClientMessage{Type: typ, ConversationID: arg}, false, nil
	case "/model":
		if arg == "" {
			return nil, false, fmt.Errorf("usage: /model <name>")
		}
		c.model = arg
		fmt.Fprintf(c.out, "Model set to %s\n", arg)
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("unknown command %s", fields[0])
	}
}

// readMessages renders relay messages until the connection ends.
func (c *relayClient) readMessages() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !isClosedConn(err) {
				fmt.Fprintf(c.out, "! read error: %v\n", err)
			}
			return
		}

		var ev relayEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			fmt.Fprintf(c.out, "! bad message: %v\n", err)
			continue
		}
		c.render(ev)
	}
}

func (c *relayClient) render(ev relayEvent) {
	switch ev.Type {
	case ws.TypeUserMessage:
		c.view.RenderUserMessage(ev.Token, ev.Text)
	case ws.TypePlaceholder:
		c.streaming.Store(true)
		c.view.CreateAssistantPlaceholder(ev.Token)
	case ws.TypeDelta:
		c.view.RenderAssistant(ev.Token, ev.Text)
	case ws.TypeDone, ws.TypeAborted:
		c.view.RenderAssistant(ev.Token, ev.Text)
		c.view.finish()
		c.streaming.Store(false)
	case ws.TypeError:
		c.view.ShowError(ev.Token, ev.Message)
		if ev.Token == "" {
			return
		}
		// The relay follows a failed stream with its final delta only.
		c.streaming.Store(false)
	case ws.TypeCleared:
		c.view.ClearMessages()
	case ws.TypeConversation:
		fmt.Fprintf(c.out, "Conversation %s\n", ev.ConversationID)
	case ws.TypeConversations:
		if len(ev.Conversations) == 0 {
			fmt.Fprintln(c.out, "No conversations.")
		}
		for _, s := range ev.Conversations {
			mark := " "
			if s.ID == ev.ConversationID {
				mark = "*"
			}
			fmt.Fprintf(c.out, "%s %s  %s  (%d messages)\n", mark, s.ID, s.Title, s.MessageCount)
		}
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
