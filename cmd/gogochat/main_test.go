package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/webchat/internal/chat"
	"github.com/xiaot623/gogo/webchat/internal/client"
	"github.com/xiaot623/gogo/webchat/internal/config"
	"github.com/xiaot623/gogo/webchat/internal/domain"
	"github.com/xiaot623/gogo/webchat/internal/store"
	"github.com/xiaot623/gogo/webchat/internal/transport/ws"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type streamFunc func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error)

func (f streamFunc) Run(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
	return f(ctx, req, sink)
}

func TestTerminalViewPrintsIncrementally(t *testing.T) {
	var out bytes.Buffer
	v := newTerminalView(&out)

	v.RenderUserMessage("t1", "hi")
	v.CreateAssistantPlaceholder("t1")
	v.RenderAssistant("t1", "Hel")
	v.RenderAssistant("t1", "Hello")
	v.RenderAssistant("other", "ignored")
	v.RenderAssistant("t1", "Hello [aborted]")
	v.finish()

	assert.Equal(t, "you> hi\nbot> Hello [aborted]\n", out.String())
}

func TestTerminalViewAfterError(t *testing.T) {
	var out bytes.Buffer
	v := newTerminalView(&out)

	v.CreateAssistantPlaceholder("t1")
	v.RenderAssistant("t1", "so far")
	v.ShowError("t1", chat.ServerErrorMessage)
	v.RenderAssistant("t1", "so far [error]")
	v.finish()
	v.ClearMessages()

	assert.Equal(t, "bot> so far\n! "+chat.ServerErrorMessage+"\nbot> so far [error]\n----\n", out.String())
}

func TestREPLChatsAndRunsCommands(t *testing.T) {
	st := store.New(store.NewMemoryKV())
	var out syncBuffer
	view := newTerminalView(&out)
	sess := chat.NewSession(st, &chat.EchoStreamer{Interval: time.Millisecond}, view)

	in := strings.NewReader("hello\n\n/model gpt-4o\n/list\n/bogus\n/quit\nnever sent\n")
	err := runREPL(context.Background(), sess, view, in, &out, nil)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "you> hello\nbot> "+chat.EchoReply("hello")+"\n")
	assert.Contains(t, got, "Model set to gpt-4o")
	assert.Contains(t, got, "* "+sess.ConversationID())
	assert.Contains(t, got, "(2 messages")
	assert.Contains(t, got, "! unknown command /bogus")
	assert.True(t, strings.HasSuffix(got, "Bye!\n"))
	assert.NotContains(t, got, "never sent")
	assert.Equal(t, "gpt-4o", sess.Options().Model)
}

func TestREPLInterruptCancelsStream(t *testing.T) {
	started := make(chan struct{})
	streamer := streamFunc(func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
		_ = sink.OnChunk("partial")
		close(started)
		<-ctx.Done()
		return "partial", client.ErrCancelled
	})
	var out syncBuffer
	view := newTerminalView(&out)
	sess := chat.NewSession(store.New(store.NewMemoryKV()), streamer, view)

	interrupts := make(chan os.Signal, 1)
	go func() {
		<-started
		interrupts <- os.Interrupt
	}()

	in, w := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- runREPL(context.Background(), sess, view, in, &out, interrupts)
	}()

	_, err := w.Write([]byte("question\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "partial [aborted]\n")
	}, 3*time.Second, 5*time.Millisecond)

	// Idle now: a second interrupt exits.
	interrupts <- os.Interrupt
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("REPL did not exit on interrupt")
	}
	assert.Contains(t, out.String(), "Interrupted")
	w.Close()
}

func TestREPLSelectReplaysConversation(t *testing.T) {
	ctx := context.Background()
	st := store.New(store.NewMemoryKV())
	_, err := st.AddMessage(ctx, "c1", domain.RoleUser, "question")
	require.NoError(t, err)
	_, err = st.AddMessage(ctx, "c1", domain.RoleAssistant, "answer")
	require.NoError(t, err)

	var out syncBuffer
	view := newTerminalView(&out)
	sess := chat.NewSession(st, &chat.EchoStreamer{Interval: time.Millisecond}, view)

	err = runREPL(ctx, sess, view, strings.NewReader("/select c1\n/delete c1\n/list\n"), &out, nil)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "----\nyou> question\nbot> answer\n")
	assert.Contains(t, out.String(), "Deleted c1")
	assert.Contains(t, out.String(), "No conversations.")
	assert.Empty(t, sess.ConversationID())
}

func TestAttachChatsThroughRelay(t *testing.T) {
	st := store.New(store.NewMemoryKV())
	cfg := &config.Config{
		PingInterval:   time.Minute,
		WriteTimeout:   time.Second,
		ReadTimeout:    time.Minute,
		MaxMessageSize: 65536,
	}
	srv := ws.NewServer(cfg, ws.NewHub(), func(view chat.View) *chat.Session {
		return chat.NewSession(st, &chat.EchoStreamer{Interval: time.Millisecond}, view)
	}, nil)
	e := echo.New()
	e.GET("/ws", srv.HandleWebSocket)
	hs := httptest.NewServer(e)
	defer func() {
		hs.Close()
		srv.Wait()
	}()

	var out syncBuffer
	c, err := dialRelay("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", newTerminalView(&out), &out)
	require.NoError(t, err)
	defer c.Close()

	in, w := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- c.run(context.Background(), in, nil)
	}()

	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bot> "+chat.EchoReply("hello")+"\n")
	}, 3*time.Second, 5*time.Millisecond)

	_, err = w.Write([]byte("/list\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "(2 messages)")
	}, 3*time.Second, 5*time.Millisecond)

	_, err = w.Write([]byte("/select\n/quit\n"))
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("attach did not exit on /quit")
	}
	assert.Contains(t, out.String(), "! usage: /select <id>")
	w.Close()
}

func TestConversationsCommands(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	kv, err := store.NewSQLiteKV(dsn)
	require.NoError(t, err)
	st := store.New(kv)
	_, err = st.AddMessage(ctx, "c1", domain.RoleUser, "first")
	require.NoError(t, err)
	_, err = st.AddMessage(ctx, "c2", domain.RoleUser, "second")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		root := newRootCmd()
		root.SetOut(&out)
		root.SetErr(io.Discard)
		root.SetArgs(append([]string{"--db", dsn, "--log-level", "error"}, args...))
		require.NoError(t, root.Execute())
		return out.String()
	}

	listed := run("conversations", "list")
	assert.Contains(t, listed, "c1  c1  (1 messages")
	assert.Contains(t, listed, "c2  c2  (1 messages")

	assert.Contains(t, run("conversations", "show", "c1"), `"content": "first"`)
	assert.Equal(t, "Deleted c1\n", run("conv", "delete", "c1"))
	assert.NotContains(t, run("conversations", "list"), "c1  c1")
	assert.Equal(t, "All conversations deleted.\n", run("conversations", "clear"))
	assert.Equal(t, "No conversations.\n", run("conversations", "list"))
}

func TestRootFlagsOverrideConfig(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--mode", "MOCK", "--model", "gpt-4o", "--help"})
	root.SetOut(io.Discard)
	require.NoError(t, root.Execute())

	flags := root.PersistentFlags()
	mode, err := flags.GetString("mode")
	require.NoError(t, err)
	assert.Equal(t, "MOCK", mode)
	model, err := flags.GetString("model")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model)
}

func TestServeRelayBackendURL(t *testing.T) {
	t.Setenv("BACKEND_URL", "")
	require.NoError(t, os.Unsetenv("BACKEND_URL"))

	tests := []struct {
		name string
		env  string
		args []string
		want string
	}{
		{"follows the listen port", "", []string{"--port", "9000"}, "http://localhost:9000"},
		{"default port", "", nil, "http://localhost:8080"},
		{"flag wins", "", []string{"--port", "9000", "--backend-url", "http://backend:7000"}, "http://backend:7000"},
		{"environment wins", "http://env-backend:7001", []string{"--port", "9000"}, "http://env-backend:7001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env != "" {
				t.Setenv("BACKEND_URL", tt.env)
			}
			a := &app{cfg: config.Load()}
			a.cfg.HTTPPort = 8080
			root := a.rootCmd()
			serve, _, err := root.Find([]string{"serve"})
			require.NoError(t, err)
			require.NoError(t, serve.ParseFlags(tt.args))

			assert.Equal(t, tt.want, relayBackendURL(a.cfg, backendURLExplicit(serve)))
		})
	}
}
