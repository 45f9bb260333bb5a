package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// terminalView renders a chat session as plain text. The assistant's answer
// is printed incrementally: each render writes only what was appended since
// the previous one.
type terminalView struct {
	mu      sync.Mutex
	out     io.Writer
	token   string // assistant message being printed
	printed string // its text as printed so far
	broken  bool   // an error line interrupted the answer
}

func newTerminalView(out io.Writer) *terminalView {
	return &terminalView{out: out}
}

func (v *terminalView) RenderUserMessage(token, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.finishLocked()
	fmt.Fprintf(v.out, "you> %s\n", text)
}

func (v *terminalView) CreateAssistantPlaceholder(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.finishLocked()
	v.token = token
	v.printed = ""
	v.broken = false
	fmt.Fprint(v.out, "bot> ")
}

func (v *terminalView) RenderAssistant(token, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if token != v.token {
		return
	}
	switch {
	case v.broken:
		fmt.Fprintf(v.out, "bot> %s", text)
	case strings.HasPrefix(text, v.printed):
		fmt.Fprint(v.out, text[len(v.printed):])
	default:
		fmt.Fprintf(v.out, "\nbot> %s", text)
	}
	v.printed = text
	v.broken = false
}

// ShowError prints message on its own line. Whatever answer was being printed
// is reprinted whole on its next render, since the error line split it.
func (v *terminalView) ShowError(token, message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "\n! %s\n", message)
	v.broken = v.token != ""
}

func (v *terminalView) ClearMessages() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.finishLocked()
	fmt.Fprintln(v.out, "----")
}

// finish ends the answer being printed, if any.
func (v *terminalView) finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.finishLocked()
}

func (v *terminalView) finishLocked() {
	if v.token == "" {
		return
	}
	fmt.Fprintln(v.out)
	v.token = ""
	v.printed = ""
	v.broken = false
}
