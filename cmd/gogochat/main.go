// Command gogochat is a streaming chat client together with the conversation
// backend it talks to.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}
