// Command handoff is the entry point for the document ingestion and
// retrieval service. It provides a CLI interface (via Cobra) and an HTTP
// server exposing upload, search, chat, and handover report generation.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/handoff-go/cmd/handoff/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
