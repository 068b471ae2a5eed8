// Package main is the single-binary entrypoint for the MCP coordinator
// daemon, mcpd. Grounded on the teacher's cmd/omega/main.go wiring style
// (load env, construct each component, then hand off to the long-running
// loop) and on Tutu-Engine-tutuengine's cli.Execute cobra entrypoint.
package main

import (
	"os"

	"github.com/valknarthing/universal-mcp/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
