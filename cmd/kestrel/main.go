// Command kestrel runs the AI-driven penetration-testing orchestrator:
// an HTTP API server by default, or a single scan from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

var version = "dev"

type cli struct {
	Config   string `help:"Path to a YAML config file." short:"c" type:"path" env:"KESTREL_CONFIG"`
	LogLevel string `help:"Override the configured log level (debug, info, warn, error)." env:"KESTREL_LOG_LEVEL"`

	Serve   serveCmd   `cmd:"" default:"withargs" help:"Run the HTTP API server."`
	Scan    scanCmd    `cmd:"" help:"Run one scan and stream its events to stdout."`
	Tools   toolsCmd   `cmd:"" help:"List the registered security tools."`
	Version versionCmd `cmd:"" help:"Print version information."`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("kestrel %s\n", version)
	return nil
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("kestrel"),
		kong.Description("AI-driven penetration-testing orchestrator."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&c); err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}
}
