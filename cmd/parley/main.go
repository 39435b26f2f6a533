// Package main provides the CLI entry point for the Parley assistant
// runtime.
//
// main.go builds the cobra command tree; app.go wires the runtime from
// configuration; commands.go holds the command builders and handlers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "parley",
		Short:         "Parley AI assistant runtime",
		Long:          "Parley answers questions over configured model providers, with tool calling,\nmulti-agent workflows, conversation memory and an optional ERP integration.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildAskCmd(),
		buildWorkflowCmd(),
		buildChatsCmd(),
		buildHealthCmd(),
		buildVersionCmd(),
	)
	return root
}
