package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/health"
)

const defaultConfigPath = "parley.yaml"

// =============================================================================
// Ask Command
// =============================================================================

func buildAskCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		chatID     string
		userID     string
		model      string
		workflow   string
		noStream   bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the assistant a question",
		Long: `Ask the assistant a question. The answer streams to stdout as it is
generated; pass --no-stream to wait for the complete answer instead.

Passing --chat continues an existing conversation; without it a new chat is
created and its ID printed so the conversation can be continued later.`,
		Example: `  # One-off question
  parley ask "What were last month's top selling items?"

  # Continue a conversation
  parley ask --chat 7f3b... "And the month before?"

  # Use a specific model provider and run through a workflow
  parley ask --model claude --workflow research "Summarize the Q3 pipeline."`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), configPath, debug)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			if workflow != "" {
				return runWorkflowQuestion(cmd, app, workflow, args[0], chatID, userID, noStream, asJSON)
			}
			return runAsk(cmd, app, args[0], chatID, userID, model, noStream, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&chatID, "chat", "", "Chat ID to continue an existing conversation")
	cmd.Flags().StringVar(&userID, "user", "", "User identity for rate limiting and sessions")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Named model provider (default: configured default)")
	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "Run the question through a named workflow")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the complete answer instead of streaming")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full response envelope as JSON")

	return cmd
}

func runAsk(cmd *cobra.Command, app *app, question, chatID, userID, model string, noStream, asJSON bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if noStream || asJSON {
		resp := app.assistant.ProcessQuestion(ctx, question, chatID, userID, model)
		if asJSON {
			return printJSON(out, resp)
		}
		if !resp.Success {
			return fmt.Errorf("request failed (%s): %s", resp.ErrorType, resp.Answer)
		}
		fmt.Fprintln(out, resp.Answer)
		fmt.Fprintf(cmd.ErrOrStderr(), "chat: %s\n", resp.ChatID)
		return nil
	}

	var errType string
	var finalChatID string
	for chunk := range app.assistant.ProcessQuestionStream(ctx, question, chatID, userID, model) {
		if chunk.Done {
			errType = chunk.ErrorType
			finalChatID = chunk.ChatID
			continue
		}
		fmt.Fprint(out, chunk.Text)
	}
	fmt.Fprintln(out)
	if errType != "" {
		return fmt.Errorf("request failed (%s)", errType)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "chat: %s\n", finalChatID)
	return nil
}

// =============================================================================
// Workflow Commands
// =============================================================================

func buildWorkflowCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and run multi-agent workflows",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	list := &cobra.Command{
		Use:   "list",
		Short: "List loaded workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), configPath, debug)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			names := app.assistant.ListWorkflows()
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no workflows loaded")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	info := &cobra.Command{
		Use:   "info [name]",
		Short: "Describe a loaded workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), configPath, debug)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			details := app.assistant.WorkflowInfo(args[0])
			if details == nil {
				return fmt.Errorf("workflow %q not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), details)
		},
	}

	cmd.AddCommand(list, info)
	return cmd
}

func runWorkflowQuestion(cmd *cobra.Command, app *app, workflowName, question, chatID, userID string, noStream, asJSON bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if noStream || asJSON {
		resp := app.assistant.RunWorkflow(ctx, workflowName, question, chatID, userID)
		if asJSON {
			return printJSON(out, resp)
		}
		if !resp.Success {
			return fmt.Errorf("workflow failed (%s)", resp.ErrorType)
		}
		fmt.Fprintln(out, resp.Answer)
		fmt.Fprintf(cmd.ErrOrStderr(), "chat: %s\n", resp.ChatID)
		return nil
	}

	currentAgent := ""
	var errType, finalChatID string
	for chunk := range app.assistant.RunWorkflowStream(ctx, workflowName, question, chatID, userID) {
		if chunk.Done {
			errType = chunk.ErrorType
			finalChatID = chunk.ChatID
			continue
		}
		if chunk.Agent != currentAgent {
			if currentAgent != "" {
				fmt.Fprintln(out)
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "**%s:**\n", chunk.Agent)
			currentAgent = chunk.Agent
		}
		fmt.Fprint(out, chunk.Text)
	}
	fmt.Fprintln(out)
	if errType != "" {
		return fmt.Errorf("workflow failed (%s)", errType)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "chat: %s\n", finalChatID)
	return nil
}

// =============================================================================
// Chats Commands
// =============================================================================

func buildChatsCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage stored conversations",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	var source string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List known chats",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), configPath, debug)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			chats, err := app.assistant.ListChats(cmd.Context(), source, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), chats)
		},
	}
	list.Flags().StringVar(&source, "source", "all", "Source tier: cache, persistence or all")
	list.Flags().IntVar(&limit, "limit", 100, "Maximum number of chats to list")

	del := &cobra.Command{
		Use:   "delete [chat-id]",
		Short: "Delete a chat from every storage tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), configPath, debug)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			if err := app.assistant.DeleteChat(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, del)
	return cmd
}

// =============================================================================
// Health Command
// =============================================================================

func buildHealthCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe configured dependencies and report aggregate health",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), configPath, debug)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			report := app.health.Check(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parley %s\n", version)
		},
	}
}

func printJSON(out io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}
