// Command zoo-demo is an interactive REPL over a Mock backend, used to
// exercise the agent engine end to end without a real GGUF model loaded.
//
// Usage:
//
//	zoo-demo --template llama3 --system "You are terse." --max-tokens 256
//
// Interactive commands: /quit, /exit, /clear, /help.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zookeeper-run/zoo"
	"github.com/zookeeper-run/zoo/internal/backend"
	"github.com/zookeeper-run/zoo/internal/engine"
	"github.com/zookeeper-run/zoo/internal/logging"
)

var (
	temperature float64
	maxTokens   int
	contextSize int
	template    string
	system      string
	logLevel    string
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("zoo-demo failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zoo-demo",
		Short: "Interactive REPL against zoo's Mock backend",
		RunE:  runDemo,
	}

	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature recorded in the backend config")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", engine.DefaultMaxGenerationTokens, "maximum generated pieces per turn")
	cmd.Flags().IntVar(&contextSize, "context-size", 4096, "context window in tokens, used for pruning")
	cmd.Flags().StringVar(&template, "template", "llama3", "prompt template: llama3 or chatml")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "debug, info, warn, or error")

	return cmd
}

func runDemo(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{Level: logLevel, Format: "text", Output: os.Stderr})

	kind, err := templateKind(template)
	if err != nil {
		return err
	}

	mock := backend.NewMock()
	mock.Template = engine.Template{Kind: kind}

	agent, err := zoo.New(zoo.Config{
		Backend: backend.Config{
			ModelPath:   "mock://demo",
			ContextSize: contextSize,
			KVType:      backend.KVQuantF16,
			Temperature: temperature,
		},
		SystemPrompt:        system,
		MaxGenerationTokens: maxTokens,
	}, mock)
	if err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	defer agent.Stop()

	fmt.Fprintln(cmd.OutOrStdout(), "zoo-demo ready. Type a message, or /help for commands.")
	repl(cmd, agent, logger)
	return nil
}

func repl(cmd *cobra.Command, agent *zoo.Agent, logger *logging.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	out := cmd.OutOrStdout()

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return
		case "/help":
			fmt.Fprintln(out, "/quit, /exit  leave the REPL")
			fmt.Fprintln(out, "/clear        cancel the in-flight turn, if any")
			continue
		case "/clear":
			agent.Cancel()
			continue
		}

		resp, err := agent.SubmitAndWait(line, func(piece string) {
			fmt.Fprint(out, piece)
		})
		fmt.Fprintln(out)
		if err != nil {
			logger.Error(cmd.Context(), "turn failed", "error", err)
			continue
		}
		fmt.Fprintf(out, "[%d prompt / %d completion tokens, %.0fms]\n", resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Metrics.LatencyMs)
	}
}

func templateKind(name string) (engine.TemplateKind, error) {
	switch strings.ToLower(name) {
	case "llama3":
		return engine.TemplateLlama3, nil
	case "chatml":
		return engine.TemplateChatML, nil
	default:
		return "", fmt.Errorf("unknown template %q: want llama3 or chatml", name)
	}
}
