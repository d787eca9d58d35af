package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kfaulkner/steward/config"
	"github.com/kfaulkner/steward/llm"
	"github.com/kfaulkner/steward/logging"
	"github.com/kfaulkner/steward/service"
	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
)

func main() {
	providerFlag := flag.String("p", "", "LLM provider: gemini, openai, anthropic or bedrock (defaults to config)")
	modelFlag := flag.String("model", "", "Model name (defaults to config)")
	toolsetFlag := flag.String("t", "", "Toolset to use (defaults to 'default')")
	interactiveFlag := flag.Bool("i", false, "Stay in interactive mode for follow-up questions")
	verboseFlag := flag.Bool("v", false, "Print step and tool-call events while the agent runs")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)

	provider := cfg.Provider
	if *providerFlag != "" {
		provider = *providerFlag
	}
	if _, err := llm.ParseProvider(provider); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid provider: %v\n", err)
		fmt.Fprintf(os.Stderr, "Configured providers: %v\n", llm.Available())
		os.Exit(1)
	}

	goal := strings.Join(flag.Args(), " ")
	if goal == "" && !*interactiveFlag {
		fmt.Fprintln(os.Stderr, "Usage: steward [flags] <goal>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to tool provider: %+v\n", err)
		os.Exit(1)
	}
	gateway := tools.NewGateway(transport, cfg.ToolTimeoutDuration(), cfg.Retries(), logger)
	defer gateway.Close()
	if ts := cfg.GetToolset(*toolsetFlag); ts != nil {
		gateway.SetToolset(ts.Patterns)
	}

	modelFor := cfg.ModelFor
	if *modelFlag != "" {
		modelFor = func(string) string { return *modelFlag }
	}
	svc := service.New(session.NewStore(), gateway, service.DefaultFactory(modelFor, cfg.LLMTimeoutDuration()), cfg.MaxIterations, logger)
	defer svc.Shutdown()

	var id string
	if goal != "" {
		id, err = svc.Submit(goal, provider)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
			os.Exit(1)
		}
		watch(svc, id, *verboseFlag)
	}

	if !*interactiveFlag {
		if snap, err := svc.Status(id); err == nil && snap.Status == session.StatusError {
			os.Exit(1)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			break
		}

		if id == "" {
			id, err = svc.Submit(input, provider)
		} else {
			err = svc.Continue(id, input)
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		watch(svc, id, *verboseFlag)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

// buildTransport connects to the configured tool provider.
func buildTransport(cfg *config.Config) (tools.Transport, error) {
	switch cfg.MCP.Mode {
	case "stdio":
		return tools.NewStdioTransport(context.Background(), cfg.MCP.Command, cfg.MCP.Args)
	default:
		return tools.NewHTTPTransport(cfg.MCP.BaseURL), nil
	}
}

// watch streams one run's events to the terminal and prints the final
// response when the session terminates.
func watch(svc *service.Service, id string, verbose bool) {
	events, stop, err := svc.Stream(id)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer stop()

	for ev := range events {
		switch ev.Type {
		case session.EventStatusChanged:
			if verbose {
				fmt.Printf("  [%s]\n", ev.Data["status"])
			}
		case session.EventPlanCreated:
			fmt.Printf("  Plan: %v steps. %v\n", ev.Data["steps"], ev.Data["analysis"])
		case session.EventToolCallRecorded:
			if errMsg, _ := ev.Data["error"].(string); errMsg != "" {
				fmt.Printf("  Tool %v failed: %s\n", ev.Data["tool"], errMsg)
			} else if verbose {
				fmt.Printf("  Tool %v ok\n", ev.Data["tool"])
			}
		case session.EventStepUpdated:
			if verbose {
				fmt.Printf("  Step %v: %v\n", ev.Data["index"], ev.Data["status"])
			}
		}
	}

	snap, err := svc.Status(id)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Role == "assistant" {
			fmt.Printf("Steward: %s\n", snap.Messages[i].Content)
			break
		}
	}
	if snap.Status == session.StatusError {
		fmt.Printf("Session ended with error: %s\n", snap.Error)
	}
}
