// Package main provides the CLI entry point for the agent runtime
// core: a long-lived coding agent with persistent multi-tier memory,
// exposed either as a one-shot batch command or as an NDJSON server
// over stdio.
//
// # Basic usage
//
// Batch mode:
//
//	agentkernel -p "summarize the open questions" --db agent.db
//
// Server mode:
//
//	agentkernel --stdio --db agent.db
//
// # Environment variables
//
//   - AGENT_PROVIDER, AGENT_MODEL_REASONING, AGENT_MODEL_WORKHORSE, AGENT_MODEL_FAST
//   - AGENT_TOKEN_BUDGET_TEMPORAL, AGENT_TOKEN_BUDGET_COMPACTION_THRESHOLD, AGENT_TOKEN_BUDGET_COMPACTION_TARGET
//   - MIRIAD_MCP_CONFIG
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentkernel/agentkernel/internal/agent"
	"github.com/agentkernel/agentkernel/internal/compaction"
	"github.com/agentkernel/agentkernel/internal/config"
	"github.com/agentkernel/agentkernel/internal/core"
	"github.com/agentkernel/agentkernel/internal/ids"
	"github.com/agentkernel/agentkernel/internal/prompt"
	"github.com/agentkernel/agentkernel/internal/server"
	"github.com/agentkernel/agentkernel/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd(logger)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command and attaches its flags. It is
// separated from main() to facilitate testing.
func buildRootCmd(logger *slog.Logger) *cobra.Command {
	var (
		prompt_    string
		verbose    bool
		dbPath     string
		format     string
		stdioMode  bool
		configPath string
	)

	rootCmd := &cobra.Command{
		Use:          "agentkernel",
		Short:        "A long-lived coding agent with persistent multi-tier memory",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
				slog.SetDefault(logger)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}

			rt, err := newRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			switch {
			case stdioMode:
				return runServer(rt, logger)
			case prompt_ != "":
				return runBatch(rt, prompt_, format)
			default:
				return cmd.Help()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the SQLite database file")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML config file")
	rootCmd.Flags().StringVarP(&prompt_, "prompt", "p", "", "run one turn in batch mode with this prompt")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	rootCmd.Flags().StringVar(&format, "format", "text", "batch output format: text|json")
	rootCmd.Flags().BoolVar(&stdioMode, "stdio", false, "run the NDJSON server over stdin/stdout")

	return rootCmd
}

// runtime bundles the wiring shared by batch and server modes: storage,
// the id service, the prompt assembler, the tool registry, and
// whatever model provider (if any) is configured. Provider adapters
// are outside this core's scope, so providerErr is non-nil unless
// providerFactory is set and returns a provider without error.
type runtime struct {
	cfg       config.Config
	store     *storage.Store
	ids       *ids.Service
	assembler *prompt.Assembler
	registry  *agent.Registry

	provider    agent.Provider
	providerErr error

	logger *slog.Logger
}

// providerFactory wires a concrete model provider before the CLI runs a
// turn. Left nil, every turn fails with a "no model provider registered"
// error rather than panicking.
var providerFactory func(cfg config.Config) (agent.Provider, error)

func newRuntime(cfg config.Config, logger *slog.Logger) (*runtime, error) {
	idSvc := ids.NewService()
	store, err := storage.Open(cfg.Database.Path, idSvc, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	registry := agent.NewRegistry()
	agent.RegisterPresentTools(registry, store)

	rt := &runtime{
		cfg:       cfg,
		store:     store,
		ids:       idSvc,
		assembler: prompt.NewAssembler(store, cfg.Tokens.TemporalBudget),
		registry:  registry,
		logger:    logger,
	}

	if providerFactory != nil {
		provider, err := providerFactory(cfg)
		if err != nil {
			rt.providerErr = err
		} else {
			rt.provider = provider
		}
	} else {
		rt.providerErr = fmt.Errorf("no model provider registered for %q", cfg.Provider.Name)
	}

	return rt, nil
}

// runTurn builds the RunTurn callback server mode hands to the NDJSON
// server; batch mode calls agent.Run directly in runBatch. On success
// it kicks off a best-effort compaction check in the background — the
// main turn never waits on it.
func (rt *runtime) runTurn(onBeforeTurn agent.OnBeforeTurn, onAssistant func(string, []agent.ToolCall), onToolResult func(agent.ToolCall, agent.ToolResultMsg)) server.RunTurn {
	return func(ctx context.Context, content string) (agent.RunResult, error) {
		if rt.providerErr != nil {
			return agent.RunResult{}, core.NewModelError(rt.providerErr)
		}

		opts := agent.Options{
			Store:        rt.store,
			Registry:     rt.registry,
			Provider:     rt.provider,
			Prompt:       rt.assembler,
			IDNew:        rt.ids.New,
			MaxTokens:    4096,
			OnBeforeTurn: onBeforeTurn,
			OnAssistant:  onAssistant,
			OnToolResult: onToolResult,
		}
		result, err := agent.Run(ctx, opts, content)
		if err == nil {
			go rt.runCompaction()
		}
		return result, err
	}
}

func (rt *runtime) runCompaction() {
	result, err := compaction.Run(context.Background(), compaction.Options{
		Store:     rt.store,
		Provider:  rt.provider,
		Prompt:    rt.assembler,
		IDNew:     rt.ids.New,
		Threshold: rt.cfg.Tokens.CompactionThreshold,
		Target:    rt.cfg.Tokens.CompactionTarget,
	})
	if err != nil {
		rt.logger.Warn("compaction run failed", "error", err)
		return
	}
	if result.Ran {
		rt.logger.Info("compaction ran", "tokens_before", result.TokensBefore, "tokens_after", result.TokensAfter, "finished", result.Finished)
	}
}

func runBatch(rt *runtime, promptText, format string) error {
	opts := agent.Options{
		Store:     rt.store,
		Registry:  rt.registry,
		Provider:  rt.provider,
		Prompt:    rt.assembler,
		IDNew:     rt.ids.New,
		MaxTokens: 4096,
	}
	if rt.providerErr != nil {
		return rt.providerErr
	}
	result, err := agent.Run(context.Background(), opts, promptText)
	if err != nil {
		return err
	}
	go rt.runCompaction()

	switch format {
	case "json":
		fmt.Printf(`{"response":%q,"turns":%d,"input_tokens":%d,"output_tokens":%d}`+"\n",
			result.Response, result.Turns, result.Usage.InputTokens, result.Usage.OutputTokens)
	default:
		fmt.Println(result.Response)
	}
	return nil
}

func runServer(rt *runtime, logger *slog.Logger) error {
	srv := server.New(os.Stdin, os.Stdout, logger, nil)

	onBeforeTurn := func(ctx context.Context) []core.Message {
		return srv.OnBeforeTurn(rt.ids.New)
	}
	onAssistant := func(text string, calls []agent.ToolCall) {
		srv.EmitAssistantText(text)
		srv.EmitAssistantToolCalls(calls)
	}
	srv.SetRunTurn(rt.runTurn(onBeforeTurn, onAssistant, srv.EmitToolResult))

	return srv.Serve(context.Background())
}
