package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"agentfleet/internal/eventbus"
	"agentfleet/internal/llm"
	"agentfleet/internal/orchestrator"
	"agentfleet/internal/policy"
	"agentfleet/internal/store"
	"agentfleet/internal/vcs"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`agentfleet - orchestrate a fleet of autonomous coding-agent workers

Usage:
  agentfleet run          Start the scheduler loop over all workers
  agentfleet provision    Provision workers for a repository and task
  agentfleet delete       Delete a worker and its workspace
  agentfleet status       Show worker status
  agentfleet output       Print a worker's accumulated output
  agentfleet policy-init  Write a default policy file

Run 'agentfleet <command> --help' for command flags.`)
}

// serviceOptions is the shared wiring every command needs.
type serviceOptions struct {
	DBPath        string
	PolicyPath    string
	WorkspaceRoot string
	WithLLM       bool
}

// buildService wires the scheduler from policy and flags. The llm client is
// only constructed for commands that run decision steps, so read-only
// commands work without an API key.
func buildService(opts serviceOptions) (*orchestrator.Service, policy.Config, error) {
	cfg, _, err := policy.Load(opts.PolicyPath)
	if err != nil {
		return nil, cfg, err
	}

	sqliteStore := store.NewSQLiteStore(opts.DBPath)
	if err := sqliteStore.Init(); err != nil {
		return nil, cfg, err
	}

	logger := log.New(os.Stderr, "agentfleet ", log.LstdFlags)

	bus, err := eventbus.New(cfg.Events.RedisURL, cfg.Events.TopicPrefix, logger)
	if err != nil {
		return nil, cfg, err
	}

	deps := orchestrator.Dependencies{
		Store:         sqliteStore,
		Bus:           bus,
		VCS:           vcs.New(vcs.WithLogger(logger), vcs.WithCloneRetries(cfg.Scheduler.CloneRetries)),
		Logger:        logger,
		WorkspaceRoot: opts.WorkspaceRoot,
	}
	if opts.WithLLM {
		client, err := llm.NewOpenRouterClient(cfg)
		if err != nil {
			return nil, cfg, err
		}
		deps.LLM = client
	}

	service, err := orchestrator.NewService(cfg, deps)
	if err != nil {
		return nil, cfg, err
	}
	return service, cfg, nil
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var dbPath string
	var policyPath string
	var workspaceRoot string

	fs.StringVar(&dbPath, "db", "", "Path to SQLite DB (defaults to .agentfleet/agentfleet.db)")
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .agentfleet/policy.json)")
	fs.StringVar(&workspaceRoot, "workspace-root", "", "Directory for worker workspaces")
	if err := fs.Parse(args); err != nil {
		return err
	}

	service, cfg, err := buildService(serviceOptions{
		DBPath:        dbPath,
		PolicyPath:    policyPath,
		WorkspaceRoot: workspaceRoot,
		WithLLM:       true,
	})
	if err != nil {
		return err
	}
	defer service.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("agentfleet scheduler running (poll every %ds, stall after %ds)\n",
		cfg.Scheduler.PollIntervalSeconds, cfg.Scheduler.StallSeconds)
	if err := service.RunForever(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("agentfleet scheduler stopped")
	return nil
}
