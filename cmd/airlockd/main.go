package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/trelab/airlockd/internal/authz"
	"github.com/trelab/airlockd/internal/config"
	"github.com/trelab/airlockd/internal/doctor"
	"github.com/trelab/airlockd/internal/events"
	"github.com/trelab/airlockd/internal/ingress"
	"github.com/trelab/airlockd/internal/inspect"
	"github.com/trelab/airlockd/internal/lock"
	"github.com/trelab/airlockd/internal/log"
	"github.com/trelab/airlockd/internal/mover"
	"github.com/trelab/airlockd/internal/notify"
	"github.com/trelab/airlockd/internal/orchestrator"
	"github.com/trelab/airlockd/internal/review"
	"github.com/trelab/airlockd/internal/store"
	"github.com/trelab/airlockd/internal/tiers"
)

const version = "0.1.0"

const defaultConfigPath = "airlockd.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "inspect":
		os.Exit(runInspect(args))
	case "version":
		fmt.Printf("airlockd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`airlockd - controlled data import/export lifecycle daemon

Usage:
  airlockd <command> [flags]

Commands:
  start     Run the daemon in the foreground
  doctor    Validate configuration, database, and storage tiers
  inspect   Show the audit trail of a request
  version   Show version information
  help      Show this help message

Use 'airlockd <command> --help' for command-specific flags.
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("airlockd starting", "version", version, "config", *configPath)

	pidLock, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	if result := doctor.New(cfg).Validate(context.Background()); !result.Valid {
		for _, issue := range result.Errors {
			logger.Error("preflight check failed", "category", issue.Category, "message", issue.Message)
		}
		return 1
	}

	db, err := store.OpenSQLite(context.Background(), cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.DatabasePath)

	st := store.New(db)
	hub := events.NewHub(256)
	auth := authz.NewStatic(cfg.Roles)
	registry := tiers.NewRegistry(cfg.StorageRoot)
	mv := mover.New(registry, cfg.MoveAttempts, cfg.MoveRetryDelay)

	orch := orchestrator.New(st, auth, mv, hub, orchestrator.Options{
		Workers:       cfg.MoveWorkers,
		SweepInterval: cfg.SweepInterval,
		StuckAfter:    cfg.StuckAfter,
		ScanTimeout:   cfg.ScanTimeout,
	})
	coordinator := review.NewCoordinator(st, auth, orch, hub)

	relay := notify.NewRelay(hub, notify.NewLogNotifier())

	ingressServer := ingress.New(ingress.Config{
		Listen: cfg.Listen,
		Secret: cfg.IngressSecret,
	}, orch, coordinator, st, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go orch.Run(ctx)
	go relay.Run(ctx)
	go func() {
		if err := ingressServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("ingress: %w", err)
		}
	}()
	logger.Info("event ingress enabled", "listen", cfg.Listen, "signed", cfg.IngressSecret != "")

	logger.Info("airlockd running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("airlockd stopped")
	return 0
}

func runInspect(args []string) int {
	// Custom flag handling so flags may follow the request ID, as in
	// 'airlockd inspect <id> --json'.
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	var requestID string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && requestID == "" {
			requestID = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if requestID == "" {
		fmt.Fprintf(os.Stderr, "Usage: airlockd inspect <request_id> [--config PATH] [--json]\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	db, err := store.OpenSQLite(context.Background(), cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	st := store.New(db)
	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), st, requestID)
	} else {
		report, err = inspect.BuildReport(context.Background(), st, requestID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate(context.Background())

	if *jsonOut {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		printDoctorResult(result)
	}

	if !result.Valid {
		return 1
	}
	if *strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func printDoctorResult(result *doctor.Result) {
	if result.Valid {
		fmt.Println("Status: configuration check PASSED")
	} else {
		fmt.Println("Status: configuration check FAILED")
	}
	for _, issue := range result.Errors {
		fmt.Printf("  ERROR [%s] %s\n", issue.Category, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Printf("  WARN  [%s] %s\n", issue.Category, issue.Message)
	}
}
