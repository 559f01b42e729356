package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/deepnoodle-ai/invoiceflow/abilities"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// CLI configuration
type cliConfig struct {
	InvoiceFile   string
	ConfigFile    string
	ToolsFile     string
	DataDir       string
	PostgresDSN   string
	ListReviews   bool
	ResumeID      string
	Decision      string
	ReviewerID    string
	Notes         string
	StatusID      string
	CheckpointsID string
	Timeout       time.Duration
	Verbose       bool
	JSON          bool
}

func main() {
	config := parseFlags()
	logger := setupLogger(config.Verbose)

	engineConfig := invoiceflow.DefaultConfig()
	if config.ConfigFile != "" {
		var err error
		engineConfig, err = invoiceflow.LoadConfig(config.ConfigFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	tools := invoiceflow.DefaultToolConfig()
	if config.ToolsFile != "" {
		var err error
		tools, err = invoiceflow.LoadToolConfig(config.ToolsFile)
		if err != nil {
			log.Fatalf("Failed to load tool config: %v", err)
		}
	}

	states, checkpoints, cleanup := setupStores(config)
	defer cleanup()

	engine, err := invoiceflow.NewEngine(invoiceflow.EngineOptions{
		Config:      &engineConfig,
		States:      states,
		Checkpoints: checkpoints,
		Invoker:     abilities.Simulated(),
		Tools:       tools,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	switch {
	case config.ListReviews:
		listReviews(ctx, engine, config)
	case config.ResumeID != "":
		resumeWorkflow(ctx, engine, config)
	case config.StatusID != "":
		showStatus(ctx, engine, config)
	case config.CheckpointsID != "":
		showCheckpoints(ctx, engine, config)
	case config.InvoiceFile != "":
		runInvoice(ctx, engine, config)
	default:
		color.Red("Error: nothing to do")
		flag.Usage()
		os.Exit(1)
	}
}

func runInvoice(ctx context.Context, engine *invoiceflow.Engine, config *cliConfig) {
	payload, err := loadInvoice(config.InvoiceFile)
	if err != nil {
		log.Fatalf("Failed to load invoice: %v", err)
	}

	color.Blue("Processing invoice %s from %s (%.2f)", payload.InvoiceID, payload.VendorName, payload.Amount)
	start := time.Now()
	result, err := engine.Execute(ctx, payload)
	if err != nil {
		log.Fatalf("Execution failed: %v", err)
	}
	printResult(result, time.Since(start), config)
}

func resumeWorkflow(ctx context.Context, engine *invoiceflow.Engine, config *cliConfig) {
	if config.Decision == "" {
		color.Red("Error: -decision is required with -resume")
		os.Exit(1)
	}
	decision := invoiceflow.Decision(config.Decision)

	color.Blue("Resuming checkpoint %s with decision %s", config.ResumeID, decision)
	start := time.Now()
	result, err := engine.Resume(ctx, config.ResumeID, decision, config.ReviewerID, config.Notes)
	if err != nil {
		log.Fatalf("Resume failed: %v", err)
	}
	printResult(result, time.Since(start), config)
}

func listReviews(ctx context.Context, engine *invoiceflow.Engine, config *cliConfig) {
	entries, err := engine.ListPendingReviews(ctx)
	if err != nil {
		log.Fatalf("Failed to list pending reviews: %v", err)
	}
	if config.JSON {
		printJSON(entries)
		return
	}
	if len(entries) == 0 {
		color.Green("No invoices awaiting review")
		return
	}
	color.Cyan("%d invoice(s) awaiting review:\n", len(entries))
	for _, entry := range entries {
		priority := color.YellowString(entry.Priority.String())
		if entry.Priority == invoiceflow.PriorityHigh {
			priority = color.RedString(entry.Priority.String())
		}
		fmt.Printf("  [%s] %s  %s  %s %.2f  score=%.2f\n",
			priority, entry.CheckpointID, entry.InvoiceID, entry.VendorName, entry.Amount, entry.MatchScore)
		fmt.Printf("         reason: %s\n", entry.ReasonForHold)
		fmt.Printf("         review: %s\n", entry.ReviewURL)
	}
}

func showStatus(ctx context.Context, engine *invoiceflow.Engine, config *cliConfig) {
	state, err := engine.GetWorkflowStatus(ctx, config.StatusID)
	if err != nil {
		log.Fatalf("Failed to get workflow status: %v", err)
	}
	if config.JSON {
		printJSON(state)
		return
	}
	color.Cyan("Workflow %s", state.WorkflowID)
	fmt.Printf("  status:  %s\n", state.Status)
	fmt.Printf("  stage:   %s\n", state.CurrentStage)
	fmt.Printf("  invoice: %s (%s, %.2f)\n", state.Payload.InvoiceID, state.Payload.VendorName, state.Payload.Amount)
	fmt.Printf("  stages run:\n")
	for _, out := range state.StageOutputs {
		fmt.Printf("    %s  %s\n", out.Timestamp.Format(time.RFC3339), out.Stage)
	}
	for _, stageErr := range state.Errors {
		color.Red("  error at %s: %s", stageErr.Stage, stageErr.Message)
	}
}

func showCheckpoints(ctx context.Context, engine *invoiceflow.Engine, config *cliConfig) {
	checkpoints, err := engine.ListWorkflowCheckpoints(ctx, config.CheckpointsID)
	if err != nil {
		log.Fatalf("Failed to list checkpoints: %v", err)
	}
	if config.JSON {
		printJSON(checkpoints)
		return
	}
	color.Cyan("%d checkpoint(s) for workflow %s:\n", len(checkpoints), config.CheckpointsID)
	for _, cp := range checkpoints {
		fmt.Printf("  %s  %s  created %s\n", cp.CheckpointID, cp.Status, cp.CreatedAt.Format(time.RFC3339))
		if cp.Decision != "" {
			fmt.Printf("         decided: %s by %s at %s\n", cp.Decision, cp.ReviewerID, cp.DecidedAt.Format(time.RFC3339))
		}
	}
}

func printResult(result *invoiceflow.ExecuteResult, duration time.Duration, config *cliConfig) {
	if config.JSON {
		printJSON(result)
		return
	}
	switch result.Status {
	case invoiceflow.StatusCompleted:
		color.Green("Workflow %s completed in %v", result.WorkflowID, duration.Round(time.Millisecond))
		if len(result.Output) > 0 {
			printJSON(result.Output)
		}
	case invoiceflow.StatusAwaitingHuman:
		color.Yellow("Workflow %s paused for human review", result.WorkflowID)
		fmt.Printf("  checkpoint: %s\n", result.CheckpointID)
		fmt.Printf("  reason:     %s\n", result.Message)
		fmt.Printf("  resume:     %s -resume %s -decision ACCEPT -reviewer <id>\n",
			os.Args[0], result.CheckpointID)
	case invoiceflow.StatusFailed:
		color.Red("Workflow %s failed at %s: %s", result.WorkflowID, result.FailedStage, result.Message)
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal output: %v", err)
	}
	fmt.Println(string(data))
}

func loadInvoice(path string) (*invoiceflow.InvoicePayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payload invoiceflow.InvoicePayload
	if json.Valid(data) {
		err = json.Unmarshal(data, &payload)
	} else {
		err = yaml.Unmarshal(data, &payload)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse invoice file %s: %w", path, err)
	}
	return &payload, nil
}

func setupStores(config *cliConfig) (invoiceflow.StateStore, invoiceflow.CheckpointStore, func()) {
	if config.PostgresDSN != "" {
		store, err := invoiceflow.OpenPostgresStore(context.Background(), config.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		if err := store.InitSchema(context.Background()); err != nil {
			log.Fatalf("Failed to initialize schema: %v", err)
		}
		return store, store, func() { store.Close() }
	}
	store, err := invoiceflow.NewFileStore(config.DataDir)
	if err != nil {
		log.Fatalf("Failed to create file store: %v", err)
	}
	return store, store, func() {}
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return invoiceflow.NewLogger(level)
}

func parseFlags() *cliConfig {
	config := &cliConfig{}

	flag.StringVar(&config.InvoiceFile, "invoice", "", "Path to an invoice file (JSON or YAML)")
	flag.StringVar(&config.InvoiceFile, "f", "", "Path to an invoice file (shorthand)")

	flag.StringVar(&config.ConfigFile, "config", "", "Path to a pipeline config file (optional)")
	flag.StringVar(&config.ToolsFile, "tools", "", "Path to a tool-pool config file (optional)")

	flag.StringVar(&config.DataDir, "data", "", "Data directory for file-based storage (default ~/.invoiceflow/workflows)")
	flag.StringVar(&config.PostgresDSN, "postgres", "", "Postgres DSN; overrides file-based storage")

	flag.BoolVar(&config.ListReviews, "list-reviews", false, "List invoices awaiting human review and exit")

	flag.StringVar(&config.ResumeID, "resume", "", "Checkpoint ID to resume")
	flag.StringVar(&config.Decision, "decision", "", "Review decision: ACCEPT, REJECT, or ESCALATE")
	flag.StringVar(&config.ReviewerID, "reviewer", "", "Reviewer identifier for -resume")
	flag.StringVar(&config.Notes, "notes", "", "Reviewer notes for -resume")

	flag.StringVar(&config.StatusID, "status", "", "Workflow ID to show status for")
	flag.StringVar(&config.CheckpointsID, "checkpoints", "", "Workflow ID to list checkpoints for")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Execution timeout (e.g., 30s, 5m)")
	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Invoiceflow CLI - Process invoices through the matching pipeline

Usage: %s [options]

Examples:
  # Process an invoice
  %s -invoice invoice.json

  # List invoices awaiting review
  %s -list-reviews

  # Approve a paused invoice
  %s -resume chk_01h... -decision ACCEPT -reviewer alice -notes "verified against PO"

  # Inspect a workflow
  %s -status wf_01h...

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return config
}
