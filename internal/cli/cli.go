package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ignatij/leadflow/internal/config"
	internal_http "github.com/ignatij/leadflow/internal/http"
	"github.com/ignatij/leadflow/internal/log"
	"github.com/ignatij/leadflow/internal/service"
	"github.com/ignatij/leadflow/pkg/graph"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// SetupCLI registers every leadflow command on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (default: ./config.yaml if present)")
	rootCmd.PersistentFlags().String("driver", "", "Database driver: postgres, sqlite or memory (overrides config)")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook intake and job scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			migrate, _ := cmd.Flags().GetBool("migrate")
			rt := initRuntime(cmd, migrate)
			defer rt.Close()
			if err := serve(cmd.Context(), rt); err != nil {
				fail("server stopped with error", err)
			}
		},
	}
	serveCmd.Flags().Bool("migrate", false, "Apply pending PostgreSQL migrations before starting")

	rootCmd.AddCommand(serveCmd, workflowCommand(), runCommand(), leadCommand())
}

func workflowCommand() *cobra.Command {
	workflowCmd := &cobra.Command{Use: "workflow", Short: "Manage workflow definitions"}

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a workflow graph document (JSON or YAML)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(args[0])
			if err != nil {
				fail("failed to read workflow document", err)
			}
			doc, err := service.ParseDocument(args[0], data)
			if err != nil {
				fail("failed to parse workflow document", err)
			}
			if org, _ := cmd.Flags().GetString("org"); org != "" {
				doc.OrganizationID = org
			}
			activate, _ := cmd.Flags().GetBool("activate")
			rt := initRuntime(cmd, false)
			defer rt.Close()
			def, err := rt.Workflows.ImportWorkflow(cmd.Context(), doc, activate)
			if err != nil {
				fail("failed to import workflow", err)
			}
			fmt.Fprintf(os.Stdout, "Imported workflow '%s' with ID %s (active: %t)\n", def.Name, def.ID, def.IsActive)
		},
	}
	importCmd.Flags().Bool("activate", false, "Activate the workflow after importing it")
	importCmd.Flags().String("org", "", "Organization id (overrides the document)")

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a workflow graph document without storing it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(args[0])
			if err != nil {
				fail("failed to read workflow document", err)
			}
			doc, err := service.ParseDocument(args[0], data)
			if err != nil {
				fail("failed to parse workflow document", err)
			}
			if err := graph.Validate(doc.Definition()); err != nil {
				var verr *graph.ValidationError
				if errors.As(err, &verr) {
					fmt.Fprintf(os.Stderr, "Workflow is invalid:\n")
					for _, p := range verr.Problems {
						fmt.Fprintf(os.Stderr, "  - %s\n", p)
					}
					os.Exit(1)
				}
				fail("failed to validate workflow", err)
			}
			fmt.Fprintf(os.Stdout, "Workflow is valid (%d nodes, %d edges)\n", len(doc.Nodes), len(doc.Edges))
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		Run: func(cmd *cobra.Command, args []string) {
			org, _ := cmd.Flags().GetString("org")
			rt := initRuntime(cmd, false)
			defer rt.Close()
			defs, err := rt.Engine.ListDefinitions(cmd.Context(), org)
			if err != nil {
				fail("failed to list workflows", err)
			}
			if len(defs) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Workflows:\n")
			for _, d := range defs {
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Org: %s, Active: %t, Runs: %d started / %d completed / %d failed, Created: %s\n",
					d.ID, d.Name, d.OrganizationID, d.IsActive, d.RunsStarted, d.RunsCompleted, d.RunsFailed, d.CreatedAt.Format(time.RFC3339))
			}
		},
	}
	listCmd.Flags().String("org", "", "Only list workflows of this organization")

	activateCmd := &cobra.Command{
		Use:   "activate [id]",
		Short: "Validate and activate a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rt := initRuntime(cmd, false)
			defer rt.Close()
			if err := rt.Engine.Activate(cmd.Context(), args[0]); err != nil {
				fail("failed to activate workflow", err)
			}
			fmt.Fprintf(os.Stdout, "Activated workflow %s\n", args[0])
		},
	}

	deactivateCmd := &cobra.Command{
		Use:   "deactivate [id]",
		Short: "Stop a workflow from starting new runs",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cancelInFlight, _ := cmd.Flags().GetBool("cancel-in-flight")
			rt := initRuntime(cmd, false)
			defer rt.Close()
			n, err := rt.Engine.Deactivate(cmd.Context(), args[0], cancelInFlight)
			if err != nil {
				fail("failed to deactivate workflow", err)
			}
			fmt.Fprintf(os.Stdout, "Deactivated workflow %s, cancelled %d run(s)\n", args[0], n)
		},
	}
	deactivateCmd.Flags().Bool("cancel-in-flight", false, "Also cancel runs that are still running or waiting")

	workflowCmd.AddCommand(importCmd, validateCmd, listCmd, activateCmd, deactivateCmd)
	return workflowCmd
}

func runCommand() *cobra.Command {
	runCmd := &cobra.Command{Use: "run", Short: "Start and inspect workflow runs"}

	startCmd := &cobra.Command{
		Use:   "start [workflow-id] [lead-id]",
		Short: "Start a run of a workflow for a lead",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			rt := initRuntime(cmd, false)
			defer rt.Close()
			run, err := rt.Engine.StartRun(cmd.Context(), args[0], args[1])
			if err != nil && run.ID == "" {
				fail("failed to start run", err)
			}
			fmt.Fprintf(os.Stdout, "Started run %s: status %s at node %s\n", run.ID, run.Status, run.CurrentNodeID)
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [execution-id]",
		Short: "Show a run and its transition history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rt := initRuntime(cmd, false)
			defer rt.Close()
			h, err := rt.Engine.GetRunHistory(cmd.Context(), args[0])
			if err != nil {
				fail("failed to get run history", err)
			}
			run := h.Execution
			fmt.Fprintf(os.Stdout, "Run %s of workflow %s for lead %s\n", run.ID, run.WorkflowID, run.LeadID)
			fmt.Fprintf(os.Stdout, "Status: %s, node: %s, epoch: %d, transitions: %d\n", run.Status, run.CurrentNodeID, run.AttemptEpoch, run.Transitions)
			if run.ResumeAt != nil {
				fmt.Fprintf(os.Stdout, "Resumes at: %s\n", run.ResumeAt.Format(time.RFC3339))
			}
			if run.LastError != "" {
				fmt.Fprintf(os.Stdout, "Last error: %s\n", run.LastError)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tNODE\tTYPE\tENTERED\tEXITED\tOUTCOME\tERROR")
			for _, e := range h.Entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", e.Seq, e.NodeID, e.NodeType,
					e.EnteredAt.Format(time.RFC3339), e.ExitedAt.Format(time.RFC3339), e.Outcome, e.Error)
			}
			w.Flush()
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Cancel a running or waiting run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			reason, _ := cmd.Flags().GetString("reason")
			rt := initRuntime(cmd, false)
			defer rt.Close()
			if _, err := rt.Engine.CancelRun(cmd.Context(), args[0], reason); err != nil {
				fail("failed to cancel run", err)
			}
			fmt.Fprintf(os.Stdout, "Cancelled run %s\n", args[0])
		},
	}
	cancelCmd.Flags().String("reason", "cancelled from CLI", "Reason recorded in the run history")

	runCmd.AddCommand(startCmd, historyCmd, cancelCmd)
	return runCmd
}

func leadCommand() *cobra.Command {
	leadCmd := &cobra.Command{
		Use:   "lead [organization-id] [lead-id] [key=value...]",
		Short: "Record a new lead and start every matching workflow",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			attrs, err := parseAttributes(args[2:])
			if err != nil {
				fail("invalid lead attributes", err)
			}
			rt := initRuntime(cmd, false)
			defer rt.Close()
			runs, err := rt.Workflows.IntakeLead(cmd.Context(), args[0], args[1], attrs)
			if err != nil {
				log.GetLogger().Errorf("Lead intake finished with errors: %v", err)
			}
			if len(runs) == 0 {
				fmt.Fprintf(os.Stdout, "No workflow started for lead %s\n", args[1])
				return
			}
			for _, run := range runs {
				fmt.Fprintf(os.Stdout, "- Run %s of workflow %s: %s at node %s\n", run.ID, run.WorkflowID, run.Status, run.CurrentNodeID)
			}
		},
	}
	return leadCmd
}

func parseAttributes(pairs []string) (map[string]any, error) {
	attrs := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("expected key=value, got %q", p)
		}
		attrs[k] = v
	}
	return attrs, nil
}

// serve runs the HTTP server and the scheduler until a signal arrives or
// either of them fails.
func serve(parent context.Context, rt *service.Runtime) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return internal_http.StartServer(gctx, rt.Config.Server.Port, rt.Config.Server.ShutdownTimeout, rt.Workflows)
	})
	g.Go(func() error {
		return rt.Scheduler.Run(gctx)
	})
	return g.Wait()
}

func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		fail("failed to load configuration", err)
	}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn, _ := cmd.Flags().GetString("db"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	log.SetLevel(cfg.Log.Level)
	log.GetLogger().Debugf("Using %s database", cfg.Database.Driver)
	return cfg
}

func initRuntime(cmd *cobra.Command, migrate bool) *service.Runtime {
	rt, err := service.NewRuntime(loadConfig(cmd), migrate)
	if err != nil {
		fail("failed to initialize store", err)
	}
	return rt
}

func fail(msg string, err error) {
	log.GetLogger().Errorf("%s: %v", msg, err)
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	os.Exit(1)
}
