package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/appmanager"
	"loom/internal/logging"
	"loom/internal/manifest"
	"loom/internal/metrics"
	"loom/internal/state"
)

type runOptions struct {
	resubmit     bool
	maxResubmits int
	backend      string
	runID        string
	json         bool
	failOnTasks  bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow manifest to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, ctx, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.resubmit, "resubmit", false, "Resubmit FAILED tasks (overrides engine.resubmit_failed)")
	cmd.Flags().IntVar(&opts.maxResubmits, "max-resubmits", -1, "Cap on clones per task when resubmitting (0 = unlimited)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Channel backend: sqlite, memory, or nats")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "Explicit run identifier")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print the run summary as JSON")
	cmd.Flags().BoolVar(&opts.failOnTasks, "fail-on-task-failure", true, "Exit non-zero when tasks failed without recovery")
	return cmd
}

func runWorkflow(cmd *cobra.Command, ctx *commandContext, path string, opts runOptions) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("resubmit") {
		cfg.Engine.ResubmitFailed = opts.resubmit
	}
	if opts.maxResubmits >= 0 {
		cfg.Engine.MaxResubmits = opts.maxResubmits
	}
	if backend := strings.ToLower(strings.TrimSpace(opts.backend)); backend != "" {
		cfg.Channels.Backend = backend
	}

	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	wf, err := m.Build()
	if err != nil {
		return fmt.Errorf("build workflow: %w", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := metrics.Serve(signalCtx, cfg.Metrics.Bind, logger); err != nil {
		return fmt.Errorf("start metrics listener: %w", err)
	}

	mgr, err := appmanager.New(cfg, appmanager.Options{
		Logger:   logger,
		Name:     m.Name,
		Resource: m.Resource,
		RunID:    opts.runID,
	})
	if err != nil {
		return err
	}
	if err := mgr.AssignWorkflow(wf); err != nil {
		return err
	}

	summary, runErr := mgr.Run(signalCtx)
	if summary.RunID != "" {
		out := cmd.OutOrStdout()
		if opts.json {
			if err := writeJSON(cmd, summaryView(summary)); err != nil {
				return err
			}
		} else {
			printSummary(out, summary, shouldColorize(out))
		}
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("run interrupted: %w", runErr)
		}
		return runErr
	}
	if opts.failOnTasks && summary.Unrecovered > 0 {
		return fmt.Errorf("%d task(s) failed without recovery", summary.Unrecovered)
	}
	return nil
}

type summaryJSON struct {
	RunID         string         `json:"run_id"`
	Workflow      string         `json:"workflow"`
	DurationMS    int64          `json:"duration_ms"`
	Tasks         map[string]int `json:"tasks"`
	Resubmissions int            `json:"resubmissions"`
	Unrecovered   int            `json:"unrecovered"`
	Pipelines     int            `json:"pipelines"`
	PipelinesDone int            `json:"pipelines_done"`
	Restarts      int            `json:"manager_restarts"`
}

func summaryView(s appmanager.Summary) summaryJSON {
	tasks := make(map[string]int, len(s.Tasks))
	for st, n := range s.Tasks {
		tasks[string(st)] = n
	}
	return summaryJSON{
		RunID:         s.RunID,
		Workflow:      s.Workflow,
		DurationMS:    s.Duration.Milliseconds(),
		Tasks:         tasks,
		Resubmissions: s.Resubmissions,
		Unrecovered:   s.Unrecovered,
		Pipelines:     s.Pipelines,
		PipelinesDone: s.PipelinesDone,
		Restarts:      s.Restarts,
	}
}

func printSummary(out io.Writer, s appmanager.Summary, colorize bool) {
	fmt.Fprintf(out, "Run:        %s\n", s.RunID)
	if s.Workflow != "" {
		fmt.Fprintf(out, "Workflow:   %s\n", s.Workflow)
	}
	fmt.Fprintf(out, "Duration:   %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "Pipelines:  %d/%d done\n", s.PipelinesDone, s.Pipelines)
	if s.Resubmissions > 0 {
		fmt.Fprintf(out, "Resubmits:  %d\n", s.Resubmissions)
	}
	if s.Restarts > 0 {
		fmt.Fprintf(out, "Restarts:   %d\n", s.Restarts)
	}

	var rows [][]string
	for _, st := range state.All(state.KindTask) {
		n := s.Tasks[st]
		if n == 0 {
			continue
		}
		rows = append(rows, []string{paint(stateLabel(string(st)), stateColor(st), colorize), strconv.Itoa(n)})
	}
	if len(rows) > 0 {
		fmt.Fprintln(out, renderTable([]column{left("Task state"), right("Count")}, rows))
	}
}
