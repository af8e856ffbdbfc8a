package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/queue"
	"loom/internal/state"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var runID string
	var listRuns bool
	var showTasks bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded state of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := queue.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			if listRuns {
				return printRuns(cmd, store, asJSON, colorize)
			}

			run, err := lookupRun(cmd.Context(), store, runID)
			if errors.Is(err, queue.ErrRunNotFound) && runID == "" {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			if err != nil {
				return err
			}
			entities, err := store.ListEntities(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, runDetail(run, entities))
			}
			printRun(out, run, entities, showTasks, colorize)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run identifier (defaults to the latest run)")
	cmd.Flags().BoolVar(&listRuns, "list", false, "List recent runs")
	cmd.Flags().BoolVar(&showTasks, "tasks", false, "List every task")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func lookupRun(ctx context.Context, store *queue.Store, id string) (*queue.Run, error) {
	if strings.TrimSpace(id) == "" {
		return store.LatestRun(ctx)
	}
	return store.GetRun(ctx, strings.TrimSpace(id))
}

func printRuns(cmd *cobra.Command, store *queue.Store, asJSON, colorize bool) error {
	runs, err := store.ListRuns(cmd.Context(), 20)
	if err != nil {
		return err
	}
	if asJSON {
		views := make([]runJSON, 0, len(runs))
		for _, r := range runs {
			views = append(views, runView(r))
		}
		return writeJSON(cmd, views)
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.Workflow,
			paint(stateLabel(string(r.Status)), runStatusColor(r.Status), colorize),
			r.StartedAt.Local().Format(time.DateTime),
			runDuration(r),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]column{left("Run"), left("Workflow"), left("Status"), left("Started"), right("Duration")},
		rows,
	))
	return nil
}

func runDuration(r *queue.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
}

func printRun(out io.Writer, run *queue.Run, entities []queue.EntityRecord, showTasks, colorize bool) {
	fmt.Fprintf(out, "Run:       %s\n", run.ID)
	if run.Workflow != "" {
		fmt.Fprintf(out, "Workflow:  %s\n", run.Workflow)
	}
	fmt.Fprintf(out, "Status:    %s\n", paint(stateLabel(string(run.Status)), runStatusColor(run.Status), colorize))
	fmt.Fprintf(out, "Started:   %s\n", run.StartedAt.Local().Format(time.DateTime))
	if run.FinishedAt != nil {
		fmt.Fprintf(out, "Duration:  %s\n", runDuration(run))
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:     %s\n", run.ErrorMessage)
	}

	names := make(map[string]string)
	taskCounts := make(map[string]map[state.State]int)
	var pipelineRows, taskRows [][]string
	for _, e := range entities {
		if e.Kind == string(state.KindPipeline) {
			names[e.UID] = e.Name
		}
	}
	for _, e := range entities {
		switch e.Kind {
		case string(state.KindTask):
			counts := taskCounts[e.PipelineID]
			if counts == nil {
				counts = make(map[state.State]int)
				taskCounts[e.PipelineID] = counts
			}
			counts[state.State(e.State)]++
			if showTasks {
				taskRows = append(taskRows, []string{
					names[e.PipelineID],
					fmt.Sprintf("%d.%d", e.StageIndex, e.TaskIndex),
					e.Name,
					paint(stateLabel(e.State), stateColor(state.State(e.State)), colorize),
					exitLabel(e.ExitCode),
				})
			}
		}
	}
	for _, e := range entities {
		if e.Kind != string(state.KindPipeline) {
			continue
		}
		counts := taskCounts[e.UID]
		pipelineRows = append(pipelineRows, []string{
			e.Name,
			paint(stateLabel(e.State), stateColor(state.State(e.State)), colorize),
			strconv.Itoa(counts[state.Done]),
			strconv.Itoa(counts[state.Failed]),
			strconv.Itoa(total(counts) - counts[state.Done] - counts[state.Failed]),
		})
	}

	if len(pipelineRows) > 0 {
		fmt.Fprintln(out, renderTable(
			[]column{left("Pipeline"), left("State"), right("Done"), right("Failed"), right("Other")},
			pipelineRows,
		))
	}
	if len(taskRows) > 0 {
		fmt.Fprintln(out, renderTable(
			[]column{left("Pipeline"), right("Position"), left("Task"), left("State"), right("Exit")},
			taskRows,
		))
	}
}

func total(counts map[state.State]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func exitLabel(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

type runJSON struct {
	ID         string     `json:"id"`
	Workflow   string     `json:"workflow,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type entityJSON struct {
	UID        string `json:"uid"`
	Kind       string `json:"kind"`
	Name       string `json:"name,omitempty"`
	PipelineID string `json:"pipeline_id,omitempty"`
	StageID    string `json:"stage_id,omitempty"`
	State      string `json:"state"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Path       string `json:"path,omitempty"`
	ResubmitOf string `json:"resubmit_of,omitempty"`
}

type runDetailJSON struct {
	runJSON
	Entities []entityJSON `json:"entities"`
}

func runView(r *queue.Run) runJSON {
	return runJSON{
		ID:         r.ID,
		Workflow:   r.Workflow,
		Status:     string(r.Status),
		Error:      r.ErrorMessage,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func runDetail(r *queue.Run, entities []queue.EntityRecord) runDetailJSON {
	detail := runDetailJSON{runJSON: runView(r), Entities: make([]entityJSON, 0, len(entities))}
	for _, e := range entities {
		detail.Entities = append(detail.Entities, entityJSON{
			UID:        e.UID,
			Kind:       e.Kind,
			Name:       e.Name,
			PipelineID: e.PipelineID,
			StageID:    e.StageID,
			State:      e.State,
			ExitCode:   e.ExitCode,
			Path:       e.Path,
			ResubmitOf: e.ResubmitOf,
		})
	}
	return detail
}
