package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/manifest"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "validate <workflow.yaml>",
		Short:       "Check a workflow manifest without running it",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			wf, err := m.Build()
			if err != nil {
				return fmt.Errorf("build workflow: %w", err)
			}

			rows := make([][]string, 0, len(wf.Pipelines))
			for _, p := range wf.Pipelines {
				tasks := 0
				for _, s := range p.Stages {
					tasks += len(s.Tasks)
				}
				rows = append(rows, []string{p.Name, strconv.Itoa(len(p.Stages)), strconv.Itoa(tasks)})
			}

			out := cmd.OutOrStdout()
			counts := wf.Count()
			fmt.Fprintln(out, renderTable(
				[]column{left("Pipeline"), right("Stages"), right("Tasks")},
				rows,
			))
			fmt.Fprintf(out, "Workflow valid: %d pipeline(s), %d stage(s), %d task(s)\n", counts.Pipelines, counts.Stages, counts.Tasks)
			return nil
		},
	}
}
