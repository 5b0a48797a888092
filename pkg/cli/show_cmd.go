package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"pipeflow/internal/app"
	"pipeflow/internal/domain"
)

func newShowCmd() *cobra.Command {
	var flags storeFlags

	cmd := &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Print a pipeline with its stage and job statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseInt64ID(args[0])
			if err != nil {
				return err
			}
			cfg, err := flags.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			a, closeDB, err := openApp(cfg, app.NewLogger(cfg))
			if err != nil {
				return err
			}
			defer closeDB()

			view, err := a.Service.GetPipeline(cmd.Context(), id)
			if err != nil {
				return err
			}
			jobs := summarizeJobs(view)
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"pipeline": summarize([]*domain.PipelineView{view})[0],
					"jobs":     jobs,
				})
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				needs := "-"
				if j.Needs != nil {
					needs = "[" + strings.Join(j.Needs, ",") + "]"
				}
				rows = append(rows, []string{j.Stage, j.Name, string(j.Status), strconv.FormatInt(j.Version, 10), needs})
			}
			printTable(cmd.OutOrStdout(), []string{"stage", "job", "status", "version", "needs"}, rows)
			return nil
		},
	}

	flags.bind(cmd.Flags(), false)
	return cmd
}

type jobSummary struct {
	Stage   string        `json:"stage"`
	Name    string        `json:"name"`
	Status  domain.Status `json:"status"`
	Version int64         `json:"version"`
	Needs   []string      `json:"needs,omitempty"`
}

// summarizeJobs lists the jobs in view order. Needs is non-nil exactly for
// dag-scheduled jobs.
func summarizeJobs(view *domain.PipelineView) []jobSummary {
	stageNames := make(map[int64]string, len(view.Stages))
	for _, st := range view.Stages {
		stageNames[st.ID] = st.Name
	}
	out := make([]jobSummary, 0, len(view.Jobs))
	for _, j := range view.Jobs {
		s := jobSummary{
			Stage:   stageNames[j.StageID],
			Name:    j.Name,
			Status:  j.Status,
			Version: j.Version,
		}
		if j.IsDAG() {
			s.Needs = append([]string{}, j.Needs...)
		}
		out = append(out, s)
	}
	return out
}
