package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"pipeflow/internal/app"
	"pipeflow/internal/domain"
)

func newSeedCmd() *cobra.Command {
	var (
		flags   storeFlags
		process bool
	)

	cmd := &cobra.Command{
		Use:   "seed <path>",
		Short: "Create pipelines from fixture files",
		Long: `Creates one pipeline per fixture file. path is a YAML fixture or a
directory of them. Fixtures use apiVersion pipeflow/v1 and kind Pipeline.`,
		Example: `  pipeflow seed ./fixtures/deploy.yaml --process`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			a, closeDB, err := openApp(cfg, app.NewLogger(cfg))
			if err != nil {
				return err
			}
			defer closeDB()

			ctx := cmd.Context()
			views, err := app.SeedFixtures(ctx, a.Service, args[0])
			if err != nil {
				return err
			}
			if process {
				for i, v := range views {
					if _, err := a.Service.ProcessNow(ctx, v.Pipeline.ID); err != nil {
						return err
					}
					if views[i], err = a.Service.GetPipeline(ctx, v.Pipeline.ID); err != nil {
						return err
					}
				}
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), summarize(views))
			}
			rows := make([][]string, 0, len(views))
			for _, s := range summarize(views) {
				rows = append(rows, []string{strconv.FormatInt(s.ID, 10), s.Name, string(s.Status), strconv.Itoa(s.Jobs)})
			}
			printTable(cmd.OutOrStdout(), []string{"id", "name", "status", "jobs"}, rows)
			return nil
		},
	}

	flags.bind(cmd.Flags(), true)
	cmd.Flags().BoolVar(&process, "process", false, "Run one processing pass on every created pipeline")
	return cmd
}

type pipelineSummary struct {
	ID     int64         `json:"id"`
	Name   string        `json:"name"`
	Status domain.Status `json:"status"`
	Jobs   int           `json:"jobs"`
}

func summarize(views []*domain.PipelineView) []pipelineSummary {
	out := make([]pipelineSummary, 0, len(views))
	for _, v := range views {
		out = append(out, pipelineSummary{
			ID:     v.Pipeline.ID,
			Name:   v.Pipeline.Name,
			Status: v.Pipeline.Status,
			Jobs:   len(v.Jobs),
		})
	}
	return out
}
