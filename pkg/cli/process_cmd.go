package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pipeflow/internal/app"
	"pipeflow/internal/domain"
)

const maxConvergePasses = 50

func newProcessCmd() *cobra.Command {
	var (
		flags    storeFlags
		converge bool
	)

	cmd := &cobra.Command{
		Use:   "process <pipeline-id>",
		Short: "Run processing passes on a pipeline synchronously",
		Long: `Runs a processing pass on the pipeline with every completed job as a
trigger. With --converge, passes are repeated until one changes nothing.`,
		Example: `  # Compare the engines on the same pipeline
  pipeflow process 42 --engine legacy --converge`,
		Args: cobra.ExactArgs(1),
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

			var (
				res    domain.ProcessResult
				passes int
			)
			for passes < maxConvergePasses {
				res, err = a.Service.ProcessNow(cmd.Context(), id)
				if err != nil {
					return err
				}
				passes++
				if !converge || !res.Changed {
					break
				}
			}
			view, err := a.Service.GetPipeline(cmd.Context(), id)
			if err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"pipeline_id": id,
					"engine":      cfg.Processing.Engine,
					"passes":      passes,
					"changed":     res.Changed,
					"status":      view.Pipeline.Status,
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pipeline %d: %s after %d pass(es) with the %s engine\n",
				id, view.Pipeline.Status, passes, cfg.Processing.Engine)
			return nil
		},
	}

	flags.bind(cmd.Flags(), true)
	cmd.Flags().BoolVar(&converge, "converge", false, "Repeat passes until nothing changes")
	return cmd
}
