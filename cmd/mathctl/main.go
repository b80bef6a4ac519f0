package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/app"
	"github.com/math-agent/backend/internal/evaluation"
	"github.com/math-agent/backend/pkg/config"
	appLogger "github.com/math-agent/backend/pkg/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "mathctl",
		Short:         "Operate the math agent from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	root.AddCommand(newEvaluateCommand(), newLoadCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads config and builds the application with logs on stderr so
// reports can be piped.
func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, err
	}
	output := cfg.Logging.OutputPath
	if output == "" || output == "stdout" {
		output = "stderr"
	}
	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, output); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	// evaluation answers must not feed the routing tuner
	cfg.Tuner.Enabled = false
	return app.New(ctx, cfg)
}

func newEvaluateCommand() *cobra.Command {
	var (
		dataset       string
		workers       int
		output        string
		noComputation bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run a labeled question set through the solver and report accuracy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			items, err := evaluation.LoadDataset(dataset)
			if err != nil {
				return err
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			defer appLogger.Sync()

			e := evaluation.NewEvaluator(a.Engine, a.Embedder, a.DB, evaluation.Config{
				Workers:               workers,
				UseComputationService: !noComputation,
			})
			report, _, err := e.Run(ctx, items)
			if err != nil {
				return err
			}

			text := evaluation.GenerateReport(report)
			if output == "" {
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			}
			if err := os.WriteFile(output, []byte(text), 0o644); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
			appLogger.Info("Evaluation report written", zap.String("path", output))
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataset, "dataset", "d", "./data/eval_dataset.json", "Evaluation dataset (JSON array)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "Concurrent questions")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the report to this file instead of stdout")
	cmd.Flags().BoolVar(&noComputation, "no-computation", false, "Answer without the computation service")
	return cmd
}

func newLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load-kb [dataset...]",
		Short: "Embed and index knowledge base datasets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			defer appLogger.Sync()

			total := 0
			for _, path := range args {
				n, err := a.Loader.LoadFile(ctx, path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				total += n
			}

			stats, err := a.Engine.KnowledgeBaseStats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d entries; knowledge base now holds %d problems across %d topics\n",
				total, stats.TotalProblems, len(stats.Topics))
			return nil
		},
	}
	return cmd
}
