package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/export"
	"github.com/ignite/adreport/internal/formula"
	"github.com/ignite/adreport/internal/repository/memory"
	"github.com/ignite/adreport/internal/service/report"
	"github.com/ignite/adreport/internal/stats"
	"github.com/ignite/adreport/internal/storage"
	"github.com/ignite/adreport/internal/strategy"
	"github.com/ignite/adreport/internal/worker"
)

const defaultTakeRate = 0.15

// localEnv is an in-process report service with memory backends.
type localEnv struct {
	svc     *report.Service
	results *storage.MemoryStore
}

func newLocalEnv(ctx context.Context, takeRate float64, metrics []string, advertiserID int64) (*localEnv, error) {
	strategies := strategy.NewRegistry(takeRate)
	results := storage.NewMemoryStore()
	svc := report.NewService(memory.NewJobRepo(), strategies, formula.NewRegistry(strategies.ExtraNames()...)).
		WithResults(results)

	defs, err := parseMetricFlags(metrics, advertiserID)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if _, err := svc.RegisterMetric(ctx, d); err != nil {
			return nil, err
		}
	}
	return &localEnv{svc: svc, results: results}, nil
}

func newValidateCommand() *cobra.Command {
	var (
		metrics  []string
		takeRate float64
	)
	cmd := &cobra.Command{
		Use:   "validate <spec-file>",
		Short: "Check a report spec without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpec(args[0])
			if err != nil {
				return err
			}
			env, err := newLocalEnv(cmd.Context(), takeRate, metrics, spec.AdvertiserID)
			if err != nil {
				return err
			}
			if err := env.svc.Validate(&spec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %s report, %d days, metrics: %s\n",
				spec.ReportType, spec.RangeDays(), strings.Join(spec.Metrics, ", "))
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&metrics, "metric", "m", nil, "Custom metric as name=formula (repeatable)")
	cmd.Flags().Float64Var(&takeRate, "take-rate", defaultTakeRate, "Platform take rate for platform reports")
	return cmd
}

func newFormulaCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "formula <expression>",
		Short: "Parse a custom metric formula and list the counters it reads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategies := strategy.NewRegistry(defaultTakeRate)
			m, err := formula.NewRegistry(strategies.ExtraNames()...).Compile(domain.CustomMetricDef{
				Name:    name,
				Formula: args[0],
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"name":    m.Name(),
				"formula": m.Expr.Source(),
				"fields":  m.Expr.Fields(),
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "formula_check", "Metric name to validate alongside the formula")
	return cmd
}

func newTemplatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List report types with their default and available fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), strategy.NewRegistry(defaultTakeRate).Templates())
		},
	}
}

func newRunCommand() *cobra.Command {
	var (
		statsPath string
		format    string
		out       string
		metrics   []string
		takeRate  float64
	)
	cmd := &cobra.Command{
		Use:   "run <spec-file>",
		Short: "Run a report spec locally against a statistics CSV",
		Long: `Runs the full report pipeline in-process: the spec is validated, executed
against rows read from the CSV file and rendered in the requested format.
The CSV needs a header row with at least date and advertiser_id columns.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			spec, err := loadSpec(args[0])
			if err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			rows, err := readStats(statsPath)
			if err != nil {
				return err
			}
			env, err := newLocalEnv(ctx, takeRate, metrics, spec.AdvertiserID)
			if err != nil {
				return err
			}

			job, err := env.svc.Create(ctx, spec)
			if err != nil {
				return err
			}
			coord := worker.NewCoordinator(env.svc, stats.NewMemoryStore(rows...), env.results, "reportctl", 0)
			if status := coord.Execute(ctx, job.ID); status != domain.JobCompleted {
				done, err := env.svc.Get(ctx, job.ID)
				if err != nil {
					return err
				}
				return fmt.Errorf("report %s: %s", done.Status, done.Error)
			}

			res, err := env.svc.Download(ctx, job.ID, f)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out, res.Data)
		},
	}
	cmd.Flags().StringVar(&statsPath, "stats", "", "Statistics CSV file (required)")
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "Output format: csv, excel or json")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file, - for stdout")
	cmd.Flags().StringArrayVarP(&metrics, "metric", "m", nil, "Custom metric as name=formula (repeatable)")
	cmd.Flags().Float64Var(&takeRate, "take-rate", defaultTakeRate, "Platform take rate for platform reports")
	_ = cmd.MarkFlagRequired("stats")
	return cmd
}

func readStats(path string) ([]domain.StatRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stats: %w", err)
	}
	defer f.Close()
	return stats.ReadCSV(f)
}
