package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/export"
)

func newSubmitCommand(opts *globalOptions) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <spec-file>",
		Short: "Submit a report spec to the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpec(args[0])
			if err != nil {
				return err
			}
			c := opts.client()
			d, err := c.Submit(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if wait {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				if d, err = c.Wait(ctx, d.ID, interval); err != nil {
					return fmt.Errorf("waiting for %s: %w", args[0], err)
				}
			}
			if err := printJSON(cmd.OutOrStdout(), d); err != nil {
				return err
			}
			if d.Status == domain.JobFailed {
				return fmt.Errorf("report %s failed: %s", d.ID, d.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the job completes or fails")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval with --wait")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Give up waiting after this long")
	return cmd
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a report job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := opts.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
}

func newDownloadCommand(opts *globalOptions) *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Download a completed report",
		Long: `Downloads a completed report. Without --out the file is saved under the
name the server suggests; use --out - to write to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			res, err := opts.client().Download(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			path := out
			if path == "" {
				path = res.Filename
			}
			if err := writeOutput(cmd.OutOrStdout(), path, res.Data); err != nil {
				return err
			}
			if path != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Saved %d bytes to %s\n", len(res.Data), path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "Download format: csv, excel or json")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file, - for stdout")
	return cmd
}

func newMetricCommand(opts *globalOptions) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "metric <name> <formula>",
		Short: "Register a custom metric with the API",
		Long: `Registers a custom metric. With --advertiser the metric is private to that
advertiser, otherwise it is global.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := opts.client().RegisterMetric(cmd.Context(), domain.CustomMetricDef{
				Name:         args[0],
				Formula:      args[1],
				AdvertiserID: opts.advertiser,
				Description:  description,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), def)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Human readable description")
	return cmd
}
