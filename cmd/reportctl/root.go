package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ignite/adreport/internal/api"
	"github.com/ignite/adreport/internal/client"
	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/pkg/logger"
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	server     string
	advertiser int64
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "reportctl",
		Short: "Validate, run and fetch ad reports",
		Long: `reportctl works with report specs: JSON or YAML documents describing a
report type, a date range, metrics and dimensions.

Example:
  # Check a spec and its custom metrics without running it
  reportctl validate campaign.yaml --metric "cost_per_view=spend/video_completes"

  # Run a spec against a local statistics export
  reportctl run campaign.yaml --stats daily_stats.csv --format csv

  # Submit to a running API and wait for the result
  reportctl submit campaign.yaml --server http://localhost:8080 --wait`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetOutput(cmd.ErrOrStderr())
			if opts.verbose {
				logger.SetLevel(logger.DEBUG)
			} else {
				logger.SetLevel(logger.WARN)
			}
		},
	}

	defaultServer := os.Getenv("REPORT_API_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "Report API base URL")
	cmd.PersistentFlags().Int64Var(&opts.advertiser, "advertiser", 0, "Advertiser scope sent as "+api.AdvertiserHeader)
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newValidateCommand(),
		newFormulaCommand(),
		newTemplatesCommand(),
		newRunCommand(),
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newDownloadCommand(opts),
		newMetricCommand(opts),
	)
	return cmd
}


func (o *globalOptions) client() *client.Client {
	c := client.New(o.server, nil)
	if o.advertiser != 0 {
		c = c.WithAdvertiser(o.advertiser)
	}
	return c
}

// loadSpec reads a job spec from a JSON or YAML file. YAML is decoded
// generically and re-encoded as JSON so the spec's JSON field names and
// date parsing apply to both.
func loadSpec(path string) (domain.JobSpec, error) {
	var spec domain.JobSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read spec: %w", err)
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return spec, fmt.Errorf("parse spec %s: %w", path, err)
	}
	raw, err := json.Marshal(normalize(doc))
	if err != nil {
		return spec, fmt.Errorf("parse spec %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return spec, fmt.Errorf("parse spec %s: %w", path, err)
	}
	return spec, nil
}

// normalize turns YAML timestamps back into calendar dates and any
// non-string map keys into strings so the document can be JSON encoded.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []interface{}:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case time.Time:
		return t.Format(domain.DateLayout)
	}
	return v
}

// parseMetricFlags turns repeated name=formula flags into definitions.
func parseMetricFlags(flags []string, advertiserID int64) ([]domain.CustomMetricDef, error) {
	defs := make([]domain.CustomMetricDef, 0, len(flags))
	for _, f := range flags {
		name, formula, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(formula) == "" {
			return nil, fmt.Errorf("metric %q must be name=formula", f)
		}
		defs = append(defs, domain.CustomMetricDef{
			Name:         strings.TrimSpace(name),
			Formula:      strings.TrimSpace(formula),
			AdvertiserID: advertiserID,
		})
	}
	return defs, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeOutput writes data to path, or to w when path is empty or "-".
func writeOutput(w io.Writer, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := w.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}
