package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ils/insight/internal/config"
	"github.com/ils/insight/internal/domain/recommendation"
	"github.com/ils/insight/internal/domain/risk"
	"github.com/ils/insight/internal/domain/sales"
	"github.com/ils/insight/internal/platform/db"
)

// analysis is what `analyze` prints: the aggregate and the candidates it
// would produce, without touching the database.
type analysis struct {
	Window     sales.Window               `json:"window"`
	Aggregate  *sales.SalesAggregate      `json:"aggregate"`
	Candidates []recommendation.Candidate `json:"candidates"`
}

// analyzeWorkbook aggregates an exported history workbook. With months <= 0
// the window is the workbook's own span.
func analyzeWorkbook(ctx context.Context, r io.Reader, tid db.TenantID, months int, now time.Time, cfg recommendation.Config, logger zerolog.Logger) (*analysis, error) {
	wb, err := sales.OpenWorkbook(r)
	if err != nil {
		return nil, err
	}
	w := sales.TrailingMonths(now, months)
	if months <= 0 {
		span, ok := wb.Span()
		if !ok {
			return nil, fmt.Errorf("workbook has no invoice lines")
		}
		w = span
	}
	agg, err := sales.NewAggregator(wb, logger).Aggregate(ctx, tid, w)
	if err != nil {
		return nil, err
	}
	cands := recommendation.Synthesize(agg, cfg, recommendation.DefaultRules())
	if cands == nil {
		cands = []recommendation.Candidate{}
	}
	return &analysis{Window: w, Aggregate: agg, Candidates: cands}, nil
}

func printCandidates(out io.Writer, cands []recommendation.Candidate) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSUBJECT\tPRIORITY\tIMPACT\tTITLE")
	for _, c := range cands {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\n",
			c.Type, c.SubjectKey, c.Priority, c.Impact.Value.StringFixed(2), c.Impact.Unit, c.Title)
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Synthesize recommendations from an exported .xlsx history, offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			tenant, _ := cmd.Flags().GetString("tenant")
			months, _ := cmd.Flags().GetInt("window-months")
			format, _ := cmd.Flags().GetString("format")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			tid, err := db.ParseTenantID(tenant)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			recCfg, err := cfg.RecommendationConfig()
			if err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := analyzeWorkbook(cmd.Context(), f, tid, months, time.Now(), recCfg, newLogger(cfg, os.Stderr))
			if err != nil {
				return err
			}
			if format == "table" {
				return printCandidates(cmd.OutOrStdout(), res.Candidates)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("file", "", "Workbook with invoices, exceptions and products sheets")
	cmd.Flags().String("tenant", "offline", "Tenant label for the aggregate")
	cmd.Flags().Int("window-months", 0, "Trailing window in months (default: the workbook's span)")
	cmd.Flags().String("format", "json", "Output format: json or table")
	return cmd
}

// assessPrescription scores one JSON prescription without persisting an alert.
func assessPrescription(r io.Reader, engine *risk.Engine) (*risk.RiskAssessment, error) {
	var in risk.PrescriptionInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("decode prescription: %w", err)
	}
	if err := validator.New().Struct(&in); err != nil {
		return nil, err
	}
	return engine.Score(in)
}

func assessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Score a prescription for non-adaptation risk, offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			riskCfg, err := cfg.RiskConfig()
			if err != nil {
				return err
			}
			engine, err := risk.NewEngine(riskCfg)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			a, err := assessPrescription(in, engine)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), a)
		},
	}
	cmd.Flags().String("file", "-", "Prescription JSON (- for stdin)")
	return cmd
}
