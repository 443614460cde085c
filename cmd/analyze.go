package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/id/uuid"
	"github.com/JakeFAU/stf-case-fetcher/internal/tabular"
)

// analysis summarizes a dataset.
type analysis struct {
	Total     int
	Succeeded int
	Failed    int
	BySource  map[casefetch.Source]int
	TextMin   int
	TextMax   int
	TextMean  float64
	failures  []failedCase
}

// failedCase is one entry of the --errors report.
type failedCase struct {
	ProcessoNumero string `json:"processo_numero"`
	TipoErro       string `json:"tipo_erro"`
	ErroParsing    string `json:"erro_parsing"`
	DataExtracao   string `json:"data_extracao"`
}

func (a analysis) successRate() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Succeeded) / float64(a.Total)
}

// newAnalyzeCmd creates the 'analyze' subcommand.
func newAnalyzeCmd(root *rootOptions) *cobra.Command {
	var errorsPath string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Summarizes a fetched dataset",
		Long: `Reads every part file under the output destination, keeps the latest
record per case and prints totals, success rate, counts per data source
and full-text size statistics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, done, err := root.load(cmd)
			if err != nil {
				return err
			}
			defer done()

			var cl closers
			defer cl.closeAll(func(cerr error) { logger.Warn("close failed", zap.Error(cerr)) })

			blobs, err := openBlobStore(cmd.Context(), cfg.Output.Destination, &cl)
			if err != nil {
				return err
			}
			table, err := tabular.New(blobs, uuid.NewUUIDGenerator(), tabular.Config{Compression: cfg.Output.Compression})
			if err != nil {
				return err
			}
			records, err := table.ReadAll(cmd.Context())
			if err != nil {
				return err
			}

			a := analyze(records)
			printAnalysis(cmd.OutOrStdout(), table.URI(), a)
			if errorsPath != "" {
				if err := writeFailures(errorsPath, a.failures); err != nil {
					return err
				}
				logger.Info("failed cases written", zap.String("path", errorsPath), zap.Int("cases", len(a.failures)))
			}
			return nil
		},
	}
	cmd.Flags().String("output", "", "dataset destination: a directory or gs://bucket/prefix")
	cmd.Flags().StringVar(&errorsPath, "errors", "", "write the failed cases to this JSON file")
	return cmd
}

func analyze(records []casefetch.CaseRecord) analysis {
	a := analysis{BySource: map[casefetch.Source]int{}}
	var (
		sizeSum int
		sized   int
	)
	a.TextMin = math.MaxInt
	for _, rec := range records {
		a.Total++
		a.BySource[rec.Source]++
		if !rec.Success {
			a.Failed++
			a.failures = append(a.failures, failedCase{
				ProcessoNumero: rec.CaseID.String(),
				TipoErro:       string(rec.ErrorKind),
				ErroParsing:    rec.Error,
				DataExtracao:   rec.ExtractedAt.UTC().Format(time.RFC3339),
			})
			continue
		}
		a.Succeeded++
		size := tabular.TextSize(rec)
		sizeSum += size
		sized++
		a.TextMin = min(a.TextMin, size)
		a.TextMax = max(a.TextMax, size)
	}
	if sized == 0 {
		a.TextMin = 0
	} else {
		a.TextMean = float64(sizeSum) / float64(sized)
	}
	return a
}

func printAnalysis(w io.Writer, uri string, a analysis) {
	fmt.Fprintf(w, "dataset %s\n", uri)
	fmt.Fprintf(w, "  records:   %d\n", a.Total)
	fmt.Fprintf(w, "  succeeded: %d\n", a.Succeeded)
	fmt.Fprintf(w, "  failed:    %d\n", a.Failed)
	fmt.Fprintf(w, "  success:   %.1f%%\n", a.successRate()*100)

	sources := make([]string, 0, len(a.BySource))
	for src := range a.BySource {
		sources = append(sources, string(src))
	}
	sort.Strings(sources)
	fmt.Fprintln(w, "  by source:")
	for _, src := range sources {
		fmt.Fprintf(w, "    %-11s %d\n", src, a.BySource[casefetch.Source(src)])
	}
	fmt.Fprintf(w, "  text size: min %d, mean %.0f, max %d\n", a.TextMin, a.TextMean, a.TextMax)
}

func writeFailures(path string, failures []failedCase) error {
	if failures == nil {
		failures = []failedCase{}
	}
	data, err := json.MarshalIndent(failures, "", "  ")
	if err != nil {
		return fmt.Errorf("encode failed cases: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return &casefetch.StorageError{Op: "write errors file", Err: err}
	}
	return nil
}
