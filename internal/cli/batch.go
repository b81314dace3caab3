package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clinharbor/trialmatch/internal/cache"
	"github.com/clinharbor/trialmatch/internal/ctgov"
	"github.com/clinharbor/trialmatch/internal/evaluate"
	"github.com/clinharbor/trialmatch/internal/extract"
	"github.com/clinharbor/trialmatch/internal/llm"
	"github.com/clinharbor/trialmatch/internal/logger"
	"github.com/clinharbor/trialmatch/internal/mcp"
	"github.com/clinharbor/trialmatch/internal/pipeline"
	"github.com/clinharbor/trialmatch/internal/worker"
	"github.com/spf13/cobra"
)

var (
	batchConcurrency int
	batchMaxTrials   int
	batchOutDir      string
	batchTimeout     time.Duration
)

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch <list-file>",
	Short: "Match several patient records concurrently",
	Long: `Batch reads a list file containing one patient record path per
line (blank lines and # comments are skipped) and runs the matching
pipeline for each. Records share the trial detail cache, so overlapping
conditions avoid refetching.

Example:
  trialmatch batch patients.txt --concurrency 2 --out-dir reports/`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 2, "patient records processed in parallel")
	batchCmd.Flags().IntVar(&batchMaxTrials, "max-trials", 10, "maximum ranked matches per record")
	batchCmd.Flags().StringVar(&batchOutDir, "out-dir", "", "write one report file per record here (stdout when empty)")
	batchCmd.Flags().DurationVar(&batchTimeout, "timeout", 30*time.Minute, "overall batch timeout")
}

func runBatch(cmd *cobra.Command, args []string) error {
	log, err := logger.New(jsonLogs, debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is unactionable

	paths, err := readListFile(args[0])
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("list file %s contains no patient record paths", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if mcpURL != "" {
		cfg.MCP.BaseURL = mcpURL
	}
	if cmd.Flags().Changed("llm-provider") || cfg.LLM.Provider == "" {
		cfg.LLM.Provider = llmProvider
	}
	if llmModel != "" {
		cfg.LLM.Model = llmModel
	}
	cfg.Output.MaxResults = batchMaxTrials
	if err := applyLLMEnv(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
	defer cancel()

	limiter := worker.NewLimiter(cfg.MCP.RequestsPerSecond, cfg.MCP.Burst)
	client := mcp.NewClient(cfg.MCP, limiter, log)

	provider, err := llm.NewProvider(llm.ConfigFromModel(cfg.LLM))
	if err != nil {
		return fmt.Errorf("init reasoning provider: %w", err)
	}

	// Batch runs always cache details: overlapping conditions across
	// patients are the common case.
	cfg.Cache.Enabled = true
	records := cache.NewRecordCache(cfg.Cache)

	p := pipeline.New(
		extract.NewConditionExtractor(provider, log),
		ctgov.NewSearchAdapter(client, log),
		ctgov.NewDetailAdapter(client, records, log),
		evaluate.NewEvaluator(provider, cfg.LLM.MaxTokens, log),
		cfg,
		nil, // per-record progress would interleave across workers
		log,
	)

	processor := pipeline.NewBatchProcessor(p, batchMaxTrials, batchConcurrency)
	results := processor.Process(ctx, paths)

	var failed int
	for _, result := range results {
		if result.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", result.Path, result.Err)
			continue
		}

		if batchOutDir == "" {
			fmt.Printf("===== %s =====\n%s\n", result.Path, result.Outcome.Report)
			continue
		}

		if err := writeReport(batchOutDir, result.Path, result.Outcome.Report); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", result.Path, err)
		}
	}

	fmt.Fprintf(os.Stderr, "Batch complete: %d records, %d failed\n", len(results), failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d records failed", failed, len(results))
	}
	return nil
}

// readListFile reads patient record paths, one per line. Blank lines
// and # comments are skipped.
func readListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open list file: %w", err)
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read list file: %w", err)
	}
	return paths, nil
}

// writeReport writes one report file per record into dir
func writeReport(dir, recordPath, report string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(recordPath), filepath.Ext(recordPath))
	out := filepath.Join(dir, base+".report.txt")
	if err := os.WriteFile(out, []byte(report), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
