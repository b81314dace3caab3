package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/clinharbor/trialmatch/internal/cache"
	"github.com/clinharbor/trialmatch/internal/ctgov"
	"github.com/clinharbor/trialmatch/internal/evaluate"
	"github.com/clinharbor/trialmatch/internal/extract"
	"github.com/clinharbor/trialmatch/internal/llm"
	"github.com/clinharbor/trialmatch/internal/logger"
	"github.com/clinharbor/trialmatch/internal/mcp"
	"github.com/clinharbor/trialmatch/internal/model"
	"github.com/clinharbor/trialmatch/internal/pipeline"
	"github.com/clinharbor/trialmatch/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	maxTrials    int
	mcpTimeout   time.Duration
	pageSize     int
	statusFilter string
	location     string
	outJSON      string
	cacheEnabled bool
	cacheDir     string
	checkOnly    bool
	overallLimit time.Duration
)

// matchCmd represents the match command
var matchCmd = &cobra.Command{
	Use:   "match <patient-file>",
	Short: "Match one patient record against registry trials",
	Long: `Match reads a de-identified patient record and runs the full
matching pipeline: extract search conditions, search the registry, fetch
trial details, evaluate eligibility per trial, and rank by confidence.

Pass "-" to read the patient record from stdin.

Example:
  trialmatch match patient.txt
  trialmatch match patient.txt --max-trials 5 --status RECRUITING
  trialmatch match - < patient.txt --json matches.json`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().IntVar(&maxTrials, "max-trials", 10, "maximum ranked matches to return")
	matchCmd.Flags().DurationVar(&mcpTimeout, "mcp-timeout", 30*time.Second, "timeout per tool call")
	matchCmd.Flags().IntVar(&pageSize, "page-size", 20, "studies requested per search page")
	matchCmd.Flags().StringVar(&statusFilter, "status", "RECRUITING", "recruitment status filter (empty disables)")
	matchCmd.Flags().StringVar(&location, "location", "", "geographic filter")
	matchCmd.Flags().StringVar(&outJSON, "json", "", "write the full outcome as JSON to this path")
	matchCmd.Flags().BoolVar(&cacheEnabled, "cache", false, "cache trial details across runs")
	matchCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "persist the trial detail cache here (implies --cache)")
	matchCmd.Flags().BoolVar(&checkOnly, "check", false, "only probe the tool server and reasoning provider, then exit")
	matchCmd.Flags().DurationVar(&overallLimit, "timeout", 10*time.Minute, "overall matching timeout")
}

func runMatch(cmd *cobra.Command, args []string) error {
	log, err := logger.New(jsonLogs, debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is unactionable

	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), overallLimit)
	defer cancel()

	limiter := worker.NewLimiter(cfg.MCP.RequestsPerSecond, cfg.MCP.Burst)
	client := mcp.NewClient(cfg.MCP, limiter, log)

	provider, err := llm.NewProvider(llm.ConfigFromModel(cfg.LLM))
	if err != nil {
		return fmt.Errorf("init reasoning provider: %w", err)
	}

	if checkOnly {
		return runPreflight(ctx, client, provider, cfg)
	}

	patientText, err := readPatient(args[0])
	if err != nil {
		return err
	}

	var records *cache.RecordCache
	if cfg.Cache.Enabled {
		records = cache.NewRecordCache(cfg.Cache)
	}

	progress := func(event model.ProgressEvent) {
		if !verbose {
			return
		}
		if event.Total > 0 {
			fmt.Fprintf(os.Stderr, "[%s %d/%d] %s\n", event.Stage, event.Index, event.Total, event.Message)
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] %s\n", event.Stage, event.Message)
	}

	p := pipeline.New(
		extract.NewConditionExtractor(provider, log),
		ctgov.NewSearchAdapter(client, log),
		ctgov.NewDetailAdapter(client, records, log),
		evaluate.NewEvaluator(provider, cfg.LLM.MaxTokens, log),
		cfg,
		progress,
		log,
	)

	outcome, err := p.Match(ctx, patientText, cfg.Output.MaxResults)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}

	fmt.Println(outcome.Report)

	if outJSON != "" {
		if err := pipeline.WriteJSON(outcome, outJSON); err != nil {
			return err
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "Wrote JSON outcome: %s\n", outJSON)
		}
	}

	return nil
}

// loadConfig layers the config file located by viper over the defaults.
// Flags are applied on top by the callers.
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()

	if path := viper.ConfigFileUsed(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// buildConfig merges defaults, the config file, flags, and environment.
// Explicitly set flags win over the file; the file wins over defaults.
func buildConfig(cmd *cobra.Command) (*model.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if mcpURL != "" {
		cfg.MCP.BaseURL = mcpURL
	}
	if flags.Changed("mcp-timeout") || cfg.MCP.Timeout <= 0 {
		cfg.MCP.Timeout = mcpTimeout
	}
	if flags.Changed("page-size") || cfg.Search.PageSize <= 0 {
		cfg.Search.PageSize = pageSize
	}
	if flags.Changed("status") {
		cfg.Search.StatusFilter = statusFilter
	}
	if flags.Changed("location") {
		cfg.Search.Location = location
	}
	if flags.Changed("max-trials") || cfg.Output.MaxResults <= 0 {
		cfg.Output.MaxResults = maxTrials
	}
	cfg.Output.Verbose = verbose
	if cacheEnabled || cacheDir != "" {
		cfg.Cache.Enabled = true
	}
	if cacheDir != "" {
		cfg.Cache.Dir = cacheDir
	}

	if flags.Changed("llm-provider") || cfg.LLM.Provider == "" {
		cfg.LLM.Provider = llmProvider
	}
	if llmModel != "" {
		cfg.LLM.Model = llmModel
	}

	if err := applyLLMEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyLLMEnv resolves provider credentials from the environment
func applyLLMEnv(cfg *model.Config) error {
	switch cfg.LLM.Provider {
	case "anthropic", "claude":
		cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		if cfg.LLM.APIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY environment variable not set")
		}
	case "openai":
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		if cfg.LLM.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	case "ollama":
		if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
			cfg.LLM.BaseURL = baseURL
		}
	}
	return nil
}

// readPatient loads the patient record from a file or stdin ("-")
func readPatient(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read patient record from stdin: %w", err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read patient record: %w", err)
	}
	return string(data), nil
}

// runPreflight probes both external collaborators. The tool server is a
// free-tier deployment that cold-starts; probing it first also wakes it.
func runPreflight(ctx context.Context, client *mcp.Client, provider llm.Provider, cfg *model.Config) error {
	fmt.Printf("Tool server: %s\n", cfg.MCP.BaseURL)
	if err := client.Ping(ctx); err != nil {
		fmt.Printf("  unreachable: %v\n", err)
		if mcp.Retryable(err) {
			fmt.Println("  The server may be cold-starting; wait 30-60 seconds and retry.")
		}
		return fmt.Errorf("tool server check failed")
	}
	fmt.Println("  OK")

	fmt.Printf("Reasoning provider: %s\n", provider.Name())
	if !provider.IsAvailable(ctx) {
		return fmt.Errorf("reasoning provider check failed")
	}
	fmt.Println("  OK")

	return nil
}
