// Package cli wires the trialmatch commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	verbose  bool
	debug    bool
	jsonLogs bool

	// shared collaborator flags
	mcpURL      string
	llmProvider string
	llmModel    string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "trialmatch",
	Short: "trialmatch - match de-identified patient records to clinical trials",
	Long: `Trialmatch matches a de-identified patient record against clinical
trials retrieved live from the ClinicalTrials.gov registry and ranks the
candidates by match confidence.

Patient text must already have PHI redacted before it reaches this tool.
Matching output is decision support for trial coordinators, not medical
advice.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trialmatch v0.2.0")
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.trialmatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging (includes prompt/response previews)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "structured JSON log output")
	rootCmd.PersistentFlags().StringVar(&mcpURL, "mcp-url", "", "trial tool server URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&llmProvider, "llm-provider", "anthropic", "reasoning provider (anthropic, openai, ollama)")
	rootCmd.PersistentFlags().StringVar(&llmModel, "llm-model", "", "reasoning model name (provider default when empty)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("mcp.base_url", rootCmd.PersistentFlags().Lookup("mcp-url"))
	_ = viper.BindPFlag("llm.provider", rootCmd.PersistentFlags().Lookup("llm-provider"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}

		viper.AddConfigPath(home + "/.trialmatch")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Read in environment variables that match TRIALMATCH_*
	viper.SetEnvPrefix("TRIALMATCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
