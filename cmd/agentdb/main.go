// Command agentdb runs the AgentDB core: a client process attaching to
// a root, the admin inspection reads, and the repartition control
// plane, all operating on a single embedded bbolt file standing in for
// the FoundationDB-shaped store the core is written against.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/agentdb/internal/log"
)

// fileConfig is the shape of an optional --config YAML file providing
// defaults for the persistent flags.
type fileConfig struct {
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
	DB       string `yaml:"db"`
}

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentdb",
	Short: "AgentDB - reactive, persistent actor runtime over a transactional KV store",
	Long: `AgentDB is a reactive, persistent actor-style runtime layered on a
transactional ordered key-value store. This binary runs the core:
client attachment to a root, the partition worker pipeline, online
repartitioning, and read-only admin inspection.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentdb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("db", "agentdb.db", "Path to the embedded KV store file")
	rootCmd.PersistentFlags().String("config", "", "Optional YAML file of defaults for the above flags")

	cobra.OnInitialize(loadFileConfig, initLogging)

	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(rootsCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

// loadFileConfig applies --config YAML values as flag defaults, but
// only for flags the user didn't already set explicitly on the
// command line.
func loadFileConfig() {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not read --config %s: %v\n", path, err)
		return
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not parse --config %s: %v\n", path, err)
		return
	}
	flags := rootCmd.PersistentFlags()
	if cfg.LogLevel != "" && !flags.Changed("log-level") {
		_ = flags.Set("log-level", cfg.LogLevel)
	}
	if cfg.LogJSON && !flags.Changed("log-json") {
		_ = flags.Set("log-json", "true")
	}
	if cfg.DB != "" && !flags.Changed("db") {
		_ = flags.Set("db", cfg.DB)
	}
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:   logLevel,
		Console: !logJSON,
	})
}

func dbPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("db")
	if p == "" {
		p, _ = rootCmd.PersistentFlags().GetString("db")
	}
	return p
}
