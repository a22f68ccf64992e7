// Package cli implements the webagent command line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/kota-kawa/web-agent02-sub000/internal/config"
	"github.com/kota-kawa/web-agent02-sub000/internal/logger"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "webagent",
	Short: "Webagent - browser automation agent service",
	Long: `Webagent drives an LLM-backed browser automation agent against a
remote DevTools endpoint. It runs as an always-on daemon with a warm
browser session, or executes single tasks from the command line.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.webagent/webagent.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads the effective configuration, honoring the global
// --config and --log-level flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger from the loaded config.
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(cfg.Logging)
}
