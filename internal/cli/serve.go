package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kota-kawa/web-agent02-sub000/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webagent daemon",
	Long: `Run the webagent daemon in the foreground. The daemon keeps a warm
browser session, watches the model-selection document, runs periodic
maintenance jobs, and serves Prometheus metrics until terminated.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = log.Close() }()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	return d.Run()
}
