package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kota-kawa/web-agent02-sub000/internal/config"
	"github.com/kota-kawa/web-agent02-sub000/pkg/browser"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective configuration and endpoint reachability",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	selection, selErr := config.LoadSelection(cfg.Selection.Path, cfg.Selection.AgentKey)
	if selErr != nil {
		selection = config.DefaultSelection()
	}

	cmd.Printf("Provider:      %s\n", selection.Provider)
	cmd.Printf("Model:         %s\n", selection.Model)
	cmd.Printf("Start page:    %s\n", browser.NormalizeStartURL(cfg.Browser.DefaultStartURL))
	cmd.Printf("Max steps:     %d\n", cfg.Agent.MaxSteps)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endpoint := cfg.Browser.CDPURL
	if endpoint != "" {
		cmd.Printf("Endpoint:      %s (pinned)\n", endpoint)
		if err := browser.ValidateEndpoint(ctx, endpoint, 2*time.Second); err != nil {
			cmd.Printf("Reachable:     no (%v)\n", err)
		} else {
			cmd.Println("Reachable:     yes")
		}
		return nil
	}

	discovered, cleanup, err := browser.DiscoverEndpoint(ctx, browser.ProbeOptions{
		Candidates: cfg.Browser.CandidateHosts,
		Retries:    1,
		Delay:      cfg.Browser.ProbeDelay,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		cmd.Printf("Endpoint:      unreachable (%v)\n", err)
		return nil
	}
	cleanup()
	cmd.Printf("Endpoint:      %s (discovered)\n", discovered)
	return nil
}
