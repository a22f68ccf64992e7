package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kota-kawa/web-agent02-sub000/internal/daemon"
	"github.com/kota-kawa/web-agent02-sub000/pkg/controller"
)

var (
	runMaxSteps      int
	runExtraMessage  string
	runRecordHistory bool
)

var runCmd = &cobra.Command{
	Use:   "run <task...>",
	Short: "Execute a single task and print the outcome",
	Long: `Execute one browser automation task in the foreground. The command
attaches to the configured DevTools endpoint, runs the agent until it
reports completion or exhausts its step budget, prints a summary, and
exits.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "step budget override for this run")
	runCmd.Flags().StringVar(&runExtraMessage, "system-message", "", "extra system message appended to the agent prompt")
	runCmd.Flags().BoolVar(&runRecordHistory, "record", true, "record step plans into the history store")
	rootCmd.AddCommand(runCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	task := strings.TrimSpace(strings.Join(args, " "))
	if task == "" {
		return fmt.Errorf("task must not be empty")
	}

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
	if err := d.Start(); err != nil {
		return err
	}
	defer func() { _ = d.Stop() }()

	result, err := d.Controller().Run(controller.RunParams{
		Task:               task,
		RecordHistory:      runRecordHistory,
		ExtraSystemMessage: runExtraMessage,
		MaxSteps:           runMaxSteps,
	})
	if err != nil {
		return err
	}

	cmd.Println(controller.SummarizeHistory(result.History))
	return nil
}
