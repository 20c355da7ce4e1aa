package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/snapsend/snapsend/internal/config"
	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/history"
	"github.com/snapsend/snapsend/internal/ui"
)

var (
	historyLimit  int
	historyDevice string
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past transfers",
	Long: `List recorded transfers, newest first. Both the daemon and the send
command record into the same database.

Examples:
  snapsend history
  snapsend history --device "Lab@Snapmaker 2 Model A350" --limit 5`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of rows")
	historyCmd.Flags().StringVar(&historyDevice, "device", "", "Only show transfers to this device id")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON instead of a table")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths, err := config.GetPaths()
	if err != nil {
		return err
	}

	hist, err := history.Open(historyPath(cfg, paths))
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer hist.Close()

	rows, err := listHistory(hist)
	if err != nil {
		return err
	}

	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	fmt.Print(ui.RenderHistoryTable(rows))
	return nil
}

func listHistory(hist *history.Store) ([]events.SessionSnapshot, error) {
	if historyDevice != "" {
		return hist.ListByDevice(historyDevice, historyLimit)
	}
	return hist.List(historyLimit)
}
