package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snapsend/snapsend/internal/gcode"
	"github.com/snapsend/snapsend/internal/ui"
)

var (
	packOut   string
	packName  string
	packThumb string
)

var packCmd = &cobra.Command{
	Use:   "pack FILE",
	Short: "Write the encoded G-code file without sending it",
	Long: `Run the same encoding a send does, but write the result to disk instead
of a printer. Useful for inspecting the job header or for copying the
file to a USB stick.

Examples:
  snapsend pack benchy.gcode
  snapsend pack benchy.gcode -o out.gcode --thumbnail benchy.png`,
	Args: cobra.ExactArgs(1),
	RunE: runPack,
}

func init() {
	packCmd.Flags().StringVarP(&packOut, "out", "o", "", "Output path (default: derived from the job parameters)")
	packCmd.Flags().StringVar(&packName, "name", "", "Job name embedded in the header (default: derived from FILE)")
	packCmd.Flags().StringVar(&packThumb, "thumbnail", "", "PNG preview embedded in the job header")
	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	p := gcode.ParseParams(data)
	if packName != "" {
		p.JobName = packName
	}
	if p.JobName == "" {
		p.JobName = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}

	thumb, err := loadThumbnail(packThumb)
	if err != nil {
		return err
	}

	payload, err := gcode.Encode(p, thumb, data)
	if err != nil {
		return err
	}

	out := packOut
	if out == "" {
		out = gcode.BuildFilename(p.JobName, p.Material, p.PrintTime)
	}
	if err := gcode.WriteFile(out, payload); err != nil {
		return err
	}

	fmt.Print(ui.NewCard("Packed").
		Add("Output", out).
		Add("Size", ui.FormatBytes(int64(len(payload)))).
		Add("Job", p.JobName).
		Render())
	return nil
}
