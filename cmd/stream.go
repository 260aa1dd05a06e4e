package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/stream"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var (
	streamOutput string
	streamFrames int
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Write the annotated live feed as an MJPEG byte stream",
	Long: "Frames carry face boxes and names (or Unknown). The stream ends when the camera " +
		"closes, --frames frames were written, or Ctrl+C is pressed. Pipe into ffplay or save to a file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if streamFrames < 0 {
			return fmt.Errorf("--frames must be >= 0, got %d", streamFrames)
		}
		return runStream(cmd.Context(), streamOutput, streamFrames)
	},
}

func init() {
	streamCmd.Flags().StringVarP(&streamOutput, "output", "o", "-", "Output file, - for stdout")
	streamCmd.Flags().IntVarP(&streamFrames, "frames", "n", 0, "Stop after this many frames (0 = until interrupted)")
	rootCmd.AddCommand(streamCmd)
}

func runStream(ctx context.Context, output string, limit int) error {
	var out io.Writer = os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			utils.ShowError("Failed to create output file", err, nil)
			return err
		}
		defer f.Close()
		out = f
	}
	bw := bufio.NewWriter(out)
	defer bw.Flush()

	rt, err := buildEngine(ctx, cfg)
	if err != nil {
		utils.ShowError("Failed to start engine", err, nil)
		return err
	}
	defer rt.Close()

	if err := startCamera(rt); err != nil {
		return err
	}

	n, err := stream.WriteMJPEG(bw, rt.OpenStream(ctx), cfg.Stream.JPEGQuality, limit)
	if err != nil {
		utils.ShowError("Stream failed", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "✨ Streamed %d frames\n", n)
	return nil
}
