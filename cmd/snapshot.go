package cmd

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/stream"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var snapshotAnnotate bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <output.jpg>",
	Short: "Capture a single frame to a JPEG file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSnapshot(cmd.Context(), args[0], snapshotAnnotate)
	},
}

func init() {
	snapshotCmd.Flags().BoolVarP(&snapshotAnnotate, "annotate", "a", false, "Draw recognized faces on the snapshot")
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(ctx context.Context, output string, annotate bool) error {
	rt, err := buildEngine(ctx, cfg)
	if err != nil {
		utils.ShowError("Failed to start engine", err, nil)
		return err
	}
	defer rt.Close()

	if err := startCamera(rt); err != nil {
		return err
	}

	frame, err := rt.CaptureSingleFrame(ctx)
	if err != nil {
		utils.ShowError("Failed to capture frame", err, nil)
		return err
	}
	img := frame.Image
	if annotate {
		events, err := rt.Recognize(ctx, frame)
		if err != nil {
			utils.ShowError("Recognition failed", err, nil)
			return err
		}
		img = stream.Annotate(frame, events)
		printEvents(events)
	}

	f, err := os.Create(output)
	if err != nil {
		utils.ShowError("Failed to create output file", err, nil)
		return err
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: cfg.Stream.JPEGQuality}); err != nil {
		utils.ShowError("Failed to encode snapshot", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📸 Saved %dx%d frame to %s\n", frame.Width, frame.Height, output)
	return nil
}
