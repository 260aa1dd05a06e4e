package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Recognize the faces in an image file against the gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	img, err := loadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	rt, err := buildEngine(ctx, cfg)
	if err != nil {
		utils.ShowError("Failed to start engine", err, nil)
		return err
	}
	defer rt.Close()

	rgba := types.ToRGBA(img)
	frame := types.Frame{Image: rgba, Width: rgba.Rect.Dx(), Height: rgba.Rect.Dy()}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	events, err := rt.Recognize(ctx, frame)
	if err != nil {
		utils.ShowError("Recognition failed", err, nil)
		return err
	}
	if len(events) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	printEvents(events)
	return nil
}
