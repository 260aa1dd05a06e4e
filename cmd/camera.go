package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var cameraCmd = &cobra.Command{
	Use:   "camera",
	Short: "Inspect the camera device",
}

var cameraProbeCmd = &cobra.Command{
	Use:         "probe",
	Short:       "Open the camera, grab one frame and report what was negotiated",
	Annotations: map[string]string{skipDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCameraProbe(cmd)
	},
}

func init() {
	cameraCmd.AddCommand(cameraProbeCmd)
	rootCmd.AddCommand(cameraCmd)
}

func runCameraProbe(cmd *cobra.Command) error {
	src := camera.NewSource(newOpener(cmd.Context(), cfg), logger)
	defer src.Stop()

	if _, err := src.Start(cfg.Camera.Index); err != nil {
		utils.ShowError("Failed to open camera", err, nil)
		return err
	}
	frame, err := src.Capture(cmd.Context())
	if err != nil {
		utils.ShowError("Failed to read a frame", err, nil)
		return err
	}
	st := src.Status()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "DRIVER\t%s\n", cfg.Camera.Driver)
	fmt.Fprintf(w, "INDEX\t%d\n", st.Index)
	fmt.Fprintf(w, "OPENED\t%t\n", st.Opened)
	fmt.Fprintf(w, "RESOLUTION\t%s\n", st.Resolution())
	fmt.Fprintf(w, "FPS\t%.1f\n", st.FPS)
	fmt.Fprintf(w, "FIRST FRAME\t%dx%d\n", frame.Width, frame.Height)
	return w.Flush()
}
