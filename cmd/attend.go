package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var attendCmd = &cobra.Command{
	Use:   "attend",
	Short: "Quick attendance: recognize everyone in a single frame",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAttend(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(attendCmd)
}

func runAttend(ctx context.Context) error {
	rt, err := buildEngine(ctx, cfg)
	if err != nil {
		utils.ShowError("Failed to start engine", err, nil)
		return err
	}
	defer rt.Close()

	if err := startCamera(rt); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Looking for faces...")
	events, err := rt.QuickAttendance(ctx)
	if err != nil {
		utils.ShowError("Quick attendance failed", err, nil)
		return err
	}
	printEvents(events)
	return nil
}

func printEvents(events []types.RecognitionEvent) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tDISTANCE\tCONFIDENCE\tBOX")
	fmt.Fprintln(w, "----\t--\t--------\t----------\t---")
	for _, ev := range events {
		id := ev.IdentityID
		if !ev.Known() {
			id = "-"
		}
		b := ev.Face.Box
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%.0f%%\t%dx%d+%d+%d\n", ev.Label(), id, ev.Distance, ev.Confidence*100, b.W, b.H, b.X, b.Y)
	}
	w.Flush()
}
