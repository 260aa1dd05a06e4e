package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/stream"
	"github.com/andresmejia3/rollcall/internal/utils"
)

type sessionOptions struct {
	Frames          int
	MinRecognitions int
	Preview         string
}

var sessionOpts sessionOptions

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Attendance sessions that count recognitions across many frames",
}

var sessionRunCmd = &cobra.Command{
	Use:   "run [session_id]",
	Short: "Start a session, count recognitions from the live feed, then confirm attendance",
	Long: "Runs until --frames frames were processed, the camera closes or Ctrl+C is pressed. " +
		"Identities recognized in at least --min frames are reported as present.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id := utils.DefaultSessionID(time.Now())
		if len(args) == 1 {
			id = args[0]
		}
		if !cmd.Flags().Changed("min") {
			sessionOpts.MinRecognitions = cfg.Session.MinRecognitions
		}
		if err := validateSessionFlags(sessionOpts); err != nil {
			return err
		}
		return runSession(cmd.Context(), id, sessionOpts)
	},
}

func init() {
	sessionRunCmd.Flags().IntVarP(&sessionOpts.Frames, "frames", "n", 0, "Stop after this many processed frames (0 = until interrupted)")
	sessionRunCmd.Flags().IntVarP(&sessionOpts.MinRecognitions, "min", "m", 3, "Recognitions needed to count as present")
	sessionRunCmd.Flags().StringVarP(&sessionOpts.Preview, "preview", "p", "", "Write the annotated feed as MJPEG to this file")
	sessionCmd.AddCommand(sessionRunCmd)
	rootCmd.AddCommand(sessionCmd)
}

func validateSessionFlags(opts sessionOptions) error {
	if opts.Frames < 0 {
		return fmt.Errorf("--frames must be >= 0, got %d", opts.Frames)
	}
	if opts.MinRecognitions < 1 {
		return fmt.Errorf("--min must be >= 1, got %d", opts.MinRecognitions)
	}
	return nil
}

func runSession(ctx context.Context, id string, opts sessionOptions) error {
	rt, err := buildEngine(ctx, cfg)
	if err != nil {
		utils.ShowError("Failed to start engine", err, nil)
		return err
	}
	defer rt.Close()

	if err := startCamera(rt); err != nil {
		return err
	}
	if _, err := rt.StartSession(id); err != nil {
		utils.ShowError("Failed to start session", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🎬 Session %s running (min %d recognitions)\n", id, opts.MinRecognitions)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go rt.Sessions().RunSweeper(sweepCtx, cfg.Session.SweepInterval)

	var preview *bufio.Writer
	if opts.Preview != "" {
		f, err := os.Create(opts.Preview)
		if err != nil {
			utils.ShowError("Failed to create preview file", err, nil)
			return err
		}
		defer f.Close()
		preview = bufio.NewWriter(f)
		defer preview.Flush()
	}

	total := opts.Frames
	if total == 0 {
		total = -1 // spinner
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("👀 Watching"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	var previewErr error
	st, err := rt.RunSession(ctx, id, opts.Frames, func(af stream.AnnotatedFrame) {
		bar.Add(1)
		if preview == nil || previewErr != nil {
			return
		}
		data, err := af.JPEG(cfg.Stream.JPEGQuality)
		if err == nil {
			_, err = preview.Write(data)
		}
		if err != nil {
			previewErr = err
			logger.Warn("preview disabled", "error", err)
		}
	})
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		utils.ShowError("Session failed", err, nil)
		return err
	}

	res, err := rt.ConfirmSession(id, opts.MinRecognitions)
	if err != nil {
		utils.ShowError("Failed to confirm attendance", err, nil)
		return err
	}
	printResult(st, res)
	return nil
}

func printResult(st session.Status, res session.Result) {
	fmt.Printf("📋 Session %s: %d frames processed\n", res.SessionID, st.FramesProcessed)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tRECOGNITIONS\tSTATUS")
	fmt.Fprintln(w, "----\t--\t------------\t------")
	for _, a := range res.Confirmed {
		fmt.Fprintf(w, "%s\t%s\t%d\t✅ present\n", a.Name, a.IdentityID, a.Count)
	}
	for _, a := range res.Unconfirmed {
		fmt.Fprintf(w, "%s\t%s\t%d\t❔ unconfirmed\n", a.Name, a.IdentityID, a.Count)
	}
	w.Flush()

	if len(res.Confirmed)+len(res.Unconfirmed) == 0 {
		fmt.Println("No registered identities were recognized.")
	}
}
