package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <dir>",
	Short: "Register every face image in a directory",
	Long: "Each sub-directory is one person named after the directory; every image inside it " +
		"becomes a reference. Images directly in <dir> are named after the file.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd)
}

type enrollItem struct {
	Name string
	Path string
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true}

// collectEnrollment walks one level of sub-directories below dir.
func collectEnrollment(dir string) ([]enrollItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var items []enrollItem
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			files, err := os.ReadDir(path)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if !f.IsDir() && imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
					items = append(items, enrollItem{Name: e.Name(), Path: filepath.Join(path, f.Name())})
				}
			}
			continue
		}
		ext := filepath.Ext(e.Name())
		if imageExts[strings.ToLower(ext)] {
			items = append(items, enrollItem{Name: strings.TrimSuffix(e.Name(), ext), Path: path})
		}
	}
	return items, nil
}

func runEnroll(ctx context.Context, dir string) error {
	items, err := collectEnrollment(dir)
	if err != nil {
		utils.ShowError("Failed to read enrollment directory", err, nil)
		return err
	}
	if len(items) == 0 {
		fmt.Println("No images found.")
		return nil
	}

	rt, err := buildEngine(ctx, cfg)
	if err != nil {
		utils.ShowError("Failed to start engine", err, nil)
		return err
	}
	defer rt.Close()

	bar := progressbar.NewOptions(len(items),
		progressbar.OptionSetDescription("🗂️  Enrolling"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	var failed []string
	names := map[string]bool{}
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		img, err := loadImage(item.Path)
		if err == nil {
			_, err = rt.RegisterImage(ctx, item.Name, img)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			failed = append(failed, fmt.Sprintf("%s: %v", item.Path, err))
		} else {
			names[item.Name] = true
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	fmt.Printf("✅ Enrolled %d identities from %d images\n", len(names), len(items)-len(failed))
	for _, f := range failed {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %s\n", f)
	}
	return ctx.Err()
}
