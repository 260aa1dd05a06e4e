package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/spf13/cobra"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var registerImage string

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register the face in front of the camera (or in --image) under a name",
	Long: "Captures one frame, requires exactly one face in it and stores its embedding. " +
		"Registering an existing name adds another reference image to that identity.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRegister(cmd.Context(), args[0], registerImage)
	},
}

func init() {
	registerCmd.Flags().StringVarP(&registerImage, "image", "i", "", "Register from an image file instead of the camera")
	rootCmd.AddCommand(registerCmd)
}

func runRegister(ctx context.Context, name, imagePath string) error {
	rt, err := buildEngine(ctx, cfg)
	if err != nil {
		utils.ShowError("Failed to start engine", err, nil)
		return err
	}
	defer rt.Close()

	// A nil *store.Store must not become a non-nil interface.
	if _, known := rt.Gallery().FindByName(name); !known && DB != nil {
		note, err := otherBackboneNote(ctx, DB, name, rt.Backbone())
		if err != nil {
			logger.Warn("could not check other backbones", "name", name, "error", err)
		}
		if note != "" {
			fmt.Fprintln(os.Stderr, note)
		}
	}

	var entry types.GalleryEntry
	if imagePath != "" {
		img, err := loadImage(imagePath)
		if err != nil {
			utils.ShowError("Failed to read image", err, nil)
			return err
		}
		entry, err = rt.RegisterImage(ctx, name, img)
		if err != nil {
			utils.ShowError("Registration failed", err, nil)
			return err
		}
	} else {
		if err := startCamera(rt); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "🙂 Look at the camera...")
		entry, err = rt.CaptureAndRegister(ctx, name)
		if err != nil {
			utils.ShowError("Registration failed", err, nil)
			return err
		}
	}

	fmt.Printf("✅ Registered %s (ID: %s, %d reference(s))\n", entry.Name, entry.ID, len(entry.References))
	return nil
}

type identityFinder interface {
	FindIdentityByName(ctx context.Context, name string) (store.Identity, error)
}

// otherBackboneNote warns when name is already stored under a different backbone.
// Embeddings never match across backbones, so registering creates a second identity.
func otherBackboneNote(ctx context.Context, f identityFinder, name, backbone string) (string, error) {
	found, err := f.FindIdentityByName(ctx, strings.TrimSpace(name))
	if errors.Is(err, store.ErrIdentityNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if found.Backbone == backbone {
		return "", nil
	}
	return fmt.Sprintf("⚠️  %s is already registered under backbone %s (ID: %s); a separate %s identity will be created",
		found.Name, found.Backbone, found.ID, backbone), nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}
