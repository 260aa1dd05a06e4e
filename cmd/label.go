package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Rename a registered identity",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		name := strings.TrimSpace(args[1])
		if name == "" {
			utils.Die("Invalid name", fmt.Errorf("name must not be empty"), nil)
		}
		runLabel(cmd.Context(), args[0], name)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id, name string) {
	// Database is initialized in Root PersistentPreRun
	if DB == nil {
		utils.Die("Labeling needs the database", fmt.Errorf("started with --no-db"), nil)
	}
	if err := DB.RenameIdentity(ctx, id, name); err != nil {
		utils.Die("Failed to label identity", err, nil)
	}

	fmt.Printf("✅ Identity %s labeled as '%s'\n", id, name)
}
