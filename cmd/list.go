package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered identities in the database",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) {
	if DB == nil {
		utils.Die("Listing needs the database", fmt.Errorf("started with --no-db"), nil)
	}
	identities, err := DB.ListIdentities(cmd.Context())
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}

	if len(identities) == 0 {
		fmt.Println("No identities found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBACKBONE\tREFERENCES\tCREATED")
	fmt.Fprintln(w, "--\t----\t--------\t----------\t-------")

	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", id.ID, id.Name, id.Backbone, id.References, id.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
