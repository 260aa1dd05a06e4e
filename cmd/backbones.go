package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/encode"
)

var backbonesCmd = &cobra.Command{
	Use:         "backbones",
	Short:       "List the supported embedding backbones, fastest first",
	Annotations: map[string]string{skipDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		runBackbones()
	},
}

func init() {
	rootCmd.AddCommand(backbonesCmd)
}

func runBackbones() {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tDIM\tINPUT\tMETRIC\tTOLERANCE\tDRIVER\tACTIVE")
	fmt.Fprintln(w, "----\t---\t-----\t------\t---------\t------\t------")
	for _, s := range encode.Catalog() {
		active := ""
		if s.Name == cfg.Encoding.Backbone {
			active = "*"
		}
		fmt.Fprintf(w, "%s\t%d\t%dpx\t%s\t%.2f\t%s\t%s\n", s.Name, s.Dim, s.InputSize, s.Metric, s.Tolerance, s.Driver, active)
	}
	w.Flush()
}
