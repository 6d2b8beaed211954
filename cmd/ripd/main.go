// Command ripd is the authority process's thin CLI shell (spec §12):
// serve starts the HTTP boundary, doctor reports authority lock health, and
// replay dumps one partition's events as a column-aligned table.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "ripd",
		Short: "ripd — event-sourced coding-agent authority",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(replayCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
