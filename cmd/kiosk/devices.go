package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/anime-shed/growth-kiosk/internal/device/gocvcam"

	"github.com/spf13/cobra"
)

var maxDevices int

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List cameras that can be opened",
	Run: func(cmd *cobra.Command, args []string) {
		runDevices()
	},
}

func init() {
	devicesCmd.Flags().IntVar(&maxDevices, "max", 5, "number of camera indices to probe")
	rootCmd.AddCommand(devicesCmd)
}

func runDevices() {
	devices := gocvcam.Scan(maxDevices)
	if len(devices) == 0 {
		fmt.Println("No cameras found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INDEX\tRESOLUTION")
	fmt.Fprintln(w, "-----\t----------")
	for _, d := range devices {
		fmt.Fprintf(w, "%d\t%dx%d\n", d.Index, d.Width, d.Height)
	}
	w.Flush()
}
