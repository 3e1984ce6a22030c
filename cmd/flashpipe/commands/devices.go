package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flashpipe/flashpipe/pkg/device"
	"github.com/flashpipe/flashpipe/pkg/errors"
)

var devicesAll bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached block devices",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().BoolVar(&devicesAll, "all", false, "Include fixed system-classified devices")
}

func runDevices(cmd *cobra.Command, args []string) error {
	enum, err := device.NewEnumerator()
	if err != nil {
		return errors.Wrap(err, "device enumerator failed")
	}

	devices, err := enum.List(context.Background())
	if err != nil {
		return errors.Wrap(err, "enumeration failed")
	}

	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	fmt.Printf("%-16s %-12s %-8s %-10s %-8s %s\n", "PATH", "SIZE", "BUS", "REMOVABLE", "SYSTEM", "MODEL")
	fmt.Println("--------------------------------------------------------------------------------")

	for _, d := range devices {
		if d.IsSystem && !devicesAll {
			continue
		}
		model := d.Model
		if model == "" {
			model = "-"
		}
		fmt.Printf("%-16s %-12s %-8s %-10v %-8v %s\n",
			d.Path, formatSize(d.SizeBytes), d.Bus, d.IsRemovable, d.IsSystem, model)
	}

	return nil
}

func formatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
