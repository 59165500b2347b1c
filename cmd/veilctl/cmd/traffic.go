package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var trafficCmd = &cobra.Command{
	Use:   "traffic <id>",
	Short: "Show a key's traffic counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key ID %q", args[0])
		}

		client := newClient()
		traffic, err := client.KeyTraffic(context.Background(), id)
		if err != nil {
			return err
		}

		fmt.Printf("Traffic for key %d:\n", id)
		fmt.Printf("  Upload:    %s\n", formatBytes(traffic.Upload))
		fmt.Printf("  Download:  %s\n", formatBytes(traffic.Download))
		if traffic.UpdatedAt > 0 {
			fmt.Printf("  Updated:   %s\n", time.Unix(traffic.UpdatedAt, 0).Format(time.RFC3339))
		}
		return nil
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(trafficCmd)
}
