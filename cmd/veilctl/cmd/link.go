package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var linkCmd = &cobra.Command{
	Use:   "link <id>",
	Short: "Print a key's VLESS access link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key ID %q", args[0])
		}

		client := newClient()
		link, err := client.KeyLink(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Println(link)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		health, err := client.CheckHealth(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Server:  %s\n", health.Status)
		fmt.Printf("Xray:    %t\n", health.Xray)
		fmt.Printf("Version: %s\n", health.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(linkCmd, statusCmd)
}
