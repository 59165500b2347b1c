package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage VLESS keys",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		keys, err := client.ListKeys(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tUUID\tCREATED\tACTIVE")
		for _, k := range keys {
			name := k.Name
			if name == "" {
				name = "-"
			}
			created := time.Unix(k.CreatedAt, 0).Format("2006-01-02 15:04")
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", k.ID, name, k.UUID, created, k.IsActive)
		}
		return w.Flush()
	},
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new key",
	Long: `Create a new VLESS key. The server generates the UUID, writes it
into the xray configuration and returns a ready-to-use access link.

Examples:
  # Create an unnamed key
  veilctl keys create

  # Create a named key
  veilctl keys create --name alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		client := newClient()
		key, err := client.CreateKey(context.Background(), name)
		if err != nil {
			return err
		}

		fmt.Printf("Key created.\n\n")
		fmt.Printf("  ID:    %d\n", key.ID)
		fmt.Printf("  UUID:  %s\n", key.UUID)
		if key.Name != "" {
			fmt.Printf("  Name:  %s\n", key.Name)
		}
		fmt.Printf("  Link:  %s\n", key.Link)
		return nil
	},
}

var keysRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key ID %q", args[0])
		}

		client := newClient()
		if err := client.DeleteKey(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Key %d revoked.\n", id)
		return nil
	},
}

func init() {
	keysCreateCmd.Flags().String("name", "", "human-readable label for the key")

	keysCmd.AddCommand(keysListCmd, keysCreateCmd, keysRmCmd)
	rootCmd.AddCommand(keysCmd)
}
