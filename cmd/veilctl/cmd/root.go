// Package cmd implements the veilctl command tree.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/merdocx/veil-xray/internal/ctl"
)

var (
	apiURL    string
	apiSecret string
)

var rootCmd = &cobra.Command{
	Use:   "veilctl",
	Short: "Manage VLESS keys on a veild server",
	Long: `veilctl is the operator CLI for veild, the VLESS+Reality key
management daemon. It creates and revokes keys, prints access links
and shows per-key traffic.

The API endpoint and secret can be set via flags or the VEILCTL_API_URL
and VEILCTL_API_SECRET environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "veild API base URL (default http://127.0.0.1:8000)")
	rootCmd.PersistentFlags().StringVar(&apiSecret, "api-secret", "", "veild API secret key")
}

// newClient resolves flags and environment into an API client.
func newClient() *ctl.Client {
	url := apiURL
	if url == "" {
		url = os.Getenv("VEILCTL_API_URL")
	}
	if url == "" {
		url = "http://127.0.0.1:8000"
	}

	secret := apiSecret
	if secret == "" {
		secret = os.Getenv("VEILCTL_API_SECRET")
	}

	return ctl.NewClient(url, secret)
}
