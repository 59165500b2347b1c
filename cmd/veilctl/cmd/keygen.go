package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/merdocx/veil-xray/pkg/vless"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a Reality X25519 key pair",
	Long: `Generate a fresh X25519 key pair for the server's Reality
configuration. The private key goes into the xray config
(realitySettings.privateKey), the public key into veild's
reality.public_key setting and every client link.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, err := vless.GenerateRealityKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate key pair: %w", err)
		}

		fmt.Printf("Private key: %s\n", pair.PrivateKey)
		fmt.Printf("Public key:  %s\n", pair.PublicKey)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
