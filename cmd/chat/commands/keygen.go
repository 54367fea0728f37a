package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
)

func keygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new RSA key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(keyPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", keyPath)
			}
			privateKey, err := writeNewKey()
			if err != nil {
				return err
			}
			fp, err := crypto.Fingerprint(&privateKey.PublicKey)
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", fp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}
