package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
)

func fingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint [base64-public-key]",
		Short: "Print the fingerprint of your key, or of a public key as sent on the wire",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				fp, err := crypto.FingerprintString(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Fingerprint: %s\n", fp)
				return nil
			}

			pemData, err := crypto.LoadKeyFromFile(keyPath)
			if err != nil {
				return err
			}
			privateKey, err := crypto.ImportPrivateKeyPEM(pemData)
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
	return cmd
}
