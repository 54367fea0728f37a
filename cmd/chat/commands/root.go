// Package commands implements the chat client CLI
package commands

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
	"github.com/ZentaChain/zentalk-chat/pkg/network"
)

var (
	home        string
	keyPath     string
	username    string
	serverAddr  string
	historyPath string
	passphrase  string
	keyTimeout  time.Duration
)

func Execute() error {
	root := &cobra.Command{
		Use:          "chat",
		Short:        "Multi-user chat client with signed, encrypted direct messages",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".zentalk-chat")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			if keyPath == "" {
				keyPath = filepath.Join(home, "id.pem")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.zentalk-chat)")
	root.PersistentFlags().StringVar(&keyPath, "key", "", "RSA private key file (default <home>/id.pem)")
	root.PersistentFlags().StringVarP(&username, "user", "u", "", "username to register as")
	root.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "server address (default 127.0.0.1:50000 for tcp, :50001 for udp)")
	root.PersistentFlags().StringVar(&historyPath, "history", "", "SQLite file to keep an encrypted message history in")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the history")
	root.PersistentFlags().DurationVar(&keyTimeout, "key-timeout", network.DefaultKeyTimeout, "how long to wait for a recipient's public key")

	root.AddCommand(
		chatCmd(network.TransportStream, "127.0.0.1:50000"),
		chatCmd(network.TransportDatagram, "127.0.0.1:50001"),
		keygenCmd(),
		fingerprintCmd(),
		historyCmd(),
	)
	return root.Execute()
}

// loadOrGenerateKey reads the key file, creating it on first use
func loadOrGenerateKey() (*rsa.PrivateKey, error) {
	if _, err := os.Stat(keyPath); err == nil {
		pemData, err := crypto.LoadKeyFromFile(keyPath)
		if err != nil {
			return nil, err
		}
		return crypto.ImportPrivateKeyPEM(pemData)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "Generating new RSA-%d key pair...\n", crypto.DefaultKeyBits)
	return writeNewKey()
}

func writeNewKey() (*rsa.PrivateKey, error) {
	privateKey, err := crypto.GenerateRSAKeyPair(crypto.DefaultKeyBits)
	if err != nil {
		return nil, err
	}

	pemData, err := crypto.ExportPrivateKeyPEM(privateKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, err
	}
	if err := crypto.SaveKeyToFile(keyPath, pemData); err != nil {
		return nil, err
	}

	pubPEM, err := crypto.ExportPublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveKeyToFile(keyPath+".pub", pubPEM); err != nil {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "✓ New key saved to %s\n", keyPath)
	return privateKey, nil
}
