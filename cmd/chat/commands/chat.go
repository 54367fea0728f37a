package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
	"github.com/ZentaChain/zentalk-chat/pkg/network"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

func chatCmd(transport, defaultServer string) *cobra.Command {
	return &cobra.Command{
		Use:   transport,
		Short: fmt.Sprintf("Chat over %s", strings.ToUpper(transport)),
		Long: `Type a line to broadcast it. Commands:
  !list                  list online users
  !exit                  leave
  @user text             direct message
  @user SECURE text      encrypted and signed direct message`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := protocol.ValidateUsername(username); err != nil {
				return fmt.Errorf("--user: %w", err)
			}

			privateKey, err := loadOrGenerateKey()
			if err != nil {
				return err
			}

			client := network.NewClient(username, privateKey)
			client.KeyTimeout = keyTimeout
			client.AutoReconnect = transport == network.TransportStream
			render(client)

			if historyPath != "" {
				if passphrase == "" {
					return errors.New("--history needs --passphrase")
				}
				h, err := storage.OpenHistory(historyPath, passphrase)
				if err != nil {
					return err
				}
				defer h.Close()
				client.AttachHistory(h)
			}

			addr := serverAddr
			if addr == "" {
				addr = defaultServer
			}
			if err := client.Connect(transport, addr); err != nil {
				return err
			}

			fp, _ := crypto.Fingerprint(client.PublicKey)
			fmt.Printf("Connected to %s as %s (key %s)\n", addr, username, fp)
			fmt.Println("Type !list to see who is online, !exit to leave.")

			return readConsole(cmd.Context(), client)
		},
	}
}

// render prints deliveries to stdout
func render(c *network.Client) {
	c.OnBroadcast = func(from, text string) {
		fmt.Printf("[%s] %s\n", from, text)
	}
	c.OnDirect = func(from, text string) {
		fmt.Printf("[%s → you] %s\n", from, text)
	}
	c.OnSecure = func(from, text string, verified bool) {
		mark := "🔒"
		if !verified {
			mark = "⚠️ unverified"
		}
		fmt.Printf("[%s → you %s] %s\n", from, mark, text)
	}
	c.OnNotice = func(text string) {
		fmt.Printf("* %s\n", text)
	}
	c.OnUserList = func(usernames []string) {
		fmt.Printf("Online (%d): %s\n", len(usernames), strings.Join(usernames, ", "))
	}
	c.OnWarning = func(err error) {
		fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
	}
}

// readConsole feeds stdin lines to the client until !exit, EOF or the
// server goes away
func readConsole(ctx context.Context, c *network.Client) error {
	if ctx == nil {
		ctx = context.Background()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-c.Done():
			fmt.Println("Disconnected from server.")
			return nil

		case line, ok := <-lines:
			if !ok {
				return c.Disconnect()
			}
			err := c.Submit(ctx, line)
			if errors.Is(err, network.ErrQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
			}
		}
	}
}
