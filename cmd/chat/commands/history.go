package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [user]",
		Short: "Show stored messages, optionally only those with one user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if historyPath == "" || passphrase == "" {
				return errors.New("history needs --history and --passphrase")
			}
			h, err := storage.OpenHistory(historyPath, passphrase)
			if err != nil {
				return err
			}
			defer h.Close()

			peer := ""
			if len(args) == 1 {
				peer = args[0]
			}
			entries, err := h.Recent(peer, limit)
			if err != nil {
				return err
			}

			for _, e := range entries {
				direction := "←"
				if e.Outgoing {
					direction = "→"
				}
				lock := ""
				if e.Secure {
					lock = " 🔒"
				}
				fmt.Printf("%s %s %s%s %s\n", e.Timestamp.Format("2006-01-02 15:04"), direction, e.Peer, lock, e.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of messages to show")
	return cmd
}
