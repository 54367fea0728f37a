package network

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
)

// ErrQuit is returned by Submit after "!exit"
var ErrQuit = errors.New("quit")

// Submit carries out one line typed at the console:
//
//	!list                  list online users
//	!exit                  leave and disconnect
//	@user text             direct message
//	@user SECURE text      encrypted and signed direct message
//	anything else          broadcast
func (c *Client) Submit(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}

	switch {
	case strings.EqualFold(input, protocol.CmdList):
		return c.ListUsers()

	case strings.EqualFold(input, protocol.CmdExit):
		if err := c.Disconnect(); err != nil {
			return err
		}
		return ErrQuit

	case strings.HasPrefix(input, "@"):
		to, text, _ := strings.Cut(input[1:], " ")
		if err := protocol.ValidateUsername(to); err != nil {
			return fmt.Errorf("bad recipient %q: %w", to, err)
		}
		text = strings.TrimSpace(text)

		marker, secret, _ := strings.Cut(text, " ")
		if strings.EqualFold(marker, protocol.MarkerSecure) {
			secret = strings.TrimSpace(secret)
			if secret == "" {
				return fmt.Errorf("nothing to send to %s", to)
			}
			return c.SendSecure(ctx, to, secret)
		}
		if text == "" {
			return fmt.Errorf("nothing to send to %s", to)
		}
		return c.SendDirect(to, text)
	}

	return c.SendBroadcast(input)
}
