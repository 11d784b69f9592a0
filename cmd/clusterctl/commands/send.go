package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/clusterrpc/internal/clusterclient"
	"github.com/dantte-lp/clusterrpc/internal/wire"
)

var (
	sendMessageType uint16
	sendPayloadHex  string
)

// sendCmd sends a single RPC to the controller set and prints the reply
// (spec §4.8 send_recv_controller, with no forwarding descriptor set).
func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "send a single RPC to the controller and print the reply",
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := hex.DecodeString(sendPayloadHex)
			if err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}

			req := &wire.Message{
				ProtocolVersion: wire.MaxVersion,
				MessageType:     sendMessageType,
				Forward:         wire.NoForward(0),
				Payload:         payload,
			}

			resp, err := client.SendRecvController(cmd.Context(), req, nil)
			if err != nil {
				return clusterclient.RemapError(err)
			}

			printMessage(resp)
			return nil
		},
	}

	cmd.Flags().Uint16Var(&sendMessageType, "type", 0, "request message_type")
	cmd.Flags().StringVar(&sendPayloadHex, "payload", "", "hex-encoded request payload")

	return cmd
}
