package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/clusterrpc/internal/clusterclient"
	"github.com/dantte-lp/clusterrpc/internal/wire"
)

var (
	fanoutMessageType uint16
	fanoutPayloadHex  string
	fanoutNodes       string
	fanoutTreeWidth   uint16
)

// fanoutCmd drives a fan-out request and renders the merged per-node
// result list (spec §4.6, §4.7).
func fanoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fanout",
		Short: "send an RPC across a node hostlist and print the per-node results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := hex.DecodeString(fanoutPayloadHex)
			if err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}

			nodes := splitNodes(fanoutNodes)
			if len(nodes) == 0 {
				return fmt.Errorf("fanout: --nodes must name at least one downstream node")
			}

			fd := wire.NoForward(fanoutTreeWidth)
			fd.Count = uint32(len(nodes)) //nolint:gosec // G115: bounded by the flag-supplied node list
			fd.Hostlist = nodes

			req := &wire.Message{
				ProtocolVersion: wire.MaxVersion,
				MessageType:     fanoutMessageType,
				Forward:         fd,
				Payload:         payload,
			}

			resp, err := client.SendRecvController(cmd.Context(), req, nil)
			if err != nil {
				return clusterclient.RemapError(err)
			}

			printEntries(resp.RetList)
			return nil
		},
	}

	cmd.Flags().Uint16Var(&fanoutMessageType, "type", 0, "request message_type")
	cmd.Flags().StringVar(&fanoutPayloadHex, "payload", "", "hex-encoded request payload")
	cmd.Flags().StringVar(&fanoutNodes, "nodes", "", "comma-separated downstream node hostlist")
	cmd.Flags().Uint16Var(&fanoutTreeWidth, "tree-width", 0, "fan-out width for this hop (0 uses the configured default)")

	return cmd
}
