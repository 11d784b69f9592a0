// Package commands implements the clusterctl CLI commands.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/clusterrpc/internal/authadapter"
	"github.com/dantte-lp/clusterrpc/internal/clusterclient"
	"github.com/dantte-lp/clusterrpc/internal/clusterconfig"
	"github.com/dantte-lp/clusterrpc/internal/rpcengine"
	"github.com/dantte-lp/clusterrpc/internal/transport"
)

var (
	// client is the Controller Client, initialized in PersistentPreRunE.
	client *clusterclient.Client

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// controllerHosts is the ordered controller host list (comma-separated).
	controllerHosts string

	// portBase and portCount describe the controller port range.
	portBase  uint16
	portCount uint16

	// secretHex is the default (non-global) authentication secret, hex-encoded.
	secretHex string

	// msgTimeout bounds a single send/receive exchange.
	msgTimeout time.Duration
)

// rootCmd is the top-level cobra command for clusterctl.
var rootCmd = &cobra.Command{
	Use:   "clusterctl",
	Short: "CLI client for the cluster-RPC core",
	Long:  "clusterctl sends requests to a cluster-RPC controller and renders the response.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return fmt.Errorf("build client: %w", err)
		}
		client = c
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&controllerHosts, "controllers", "localhost",
		"comma-separated controller host list, primary first")
	rootCmd.PersistentFlags().Uint16Var(&portBase, "port-base", 6817, "controller port range base")
	rootCmd.PersistentFlags().Uint16Var(&portCount, "port-count", 1, "controller port range size")
	rootCmd.PersistentFlags().StringVar(&secretHex, "secret", "", "hex-encoded default auth secret")
	rootCmd.PersistentFlags().DurationVar(&msgTimeout, "timeout", 10*time.Second, "per-exchange message timeout")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "output format: table, json")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(fanoutCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// newClient builds a clusterclient.Client from the persistent flags.
func newClient() (*clusterclient.Client, error) {
	cfg := clusterconfig.DefaultConfig()
	cfg.Controllers.Hosts = splitHosts(controllerHosts)
	cfg.Controllers.PortBase = portBase
	cfg.Controllers.PortCount = portCount
	cfg.RPC.MsgTimeoutSeconds = uint32(msgTimeout.Seconds())
	if cfg.RPC.MsgTimeoutSeconds == 0 {
		cfg.RPC.MsgTimeoutSeconds = 1
	}

	state := clusterconfig.NewState(cfg)

	secret, err := decodeSecret(secretHex)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	engine := rpcengine.NewEngine(authadapter.HMACAuthenticator{}, state, secret, logger)

	return clusterclient.NewClient(transport.NewConnectionManager(), engine, state, logger), nil
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
