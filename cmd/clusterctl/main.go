// clusterctl is the CLI client for the cluster-RPC core: it sends a
// single RPC and prints the response, or drives a fan-out and renders
// the per-node result list.
package main

import "github.com/dantte-lp/clusterrpc/cmd/clusterctl/commands"

func main() {
	commands.Execute()
}
