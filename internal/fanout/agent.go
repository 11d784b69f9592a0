package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dantte-lp/clusterrpc/internal/clusterconfig"
	"github.com/dantte-lp/clusterrpc/internal/wire"
)

// Handler produces this node's own reply to a request, independent of any
// forwarding the request also carries.
type Handler func(ctx context.Context, msg *wire.Message) (wire.Message, error)

// Agent implements the node-agent side of the Forwarding Tree: "receive
// and forward" (spec §4.7). When an inbound request names a non-empty
// forwarding descriptor, the agent runs the local Handler and the
// Dispatcher's fan-out concurrently and merges both into one ret-list.
type Agent struct {
	Dispatcher *Dispatcher
	Handle     Handler
	Logger     *slog.Logger
}

// NewAgent builds an Agent. logger must not be nil.
func NewAgent(dispatcher *Dispatcher, handle Handler, logger *slog.Logger) *Agent {
	return &Agent{
		Dispatcher: dispatcher,
		Handle:     handle,
		Logger:     logger.With(slog.String("component", "fanout-agent")),
	}
}

// Process implements spec §4.7's receive-and-forward step: it runs the
// local handler, and, when msg.Forward names at least one child, fans out
// concurrently via the Dispatcher; the returned Message's RetList is the
// merge of the local reply and every child's reply (including any
// synthesized FORWARD_FAILED entries). When ack is non-nil it is called
// once, before fan-out starts, to send the caller's immediate
// acknowledgement; ack may be nil when msg is not a composite envelope.
func (a *Agent) Process(ctx context.Context, cc clusterconfig.ControllersConfig, msg *wire.Message, ack func() error) (wire.Message, error) {
	if !msg.Forward.HasChildren() {
		return a.Handle(ctx, msg)
	}

	if ack != nil {
		if err := ack(); err != nil {
			return wire.Message{}, fmt.Errorf("fanout agent: composite ack: %w", err)
		}
	}

	type localResult struct {
		reply wire.Message
		err   error
	}
	localCh := make(chan localResult, 1)
	go func() {
		reply, err := a.Handle(ctx, msg)
		localCh <- localResult{reply, err}
	}()

	childEntries, dispatchErr := a.Dispatcher.Dispatch(ctx, cc, msg, msg.Forward)
	local := <-localCh

	if local.err != nil {
		a.Logger.Warn("fanout agent local handler failed", slog.Any("error", local.err))
	}
	if dispatchErr != nil {
		a.Logger.Warn("fanout agent dispatch failed", slog.Any("error", dispatchErr))
	}

	merged := make([]wire.ReturnEntry, 0, len(childEntries)+1)
	if local.err == nil {
		merged = append(merged, wire.ReturnEntry{
			MessageType: local.reply.MessageType,
			Payload:     local.reply.Payload,
		})
	}
	merged = append(merged, childEntries...)

	local.reply.RetList = merged
	return local.reply, nil
}
