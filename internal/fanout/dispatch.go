package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/clusterrpc/internal/clusterconfig"
	clustermetrics "github.com/dantte-lp/clusterrpc/internal/metrics"
	"github.com/dantte-lp/clusterrpc/internal/rpcengine"
	"github.com/dantte-lp/clusterrpc/internal/transport"
	"github.com/dantte-lp/clusterrpc/internal/wire"
)

// fanoutReceiveSteps is the receive_many step count a single-hop child
// reply is collected with; a direct child reply is always one level.
const fanoutReceiveSteps = 1

// Child-reply error codes carried in a synthesized FORWARD_FAILED entry.
// These are local to the Forwarding Tree's per-node bookkeeping, distinct
// from the COMMUNICATIONS_*/CONTROLLER_* boundary codes clusterclient
// works with (spec §6, §7).
const (
	errCodeUnknown uint32 = iota
	errCodeConnect
	errCodeSend
	errCodeReceive
)

// Dispatcher drives the Forwarding Tree's parent-side fan-out (spec
// §4.7): span the hostlist, open one connection per non-empty bucket,
// forward a re-framed copy of the request, and merge every child's reply
// (or a synthesized FORWARD_FAILED entry) into the parent's ret-list.
type Dispatcher struct {
	Conn   *transport.ConnectionManager
	Engine *rpcengine.Engine
	State  *clusterconfig.State
	Logger *slog.Logger

	// Metrics is optional; when set, Dispatch and dispatchOne report
	// span bucket sizes and FORWARD_FAILED counts against it.
	Metrics *clustermetrics.Collector
}

// NewDispatcher builds a Dispatcher. logger must not be nil.
func NewDispatcher(conn *transport.ConnectionManager, engine *rpcengine.Engine, state *clusterconfig.State, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		Conn:   conn,
		Engine: engine,
		State:  state,
		Logger: logger.With(slog.String("component", "fanout")),
	}
}

// Dispatch spans fd.Hostlist across fd.TreeWidth (or the configured
// default when fd carries none), opens a connection to the first host of
// each non-empty bucket, forwards msg with a reduced forwarding
// descriptor naming that bucket, and merges every child's reply into a
// flat ret-list. Siblings run concurrently; no ordering between them is
// guaranteed (spec §4.7 "Ordering").
func (d *Dispatcher) Dispatch(ctx context.Context, cc clusterconfig.ControllersConfig, msg *wire.Message, fd wire.ForwardDescriptor) ([]wire.ReturnEntry, error) {
	width := int(fd.TreeWidth)
	if width <= 0 {
		width = int(d.State.Snapshot().RPC.TreeWidth)
	}

	buckets := SpanHosts(fd.Hostlist, width)
	if len(buckets) == 0 {
		return nil, nil
	}

	if d.Metrics != nil {
		sizes := make([]int, len(buckets))
		for i, b := range buckets {
			sizes[i] = len(b)
		}
		d.Metrics.ObserveSpan(sizes)
	}

	timeout := fd.EffectiveTimeout(d.State.MsgTimeout())
	results := make([][]wire.ReturnEntry, len(buckets))

	g, gctx := errgroup.WithContext(ctx)
	for i, bucket := range buckets {
		g.Go(func() error {
			results[i] = d.dispatchOne(gctx, cc, msg, bucket, timeout)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fanout dispatch: %w", err)
	}

	merged := make([]wire.ReturnEntry, 0, len(fd.Hostlist))
	failed := 0
	for _, entries := range results {
		merged = append(merged, entries...)
		for _, e := range entries {
			if e.Failed() {
				failed++
			}
		}
	}
	if d.Metrics != nil && failed > 0 {
		d.Metrics.IncFanoutFailed(failed)
	}
	return merged, nil
}

// dispatchOne opens a connection to bucket's first host, forwards msg
// with a reduced forwarding descriptor carrying the rest of bucket as
// its hostlist, and collects the child's reply. A connect, send, or
// receive-timeout failure produces one FORWARD_FAILED entry per host
// still owed a reply (spec §4.7).
func (d *Dispatcher) dispatchOne(ctx context.Context, cc clusterconfig.ControllersConfig, msg *wire.Message, bucket []string, timeout time.Duration) []wire.ReturnEntry {
	if len(bucket) == 0 {
		return nil
	}
	head := bucket[0]

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.Conn.Open(dialCtx, transport.Endpoint{Host: head}, cc)
	if err != nil {
		d.Logger.Warn("fanout child connect failed", slog.String("node", head), slog.Any("error", err))
		return forwardFailedEntries(bucket, errCodeConnect)
	}
	defer conn.Close()

	child := *msg
	reduced := wire.NoForward(msg.Forward.TreeWidth)
	reduced.Count = uint32(len(bucket) - 1) //nolint:gosec // G115: bucket sizes bounded by hostlist length
	reduced.Hostlist = bucket[1:]
	reduced.Timeout = timeout
	child.Forward = reduced

	sendCtx, sendCancel := context.WithTimeout(ctx, timeout)
	defer sendCancel()
	if err := d.Engine.Send(sendCtx, conn, &child); err != nil {
		d.Logger.Warn("fanout child send failed", slog.String("node", head), slog.Any("error", err))
		return forwardFailedEntries(bucket, errCodeSend)
	}

	recvCtx, recvCancel := context.WithTimeout(ctx, timeout)
	defer recvCancel()
	reply, err := d.Engine.ReceiveMany(recvCtx, conn, fanoutReceiveSteps, timeout)
	if err != nil {
		d.Logger.Warn("fanout child receive failed", slog.String("node", head), slog.Any("error", err))
		return forwardFailedEntries(bucket, errCodeReceive)
	}

	if len(reply.RetList) > 0 {
		return reply.RetList
	}
	return []wire.ReturnEntry{{NodeName: head, MessageType: reply.MessageType, Payload: reply.Payload}}
}

// forwardFailedEntries synthesizes one FORWARD_FAILED entry per host in
// bucket, tagged with code (spec §4.7 "synthesize a FORWARD_FAILED
// return-data entry tagged with the node name and error").
func forwardFailedEntries(bucket []string, code uint32) []wire.ReturnEntry {
	entries := make([]wire.ReturnEntry, len(bucket))
	for i, host := range bucket {
		entries[i] = wire.ReturnEntry{
			NodeName:    host,
			MessageType: wire.ForwardFailedType,
			ErrorCode:   code,
		}
	}
	return entries
}
