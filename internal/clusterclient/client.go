// Package clusterclient implements the Controller Client (spec §4.8):
// send_recv_controller's retry/failover/reroute state machine layered on
// top of the Endpoint Resolver, Connection Manager, and Message Engine.
package clusterclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/clusterrpc/internal/clusterconfig"
	clustermetrics "github.com/dantte-lp/clusterrpc/internal/metrics"
	"github.com/dantte-lp/clusterrpc/internal/rpcengine"
	"github.com/dantte-lp/clusterrpc/internal/transport"
	"github.com/dantte-lp/clusterrpc/internal/wire"
)

// -------------------------------------------------------------------------
// Control-signal sentinels
// -------------------------------------------------------------------------

// StandbyType and RerouteType are reserved message_type values a
// controller uses to signal IN_STANDBY_MODE and REROUTE (spec §4.8)
// instead of an ordinary reply. Payload codecs are out of scope for this
// core, so these two control signals are carried as sentinel message
// types rather than through any application-level codec.
const (
	StandbyType uint16 = 0xFFFE
	RerouteType uint16 = 0xFFFD
)

// encodeClusterOverride/decodeClusterOverride give REROUTE's
// working_cluster_rec payload a minimal, self-contained wire encoding:
// "host\x00port\x00protocol_version" as three big-endian-free text
// fields. This is control data exchanged between this core and a
// controller, not user payload, so it does not reintroduce the payload
// codec the spec places out of scope.
func encodeClusterOverride(co transport.ClusterOverride) []byte {
	return fmt.Appendf(nil, "%s\x00%d\x00%d", co.Host, co.Port, co.ProtocolVersion)
}

func decodeClusterOverride(buf []byte) (transport.ClusterOverride, error) {
	parts := strings.Split(string(buf), "\x00")
	if len(parts) != 3 {
		return transport.ClusterOverride{}, fmt.Errorf("decode cluster override: %w", ErrMalformedReroute)
	}

	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return transport.ClusterOverride{}, fmt.Errorf("decode cluster override port: %w", ErrMalformedReroute)
	}
	version, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return transport.ClusterOverride{}, fmt.Errorf("decode cluster override version: %w", ErrMalformedReroute)
	}

	return transport.ClusterOverride{
		Host:            parts[0],
		Port:            uint16(port),
		ProtocolVersion: uint16(version),
	}, nil
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrRetryBudgetExhausted indicates send_recv_controller ran out of
	// retry budget without a successful reply (spec §4.8 step 3).
	ErrRetryBudgetExhausted = errors.New("controller retry budget exhausted")

	// ErrMalformedReroute indicates a REROUTE reply's payload could not be
	// decoded into a cluster override.
	ErrMalformedReroute = errors.New("malformed reroute payload")

	// ErrNoEndpoints indicates the resolved controller set was empty.
	ErrNoEndpoints = errors.New("no controller endpoints available")
)

// Generic COMMUNICATIONS_* sentinels the RemapError helper maps from.
var (
	ErrCommConnection = errors.New("communications connection error")
	ErrCommSend       = errors.New("communications send error")
	ErrCommReceive    = errors.New("communications receive error")
)

// Controller-specific counterparts RemapError maps to (spec §6, §7).
var (
	ErrControllerConnection = errors.New("controller connection error")
	ErrControllerSend       = errors.New("controller send error")
	ErrControllerReceive    = errors.New("controller receive error")
)

// RemapError turns a generic COMMUNICATIONS_* sentinel into its
// CONTROLLER_* counterpart (spec §7 "remap helper"); callers invoke it
// explicitly after each controller call. Errors it does not recognize
// pass through unchanged.
func RemapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCommConnection):
		return fmt.Errorf("%w: %w", ErrControllerConnection, err)
	case errors.Is(err, ErrCommSend):
		return fmt.Errorf("%w: %w", ErrControllerSend, err)
	case errors.Is(err, ErrCommReceive):
		return fmt.Errorf("%w: %w", ErrControllerReceive, err)
	default:
		return err
	}
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// Client implements send_recv_controller (spec §4.8).
type Client struct {
	Conn   *transport.ConnectionManager
	Engine *rpcengine.Engine
	State  *clusterconfig.State
	Logger *slog.Logger

	// Metrics is optional; when set, retries/standby waits/reroutes are
	// reported against it.
	Metrics *clustermetrics.Collector

	// useBackup is the persistent failover hint (spec §4.8 "use_backup =
	// true is persistent until a primary success or a standby-retry
	// reset"). It survives across calls to Client, so it is a field
	// rather than a local variable.
	useBackup atomic.Bool
}

// NewClient builds a Client. logger must not be nil.
func NewClient(conn *transport.ConnectionManager, engine *rpcengine.Engine, state *clusterconfig.State, logger *slog.Logger) *Client {
	return &Client{
		Conn:   conn,
		Engine: engine,
		State:  state,
		Logger: logger.With(slog.String("component", "clusterclient")),
	}
}

// SendRecvController implements send_recv_controller (spec §4.8): it
// resolves the controller set, retries across endpoints on connection
// failure, honors IN_STANDBY_MODE backoff-and-retry, and follows REROUTE
// redirection, all bounded by the configured retry budget.
func (c *Client) SendRecvController(ctx context.Context, req *wire.Message, override *transport.ClusterOverride) (*wire.Message, error) {
	start := time.Now()

	for {
		if override != nil {
			req.Flags |= wire.FlagGlobalAuthKey
		}

		cc := c.State.Snapshot().Controllers
		endpoints, err := transport.ResolveEndpoints(cc, override)
		if err != nil {
			return nil, fmt.Errorf("send_recv_controller: %w", err)
		}
		if endpoints.Len() == 0 {
			return nil, fmt.Errorf("send_recv_controller: %w", ErrNoEndpoints)
		}

		resp, attemptErr := c.attemptLoop(ctx, cc, endpoints, req)
		if attemptErr != nil {
			return nil, attemptErr
		}

		switch {
		case resp.MessageType == StandbyType:
			if c.Metrics != nil {
				c.Metrics.IncStandbyWait()
			}
			proceed, waitErr := c.handleStandby(ctx, start)
			if waitErr != nil {
				return nil, waitErr
			}
			if !proceed {
				return nil, fmt.Errorf("send_recv_controller: %w", ErrRetryBudgetExhausted)
			}
			continue

		case resp.MessageType == RerouteType:
			next, decodeErr := decodeClusterOverride(resp.Payload)
			if decodeErr != nil {
				return nil, fmt.Errorf("send_recv_controller: %w", decodeErr)
			}
			if c.Metrics != nil {
				c.Metrics.IncReroute()
			}
			// The caller's own *ClusterOverride argument is untouched by
			// reassigning this local variable (spec §4.8 step 5 "destroy
			// the current cluster override (unless it was the caller's)").
			override = &next
			continue

		default:
			return resp, nil
		}
	}
}

// attemptLoop advances through endpoints (with wraparound) until one
// accepts the connection and returns a reply, or its own retry budget
// expires (spec §4.8 steps 3, 6). The budget is timed from this call's
// own entry, not from send_recv_controller's overall start: a round
// that begins right after an IN_STANDBY_MODE wait (itself bounded by
// slurmctld_timeout, ordinarily far larger than msg_timeout) must get
// a fresh msg_timeout budget of its own, or it would already appear
// expired before a single connection attempt is made.
func (c *Client) attemptLoop(ctx context.Context, cc clusterconfig.ControllersConfig, endpoints transport.ControllerSet, req *wire.Message) (*wire.Message, error) {
	roundStart := time.Now()

	budget := c.State.MsgTimeout()
	if budget <= 0 {
		budget = time.Second
	}

	// use_backup persists across calls: a call that begins with the hint
	// already set skips straight to the first backup instead of retrying
	// a primary already known to be down (spec §4.8 state machine).
	startIdx := 0
	if c.useBackup.Load() {
		startIdx = 1
	}

	attempt := 0
	for {
		if time.Since(roundStart) > budget {
			return nil, fmt.Errorf("send_recv_controller: %w", ErrRetryBudgetExhausted)
		}

		ep, ok := endpoints.At(startIdx + attempt)
		if !ok {
			return nil, fmt.Errorf("send_recv_controller: %w", ErrNoEndpoints)
		}

		resp, err := c.tryOnce(ctx, cc, ep, req)
		if c.Metrics != nil {
			c.Metrics.ObserveConnectAttempt(ep.String(), err)
		}
		if err == nil {
			c.useBackup.Store(false)
			return resp, nil
		}

		c.Logger.Warn("controller attempt failed", slog.String("endpoint", ep.String()), slog.Any("error", err))
		if c.Metrics != nil {
			c.Metrics.IncControllerRetry(ep.String())
		}
		c.useBackup.Store(true)
		attempt++
	}
}

// tryOnce opens one connection, sends req, and receives a single reply.
func (c *Client) tryOnce(ctx context.Context, cc clusterconfig.ControllersConfig, ep transport.Endpoint, req *wire.Message) (*wire.Message, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.State.MsgTimeout())
	defer cancel()

	conn, err := c.Conn.Open(dialCtx, ep, cc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommConnection, err)
	}
	defer conn.Close()

	if err := c.Engine.Send(ctx, conn, req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommSend, err)
	}

	resp, err := c.Engine.Receive(ctx, conn, c.State.MsgTimeout())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommReceive, err)
	}

	return resp, nil
}

// handleStandby implements spec §4.8 step 4: if total elapsed stays within
// 1.5x slurmctld_timeout, wait slurmctld_timeout/2, reset use_backup, and
// signal the caller to retry. Whether a backup is configured is not checked.
func (c *Client) handleStandby(ctx context.Context, start time.Time) (bool, error) {
	slurmctldTimeout := c.State.SlurmctldTimeout()
	ceiling := time.Duration(float64(slurmctldTimeout) * 1.5)

	if time.Since(start) >= ceiling {
		return false, nil
	}

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("send_recv_controller: wait for standby retry: %w", ctx.Err())
	case <-time.After(slurmctldTimeout / 2):
	}

	c.useBackup.Store(false)
	return true, nil
}
