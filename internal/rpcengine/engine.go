// Package rpcengine implements the Message Engine (spec §4.6): framing a
// wire.Message with an authentication credential and sending it on a
// connection, then receiving and validating a response.
package rpcengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"github.com/dantte-lp/clusterrpc/internal/authadapter"
	"github.com/dantte-lp/clusterrpc/internal/clusterconfig"
	clustermetrics "github.com/dantte-lp/clusterrpc/internal/metrics"
	"github.com/dantte-lp/clusterrpc/internal/wire"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrPeerDisappeared maps an ENOTCONN send failure (spec §4.6 step 5).
	ErrPeerDisappeared = errors.New("peer disappeared")

	// ErrVersionMismatch is returned by Receive on a header version outside
	// the supported range (spec §4.6 receive step 2, "VERSION_ERROR").
	ErrVersionMismatch = errors.New("version error")

	// ErrAuthFailed is returned by Receive when credential verification
	// fails (spec §4.6 receive step 4, "AUTH_ERROR").
	ErrAuthFailed = errors.New("auth error")

	// ErrUnexpectedShape is returned when a receive path sees a
	// return_count or forward.count it does not accept.
	ErrUnexpectedShape = errors.New("unexpected message shape")
)

// credentialRecreateAfter is the threshold past which Send recreates a
// stale credential before transmitting (spec §4.6 send step 4).
const credentialRecreateAfter = 60 * time.Second

// authFailureRateLimit is the sleep Receive applies after an auth
// failure, rate-limiting brute-force attempts (spec §4.6 receive step 4).
const authFailureRateLimit = 10 * time.Millisecond

// timeoutWarnShort and timeoutWarnLong bound the "sane" receive timeout
// range; values outside it are logged as warnings, not rejected (spec
// §4.6 receive step 1).
const (
	timeoutWarnShort = 10 * time.Millisecond
	timeoutWarnLong  = 10 * time.Minute
)

// -------------------------------------------------------------------------
// WaitFunc — forwarding tree precondition hook
// -------------------------------------------------------------------------

// WaitFunc cooperatively waits for a sender's forwarding-tree
// preconditions before the frame is put on the wire (spec §4.6 send step
// 3: "no-op if no forwarding"). Nothing in this module installs a WaitFunc
// other than NoWait.
type WaitFunc func(ctx context.Context, fd wire.ForwardDescriptor) error

// NoWait is the default WaitFunc: it never blocks.
func NoWait(context.Context, wire.ForwardDescriptor) error { return nil }

// -------------------------------------------------------------------------
// Engine
// -------------------------------------------------------------------------

// Engine is the Message Engine: it owns the authenticator and the secret
// selection inputs needed to sign and verify every frame it sends or
// receives.
type Engine struct {
	Auth          authadapter.Authenticator
	State         *clusterconfig.State
	DefaultSecret []byte
	Logger        *slog.Logger

	// Wait is consulted by Send before framing; defaults to NoWait.
	Wait WaitFunc

	// Metrics is optional; when set, auth failures are reported against
	// it.
	Metrics *clustermetrics.Collector
}

// NewEngine builds an Engine. logger must not be nil.
func NewEngine(auth authadapter.Authenticator, state *clusterconfig.State, defaultSecret []byte, logger *slog.Logger) *Engine {
	return &Engine{
		Auth:          auth,
		State:         state,
		DefaultSecret: defaultSecret,
		Logger:        logger.With(slog.String("component", "rpcengine")),
		Wait:          NoWait,
	}
}

func (e *Engine) secretFor(msg *wire.Message) ([]byte, error) {
	if !msg.Flags.Has(wire.FlagGlobalAuthKey) {
		return e.DefaultSecret, nil
	}
	return e.State.GlobalSecret()
}

// Send implements the Message Engine's send path (spec §4.6 "send").
func (e *Engine) Send(ctx context.Context, conn net.Conn, msg *wire.Message) error {
	secret, err := e.secretFor(msg)
	if err != nil {
		return fmt.Errorf("send: resolve secret: %w", err)
	}

	credCreatedAt := time.Now()
	cred, err := e.Auth.Create(0, uint32(os.Getuid()), secret, e.credentialTTL()) //nolint:gosec // G115: uid fits uint32 on every supported platform
	if err != nil {
		return fmt.Errorf("send: create credential: %w", err)
	}
	defer func() { e.Auth.Destroy(cred) }()

	if !msg.Forward.IsSet() {
		msg.Forward = wire.NoForward(e.State.Snapshot().RPC.TreeWidth)
	}

	if err := e.Wait(ctx, msg.Forward); err != nil {
		return fmt.Errorf("send: wait for forwarding precondition: %w", err)
	}

	if time.Since(credCreatedAt) > credentialRecreateAfter {
		e.Auth.Destroy(cred)
		cred, err = e.Auth.Create(0, uint32(os.Getuid()), secret, e.credentialTTL()) //nolint:gosec // G115: uid fits uint32 on every supported platform
		if err != nil {
			return fmt.Errorf("send: recreate stale credential: %w", err)
		}
	}

	packedCred, err := e.Auth.Pack(cred, msg.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("send: pack credential: %w", err)
	}

	buf, err := wire.Encode(msg, packedCred)
	if err != nil {
		return fmt.Errorf("send: encode message: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	if _, err := conn.Write(buf); err != nil {
		return e.mapSendError(conn, err)
	}

	return nil
}

func (e *Engine) credentialTTL() time.Duration {
	info, err := e.State.AuthInfo()
	if err != nil {
		return 0
	}
	return info.TTL
}

func (e *Engine) mapSendError(conn net.Conn, err error) error {
	peer := peerString(conn)
	if errors.Is(err, syscall.ENOTCONN) {
		e.Logger.Warn("peer disappeared", slog.String("peer", peer))
		return fmt.Errorf("send to %s: %w", peer, ErrPeerDisappeared)
	}
	e.Logger.Error("send failed", slog.String("peer", peer), slog.Any("error", err))
	return fmt.Errorf("send to %s: %w", peer, err)
}

func peerString(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return "unknown"
	}
	return conn.RemoteAddr().String()
}

// -------------------------------------------------------------------------
// Receive
// -------------------------------------------------------------------------

// Receive implements the Message Engine's single-response receive path
// (spec §4.6 "receive"). It rejects return_count > 0 and forward.count >
// 0 on this path.
func (e *Engine) Receive(ctx context.Context, conn net.Conn, timeout time.Duration) (*wire.Message, error) {
	frame, err := e.readAndDecode(ctx, conn, timeout, wire.ModeResponse)
	if err != nil {
		return nil, err
	}
	return e.verifyAndBuild(frame, conn)
}

// ReceiveRequest implements the Message Engine's inbound-request receive
// path (spec §4.7 "receive-and-forward"): unlike Receive, it accepts a
// non-zero forward.count (the sender may be asking this node to fan out)
// but still rejects a non-zero return_count, since a request never
// carries a reply list.
func (e *Engine) ReceiveRequest(ctx context.Context, conn net.Conn, timeout time.Duration) (*wire.Message, error) {
	frame, err := e.readAndDecode(ctx, conn, timeout, wire.ModeRequest)
	if err != nil {
		return nil, err
	}
	return e.verifyAndBuild(frame, conn)
}

// ReceiveMany implements the Message Engine's aggregated receive path
// (spec §4.6 "receive_many"): it accepts return_count > 0, splitting the
// wire return list into per-node entries, and always returns a list (even
// of size 1). The timeout budget is divided among tree levels:
// per_level = (total - message_timeout*(steps-1)) / steps.
func (e *Engine) ReceiveMany(ctx context.Context, conn net.Conn, steps int, total time.Duration) (*wire.Message, error) {
	perLevel := PerLevelTimeout(total, e.State.MsgTimeout(), steps)

	frame, err := e.readAndDecode(ctx, conn, perLevel, wire.ModeAggregated)
	if err != nil {
		return nil, err
	}

	msg, err := e.verifyAndBuild(frame, conn)
	if err != nil {
		return nil, err
	}

	if len(frame.Header.ReturnList) > 0 {
		msg.RetList = frame.Header.ReturnList
	} else {
		msg.RetList = []wire.ReturnEntry{{
			NodeName:    peerString(conn),
			MessageType: msg.MessageType,
			Payload:     msg.Payload,
		}}
	}

	return msg, nil
}

// PerLevelTimeout implements the receive_many timeout-division formula
// (spec §4.6): per_level = (total - message_timeout*(steps-1)) / steps.
// steps < 1 is treated as 1.
func PerLevelTimeout(total, messageTimeout time.Duration, steps int) time.Duration {
	if steps < 1 {
		steps = 1
	}
	remaining := total - messageTimeout*time.Duration(steps-1)
	if remaining <= 0 {
		return messageTimeout
	}
	return remaining / time.Duration(steps)
}

func (e *Engine) readAndDecode(ctx context.Context, conn net.Conn, timeout time.Duration, mode wire.Mode) (*wire.Frame, error) {
	e.warnOnUnusualTimeout(timeout)

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("receive: set read deadline: %w", err)
	}

	body, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, fmt.Errorf("receive: read frame: %w", err)
	}

	frame, err := wire.Decode(body, mode)
	if err != nil {
		if errors.Is(err, wire.ErrVersionMismatch) {
			e.logVersionMismatch(conn, frame, err)
			return nil, fmt.Errorf("receive: %w", ErrVersionMismatch)
		}
		if errors.Is(err, wire.ErrUnexpectedReturnList) || errors.Is(err, wire.ErrUnexpectedForward) {
			return nil, fmt.Errorf("receive: %w: %w", ErrUnexpectedShape, err)
		}
		return nil, fmt.Errorf("receive: decode: %w", err)
	}

	return frame, nil
}

func (e *Engine) logVersionMismatch(conn net.Conn, frame *wire.Frame, decodeErr error) {
	peer := peerString(conn)
	if frame == nil || len(frame.Credential) == 0 {
		e.Logger.Warn("version mismatch", slog.String("peer", peer), slog.Any("error", decodeErr))
		return
	}

	cred, unpackErr := e.Auth.Unpack(frame.Credential, frame.Header.Version)
	if unpackErr != nil {
		e.Logger.Warn("version mismatch, uid unknown",
			slog.String("peer", peer), slog.Any("error", decodeErr))
		return
	}

	e.Logger.Warn("version mismatch",
		slog.String("peer", peer),
		slog.Uint64("uid", uint64(e.Auth.GetUID(cred))),
		slog.Any("error", decodeErr))
}

func (e *Engine) warnOnUnusualTimeout(timeout time.Duration) {
	if timeout < timeoutWarnShort {
		e.Logger.Warn("receive timeout unusually short", slog.Duration("timeout", timeout))
	}
	if timeout > timeoutWarnLong {
		e.Logger.Warn("receive timeout unusually long", slog.Duration("timeout", timeout))
	}
}

// verifyAndBuild unpacks and verifies frame's credential, then decodes the
// payload into a wire.Message (spec §4.6 receive steps 4-5).
func (e *Engine) verifyAndBuild(frame *wire.Frame, conn net.Conn) (*wire.Message, error) {
	cred, err := e.Auth.Unpack(frame.Credential, frame.Header.Version)
	if err != nil {
		if e.Metrics != nil {
			e.Metrics.IncAuthFailure()
		}
		time.Sleep(authFailureRateLimit)
		return nil, fmt.Errorf("receive: unpack credential: %w: %w", ErrAuthFailed, err)
	}

	secret, err := e.secretFor(&wire.Message{Flags: frame.Header.Flags})
	if err != nil {
		return nil, fmt.Errorf("receive: resolve secret: %w", err)
	}

	if err := e.Auth.Verify(cred, secret, time.Now()); err != nil {
		if e.Metrics != nil {
			e.Metrics.IncAuthFailure()
		}
		time.Sleep(authFailureRateLimit)
		return nil, fmt.Errorf("receive: %w: %w", ErrAuthFailed, err)
	}

	msg := &wire.Message{
		ProtocolVersion: frame.Header.Version,
		MessageType:     frame.Header.MessageType,
		Flags:           frame.Header.Flags,
		OrigAddress:     frame.Header.OriginAddr,
		Forward:         frame.Header.Forward,
		Payload:         frame.Payload,
		AuthCredential:  frame.Credential,
	}
	if conn != nil {
		if peer, peerErr := netip.ParseAddrPort(peerString(conn)); peerErr == nil {
			msg.Address = peer
		}
	}
	return msg, nil
}

// -------------------------------------------------------------------------
// Length-prefixed framing over net.Conn
// -------------------------------------------------------------------------

const maxFrameLen = 64 << 20 // 64 MiB guards against a corrupt/hostile length prefix.

// ErrFrameTooLarge indicates a received length prefix exceeds maxFrameLen.
var ErrFrameTooLarge = errors.New("frame length exceeds maximum")

func readLengthPrefixed(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}

	n := uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3])
	if n > maxFrameLen {
		return nil, fmt.Errorf("length prefix %d: %w", n, ErrFrameTooLarge)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}
