package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/clusterrpc/internal/clusterconfig"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// ErrNoBindableCandidate indicates ListenRange exhausted every port in
// its range without a successful bind (spec §4.5 "listen_range").
var ErrNoBindableCandidate = errors.New("no bindable port in range")

// fixedEphemeralMin and fixedEphemeralMax bound the ephemeral-port retry
// range listen(0) falls back to on ADDRESS_IN_USE (spec §4.5).
const (
	fixedEphemeralMin = 10001
	fixedEphemeralMax = 65535
)

// -------------------------------------------------------------------------
// ConnectionManager
// -------------------------------------------------------------------------

// ConnectionManager implements the Connection Manager contract (spec
// §4.5): open, listen, listen_range, peer_address.
type ConnectionManager struct{}

// NewConnectionManager returns a ready-to-use ConnectionManager. It holds
// no state; every method is a pure function of its arguments plus the
// ambient OS socket API.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// Open performs a blocking TCP connect to ep, resolving its effective
// port via PortJitter when ep does not carry an explicit one (spec §4.5
// "open(endpoint) -> fd"). The resulting connection's file descriptor is
// marked close-on-exec.
func (m *ConnectionManager) Open(ctx context.Context, ep Endpoint, cc clusterconfig.ControllersConfig) (net.Conn, error) {
	port := ep.Port
	if !ep.HasExplicitPort() {
		port = PortJitter(cc.PortBase, cc.PortCount, os.Getpid(), time.Now().Unix())
	}

	addr := net.JoinHostPort(ep.Host, strconv.Itoa(int(port)))

	d := net.Dialer{Control: controlCloseOnExec}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", addr, err)
	}
	return conn, nil
}

// Listen binds and listens on port with the OS's default backlog (spec
// §4.5 "listen(port) binds and listens with a fixed backlog"). When
// port is 0 and the ephemeral allocation returns ADDRESS_IN_USE, it
// retries across the fixed range [10001, 65535].
func (m *ConnectionManager) Listen(port uint16) (net.Listener, error) {
	if port != 0 {
		return m.listenOn(port)
	}

	ln, err := m.listenOn(0)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, err
	}

	ln, rangeErr := m.ListenRange(fixedEphemeralMin, fixedEphemeralMax)
	if rangeErr != nil {
		return nil, fmt.Errorf("listen(0) fallback: %w", rangeErr)
	}
	return ln, nil
}

// ListenRange binds within [minPort, maxPort] using a pseudo-random
// starting port seeded by the process id and a linear scan with
// wraparound (spec §4.5 "listen_range"). Returns the bound listener or
// ErrNoBindableCandidate if every candidate in the range refuses bind.
func (m *ConnectionManager) ListenRange(minPort, maxPort uint16) (net.Listener, error) {
	if maxPort < minPort {
		minPort, maxPort = maxPort, minPort
	}
	span := int(maxPort) - int(minPort) + 1
	start := int(minPort) + (os.Getpid() % span)

	var lastErr error
	for i := range span {
		port := minPort + uint16((start-int(minPort)+i)%span) //nolint:gosec // G115: span bounded by uint16 range arithmetic above
		ln, err := m.listenOn(port)
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("listen range [%d,%d]: %w: %w", minPort, maxPort, ErrNoBindableCandidate, lastErr)
}

// listenOn binds a single TCP listener on port with SO_REUSEADDR and
// SO_REUSEPORT set; the latter lets concurrent binders racing the same
// port coexist
// without ADDRESS_IN_USE churn (spec §4.5 "listen_range").
func (m *ConnectionManager) listenOn(port uint16) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlListenOpts}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("listen :%d: %w", port, err)
	}
	return ln, nil
}

// PeerAddress returns the remote endpoint of conn (spec §4.5
// "peer_address(fd)").
func (m *ConnectionManager) PeerAddress(conn net.Conn) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("peer address %s: %w", conn.RemoteAddr(), err)
	}
	return ap, nil
}

// -------------------------------------------------------------------------
// Socket option plumbing
// -------------------------------------------------------------------------

// controlCloseOnExec marks the about-to-be-connected socket close-on-exec.
// Go's net package already applies SOCK_CLOEXEC at socket creation on
// Linux; this makes the guarantee explicit at the fd level rather than
// relying on that implementation detail.
func controlCloseOnExec(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		unix.CloseOnExec(int(fd)) //nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return ctrlErr
}

// controlListenOpts sets SO_REUSEADDR and SO_REUSEPORT on a listening
// socket (mirrors the teacher's setSenderSockOpts: sequential
// SetsockoptInt calls under one fd callback, first error wins).
func controlListenOpts(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); ctrlErr != nil { //nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers
			return
		}
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1) //nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return ctrlErr
}
