package clusterclient

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/clusterrpc/internal/authadapter"
	"github.com/dantte-lp/clusterrpc/internal/clusterconfig"
	"github.com/dantte-lp/clusterrpc/internal/rpcengine"
	"github.com/dantte-lp/clusterrpc/internal/transport"
	"github.com/dantte-lp/clusterrpc/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubController is a loopback listener standing in for a controller: it
// accepts connections one at a time and replies to each with the next
// reply in its queue, simulating standby-then-success or reroute
// sequences without a real slurmctld.
type stubController struct {
	ln      net.Listener
	engine  *rpcengine.Engine
	replies []*wire.Message
	attempt chan time.Time
}

func newStubController(t *testing.T, addr string, secret []byte, replies []*wire.Message) *stubController {
	t.Helper()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}

	cfg := clusterconfig.DefaultConfig()
	cfg.Controllers.Hosts = []string{"ctld01"}
	state := clusterconfig.NewState(cfg)
	engine := rpcengine.NewEngine(authadapter.HMACAuthenticator{}, state, secret, slog.New(slog.DiscardHandler))

	sc := &stubController{
		ln:      ln,
		engine:  engine,
		replies: replies,
		attempt: make(chan time.Time, len(replies)),
	}
	go sc.serve(len(replies))
	return sc
}

func (sc *stubController) serve(n int) {
	for i := 0; i < n; i++ {
		conn, err := sc.ln.Accept()
		if err != nil {
			return
		}
		sc.attempt <- time.Now()

		ctx := context.Background()
		if _, err := sc.engine.ReceiveRequest(ctx, conn, 2*time.Second); err != nil {
			conn.Close()
			return
		}
		_ = sc.engine.Send(ctx, conn, sc.replies[i])
		conn.Close()
	}
}

func TestSendRecvControllerPrimarySucceeds(t *testing.T) {
	t.Parallel()

	secret := []byte("shared-secret")
	addr := "127.0.0.10:19001"

	reply := &wire.Message{ProtocolVersion: wire.MinVersion, MessageType: 99, Payload: []byte("ok")}
	srv := newStubController(t, addr, secret, []*wire.Message{reply})
	defer srv.ln.Close()

	cfg := clusterconfig.DefaultConfig()
	cfg.Controllers.Hosts = []string{"127.0.0.10"}
	cfg.Controllers.PortBase = 19001
	cfg.Controllers.PortCount = 1
	state := clusterconfig.NewState(cfg)
	engine := rpcengine.NewEngine(authadapter.HMACAuthenticator{}, state, secret, slog.New(slog.DiscardHandler))
	client := NewClient(transport.NewConnectionManager(), engine, state, slog.New(slog.DiscardHandler))

	req := &wire.Message{ProtocolVersion: wire.MinVersion, MessageType: 1, Payload: []byte("req")}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := client.SendRecvController(ctx, req, nil)
	if err != nil {
		t.Fatalf("SendRecvController: %v", err)
	}
	if string(resp.Payload) != "ok" {
		t.Errorf("Payload = %q, want %q", resp.Payload, "ok")
	}
	if client.useBackup.Load() {
		t.Error("useBackup = true, want false after a primary success")
	}
}

func TestSendRecvControllerStandbyThenSuccess(t *testing.T) {
	t.Parallel()

	secret := []byte("shared-secret")
	addr := "127.0.0.11:19002"

	standby := &wire.Message{ProtocolVersion: wire.MinVersion, MessageType: StandbyType}
	success := &wire.Message{ProtocolVersion: wire.MinVersion, MessageType: 99, Payload: []byte("ok")}
	srv := newStubController(t, addr, secret, []*wire.Message{standby, success})
	defer srv.ln.Close()

	cfg := clusterconfig.DefaultConfig()
	cfg.Controllers.Hosts = []string{"127.0.0.11"}
	cfg.Controllers.PortBase = 19002
	cfg.Controllers.PortCount = 1
	// Keep the realistic msg_timeout << slurmctld_timeout relationship
	// (spec §4.8's standard Slurm ratio) rather than inverting it, so this
	// test actually exercises attemptLoop's per-round budget reset across
	// the standby wait instead of masking a bug in it: a short
	// slurmctld_timeout alone still keeps the wait (timeout/2) fast.
	cfg.RPC.MsgTimeoutSeconds = 1
	cfg.RPC.SlurmctldTimeoutSeconds = 2
	state := clusterconfig.NewState(cfg)
	engine := rpcengine.NewEngine(authadapter.HMACAuthenticator{}, state, secret, slog.New(slog.DiscardHandler))
	client := NewClient(transport.NewConnectionManager(), engine, state, slog.New(slog.DiscardHandler))

	req := &wire.Message{ProtocolVersion: wire.MinVersion, MessageType: 1, Payload: []byte("req")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := client.SendRecvController(ctx, req, nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("SendRecvController: %v", err)
	}
	if string(resp.Payload) != "ok" {
		t.Errorf("Payload = %q, want %q", resp.Payload, "ok")
	}

	first := <-srv.attempt
	second := <-srv.attempt
	gap := second.Sub(first)
	want := state.SlurmctldTimeout() / 2
	if gap < want-100*time.Millisecond {
		t.Errorf("gap between attempts = %v, want >= ~%v", gap, want)
	}

	ceiling := time.Duration(float64(state.SlurmctldTimeout()) * 1.5)
	if elapsed > ceiling+time.Second {
		t.Errorf("elapsed = %v, want <= ~%v", elapsed, ceiling)
	}
}

func TestSendRecvControllerReroute(t *testing.T) {
	t.Parallel()

	secret := []byte("shared-secret")
	primaryAddr := "127.0.0.12:19003"
	rerouteAddr := "127.0.0.13:19004"

	overridePayload := encodeClusterOverride(transport.ClusterOverride{
		Host:            "127.0.0.13",
		Port:            19004,
		ProtocolVersion: 1,
	})
	reroute := &wire.Message{ProtocolVersion: wire.MinVersion, MessageType: RerouteType, Payload: overridePayload}
	primary := newStubController(t, primaryAddr, secret, []*wire.Message{reroute})
	defer primary.ln.Close()

	success := &wire.Message{ProtocolVersion: wire.MinVersion, MessageType: 99, Payload: []byte("c2-ok")}
	target := newStubController(t, rerouteAddr, secret, []*wire.Message{success})
	defer target.ln.Close()

	cfg := clusterconfig.DefaultConfig()
	cfg.Controllers.Hosts = []string{"127.0.0.12"}
	cfg.Controllers.PortBase = 19003
	cfg.Controllers.PortCount = 1
	state := clusterconfig.NewState(cfg)
	engine := rpcengine.NewEngine(authadapter.HMACAuthenticator{}, state, secret, slog.New(slog.DiscardHandler))
	client := NewClient(transport.NewConnectionManager(), engine, state, slog.New(slog.DiscardHandler))

	req := &wire.Message{ProtocolVersion: wire.MinVersion, MessageType: 1, Payload: []byte("req")}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := client.SendRecvController(ctx, req, nil)
	if err != nil {
		t.Fatalf("SendRecvController: %v", err)
	}
	if string(resp.Payload) != "c2-ok" {
		t.Errorf("Payload = %q, want %q", resp.Payload, "c2-ok")
	}
	if !req.Flags.Has(wire.FlagGlobalAuthKey) {
		t.Error("Flags does not carry FlagGlobalAuthKey after a reroute")
	}
}

func TestRemapError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil passes through", nil, nil},
		{"connection error remapped", ErrCommConnection, ErrControllerConnection},
		{"send error remapped", ErrCommSend, ErrControllerSend},
		{"receive error remapped", ErrCommReceive, ErrControllerReceive},
		{"unrecognized error passes through", ErrNoEndpoints, ErrNoEndpoints},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := RemapError(tc.in)
			if tc.want == nil {
				if got != nil {
					t.Errorf("RemapError(%v) = %v, want nil", tc.in, got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Errorf("RemapError(%v) = %v, want wrapping %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestEncodeDecodeClusterOverrideRoundTrip(t *testing.T) {
	t.Parallel()

	co := transport.ClusterOverride{Host: "ctld-c2", Port: 7002, ProtocolVersion: 3}
	buf := encodeClusterOverride(co)

	got, err := decodeClusterOverride(buf)
	if err != nil {
		t.Fatalf("decodeClusterOverride: %v", err)
	}
	if got != co {
		t.Errorf("decodeClusterOverride() = %+v, want %+v", got, co)
	}
}

func TestDecodeClusterOverrideMalformed(t *testing.T) {
	t.Parallel()

	cases := [][]byte{
		nil,
		[]byte("just-a-host"),
		[]byte("host\x00not-a-port\x001"),
		[]byte("host\x007002\x00not-a-version"),
	}

	for _, buf := range cases {
		if _, err := decodeClusterOverride(buf); !errors.Is(err, ErrMalformedReroute) {
			t.Errorf("decodeClusterOverride(%q) error = %v, want ErrMalformedReroute", buf, err)
		}
	}
}

func TestSendRecvControllerAllEndpointsUnreachable(t *testing.T) {
	t.Parallel()

	cfg := clusterconfig.DefaultConfig()
	cfg.Controllers.Hosts = []string{"127.0.0.1"}
	cfg.Controllers.PortBase = 19999
	cfg.Controllers.PortCount = 1
	cfg.RPC.MsgTimeoutSeconds = 1
	state := clusterconfig.NewState(cfg)
	engine := rpcengine.NewEngine(authadapter.HMACAuthenticator{}, state, []byte("secret"), slog.New(slog.DiscardHandler))
	client := NewClient(transport.NewConnectionManager(), engine, state, slog.New(slog.DiscardHandler))

	req := &wire.Message{ProtocolVersion: wire.MinVersion, MessageType: 1, Payload: []byte("req")}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := client.SendRecvController(ctx, req, nil)
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("SendRecvController() error = %v, want ErrRetryBudgetExhausted", err)
	}
	if !client.useBackup.Load() {
		t.Error("useBackup = false, want true after every endpoint failed")
	}
}
