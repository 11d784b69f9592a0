package fanout

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/dantte-lp/clusterrpc/internal/authadapter"
	"github.com/dantte-lp/clusterrpc/internal/clusterconfig"
	"github.com/dantte-lp/clusterrpc/internal/rpcengine"
	"github.com/dantte-lp/clusterrpc/internal/transport"
	"github.com/dantte-lp/clusterrpc/internal/wire"
)

func TestAgentProcessNoForwardRunsLocalHandlerOnly(t *testing.T) {
	t.Parallel()

	cfg := clusterconfig.DefaultConfig()
	cfg.Controllers.Hosts = []string{"ctld01"}
	state := clusterconfig.NewState(cfg)
	engine := rpcengine.NewEngine(authadapter.HMACAuthenticator{}, state, []byte("secret"), slog.New(slog.DiscardHandler))
	dispatcher := NewDispatcher(transport.NewConnectionManager(), engine, state, slog.New(slog.DiscardHandler))

	handlerCalled := false
	handle := func(_ context.Context, msg *wire.Message) (wire.Message, error) {
		handlerCalled = true
		return wire.Message{MessageType: msg.MessageType + 1, Payload: []byte("local-reply")}, nil
	}
	agent := NewAgent(dispatcher, handle, slog.New(slog.DiscardHandler))

	msg := &wire.Message{MessageType: 1, Forward: wire.NoForward(3)}

	reply, err := agent.Process(context.Background(), clusterconfig.ControllersConfig{}, msg, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !handlerCalled {
		t.Error("local handler was not called")
	}
	if string(reply.Payload) != "local-reply" {
		t.Errorf("Payload = %q, want %q", reply.Payload, "local-reply")
	}
	if reply.RetList != nil {
		t.Errorf("RetList = %v, want nil on the no-forward path", reply.RetList)
	}
}

func TestAgentProcessMergesLocalAndChildReplies(t *testing.T) {
	t.Parallel()

	secret := []byte("secret")

	child, err := net.Listen("tcp", "127.0.0.4:18766")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer child.Close()

	cfg := clusterconfig.DefaultConfig()
	cfg.Controllers.Hosts = []string{"ctld01"}
	childState := clusterconfig.NewState(cfg)
	childEngine := rpcengine.NewEngine(authadapter.HMACAuthenticator{}, childState, secret, slog.New(slog.DiscardHandler))

	go func() {
		conn, acceptErr := child.Accept()
		if acceptErr != nil {
			return
		}
		defer conn.Close()

		ctx := context.Background()
		req, recvErr := childEngine.ReceiveRequest(ctx, conn, time.Second)
		if recvErr != nil {
			return
		}
		reply := &wire.Message{
			ProtocolVersion: wire.MinVersion,
			MessageType:     req.MessageType + 1,
			Payload:         []byte("child-reply"),
		}
		_ = childEngine.Send(ctx, conn, reply)
	}()

	cfg2 := clusterconfig.DefaultConfig()
	cfg2.Controllers.Hosts = []string{"ctld01"}
	cfg2.RPC.MsgTimeoutSeconds = 1
	state := clusterconfig.NewState(cfg2)
	engine := rpcengine.NewEngine(authadapter.HMACAuthenticator{}, state, secret, slog.New(slog.DiscardHandler))
	dispatcher := NewDispatcher(transport.NewConnectionManager(), engine, state, slog.New(slog.DiscardHandler))

	handle := func(_ context.Context, msg *wire.Message) (wire.Message, error) {
		return wire.Message{MessageType: msg.MessageType + 1, Payload: []byte("local-reply")}, nil
	}
	agent := NewAgent(dispatcher, handle, slog.New(slog.DiscardHandler))

	acked := false
	ack := func() error {
		acked = true
		return nil
	}

	fd := wire.NoForward(1)
	fd.Count = 1
	fd.Hostlist = []string{"127.0.0.4"}
	fd.Timeout = 2 * time.Second

	msg := &wire.Message{ProtocolVersion: wire.MinVersion, MessageType: 1, Forward: fd}

	cc := clusterconfig.ControllersConfig{PortBase: 18766, PortCount: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	reply, err := agent.Process(ctx, cc, msg, ack)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !acked {
		t.Error("composite ack was not invoked")
	}
	if len(reply.RetList) != 2 {
		t.Fatalf("len(RetList) = %d, want 2: %+v", len(reply.RetList), reply.RetList)
	}

	var sawLocal, sawChild bool
	for _, e := range reply.RetList {
		switch string(e.Payload) {
		case "local-reply":
			sawLocal = true
		case "child-reply":
			sawChild = true
		}
	}
	if !sawLocal || !sawChild {
		t.Errorf("RetList = %+v, want one local-reply and one child-reply entry", reply.RetList)
	}
}
