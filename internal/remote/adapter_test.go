package remote

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/logging"
	"github.com/FEASTorg/anolis-provider-sim/internal/transport/frame"
)

// fakeServer is a minimal stand-in for the external simulator: it reads one
// framed JSON envelope, hands it to handle, and writes back whatever
// handle returns.
type fakeServer struct {
	ln net.Listener
}

func startFakeServer(t *testing.T, handle func(Envelope) Envelope) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	srv := &fakeServer{ln: ln}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					reqBytes, err := frame.ReadFrame(conn)
					if err != nil {
						return
					}
					var req Envelope
					if err := json.Unmarshal(reqBytes, &req); err != nil {
						return
					}
					resp := handle(req)
					respBytes, _ := json.Marshal(resp)
					if err := frame.WriteFrame(conn, respBytes); err != nil {
						return
					}
				}
			}()
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return srv
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func TestAdapter_LoadConfigAndRegister(t *testing.T) {
	srv := startFakeServer(t, func(req Envelope) Envelope {
		switch req.Method {
		case MethodLoadConfig:
			return Envelope{Status: StatusOK}
		case MethodRegisterProvider:
			return Envelope{Status: StatusOK, NewSessionID: "sess-1"}
		default:
			return Envelope{Status: StatusOK}
		}
	})

	a, err := Dial(srv.addr(), logging.Default())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer a.Close(context.Background())

	if err := a.LoadConfig(context.Background(), "devices: []"); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if err := a.RegisterProvider(context.Background(), "p1", []string{"d0"}); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}
	if a.currentSessionID() != "sess-1" {
		t.Errorf("sessionID = %q, want sess-1", a.currentSessionID())
	}
}

func TestAdapter_UpdateSignals_ReturnsSensorsAndCommands(t *testing.T) {
	srv := startFakeServer(t, func(req Envelope) Envelope {
		switch req.Method {
		case MethodRegisterProvider:
			return Envelope{Status: StatusOK, NewSessionID: "sess-1"}
		case MethodUpdateSignals:
			return Envelope{
				Status:       StatusOK,
				Sensors:      map[string]float64{"tc0/temperature": 42},
				Commands:     []Command{{Device: "relay0", Function: "set_relay", Args: map[string]any{"channel": 1.0, "state": true}}},
				TickOccurred: true,
			}
		default:
			return Envelope{Status: StatusOK}
		}
	})

	a, err := Dial(srv.addr(), logging.Default())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer a.Close(context.Background())
	if err := a.RegisterProvider(context.Background(), "p1", nil); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}

	sensors, commands, tickOccurred, err := a.UpdateSignals(context.Background(), map[string]float64{"relay0/relay1_state": 1}, time.Second)
	if err != nil {
		t.Fatalf("UpdateSignals() error = %v", err)
	}
	if !tickOccurred {
		t.Error("tickOccurred = false, want true")
	}
	if sensors["tc0/temperature"] != 42 {
		t.Errorf("sensors = %v, want tc0/temperature=42", sensors)
	}
	if len(commands) != 1 || commands[0].Device != "relay0" {
		t.Errorf("commands = %v, want one relay0 command", commands)
	}
}

func TestAdapter_UpdateSignals_ReauthenticatesOnUnauthenticated(t *testing.T) {
	calls := 0
	srv := startFakeServer(t, func(req Envelope) Envelope {
		switch req.Method {
		case MethodRegisterProvider:
			return Envelope{Status: StatusOK, NewSessionID: "sess-new"}
		case MethodUpdateSignals:
			calls++
			if calls == 1 {
				return Envelope{Status: StatusUnauthenticated}
			}
			return Envelope{Status: StatusOK, TickOccurred: true}
		default:
			return Envelope{Status: StatusOK}
		}
	})

	a, err := Dial(srv.addr(), logging.Default())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer a.Close(context.Background())
	if err := a.RegisterProvider(context.Background(), "p1", nil); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}

	_, _, tickOccurred, err := a.UpdateSignals(context.Background(), nil, time.Second)
	if err != nil {
		t.Fatalf("UpdateSignals() error = %v", err)
	}
	if !tickOccurred {
		t.Error("tickOccurred = false, want true after reauth retry")
	}
	if calls != 2 {
		t.Errorf("server saw %d UpdateSignals calls, want 2 (original + retry)", calls)
	}
}

func TestAdapter_DoRPC_RetriesOnRetryableStatus(t *testing.T) {
	calls := 0
	srv := startFakeServer(t, func(req Envelope) Envelope {
		calls++
		if calls == 1 {
			return Envelope{Status: StatusUnavailable, Message: "try again"}
		}
		return Envelope{Status: StatusOK, NewSessionID: "sess-1"}
	})

	a, err := Dial(srv.addr(), logging.Default())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer a.Close(context.Background())

	if err := a.RegisterProvider(context.Background(), "p1", nil); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry on UNAVAILABLE)", calls)
	}
}
