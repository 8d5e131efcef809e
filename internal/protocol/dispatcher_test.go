package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/FEASTorg/anolis-provider-sim/internal/device"
	"github.com/FEASTorg/anolis-provider-sim/internal/engine"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/config"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/logging"
	"github.com/FEASTorg/anolis-provider-sim/internal/signalregistry"
	"github.com/FEASTorg/anolis-provider-sim/internal/transport/frame"
)

func newTestDispatcher(t *testing.T, devices []device.Device, mode config.Mode, registry *signalregistry.Registry) *Dispatcher {
	t.Helper()
	reg, err := device.NewRegistry(devices)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return NewDispatcher("sim-device-provider", "test", reg, registry, engine.NewNullEngine(), mode, nil, logging.Default())
}

func TestDispatcher_HelloReturnsMetadata(t *testing.T) {
	d := newTestDispatcher(t, nil, config.ModeInert, nil)
	resp := d.handle(context.Background(), Request{ID: "1", Kind: KindHello})
	if resp.Status.Code != StatusOK {
		t.Fatalf("Status = %+v, want OK", resp.Status)
	}
	if resp.Metadata["transport"] != "stdio+uint32_le" {
		t.Errorf("metadata[transport] = %q", resp.Metadata["transport"])
	}
	if resp.Metadata["max_frame_bytes"] != "1048576" {
		t.Errorf("metadata[max_frame_bytes] = %q", resp.Metadata["max_frame_bytes"])
	}
	if resp.Metadata["supports_wait_ready"] != "true" {
		t.Errorf("metadata[supports_wait_ready] = %q", resp.Metadata["supports_wait_ready"])
	}
}

func TestDispatcher_HelloRejectsUnknownProtocolVersion(t *testing.T) {
	d := newTestDispatcher(t, nil, config.ModeInert, nil)
	resp := d.handle(context.Background(), Request{ID: "1", Kind: KindHello, ProtocolVersion: "9.9"})
	if resp.Status.Code != StatusInvalidArgument {
		t.Errorf("Status.Code = %v, want INVALID_ARGUMENT", resp.Status.Code)
	}
}

// E1: mode=inert, one tempctl device; hello then call(set_mode, "closed")
// then read_signals([control_mode]) returns OK with value "closed".
func TestDispatcher_E1_InertSetModeThenReadControlMode(t *testing.T) {
	tc := device.NewTempCtl("tc1", device.TempCtlConfig{InitialTemperature: 25})
	d := newTestDispatcher(t, []device.Device{tc}, config.ModeInert, nil)
	ctx := context.Background()

	helloResp := d.handle(ctx, Request{ID: "1", Kind: KindHello})
	if helloResp.Status.Code != StatusOK {
		t.Fatalf("hello status = %+v", helloResp.Status)
	}

	setModeID, _ := tc.FunctionID("set_mode")
	callResp := d.handle(ctx, Request{
		ID: "2", Kind: KindCall, DeviceID: "tc1", FunctionID: setModeID,
		Args: map[string]any{"mode": "closed"},
	})
	if callResp.Status.Code != StatusOK {
		t.Fatalf("call status = %+v", callResp.Status)
	}

	readResp := d.handle(ctx, Request{ID: "3", Kind: KindReadSignals, DeviceID: "tc1", SignalIDs: []string{"control_mode"}})
	if readResp.Status.Code != StatusOK {
		t.Fatalf("read_signals status = %+v", readResp.Status)
	}
	if len(readResp.Signals) != 1 || readResp.Signals[0].Value != "closed" {
		t.Errorf("signals = %+v, want control_mode=closed", readResp.Signals)
	}
}

func TestDispatcher_Call_UnknownFunctionIsNotFound(t *testing.T) {
	tc := device.NewTempCtl("tc1", device.TempCtlConfig{})
	d := newTestDispatcher(t, []device.Device{tc}, config.ModeInert, nil)
	resp := d.handle(context.Background(), Request{ID: "1", Kind: KindCall, DeviceID: "tc1", FunctionID: 999})
	if resp.Status.Code != StatusNotFound {
		t.Errorf("Status.Code = %v, want NOT_FOUND", resp.Status.Code)
	}
}

func TestDispatcher_Call_PreconditionFailure(t *testing.T) {
	tc := device.NewTempCtl("tc1", device.TempCtlConfig{InitialMode: "closed"})
	d := newTestDispatcher(t, []device.Device{tc}, config.ModeInert, nil)
	setRelayID, _ := tc.FunctionID("set_relay")
	resp := d.handle(context.Background(), Request{
		ID: "1", Kind: KindCall, DeviceID: "tc1", FunctionID: setRelayID,
		Args: map[string]any{"relay": 1.0, "state": true},
	})
	if resp.Status.Code != StatusFailedPrecondition {
		t.Errorf("Status.Code = %v, want FAILED_PRECONDITION", resp.Status.Code)
	}
}

func TestDispatcher_Call_MissingDeviceIDIsInvalidArgument(t *testing.T) {
	d := newTestDispatcher(t, nil, config.ModeInert, nil)
	resp := d.handle(context.Background(), Request{ID: "1", Kind: KindCall})
	if resp.Status.Code != StatusInvalidArgument {
		t.Errorf("Status.Code = %v, want INVALID_ARGUMENT", resp.Status.Code)
	}
}

func TestDispatcher_ListDevices_SkipsUnavailable(t *testing.T) {
	relay := device.NewRelayIO("relay0")
	ctrl := device.NewControl("ctrl0")
	d := newTestDispatcher(t, []device.Device{relay, ctrl}, config.ModeInert, nil)
	ctx := context.Background()

	injectID, _ := ctrl.FunctionID("inject_device_unavailable")
	callResp := d.handle(ctx, Request{
		ID: "1", Kind: KindCall, DeviceID: "ctrl0", FunctionID: injectID,
		Args: map[string]any{"device_id": "relay0", "duration_ms": 60000.0},
	})
	if callResp.Status.Code != StatusOK {
		t.Fatalf("inject_device_unavailable status = %+v", callResp.Status)
	}

	listResp := d.handle(ctx, Request{ID: "2", Kind: KindListDevices})
	for _, info := range listResp.Devices {
		if info.ID == "relay0" {
			t.Error("list_devices returned relay0 while it is unavailable")
		}
	}

	describeResp := d.handle(ctx, Request{ID: "3", Kind: KindDescribeDevice, DeviceID: "relay0"})
	if describeResp.Status.Code != StatusOK {
		t.Fatalf("describe_device status = %+v", describeResp.Status)
	}
	if len(describeResp.Device.Capabilities) != 0 {
		t.Errorf("describe_device capabilities = %v, want empty while faulted", describeResp.Device.Capabilities)
	}
}

func TestDispatcher_ReadSignals_FaultFreezesValue(t *testing.T) {
	relay := device.NewRelayIO("relay0")
	ctrl := device.NewControl("ctrl0")
	d := newTestDispatcher(t, []device.Device{relay, ctrl}, config.ModeInert, nil)
	ctx := context.Background()

	setID, _ := relay.FunctionID("set_relay")
	d.handle(ctx, Request{ID: "1", Kind: KindCall, DeviceID: "relay0", FunctionID: setID, Args: map[string]any{"channel": 1.0, "state": true}})

	faultID, _ := ctrl.FunctionID("inject_signal_fault")
	d.handle(ctx, Request{
		ID: "2", Kind: KindCall, DeviceID: "ctrl0", FunctionID: faultID,
		Args: map[string]any{"device_id": "relay0", "signal_id": "relay_ch1_state", "duration_ms": 60000.0},
	})

	first := d.handle(ctx, Request{ID: "3", Kind: KindReadSignals, DeviceID: "relay0", SignalIDs: []string{"relay_ch1_state"}})
	if first.Signals[0].Quality != string(device.QualityFault) {
		t.Fatalf("quality = %q, want FAULT", first.Signals[0].Quality)
	}
	if first.Signals[0].Value != true {
		t.Fatalf("value = %v, want true (frozen from before the fault cleared it)", first.Signals[0].Value)
	}

	// Flip the relay off while the fault is active; the frozen reading
	// must not change.
	d.handle(ctx, Request{ID: "4", Kind: KindCall, DeviceID: "relay0", FunctionID: setID, Args: map[string]any{"channel": 1.0, "state": false}})
	second := d.handle(ctx, Request{ID: "5", Kind: KindReadSignals, DeviceID: "relay0", SignalIDs: []string{"relay_ch1_state"}})
	if second.Signals[0].Value != true {
		t.Errorf("value = %v after underlying change, want still-frozen true", second.Signals[0].Value)
	}
}

func TestDispatcher_ReadSignals_NotFoundWhenNothingMatches(t *testing.T) {
	tc := device.NewTempCtl("tc1", device.TempCtlConfig{})
	d := newTestDispatcher(t, []device.Device{tc}, config.ModeInert, nil)
	resp := d.handle(context.Background(), Request{ID: "1", Kind: KindReadSignals, DeviceID: "tc1", SignalIDs: []string{"nonexistent"}})
	if resp.Status.Code != StatusNotFound {
		t.Errorf("Status.Code = %v, want NOT_FOUND", resp.Status.Code)
	}
}

func TestDispatcher_ReadSignals_PrefersPhysicsDrivenCache(t *testing.T) {
	tc := device.NewTempCtl("tc1", device.TempCtlConfig{InitialTemperature: 25})
	registry := signalregistry.New()
	registry.Write("tc1/temperature", 80.5)

	d := newTestDispatcher(t, []device.Device{tc}, config.ModePhysics, registry)
	resp := d.handle(context.Background(), Request{ID: "1", Kind: KindReadSignals, DeviceID: "tc1", SignalIDs: []string{"temperature"}})
	if resp.Signals[0].Value != 80.5 {
		t.Errorf("value = %v, want 80.5 from the physics-driven cache", resp.Signals[0].Value)
	}
}

func TestDispatcher_Call_FailureInjectionDiceRoll(t *testing.T) {
	relay := device.NewRelayIO("relay0")
	ctrl := device.NewControl("ctrl0")
	d := newTestDispatcher(t, []device.Device{relay, ctrl}, config.ModeInert, nil)
	d.randFloat64 = func() float64 { return 0.0 } // always "fails"
	ctx := context.Background()

	setID, _ := relay.FunctionID("set_relay")
	failID, _ := ctrl.FunctionID("inject_call_failure")
	d.handle(ctx, Request{
		ID: "1", Kind: KindCall, DeviceID: "ctrl0", FunctionID: failID,
		Args: map[string]any{"device_id": "relay0", "function_id": float64(setID), "failure_rate": 1.0},
	})

	resp := d.handle(ctx, Request{ID: "2", Kind: KindCall, DeviceID: "relay0", FunctionID: setID, Args: map[string]any{"channel": 1.0, "state": true}})
	if resp.Status.Code != StatusInternal {
		t.Fatalf("Status.Code = %v, want INTERNAL", resp.Status.Code)
	}
	if len(resp.Status.Message) < len(faultPrefix) || resp.Status.Message[:len(faultPrefix)] != faultPrefix {
		t.Errorf("Status.Message = %q, want prefixed with %q", resp.Status.Message, faultPrefix)
	}
}

func TestDispatcher_WaitReady_NonInteractingAutoStartsBeforeReady(t *testing.T) {
	started := false
	probe := &startProbeEngine{onStart: func() { started = true }}

	reg, err := device.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	d := NewDispatcher("p", "v", reg, nil, probe, config.ModeNonInteracting, nil, logging.Default())
	if !started {
		t.Fatal("non_interacting engine was not auto-started at construction")
	}

	resp := d.handle(context.Background(), Request{ID: "1", Kind: KindWaitReady})
	if resp.Status.Code != StatusOK {
		t.Fatalf("wait_ready status = %+v", resp.Status)
	}
	if resp.Diagnostics["mode"] != string(config.ModeNonInteracting) {
		t.Errorf("diagnostics[mode] = %q", resp.Diagnostics["mode"])
	}
}

func TestDispatcher_WaitReady_PhysicsStartsOnlyOnWaitReady(t *testing.T) {
	started := false
	probe := &startProbeEngine{onStart: func() { started = true }}

	reg, err := device.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	d := NewDispatcher("p", "v", reg, signalregistry.New(), probe, config.ModePhysics, nil, logging.Default())
	if started {
		t.Fatal("physics ticker started before wait_ready")
	}

	d.handle(context.Background(), Request{ID: "1", Kind: KindWaitReady})
	if !started {
		t.Error("physics ticker was not started by wait_ready")
	}
}

func TestDispatcher_GetHealth(t *testing.T) {
	relay := device.NewRelayIO("relay0")
	health := func() (uint64, string) { return 42, "OK" }
	reg, err := device.NewRegistry([]device.Device{relay})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	d := NewDispatcher("p", "v", reg, nil, engine.NewNullEngine(), config.ModeInert, health, logging.Default())

	resp := d.handle(context.Background(), Request{ID: "1", Kind: KindGetHealth})
	if resp.Status.Code != StatusOK {
		t.Fatalf("status = %+v", resp.Status)
	}
	if resp.Health.TickCount != 42 || resp.Health.Status != "OK" {
		t.Errorf("health = %+v", resp.Health)
	}
	if resp.Health.Devices["relay0"] != "OK" {
		t.Errorf("devices[relay0] = %q, want OK", resp.Health.Devices["relay0"])
	}
}

func TestDispatcher_UnknownKindIsUnimplemented(t *testing.T) {
	d := newTestDispatcher(t, nil, config.ModeInert, nil)
	resp := d.handle(context.Background(), Request{ID: "1", Kind: "frobnicate"})
	if resp.Status.Code != StatusUnimplemented {
		t.Errorf("Status.Code = %v, want UNIMPLEMENTED", resp.Status.Code)
	}
}

// Serve-level framing test: two requests over one stream produce two
// framed responses in order, then a clean EOF ends Serve with no error.
func TestDispatcher_Serve_FramesRequestsInOrder(t *testing.T) {
	d := newTestDispatcher(t, nil, config.ModeInert, nil)

	var in bytes.Buffer
	for _, id := range []string{"a", "b"} {
		payload, _ := json.Marshal(Request{ID: id, Kind: KindHello})
		if err := frame.WriteFrame(&in, payload); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	var out bytes.Buffer
	if err := d.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var got []Response
	for {
		payload, err := frame.ReadFrame(&out)
		if err != nil {
			break
		}
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		got = append(got, resp)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("responses = %+v, want [a, b] in order", got)
	}
}

func TestDispatcher_Serve_TruncatedFrameIsFatal(t *testing.T) {
	d := newTestDispatcher(t, nil, config.ModeInert, nil)
	in := bytes.NewReader([]byte{0x10, 0x00, 0x00, 0x00, 0x01, 0x02}) // declares 16 bytes, has 2
	var out bytes.Buffer
	err := d.Serve(context.Background(), in, &out)
	if err == nil {
		t.Fatal("Serve() error = nil, want ErrFrameRead")
	}
}

func TestDispatcher_Call_NotifiesObserverOnSuccessOnly(t *testing.T) {
	relay := device.NewRelayIO("relay0")
	d := newTestDispatcher(t, []device.Device{relay}, config.ModeInert, nil)

	calls := make(chan int, 2)
	d.SetCallObserver(func(deviceID string, functionID int) {
		if deviceID != "relay0" {
			t.Errorf("observer deviceID = %q, want relay0", deviceID)
		}
		calls <- functionID
	})

	ctx := context.Background()
	setID, _ := relay.FunctionID("set_relay")

	d.handle(ctx, Request{ID: "1", Kind: KindCall, DeviceID: "relay0", FunctionID: setID, Args: map[string]any{"channel": 1.0, "state": true}})
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("call observer was not notified of a successful call")
	}

	resp := d.handle(ctx, Request{ID: "2", Kind: KindCall, DeviceID: "does-not-exist", FunctionID: setID})
	if resp.Status.Code != StatusNotFound {
		t.Fatalf("Status.Code = %v, want NOT_FOUND", resp.Status.Code)
	}
	select {
	case fid := <-calls:
		t.Fatalf("call observer notified of a failed call, functionID = %d", fid)
	case <-time.After(20 * time.Millisecond):
	}
}

// startProbeEngine is a minimal engine.Engine stub for observing whether
// and when Start is invoked.
type startProbeEngine struct {
	onStart func()
}

func (e *startProbeEngine) Start(_ context.Context) error {
	if e.onStart != nil {
		e.onStart()
	}
	return nil
}

func (e *startProbeEngine) Stop() {}
