package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/logging"
	"github.com/FEASTorg/anolis-provider-sim/internal/transport/frame"
)

const (
	deadlineLoadConfig = 5 * time.Second
	deadlineDefault    = 2 * time.Second
	maxAttempts        = 2 // spec: "up to 2 attempts on retryable statuses"
)

// Adapter is a client for the external simulator's five RPCs, speaking
// JSON-encoded envelopes over the same length-prefixed framing the
// provider's own stdio transport uses (see the REDESIGN note in
// SPEC_FULL.md for why this replaces gRPC).
type Adapter struct {
	addr string
	log  *logging.Logger

	mu         sync.Mutex
	conn       net.Conn
	reader     *bufio.Reader
	sessionID  string
	registered bool
	providerID string
	deviceIDs  []string
	simTimeSec float64
	cache      map[string]SignalSnapshot
}

// Dial opens a connection to the remote simulator at addr ("host:port").
func Dial(addr string, log *logging.Logger) (*Adapter, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", addr, err)
	}
	return &Adapter{
		addr:   addr,
		log:    log,
		conn:   conn,
		reader: bufio.NewReader(conn),
		cache:  make(map[string]SignalSnapshot),
	}, nil
}

// Close unregisters (best-effort) and closes the underlying connection.
func (a *Adapter) Close(ctx context.Context) error {
	if a.registered {
		_, _ = a.doRPC(ctx, Envelope{Method: MethodUnregisterProvider, SessionID: a.sessionID}, deadlineDefault)
	}
	return a.conn.Close()
}

// LoadConfig sends the literal YAML config to the simulator, hashed with a
// "yaml\n"-prefixed FNV-1a so the server can short-circuit identical
// configs across provider restarts.
func (a *Adapter) LoadConfig(ctx context.Context, yamlContent string) error {
	resp, err := a.doRPC(ctx, Envelope{
		Method:     MethodLoadConfig,
		ConfigHash: fnv1aWithPrefix(yamlContent),
		ConfigYAML: yamlContent,
	}, deadlineLoadConfig)
	if err != nil {
		return err
	}
	if resp.ConfigChanged {
		a.invalidateCache()
	}
	return nil
}

// RegisterProvider registers this provider instance and its device ids,
// establishing a session.
func (a *Adapter) RegisterProvider(ctx context.Context, providerID string, deviceIDs []string) error {
	resp, err := a.doRPC(ctx, Envelope{
		Method:    MethodRegisterProvider,
		ProviderID: providerID,
		DeviceIDs: deviceIDs,
	}, deadlineDefault)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.sessionID = resp.NewSessionID
	a.registered = true
	a.providerID = providerID
	a.deviceIDs = deviceIDs
	a.mu.Unlock()
	return nil
}

// UpdateSignals sends the current actuator values for one tick and returns
// the simulator's sensor readings and pending commands. timeout should be
// the caller-provided per-call budget (spec recommends ~20/tick_rate
// seconds for multi-provider barrier synchronization).
func (a *Adapter) UpdateSignals(ctx context.Context, actuators map[string]float64, timeout time.Duration) (sensors map[string]float64, commands []Command, tickOccurred bool, err error) {
	resp, err := a.callWithReauth(ctx, Envelope{
		Method:    MethodUpdateSignals,
		SessionID: a.currentSessionID(),
		Actuators: actuators,
	}, timeout)
	if err != nil {
		return nil, nil, false, err
	}
	if resp.TickOccurred {
		a.invalidateCache()
		a.mu.Lock()
		a.simTimeSec = resp.SimTimeSec
		a.mu.Unlock()
	}
	return resp.Sensors, resp.Commands, resp.TickOccurred, nil
}

// ReadSignals fetches current values for paths, consulting (and
// populating) the per-path read-through cache.
func (a *Adapter) ReadSignals(ctx context.Context, paths []string) (map[string]SignalSnapshot, error) {
	a.mu.Lock()
	cached := make(map[string]SignalSnapshot, len(paths))
	for _, path := range paths {
		v, ok := a.cache[path]
		if !ok {
			cached = nil
			break
		}
		cached[path] = v
	}
	a.mu.Unlock()
	if len(paths) > 0 && cached != nil {
		return cached, nil
	}

	resp, err := a.callWithReauth(ctx, Envelope{
		Method:      MethodReadSignals,
		SessionID:   a.currentSessionID(),
		SignalPaths: paths,
	}, deadlineDefault)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	for path, v := range resp.Values {
		a.cache[path] = v
	}
	a.mu.Unlock()
	return resp.Values, nil
}

// Reset asks the simulator to reset simulation state and invalidates the
// local cache.
func (a *Adapter) Reset(ctx context.Context) error {
	_, err := a.doRPC(ctx, Envelope{Method: MethodReset, SessionID: a.currentSessionID()}, deadlineDefault)
	if err != nil {
		return err
	}
	a.invalidateCache()
	return nil
}

func (a *Adapter) currentSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *Adapter) invalidateCache() {
	a.mu.Lock()
	a.cache = make(map[string]SignalSnapshot)
	a.mu.Unlock()
}

// callWithReauth implements §4.6's UNAUTHENTICATED handling for
// UpdateSignals and ReadSignals: clear the session, re-register once, and
// if that succeeds retry the original call once more.
func (a *Adapter) callWithReauth(ctx context.Context, req Envelope, timeout time.Duration) (Envelope, error) {
	resp, err := a.doRPC(ctx, req, timeout)
	if err == nil || !isUnauthenticated(err) {
		return resp, err
	}

	a.mu.Lock()
	a.sessionID = ""
	a.registered = false
	providerID, deviceIDs := a.providerID, a.deviceIDs
	a.mu.Unlock()

	if reErr := a.RegisterProvider(ctx, providerID, deviceIDs); reErr != nil {
		return Envelope{}, fmt.Errorf("remote: re-registration after UNAUTHENTICATED failed: %w", reErr)
	}

	req.SessionID = a.currentSessionID()
	return a.doRPC(ctx, req, timeout)
}

// doRPC sends one envelope and waits for its response, making up to
// maxAttempts attempts in total on a retryable status or an I/O error.
func (a *Adapter) doRPC(ctx context.Context, req Envelope, timeout time.Duration) (Envelope, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := a.sendAndReceive(ctx, req, timeout)
		if err == nil && resp.Status == StatusOK {
			return resp, nil
		}
		if err == nil && resp.Status == StatusUnauthenticated {
			return resp, errUnauthenticated
		}
		if err == nil && !isRetryableStatus(resp.Status) {
			return Envelope{}, fmt.Errorf("remote: %s failed: %s: %s", req.Method, resp.Status, resp.Message)
		}
		if err == nil {
			lastErr = fmt.Errorf("remote: %s failed: %s: %s", req.Method, resp.Status, resp.Message)
		} else {
			lastErr = err
		}
		a.log.Warn("remote RPC retrying", "method", req.Method, "attempt", attempt+1, "error", lastErr)
	}
	return Envelope{}, fmt.Errorf("remote: %s exhausted retries: %w", req.Method, lastErr)
}

func (a *Adapter) sendAndReceive(ctx context.Context, req Envelope, timeout time.Duration) (Envelope, error) {
	a.mu.Lock()
	conn := a.conn
	reader := a.reader
	a.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Envelope{}, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("remote: encode request: %w", err)
	}
	if err := frame.WriteFrame(conn, payload); err != nil {
		return Envelope{}, fmt.Errorf("remote: write request: %w", err)
	}

	respBytes, err := frame.ReadFrame(reader)
	if err != nil {
		return Envelope{}, fmt.Errorf("remote: read response: %w", err)
	}
	var resp Envelope
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return Envelope{}, fmt.Errorf("remote: decode response: %w", err)
	}
	return resp, nil
}

var errUnauthenticated = fmt.Errorf("remote: %s", StatusUnauthenticated)

func isUnauthenticated(err error) bool {
	return err == errUnauthenticated
}

// fnv1aWithPrefix hashes "yaml\n"+content with 64-bit FNV-1a.
func fnv1aWithPrefix(content string) uint64 {
	h := fnv.New64a()
	h.Write([]byte("yaml\n"))
	h.Write([]byte(content))
	return h.Sum64()
}
