// Package protocol implements the provider's framed stdio request
// dispatcher: decoding one Request per frame, routing it against the
// device registry, signal registry and simulation engine, and encoding
// exactly one Response per request.
//
// The wire message schema itself is treated as an externally defined,
// opaque contract (spec's Non-goals) — these types are this
// implementation's own encoding of that contract, carried as JSON payloads
// inside the length-prefixed frames from internal/transport/frame.
package protocol

// Kind identifies a request/response message type.
type Kind string

const (
	KindHello          Kind = "hello"
	KindWaitReady      Kind = "wait_ready"
	KindListDevices    Kind = "list_devices"
	KindDescribeDevice Kind = "describe_device"
	KindReadSignals    Kind = "read_signals"
	KindCall           Kind = "call"
	KindGetHealth      Kind = "get_health"
)

// StatusCode is one of the protocol's response status codes.
type StatusCode string

const (
	StatusOK                 StatusCode = "OK"
	StatusInvalidArgument    StatusCode = "INVALID_ARGUMENT"
	StatusNotFound           StatusCode = "NOT_FOUND"
	StatusFailedPrecondition StatusCode = "FAILED_PRECONDITION"
	StatusUnimplemented      StatusCode = "UNIMPLEMENTED"
	StatusInternal           StatusCode = "INTERNAL"
)

// faultPrefix marks a status whose failure originated from an injected
// fault rather than a genuine request or device error.
const faultPrefix = "(injected fault) "

// Status carries a response's outcome: a code plus a human-readable
// message. Every response carries exactly one Status.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

func ok() Status { return Status{Code: StatusOK} }

func errStatus(code StatusCode, msg string) Status {
	return Status{Code: code, Message: msg}
}

func faultStatus(code StatusCode, detail string) Status {
	return Status{Code: code, Message: faultPrefix + detail}
}

// ProtocolVersion is the version this dispatcher's hello handler accepts.
// A request with a different, non-empty protocol_version is rejected.
const ProtocolVersion = "1.0"

// HelloMetadata holds the capability flags of the hello response. Its
// supports_wait_ready entry is copied into every hello response's Metadata,
// alongside the transport and max_frame_bytes entries that handleHello adds.
var HelloMetadata = map[string]string{
	"supports_wait_ready": "true",
}

// Request is one client request decoded from a single frame. Only the
// fields relevant to Kind are populated by a well-formed client.
type Request struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	ProtocolVersion string `json:"protocol_version,omitempty"` // hello

	DeviceID   string         `json:"device_id,omitempty"`   // describe_device, read_signals, call
	SignalIDs  []string       `json:"signal_ids,omitempty"`  // read_signals
	FunctionID int            `json:"function_id,omitempty"` // call
	Args       map[string]any `json:"args,omitempty"`        // call
}

// Response is the single reply emitted for every Request. It always
// carries the request's ID, Kind and a Status; the remaining fields are
// populated according to Kind.
type Response struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	ProviderName    string            `json:"provider_name,omitempty"`
	ProviderVersion string            `json:"provider_version,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"` // hello

	Diagnostics map[string]string `json:"diagnostics,omitempty"` // wait_ready

	Devices []DeviceInfo `json:"devices,omitempty"` // list_devices
	Device  *DeviceInfo  `json:"device,omitempty"`  // describe_device

	Signals []SignalValue `json:"signals,omitempty"` // read_signals

	Health *HealthReport `json:"health,omitempty"` // get_health
}

// DeviceInfo describes one device's identity and capability set, as
// returned by list_devices and describe_device.
type DeviceInfo struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// SignalValue is one signal reading, with its tagged value widened to a
// bare JSON scalar at the protocol boundary.
type SignalValue struct {
	SignalID string `json:"signal_id"`
	Value    any    `json:"value"`
	Quality  string `json:"quality"`
}

// HealthReport is the provider-wide and per-device health summary
// returned by get_health.
type HealthReport struct {
	Status    string            `json:"status"`
	TickCount uint64            `json:"tick_count,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	Devices   map[string]string `json:"devices"`
}
