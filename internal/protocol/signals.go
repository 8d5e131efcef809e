package protocol

// knownSignalIDs lists, per device type, the signal ids ReadSignal accepts.
// Device doesn't expose an enumeration method of its own (see
// internal/device's ReadSignal implementations); this table exists solely
// to serve read_signals requests with an empty signal_ids list, where the
// dispatcher must decide what "all of this device's signals" means.
var knownSignalIDs = map[string][]string{
	"tempctl":      {"temperature", "relay1_state", "relay2_state", "control_mode", "setpoint"},
	"motorctl":     {"motor1_duty", "motor2_duty"},
	"relayio":      {"relay_ch1_state", "relay_ch2_state", "relay_ch3_state", "relay_ch4_state"},
	"analogsensor": {"value"},
	"control":      {},
}
