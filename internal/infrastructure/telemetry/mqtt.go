package telemetry

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/config"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/logging"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	publishQoS            = byte(0) // fire-and-forget: a dropped tick sample is never retried

	topicPrefix = "simprovider"
)

// MQTTPublisher mirrors physics tick values and successful call requests onto
// an MQTT broker for external dashboards. It never subscribes to anything:
// the provider has no command input from MQTT, only the framed stdio
// protocol does.
type MQTTPublisher struct {
	client pahomqtt.Client
	log    *logging.Logger

	mu        sync.RWMutex
	connected bool
}

// tickTopic returns the topic a tick value for path is published on.
//
// Example: simprovider/tick/tempctl-1/temperature
func tickTopic(path string) string {
	return fmt.Sprintf("%s/tick/%s", topicPrefix, path)
}

// commandTopic returns the topic a successful call request to deviceID is
// published on.
//
// Example: simprovider/command/tempctl-1
func commandTopic(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", topicPrefix, deviceID)
}

// ConnectMQTT dials the configured broker. Returns ErrDisabled without
// attempting a connection if cfg.Enabled is false.
func ConnectMQTT(cfg config.MQTTTelemetryConfig, log *logging.Logger) (*MQTTPublisher, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout)

	p := &MQTTPublisher{log: log}
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		p.mu.Lock()
		p.connected = true
		p.mu.Unlock()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		log.Warn("mqtt telemetry connection lost", "error", err)
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	return p, nil
}

// PublishTick publishes one signal path's current value. Called once per
// path per physics tick; failures are logged, not returned, since a lost
// telemetry sample must never stall or fail the tick that produced it.
func (p *MQTTPublisher) PublishTick(path string, value float64) {
	if !p.IsConnected() {
		return
	}
	payload := fmt.Sprintf(`{"value":%v,"timestamp":"%s"}`, value, time.Now().UTC().Format(time.RFC3339Nano))
	p.publishAsync(tickTopic(path), payload)
}

// PublishCommand publishes a record of a device function call, for
// dashboards that want to see call activity without attaching to the
// framed protocol. Wired as a Dispatcher.SetCallObserver callback.
func (p *MQTTPublisher) PublishCommand(deviceID string, functionID int) {
	if !p.IsConnected() {
		return
	}
	payload := fmt.Sprintf(`{"device_id":%q,"function_id":%d,"timestamp":"%s"}`,
		deviceID, functionID, time.Now().UTC().Format(time.RFC3339Nano))
	p.publishAsync(commandTopic(deviceID), payload)
}

func (p *MQTTPublisher) publishAsync(topic, payload string) {
	token := p.client.Publish(topic, publishQoS, false, payload)
	go func() {
		if !token.WaitTimeout(defaultPublishTimeout) {
			p.log.Warn("mqtt telemetry publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			p.log.Warn("mqtt telemetry publish failed", "topic", topic, "error", err)
		}
	}()
}

// IsConnected reports the last known connection state.
func (p *MQTTPublisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.client != nil && p.client.IsConnected()
}

// Close disconnects from the broker. Safe to call on a nil receiver's
// caller (the publisher is simply never constructed when disabled).
func (p *MQTTPublisher) Close() error {
	if p.client == nil {
		return nil
	}
	p.client.Disconnect(250)
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}
