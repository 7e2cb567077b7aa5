package bus

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/jmaas/playwarden/internal/metrics"
	"github.com/jmaas/playwarden/internal/status"
)

// DeviceUpdateFunc receives every parsed telemetry event. It is the
// single entry point into the engine for device state.
type DeviceUpdateFunc func(deviceID string, ev status.RawEvent)

// SubscriberConfig holds broker connection settings.
type SubscriberConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Prefix    string
}

// Subscriber consumes telemetry from the broker.
type Subscriber struct {
	client   mqtt.Client
	prefix   string
	onUpdate DeviceUpdateFunc
	logger   zerolog.Logger
}

// NewSubscriber builds a subscriber. Connect must be called before
// messages flow.
func NewSubscriber(cfg SubscriberConfig, onUpdate DeviceUpdateFunc, logger zerolog.Logger) *Subscriber {
	s := &Subscriber{
		prefix:   cfg.Prefix,
		onUpdate: onUpdate,
		logger:   logger.With().Str("component", "bus").Logger(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(true)
	opts.OnConnect = func(c mqtt.Client) {
		topic := cfg.Prefix + "/#"
		if token := c.Subscribe(topic, 0, s.handleMessage); token.Wait() && token.Error() != nil {
			s.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Subscribe failed")
			return
		}
		s.logger.Info().Str("topic", topic).Msg("Subscribed to telemetry")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("Broker connection lost")
	}

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect establishes the broker connection. Subscription happens in
// the connect callback so it survives reconnects.
func (s *Subscriber) Connect() error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (s *Subscriber) Close() {
	s.client.Disconnect(250)
}

// Client exposes the underlying connection for the publisher so both
// directions share one broker session.
func (s *Subscriber) Client() mqtt.Client {
	return s.client
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := ParseTopic(s.prefix, msg.Topic())
	if !ok {
		return
	}
	var ev status.RawEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		s.logger.Warn().
			Err(err).
			Str("topic", msg.Topic()).
			Int("bytes", len(msg.Payload())).
			Msg("Dropping malformed telemetry payload")
		return
	}
	s.onUpdate(deviceID, ev)
}
