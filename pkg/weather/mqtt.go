package weather

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig holds the broker parameters for an MQTT weather source.
type MQTTConfig struct {
	// BrokerURL is the MQTT broker URL (e.g., "tcp://localhost:1883")
	BrokerURL string `mapstructure:"broker_url"`
	// ClientID is the unique identifier for this client
	ClientID string `mapstructure:"client_id"`
	// Username for MQTT authentication (optional)
	Username string `mapstructure:"username"`
	// Password for MQTT authentication (optional)
	Password string `mapstructure:"password"`
	// TopicPrefix is prepended to every telemetry topic
	// (e.g., "station/telemetry")
	TopicPrefix string `mapstructure:"topic_prefix"`
	// QoS for all subscriptions
	QoS byte `mapstructure:"qos"`
	// KeepAlive interval
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	// ConnectTimeout bounds the broker connect
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Telemetry topic suffixes under the configured prefix. Payloads are the
// JSON encodings of the matching sample types.
const (
	topicConditions    = "conditions"
	topicWind          = "wind"
	topicWindDirection = "wind_direction"
	topicDewPoint      = "dew_point"
	topicPrecipitation = "precipitation"
	topicSnowDepth     = "snow_depth"
)

// MQTTSource subscribes to a weather station's telemetry topics and
// delivers decoded samples to the registered callbacks.
type MQTTSource struct {
	cfg    MQTTConfig
	logger *zap.Logger
	client mqtt.Client

	mu sync.Mutex
	cb *Callbacks
}

// NewMQTTSource creates the source and its underlying client. Call
// Connect before Register.
func NewMQTTSource(cfg MQTTConfig, logger *zap.Logger) *MQTTSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	logger = logger.With(zap.String("component", "weather_mqtt"))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.BrokerURL))
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting...")
	})

	return &MQTTSource{
		cfg:    cfg,
		logger: logger,
		client: mqtt.NewClient(opts),
	}
}

// Connect establishes the connection to the MQTT broker.
func (s *MQTTSource) Connect() error {
	s.logger.Info("Connecting to MQTT broker", zap.String("broker", s.cfg.BrokerURL))

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("connection timeout after %v", s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Disconnect closes the connection to the MQTT broker.
func (s *MQTTSource) Disconnect() {
	s.logger.Info("Disconnecting from MQTT broker")
	s.client.Disconnect(250) // 250ms grace period
}

// Register subscribes to the telemetry topics and starts delivering
// decoded samples to cb.
func (s *MQTTSource) Register(cb *Callbacks) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("client not connected")
	}
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()

	subs := map[string]mqtt.MessageHandler{
		topicConditions:    decodeInto(s, func(cb *Callbacks) func(Conditions) { return cb.OnConditions }),
		topicWind:          decodeInto(s, func(cb *Callbacks) func(Wind) { return cb.OnWind }),
		topicWindDirection: decodeInto(s, func(cb *Callbacks) func(Direction) { return cb.OnWindDirection }),
		topicDewPoint:      decodeInto(s, func(cb *Callbacks) func(DewPoint) { return cb.OnDewPoint }),
		topicPrecipitation: decodeInto(s, func(cb *Callbacks) func(Precipitation) { return cb.OnPrecipitation }),
		topicSnowDepth:     decodeInto(s, func(cb *Callbacks) func(SnowDepth) { return cb.OnSnowDepth }),
	}
	for suffix, handler := range subs {
		topic := s.topic(suffix)
		token := s.client.Subscribe(topic, s.cfg.QoS, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(err))
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.logger.Info("Subscribed to topic", zap.String("topic", topic))
	}
	return nil
}

// Unregister unsubscribes from the telemetry topics and stops delivery.
func (s *MQTTSource) Unregister() {
	s.mu.Lock()
	s.cb = nil
	s.mu.Unlock()

	for _, suffix := range []string{
		topicConditions, topicWind, topicWindDirection,
		topicDewPoint, topicPrecipitation, topicSnowDepth,
	} {
		topic := s.topic(suffix)
		token := s.client.Unsubscribe(topic)
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error("Failed to unsubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (s *MQTTSource) topic(suffix string) string {
	if s.cfg.TopicPrefix == "" {
		return suffix
	}
	return s.cfg.TopicPrefix + "/" + suffix
}

func (s *MQTTSource) callbacks() *Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

// decodeInto builds a paho handler that unmarshals the payload into T and
// hands it to the selected callback, if registered.
func decodeInto[T any](s *MQTTSource, pick func(*Callbacks) func(T)) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		cb := s.callbacks()
		if cb == nil {
			return
		}
		handler := pick(cb)
		if handler == nil {
			return
		}
		var sample T
		if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
			s.logger.Error("Bad telemetry payload",
				zap.String("topic", msg.Topic()),
				zap.Error(err))
			return
		}
		s.logger.Debug("Telemetry received", zap.String("topic", msg.Topic()))
		handler(sample)
	}
}
