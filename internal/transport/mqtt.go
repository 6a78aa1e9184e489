package transport

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BridgeConfig contains MQTT bridge configuration
type BridgeConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	ReconnectDelay time.Duration
}

// Bridge is a secure-channel implementation that taps publish responses
// onto MQTT as compact JSON. It is an operational mirror of the OPC UA
// publish stream, not the binary wire itself; a circuit breaker keeps a
// dead broker from stalling the publish loop.
type Bridge struct {
	config  BridgeConfig
	client  paho.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewBridge creates an MQTT bridge channel.
func NewBridge(config BridgeConfig, logger zerolog.Logger) (*Bridge, error) {
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "opcua/publish"
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}

	b := &Bridge{
		config: config,
		logger: logger.With().Str("component", "mqtt-bridge").Logger(),
	}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-bridge",
		MaxRequests: 3,
		Timeout:     config.ReconnectDelay * 2,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetKeepAlive(config.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.ReconnectDelay)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	b.client = paho.NewClient(opts)

	return b, nil
}

// Connect establishes connection to the MQTT broker
func (b *Bridge) Connect() error {
	b.logger.Info().
		Str("broker", b.config.BrokerURL).
		Str("client_id", b.config.ClientID).
		Msg("Connecting to MQTT broker")

	token := b.client.Connect()
	if !token.WaitTimeout(b.config.ConnectTimeout) {
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connection failed: %w", token.Error())
	}
	return nil
}

// Disconnect cleanly disconnects from the broker
func (b *Bridge) Disconnect() {
	b.client.Disconnect(5000)
	b.logger.Info().Msg("Disconnected from MQTT broker")
}

// IsConnected returns current connection status
func (b *Bridge) IsConnected() bool {
	return b.client.IsConnected()
}

// SendResponse publishes the JSON rendering of a publish response to
// <prefix>/<subscription id>.
func (b *Bridge) SendResponse(requestID uint32, response *ua.PublishResponse) error {
	payload, err := EncodeResponse(requestID, response)
	if err != nil {
		return fmt.Errorf("encode publish response: %w", err)
	}

	topic := fmt.Sprintf("%s/%d", b.config.TopicPrefix, response.SubscriptionID)
	_, err = b.breaker.Execute(func() (interface{}, error) {
		token := b.client.Publish(topic, b.config.QoS, false, payload)
		if !token.WaitTimeout(b.config.PublishTimeout) {
			return nil, fmt.Errorf("publish timeout")
		}
		return nil, token.Error()
	})
	return err
}

// responsePayload is the JSON shape published to MQTT.
type responsePayload struct {
	RequestID                uint32        `json:"request_id"`
	SubscriptionID           uint32        `json:"subscription_id"`
	ServiceResult            uint32        `json:"service_result"`
	Timestamp                time.Time     `json:"timestamp"`
	SequenceNumber           uint32        `json:"sequence_number"`
	PublishTime              time.Time     `json:"publish_time"`
	MoreNotifications        bool          `json:"more_notifications"`
	AvailableSequenceNumbers []uint32      `json:"available_sequence_numbers,omitempty"`
	Notifications            []itemPayload `json:"notifications,omitempty"`
}

type itemPayload struct {
	ClientHandle    uint32      `json:"client_handle"`
	Value           interface{} `json:"value"`
	Status          uint32      `json:"status"`
	SourceTimestamp *time.Time  `json:"source_timestamp,omitempty"`
}

// EncodeResponse renders a publish response as compact JSON.
func EncodeResponse(requestID uint32, response *ua.PublishResponse) ([]byte, error) {
	p := responsePayload{
		RequestID:                requestID,
		SubscriptionID:           response.SubscriptionID,
		MoreNotifications:        response.MoreNotifications,
		AvailableSequenceNumbers: response.AvailableSequenceNumbers,
	}
	if response.ResponseHeader != nil {
		p.ServiceResult = uint32(response.ResponseHeader.ServiceResult)
		p.Timestamp = response.ResponseHeader.Timestamp
	}
	if message := response.NotificationMessage; message != nil {
		p.SequenceNumber = message.SequenceNumber
		p.PublishTime = message.PublishTime
		for _, data := range message.NotificationData {
			dcn, ok := data.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range dcn.MonitoredItems {
				entry := itemPayload{ClientHandle: item.ClientHandle}
				if item.Value != nil {
					entry.Status = uint32(item.Value.Status)
					if item.Value.Value != nil {
						entry.Value = item.Value.Value.Value()
					}
					if !item.Value.SourceTimestamp.IsZero() {
						ts := item.Value.SourceTimestamp
						entry.SourceTimestamp = &ts
					}
				}
				p.Notifications = append(p.Notifications, entry)
			}
		}
	}
	return json.Marshal(p)
}
