// Package notify is the outbound notification boundary. The bridge core
// only knows the Broadcaster interface; how delivery happens is up to the
// implementation.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kabili207/mesh-node-bridge/pkg/config"
)

// Broadcaster fans out one notification to whatever sinks are configured.
// FilterContext is an opaque routing hint (channel name, node id).
type Broadcaster interface {
	Broadcast(title, body, filterContext string)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Broadcast(title, body, filterContext string) {}

// MQTTBroadcaster publishes notifications as JSON to an MQTT topic.
type MQTTBroadcaster struct {
	log    *slog.Logger
	client mqtt.Client
	topic  string
}

type notification struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Filter string `json:"filter,omitempty"`
	Time   int64  `json:"time"`
}

// NewMQTTBroadcaster connects to the configured broker. Connection
// failures are returned so the caller can fall back to Nop.
func NewMQTTBroadcaster(cfg config.NotifySettings, log *slog.Logger) (*MQTTBroadcaster, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTT.Broker).
		SetClientID("mesh-node-bridge").
		SetUsername(cfg.MQTT.Username).
		SetPassword(cfg.MQTT.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}

	return &MQTTBroadcaster{log: log, client: client, topic: cfg.MQTT.Topic}, nil
}

// Broadcast publishes the notification without blocking the caller on
// broker round-trips.
func (b *MQTTBroadcaster) Broadcast(title, body, filterContext string) {
	payload, err := json.Marshal(notification{
		Title:  title,
		Body:   body,
		Filter: filterContext,
		Time:   time.Now().Unix(),
	})
	if err != nil {
		b.log.Error("failed to marshal notification", "error", err)
		return
	}

	token := b.client.Publish(b.topic, 0, false, payload)
	go func() {
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			b.log.Warn("failed to publish notification", "error", token.Error())
		}
	}()
}

// Close disconnects from the broker.
func (b *MQTTBroadcaster) Close() {
	b.client.Disconnect(250)
}
