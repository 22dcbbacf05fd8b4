// Package telemetry publishes peer lifecycle events and periodic host
// statistics to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/config"
	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/util"
)

// MQTT topics
const (
	TopicPeer   = "replicon/peer"
	TopicStats  = "replicon/stats"
	TopicStatus = "replicon/status"
)

// publisher is the part of an MQTT client the handler needs.
type publisher interface {
	Connected() bool
	Publish(topic string, payload []byte) error
}

// MQTTHandler forwards bus events and statistics to MQTT.
type MQTTHandler struct {
	pub    publisher
	client mqtt.Client // nil when built over a custom publisher
	cfg    config.MQTTConfig
	logger zerolog.Logger

	// metadata is included in every message
	metadata map[string]interface{}
	now      func() time.Time
}

// NewMQTTHandler configures a paho client from cfg. The broker is not
// contacted until Start.
func NewMQTTHandler(cfg config.MQTTConfig) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("replicon-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)

	logger := log.With().Str("component", "mqtt").Logger()
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	h := newHandler(pahoPublisher{client: client, logger: logger}, cfg, sysInfo)
	h.client = client
	return h, nil
}

func newHandler(pub publisher, cfg config.MQTTConfig, sysInfo util.SystemInfo) *MQTTHandler {
	return &MQTTHandler{
		pub:    pub,
		cfg:    cfg,
		logger: log.With().Str("component", "mqtt").Logger(),
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_model": sysInfo.CPUModel,
			"memory_mb": sysInfo.TotalMemory,
		},
		now: time.Now,
	}
}

// Start connects to the broker, subscribes to bus and blocks until ctx is
// cancelled.
func (h *MQTTHandler) Start(ctx context.Context, bus *events.EventBus) error {
	if h.client != nil {
		h.logger.Info().
			Str("broker", h.cfg.BrokerURL).
			Int("port", h.cfg.Port).
			Msg("connecting to MQTT broker")

		token := h.client.Connect()
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("MQTT connect failed: %w", token.Error())
		}
	}

	h.Attach(bus)
	h.publish(TopicStatus, map[string]interface{}{"event": "started"})

	<-ctx.Done()

	h.publish(TopicStatus, map[string]interface{}{"event": "shutdown"})
	if h.client != nil {
		h.client.Disconnect(5000)
	}
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

// Attach subscribes the handler to peer lifecycle events.
func (h *MQTTHandler) Attach(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventPeerConnected,
		events.EventPeerDisconnected,
		events.EventPeerRefused,
		events.EventPeerUnresponsive,
		events.EventPeerTimedOut,
	} {
		bus.Subscribe(t, "mqtt.peer", h.onPeer)
	}
	bus.Subscribe(events.EventHealthChanged, "mqtt.health", h.onHealth)
}

// PublishStats sends a statistics snapshot to TopicStats.
func (h *MQTTHandler) PublishStats(stats interface{}) {
	h.publish(TopicStats, stats)
}

func (h *MQTTHandler) onPeer(ctx context.Context, event events.Event) error {
	h.publish(TopicPeer, map[string]interface{}{
		"event": string(event.Type),
		"peer":  event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onHealth(ctx context.Context, event events.Event) error {
	h.publish(TopicStatus, map[string]interface{}{
		"event":  string(event.Type),
		"health": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.pub.Connected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}
	if err := h.pub.Publish(topic, data); err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
	}
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = h.now().UTC().Format(time.RFC3339)
	return msg
}

type pahoPublisher struct {
	client mqtt.Client
	logger zerolog.Logger
}

func (p pahoPublisher) Connected() bool { return p.client.IsConnected() }

// Publish sends with QoS 1 without waiting for the broker; failures are
// logged when the token completes.
func (p pahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, false, payload)
	go func() {
		token.Wait()
		if token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
	return nil
}
