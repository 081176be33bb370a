// Package integration forwards media events to external systems.
package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/broadcast"
	"github.com/camwatch/camwatch-server/internal/config"
	"github.com/camwatch/camwatch-server/internal/models"
)

// ForwarderService relays every published media event to the configured
// HTTP webhook and MQTT broker
type ForwarderService struct {
	cfg    config.IntegrationConfig
	source string
	hub    *broadcast.Hub

	mqttClient mqtt.Client

	httpClient *http.Client
}

// NewForwarderService creates the forwarder. source names this server in
// forwarded payloads.
func NewForwarderService(cfg config.IntegrationConfig, source string, hub *broadcast.Hub) *ForwarderService {
	return &ForwarderService{
		cfg:    cfg,
		source: source,
		hub:    hub,
		httpClient: &http.Client{
			Timeout: cfg.HTTP.Timeout,
		},
	}
}

// Enabled reports whether any target is configured
func (s *ForwarderService) Enabled() bool {
	return s.cfg.HTTP.Enabled || s.cfg.MQTT.Enabled
}

// Start forwards events until ctx is done
func (s *ForwarderService) Start(ctx context.Context) error {
	if s.cfg.MQTT.Enabled {
		s.mqttClient = s.createMQTTClient()
	}

	log.Info().
		Bool("http", s.cfg.HTTP.Enabled).
		Bool("mqtt", s.cfg.MQTT.Enabled).
		Msg("Integration forwarder service started")

	for {
		sub := s.hub.Subscribe(broadcast.TopicAll)
		if !s.run(ctx, sub) {
			break
		}
		log.Warn().Msg("Forwarder fell behind, resubscribing")
	}

	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		s.mqttClient.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}
	return nil
}

// run drains sub until ctx is done (false) or the hub drops it (true)
func (s *ForwarderService) run(ctx context.Context, sub *broadcast.Subscription) bool {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.C:
			if !ok {
				return ctx.Err() == nil
			}
			s.forward(msg.Event)
		}
	}
}

// ForwardPayload is the body sent to every target
type ForwardPayload struct {
	Source      string             `json:"source"`
	Event       *models.MediaEvent `json:"event"`
	ForwardedAt time.Time          `json:"forwardedAt"`
}

func (s *ForwarderService) forward(event *models.MediaEvent) {
	data, err := json.Marshal(ForwardPayload{
		Source:      s.source,
		Event:       event,
		ForwardedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal forward data")
		return
	}

	if s.cfg.HTTP.Enabled {
		go s.forwardToHTTP(event, data)
	}
	if s.cfg.MQTT.Enabled && s.mqttClient != nil {
		go s.forwardToMQTT(event, data)
	}
}

// forwardToHTTP posts data to the webhook endpoint
func (s *ForwarderService) forwardToHTTP(event *models.MediaEvent, data []byte) {
	req, err := http.NewRequest(http.MethodPost, s.cfg.HTTP.Endpoint, bytes.NewReader(data))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.HTTP.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Error().
			Err(err).
			Str("endpoint", s.cfg.HTTP.Endpoint).
			Msg("Failed to forward event to HTTP")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Error().
			Int("status", resp.StatusCode).
			Str("endpoint", s.cfg.HTTP.Endpoint).
			Msg("HTTP forward failed")
		return
	}

	log.Debug().
		Str("deviceId", event.DeviceID).
		Str("type", string(event.Type)).
		Str("endpoint", s.cfg.HTTP.Endpoint).
		Msg("Event forwarded to HTTP")
}

// forwardToMQTT publishes data on the topic derived from the event
func (s *ForwarderService) forwardToMQTT(event *models.MediaEvent, data []byte) {
	if !s.mqttClient.IsConnected() {
		log.Warn().Str("deviceId", event.DeviceID).Msg("MQTT not connected, event not forwarded")
		return
	}

	topic := Topic(s.cfg.MQTT.TopicPattern, event)
	token := s.mqttClient.Publish(topic, s.cfg.MQTT.QoS, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		log.Error().Str("topic", topic).Msg("MQTT publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Msg("Failed to publish to MQTT")
		return
	}

	log.Debug().
		Str("deviceId", event.DeviceID).
		Str("topic", topic).
		Msg("Event forwarded to MQTT")
}

// Topic expands {device_id}, {type} and {session_id} in pattern. Events
// without a session substitute "none".
func Topic(pattern string, event *models.MediaEvent) string {
	sessionID := "none"
	if event.SessionID != nil {
		sessionID = event.SessionID.String()
	}

	topic := strings.ReplaceAll(pattern, "{device_id}", event.DeviceID)
	topic = strings.ReplaceAll(topic, "{type}", string(event.Type))
	topic = strings.ReplaceAll(topic, "{session_id}", sessionID)
	return topic
}

// createMQTTClient connects to the broker. The client keeps retrying in
// the background when the first attempt does not finish in time.
func (s *ForwarderService) createMQTTClient() mqtt.Client {
	cfg := s.cfg.MQTT

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().
			Err(err).
			Str("broker", cfg.BrokerURL).
			Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		log.Error().
			Err(token.Error()).
			Str("broker", cfg.BrokerURL).
			Msg("Failed to connect MQTT client")
	}
	return client
}

// String describes the enabled targets
func (s *ForwarderService) String() string {
	var targets []string
	if s.cfg.HTTP.Enabled {
		targets = append(targets, "http:"+s.cfg.HTTP.Endpoint)
	}
	if s.cfg.MQTT.Enabled {
		targets = append(targets, "mqtt:"+s.cfg.MQTT.BrokerURL)
	}
	return fmt.Sprintf("forwarder[%s]", strings.Join(targets, ","))
}
