package notify

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/whisperforge/wf-engine/internal/pipeline"
)

// MQTTPublisher mirrors pipeline events onto an MQTT broker so external
// systems can follow runs. Publish-only, QoS 0, fire and forget.
type MQTTPublisher struct {
	conn        mqtt.Client
	topicPrefix string
	connected   atomic.Bool
	log         zerolog.Logger
}

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

// ConnectMQTT dials the broker and returns a publisher. The connection
// auto-reconnects; events published while disconnected are dropped.
func ConnectMQTT(opts MQTTOptions) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		topicPrefix: opts.TopicPrefix,
		log:         opts.Log.With().Str("component", "mqtt").Logger(),
	}
	if p.topicPrefix == "" {
		p.topicPrefix = "whisperforge/runs"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	p.conn = mqtt.NewClient(clientOpts)
	token := p.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *MQTTPublisher) onConnect(mqtt.Client) {
	p.connected.Store(true)
	p.log.Info().Str("topic_prefix", p.topicPrefix).Msg("mqtt connected")
}

func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.connected.Store(false)
	p.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Publish sends one event to <prefix>/<run_id>/<type>. Implements
// pipeline.Notifier; errors are logged, never returned.
func (p *MQTTPublisher) Publish(ev pipeline.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn().Err(err).Msg("event marshal failed")
		return
	}
	topic := fmt.Sprintf("%s/%s/%s", p.topicPrefix, ev.RunID, ev.Type)
	p.conn.Publish(topic, 0, false, payload)
}

// IsConnected reports broker connectivity for health checks.
func (p *MQTTPublisher) IsConnected() bool {
	return p.connected.Load()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.log.Info().Msg("disconnecting mqtt publisher")
	p.conn.Disconnect(1000)
}
