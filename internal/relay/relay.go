// Package relay republishes session data to an MQTT broker so that other
// consumers (recorders, dashboards) can follow a measurement without
// holding a websocket.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/waveform"
)

// Publisher receives every accepted batch of a session.
type Publisher interface {
	PublishRaw(sessionID string, samples []capture.RawSample) error
	PublishWaveform(sessionID string, inc waveform.Series) error
	PublishEnded(sessionID string) error
	Close()
}

// NopPublisher discards everything; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishRaw(string, []capture.RawSample) error  { return nil }
func (NopPublisher) PublishWaveform(string, waveform.Series) error { return nil }
func (NopPublisher) PublishEnded(string) error                     { return nil }
func (NopPublisher) Close()                                        {}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

const publishTimeout = 2 * time.Second

// MQTTPublisher publishes JSON on <prefix>/<session>/raw,
// <prefix>/<session>/waveform and <prefix>/<session>/ended.
type MQTTPublisher struct {
	client client
	prefix string
}

// Dial connects to broker (e.g. tcp://localhost:1883).
func Dial(broker, clientID, prefix string) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connect error: %w", token.Error())
	}
	return newPublisher(c, prefix), nil
}

func newPublisher(c client, prefix string) *MQTTPublisher {
	return &MQTTPublisher{client: c, prefix: prefix}
}

// Topic returns the topic of kind for a session.
func (p *MQTTPublisher) Topic(sessionID, kind string) string {
	return p.prefix + "/" + sessionID + "/" + kind
}

func (p *MQTTPublisher) PublishRaw(sessionID string, samples []capture.RawSample) error {
	return p.publish(p.Topic(sessionID, "raw"), samples)
}

func (p *MQTTPublisher) PublishWaveform(sessionID string, inc waveform.Series) error {
	if inc.Len() == 0 {
		return nil
	}
	return p.publish(p.Topic(sessionID, "waveform"), inc)
}

func (p *MQTTPublisher) PublishEnded(sessionID string) error {
	return p.publish(p.Topic(sessionID, "ended"), struct{}{})
}

func (p *MQTTPublisher) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
