// Package mqttpub republishes provider events to an MQTT broker as JSON.
//
// Topics are <prefix>/fix, <prefix>/satellites, <prefix>/nmea and
// <prefix>/status. Status messages are retained and the broker publishes
// "offline" on <prefix>/online if the bridge drops off.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsbridge/internal/provider"
)

// Config holds broker settings.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	PublishNMEA bool
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher is a provider listener. Publishing is asynchronous so the
// provider loop never waits on the network.
type Publisher struct {
	cfg    Config
	client client
	log    *zap.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect dials the broker and returns a Publisher. The client reconnects on
// its own after the first successful connect.
func Connect(cfg Config, log *zap.Logger) (*Publisher, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "gpsbridge"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gpsbridge"
	}
	onlineTopic := cfg.TopicPrefix + "/online"
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10*time.Second).
		SetWill(onlineTopic, "offline", 1, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			c.Publish(onlineTopic, 1, true, "online")
			log.Info("mqtt: connected", zap.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt: connection lost", zap.Error(err))
		})

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, token.Error())
	}
	return newPublisher(cfg, c, log), nil
}

func newPublisher(cfg Config, c client, log *zap.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "gpsbridge"
	}
	return &Publisher{cfg: cfg, client: c, log: log}
}

// Topic returns the topic an event type is published on.
func (p *Publisher) Topic(t provider.EventType) string {
	return p.cfg.TopicPrefix + "/" + string(t)
}

// Deliver implements provider.Listener.
func (p *Publisher) Deliver(ev provider.Event) error {
	if ev.Type == provider.EventNMEA && !p.cfg.PublishNMEA {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("mqtt: encode %s: %w", ev.Type, err)
	}
	topic := p.Topic(ev.Type)
	retained := ev.Type == provider.EventStatus
	token := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			p.log.Debug("mqtt: publish failed", zap.String("topic", topic), zap.Error(err))
			p.failed.Add(1)
			return
		}
		p.published.Add(1)
	}()
	return nil
}

// Stats returns the number of completed and failed publishes.
func (p *Publisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Close marks the bridge offline and disconnects.
func (p *Publisher) Close() {
	token := p.client.Publish(p.cfg.TopicPrefix+"/online", 1, true, "offline")
	token.WaitTimeout(time.Second)
	p.client.Disconnect(250)
}
