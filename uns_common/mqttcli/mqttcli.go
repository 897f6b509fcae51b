/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package mqttcli wraps the paho MQTT client with the broker's
// connection configuration: TLS and client certificates, user/pass,
// last-will, keepalive, clean-session, and capped auto-reconnect.
package mqttcli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	connectTimeout = 10 * time.Second
	opTimeout      = 5 * time.Second
)

// MessageHandler receives one inbound message.
type MessageHandler func(topic string, payload []byte, qos byte, retained bool)

// Client is a configured MQTT session.  Subscriptions are remembered so
// they can be replayed after an automatic reconnect.
type Client struct {
	slog *zap.SugaredLogger
	name string
	cli  mqtt.Client

	mtx      sync.Mutex
	subs     map[string]subEntry
	lost     int
	maxLost  int
	stopping bool
}

type subEntry struct {
	qos byte
	cb  MessageHandler
}

// Dial builds the client options from the configuration and connects.
func Dial(slog *zap.SugaredLogger, name string, cfg *Config) (*Client, error) {
	c := &Client{
		slog:    slog,
		name:    name,
		subs:    make(map[string]subEntry),
		maxLost: cfg.ReconnectionAttempts,
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.TLS != nil {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerHost, cfg.BrokerPort))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(cfg.AutoReconnect)
	if cfg.ReconnectDelay > 0 {
		opts.SetMaxReconnectInterval(cfg.ReconnectDelay)
	}
	if cfg.Will != nil {
		opts.SetWill(cfg.Will.Topic, cfg.Will.Payload, cfg.Will.QoS, cfg.Will.Retain)
	}
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.cli = mqtt.NewClient(opts)
	token := c.cli.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.Errorf("connect to %s timed out", cfg.BrokerHost)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect to %s", cfg.BrokerHost)
	}
	return c, nil
}

// Config is the resolved dial configuration.  TLS is nil for plaintext
// connections.
type Config struct {
	BrokerHost           string
	BrokerPort           int
	ClientID             string
	Username             string
	Password             string
	KeepAlive            time.Duration
	CleanSession         bool
	AutoReconnect        bool
	ReconnectDelay       time.Duration
	ReconnectionAttempts int
	Will                 *Will
	TLS                  *tls.Config
}

// Will mirrors the MQTT last-will registration.
type Will struct {
	Topic   string
	Payload string
	QoS     byte
	Retain  bool
}

// NewTLSConfig assembles a tls.Config from file paths.  An empty CA
// path falls back to the system pool.
func NewTLSConfig(caFile, certFile, keyFile string, insecure bool) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: insecure}
	if caFile != "" {
		pem, err := ioutil.ReadFile(caFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates in %s", caFile)
		}
		tc.RootCAs = pool
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.Wrap(err, "loading client certificate")
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.mtx.Lock()
	c.lost++
	lost, max, stopping := c.lost, c.maxLost, c.stopping
	c.mtx.Unlock()
	if stopping {
		return
	}
	c.slog.Warnf("%s: connection lost (%d): %v", c.name, lost, err)
	if max > 0 && lost > max {
		c.slog.Errorf("%s: reconnect budget exhausted, disconnecting", c.name)
		c.cli.Disconnect(0)
	}
}

// onConnect replays subscriptions after a reconnect.
func (c *Client) onConnect(cli mqtt.Client) {
	c.mtx.Lock()
	subs := make(map[string]subEntry, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.lost = 0
	c.mtx.Unlock()
	for filter, entry := range subs {
		cb := entry.cb
		token := cli.Subscribe(filter, entry.qos, func(_ mqtt.Client, m mqtt.Message) {
			cb(m.Topic(), m.Payload(), m.Qos(), m.Retained())
		})
		if token.WaitTimeout(opTimeout) && token.Error() != nil {
			c.slog.Errorf("%s: resubscribe %s: %v", c.name, filter, token.Error())
		}
	}
}

// Publish sends one message, honoring context cancellation while
// waiting for the broker acknowledgement.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	token := c.cli.Publish(topic, qos, retain, payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return errors.Wrapf(token.Error(), "publish %s", topic)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(opTimeout):
		return errors.Errorf("publish %s timed out", topic)
	}
}

// Subscribe attaches a handler to a topic filter.
func (c *Client) Subscribe(filter string, qos byte, cb MessageHandler) error {
	c.mtx.Lock()
	c.subs[filter] = subEntry{qos: qos, cb: cb}
	c.mtx.Unlock()

	token := c.cli.Subscribe(filter, qos, func(_ mqtt.Client, m mqtt.Message) {
		cb(m.Topic(), m.Payload(), m.Qos(), m.Retained())
	})
	if !token.WaitTimeout(opTimeout) {
		return errors.Errorf("subscribe %s timed out", filter)
	}
	return errors.Wrapf(token.Error(), "subscribe %s", filter)
}

// Unsubscribe removes a topic filter.
func (c *Client) Unsubscribe(filter string) error {
	c.mtx.Lock()
	delete(c.subs, filter)
	c.mtx.Unlock()

	token := c.cli.Unsubscribe(filter)
	if !token.WaitTimeout(opTimeout) {
		return errors.Errorf("unsubscribe %s timed out", filter)
	}
	return errors.Wrapf(token.Error(), "unsubscribe %s", filter)
}

// Close disconnects, cancelling any reconnect in progress.  A message
// arriving after Close is discarded by paho.
func (c *Client) Close(ctx context.Context) error {
	c.mtx.Lock()
	c.stopping = true
	c.mtx.Unlock()
	c.cli.Disconnect(250)
	return nil
}

// IsConnected reports the transport state.
func (c *Client) IsConnected() bool {
	return c.cli.IsConnected()
}

// LogToZap routes paho's clunky package-level loggers through zap.
// Paho's WARN messages aren't very helpful, so they log at debug.
func LogToZap(logger *zap.Logger) {
	mqtt.DEBUG, _ = zap.NewStdLogAt(logger, zapcore.DebugLevel)
	mqtt.WARN, _ = zap.NewStdLogAt(logger, zapcore.DebugLevel)
	mqtt.ERROR, _ = zap.NewStdLogAt(logger, zapcore.ErrorLevel)
	mqtt.CRITICAL, _ = zap.NewStdLogAt(logger, zapcore.PanicLevel)
}
