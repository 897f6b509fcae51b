/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package connmgr implements the reference-counted pool of broker
// connections shared by ingress sessions and export loops.  At most one
// live session exists per connection id; the pool map and each
// session's consumer set are guarded by a single mutex, while the
// actual dial and teardown always happen outside it.
package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"uns/common/unsdata"
	"uns/uns_common/mqttcli"
	"uns/uns_common/store"
	"uns/uns_common/streamcli"
)

const (
	stopTimeout    = 5 * time.Second
	stopAllTimeout = 30 * time.Second
)

// Conn is the live connection handle returned by Acquire.  Exactly one
// of the transport clients is non-nil, per the configuration's type.
type Conn struct {
	cfg    *unsdata.ConnectionConfiguration
	mqtt   *mqttcli.Client
	stream *streamcli.Client
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.cfg.ID
}

// Config returns the configuration this connection was dialed from.
func (c *Conn) Config() *unsdata.ConnectionConfiguration {
	return c.cfg
}

// MQTT returns the MQTT client, or nil for a stream connection.
func (c *Conn) MQTT() *mqttcli.Client {
	return c.mqtt
}

// Stream returns the event-stream client, or nil for an MQTT
// connection.
func (c *Conn) Stream() *streamcli.Client {
	return c.stream
}

// Publish sends one outbound message.  Event-stream connections are
// ingress-only.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if c.mqtt == nil {
		return errors.Errorf("connection %s does not support publishing", c.cfg.ID)
	}
	return c.mqtt.Publish(ctx, topic, payload, qos, retain)
}

func (c *Conn) close(ctx context.Context) error {
	if c.mqtt != nil {
		return c.mqtt.Close(ctx)
	}
	if c.stream != nil {
		return c.stream.Close(ctx)
	}
	return nil
}

// Dialer opens the transport for one connection configuration.
type Dialer func(slog *zap.SugaredLogger, cfg *unsdata.ConnectionConfiguration) (*Conn, error)

// DefaultDialer dispatches on the configuration's tagged connection
// type.
func DefaultDialer(slog *zap.SugaredLogger, cfg *unsdata.ConnectionConfiguration) (*Conn, error) {
	switch cfg.Type {
	case unsdata.ConnectionMQTT:
		if cfg.MQTT == nil {
			return nil, errors.Errorf("connection %s has no mqtt config", cfg.ID)
		}
		dial := &mqttcli.Config{
			BrokerHost:           cfg.MQTT.BrokerHost,
			BrokerPort:           cfg.MQTT.BrokerPort,
			ClientID:             cfg.MQTT.ClientID,
			Username:             cfg.MQTT.Username,
			Password:             cfg.MQTT.Password,
			KeepAlive:            cfg.MQTT.KeepAlive,
			CleanSession:         cfg.MQTT.CleanSession,
			AutoReconnect:        cfg.MQTT.AutoReconnect,
			ReconnectDelay:       cfg.MQTT.ReconnectDelay,
			ReconnectionAttempts: cfg.MQTT.ReconnectionAttempts,
		}
		if cfg.MQTT.Will != nil {
			dial.Will = &mqttcli.Will{
				Topic:   cfg.MQTT.Will.Topic,
				Payload: cfg.MQTT.Will.Payload,
				QoS:     cfg.MQTT.Will.QoS,
				Retain:  cfg.MQTT.Will.Retain,
			}
		}
		if cfg.MQTT.TLS.Enabled {
			tc, err := mqttcli.NewTLSConfig(cfg.MQTT.TLS.CAFile,
				cfg.MQTT.TLS.CertFile, cfg.MQTT.TLS.KeyFile,
				cfg.MQTT.TLS.InsecureSkipVerify)
			if err != nil {
				return nil, err
			}
			dial.TLS = tc
		}
		cli, err := mqttcli.Dial(slog, cfg.Name, dial)
		if err != nil {
			return nil, err
		}
		return &Conn{cfg: cfg, mqtt: cli}, nil

	case unsdata.ConnectionEventStream:
		if cfg.EventStream == nil {
			return nil, errors.Errorf("connection %s has no stream config", cfg.ID)
		}
		cli, err := streamcli.Dial(slog, cfg.Name, &streamcli.Config{
			ServerURL:            cfg.EventStream.ServerURL,
			EnableReconnection:   cfg.EventStream.EnableReconnection,
			ReconnectDelay:       cfg.EventStream.ReconnectDelay,
			ReconnectionAttempts: cfg.EventStream.ReconnectionAttempts,
		})
		if err != nil {
			return nil, err
		}
		return &Conn{cfg: cfg, stream: cli}, nil
	}
	return nil, errors.Errorf("unknown connection type %q", cfg.Type)
}

type session struct {
	conn      *Conn
	consumers map[string]bool
}

// Manager is the connection pool.
type Manager struct {
	slog  *zap.SugaredLogger
	conns store.ConnectionStore
	dial  Dialer

	mtx  sync.Mutex
	live map[string]*session
}

// New builds a Manager over the given configuration store.  A nil
// dialer selects DefaultDialer.
func New(slog *zap.SugaredLogger, conns store.ConnectionStore, dial Dialer) *Manager {
	if dial == nil {
		dial = DefaultDialer
	}
	return &Manager{
		slog:  slog,
		conns: conns,
		dial:  dial,
		live:  make(map[string]*session),
	}
}

// Acquire returns the live session for connectionID, starting one if
// needed, and registers consumerID against it.  A dial failure returns
// a nil handle; the pool never caches a broken session.
func (m *Manager) Acquire(ctx context.Context, connectionID, consumerID string) (*Conn, error) {
	m.mtx.Lock()
	if s, ok := m.live[connectionID]; ok {
		s.consumers[consumerID] = true
		m.mtx.Unlock()
		return s.conn, nil
	}
	m.mtx.Unlock()

	cfg, err := m.conns.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, store.NotFoundf("connection %q is disabled", connectionID)
	}

	// Dial outside the lock; a concurrent Acquire may win the race.
	conn, err := m.dial(m.slog, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "starting connection %s", connectionID)
	}

	m.mtx.Lock()
	if winner, ok := m.live[connectionID]; ok {
		winner.consumers[consumerID] = true
		m.mtx.Unlock()
		// Lost the create race; tear down the duplicate.
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := conn.close(stopCtx); err != nil {
			m.slog.Warnf("closing duplicate session %s: %v", connectionID, err)
		}
		return winner.conn, nil
	}
	m.live[connectionID] = &session{
		conn:      conn,
		consumers: map[string]bool{consumerID: true},
	}
	m.mtx.Unlock()
	m.slog.Infof("connection %s started for %s", connectionID, consumerID)
	return conn, nil
}

// Release drops one consumer.  When the last consumer departs the
// session is stopped and removed from the pool; a stop failure is
// logged but the session is gone regardless.
func (m *Manager) Release(connectionID, consumerID string) {
	m.mtx.Lock()
	s, ok := m.live[connectionID]
	if !ok {
		m.mtx.Unlock()
		return
	}
	delete(s.consumers, consumerID)
	if len(s.consumers) > 0 {
		m.mtx.Unlock()
		return
	}
	delete(m.live, connectionID)
	m.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.conn.close(ctx); err != nil {
		m.slog.Warnf("stopping connection %s: %v", connectionID, err)
	}
	m.slog.Infof("connection %s stopped", connectionID)
}

// Consumers returns the current consumer count for a connection; zero
// when no session is live.
func (m *Manager) Consumers(connectionID string) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if s, ok := m.live[connectionID]; ok {
		return len(s.consumers)
	}
	return 0
}

// StopAll drains every live session in parallel, bounded by a grace
// period.
func (m *Manager) StopAll() {
	m.mtx.Lock()
	doomed := make([]*session, 0, len(m.live))
	ids := make([]string, 0, len(m.live))
	for id, s := range m.live {
		doomed = append(doomed, s)
		ids = append(ids, id)
	}
	m.live = make(map[string]*session)
	m.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i, s := range doomed {
		wg.Add(1)
		go func(id string, s *session) {
			defer wg.Done()
			if err := s.conn.close(ctx); err != nil {
				m.slog.Warnf("draining connection %s: %v", id, err)
			}
		}(ids[i], s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.slog.Warnf("drain timed out with sessions outstanding")
	}
	m.slog.Infof("drained %d connections", len(doomed))
}

// ConsumerID builds the per-subsystem consumer id convention, e.g.
// "DataExport_<uuid>".
func ConsumerID(prefix, unique string) string {
	return fmt.Sprintf("%s_%s", prefix, unique)
}
