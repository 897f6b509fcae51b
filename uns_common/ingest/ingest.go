/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package ingest runs one session per ingress connection, decomposing
// nested payloads into leaf data points on fully-qualified topics and
// fanning them onto the event bus.  Sparkplug B topics bypass the
// decomposer and go to the external codec.
package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/satori/uuid"
	"github.com/tevino/abool"
	"go.uber.org/zap"

	"uns/common/unsdata"
	"uns/uns_common/connmgr"
	"uns/uns_common/eventbus"
	"uns/uns_common/sparkplug"
)

// Session is one live ingress attachment.  Inbound callbacks may arrive
// concurrently; decomposition is independent per message.
type Session struct {
	slog       *zap.SugaredLogger
	pool       *connmgr.Manager
	bus        *eventbus.Bus
	decoder    sparkplug.Decoder
	cfg        *unsdata.ConnectionConfiguration
	consumerID string

	conn    *connmgr.Conn
	running *abool.AtomicBool
}

// NewSession builds a session for one connection configuration.
func NewSession(slog *zap.SugaredLogger, pool *connmgr.Manager,
	bus *eventbus.Bus, decoder sparkplug.Decoder,
	cfg *unsdata.ConnectionConfiguration) *Session {

	if decoder == nil {
		decoder = sparkplug.NopCodec{}
	}
	return &Session{
		slog:       slog,
		pool:       pool,
		bus:        bus,
		decoder:    decoder,
		cfg:        cfg,
		consumerID: connmgr.ConsumerID("Ingress", uuid.NewV4().String()),
		running:    abool.New(),
	}
}

// Start acquires the shared connection and subscribes every enabled
// input channel.
func (s *Session) Start(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx, s.cfg.ID, s.consumerID)
	if err != nil {
		return errors.Wrapf(err, "acquiring connection %s", s.cfg.ID)
	}
	s.conn = conn
	s.running.Set()

	for i := range s.cfg.Inputs {
		input := &s.cfg.Inputs[i]
		if !input.Enabled {
			continue
		}
		if err := s.subscribeInput(input); err != nil {
			s.Stop(ctx)
			return err
		}
	}
	s.slog.Infof("ingress %s started (%d inputs)", s.cfg.Name, len(s.cfg.Inputs))
	return nil
}

func (s *Session) subscribeInput(input *unsdata.InputConfiguration) error {
	switch {
	case s.conn.MQTT() != nil:
		for _, filter := range input.TopicFilters {
			in := input
			if err := s.conn.MQTT().Subscribe(filter, input.QoS,
				func(topic string, payload []byte, qos byte, retained bool) {
					s.onMQTTMessage(in, topic, payload)
				}); err != nil {
				return err
			}
		}
	case s.conn.Stream() != nil:
		for _, event := range input.EventNames {
			in := input
			if err := s.conn.Stream().Subscribe(event,
				func(event string, payload []byte) {
					s.onStreamEvent(in, event, payload)
				}); err != nil {
				return err
			}
		}
	default:
		return errors.Errorf("connection %s has no transport", s.cfg.ID)
	}
	return nil
}

// Stop unsubscribes and releases the shared connection.  Messages that
// arrive after a stop are discarded silently.
func (s *Session) Stop(ctx context.Context) {
	if !s.running.IsSet() {
		return
	}
	s.running.UnSet()

	for i := range s.cfg.Inputs {
		input := &s.cfg.Inputs[i]
		if s.conn.MQTT() != nil {
			for _, filter := range input.TopicFilters {
				if err := s.conn.MQTT().Unsubscribe(filter); err != nil {
					s.slog.Debugf("unsubscribe %s: %v", filter, err)
				}
			}
		} else if s.conn.Stream() != nil {
			for _, event := range input.EventNames {
				if err := s.conn.Stream().Unsubscribe(event); err != nil {
					s.slog.Debugf("unsubscribe %s: %v", event, err)
				}
			}
		}
	}
	s.pool.Release(s.cfg.ID, s.consumerID)
	s.slog.Infof("ingress %s stopped", s.cfg.Name)
}

// AutoMapper returns the first input-level auto-mapper configuration,
// which governs the whole connection.
func (s *Session) AutoMapper() *unsdata.AutoMapperConfig {
	for i := range s.cfg.Inputs {
		if s.cfg.Inputs[i].AutoMapper != nil {
			return s.cfg.Inputs[i].AutoMapper
		}
	}
	return nil
}

func (s *Session) onMQTTMessage(input *unsdata.InputConfiguration, topic string, payload []byte) {
	if !s.running.IsSet() {
		return
	}
	if sparkplug.IsSparkplugTopic(topic) {
		points, err := s.decoder.Decode(topic, payload)
		if err != nil {
			decodeFailures.Inc()
			s.slog.Warnf("sparkplug decode %s: %v", topic, err)
			return
		}
		s.emit(points)
		return
	}
	points := Decompose(Options{
		BaseTopicPath: input.BaseTopicPath,
		EventName:     topic,
		Connection:    s.cfg.Name,
		Source:        string(unsdata.ConnectionMQTT),
		Now:           time.Now(),
	}, payload)
	s.emit(points)
}

func (s *Session) onStreamEvent(input *unsdata.InputConfiguration, event string, payload []byte) {
	if !s.running.IsSet() {
		return
	}
	points := Decompose(Options{
		BaseTopicPath: input.BaseTopicPath,
		EventName:     event,
		Connection:    s.cfg.Name,
		Source:        string(unsdata.ConnectionEventStream),
		Now:           time.Now(),
	}, payload)
	s.emit(points)
}

func (s *Session) emit(points []unsdata.DataPoint) {
	ctx := context.Background()
	for _, p := range points {
		s.bus.Publish(ctx, &eventbus.TopicDataUpdated{Point: p})
	}
	pointsIngested.Add(float64(len(points)))
}
