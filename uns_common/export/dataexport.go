/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package export publishes namespace data and structure to downstream
// MQTT consumers.  The data engine is change-detected and rate-limited;
// the model engine republishes the structure document on a timer.
package export

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/satori/uuid"
	"go.uber.org/zap"

	"uns/common/unsdata"
	"uns/uns_common/connmgr"
	"uns/uns_common/sparkplug"
	"uns/uns_common/store"
)

const (
	pollInterval = time.Second
	errorBackoff = 5 * time.Second
	stopTimeout  = 10 * time.Second
)

// publisher is the slice of connmgr.Conn the export engines need.
type publisher interface {
	Publish(ctx context.Context, topic string, payload []byte,
		qos byte, retain bool) error
}

type published struct {
	value unsdata.Value
	at    time.Time
}

// DataExporter drives one data output on one connection.  All state
// lives on the single poll goroutine, so no locking is needed.
type DataExporter struct {
	slog       *zap.SugaredLogger
	pool       *connmgr.Manager
	topics     store.TopicStore
	values     store.RealtimeValueStore
	encoder    sparkplug.Encoder
	connID     string
	output     unsdata.OutputConfiguration
	consumerID string

	filters []*regexp.Regexp
	last    map[string]published

	conn publisher
	stop chan struct{}
	done chan struct{}
}

// NewDataExporter builds an exporter for one output configuration on
// the named connection.  output.Data must be set.
func NewDataExporter(slog *zap.SugaredLogger, pool *connmgr.Manager,
	topics store.TopicStore, values store.RealtimeValueStore,
	encoder sparkplug.Encoder, connID string,
	output unsdata.OutputConfiguration) (*DataExporter, error) {

	if output.Data == nil {
		return nil, errors.Errorf("output %s has no data config", output.ID)
	}
	e := &DataExporter{
		slog:       slog,
		pool:       pool,
		topics:     topics,
		values:     values,
		encoder:    encoder,
		connID:     connID,
		output:     output,
		consumerID: connmgr.ConsumerID("DataExport", uuid.NewV4().String()),
		last:       make(map[string]published),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, pat := range output.Data.TopicFilter {
		e.filters = append(e.filters, compileFilter(pat))
	}
	return e, nil
}

// compileFilter turns an MQTT-style filter ('+' one level, '#' rest of
// topic, '*' glob within a level) into an anchored regex.
func compileFilter(pat string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pat {
		switch r {
		case '+':
			b.WriteString("[^/]+")
		case '#':
			b.WriteString(".*")
		case '*':
			b.WriteString("[^/]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// Start acquires the connection and launches the poll loop.
func (e *DataExporter) Start(ctx context.Context) error {
	conn, err := e.pool.Acquire(ctx, e.connID, e.consumerID)
	if err != nil {
		return errors.Wrapf(err, "acquiring connection %s", e.connID)
	}
	e.conn = conn
	go e.run()
	e.slog.Infof("data export %s started on %s", e.output.Name, e.connID)
	return nil
}

// Stop halts the loop and releases the connection.
func (e *DataExporter) Stop(ctx context.Context) {
	close(e.stop)
	select {
	case <-e.done:
	case <-time.After(stopTimeout):
		e.slog.Warnf("data export %s slow to stop", e.output.Name)
	}
	e.pool.Release(e.connID, e.consumerID)
	e.slog.Infof("data export %s stopped", e.output.Name)
}

func (e *DataExporter) run() {
	defer close(e.done)
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-tick.C:
			if err := e.sweep(); err != nil {
				exportErrors.Inc()
				e.slog.Warnf("data export %s: %v", e.output.Name, err)
				select {
				case <-e.stop:
					return
				case <-time.After(errorBackoff):
				}
			}
		}
	}
}

// sweep publishes every eligible topic whose value changed since the
// last sweep.
func (e *DataExporter) sweep() error {
	ctx := context.Background()
	cfgs, err := e.topics.GetAll(ctx, false)
	if err != nil {
		return errors.Wrap(err, "loading topics")
	}
	now := time.Now()
	data := e.output.Data

	for _, tc := range cfgs {
		if !tc.IsActive || !e.eligible(tc) {
			continue
		}
		point, err := e.values.GetLatest(ctx, tc.Topic)
		if err != nil {
			if !store.IsNotFound(err) {
				e.slog.Debugf("latest %s: %v", tc.Topic, err)
			}
			continue
		}
		if data.MaxDataAgeMinutes > 0 {
			age := now.Sub(point.Timestamp)
			if age > time.Duration(data.MaxDataAgeMinutes)*time.Minute {
				continue
			}
		}
		prev, seen := e.last[tc.Topic]
		if data.PublishOnChange && seen && point.Value.Equal(prev.value) {
			suppressedUnchanged.Inc()
			continue
		}
		if data.MinPublishIntervalMs > 0 && seen {
			min := time.Duration(data.MinPublishIntervalMs) * time.Millisecond
			if now.Sub(prev.at) < min {
				suppressedRateLimit.Inc()
				continue
			}
		}
		if err := e.publish(ctx, tc, point); err != nil {
			return errors.Wrapf(err, "publishing %s", tc.Topic)
		}
		pointsPublished.Inc()
		e.last[tc.Topic] = published{value: point.Value, at: now}
	}
	return nil
}

// eligible applies the topic and namespace filters.  An empty filter
// list admits everything.
func (e *DataExporter) eligible(tc *unsdata.TopicConfiguration) bool {
	data := e.output.Data
	if len(e.filters) > 0 {
		ok := false
		for _, re := range e.filters {
			if re.MatchString(tc.Topic) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(data.NamespaceFilter) > 0 {
		ok := false
		for _, frag := range data.NamespaceFilter {
			if strings.Contains(strings.ToLower(tc.NSPath),
				strings.ToLower(frag)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (e *DataExporter) publish(ctx context.Context,
	tc *unsdata.TopicConfiguration, point *unsdata.DataPoint) error {

	topic := e.outboundTopic(tc)
	payload, err := e.encode(point)
	if err != nil {
		return err
	}
	return e.conn.Publish(ctx, topic, payload, e.output.QoS, e.output.Retain)
}

// outboundTopic picks the downstream topic: the namespace path when
// configured and known, otherwise the raw source topic.  The output's
// prefix is always prepended.
func (e *DataExporter) outboundTopic(tc *unsdata.TopicConfiguration) string {
	leaf := tc.Topic
	if e.output.Data.UseUNSPathAsTopic {
		switch {
		case tc.Path != nil && !tc.Path.IsEmpty():
			leaf = tc.Path.FullPath()
		case tc.NSPath != "":
			leaf = tc.NSPath
			if tc.UNSName != "" {
				leaf += "/" + tc.UNSName
			}
		}
	}
	if e.output.TopicPrefix == "" {
		return leaf
	}
	return strings.TrimRight(e.output.TopicPrefix, "/") + "/" + leaf
}

func (e *DataExporter) encode(point *unsdata.DataPoint) ([]byte, error) {

	data := e.output.Data
	switch data.DataFormat {
	case unsdata.FormatRaw:
		return []byte(point.Value.String()), nil
	case unsdata.FormatSparkplugB:
		if e.encoder != nil {
			payload, err := e.encoder.Encode(*point)
			if err == nil {
				return payload, nil
			}
			if err != sparkplug.ErrNoCodec {
				return nil, err
			}
		}
		// No codec available; fall through to JSON.
		fallthrough
	default:
		doc := map[string]interface{}{
			"value": point.Value,
		}
		if data.IncludeTimestamp {
			doc["timestamp"] = point.Timestamp.UTC().Format(time.RFC3339)
		}
		if data.IncludeQuality {
			doc["quality"] = "Good"
			doc["source"] = point.Source
		}
		return json.Marshal(doc)
	}
}
