/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package export

import (
	"context"
	"testing"
	"time"

	"github.com/fgrosse/zaptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uns/common/hierpath"
	"uns/common/unsdata"
	"uns/uns_common/connmgr"
	"uns/uns_common/sparkplug"
	"uns/uns_common/store"
)

func newDataExporter(t *testing.T, output unsdata.OutputConfiguration) *DataExporter {
	slog := zaptest.Logger(t).Sugar()
	pool := connmgr.New(slog, store.NewMemConnectionStore(), nil)
	e, err := NewDataExporter(slog, pool, store.NewMemTopicStore(),
		store.NewMemRealtimeStore(), sparkplug.NopCodec{}, "c1", output)
	require.NoError(t, err)
	return e
}

func dataOutput(data *unsdata.DataExportConfig) unsdata.OutputConfiguration {
	return unsdata.OutputConfiguration{
		ID:      "o1",
		Name:    "downstream",
		Type:    unsdata.OutputData,
		Data:    data,
		Enabled: true,
	}
}

type publishCall struct {
	topic   string
	payload string
	qos     byte
	retain  bool
}

// publishRecorder stands in for a broker connection and captures
// everything the exporter sends.
type publishRecorder struct {
	calls []publishCall
}

func (p *publishRecorder) Publish(ctx context.Context, topic string,
	payload []byte, qos byte, retain bool) error {
	p.calls = append(p.calls, publishCall{topic, string(payload), qos, retain})
	return nil
}

// sweepHarness wires a data exporter to memory stores and a recording
// connection so sweeps can be driven directly.
func sweepHarness(t *testing.T, output unsdata.OutputConfiguration) (
	*DataExporter, *store.MemTopicStore, *store.MemRealtimeStore, *publishRecorder) {

	slog := zaptest.Logger(t).Sugar()
	pool := connmgr.New(slog, store.NewMemConnectionStore(), nil)
	topics := store.NewMemTopicStore()
	values := store.NewMemRealtimeStore()
	e, err := NewDataExporter(slog, pool, topics, values,
		sparkplug.NopCodec{}, "c1", output)
	require.NoError(t, err)
	rec := &publishRecorder{}
	e.conn = rec
	return e, topics, values, rec
}

func TestSweepPublishOnChange(t *testing.T) {
	ctx := context.Background()
	out := dataOutput(&unsdata.DataExportConfig{
		PublishOnChange: true,
		DataFormat:      unsdata.FormatRaw,
	})
	out.QoS = 1
	e, topics, values, rec := sweepHarness(t, out)

	require.NoError(t, topics.Save(ctx, &unsdata.TopicConfiguration{
		Topic: "raw/temp", IsActive: true,
	}))
	require.NoError(t, values.Put(ctx, unsdata.DataPoint{
		Topic: "raw/temp", Value: unsdata.FloatValue(21.5),
		Timestamp: time.Now(),
	}))

	require.NoError(t, e.sweep())
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "raw/temp", rec.calls[0].topic)
	assert.Equal(t, "21.5", rec.calls[0].payload)
	assert.Equal(t, byte(1), rec.calls[0].qos)
	assert.False(t, rec.calls[0].retain)

	// The unchanged value is suppressed on the next sweep.
	require.NoError(t, e.sweep())
	assert.Len(t, rec.calls, 1)

	// A fresh value publishes again.
	require.NoError(t, values.Put(ctx, unsdata.DataPoint{
		Topic: "raw/temp", Value: unsdata.FloatValue(22.0),
		Timestamp: time.Now(),
	}))
	require.NoError(t, e.sweep())
	require.Len(t, rec.calls, 2)
	assert.Equal(t, "22", rec.calls[1].payload)
}

func TestSweepMinInterval(t *testing.T) {
	ctx := context.Background()
	e, topics, values, rec := sweepHarness(t, dataOutput(&unsdata.DataExportConfig{
		MinPublishIntervalMs: 60000,
		DataFormat:           unsdata.FormatRaw,
	}))

	require.NoError(t, topics.Save(ctx, &unsdata.TopicConfiguration{
		Topic: "raw/temp", IsActive: true,
	}))
	require.NoError(t, values.Put(ctx, unsdata.DataPoint{
		Topic: "raw/temp", Value: unsdata.FloatValue(1),
		Timestamp: time.Now(),
	}))
	require.NoError(t, e.sweep())
	require.Len(t, rec.calls, 1)

	// A changed value inside the interval stays queued.
	require.NoError(t, values.Put(ctx, unsdata.DataPoint{
		Topic: "raw/temp", Value: unsdata.FloatValue(2),
		Timestamp: time.Now(),
	}))
	require.NoError(t, e.sweep())
	assert.Len(t, rec.calls, 1)

	// Once the interval has elapsed it goes out.
	prev := e.last["raw/temp"]
	prev.at = prev.at.Add(-2 * time.Minute)
	e.last["raw/temp"] = prev
	require.NoError(t, e.sweep())
	assert.Len(t, rec.calls, 2)
}

func TestSweepMaxAge(t *testing.T) {
	ctx := context.Background()
	e, topics, values, rec := sweepHarness(t, dataOutput(&unsdata.DataExportConfig{
		MaxDataAgeMinutes: 5,
		DataFormat:        unsdata.FormatRaw,
	}))

	require.NoError(t, topics.Save(ctx, &unsdata.TopicConfiguration{
		Topic: "raw/temp", IsActive: true,
	}))
	require.NoError(t, values.Put(ctx, unsdata.DataPoint{
		Topic: "raw/temp", Value: unsdata.FloatValue(1),
		Timestamp: time.Now().Add(-10 * time.Minute),
	}))

	// A stale value is skipped entirely.
	require.NoError(t, e.sweep())
	assert.Empty(t, rec.calls)

	require.NoError(t, values.Put(ctx, unsdata.DataPoint{
		Topic: "raw/temp", Value: unsdata.FloatValue(1),
		Timestamp: time.Now(),
	}))
	require.NoError(t, e.sweep())
	assert.Len(t, rec.calls, 1)
}

func TestSweepSkipsInactive(t *testing.T) {
	ctx := context.Background()
	e, topics, values, rec := sweepHarness(t, dataOutput(&unsdata.DataExportConfig{
		DataFormat: unsdata.FormatRaw,
	}))

	require.NoError(t, topics.Save(ctx, &unsdata.TopicConfiguration{
		Topic: "raw/temp", IsActive: false,
	}))
	require.NoError(t, values.Put(ctx, unsdata.DataPoint{
		Topic: "raw/temp", Value: unsdata.FloatValue(1),
		Timestamp: time.Now(),
	}))
	require.NoError(t, e.sweep())
	assert.Empty(t, rec.calls)
}

func TestNewDataExporterRequiresDataConfig(t *testing.T) {
	slog := zaptest.Logger(t).Sugar()
	pool := connmgr.New(slog, store.NewMemConnectionStore(), nil)
	_, err := NewDataExporter(slog, pool, store.NewMemTopicStore(),
		store.NewMemRealtimeStore(), nil, "c1",
		unsdata.OutputConfiguration{ID: "o1"})
	assert.Error(t, err)
}

func TestCompileFilter(t *testing.T) {
	assert.True(t, compileFilter("plant/+/temp").MatchString("plant/line1/temp"))
	assert.False(t, compileFilter("plant/+/temp").MatchString("plant/line1/cell2/temp"))

	assert.True(t, compileFilter("plant/#").MatchString("plant/line1/cell2/temp"))
	assert.True(t, compileFilter("#").MatchString("anything/at/all"))

	assert.True(t, compileFilter("plant/line*/temp").MatchString("plant/line12/temp"))
	assert.False(t, compileFilter("plant/line*/temp").MatchString("plant/line1/a/temp"))

	// Regex metacharacters in the filter are literal.
	assert.True(t, compileFilter("a.b/c").MatchString("a.b/c"))
	assert.False(t, compileFilter("a.b/c").MatchString("aXb/c"))
}

func TestEligible(t *testing.T) {
	e := newDataExporter(t, dataOutput(&unsdata.DataExportConfig{
		TopicFilter:     []string{"raw/#"},
		NamespaceFilter: []string{"dallas"},
	}))

	assert.True(t, e.eligible(&unsdata.TopicConfiguration{
		Topic: "raw/temp", NSPath: "acme/Dallas/line1",
	}))
	assert.False(t, e.eligible(&unsdata.TopicConfiguration{
		Topic: "other/temp", NSPath: "acme/dallas/line1",
	}))
	assert.False(t, e.eligible(&unsdata.TopicConfiguration{
		Topic: "raw/temp", NSPath: "acme/austin/line1",
	}))

	// No filters admits everything.
	open := newDataExporter(t, dataOutput(&unsdata.DataExportConfig{}))
	assert.True(t, open.eligible(&unsdata.TopicConfiguration{Topic: "x"}))
}

func TestOutboundTopic(t *testing.T) {
	hier := hierpath.DefaultConfiguration()
	path := hierpath.FromPath(hier, "acme/dallas/line1/temp")

	raw := newDataExporter(t, dataOutput(&unsdata.DataExportConfig{}))
	assert.Equal(t, "raw/line1/temp", raw.outboundTopic(
		&unsdata.TopicConfiguration{Topic: "raw/line1/temp", Path: path}))

	uns := dataOutput(&unsdata.DataExportConfig{UseUNSPathAsTopic: true})
	uns.TopicPrefix = "uns/v1/"
	e := newDataExporter(t, uns)

	assert.Equal(t, "uns/v1/acme/dallas/line1/temp", e.outboundTopic(
		&unsdata.TopicConfiguration{Topic: "raw/line1/temp", Path: path}))

	// Without a hierarchy path the namespace path plus name is used.
	assert.Equal(t, "uns/v1/acme/kpis/oee", e.outboundTopic(
		&unsdata.TopicConfiguration{
			Topic: "raw/oee", NSPath: "acme/kpis", UNSName: "oee",
		}))

	// With neither, the raw topic passes through under the prefix.
	assert.Equal(t, "uns/v1/raw/oee", e.outboundTopic(
		&unsdata.TopicConfiguration{Topic: "raw/oee"}))
}

func TestEncodeRaw(t *testing.T) {
	e := newDataExporter(t, dataOutput(&unsdata.DataExportConfig{
		DataFormat: unsdata.FormatRaw,
	}))
	payload, err := e.encode(&unsdata.DataPoint{
		Value: unsdata.FloatValue(21.5),
	})
	require.NoError(t, err)
	assert.Equal(t, "21.5", string(payload))
}

func TestEncodeJSON(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := newDataExporter(t, dataOutput(&unsdata.DataExportConfig{
		DataFormat:       unsdata.FormatJSON,
		IncludeTimestamp: true,
		IncludeQuality:   true,
	}))
	payload, err := e.encode(&unsdata.DataPoint{
		Value:     unsdata.IntValue(42),
		Timestamp: ts,
		Source:    "mqtt",
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"value": 42, "timestamp": "2024-03-01T12:00:00Z", "quality": "Good", "source": "mqtt"}`,
		string(payload))

	bare := newDataExporter(t, dataOutput(&unsdata.DataExportConfig{
		DataFormat: unsdata.FormatJSON,
	}))
	payload, err = bare.encode(&unsdata.DataPoint{Value: unsdata.IntValue(42)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value": 42}`, string(payload))
}

func TestEncodeSparkplugFallsBackToJSON(t *testing.T) {
	// The nop codec reports no codec; the exporter degrades to JSON.
	e := newDataExporter(t, dataOutput(&unsdata.DataExportConfig{
		DataFormat: unsdata.FormatSparkplugB,
	}))
	payload, err := e.encode(&unsdata.DataPoint{Value: unsdata.BoolValue(true)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value": true}`, string(payload))
}
