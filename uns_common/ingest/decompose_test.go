/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uns/common/unsdata"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func opts() Options {
	return Options{
		BaseTopicPath: "plant/line1",
		EventName:     "sensors",
		Connection:    "plant broker",
		Source:        "mqtt",
		Now:           testNow,
	}
}

func topics(points []unsdata.DataPoint) []string {
	out := make([]string, 0, len(points))
	for _, p := range points {
		out = append(out, p.Topic)
	}
	return out
}

func TestDecomposeNested(t *testing.T) {
	payload := []byte(`{
		"motor": {"rpm": 1480, "temp": 66.5},
		"status": "running"
	}`)
	points := Decompose(opts(), payload)

	require.Len(t, points, 3)
	assert.Equal(t, []string{
		"plant/line1/sensors/motor/rpm",
		"plant/line1/sensors/motor/temp",
		"plant/line1/sensors/status",
	}, topics(points))

	assert.Equal(t, int64(1480), points[0].Value.Int())
	assert.Equal(t, 66.5, points[1].Value.Float())
	assert.Equal(t, "running", points[2].Value.Str())
	for _, p := range points {
		assert.Equal(t, testNow, p.Timestamp)
		assert.Equal(t, "plant broker", p.Metadata[unsdata.MetaConnection])
		assert.Equal(t, "sensors", p.Metadata[unsdata.MetaEvent])
	}
}

func TestDecomposePreservesDocumentOrder(t *testing.T) {
	payload := []byte(`{"z": 1, "a": 2, "m": {"q": 3, "b": 4}}`)
	points := Decompose(opts(), payload)

	assert.Equal(t, []string{
		"plant/line1/sensors/z",
		"plant/line1/sensors/a",
		"plant/line1/sensors/m/q",
		"plant/line1/sensors/m/b",
	}, topics(points))
}

func TestDecomposeEnvelope(t *testing.T) {
	payload := []byte(`{
		"temp": {"value": 21.5, "timestamp": 1709290800},
		"humidity": {"Value": 40, "Timestamp": 1709290800000}
	}`)
	points := Decompose(opts(), payload)

	// An envelope is one leaf, not two.
	require.Len(t, points, 2)

	want := time.Unix(1709290800, 0).UTC()
	assert.Equal(t, "plant/line1/sensors/temp", points[0].Topic)
	assert.Equal(t, 21.5, points[0].Value.Float())
	assert.Equal(t, want, points[0].Timestamp)
	assert.Equal(t, "true", points[0].Metadata[unsdata.MetaEnvelope])

	// Millisecond timestamps land on the same instant, and envelope
	// member names match case-insensitively.
	assert.Equal(t, want, points[1].Timestamp)
}

func TestDecomposeEnvelopeNeedsExactShape(t *testing.T) {
	// Three members is not an envelope; the object decomposes.
	payload := []byte(`{"x": {"value": 1, "timestamp": 2, "unit": "C"}}`)
	points := Decompose(opts(), payload)
	assert.Equal(t, []string{
		"plant/line1/sensors/x/value",
		"plant/line1/sensors/x/timestamp",
		"plant/line1/sensors/x/unit",
	}, topics(points))

	// Two members with the wrong names is not an envelope either.
	payload = []byte(`{"x": {"value": 1, "quality": 2}}`)
	points = Decompose(opts(), payload)
	assert.Len(t, points, 2)
	for _, p := range points {
		assert.Equal(t, "false", p.Metadata[unsdata.MetaEnvelope])
	}
}

func TestDecomposeEnvelopeAtRoot(t *testing.T) {
	payload := []byte(`{"value": 7, "timestamp": "2024-03-01T10:30:00Z"}`)
	points := Decompose(opts(), payload)

	require.Len(t, points, 1)
	assert.Equal(t, "plant/line1/sensors", points[0].Topic)
	assert.Equal(t, int64(7), points[0].Value.Int())
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		points[0].Timestamp)
}

func TestDecomposeStructuredEnvelopeValue(t *testing.T) {
	payload := []byte(`{"batch": {"value": {"id": 9, "lot": "A"}, "timestamp": 1709290800}}`)
	points := Decompose(opts(), payload)

	require.Len(t, points, 1)
	assert.Equal(t, "plant/line1/sensors/batch", points[0].Topic)
	assert.Equal(t, unsdata.KindBytes, points[0].Value.Kind())
	assert.JSONEq(t, `{"id": 9, "lot": "A"}`, string(points[0].Value.Bytes()))
}

func TestDecomposeRootDuplicationSuppressed(t *testing.T) {
	// A root member that repeats a prefix segment adds no topic level.
	payload := []byte(`{"sensors": {"temp": 20}, "Line1": {"speed": 3}}`)
	points := Decompose(opts(), payload)

	assert.Equal(t, []string{
		"plant/line1/sensors/temp",
		"plant/line1/sensors/speed",
	}, topics(points))
}

func TestDecomposeArrays(t *testing.T) {
	payload := []byte(`{"cells": [10, 20, {"v": 30}]}`)
	points := Decompose(opts(), payload)

	assert.Equal(t, []string{
		"plant/line1/sensors/cells/[0]",
		"plant/line1/sensors/cells/[1]",
		"plant/line1/sensors/cells/[2]/v",
	}, topics(points))
}

func TestDecomposeNonJSON(t *testing.T) {
	payload := []byte("\x00\x01 not json")
	points := Decompose(opts(), payload)

	require.Len(t, points, 1)
	assert.Equal(t, "plant/line1/sensors", points[0].Topic)
	assert.Equal(t, unsdata.KindBytes, points[0].Value.Kind())
	assert.Equal(t, payload, points[0].Value.Bytes())
	assert.Equal(t, testNow, points[0].Timestamp)
}

func TestDecomposeBareScalar(t *testing.T) {
	points := Decompose(opts(), []byte(`21.5`))
	require.Len(t, points, 1)
	assert.Equal(t, "plant/line1/sensors", points[0].Topic)
	assert.Equal(t, 21.5, points[0].Value.Float())
}

func TestDecomposeNullLeaf(t *testing.T) {
	points := Decompose(opts(), []byte(`{"x": null}`))
	require.Len(t, points, 1)
	assert.True(t, points[0].Value.IsNull())
}

func TestDecomposeUnicodeKeys(t *testing.T) {
	// \u-escapes in keys decode to their UTF-8 form.
	points := Decompose(opts(), []byte(`{"température": 20}`))
	require.Len(t, points, 1)
	assert.Equal(t, "plant/line1/sensors/température", points[0].Topic)
}

func TestParseTimestampText(t *testing.T) {
	node := &jsonNode{kind: nodeScalar,
		value: unsdata.StringValue("2024-03-01T10:30:00.250Z")}
	got := parseTimestamp(node, testNow)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 250000000, time.UTC), got)

	// Seconds-precision local form.
	node = &jsonNode{kind: nodeScalar,
		value: unsdata.StringValue("2024-03-01T10:30:00")}
	got = parseTimestamp(node, testNow)
	assert.Equal(t, 2024, got.Year())

	// Garbage falls back.
	node = &jsonNode{kind: nodeScalar, value: unsdata.StringValue("nope")}
	assert.Equal(t, testNow, parseTimestamp(node, testNow))
}
