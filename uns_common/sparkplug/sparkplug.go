/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package sparkplug declares the interfaces to the Sparkplug B wire
// codec, which the broker treats as an external collaborator: decoded
// data points are forwarded onto the bus unchanged, and the export
// engine defers to the encoder (falling back to JSON on failure).
package sparkplug

import (
	"strings"

	"github.com/pkg/errors"

	"uns/common/unsdata"
)

// TopicPrefix marks a Sparkplug B topic, matched case-insensitively.
const TopicPrefix = "spBv1.0/"

// IsSparkplugTopic reports whether the topic carries a Sparkplug B
// payload and must bypass the default decomposer.
func IsSparkplugTopic(topic string) bool {
	return len(topic) >= len(TopicPrefix) &&
		strings.EqualFold(topic[:len(TopicPrefix)], TopicPrefix)
}

// Decoder turns one Sparkplug B message into data points.
type Decoder interface {
	Decode(topic string, payload []byte) ([]unsdata.DataPoint, error)
}

// Encoder renders one data point as a Sparkplug B payload.
type Encoder interface {
	Encode(point unsdata.DataPoint) ([]byte, error)
}

// ErrNoCodec is returned by the nop codec wired in when no Sparkplug
// implementation has been registered.
var ErrNoCodec = errors.New("no sparkplug codec registered")

// NopCodec satisfies Decoder and Encoder without doing either; decoded
// messages vanish with a logged error at the call site.
type NopCodec struct{}

// Decode implements Decoder.
func (NopCodec) Decode(topic string, payload []byte) ([]unsdata.DataPoint, error) {
	return nil, ErrNoCodec
}

// Encode implements Encoder.
func (NopCodec) Encode(point unsdata.DataPoint) ([]byte, error) {
	return nil, ErrNoCodec
}
