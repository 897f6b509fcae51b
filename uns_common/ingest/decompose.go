/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"uns/common/unsdata"
)

// Unix-seconds timestamps larger than this are taken to be
// milliseconds.
const maxUnixSeconds = int64(1e12)

type nodeKind int

const (
	nodeScalar nodeKind = iota
	nodeObject
	nodeArray
)

// jsonNode is one node of a decoded payload, preserving object key
// order so that data points derived from the same payload retain
// document order.
type jsonNode struct {
	kind     nodeKind
	value    unsdata.Value
	keys     []string
	children map[string]*jsonNode
	items    []*jsonNode
}

func parsePayload(payload []byte) (*jsonNode, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	node, err := parseNode(dec)
	if err != nil {
		return nil, err
	}
	return node, nil
}

func parseNode(dec *json.Decoder) (*jsonNode, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return parseToken(dec, tok)
}

func parseToken(dec *json.Decoder, tok json.Token) (*jsonNode, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			node := &jsonNode{
				kind:     nodeObject,
				children: make(map[string]*jsonNode),
			}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("non-string object key %v", keyTok)
				}
				child, err := parseNode(dec)
				if err != nil {
					return nil, err
				}
				if _, dup := node.children[key]; !dup {
					node.keys = append(node.keys, key)
				}
				node.children[key] = child
			}
			// Consume the closing '}'.
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return node, nil
		case '[':
			node := &jsonNode{kind: nodeArray}
			for dec.More() {
				item, err := parseNode(dec)
				if err != nil {
					return nil, err
				}
				node.items = append(node.items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return node, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case nil:
		return &jsonNode{kind: nodeScalar, value: unsdata.NullValue()}, nil
	case bool:
		return &jsonNode{kind: nodeScalar, value: unsdata.BoolValue(t)}, nil
	case string:
		return &jsonNode{kind: nodeScalar, value: unsdata.StringValue(t)}, nil
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return &jsonNode{kind: nodeScalar, value: unsdata.IntValue(i)}, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return &jsonNode{kind: nodeScalar, value: unsdata.FloatValue(f)}, nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// envelope returns the value and timestamp nodes when the object has
// exactly two members named (case-insensitively) "value" and
// "timestamp".
func (n *jsonNode) envelope() (*jsonNode, *jsonNode, bool) {
	if n.kind != nodeObject || len(n.keys) != 2 {
		return nil, nil, false
	}
	var valNode, tsNode *jsonNode
	for _, key := range n.keys {
		switch strings.ToLower(key) {
		case "value":
			valNode = n.children[key]
		case "timestamp":
			tsNode = n.children[key]
		}
	}
	if valNode == nil || tsNode == nil {
		return nil, nil, false
	}
	return valNode, tsNode, true
}

// parseTimestamp interprets an envelope timestamp: ISO-8601 text, or a
// number in Unix seconds (milliseconds when too large to be seconds).
func parseTimestamp(node *jsonNode, fallback time.Time) time.Time {
	if node == nil || node.kind != nodeScalar {
		return fallback
	}
	switch node.value.Kind() {
	case unsdata.KindString:
		s := node.value.Str()
		for _, layout := range []string{
			time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05",
		} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	case unsdata.KindInt:
		i := node.value.Int()
		if i <= maxUnixSeconds {
			return time.Unix(i, 0).UTC()
		}
		return time.Unix(i/1000, (i%1000)*int64(time.Millisecond)).UTC()
	case unsdata.KindFloat:
		f := node.value.Float()
		if int64(f) <= maxUnixSeconds {
			sec := int64(f)
			return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
		}
		ms := int64(f)
		return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
	}
	return fallback
}

// Options configures one decomposition run.
type Options struct {
	// BaseTopicPath and EventName form the topic prefix of every
	// emitted point.
	BaseTopicPath string
	EventName     string
	// Connection names the ingress connection for point metadata.
	Connection string
	// Source identifies the source type (e.g. "mqtt", "eventstream").
	Source string
	// Now is the wall-clock timestamp assigned to points without an
	// envelope timestamp.
	Now time.Time
}

// Decompose walks a nested payload depth-first and emits one data point
// per leaf.  An object of exactly two members named value/timestamp is
// itself a leaf carrying the envelope's timestamp.  A payload that is
// not JSON yields a single raw-bytes point on the base topic.
func Decompose(opts Options, payload []byte) []unsdata.DataPoint {
	prefix := splitSegments(opts.BaseTopicPath)
	if opts.EventName != "" {
		prefix = append(prefix, splitSegments(opts.EventName)...)
	}

	root, err := parsePayload(payload)
	if err != nil {
		point := newPoint(opts, strings.Join(prefix, "/"),
			unsdata.BytesValue(payload), opts.Now, false)
		return []unsdata.DataPoint{point}
	}

	// Root-level properties already present in the prefix are skipped
	// to avoid Enterprise/Enterprise/... duplication.
	known := make(map[string]bool, len(prefix))
	for _, seg := range prefix {
		known[strings.ToLower(seg)] = true
	}

	out := make([]unsdata.DataPoint, 0)
	var walk func(node *jsonNode, segs []string, atRoot bool)
	walk = func(node *jsonNode, segs []string, atRoot bool) {
		if valNode, tsNode, ok := node.envelope(); ok {
			val := envelopeValue(valNode)
			ts := parseTimestamp(tsNode, opts.Now)
			out = append(out, newPoint(opts, joinTopic(prefix, segs), val, ts, true))
			return
		}
		switch node.kind {
		case nodeScalar:
			out = append(out, newPoint(opts, joinTopic(prefix, segs),
				node.value, opts.Now, false))
		case nodeObject:
			for _, key := range node.keys {
				child := node.children[key]
				if atRoot && known[strings.ToLower(key)] {
					walk(child, segs, false)
					continue
				}
				walk(child, append(segs, key), false)
			}
		case nodeArray:
			for i, item := range node.items {
				walk(item, append(segs, "["+strconv.Itoa(i)+"]"), false)
			}
		}
	}
	walk(root, nil, true)
	return out
}

func envelopeValue(node *jsonNode) unsdata.Value {
	if node.kind == nodeScalar {
		return node.value
	}
	// A structured "value" member is carried as its JSON rendering.
	raw, err := json.Marshal(node.export())
	if err != nil {
		return unsdata.NullValue()
	}
	return unsdata.BytesValue(raw)
}

// export rebuilds the generic JSON form of a node, losing key order but
// preserving content.
func (n *jsonNode) export() interface{} {
	switch n.kind {
	case nodeScalar:
		return n.value
	case nodeArray:
		items := make([]interface{}, 0, len(n.items))
		for _, item := range n.items {
			items = append(items, item.export())
		}
		return items
	}
	obj := make(map[string]interface{}, len(n.keys))
	for _, key := range n.keys {
		obj[key] = n.children[key].export()
	}
	return obj
}

func splitSegments(s string) []string {
	out := make([]string, 0)
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func joinTopic(prefix, segs []string) string {
	all := make([]string, 0, len(prefix)+len(segs))
	all = append(all, prefix...)
	all = append(all, segs...)
	return strings.Join(all, "/")
}

func newPoint(opts Options, topic string, val unsdata.Value, ts time.Time, envelope bool) unsdata.DataPoint {
	return unsdata.DataPoint{
		Topic:     topic,
		Value:     val,
		Timestamp: ts,
		Source:    opts.Source,
		Metadata: map[string]string{
			unsdata.MetaConnection: opts.Connection,
			unsdata.MetaEvent:      opts.EventName,
			unsdata.MetaValueKind:  val.Kind().String(),
			unsdata.MetaEnvelope:   strconv.FormatBool(envelope),
		},
	}
}
