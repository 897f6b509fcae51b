/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package unsdata defines the data model shared by the broker's
// components: ingested data points, durable topic configurations, and
// the connection/input/output configuration records that describe each
// broker attachment.
package unsdata

import (
	"time"

	"uns/common/hierpath"
)

// Metadata keys attached to data points by the ingress pipeline.
const (
	MetaConnection = "connection"
	MetaEvent      = "event"
	MetaValueKind  = "valueKind"
	MetaEnvelope   = "envelope"
)

// DataPoint is one ingested value on a raw source topic.  DataPoints
// are immutable once emitted.
type DataPoint struct {
	Topic     string
	Value     Value
	Timestamp time.Time
	Source    string
	Path      *hierpath.Path
	Metadata  map[string]string
}

// TopicConfiguration is the durable mapping from a raw source topic to
// its place in the unified namespace.
type TopicConfiguration struct {
	Topic      string
	SourceType string
	Path       *hierpath.Path
	UNSName    string
	NSPath     string
	IsVerified bool
	IsActive   bool
	CreatedAt  time.Time
	ModifiedAt time.Time
	CreatedBy  string
	Metadata   map[string]string
}

// ConnectionType discriminates the tagged connection-config variants.
type ConnectionType string

// Supported connection types.
const (
	ConnectionMQTT        ConnectionType = "mqtt"
	ConnectionEventStream ConnectionType = "eventstream"
)

// TLSConfig carries the transport-security settings for a broker
// connection.
type TLSConfig struct {
	Enabled            bool   `json:"enabled"`
	CAFile             string `json:"caFile,omitempty"`
	CertFile           string `json:"certFile,omitempty"`
	KeyFile            string `json:"keyFile,omitempty"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty"`
}

// LastWill describes the MQTT last-will message registered at connect.
type LastWill struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// MQTTConfig is the mqtt variant of a connection configuration.
type MQTTConfig struct {
	BrokerHost           string        `json:"brokerHost"`
	BrokerPort           int           `json:"brokerPort"`
	ClientID             string        `json:"clientId"`
	Username             string        `json:"username,omitempty"`
	Password             string        `json:"password,omitempty"`
	TLS                  TLSConfig     `json:"tls"`
	CleanSession         bool          `json:"cleanSession"`
	KeepAlive            time.Duration `json:"keepAlive"`
	Will                 *LastWill     `json:"will,omitempty"`
	AutoReconnect        bool          `json:"autoReconnect"`
	ReconnectDelay       time.Duration `json:"reconnectDelay"`
	ReconnectionAttempts int           `json:"reconnectionAttempts"`
}

// EventStreamConfig is the event-stream variant of a connection
// configuration, naming a stream server publishing JSON documents on
// named events.
type EventStreamConfig struct {
	ServerURL            string        `json:"serverUrl"`
	EnableReconnection   bool          `json:"enableReconnection"`
	ReconnectDelay       time.Duration `json:"reconnectDelay"`
	ReconnectionAttempts int           `json:"reconnectionAttempts"`
}

// AutoMapperConfig tunes the topic auto-mapper for one ingress
// connection.
type AutoMapperConfig struct {
	Enabled           bool          `json:"enabled"`
	MinimumConfidence float64       `json:"minimumConfidence"`
	StripPrefixes     []string      `json:"stripPrefixes,omitempty"`
	CaseSensitive     bool          `json:"caseSensitive"`
	Rules             []MappingRule `json:"rules,omitempty"`
}

// MappingRule is one user-defined (regex, path-template) pair.
// Templates may reference positional groups as {0},{1},... and named
// groups as {name}.
type MappingRule struct {
	Pattern      string `json:"pattern"`
	PathTemplate string `json:"pathTemplate"`
}

// InputConfiguration describes one logical ingress channel on a
// connection.
type InputConfiguration struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	TopicFilters  []string          `json:"topicFilters,omitempty"`
	EventNames    []string          `json:"eventNames,omitempty"`
	BaseTopicPath string            `json:"baseTopicPath,omitempty"`
	QoS           byte              `json:"qos"`
	AutoMapper    *AutoMapperConfig `json:"autoMapper,omitempty"`
	Enabled       bool              `json:"enabled"`
}

// OutputType selects which export engines an output drives.
type OutputType string

// Output types.
const (
	OutputData  OutputType = "data"
	OutputModel OutputType = "model"
	OutputBoth  OutputType = "both"
)

// DataFormat selects the wire encoding of exported values.
type DataFormat string

// Export payload formats.
const (
	FormatRaw        DataFormat = "raw"
	FormatJSON       DataFormat = "json"
	FormatSparkplugB DataFormat = "sparkplugb"
)

// DataExportConfig tunes the change-detected data export engine.
type DataExportConfig struct {
	PublishOnChange      bool       `json:"publishOnChange"`
	MinPublishIntervalMs int        `json:"minPublishIntervalMs"`
	MaxDataAgeMinutes    int        `json:"maxDataAgeMinutes"`
	DataFormat           DataFormat `json:"dataFormat"`
	IncludeTimestamp     bool       `json:"includeTimestamp"`
	IncludeQuality       bool       `json:"includeQuality"`
	UseUNSPathAsTopic    bool       `json:"useUnsPathAsTopic"`
	NamespaceFilter      []string   `json:"namespaceFilter,omitempty"`
	TopicFilter          []string   `json:"topicFilter,omitempty"`
}

// ModelExportConfig tunes the periodic namespace-model export engine.
type ModelExportConfig struct {
	RepublishIntervalMinutes int               `json:"republishIntervalMinutes"`
	ModelAttributeName       string            `json:"modelAttributeName"`
	NamespaceFilter          []string          `json:"namespaceFilter,omitempty"`
	HierarchyLevelFilter     []string          `json:"hierarchyLevelFilter,omitempty"`
	IncludeChildren          bool              `json:"includeChildren"`
	CustomFields             map[string]string `json:"customFields,omitempty"`
}

// OutputConfiguration describes one export attachment on a connection.
type OutputConfiguration struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Type        OutputType         `json:"type"`
	TopicPrefix string             `json:"topicPrefix,omitempty"`
	QoS         byte               `json:"qos"`
	Retain      bool               `json:"retain"`
	Data        *DataExportConfig  `json:"data,omitempty"`
	Model       *ModelExportConfig `json:"model,omitempty"`
	Enabled     bool               `json:"enabled"`
}

// ConnectionConfiguration owns the lifecycle of one physical broker
// connection and its abstract input/output records.  Exactly one of
// MQTT and EventStream is set, per Type.
type ConnectionConfiguration struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Type        ConnectionType        `json:"type"`
	MQTT        *MQTTConfig           `json:"mqtt,omitempty"`
	EventStream *EventStreamConfig    `json:"eventStream,omitempty"`
	Inputs      []InputConfiguration  `json:"inputs,omitempty"`
	Outputs     []OutputConfiguration `json:"outputs,omitempty"`
	Enabled     bool                  `json:"enabled"`
	AutoStart   bool                  `json:"autoStart"`
}
