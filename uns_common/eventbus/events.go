/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package eventbus

import (
	"time"

	"github.com/satori/uuid"

	"uns/common/unsdata"
)

// Kind names one event type on the bus.
type Kind string

// The event kinds published by the broker's components.
const (
	KindTopicAdded                Kind = "topic.added"
	KindTopicDataUpdated          Kind = "topic.data-updated"
	KindTopicVerified             Kind = "topic.verified"
	KindTopicConfigurationUpdated Kind = "topic.configuration-updated"
	KindBulkTopicsAdded           Kind = "topic.bulk-added"
	KindTopicAutoMapped           Kind = "topic.auto-mapped"
	KindTopicAutoMappingFailed    Kind = "topic.auto-mapping-failed"
	KindNamespaceStructureChanged Kind = "namespace.structure-changed"
	KindTopicStructureChanged     Kind = "topic.structure-changed"
)

// Meta carries the fields common to every event.  The bus fills in
// zero-valued ids and timestamps at publish time.
type Meta struct {
	EventID   uuid.UUID
	Timestamp time.Time
}

// EventMeta returns the event's shared fields; embedding Meta satisfies
// the Event interface's accessor.  The method is not named Meta because
// the embedded field of that name would shadow it on every event struct.
func (m *Meta) EventMeta() *Meta {
	return m
}

// Event is the interface satisfied by every bus event.
type Event interface {
	Kind() Kind
	EventMeta() *Meta
}

// TopicAdded announces the first sighting of a topic.
type TopicAdded struct {
	Meta
	Config *unsdata.TopicConfiguration
}

// Kind implements Event.
func (*TopicAdded) Kind() Kind { return KindTopicAdded }

// TopicDataUpdated carries one ingested data point.
type TopicDataUpdated struct {
	Meta
	Point unsdata.DataPoint
}

// Kind implements Event.
func (*TopicDataUpdated) Kind() Kind { return KindTopicDataUpdated }

// TopicVerified announces a human promotion of a topic configuration.
type TopicVerified struct {
	Meta
	Topic      string
	VerifiedBy string
}

// Kind implements Event.
func (*TopicVerified) Kind() Kind { return KindTopicVerified }

// TopicConfigurationUpdated announces a change to a stored topic
// configuration.
type TopicConfigurationUpdated struct {
	Meta
	Config *unsdata.TopicConfiguration
}

// Kind implements Event.
func (*TopicConfigurationUpdated) Kind() Kind { return KindTopicConfigurationUpdated }

// BulkTopicsAdded announces a batch import of topics.
type BulkTopicsAdded struct {
	Meta
	Topics []string
}

// Kind implements Event.
func (*BulkTopicsAdded) Kind() Kind { return KindBulkTopicsAdded }

// TopicAutoMapped announces a successful auto-mapping.
type TopicAutoMapped struct {
	Meta
	Config     *unsdata.TopicConfiguration
	Confidence float64
}

// Kind implements Event.
func (*TopicAutoMapped) Kind() Kind { return KindTopicAutoMapped }

// TopicAutoMappingFailed announces a mapping attempt that produced no
// persisted configuration.
type TopicAutoMappingFailed struct {
	Meta
	Topic  string
	Reason string
}

// Kind implements Event.
func (*TopicAutoMappingFailed) Kind() Kind { return KindTopicAutoMappingFailed }

// StructureChangeType categorizes a namespace-tree mutation.
type StructureChangeType string

// Namespace structure change types.
const (
	StructureAdded   StructureChangeType = "added"
	StructureUpdated StructureChangeType = "updated"
	StructureDeleted StructureChangeType = "deleted"
)

// NamespaceStructureChanged announces a mutation of the namespace tree.
type NamespaceStructureChanged struct {
	Meta
	ChangeType StructureChangeType
	NodeID     string
	Path       string
}

// Kind implements Event.
func (*NamespaceStructureChanged) Kind() Kind { return KindNamespaceStructureChanged }

// TopicChangeType categorizes a topic-projection change, ordered from
// most to least specific.
type TopicChangeType int

// Topic structure change types, smallest (most specific) first.
const (
	TopicsAdded TopicChangeType = iota
	TopicsUpdated
	TopicsRemoved
	NamespaceChanged
	TopicsAutoMapped
	FullRefresh
)

func (t TopicChangeType) String() string {
	switch t {
	case TopicsAdded:
		return "topics-added"
	case TopicsUpdated:
		return "topics-updated"
	case TopicsRemoved:
		return "topics-removed"
	case NamespaceChanged:
		return "namespace-changed"
	case TopicsAutoMapped:
		return "topics-auto-mapped"
	case FullRefresh:
		return "full-refresh"
	}
	return "unknown"
}

// TopicStructureChanged is the coalesced notification consumed by the
// UI facades.
type TopicStructureChanged struct {
	Meta
	ChangeType TopicChangeType
}

// Kind implements Event.
func (*TopicStructureChanged) Kind() Kind { return KindTopicStructureChanged }
