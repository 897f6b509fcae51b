/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package browser serves a cached, read-only projection of the topic
// population and the namespace structure.  Change events from the bus
// are coalesced over a short window into a single downstream
// notification carrying the narrowest change type that covers
// everything seen in the window.
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"uns/common/nstree"
	"uns/common/unsdata"
	"uns/uns_common/eventbus"
	"uns/uns_common/store"
)

const (
	cacheSize      = 4096
	coalesceWindow = 250 * time.Millisecond

	structureKey = "\x00structure"
	allTopicsKey = "\x00topics"
)

// Browser is safe for concurrent readers.
type Browser struct {
	slog   *zap.SugaredLogger
	topics store.TopicStore
	tree   *nstree.Service
	bus    *eventbus.Bus
	cache  gcache.Cache

	mtx     sync.Mutex
	pending eventbus.TopicChangeType
	armed   bool
	timer   *time.Timer
}

// New builds a browser over the given stores.
func New(slog *zap.SugaredLogger, topics store.TopicStore,
	tree *nstree.Service, bus *eventbus.Bus) *Browser {

	return &Browser{
		slog:   slog,
		topics: topics,
		tree:   tree,
		bus:    bus,
		cache:  gcache.New(cacheSize).LFU().Build(),
	}
}

// Attach subscribes the browser to every event that can move the
// projection.
func (b *Browser) Attach() {
	sub := func(kind eventbus.Kind, change eventbus.TopicChangeType) {
		b.bus.Subscribe(kind, func(ctx context.Context, ev eventbus.Event) {
			b.invalidate(ev)
			b.note(change)
		})
	}
	sub(eventbus.KindTopicAdded, eventbus.TopicsAdded)
	sub(eventbus.KindBulkTopicsAdded, eventbus.TopicsAdded)
	sub(eventbus.KindTopicConfigurationUpdated, eventbus.TopicsUpdated)
	sub(eventbus.KindTopicVerified, eventbus.TopicsUpdated)
	sub(eventbus.KindTopicAutoMapped, eventbus.TopicsAutoMapped)
	sub(eventbus.KindNamespaceStructureChanged, eventbus.NamespaceChanged)
}

// invalidate drops the cache entries the event can have dirtied.  Topic
// events carry the topic; structure events flush everything derived.
func (b *Browser) invalidate(ev eventbus.Event) {
	b.cache.Remove(allTopicsKey)
	b.cache.Remove(structureKey)
	switch e := ev.(type) {
	case *eventbus.TopicAdded:
		b.cache.Remove(e.Config.Topic)
	case *eventbus.TopicAutoMapped:
		b.cache.Remove(e.Config.Topic)
	case *eventbus.TopicConfigurationUpdated:
		b.cache.Remove(e.Config.Topic)
	case *eventbus.TopicVerified:
		b.cache.Remove(e.Topic)
	default:
		b.cache.Purge()
	}
}

// note records one change and arms the coalescing timer.  A broader
// change widens the pending type; the timer is never extended, so a
// steady stream of events still flushes once per window.
func (b *Browser) note(change eventbus.TopicChangeType) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if !b.armed {
		b.armed = true
		b.pending = change
		b.timer = time.AfterFunc(coalesceWindow, b.flush)
		return
	}
	if change > b.pending {
		b.pending = change
	}
}

func (b *Browser) flush() {
	b.mtx.Lock()
	change := b.pending
	b.armed = false
	b.mtx.Unlock()

	b.bus.Publish(context.Background(),
		&eventbus.TopicStructureChanged{ChangeType: change})
}

// Get returns one topic configuration, from cache when possible.
func (b *Browser) Get(ctx context.Context, topic string) (*unsdata.TopicConfiguration, error) {
	if v, err := b.cache.Get(topic); err == nil {
		return v.(*unsdata.TopicConfiguration), nil
	}
	tc, err := b.topics.Get(ctx, topic)
	if err != nil {
		return nil, err
	}
	b.cache.Set(topic, tc)
	return tc, nil
}

// Topics returns the full topic population.
func (b *Browser) Topics(ctx context.Context) ([]*unsdata.TopicConfiguration, error) {
	if v, err := b.cache.Get(allTopicsKey); err == nil {
		return v.([]*unsdata.TopicConfiguration), nil
	}
	cfgs, err := b.topics.GetAll(ctx, false)
	if err != nil {
		return nil, errors.Wrap(err, "loading topics")
	}
	b.cache.Set(allTopicsKey, cfgs)
	return cfgs, nil
}

// Structure returns the merged namespace tree.
func (b *Browser) Structure(ctx context.Context) (*nstree.Node, error) {
	if v, err := b.cache.Get(structureKey); err == nil {
		return v.(*nstree.Node), nil
	}
	root, err := b.tree.GetStructure(ctx)
	if err != nil {
		return nil, err
	}
	b.cache.Set(structureKey, root)
	return root, nil
}

// TopicsUnder returns the topics whose namespace path sits at or below
// the given path.
func (b *Browser) TopicsUnder(ctx context.Context, nsPath string) ([]*unsdata.TopicConfiguration, error) {
	all, err := b.Topics(ctx)
	if err != nil {
		return nil, err
	}
	var out []*unsdata.TopicConfiguration
	for _, tc := range all {
		if tc.NSPath == nsPath || hasPathPrefix(tc.NSPath, nsPath) {
			out = append(out, tc)
		}
	}
	return out, nil
}

func hasPathPrefix(path, prefix string) bool {
	if len(path) <= len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}
