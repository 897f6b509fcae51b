/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package browser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fgrosse/zaptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uns/common/hierpath"
	"uns/common/nstree"
	"uns/common/unsdata"
	"uns/uns_common/eventbus"
	"uns/uns_common/store"
)

type fixture struct {
	browser *Browser
	topics  *store.MemTopicStore
	tree    *nstree.Service
	bus     *eventbus.Bus

	mtx     sync.Mutex
	changes []eventbus.TopicChangeType
}

func newFixture(t *testing.T) *fixture {
	slog := zaptest.Logger(t).Sugar()
	topics := store.NewMemTopicStore()
	bus := eventbus.New(slog, 8)
	tree := nstree.New(slog, hierpath.DefaultConfiguration(),
		store.NewMemInstanceStore(), store.NewMemNamespaceStore(),
		topics, bus)

	f := &fixture{
		browser: New(slog, topics, tree, bus),
		topics:  topics,
		tree:    tree,
		bus:     bus,
	}
	f.browser.Attach()
	bus.Subscribe(eventbus.KindTopicStructureChanged,
		func(ctx context.Context, ev eventbus.Event) {
			ch := ev.(*eventbus.TopicStructureChanged)
			f.mtx.Lock()
			f.changes = append(f.changes, ch.ChangeType)
			f.mtx.Unlock()
		})
	return f
}

func (f *fixture) flushed() []eventbus.TopicChangeType {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]eventbus.TopicChangeType(nil), f.changes...)
}

func TestCoalescingSingleEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bus.Publish(ctx, &eventbus.TopicAdded{
		Config: &unsdata.TopicConfiguration{Topic: "a"},
	})

	require.Eventually(t, func() bool {
		return len(f.flushed()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, eventbus.TopicsAdded, f.flushed()[0])
}

func TestCoalescingBurstReportsBroadestChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A burst of adds plus one structure change inside one window
	// flushes a single namespace-changed notification.
	f.bus.Publish(ctx, &eventbus.TopicAdded{
		Config: &unsdata.TopicConfiguration{Topic: "a"},
	})
	f.bus.Publish(ctx, &eventbus.TopicAdded{
		Config: &unsdata.TopicConfiguration{Topic: "b"},
	})
	f.bus.Publish(ctx, &eventbus.NamespaceStructureChanged{
		ChangeType: eventbus.StructureAdded, NodeID: "n", Path: "p",
	})

	require.Eventually(t, func() bool {
		return len(f.flushed()) >= 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(2 * coalesceWindow)
	got := f.flushed()
	require.Len(t, got, 1)
	assert.Equal(t, eventbus.NamespaceChanged, got[0])
}

func TestCoalescingSeparateWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bus.Publish(ctx, &eventbus.TopicVerified{Topic: "a"})
	require.Eventually(t, func() bool {
		return len(f.flushed()) == 1
	}, time.Second, 10*time.Millisecond)

	f.bus.Publish(ctx, &eventbus.TopicVerified{Topic: "a"})
	require.Eventually(t, func() bool {
		return len(f.flushed()) == 2
	}, time.Second, 10*time.Millisecond)

	for _, ch := range f.flushed() {
		assert.Equal(t, eventbus.TopicsUpdated, ch)
	}
}

func TestGetCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.topics.Save(ctx, &unsdata.TopicConfiguration{
		Topic: "a", UNSName: "first",
	}))
	got, err := f.browser.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", got.UNSName)

	// A write that bypasses the bus is invisible until invalidation.
	require.NoError(t, f.topics.Save(ctx, &unsdata.TopicConfiguration{
		Topic: "a", UNSName: "second",
	}))
	got, err = f.browser.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", got.UNSName)

	// The matching bus event drops the stale entry.
	f.bus.Publish(ctx, &eventbus.TopicConfigurationUpdated{
		Config: &unsdata.TopicConfiguration{Topic: "a"},
	})
	got, err = f.browser.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "second", got.UNSName)
}

func TestGetUnknownTopic(t *testing.T) {
	f := newFixture(t)
	_, err := f.browser.Get(context.Background(), "nope")
	assert.True(t, store.IsNotFound(err))
}

func TestTopicsUnder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for topic, nsPath := range map[string]string{
		"t1": "acme/dallas",
		"t2": "acme/dallas/line1",
		"t3": "acme/dallasx",
	} {
		require.NoError(t, f.topics.Save(ctx, &unsdata.TopicConfiguration{
			Topic: topic, NSPath: nsPath,
		}))
	}

	under, err := f.browser.TopicsUnder(ctx, "acme/dallas")
	require.NoError(t, err)
	require.Len(t, under, 2)
}

func TestStructureCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.browser.Structure(ctx)
	require.NoError(t, err)
	assert.Len(t, root.Children, 0)

	_, err = f.tree.AddHierarchyInstance(ctx, "Enterprise", "acme", "")
	require.NoError(t, err)

	// The structure event invalidated the cached tree synchronously.
	root, err = f.browser.Structure(ctx)
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "acme", root.Children[0].Name)
}
