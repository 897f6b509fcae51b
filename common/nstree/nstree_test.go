/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package nstree

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/fgrosse/zaptest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uns/common/hierpath"
	"uns/common/unsdata"
	"uns/uns_common/eventbus"
	"uns/uns_common/store"
)

type fixture struct {
	svc    *Service
	topics *store.MemTopicStore
	bus    *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	slog := zaptest.Logger(t).Sugar()
	topics := store.NewMemTopicStore()
	bus := eventbus.New(slog, 2)
	svc := New(slog, hierpath.DefaultConfiguration(),
		store.NewMemInstanceStore(), store.NewMemNamespaceStore(),
		topics, bus)
	return &fixture{svc: svc, topics: topics, bus: bus}
}

func TestAddHierarchyInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var changes int32
	f.bus.Subscribe(eventbus.KindNamespaceStructureChanged,
		func(ctx context.Context, ev eventbus.Event) {
			atomic.AddInt32(&changes, 1)
		})

	ent, err := f.svc.AddHierarchyInstance(ctx, "Enterprise", "acme", "")
	require.NoError(t, err)
	assert.Equal(t, "Enterprise", ent.HierarchyNode)

	site, err := f.svc.AddHierarchyInstance(ctx, "Site", "dallas", ent.ID)
	require.NoError(t, err)
	assert.Equal(t, ent.ID, site.ParentID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&changes))
}

func TestAddInstanceValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Only the first level may sit at the root.
	_, err := f.svc.AddHierarchyInstance(ctx, "Site", "dallas", "")
	assert.True(t, store.IsPrecondition(err))

	ent, err := f.svc.AddHierarchyInstance(ctx, "Enterprise", "acme", "")
	require.NoError(t, err)

	// An Area cannot hang directly off an Enterprise.
	_, err = f.svc.AddHierarchyInstance(ctx, "Area", "assembly", ent.ID)
	assert.True(t, store.IsPrecondition(err))

	// Unknown parents are reported as such.
	_, err = f.svc.AddHierarchyInstance(ctx, "Site", "dallas", "nope")
	assert.True(t, store.IsNotFound(err))

	_, err = f.svc.AddHierarchyInstance(ctx, "Enterprise", "", "")
	assert.True(t, store.IsPrecondition(err))
}

func TestSiblingNamesUniqueCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ent, err := f.svc.AddHierarchyInstance(ctx, "Enterprise", "acme", "")
	require.NoError(t, err)

	_, err = f.svc.AddHierarchyInstance(ctx, "Site", "Dallas", ent.ID)
	require.NoError(t, err)
	_, err = f.svc.AddHierarchyInstance(ctx, "Site", "DALLAS", ent.ID)
	assert.True(t, store.IsPrecondition(err))

	// The same name is fine under a different parent.
	other, err := f.svc.AddHierarchyInstance(ctx, "Enterprise", "globex", "")
	require.NoError(t, err)
	_, err = f.svc.AddHierarchyInstance(ctx, "Site", "dallas", other.ID)
	assert.NoError(t, err)
}

func TestUpdateInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ent, err := f.svc.AddHierarchyInstance(ctx, "Enterprise", "acme", "")
	require.NoError(t, err)
	_, err = f.svc.AddHierarchyInstance(ctx, "Enterprise", "globex", "")
	require.NoError(t, err)

	assert.True(t, store.IsPrecondition(
		f.svc.UpdateInstance(ctx, ent.ID, "GLOBEX", "")))
	assert.NoError(t, f.svc.UpdateInstance(ctx, ent.ID, "initech", "hq"))
	assert.True(t, store.IsNotFound(
		f.svc.UpdateInstance(ctx, "nope", "x", "")))
}

func TestCanDeleteEnumeratesBlockers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ent, err := f.svc.AddHierarchyInstance(ctx, "Enterprise", "acme", "")
	require.NoError(t, err)
	site, err := f.svc.AddHierarchyInstance(ctx, "Site", "dallas", ent.ID)
	require.NoError(t, err)

	ok, reason, err := f.svc.CanDelete(ctx, ent.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "instance dallas")

	// A topic under the site blocks the site.
	require.NoError(t, f.topics.Save(ctx, &unsdata.TopicConfiguration{
		Topic:    "raw/line1/temp",
		NSPath:   "acme/dallas/line1",
		IsActive: true,
	}))
	ok, reason, err = f.svc.CanDelete(ctx, site.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "topic raw/line1/temp")

	assert.True(t, store.IsPrecondition(f.svc.DeleteInstance(ctx, site.ID)))

	// Clearing the reference unblocks deletion.
	_, err = f.topics.ClearNSPathPrefix(ctx, "acme/dallas")
	require.NoError(t, err)
	assert.NoError(t, f.svc.DeleteInstance(ctx, site.ID))
	assert.NoError(t, f.svc.DeleteInstance(ctx, ent.ID))
}

func TestAddNamespace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddHierarchyInstance(ctx, "Enterprise", "acme", "")
	require.NoError(t, err)

	anchor := hierpath.FromPath(hierpath.DefaultConfiguration(), "acme")
	ns := &unsdata.NamespaceConfiguration{
		Name: "kpis", Type: "functional", Anchor: anchor,
	}
	require.NoError(t, f.svc.AddNamespace(ctx, ns))
	assert.NotEmpty(t, ns.ID)

	// Duplicate in the same context, different case.
	dup := &unsdata.NamespaceConfiguration{
		Name: "KPIs", Type: "functional", Anchor: anchor.Clone(),
	}
	assert.True(t, store.IsPrecondition(f.svc.AddNamespace(ctx, dup)))

	// Same name nested under the first namespace is a new context.
	child := &unsdata.NamespaceConfiguration{Name: "kpis", ParentID: ns.ID}
	assert.NoError(t, f.svc.AddNamespace(ctx, child))

	orphan := &unsdata.NamespaceConfiguration{Name: "x", ParentID: "nope"}
	assert.True(t, store.IsNotFound(f.svc.AddNamespace(ctx, orphan)))
}

func TestDeleteNamespaceCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anchor := hierpath.FromPath(hierpath.DefaultConfiguration(), "acme")
	parent := &unsdata.NamespaceConfiguration{Name: "kpis", Anchor: anchor}
	require.NoError(t, f.svc.AddNamespace(ctx, parent))
	child := &unsdata.NamespaceConfiguration{Name: "oee", ParentID: parent.ID}
	require.NoError(t, f.svc.AddNamespace(ctx, child))

	require.NoError(t, f.topics.Save(ctx, &unsdata.TopicConfiguration{
		Topic:  "raw/oee",
		NSPath: "acme/kpis/oee",
	}))

	var deletions int32
	f.bus.Subscribe(eventbus.KindNamespaceStructureChanged,
		func(ctx context.Context, ev eventbus.Event) {
			ch := ev.(*eventbus.NamespaceStructureChanged)
			if ch.ChangeType == eventbus.StructureDeleted {
				atomic.AddInt32(&deletions, 1)
			}
		})

	require.NoError(t, f.svc.DeleteNamespace(ctx, parent.ID))

	// One event for the whole cascade.
	assert.Equal(t, int32(1), atomic.LoadInt32(&deletions))

	tc, err := f.topics.Get(ctx, "raw/oee")
	require.NoError(t, err)
	assert.Equal(t, "", tc.NSPath)

	assert.True(t, store.IsNotFound(f.svc.DeleteNamespace(ctx, child.ID)))
}

func TestGetStructure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ent, err := f.svc.AddHierarchyInstance(ctx, "Enterprise", "acme", "")
	require.NoError(t, err)
	_, err = f.svc.AddHierarchyInstance(ctx, "Site", "dallas", ent.ID)
	require.NoError(t, err)
	_, err = f.svc.AddHierarchyInstance(ctx, "Site", "austin", ent.ID)
	require.NoError(t, err)

	anchor := hierpath.FromPath(hierpath.DefaultConfiguration(), "acme")
	require.NoError(t, f.svc.AddNamespace(ctx, &unsdata.NamespaceConfiguration{
		Name: "kpis", Anchor: anchor,
	}))

	root, err := f.svc.GetStructure(ctx)
	require.NoError(t, err)
	require.Len(t, root.Children, 1)

	acme := root.Children[0]
	assert.Equal(t, "acme", acme.Name)
	assert.Equal(t, "acme", acme.FullPath)
	require.Len(t, acme.Children, 3)

	// Instances sort before namespaces, names alphabetically.
	assert.Equal(t, "austin", acme.Children[0].Name)
	assert.Equal(t, "dallas", acme.Children[1].Name)
	assert.Equal(t, "kpis", acme.Children[2].Name)
	assert.Equal(t, KindNamespace, acme.Children[2].Kind)
	assert.Equal(t, "acme/kpis", acme.Children[2].FullPath)

	// Rebuilding the structure from the same stores is deterministic.
	again, err := f.svc.GetStructure(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(root, again); diff != "" {
		t.Errorf("structure mismatch (-first +second):\n%s", diff)
	}
}
