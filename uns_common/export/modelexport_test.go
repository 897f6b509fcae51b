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
	"encoding/json"
	"testing"

	"github.com/fgrosse/zaptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uns/common/hierpath"
	"uns/common/nstree"
	"uns/common/unsdata"
	"uns/uns_common/connmgr"
	"uns/uns_common/eventbus"
	"uns/uns_common/store"
)

func newModelExporter(t *testing.T, model *unsdata.ModelExportConfig) *ModelExporter {
	slog := zaptest.Logger(t).Sugar()
	bus := eventbus.New(slog, 2)
	tree := nstree.New(slog, hierpath.DefaultConfiguration(),
		store.NewMemInstanceStore(), store.NewMemNamespaceStore(),
		store.NewMemTopicStore(), bus)
	pool := connmgr.New(slog, store.NewMemConnectionStore(), nil)
	e, err := NewModelExporter(slog, pool, tree, bus, "c1",
		unsdata.OutputConfiguration{
			ID: "o1", Name: "model", Type: unsdata.OutputModel,
			Model: model, Enabled: true,
		})
	require.NoError(t, err)
	return e
}

func TestNewModelExporterRequiresModelConfig(t *testing.T) {
	slog := zaptest.Logger(t).Sugar()
	pool := connmgr.New(slog, store.NewMemConnectionStore(), nil)
	_, err := NewModelExporter(slog, pool, nil,
		eventbus.New(slog, 2), "c1", unsdata.OutputConfiguration{ID: "o1"})
	assert.Error(t, err)
}

func TestModelAdmitsNamespaceFilter(t *testing.T) {
	e := newModelExporter(t, &unsdata.ModelExportConfig{
		NamespaceFilter: []string{"dallas"},
	})

	assert.True(t, e.admits(&nstree.Node{FullPath: "acme/Dallas/line1"}))
	assert.False(t, e.admits(&nstree.Node{FullPath: "acme/austin/line1"}))
}

func TestModelAdmitsLevelFilter(t *testing.T) {
	e := newModelExporter(t, &unsdata.ModelExportConfig{
		HierarchyLevelFilter: []string{"Site", "Area"},
	})

	assert.True(t, e.admits(&nstree.Node{FullPath: "x", Level: "site"}))
	assert.True(t, e.admits(&nstree.Node{FullPath: "x", Level: "Area"}))
	assert.False(t, e.admits(&nstree.Node{FullPath: "x", Level: "Enterprise"}))

	// Namespaces carry no level and are excluded by a level filter.
	assert.False(t, e.admits(&nstree.Node{FullPath: "x", Kind: nstree.KindNamespace}))
}

func TestModelAdmitsUnfiltered(t *testing.T) {
	e := newModelExporter(t, &unsdata.ModelExportConfig{})
	assert.True(t, e.admits(&nstree.Node{FullPath: "anything"}))
}

func TestPublishNodeHonorsOutputSettings(t *testing.T) {
	ctx := context.Background()
	e := newModelExporter(t, &unsdata.ModelExportConfig{})
	e.output.QoS = 1
	rec := &publishRecorder{}
	e.conn = rec

	n := &nstree.Node{
		Name:     "line1",
		Kind:     nstree.KindInstance,
		Level:    "Line",
		FullPath: "acme/dallas/line1",
	}
	require.NoError(t, e.publishNode(ctx, n))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "acme/dallas/line1/_model", rec.calls[0].topic)
	assert.Equal(t, byte(1), rec.calls[0].qos)
	assert.False(t, rec.calls[0].retain)

	var doc modelDoc
	require.NoError(t, json.Unmarshal([]byte(rec.calls[0].payload), &doc))
	assert.Equal(t, "line1", doc.Name)
	assert.Equal(t, "acme/dallas/line1", doc.Path)

	// Retained delivery follows the output configuration.
	e.output.Retain = true
	require.NoError(t, e.publishNode(ctx, n))
	require.Len(t, rec.calls, 2)
	assert.True(t, rec.calls[1].retain)
}
