/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uns/common/hierpath"
	"uns/common/unsdata"
)

func TestTopicSaveIsUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemTopicStore()

	first := &unsdata.TopicConfiguration{
		Topic:     "plant/line1/temp",
		CreatedBy: "auto-mapper",
	}
	require.NoError(t, s.Save(ctx, first))
	saved, err := s.Get(ctx, first.Topic)
	require.NoError(t, err)
	created := saved.CreatedAt
	assert.False(t, created.IsZero())

	// A second save of the same topic updates in place and keeps the
	// original provenance.
	second := &unsdata.TopicConfiguration{
		Topic:     "plant/line1/temp",
		UNSName:   "temp",
		CreatedBy: "someone-else",
	}
	require.NoError(t, s.Save(ctx, second))

	saved, err = s.Get(ctx, first.Topic)
	require.NoError(t, err)
	assert.Equal(t, "temp", saved.UNSName)
	assert.Equal(t, "auto-mapper", saved.CreatedBy)
	assert.Equal(t, created, saved.CreatedAt)

	all, err := s.GetAll(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTopicConcurrentSaveConverges(t *testing.T) {
	ctx := context.Background()
	s := NewMemTopicStore()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := &unsdata.TopicConfiguration{Topic: "same/topic"}
			assert.NoError(t, s.Save(ctx, cfg))
		}()
	}
	wg.Wait()

	all, err := s.GetAll(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTopicVerify(t *testing.T) {
	ctx := context.Background()
	s := NewMemTopicStore()

	require.NoError(t, s.Save(ctx, &unsdata.TopicConfiguration{Topic: "a/b"}))
	require.NoError(t, s.Verify(ctx, "a/b", "operator"))

	saved, err := s.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.True(t, saved.IsVerified)

	verified, err := s.GetAll(ctx, true)
	require.NoError(t, err)
	assert.Len(t, verified, 1)

	unv, err := s.GetUnverified(ctx)
	require.NoError(t, err)
	assert.Len(t, unv, 0)

	err = s.Verify(ctx, "no/such", "operator")
	assert.True(t, IsNotFound(err))
}

func TestClearNSPathPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemTopicStore()

	for topic, nsPath := range map[string]string{
		"t1": "acme/dallas/assembly",
		"t2": "acme/dallas/assembly/line1",
		"t3": "acme/dallas/assemblyline", // sibling, not a child
		"t4": "acme/austin",
	} {
		require.NoError(t, s.Save(ctx, &unsdata.TopicConfiguration{
			Topic: topic, NSPath: nsPath,
		}))
	}

	n, err := s.ClearNSPathPrefix(ctx, "acme/dallas/assembly")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	t3, err := s.Get(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, "acme/dallas/assemblyline", t3.NSPath)

	t1, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "", t1.NSPath)
}

func TestTopicCopySemantics(t *testing.T) {
	ctx := context.Background()
	s := NewMemTopicStore()

	path := hierpath.New()
	path.SetValue("Enterprise", "acme")
	require.NoError(t, s.Save(ctx, &unsdata.TopicConfiguration{
		Topic: "a", Path: path,
	}))

	// Mutating the returned copy must not leak into the store.
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.Path.SetValue("Enterprise", "globex")

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "acme", again.Path.GetValue("Enterprise"))
}

func TestHierarchyDeleteGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemHierarchyStore()

	active := hierpath.DefaultConfiguration()
	require.NoError(t, s.Save(ctx, active))

	err := s.Delete(ctx, active.ID)
	assert.True(t, IsPrecondition(err))

	inactive := &hierpath.Configuration{ID: "custom", Name: "Custom"}
	require.NoError(t, s.Save(ctx, inactive))
	assert.NoError(t, s.Delete(ctx, inactive.ID))
}

func TestHierarchyGetActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemHierarchyStore()

	_, err := s.GetActive(ctx)
	assert.True(t, IsNotFound(err))

	require.NoError(t, s.Save(ctx, hierpath.DefaultConfiguration()))
	cfg, err := s.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ISA-S95", cfg.Name)
}

func TestRealtimeStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemRealtimeStore()

	_, err := s.GetLatest(ctx, "plant/temp")
	assert.True(t, IsNotFound(err))

	require.NoError(t, s.Put(ctx, unsdata.DataPoint{
		Topic: "plant/temp",
		Value: unsdata.FloatValue(21.5),
	}))
	require.NoError(t, s.Put(ctx, unsdata.DataPoint{
		Topic: "plant/temp",
		Value: unsdata.FloatValue(22.0),
	}))

	got, err := s.GetLatest(ctx, "plant/temp")
	require.NoError(t, err)
	assert.Equal(t, 22.0, got.Value.Float())
}
