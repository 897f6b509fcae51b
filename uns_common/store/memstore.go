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
	"strings"
	"sync"
	"time"

	"uns/common/hierpath"
	"uns/common/unsdata"
)

// MemTopicStore is the in-memory TopicStore.  It backs unit tests and
// doubles as the reference implementation for the upsert contract.
type MemTopicStore struct {
	mtx    sync.Mutex
	topics map[string]*unsdata.TopicConfiguration
}

// NewMemTopicStore returns an empty in-memory topic store.
func NewMemTopicStore() *MemTopicStore {
	return &MemTopicStore{topics: make(map[string]*unsdata.TopicConfiguration)}
}

func copyTopic(t *unsdata.TopicConfiguration) *unsdata.TopicConfiguration {
	c := *t
	if t.Path != nil {
		c.Path = t.Path.Clone()
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Get implements TopicStore.
func (s *MemTopicStore) Get(ctx context.Context, topic string) (*unsdata.TopicConfiguration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.topics[topic]
	if !ok {
		return nil, NotFoundf("no such topic %q", topic)
	}
	return copyTopic(t), nil
}

// GetAll implements TopicStore.
func (s *MemTopicStore) GetAll(ctx context.Context, verifiedOnly bool) ([]*unsdata.TopicConfiguration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*unsdata.TopicConfiguration, 0, len(s.topics))
	for _, t := range s.topics {
		if verifiedOnly && !t.IsVerified {
			continue
		}
		out = append(out, copyTopic(t))
	}
	return out, nil
}

// GetUnverified implements TopicStore.
func (s *MemTopicStore) GetUnverified(ctx context.Context) ([]*unsdata.TopicConfiguration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*unsdata.TopicConfiguration, 0)
	for _, t := range s.topics {
		if !t.IsVerified {
			out = append(out, copyTopic(t))
		}
	}
	return out, nil
}

// Save implements TopicStore.  CreatedAt is set once; ModifiedAt is
// always updated.
func (s *MemTopicStore) Save(ctx context.Context, cfg *unsdata.TopicConfiguration) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	now := time.Now()
	c := copyTopic(cfg)
	if prev, ok := s.topics[cfg.Topic]; ok {
		c.CreatedAt = prev.CreatedAt
		c.CreatedBy = prev.CreatedBy
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.ModifiedAt = now
	s.topics[cfg.Topic] = c
	return nil
}

// Delete implements TopicStore.
func (s *MemTopicStore) Delete(ctx context.Context, topic string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.topics, topic)
	return nil
}

// Verify implements TopicStore.
func (s *MemTopicStore) Verify(ctx context.Context, topic, by string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.topics[topic]
	if !ok {
		return NotFoundf("no such topic %q", topic)
	}
	t.IsVerified = true
	t.CreatedBy = by
	t.ModifiedAt = time.Now()
	return nil
}

// ClearNSPathPrefix implements TopicStore.
func (s *MemTopicStore) ClearNSPathPrefix(ctx context.Context, prefix string) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := 0
	for _, t := range s.topics {
		if t.NSPath == prefix || strings.HasPrefix(t.NSPath, prefix+"/") {
			t.NSPath = ""
			t.ModifiedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// MemInstanceStore is the in-memory InstanceStore.
type MemInstanceStore struct {
	mtx       sync.Mutex
	instances map[string]*unsdata.NSTreeInstance
}

// NewMemInstanceStore returns an empty in-memory instance store.
func NewMemInstanceStore() *MemInstanceStore {
	return &MemInstanceStore{instances: make(map[string]*unsdata.NSTreeInstance)}
}

// Get implements InstanceStore.
func (s *MemInstanceStore) Get(ctx context.Context, id string) (*unsdata.NSTreeInstance, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, NotFoundf("no such instance %q", id)
	}
	c := *inst
	return &c, nil
}

// GetAll implements InstanceStore.
func (s *MemInstanceStore) GetAll(ctx context.Context, activeOnly bool) ([]*unsdata.NSTreeInstance, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*unsdata.NSTreeInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		if activeOnly && !inst.IsActive {
			continue
		}
		c := *inst
		out = append(out, &c)
	}
	return out, nil
}

// Save implements InstanceStore.
func (s *MemInstanceStore) Save(ctx context.Context, inst *unsdata.NSTreeInstance) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c := *inst
	now := time.Now()
	if prev, ok := s.instances[inst.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.ModifiedAt = now
	s.instances[inst.ID] = &c
	return nil
}

// Delete implements InstanceStore.
func (s *MemInstanceStore) Delete(ctx context.Context, id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.instances[id]; !ok {
		return NotFoundf("no such instance %q", id)
	}
	delete(s.instances, id)
	return nil
}

// MemNamespaceStore is the in-memory NamespaceStore.
type MemNamespaceStore struct {
	mtx        sync.Mutex
	namespaces map[string]*unsdata.NamespaceConfiguration
}

// NewMemNamespaceStore returns an empty in-memory namespace store.
func NewMemNamespaceStore() *MemNamespaceStore {
	return &MemNamespaceStore{namespaces: make(map[string]*unsdata.NamespaceConfiguration)}
}

// Get implements NamespaceStore.
func (s *MemNamespaceStore) Get(ctx context.Context, id string) (*unsdata.NamespaceConfiguration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ns, ok := s.namespaces[id]
	if !ok {
		return nil, NotFoundf("no such namespace %q", id)
	}
	c := *ns
	return &c, nil
}

// GetAll implements NamespaceStore.
func (s *MemNamespaceStore) GetAll(ctx context.Context, activeOnly bool) ([]*unsdata.NamespaceConfiguration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*unsdata.NamespaceConfiguration, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		if activeOnly && !ns.IsActive {
			continue
		}
		c := *ns
		out = append(out, &c)
	}
	return out, nil
}

// Save implements NamespaceStore.
func (s *MemNamespaceStore) Save(ctx context.Context, ns *unsdata.NamespaceConfiguration) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c := *ns
	now := time.Now()
	if prev, ok := s.namespaces[ns.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.ModifiedAt = now
	s.namespaces[ns.ID] = &c
	return nil
}

// Delete implements NamespaceStore.
func (s *MemNamespaceStore) Delete(ctx context.Context, id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.namespaces[id]; !ok {
		return NotFoundf("no such namespace %q", id)
	}
	delete(s.namespaces, id)
	return nil
}

// MemHierarchyStore is the in-memory HierarchyStore.
type MemHierarchyStore struct {
	mtx     sync.Mutex
	configs map[string]*hierpath.Configuration
}

// NewMemHierarchyStore returns an empty in-memory hierarchy store.
func NewMemHierarchyStore() *MemHierarchyStore {
	return &MemHierarchyStore{configs: make(map[string]*hierpath.Configuration)}
}

// Get implements HierarchyStore.
func (s *MemHierarchyStore) Get(ctx context.Context, id string) (*hierpath.Configuration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, NotFoundf("no such hierarchy %q", id)
	}
	c := *cfg
	return &c, nil
}

// GetAll implements HierarchyStore.
func (s *MemHierarchyStore) GetAll(ctx context.Context, activeOnly bool) ([]*hierpath.Configuration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*hierpath.Configuration, 0, len(s.configs))
	for _, cfg := range s.configs {
		if activeOnly && !cfg.Active {
			continue
		}
		c := *cfg
		out = append(out, &c)
	}
	return out, nil
}

// GetActive implements HierarchyStore.
func (s *MemHierarchyStore) GetActive(ctx context.Context) (*hierpath.Configuration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, cfg := range s.configs {
		if cfg.Active {
			c := *cfg
			return &c, nil
		}
	}
	return nil, NotFoundf("no active hierarchy configuration")
}

// Save implements HierarchyStore.
func (s *MemHierarchyStore) Save(ctx context.Context, cfg *hierpath.Configuration) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c := *cfg
	s.configs[cfg.ID] = &c
	return nil
}

// Delete implements HierarchyStore.  Deleting the active configuration
// fails.
func (s *MemHierarchyStore) Delete(ctx context.Context, id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return NotFoundf("no such hierarchy %q", id)
	}
	if cfg.Active {
		return Preconditionf("hierarchy active", "%q is the active configuration", id)
	}
	if cfg.SystemDefined {
		return Preconditionf("hierarchy system-defined", "%q cannot be deleted", id)
	}
	delete(s.configs, id)
	return nil
}

// MemConnectionStore is the in-memory ConnectionStore.
type MemConnectionStore struct {
	mtx   sync.Mutex
	conns map[string]*unsdata.ConnectionConfiguration
}

// NewMemConnectionStore returns an empty in-memory connection store.
func NewMemConnectionStore() *MemConnectionStore {
	return &MemConnectionStore{conns: make(map[string]*unsdata.ConnectionConfiguration)}
}

// Get implements ConnectionStore.
func (s *MemConnectionStore) Get(ctx context.Context, id string) (*unsdata.ConnectionConfiguration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cfg, ok := s.conns[id]
	if !ok {
		return nil, NotFoundf("no such connection %q", id)
	}
	c := *cfg
	return &c, nil
}

// GetAll implements ConnectionStore.
func (s *MemConnectionStore) GetAll(ctx context.Context, activeOnly bool) ([]*unsdata.ConnectionConfiguration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*unsdata.ConnectionConfiguration, 0, len(s.conns))
	for _, cfg := range s.conns {
		if activeOnly && !cfg.Enabled {
			continue
		}
		c := *cfg
		out = append(out, &c)
	}
	return out, nil
}

// Save implements ConnectionStore.
func (s *MemConnectionStore) Save(ctx context.Context, cfg *unsdata.ConnectionConfiguration) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c := *cfg
	s.conns[cfg.ID] = &c
	return nil
}

// Delete implements ConnectionStore.
func (s *MemConnectionStore) Delete(ctx context.Context, id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.conns[id]; !ok {
		return NotFoundf("no such connection %q", id)
	}
	delete(s.conns, id)
	return nil
}

// MemRealtimeStore is the in-memory latest-value-per-topic store.
type MemRealtimeStore struct {
	mtx    sync.RWMutex
	latest map[string]unsdata.DataPoint
}

// NewMemRealtimeStore returns an empty realtime store.
func NewMemRealtimeStore() *MemRealtimeStore {
	return &MemRealtimeStore{latest: make(map[string]unsdata.DataPoint)}
}

// GetLatest implements RealtimeValueStore.
func (s *MemRealtimeStore) GetLatest(ctx context.Context, topic string) (*unsdata.DataPoint, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	p, ok := s.latest[topic]
	if !ok {
		return nil, NotFoundf("no value for topic %q", topic)
	}
	return &p, nil
}

// Put implements RealtimeValueStore, overwriting any previous value for
// the topic.
func (s *MemRealtimeStore) Put(ctx context.Context, point unsdata.DataPoint) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.latest[point.Topic] = point
	return nil
}
