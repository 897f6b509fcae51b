/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package nstree implements the namespace structure service: the tree
// of hierarchy-node instances plus the namespaces anchored beneath
// them.  It enforces the naming and shape invariants and publishes a
// structure-changed event for every successful mutation.
package nstree

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/satori/uuid"
	"go.uber.org/zap"

	"uns/common/hierpath"
	"uns/common/unsdata"
	"uns/uns_common/eventbus"
	"uns/uns_common/store"
)

// NodeKind distinguishes tree nodes.
type NodeKind string

// Tree node kinds.
const (
	KindInstance  NodeKind = "instance"
	KindNamespace NodeKind = "namespace"
)

// Node is one element of the merged structure returned by
// GetStructure.
type Node struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        NodeKind `json:"kind"`
	Level       string   `json:"level,omitempty"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	FullPath    string   `json:"fullPath"`
	Children    []*Node  `json:"children,omitempty"`
}

// Service owns all mutations of the namespace tree.  Reads go straight
// to the stores; writes are serialized under a single mutex so that
// uniqueness checks and their following writes are atomic with respect
// to each other.
type Service struct {
	slog       *zap.SugaredLogger
	hier       *hierpath.Configuration
	instances  store.InstanceStore
	namespaces store.NamespaceStore
	topics     store.TopicStore
	bus        *eventbus.Bus

	mtx sync.Mutex
}

// New builds the namespace structure service.
func New(slog *zap.SugaredLogger, hier *hierpath.Configuration,
	instances store.InstanceStore, namespaces store.NamespaceStore,
	topics store.TopicStore, bus *eventbus.Bus) *Service {

	return &Service{
		slog:       slog,
		hier:       hier,
		instances:  instances,
		namespaces: namespaces,
		topics:     topics,
		bus:        bus,
	}
}

func (s *Service) notify(ctx context.Context, change eventbus.StructureChangeType, id, path string) {
	s.bus.Publish(ctx, &eventbus.NamespaceStructureChanged{
		ChangeType: change,
		NodeID:     id,
		Path:       path,
	})
}

// instanceIndex loads all active instances keyed by id.
func (s *Service) instanceIndex(ctx context.Context) (map[string]*unsdata.NSTreeInstance, error) {
	all, err := s.instances.GetAll(ctx, true)
	if err != nil {
		return nil, errors.Wrap(err, "loading instances")
	}
	idx := make(map[string]*unsdata.NSTreeInstance, len(all))
	for _, inst := range all {
		idx[inst.ID] = inst
	}
	return idx, nil
}

// instancePath walks the parent chain and joins instance names into the
// canonical hierarchical path of the instance.
func instancePath(idx map[string]*unsdata.NSTreeInstance, inst *unsdata.NSTreeInstance) string {
	names := []string{inst.Name}
	for cur := inst; cur.ParentID != ""; {
		parent, ok := idx[cur.ParentID]
		if !ok {
			break
		}
		names = append([]string{parent.Name}, names...)
		cur = parent
	}
	return strings.Join(names, "/")
}

// AddHierarchyInstance creates a concrete node realizing one hierarchy
// level.  parentID may be empty for a root-level instance.
func (s *Service) AddHierarchyInstance(ctx context.Context, nodeID, name, parentID string) (*unsdata.NSTreeInstance, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if name == "" {
		return nil, store.Preconditionf("instance name", "name must not be empty")
	}

	idx, err := s.instanceIndex(ctx)
	if err != nil {
		return nil, err
	}

	parentLevel := ""
	if parentID != "" {
		parent, ok := idx[parentID]
		if !ok {
			return nil, store.NotFoundf("no such parent instance %q", parentID)
		}
		parentLevel = parent.HierarchyNode
	}
	if !s.hier.AllowsChild(parentLevel, nodeID) {
		return nil, store.Preconditionf("hierarchy shape",
			"%q is not an allowed child of %q", nodeID, parentLevel)
	}
	for _, inst := range idx {
		if inst.ParentID == parentID && strings.EqualFold(inst.Name, name) {
			return nil, store.Preconditionf("instance name unique",
				"%q already exists under this parent", name)
		}
	}

	inst := &unsdata.NSTreeInstance{
		ID:            uuid.NewV4().String(),
		HierarchyNode: nodeID,
		Name:          name,
		ParentID:      parentID,
		IsActive:      true,
		CreatedAt:     time.Now(),
	}
	if err := s.instances.Save(ctx, inst); err != nil {
		return nil, errors.Wrap(err, "saving instance")
	}
	idx[inst.ID] = inst
	s.notify(ctx, eventbus.StructureAdded, inst.ID, instancePath(idx, inst))
	return inst, nil
}

// UpdateInstance renames an instance and optionally updates its
// description, re-validating uniqueness against its siblings.
func (s *Service) UpdateInstance(ctx context.Context, id, name, description string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	idx, err := s.instanceIndex(ctx)
	if err != nil {
		return err
	}
	inst, ok := idx[id]
	if !ok {
		return store.NotFoundf("no such instance %q", id)
	}
	for _, other := range idx {
		if other.ID != id && other.ParentID == inst.ParentID &&
			strings.EqualFold(other.Name, name) {
			return store.Preconditionf("instance name unique",
				"%q already exists under this parent", name)
		}
	}
	inst.Name = name
	if description != "" {
		inst.Description = description
	}
	if err := s.instances.Save(ctx, inst); err != nil {
		return errors.Wrap(err, "saving instance")
	}
	s.notify(ctx, eventbus.StructureUpdated, id, instancePath(idx, inst))
	return nil
}

// CanDelete reports whether the instance may be deleted, enumerating
// the descendants and referencing topics that block it.
func (s *Service) CanDelete(ctx context.Context, id string) (bool, string, error) {
	idx, err := s.instanceIndex(ctx)
	if err != nil {
		return false, "", err
	}
	inst, ok := idx[id]
	if !ok {
		return false, "", store.NotFoundf("no such instance %q", id)
	}

	blockers := make([]string, 0)
	for _, other := range idx {
		if other.ParentID == id {
			blockers = append(blockers, "instance "+other.Name)
		}
	}

	path := instancePath(idx, inst)
	nss, err := s.namespaces.GetAll(ctx, true)
	if err != nil {
		return false, "", errors.Wrap(err, "loading namespaces")
	}
	for _, ns := range nss {
		if ns.Anchor != nil && pathHasPrefix(ns.Anchor.FullPath(), path) {
			blockers = append(blockers, "namespace "+ns.Name)
		}
	}

	topics, err := s.topics.GetAll(ctx, false)
	if err != nil {
		return false, "", errors.Wrap(err, "loading topics")
	}
	for _, t := range topics {
		if !t.IsActive {
			continue
		}
		if pathHasPrefix(t.NSPath, path) ||
			(t.Path != nil && pathHasPrefix(t.Path.FullPath(), path)) {
			blockers = append(blockers, "topic "+t.Topic)
		}
	}

	if len(blockers) > 0 {
		sort.Strings(blockers)
		return false, strings.Join(blockers, ", "), nil
	}
	return true, "", nil
}

func pathHasPrefix(p, prefix string) bool {
	if prefix == "" || p == "" {
		return false
	}
	pl, prefl := strings.ToLower(p), strings.ToLower(prefix)
	return pl == prefl || strings.HasPrefix(pl, prefl+"/")
}

// DeleteInstance removes a leaf instance.  Deletion is refused while
// descendants or topics reference it.
func (s *Service) DeleteInstance(ctx context.Context, id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ok, reason, err := s.CanDelete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return store.Preconditionf("instance referenced", "%s", reason)
	}

	idx, err := s.instanceIndex(ctx)
	if err != nil {
		return err
	}
	path := instancePath(idx, idx[id])
	if err := s.instances.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "deleting instance")
	}
	s.notify(ctx, eventbus.StructureDeleted, id, path)
	return nil
}

// nsContext returns the canonical key for the hierarchical context a
// namespace lives in: its parent namespace id when nested, otherwise
// the lowercased anchor path.
func nsContext(ns *unsdata.NamespaceConfiguration) string {
	if ns.ParentID != "" {
		return "ns:" + ns.ParentID
	}
	if ns.Anchor != nil {
		return "path:" + strings.ToLower(ns.Anchor.FullPath())
	}
	return "path:"
}

// AddNamespace attaches a namespace configuration beneath a parent
// namespace or directly at an instance path.  Names must be unique
// within exactly the same hierarchical context.
func (s *Service) AddNamespace(ctx context.Context, ns *unsdata.NamespaceConfiguration) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if ns.Name == "" {
		return store.Preconditionf("namespace name", "name must not be empty")
	}

	all, err := s.namespaces.GetAll(ctx, true)
	if err != nil {
		return errors.Wrap(err, "loading namespaces")
	}
	byID := make(map[string]*unsdata.NamespaceConfiguration, len(all))
	for _, other := range all {
		byID[other.ID] = other
	}

	if ns.ParentID != "" {
		if _, ok := byID[ns.ParentID]; !ok {
			return store.NotFoundf("no such parent namespace %q", ns.ParentID)
		}
	}

	// Cycles are impossible for a fresh id, but guard against a caller
	// reusing an existing id with a new parent.
	if ns.ID != "" {
		seen := map[string]bool{ns.ID: true}
		for cur := ns.ParentID; cur != ""; {
			if seen[cur] {
				return store.Preconditionf("namespace cycle",
					"%q would become its own ancestor", ns.Name)
			}
			seen[cur] = true
			parent, ok := byID[cur]
			if !ok {
				break
			}
			cur = parent.ParentID
		}
	}

	want := nsContext(ns)
	for _, other := range all {
		if other.ID != ns.ID && nsContext(other) == want &&
			strings.EqualFold(other.Name, ns.Name) {
			return store.Preconditionf("namespace name unique",
				"%q already exists in this context", ns.Name)
		}
	}

	if ns.ID == "" {
		ns.ID = uuid.NewV4().String()
	}
	ns.IsActive = true
	if err := s.namespaces.Save(ctx, ns); err != nil {
		return errors.Wrap(err, "saving namespace")
	}
	s.notify(ctx, eventbus.StructureAdded, ns.ID, s.namespacePath(byID, ns))
	return nil
}

// namespacePath materializes the full namespace path by walking the
// parent chain to the anchoring instance path.
func (s *Service) namespacePath(byID map[string]*unsdata.NamespaceConfiguration, ns *unsdata.NamespaceConfiguration) string {
	names := []string{ns.Name}
	cur := ns
	for cur.ParentID != "" {
		parent, ok := byID[cur.ParentID]
		if !ok {
			break
		}
		names = append([]string{parent.Name}, names...)
		cur = parent
	}
	if cur.Anchor != nil {
		if root := cur.Anchor.FullPath(); root != "" {
			return root + "/" + strings.Join(names, "/")
		}
	}
	return strings.Join(names, "/")
}

// DeleteNamespace removes a namespace and cascades: every descendant
// namespace is removed, and NSPath is cleared on every topic whose
// NSPath started with the deleted subtree.  A single Deleted event is
// fired for the whole cascade.
func (s *Service) DeleteNamespace(ctx context.Context, id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	all, err := s.namespaces.GetAll(ctx, false)
	if err != nil {
		return errors.Wrap(err, "loading namespaces")
	}
	byID := make(map[string]*unsdata.NamespaceConfiguration, len(all))
	children := make(map[string][]*unsdata.NamespaceConfiguration)
	for _, ns := range all {
		byID[ns.ID] = ns
		if ns.ParentID != "" {
			children[ns.ParentID] = append(children[ns.ParentID], ns)
		}
	}
	target, ok := byID[id]
	if !ok {
		return store.NotFoundf("no such namespace %q", id)
	}
	path := s.namespacePath(byID, target)

	// Depth-first removal of the subtree, leaves first.
	var doomed []*unsdata.NamespaceConfiguration
	var walk func(ns *unsdata.NamespaceConfiguration)
	walk = func(ns *unsdata.NamespaceConfiguration) {
		for _, c := range children[ns.ID] {
			walk(c)
		}
		doomed = append(doomed, ns)
	}
	walk(target)
	for _, ns := range doomed {
		if err := s.namespaces.Delete(ctx, ns.ID); err != nil && !store.IsNotFound(err) {
			return errors.Wrapf(err, "deleting namespace %q", ns.ID)
		}
	}

	cleared, err := s.topics.ClearNSPathPrefix(ctx, path)
	if err != nil {
		return errors.Wrap(err, "clearing topic ns paths")
	}
	s.slog.Infof("deleted namespace %s (%d descendants, %d topics detached)",
		path, len(doomed)-1, cleared)
	s.notify(ctx, eventbus.StructureDeleted, id, path)
	return nil
}

// GetStructure merges the instance tree with the namespaces anchored at
// each instance path.  Children are ordered by hierarchy-level order,
// then name; namespaces sort after instances at each level.
func (s *Service) GetStructure(ctx context.Context) (*Node, error) {
	idx, err := s.instanceIndex(ctx)
	if err != nil {
		return nil, err
	}
	nss, err := s.namespaces.GetAll(ctx, true)
	if err != nil {
		return nil, errors.Wrap(err, "loading namespaces")
	}

	nodes := make(map[string]*Node, len(idx))
	for id, inst := range idx {
		nodes[id] = &Node{
			ID:          id,
			Name:        inst.Name,
			Kind:        KindInstance,
			Level:       inst.HierarchyNode,
			Description: inst.Description,
			FullPath:    instancePath(idx, inst),
		}
	}

	root := &Node{Kind: KindInstance, Name: ""}
	for id, inst := range idx {
		node := nodes[id]
		if inst.ParentID == "" {
			root.Children = append(root.Children, node)
		} else if parent, ok := nodes[inst.ParentID]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			s.slog.Warnf("instance %s has unknown parent %s", id, inst.ParentID)
			root.Children = append(root.Children, node)
		}
	}

	// Anchor namespaces: roots of each namespace chain attach to the
	// instance whose path matches their anchor; nested namespaces
	// attach to their parent namespace.
	nsByID := make(map[string]*unsdata.NamespaceConfiguration, len(nss))
	nsNodes := make(map[string]*Node, len(nss))
	for _, ns := range nss {
		nsByID[ns.ID] = ns
		nsNodes[ns.ID] = &Node{
			ID:          ns.ID,
			Name:        ns.Name,
			Kind:        KindNamespace,
			Type:        ns.Type,
			Description: ns.Description,
			FullPath:    s.namespacePath(nsByID, ns),
		}
	}
	byPath := make(map[string]*Node, len(nodes))
	for _, node := range nodes {
		byPath[strings.ToLower(node.FullPath)] = node
	}
	for _, ns := range nss {
		node := nsNodes[ns.ID]
		node.FullPath = s.namespacePath(nsByID, ns)
		if ns.ParentID != "" {
			if parent, ok := nsNodes[ns.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		anchor := ""
		if ns.Anchor != nil {
			anchor = strings.ToLower(ns.Anchor.FullPath())
		}
		if inst, ok := byPath[anchor]; ok {
			inst.Children = append(inst.Children, node)
		} else {
			root.Children = append(root.Children, node)
		}
	}

	s.sortTree(root)
	return root, nil
}

func (s *Service) sortTree(n *Node) {
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if (a.Kind == KindInstance) != (b.Kind == KindInstance) {
			return a.Kind == KindInstance
		}
		ao, bo := s.levelOrder(a.Level), s.levelOrder(b.Level)
		if ao != bo {
			return ao < bo
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	for _, c := range n.Children {
		s.sortTree(c)
	}
}

func (s *Service) levelOrder(level string) int {
	if l, ok := s.hier.Level(level); ok {
		return l.Order
	}
	return int(^uint(0) >> 1)
}
