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
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/satori/uuid"
	"go.uber.org/zap"

	"uns/common/nstree"
	"uns/common/unsdata"
	"uns/uns_common/connmgr"
	"uns/uns_common/eventbus"
)

const defaultModelAttribute = "_model"

// modelDoc is the JSON document published for each structure node.
type modelDoc struct {
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	Level       string            `json:"level,omitempty"`
	Type        string            `json:"type,omitempty"`
	Description string            `json:"description,omitempty"`
	Path        string            `json:"path"`
	Children    []string          `json:"children,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
	PublishedAt string            `json:"publishedAt"`
}

// ModelExporter republishes the namespace structure on a timer, and
// again whenever the structure changes.
type ModelExporter struct {
	slog       *zap.SugaredLogger
	pool       *connmgr.Manager
	tree       *nstree.Service
	bus        *eventbus.Bus
	connID     string
	output     unsdata.OutputConfiguration
	consumerID string

	conn publisher
	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewModelExporter builds an exporter for one model output.
// output.Model must be set.
func NewModelExporter(slog *zap.SugaredLogger, pool *connmgr.Manager,
	tree *nstree.Service, bus *eventbus.Bus, connID string,
	output unsdata.OutputConfiguration) (*ModelExporter, error) {

	if output.Model == nil {
		return nil, errors.Errorf("output %s has no model config", output.ID)
	}
	return &ModelExporter{
		slog:       slog,
		pool:       pool,
		tree:       tree,
		bus:        bus,
		connID:     connID,
		output:     output,
		consumerID: connmgr.ConsumerID("ModelExport", uuid.NewV4().String()),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start acquires the connection, publishes the model once, and then
// keeps it fresh.
func (e *ModelExporter) Start(ctx context.Context) error {
	conn, err := e.pool.Acquire(ctx, e.connID, e.consumerID)
	if err != nil {
		return errors.Wrapf(err, "acquiring connection %s", e.connID)
	}
	e.conn = conn
	e.bus.Subscribe(eventbus.KindNamespaceStructureChanged,
		func(ctx context.Context, ev eventbus.Event) {
			select {
			case e.kick <- struct{}{}:
			default:
			}
		})
	go e.run()
	e.slog.Infof("model export %s started on %s", e.output.Name, e.connID)
	return nil
}

// Stop halts the loop and releases the connection.
func (e *ModelExporter) Stop(ctx context.Context) {
	close(e.stop)
	select {
	case <-e.done:
	case <-time.After(stopTimeout):
		e.slog.Warnf("model export %s slow to stop", e.output.Name)
	}
	e.pool.Release(e.connID, e.consumerID)
	e.slog.Infof("model export %s stopped", e.output.Name)
}

func (e *ModelExporter) run() {
	defer close(e.done)

	interval := time.Duration(e.output.Model.RepublishIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	e.republish()
	for {
		select {
		case <-e.stop:
			return
		case <-tick.C:
			e.republish()
		case <-e.kick:
			e.republish()
		}
	}
}

func (e *ModelExporter) republish() {
	ctx := context.Background()
	root, err := e.tree.GetStructure(ctx)
	if err != nil {
		e.slog.Warnf("model export %s: %v", e.output.Name, err)
		return
	}
	count := 0
	var walk func(n *nstree.Node)
	walk = func(n *nstree.Node) {
		if n.FullPath != "" && e.admits(n) {
			if err := e.publishNode(ctx, n); err != nil {
				exportErrors.Inc()
				e.slog.Warnf("model publish %s: %v", n.FullPath, err)
			} else {
				modelsPublished.Inc()
				count++
			}
		}
		if n.FullPath == "" || e.output.Model.IncludeChildren {
			for _, c := range n.Children {
				walk(c)
			}
		}
	}
	walk(root)
	e.slog.Debugf("model export %s published %d nodes", e.output.Name, count)
}

// admits applies the namespace and hierarchy-level filters.
func (e *ModelExporter) admits(n *nstree.Node) bool {
	model := e.output.Model
	if len(model.NamespaceFilter) > 0 {
		ok := false
		for _, frag := range model.NamespaceFilter {
			if strings.Contains(strings.ToLower(n.FullPath),
				strings.ToLower(frag)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(model.HierarchyLevelFilter) > 0 {
		ok := false
		for _, level := range model.HierarchyLevelFilter {
			if strings.EqualFold(level, n.Level) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (e *ModelExporter) publishNode(ctx context.Context, n *nstree.Node) error {
	attr := e.output.Model.ModelAttributeName
	if attr == "" {
		attr = defaultModelAttribute
	}
	topic := n.FullPath + "/" + attr
	if e.output.TopicPrefix != "" {
		topic = strings.TrimRight(e.output.TopicPrefix, "/") + "/" + topic
	}

	doc := modelDoc{
		Name:        n.Name,
		Kind:        string(n.Kind),
		Level:       n.Level,
		Type:        n.Type,
		Description: n.Description,
		Path:        n.FullPath,
		Custom:      e.output.Model.CustomFields,
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, c := range n.Children {
		doc.Children = append(doc.Children, c.Name)
	}
	payload, err := json.Marshal(&doc)
	if err != nil {
		return err
	}
	return e.conn.Publish(ctx, topic, payload, e.output.QoS, e.output.Retain)
}
