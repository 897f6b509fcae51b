/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package automap assigns hierarchy paths to previously unseen topics.
// Three strategies run in order of confidence: an exact match against
// the known namespace structure, user-supplied regex rules, and a
// positional fallback.  Topics below the configured confidence floor
// are recorded without a path so operators can assign one later.
package automap

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"uns/common/hierpath"
	"uns/common/nstree"
	"uns/common/unsdata"
	"uns/uns_common/eventbus"
	"uns/uns_common/store"
)

// Confidence tiers per strategy.
const (
	ConfidenceStructure = 1.0
	ConfidenceRule      = 0.9
	ConfidenceDefault   = 0.7
)

// Envelope prefixes whose first two segments carry no hierarchy
// information and are stripped before positional mapping.
var envelopePrefixes = [][2]string{
	{"socketio", "update"},
	{"virtualfactory", "update"},
}

type compiledRule struct {
	re       *regexp.Regexp
	template string
}

// Mapper listens for data on unknown topics and persists unverified
// topic configurations for them.
type Mapper struct {
	slog   *zap.SugaredLogger
	topics store.TopicStore
	tree   *nstree.Service
	hier   *hierpath.Configuration
	bus    *eventbus.Bus

	mtx     sync.RWMutex
	configs map[string]*unsdata.AutoMapperConfig
	rules   map[string][]compiledRule

	cacheMtx  sync.RWMutex
	pathCache map[string]bool
}

// New builds a mapper.  Register per-connection configurations with
// SetConfig, then Attach to the bus.
func New(slog *zap.SugaredLogger, topics store.TopicStore,
	tree *nstree.Service, hier *hierpath.Configuration,
	bus *eventbus.Bus) *Mapper {

	return &Mapper{
		slog:    slog,
		topics:  topics,
		tree:    tree,
		hier:    hier,
		bus:     bus,
		configs: make(map[string]*unsdata.AutoMapperConfig),
		rules:   make(map[string][]compiledRule),
	}
}

// SetConfig registers the auto-mapper configuration that governs data
// arriving over the named connection.  Malformed rule patterns are
// logged and skipped; the remaining rules keep their relative order.
func (m *Mapper) SetConfig(connection string, cfg *unsdata.AutoMapperConfig) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if cfg == nil {
		delete(m.configs, connection)
		delete(m.rules, connection)
		return
	}
	compiled := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			m.slog.Warnf("automap rule %q for %s: %v",
				rule.Pattern, connection, err)
			continue
		}
		compiled = append(compiled, compiledRule{re, rule.PathTemplate})
	}
	m.configs[connection] = cfg
	m.rules[connection] = compiled
}

// Attach subscribes the mapper to the bus.  The structure-change
// subscription keeps the path cache honest.
func (m *Mapper) Attach() {
	m.bus.Subscribe(eventbus.KindTopicDataUpdated, func(ctx context.Context, ev eventbus.Event) {
		upd, ok := ev.(*eventbus.TopicDataUpdated)
		if !ok {
			return
		}
		m.observe(ctx, &upd.Point)
	})
	m.bus.Subscribe(eventbus.KindNamespaceStructureChanged, func(ctx context.Context, ev eventbus.Event) {
		m.cacheMtx.Lock()
		m.pathCache = nil
		m.cacheMtx.Unlock()
	})
}

func (m *Mapper) observe(ctx context.Context, p *unsdata.DataPoint) {
	if _, err := m.topics.Get(ctx, p.Topic); err == nil {
		return
	} else if !store.IsNotFound(err) {
		m.slog.Warnf("topic lookup %s: %v", p.Topic, err)
		return
	}

	connection := p.Metadata[unsdata.MetaConnection]
	m.mtx.RLock()
	cfg := m.configs[connection]
	rules := m.rules[connection]
	m.mtx.RUnlock()

	tc := &unsdata.TopicConfiguration{
		Topic:      p.Topic,
		SourceType: p.Source,
		IsVerified: false,
		IsActive:   true,
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
		CreatedBy:  "auto-mapper",
	}

	if cfg == nil || !cfg.Enabled {
		m.persist(ctx, tc, 0, "auto-mapping disabled")
		return
	}

	path, confidence := m.mapTopic(p.Topic, cfg, rules)
	if path == nil || confidence < cfg.MinimumConfidence {
		reason := "no strategy matched"
		if path != nil {
			reason = "confidence below threshold"
		}
		m.persist(ctx, tc, 0, reason)
		return
	}

	tc.Path = path
	tc.NSPath = parentPath(path)
	tc.UNSName = propertyName(path)
	m.persist(ctx, tc, confidence, "")
}

func (m *Mapper) persist(ctx context.Context, tc *unsdata.TopicConfiguration,
	confidence float64, failReason string) {

	if err := m.topics.Save(ctx, tc); err != nil {
		m.slog.Errorf("saving topic %s: %v", tc.Topic, err)
		return
	}
	m.bus.Publish(ctx, &eventbus.TopicAdded{Config: tc})
	if tc.Path != nil {
		topicsMapped.Inc()
		m.bus.Publish(ctx, &eventbus.TopicAutoMapped{
			Config:     tc,
			Confidence: confidence,
		})
	} else {
		mappingFailures.Inc()
		m.bus.Publish(ctx, &eventbus.TopicAutoMappingFailed{
			Topic:  tc.Topic,
			Reason: failReason,
		})
	}
}

// mapTopic tries the three strategies in descending confidence order.
func (m *Mapper) mapTopic(topic string, cfg *unsdata.AutoMapperConfig,
	rules []compiledRule) (*hierpath.Path, float64) {

	segs, envelope := m.normalize(topic, cfg)
	if len(segs) == 0 {
		return nil, 0
	}

	if path := m.matchStructure(segs, cfg.CaseSensitive); path != nil {
		return path, ConfidenceStructure
	}
	if path := m.matchRules(strings.Join(segs, "/"), rules); path != nil {
		return path, ConfidenceRule
	}
	if path := m.positional(segs, envelope); path != nil {
		return path, ConfidenceDefault
	}
	return nil, 0
}

// normalize strips configured prefixes and envelope prefixes; the
// second return reports whether an envelope prefix was removed.
func (m *Mapper) normalize(topic string, cfg *unsdata.AutoMapperConfig) ([]string, bool) {
	for _, prefix := range cfg.StripPrefixes {
		prefix = strings.Trim(prefix, "/")
		if prefix == "" {
			continue
		}
		cand := topic
		if !cfg.CaseSensitive {
			if strings.HasPrefix(strings.ToLower(cand), strings.ToLower(prefix)+"/") {
				topic = cand[len(prefix)+1:]
				break
			}
		} else if strings.HasPrefix(cand, prefix+"/") {
			topic = cand[len(prefix)+1:]
			break
		}
	}
	segs := splitTopic(topic)
	envelope := false
	if len(segs) > 2 {
		for _, env := range envelopePrefixes {
			if strings.EqualFold(segs[0], env[0]) &&
				strings.EqualFold(segs[1], env[1]) {
				segs = segs[2:]
				envelope = true
				break
			}
		}
	}
	return segs, envelope
}

// matchStructure succeeds when the topic's directory part names an
// existing node in the namespace structure.
func (m *Mapper) matchStructure(segs []string, caseSensitive bool) *hierpath.Path {
	if len(segs) < 2 {
		return nil
	}
	dir := strings.Join(segs[:len(segs)-1], "/")
	key := dir
	if !caseSensitive {
		key = strings.ToLower(dir)
	}
	if !m.knownPath(key) {
		return nil
	}
	return m.assemble(segs)
}

func (m *Mapper) knownPath(key string) bool {
	m.cacheMtx.RLock()
	cache := m.pathCache
	m.cacheMtx.RUnlock()
	if cache == nil {
		cache = m.buildCache()
	}
	return cache[key]
}

func (m *Mapper) buildCache() map[string]bool {
	cache := make(map[string]bool)
	root, err := m.tree.GetStructure(context.Background())
	if err != nil {
		m.slog.Warnf("structure fetch: %v", err)
		return cache
	}
	var walk func(n *nstree.Node)
	walk = func(n *nstree.Node) {
		if n.FullPath != "" {
			cache[strings.ToLower(n.FullPath)] = true
			cache[n.FullPath] = true
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	m.cacheMtx.Lock()
	m.pathCache = cache
	m.cacheMtx.Unlock()
	return cache
}

// matchRules applies the configured rules in order; the first pattern
// that matches the whole topic wins.
func (m *Mapper) matchRules(topic string, rules []compiledRule) *hierpath.Path {
	for _, rule := range rules {
		groups := rule.re.FindStringSubmatch(topic)
		if groups == nil {
			continue
		}
		expanded := expandTemplate(rule.template, rule.re.SubexpNames(), groups)
		segs := splitTopic(expanded)
		if len(segs) == 0 {
			continue
		}
		return m.assemble(segs)
	}
	return nil
}

// expandTemplate substitutes {0}, {1}... with positional capture groups
// and {name} with named groups.
func expandTemplate(template string, names, groups []string) string {
	out := template
	for i := 1; i < len(groups); i++ {
		out = strings.Replace(out, "{"+strconv.Itoa(i-1)+"}", groups[i], -1)
		if names[i] != "" {
			out = strings.Replace(out, "{"+names[i]+"}", groups[i], -1)
		}
	}
	return out
}

// positional assigns segments to hierarchy levels in order, with the
// final segment always landing on the last level.  Envelope topics
// name hierarchy levels directly, so any level their segments leave
// uncovered gets a placeholder name.
func (m *Mapper) positional(segs []string, fillMissing bool) *hierpath.Path {
	path := m.assemble(segs)
	if path == nil || !fillMissing {
		return path
	}
	levels := m.hier.LevelNames()
	for _, level := range levels[:len(levels)-1] {
		if path.GetValue(level) == "" {
			path.SetValue(level, strings.ToLower(level))
		}
	}
	return path
}

// assemble distributes segments across the hierarchy: all but the last
// fill the leading levels (overflow collapses into the last non-final
// level), and the final segment becomes the property.
func (m *Mapper) assemble(segs []string) *hierpath.Path {
	levels := m.hier.LevelNames()
	if len(levels) < 2 || len(segs) == 0 {
		return nil
	}
	path := hierpath.NewForConfig(m.hier)
	last := levels[len(levels)-1]
	middle := levels[:len(levels)-1]

	if len(segs) == 1 {
		path.SetValue(last, segs[0])
		return path
	}
	dir := segs[:len(segs)-1]
	for i, seg := range dir {
		if i < len(middle)-1 {
			path.SetValue(middle[i], seg)
		} else {
			// Overflow collapses into the deepest middle level.
			prev := path.GetValue(middle[len(middle)-1])
			if prev == "" {
				path.SetValue(middle[len(middle)-1], seg)
			} else {
				path.SetValue(middle[len(middle)-1], prev+"/"+seg)
			}
		}
	}
	path.SetValue(last, segs[len(segs)-1])
	return path
}

func parentPath(p *hierpath.Path) string {
	full := p.FullPath()
	idx := strings.LastIndex(full, "/")
	if idx < 0 {
		return ""
	}
	return full[:idx]
}

func propertyName(p *hierpath.Path) string {
	full := p.FullPath()
	idx := strings.LastIndex(full, "/")
	return full[idx+1:]
}

func splitTopic(topic string) []string {
	var segs []string
	for _, s := range strings.Split(topic, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
