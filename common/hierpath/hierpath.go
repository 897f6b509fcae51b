/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package hierpath implements the hierarchical path value type used to
// address every node of the unified namespace, together with the
// hierarchy configuration (the ISA-S95-style schema of allowed levels)
// that gives paths their shape.
package hierpath

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Level describes one level of a hierarchy configuration.
type Level struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Order           int      `json:"order"`
	IsRequired      bool     `json:"isRequired"`
	AllowedChildren []string `json:"allowedChildren,omitempty"`
}

// Configuration is a named, versioned schema of allowed hierarchy
// levels.  Exactly one configuration is active at a time.
type Configuration struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Version       int       `json:"version"`
	Active        bool      `json:"active"`
	SystemDefined bool      `json:"systemDefined"`
	Levels        []Level   `json:"levels"`
	CreatedAt     time.Time `json:"createdAt"`
}

// DefaultLevelNames is the ISA-S95 ordering used when no explicit
// hierarchy configuration has been provisioned.
var DefaultLevelNames = []string{
	"Enterprise", "Site", "Area", "WorkCenter", "WorkUnit", "Property",
}

// DefaultConfiguration builds the system-defined ISA-S95 hierarchy,
// each level allowing only the next as a child.
func DefaultConfiguration() *Configuration {
	cfg := &Configuration{
		ID:            "isa95-default",
		Name:          "ISA-S95",
		Version:       1,
		Active:        true,
		SystemDefined: true,
		CreatedAt:     time.Now(),
	}
	for i, name := range DefaultLevelNames {
		lvl := Level{
			Name:       name,
			Order:      i,
			IsRequired: i == 0,
		}
		if i < len(DefaultLevelNames)-1 {
			lvl.AllowedChildren = []string{DefaultLevelNames[i+1]}
		}
		cfg.Levels = append(cfg.Levels, lvl)
	}
	return cfg
}

// Level looks up a level by name, case-insensitively.
func (c *Configuration) Level(name string) (Level, bool) {
	for _, l := range c.Levels {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return Level{}, false
}

// AllowsChild reports whether a node at level child may be created
// under a node at level parent.  An empty parent names the tree root,
// which accepts only the first level of the hierarchy.
func (c *Configuration) AllowsChild(parent, child string) bool {
	if parent == "" {
		return len(c.Levels) > 0 && strings.EqualFold(c.Levels[0].Name, child)
	}
	pl, ok := c.Level(parent)
	if !ok {
		return false
	}
	for _, a := range pl.AllowedChildren {
		if strings.EqualFold(a, child) {
			return true
		}
	}
	return false
}

// LevelNames returns the configured level names in schema order.
func (c *Configuration) LevelNames() []string {
	names := make([]string, 0, len(c.Levels))
	for _, l := range c.Levels {
		names = append(names, l.Name)
	}
	return names
}

type entry struct {
	Level string `json:"level"`
	Value string `json:"value"`
}

// Path is an ordered mapping from level name to level value.  The zero
// Path is empty and usable.  Values are compared case-insensitively
// per level; paths with missing non-required levels are valid and equal
// iff their non-empty levels match.
type Path struct {
	entries []entry
}

// New returns an empty path.
func New() *Path {
	return &Path{}
}

// NewForConfig returns a path pre-seeded with the configuration's
// levels in schema order, all values empty.
func NewForConfig(cfg *Configuration) *Path {
	p := &Path{}
	for _, l := range cfg.Levels {
		p.entries = append(p.entries, entry{Level: l.Name})
	}
	return p
}

// FromPath splits a canonical string form on '/' and assigns the
// segments to the configuration's ordered levels.  Surplus segments
// collapse into the last level.
func FromPath(cfg *Configuration, s string) *Path {
	p := NewForConfig(cfg)
	segs := splitPath(s)
	if len(p.entries) == 0 {
		for i, seg := range segs {
			p.entries = append(p.entries, entry{Level: "Level" + strconv.Itoa(i), Value: seg})
		}
		return p
	}
	for i, seg := range segs {
		if i < len(p.entries)-1 {
			p.entries[i].Value = seg
		} else {
			last := &p.entries[len(p.entries)-1]
			if last.Value == "" {
				last.Value = seg
			} else {
				last.Value += "/" + seg
			}
		}
	}
	return p
}

func splitPath(s string) []string {
	out := make([]string, 0)
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// SetValue sets the value for a level, appending the level if the path
// has not seen it before.  Level names match case-insensitively.
func (p *Path) SetValue(level, value string) {
	for i := range p.entries {
		if strings.EqualFold(p.entries[i].Level, level) {
			p.entries[i].Value = value
			return
		}
	}
	p.entries = append(p.entries, entry{Level: level, Value: value})
}

// GetValue returns the value stored for a level, or "" when the level
// is absent.
func (p *Path) GetValue(level string) string {
	for _, e := range p.entries {
		if strings.EqualFold(e.Level, level) {
			return e.Value
		}
	}
	return ""
}

// FullPath joins the non-empty level values with '/'.
func (p *Path) FullPath() string {
	vals := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		if e.Value != "" {
			vals = append(vals, e.Value)
		}
	}
	return strings.Join(vals, "/")
}

// IsEmpty reports whether no level carries a value.
func (p *Path) IsEmpty() bool {
	for _, e := range p.entries {
		if e.Value != "" {
			return false
		}
	}
	return true
}

// Levels returns the level names present in this path, in order.
func (p *Path) Levels() []string {
	names := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		names = append(names, e.Level)
	}
	return names
}

// Clone returns a deep copy of the path.
func (p *Path) Clone() *Path {
	c := &Path{entries: make([]entry, len(p.entries))}
	copy(c.entries, p.entries)
	return c
}

// Equal compares two paths level by level, case-insensitively on both
// level names and values.  Levels that are empty on both sides are
// ignored, so paths differing only in missing optional levels compare
// equal.
func (p *Path) Equal(o *Path) bool {
	if p == nil || o == nil {
		return p == o
	}
	seen := make(map[string]bool)
	for _, e := range p.entries {
		key := strings.ToLower(e.Level)
		seen[key] = true
		if !strings.EqualFold(e.Value, o.GetValue(e.Level)) {
			return false
		}
	}
	for _, e := range o.entries {
		if seen[strings.ToLower(e.Level)] {
			continue
		}
		if e.Value != "" {
			return false
		}
	}
	return true
}

// MarshalJSON preserves level order as an array of level/value pairs.
func (p *Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.entries)
}

// UnmarshalJSON restores a path from its ordered array form.
func (p *Path) UnmarshalJSON(data []byte) error {
	p.entries = nil
	return json.Unmarshal(data, &p.entries)
}
