/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package unsdata

import (
	"time"

	"uns/common/hierpath"
)

// NSTreeInstance is a user-created concrete node of the namespace tree,
// realizing one hierarchy level (e.g. "Dallas" as a Site).
type NSTreeInstance struct {
	ID            string            `json:"id"`
	HierarchyNode string            `json:"hierarchyNode"`
	Name          string            `json:"name"`
	ParentID      string            `json:"parentId,omitempty"`
	Description   string            `json:"description,omitempty"`
	IsActive      bool              `json:"isActive"`
	CreatedAt     time.Time         `json:"createdAt"`
	ModifiedAt    time.Time         `json:"modifiedAt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NamespaceConfiguration is a leaf category attached under an instance
// path (e.g. "KPIs" under Enterprise/Dallas).
type NamespaceConfiguration struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type,omitempty"`
	Description string            `json:"description,omitempty"`
	ParentID    string            `json:"parentId,omitempty"`
	Anchor      *hierpath.Path    `json:"anchor,omitempty"`
	IsActive    bool              `json:"isActive"`
	CreatedAt   time.Time         `json:"createdAt"`
	ModifiedAt  time.Time         `json:"modifiedAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NSPath returns the materialized namespace path of the configuration:
// the anchor's hierarchical path followed by the namespace name.
func (n *NamespaceConfiguration) NSPath(parentPath string) string {
	if parentPath == "" && n.Anchor != nil {
		parentPath = n.Anchor.FullPath()
	}
	if parentPath == "" {
		return n.Name
	}
	return parentPath + "/" + n.Name
}
