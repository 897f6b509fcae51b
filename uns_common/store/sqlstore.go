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
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/guregu/null"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"uns/common/hierpath"
	"uns/common/unsdata"
)

// SQLStore implements the persistence contracts over a relational
// database.  Provider is either "sqlite" or "postgres".
type SQLStore struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS topic_config (
	topic       TEXT PRIMARY KEY,
	source_type TEXT NOT NULL DEFAULT '',
	path_json   TEXT NOT NULL DEFAULT '[]',
	uns_name    TEXT NOT NULL DEFAULT '',
	ns_path     TEXT,
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMP NOT NULL,
	modified_at TIMESTAMP NOT NULL,
	created_by  TEXT,
	metadata_json TEXT
);
CREATE TABLE IF NOT EXISTS ns_instance (
	id             TEXT PRIMARY KEY,
	hierarchy_node TEXT NOT NULL,
	name           TEXT NOT NULL,
	parent_id      TEXT,
	description    TEXT NOT NULL DEFAULT '',
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMP NOT NULL,
	modified_at    TIMESTAMP NOT NULL,
	metadata_json  TEXT
);
CREATE TABLE IF NOT EXISTS namespace_config (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	ns_type       TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	parent_id     TEXT,
	anchor_json   TEXT,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMP NOT NULL,
	modified_at   TIMESTAMP NOT NULL,
	metadata_json TEXT
);
CREATE TABLE IF NOT EXISTS hierarchy_config (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	version        INTEGER NOT NULL DEFAULT 1,
	active         BOOLEAN NOT NULL DEFAULT FALSE,
	system_defined BOOLEAN NOT NULL DEFAULT FALSE,
	levels_json    TEXT NOT NULL DEFAULT '[]',
	created_at     TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS connection_config (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	doc_json   TEXT NOT NULL,
	enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	auto_start BOOLEAN NOT NULL DEFAULT TRUE
);
`

// ConnectSQL opens the store and bootstraps the schema.  The provider
// selects the driver; the connection string is driver-specific (a file
// path for sqlite, a DSN for postgres).
func ConnectSQL(provider, connString string) (*SQLStore, error) {
	var driver string
	switch provider {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return nil, errors.Errorf("unknown storage provider %q", provider)
	}

	db, err := sqlx.Open(driver, connString)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s store", provider)
	}
	// Keep the connection count modest; sqlite in particular behaves
	// badly under a large pool.
	db.SetMaxOpenConns(16)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "storage unreachable")
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "bootstrapping schema")
		}
	}
	return &SQLStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqe, ok := err.(*pq.Error); ok {
		return pqe.Code == "23505"
	}
	return isSQLiteUniqueViolation(err)
}

func marshalJSON(v interface{}) null.String {
	if v == nil {
		return null.String{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return null.String{}
	}
	return null.StringFrom(string(b))
}

type topicRow struct {
	Topic        string      `db:"topic"`
	SourceType   string      `db:"source_type"`
	PathJSON     string      `db:"path_json"`
	UNSName      string      `db:"uns_name"`
	NSPath       null.String `db:"ns_path"`
	IsVerified   bool        `db:"is_verified"`
	IsActive     bool        `db:"is_active"`
	CreatedAt    time.Time   `db:"created_at"`
	ModifiedAt   time.Time   `db:"modified_at"`
	CreatedBy    null.String `db:"created_by"`
	MetadataJSON null.String `db:"metadata_json"`
}

func (r *topicRow) config() (*unsdata.TopicConfiguration, error) {
	cfg := &unsdata.TopicConfiguration{
		Topic:      r.Topic,
		SourceType: r.SourceType,
		UNSName:    r.UNSName,
		NSPath:     r.NSPath.String,
		IsVerified: r.IsVerified,
		IsActive:   r.IsActive,
		CreatedAt:  r.CreatedAt,
		ModifiedAt: r.ModifiedAt,
		CreatedBy:  r.CreatedBy.String,
	}
	cfg.Path = hierpath.New()
	if err := json.Unmarshal([]byte(r.PathJSON), cfg.Path); err != nil {
		return nil, errors.Wrapf(err, "decoding path for %q", r.Topic)
	}
	if r.MetadataJSON.Valid {
		if err := json.Unmarshal([]byte(r.MetadataJSON.String), &cfg.Metadata); err != nil {
			return nil, errors.Wrapf(err, "decoding metadata for %q", r.Topic)
		}
	}
	return cfg, nil
}

// Get implements TopicStore.
func (s *SQLStore) Get(ctx context.Context, topic string) (*unsdata.TopicConfiguration, error) {
	var row topicRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind("SELECT * FROM topic_config WHERE topic = ?"), topic)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("no such topic %q", topic)
	} else if err != nil {
		return nil, errors.Wrap(err, "topic get")
	}
	return row.config()
}

func (s *SQLStore) topicQuery(ctx context.Context, query string, args ...interface{}) ([]*unsdata.TopicConfiguration, error) {
	var rows []topicRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "topic select")
	}
	out := make([]*unsdata.TopicConfiguration, 0, len(rows))
	for i := range rows {
		cfg, err := rows[i].config()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// GetAll implements TopicStore.
func (s *SQLStore) GetAll(ctx context.Context, verifiedOnly bool) ([]*unsdata.TopicConfiguration, error) {
	if verifiedOnly {
		return s.topicQuery(ctx, "SELECT * FROM topic_config WHERE is_verified")
	}
	return s.topicQuery(ctx, "SELECT * FROM topic_config")
}

// GetUnverified implements TopicStore.
func (s *SQLStore) GetUnverified(ctx context.Context) ([]*unsdata.TopicConfiguration, error) {
	return s.topicQuery(ctx, "SELECT * FROM topic_config WHERE NOT is_verified")
}

// Save implements TopicStore.  The upsert first tries an UPDATE; a
// missing row falls through to INSERT.  If two writers race on the same
// new topic, the loser's INSERT hits the primary key and the upsert is
// silently replayed as an UPDATE.
func (s *SQLStore) Save(ctx context.Context, cfg *unsdata.TopicConfiguration) error {
	now := time.Now()
	pathJSON, err := json.Marshal(cfg.Path)
	if err != nil {
		return errors.Wrap(err, "encoding path")
	}
	nsPath := null.String{}
	if cfg.NSPath != "" {
		nsPath = null.StringFrom(cfg.NSPath)
	}
	createdBy := null.String{}
	if cfg.CreatedBy != "" {
		createdBy = null.StringFrom(cfg.CreatedBy)
	}
	meta := marshalJSON(cfg.Metadata)

	update := s.db.Rebind(`UPDATE topic_config SET
		source_type = ?, path_json = ?, uns_name = ?, ns_path = ?,
		is_verified = ?, is_active = ?, modified_at = ?, metadata_json = ?
		WHERE topic = ?`)
	insert := s.db.Rebind(`INSERT INTO topic_config
		(topic, source_type, path_json, uns_name, ns_path, is_verified,
		 is_active, created_at, modified_at, created_by, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.db.ExecContext(ctx, update,
			cfg.SourceType, string(pathJSON), cfg.UNSName, nsPath,
			cfg.IsVerified, cfg.IsActive, now, meta, cfg.Topic)
		if err != nil {
			return errors.Wrap(err, "topic update")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		createdAt := cfg.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err = s.db.ExecContext(ctx, insert,
			cfg.Topic, cfg.SourceType, string(pathJSON), cfg.UNSName,
			nsPath, cfg.IsVerified, cfg.IsActive, createdAt, now,
			createdBy, meta)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return errors.Wrap(err, "topic insert")
		}
		// Lost the insert race; replay as an update.
	}
	return errors.Errorf("topic upsert did not converge for %q", cfg.Topic)
}

// Delete implements TopicStore.
func (s *SQLStore) Delete(ctx context.Context, topic string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM topic_config WHERE topic = ?"), topic)
	return errors.Wrap(err, "topic delete")
}

// Verify implements TopicStore.
func (s *SQLStore) Verify(ctx context.Context, topic, by string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE topic_config SET is_verified = ?, created_by = ?,
		 modified_at = ? WHERE topic = ?`),
		true, by, time.Now(), topic)
	if err != nil {
		return errors.Wrap(err, "topic verify")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundf("no such topic %q", topic)
	}
	return nil
}

// ClearNSPathPrefix implements TopicStore.
func (s *SQLStore) ClearNSPathPrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE topic_config SET ns_path = NULL, modified_at = ?
		 WHERE ns_path = ? OR ns_path LIKE ?`),
		time.Now(), prefix, prefix+"/%")
	if err != nil {
		return 0, errors.Wrap(err, "clearing ns paths")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Instances returns the InstanceStore view of this database.
func (s *SQLStore) Instances() InstanceStore { return &sqlInstanceStore{s.db} }

// Namespaces returns the NamespaceStore view of this database.
func (s *SQLStore) Namespaces() NamespaceStore { return &sqlNamespaceStore{s.db} }

// Hierarchies returns the HierarchyStore view of this database.
func (s *SQLStore) Hierarchies() HierarchyStore { return &sqlHierarchyStore{s.db} }

// Connections returns the ConnectionStore view of this database.
func (s *SQLStore) Connections() ConnectionStore { return &sqlConnectionStore{s.db} }

type instanceRow struct {
	ID            string      `db:"id"`
	HierarchyNode string      `db:"hierarchy_node"`
	Name          string      `db:"name"`
	ParentID      null.String `db:"parent_id"`
	Description   string      `db:"description"`
	IsActive      bool        `db:"is_active"`
	CreatedAt     time.Time   `db:"created_at"`
	ModifiedAt    time.Time   `db:"modified_at"`
	MetadataJSON  null.String `db:"metadata_json"`
}

func (r *instanceRow) instance() *unsdata.NSTreeInstance {
	inst := &unsdata.NSTreeInstance{
		ID:            r.ID,
		HierarchyNode: r.HierarchyNode,
		Name:          r.Name,
		ParentID:      r.ParentID.String,
		Description:   r.Description,
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt,
		ModifiedAt:    r.ModifiedAt,
	}
	if r.MetadataJSON.Valid {
		_ = json.Unmarshal([]byte(r.MetadataJSON.String), &inst.Metadata)
	}
	return inst
}

type sqlInstanceStore struct {
	db *sqlx.DB
}

func (s *sqlInstanceStore) Get(ctx context.Context, id string) (*unsdata.NSTreeInstance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind("SELECT * FROM ns_instance WHERE id = ?"), id)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("no such instance %q", id)
	} else if err != nil {
		return nil, errors.Wrap(err, "instance get")
	}
	return row.instance(), nil
}

func (s *sqlInstanceStore) GetAll(ctx context.Context, activeOnly bool) ([]*unsdata.NSTreeInstance, error) {
	query := "SELECT * FROM ns_instance"
	if activeOnly {
		query += " WHERE is_active"
	}
	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Wrap(err, "instance select")
	}
	out := make([]*unsdata.NSTreeInstance, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].instance())
	}
	return out, nil
}

func (s *sqlInstanceStore) Save(ctx context.Context, inst *unsdata.NSTreeInstance) error {
	now := time.Now()
	parent := null.String{}
	if inst.ParentID != "" {
		parent = null.StringFrom(inst.ParentID)
	}
	meta := marshalJSON(inst.Metadata)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE ns_instance SET hierarchy_node = ?, name = ?,
		 parent_id = ?, description = ?, is_active = ?, modified_at = ?,
		 metadata_json = ? WHERE id = ?`),
		inst.HierarchyNode, inst.Name, parent, inst.Description,
		inst.IsActive, now, meta, inst.ID)
	if err != nil {
		return errors.Wrap(err, "instance update")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO ns_instance (id, hierarchy_node, name, parent_id,
		 description, is_active, created_at, modified_at, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inst.ID, inst.HierarchyNode, inst.Name, parent, inst.Description,
		inst.IsActive, createdAt, now, meta)
	return errors.Wrap(err, "instance insert")
}

func (s *sqlInstanceStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM ns_instance WHERE id = ?"), id)
	if err != nil {
		return errors.Wrap(err, "instance delete")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundf("no such instance %q", id)
	}
	return nil
}

type namespaceRow struct {
	ID           string      `db:"id"`
	Name         string      `db:"name"`
	NSType       string      `db:"ns_type"`
	Description  string      `db:"description"`
	ParentID     null.String `db:"parent_id"`
	AnchorJSON   null.String `db:"anchor_json"`
	IsActive     bool        `db:"is_active"`
	CreatedAt    time.Time   `db:"created_at"`
	ModifiedAt   time.Time   `db:"modified_at"`
	MetadataJSON null.String `db:"metadata_json"`
}

func (r *namespaceRow) namespace() (*unsdata.NamespaceConfiguration, error) {
	ns := &unsdata.NamespaceConfiguration{
		ID:          r.ID,
		Name:        r.Name,
		Type:        r.NSType,
		Description: r.Description,
		ParentID:    r.ParentID.String,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		ModifiedAt:  r.ModifiedAt,
	}
	if r.AnchorJSON.Valid {
		ns.Anchor = hierpath.New()
		if err := json.Unmarshal([]byte(r.AnchorJSON.String), ns.Anchor); err != nil {
			return nil, errors.Wrapf(err, "decoding anchor for %q", r.ID)
		}
	}
	if r.MetadataJSON.Valid {
		_ = json.Unmarshal([]byte(r.MetadataJSON.String), &ns.Metadata)
	}
	return ns, nil
}

type sqlNamespaceStore struct {
	db *sqlx.DB
}

func (s *sqlNamespaceStore) Get(ctx context.Context, id string) (*unsdata.NamespaceConfiguration, error) {
	var row namespaceRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind("SELECT * FROM namespace_config WHERE id = ?"), id)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("no such namespace %q", id)
	} else if err != nil {
		return nil, errors.Wrap(err, "namespace get")
	}
	return row.namespace()
}

func (s *sqlNamespaceStore) GetAll(ctx context.Context, activeOnly bool) ([]*unsdata.NamespaceConfiguration, error) {
	query := "SELECT * FROM namespace_config"
	if activeOnly {
		query += " WHERE is_active"
	}
	var rows []namespaceRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Wrap(err, "namespace select")
	}
	out := make([]*unsdata.NamespaceConfiguration, 0, len(rows))
	for i := range rows {
		ns, err := rows[i].namespace()
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, nil
}

func (s *sqlNamespaceStore) Save(ctx context.Context, ns *unsdata.NamespaceConfiguration) error {
	now := time.Now()
	parent := null.String{}
	if ns.ParentID != "" {
		parent = null.StringFrom(ns.ParentID)
	}
	anchor := null.String{}
	if ns.Anchor != nil {
		anchor = marshalJSON(ns.Anchor)
	}
	meta := marshalJSON(ns.Metadata)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE namespace_config SET name = ?, ns_type = ?,
		 description = ?, parent_id = ?, anchor_json = ?, is_active = ?,
		 modified_at = ?, metadata_json = ? WHERE id = ?`),
		ns.Name, ns.Type, ns.Description, parent, anchor, ns.IsActive,
		now, meta, ns.ID)
	if err != nil {
		return errors.Wrap(err, "namespace update")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	createdAt := ns.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO namespace_config (id, name, ns_type, description,
		 parent_id, anchor_json, is_active, created_at, modified_at,
		 metadata_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ns.ID, ns.Name, ns.Type, ns.Description, parent, anchor,
		ns.IsActive, createdAt, now, meta)
	return errors.Wrap(err, "namespace insert")
}

func (s *sqlNamespaceStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM namespace_config WHERE id = ?"), id)
	if err != nil {
		return errors.Wrap(err, "namespace delete")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundf("no such namespace %q", id)
	}
	return nil
}

type hierarchyRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	Version       int       `db:"version"`
	Active        bool      `db:"active"`
	SystemDefined bool      `db:"system_defined"`
	LevelsJSON    string    `db:"levels_json"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r *hierarchyRow) configuration() (*hierpath.Configuration, error) {
	cfg := &hierpath.Configuration{
		ID:            r.ID,
		Name:          r.Name,
		Version:       r.Version,
		Active:        r.Active,
		SystemDefined: r.SystemDefined,
		CreatedAt:     r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.LevelsJSON), &cfg.Levels); err != nil {
		return nil, errors.Wrapf(err, "decoding levels for %q", r.ID)
	}
	return cfg, nil
}

type sqlHierarchyStore struct {
	db *sqlx.DB
}

func (s *sqlHierarchyStore) Get(ctx context.Context, id string) (*hierpath.Configuration, error) {
	var row hierarchyRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind("SELECT * FROM hierarchy_config WHERE id = ?"), id)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("no such hierarchy %q", id)
	} else if err != nil {
		return nil, errors.Wrap(err, "hierarchy get")
	}
	return row.configuration()
}

func (s *sqlHierarchyStore) GetAll(ctx context.Context, activeOnly bool) ([]*hierpath.Configuration, error) {
	query := "SELECT * FROM hierarchy_config"
	if activeOnly {
		query += " WHERE active"
	}
	var rows []hierarchyRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Wrap(err, "hierarchy select")
	}
	out := make([]*hierpath.Configuration, 0, len(rows))
	for i := range rows {
		cfg, err := rows[i].configuration()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *sqlHierarchyStore) GetActive(ctx context.Context) (*hierpath.Configuration, error) {
	var row hierarchyRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM hierarchy_config WHERE active LIMIT 1")
	if err == sql.ErrNoRows {
		return nil, NotFoundf("no active hierarchy configuration")
	} else if err != nil {
		return nil, errors.Wrap(err, "hierarchy get-active")
	}
	return row.configuration()
}

func (s *sqlHierarchyStore) Save(ctx context.Context, cfg *hierpath.Configuration) error {
	levels, err := json.Marshal(cfg.Levels)
	if err != nil {
		return errors.Wrap(err, "encoding levels")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE hierarchy_config SET name = ?, version = ?, active = ?,
		 system_defined = ?, levels_json = ? WHERE id = ?`),
		cfg.Name, cfg.Version, cfg.Active, cfg.SystemDefined,
		string(levels), cfg.ID)
	if err != nil {
		return errors.Wrap(err, "hierarchy update")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	createdAt := cfg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO hierarchy_config (id, name, version, active,
		 system_defined, levels_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		cfg.ID, cfg.Name, cfg.Version, cfg.Active, cfg.SystemDefined,
		string(levels), createdAt)
	return errors.Wrap(err, "hierarchy insert")
}

func (s *sqlHierarchyStore) Delete(ctx context.Context, id string) error {
	cfg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cfg.Active {
		return Preconditionf("hierarchy active", "%q is the active configuration", id)
	}
	if cfg.SystemDefined {
		return Preconditionf("hierarchy system-defined", "%q cannot be deleted", id)
	}
	_, err = s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM hierarchy_config WHERE id = ?"), id)
	return errors.Wrap(err, "hierarchy delete")
}

type connectionRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	DocJSON   string `db:"doc_json"`
	Enabled   bool   `db:"enabled"`
	AutoStart bool   `db:"auto_start"`
}

type sqlConnectionStore struct {
	db *sqlx.DB
}

func (r *connectionRow) configuration() (*unsdata.ConnectionConfiguration, error) {
	cfg := &unsdata.ConnectionConfiguration{}
	if err := json.Unmarshal([]byte(r.DocJSON), cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding connection %q", r.ID)
	}
	cfg.ID = r.ID
	cfg.Name = r.Name
	cfg.Enabled = r.Enabled
	cfg.AutoStart = r.AutoStart
	return cfg, nil
}

func (s *sqlConnectionStore) Get(ctx context.Context, id string) (*unsdata.ConnectionConfiguration, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind("SELECT * FROM connection_config WHERE id = ?"), id)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("no such connection %q", id)
	} else if err != nil {
		return nil, errors.Wrap(err, "connection get")
	}
	return row.configuration()
}

func (s *sqlConnectionStore) GetAll(ctx context.Context, activeOnly bool) ([]*unsdata.ConnectionConfiguration, error) {
	query := "SELECT * FROM connection_config"
	if activeOnly {
		query += " WHERE enabled"
	}
	var rows []connectionRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Wrap(err, "connection select")
	}
	out := make([]*unsdata.ConnectionConfiguration, 0, len(rows))
	for i := range rows {
		cfg, err := rows[i].configuration()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *sqlConnectionStore) Save(ctx context.Context, cfg *unsdata.ConnectionConfiguration) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding connection")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE connection_config SET name = ?, doc_json = ?,
		 enabled = ?, auto_start = ? WHERE id = ?`),
		cfg.Name, string(doc), cfg.Enabled, cfg.AutoStart, cfg.ID)
	if err != nil {
		return errors.Wrap(err, "connection update")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO connection_config (id, name, doc_json, enabled,
		 auto_start) VALUES (?, ?, ?, ?, ?)`),
		cfg.ID, cfg.Name, string(doc), cfg.Enabled, cfg.AutoStart)
	return errors.Wrap(err, "connection insert")
}

func (s *sqlConnectionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM connection_config WHERE id = ?"), id)
	if err != nil {
		return errors.Wrap(err, "connection delete")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundf("no such connection %q", id)
	}
	return nil
}
