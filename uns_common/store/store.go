/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package store declares the persistence contracts for the broker's
// durable entities and provides SQL (sqlite/postgres) and in-memory
// implementations.  The interface-per-entity shape facilitates mocking.
// See http://www.alexedwards.net/blog/organising-database-access
package store

import (
	"context"
	"fmt"

	"uns/common/hierpath"
	"uns/common/unsdata"
)

// NotFoundError is returned when the requested record is not present.
type NotFoundError struct {
	s string
}

func (e NotFoundError) Error() string {
	return e.s
}

// NotFoundf builds a NotFoundError.
func NotFoundf(format string, args ...interface{}) NotFoundError {
	return NotFoundError{s: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(NotFoundError)
	return ok
}

// PreconditionError is returned when a mutation would violate a model
// invariant; the operation has not mutated anything.
type PreconditionError struct {
	Rule   string
	Detail string
}

func (e PreconditionError) Error() string {
	if e.Detail == "" {
		return e.Rule
	}
	return e.Rule + ": " + e.Detail
}

// Preconditionf builds a PreconditionError.
func Preconditionf(rule, format string, args ...interface{}) PreconditionError {
	return PreconditionError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	_, ok := err.(PreconditionError)
	return ok
}

// TopicStore is the durable home of topic configurations, keyed by the
// raw source topic.  Save is an idempotent upsert: a unique-key race
// between two writers is resolved by a silent retry, and callers only
// ever see success or a hard storage failure.
type TopicStore interface {
	Get(ctx context.Context, topic string) (*unsdata.TopicConfiguration, error)
	GetAll(ctx context.Context, verifiedOnly bool) ([]*unsdata.TopicConfiguration, error)
	GetUnverified(ctx context.Context) ([]*unsdata.TopicConfiguration, error)
	Save(ctx context.Context, cfg *unsdata.TopicConfiguration) error
	Delete(ctx context.Context, topic string) error
	Verify(ctx context.Context, topic, by string) error

	// ClearNSPathPrefix nulls out NSPath on every topic whose NSPath
	// starts with the given subtree path, returning how many rows
	// changed.  Used by namespace deletion cascades.
	ClearNSPathPrefix(ctx context.Context, prefix string) (int, error)
}

// InstanceStore persists the concrete nodes of the namespace tree.
type InstanceStore interface {
	Get(ctx context.Context, id string) (*unsdata.NSTreeInstance, error)
	GetAll(ctx context.Context, activeOnly bool) ([]*unsdata.NSTreeInstance, error)
	Save(ctx context.Context, inst *unsdata.NSTreeInstance) error
	Delete(ctx context.Context, id string) error
}

// NamespaceStore persists namespace configurations.
type NamespaceStore interface {
	Get(ctx context.Context, id string) (*unsdata.NamespaceConfiguration, error)
	GetAll(ctx context.Context, activeOnly bool) ([]*unsdata.NamespaceConfiguration, error)
	Save(ctx context.Context, ns *unsdata.NamespaceConfiguration) error
	Delete(ctx context.Context, id string) error
}

// HierarchyStore persists hierarchy configurations.  GetActive returns
// NotFoundError when no configuration is active.
type HierarchyStore interface {
	Get(ctx context.Context, id string) (*hierpath.Configuration, error)
	GetAll(ctx context.Context, activeOnly bool) ([]*hierpath.Configuration, error)
	GetActive(ctx context.Context) (*hierpath.Configuration, error)
	Save(ctx context.Context, cfg *hierpath.Configuration) error
	Delete(ctx context.Context, id string) error
}

// ConnectionStore persists connection configurations.
type ConnectionStore interface {
	Get(ctx context.Context, id string) (*unsdata.ConnectionConfiguration, error)
	GetAll(ctx context.Context, activeOnly bool) ([]*unsdata.ConnectionConfiguration, error)
	Save(ctx context.Context, cfg *unsdata.ConnectionConfiguration) error
	Delete(ctx context.Context, id string) error
}

// RealtimeValueStore holds the latest data point per topic.
type RealtimeValueStore interface {
	GetLatest(ctx context.Context, topic string) (*unsdata.DataPoint, error)
	Put(ctx context.Context, point unsdata.DataPoint) error
}

// HistoricalStore appends data points to long-term storage.  Append is
// fire-and-forget from the caller's perspective; failures are logged by
// the fan-out, never propagated.
type HistoricalStore interface {
	Append(ctx context.Context, point unsdata.DataPoint) error
	Close() error
}
