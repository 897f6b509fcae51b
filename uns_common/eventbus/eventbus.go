/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package eventbus implements the in-process pub/sub channel connecting
// the broker's components.  A single Publish dispatches to every
// subscribed handler in parallel, bounded by a semaphore; handler
// failures are caught and logged so that siblings always run.
package eventbus

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/satori/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler is the callback registered by a subscriber.  Handlers for the
// same event may run in any order and in parallel.
type Handler func(ctx context.Context, ev Event)

// SubID identifies one subscription for later removal.
type SubID uint64

type subscription struct {
	id SubID
	fn Handler
}

// Bus is the process-wide event bus.  It is created once at startup and
// handed to each component as an explicit collaborator.
type Bus struct {
	slog *zap.SugaredLogger
	sem  *semaphore.Weighted

	mtx    sync.Mutex
	nextID SubID
	subs   map[Kind][]subscription

	published       *prometheus.CounterVec
	handlerFailures prometheus.Counter
}

// New returns a bus whose dispatch parallelism is bounded by width.  A
// width of 0 selects the CPU count.
func New(slog *zap.SugaredLogger, width int) *Bus {
	if width <= 0 {
		width = runtime.NumCPU()
	}
	b := &Bus{
		slog: slog,
		sem:  semaphore.NewWeighted(int64(width)),
		subs: make(map[Kind][]subscription),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uns_bus_events_published",
				Help: "Events published, by kind.",
			}, []string{"kind"}),
		handlerFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "uns_bus_handler_failures",
				Help: "Subscriber handlers that panicked.",
			}),
	}
	return b
}

// Collectors returns the bus's prometheus collectors for registration
// by the daemon.
func (b *Bus) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.published, b.handlerFailures}
}

// Subscribe registers a handler for one event kind and returns an id
// that can later be passed to Unsubscribe.
func (b *Bus) Subscribe(kind Kind, fn Handler) SubID {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, fn: fn})
	return id
}

// Unsubscribe removes a previously registered handler.  Removing an
// unknown id is a no-op.
func (b *Bus) Unsubscribe(kind Kind, id SubID) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// dispatchKey marks contexts handed to handlers, so a re-entrant
// Publish can be told apart from an outside one.
type dispatchKey struct{}

// Publish delivers the event to every subscriber of its kind and
// returns when all handlers have completed or failed.  The subscriber
// list is snapshotted up front, so handlers never run under the bus
// lock and each subscriber observes the event exactly once.
//
// A Publish issued from inside a handler runs its subscribers inline on
// the handler's goroutine: the handler already holds a dispatch slot,
// and acquiring more from its call tree can exhaust the pool and
// deadlock at small widths.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	meta := ev.EventMeta()
	if uuid.Equal(meta.EventID, uuid.Nil) {
		meta.EventID = uuid.NewV4()
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}

	b.mtx.Lock()
	snapshot := append([]subscription(nil), b.subs[ev.Kind()]...)
	b.mtx.Unlock()

	b.published.WithLabelValues(string(ev.Kind())).Inc()
	if len(snapshot) == 0 {
		return
	}

	if ctx.Value(dispatchKey{}) != nil {
		for _, sub := range snapshot {
			b.invoke(ctx, ev, sub.fn)
		}
		return
	}

	hctx := context.WithValue(ctx, dispatchKey{}, true)
	var wg sync.WaitGroup
	for _, sub := range snapshot {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			b.slog.Warnf("dispatch of %s aborted: %v", ev.Kind(), err)
			break
		}
		wg.Add(1)
		go func(s subscription) {
			defer wg.Done()
			defer b.sem.Release(1)
			b.invoke(hctx, ev, s.fn)
		}(sub)
	}
	wg.Wait()
}

func (b *Bus) invoke(ctx context.Context, ev Event, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailures.Inc()
			b.slog.Errorf("handler for %s panicked: %v", ev.Kind(), r)
		}
	}()
	fn(ctx, ev)
}
