/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package realtime fans incoming data points out to the realtime value
// store and, optionally, a historical store.  The realtime write is the
// one that matters; history is best-effort.
package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"uns/uns_common/eventbus"
	"uns/uns_common/store"
)

// Fanout bridges the data-updated stream into storage.
type Fanout struct {
	slog    *zap.SugaredLogger
	values  store.RealtimeValueStore
	history store.HistoricalStore

	wg sync.WaitGroup
}

// New builds a fan-out.  history may be nil, in which case only the
// realtime store is written.
func New(slog *zap.SugaredLogger, values store.RealtimeValueStore,
	history store.HistoricalStore) *Fanout {

	return &Fanout{
		slog:    slog,
		values:  values,
		history: history,
	}
}

// Attach subscribes the fan-out to the bus.
func (f *Fanout) Attach(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.KindTopicDataUpdated, func(ctx context.Context, ev eventbus.Event) {
		upd, ok := ev.(*eventbus.TopicDataUpdated)
		if !ok {
			return
		}
		if err := f.values.Put(ctx, upd.Point); err != nil {
			f.slog.Errorf("realtime put %s: %v", upd.Point.Topic, err)
		}
		if f.history == nil {
			return
		}
		point := upd.Point
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if err := f.history.Append(context.Background(), point); err != nil {
				f.slog.Warnf("history append %s: %v", point.Topic, err)
			}
		}()
	})
}

// Drain waits for in-flight history appends; call during shutdown.
func (f *Fanout) Drain() {
	f.wg.Wait()
}
