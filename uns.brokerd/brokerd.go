/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// uns.brokerd is the unified-namespace broker daemon.  It ingests data
// from configured source connections, decomposes it onto namespace
// topics, auto-maps new topics into the hierarchy, and exports data and
// structure to downstream brokers.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tomazk/envcfg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"uns/common/hierpath"
	"uns/common/nstree"
	"uns/common/unsdata"
	"uns/uns_common/automap"
	"uns/uns_common/browser"
	"uns/uns_common/connmgr"
	"uns/uns_common/eventbus"
	"uns/uns_common/export"
	"uns/uns_common/ingest"
	"uns/uns_common/mqttcli"
	"uns/uns_common/realtime"
	"uns/uns_common/sparkplug"
	"uns/uns_common/store"
)

const pname = "uns.brokerd"

var (
	addr = flag.String("listen-address", ":3600",
		"The address to listen on for HTTP requests.")
	configFlag = flag.String("config", "", "JSON bootstrap config file")
	levelFlag  = zap.LevelFlag("log-level", zapcore.DebugLevel,
		"zap log level")

	logger  *zap.Logger
	slogger *zap.SugaredLogger

	// Version is replaced by the build step.
	Version = "undefined"
)

// stores bundles the per-entity views of whichever backend is active.
type stores struct {
	topics      store.TopicStore
	instances   store.InstanceStore
	namespaces  store.NamespaceStore
	hierarchies store.HierarchyStore
	connections store.ConnectionStore
	closer      func() error
}

// exporter is the shared lifecycle of the data and model engines.
type exporter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

func zapSetup() {
	var err error
	zapConfig := zap.NewDevelopmentConfig()
	logger, err = zapConfig.Build()
	if err != nil {
		log.Panicf("can't zap: %s", err)
	}
	zapConfig.Level.SetLevel(*levelFlag)
	slogger = logger.Sugar()
	_ = zap.RedirectStdLog(logger)
}

// openStores connects the configured storage backend.  Unreachable
// storage is fatal; the daemon cannot run without its configuration.
func openStores(env *envConfig) (*stores, error) {
	switch env.StoreProvider {
	case "", "memory":
		return &stores{
			topics:      store.NewMemTopicStore(),
			instances:   store.NewMemInstanceStore(),
			namespaces:  store.NewMemNamespaceStore(),
			hierarchies: store.NewMemHierarchyStore(),
			connections: store.NewMemConnectionStore(),
			closer:      func() error { return nil },
		}, nil
	case "sqlite", "postgres":
		sdb, err := store.ConnectSQL(env.StoreProvider, env.StoreConnect)
		if err != nil {
			return nil, errors.Wrapf(err, "connecting %s store", env.StoreProvider)
		}
		return &stores{
			topics:      sdb,
			instances:   sdb.Instances(),
			namespaces:  sdb.Namespaces(),
			hierarchies: sdb.Hierarchies(),
			connections: sdb.Connections(),
			closer:      sdb.Close,
		}, nil
	}
	return nil, errors.Errorf("unknown store provider %q", env.StoreProvider)
}

// activeHierarchy returns the active hierarchy configuration, seeding
// the default ISA-95 layout on a fresh store.
func activeHierarchy(ctx context.Context, db *stores, boot *fileConfig) (*hierpath.Configuration, error) {
	if boot != nil && boot.Hierarchy != nil {
		if err := db.hierarchies.Save(ctx, boot.Hierarchy); err != nil {
			return nil, errors.Wrap(err, "saving bootstrap hierarchy")
		}
	}
	hier, err := db.hierarchies.GetActive(ctx)
	if err == nil {
		return hier, nil
	}
	if !store.IsNotFound(err) {
		return nil, errors.Wrap(err, "loading hierarchy")
	}
	hier = hierpath.DefaultConfiguration()
	if err := db.hierarchies.Save(ctx, hier); err != nil {
		return nil, errors.Wrap(err, "seeding default hierarchy")
	}
	slogger.Infof("seeded default hierarchy %q", hier.Name)
	return hier, nil
}

// syncConnections upserts the bootstrap connection documents into the
// store and returns every enabled configuration.
func syncConnections(ctx context.Context, db *stores, boot *fileConfig) ([]*unsdata.ConnectionConfiguration, error) {
	if boot != nil {
		for i := range boot.Connections {
			if err := db.connections.Save(ctx, &boot.Connections[i]); err != nil {
				return nil, errors.Wrapf(err, "saving connection %s",
					boot.Connections[i].ID)
			}
		}
	}
	return db.connections.GetAll(ctx, true)
}

// startConnection brings up the ingest session and exporters of one
// connection.  Partial failure is logged, never fatal: a broker that is
// down at boot must not take the daemon with it.
func startConnection(ctx context.Context, cfg *unsdata.ConnectionConfiguration,
	pool *connmgr.Manager, bus *eventbus.Bus, mapper *automap.Mapper,
	db *stores, values store.RealtimeValueStore, tree *nstree.Service,
	sessions *[]*ingest.Session, exporters *[]exporter) {

	if len(cfg.Inputs) > 0 {
		sess := ingest.NewSession(slogger, pool, bus, sparkplug.NopCodec{}, cfg)
		if err := sess.Start(ctx); err != nil {
			slogger.Errorf("connection %s ingest: %v", cfg.Name, err)
			connectionFailures.Inc()
		} else {
			mapper.SetConfig(cfg.Name, sess.AutoMapper())
			*sessions = append(*sessions, sess)
			connectionsLive.Inc()
		}
	}

	for _, out := range cfg.Outputs {
		if !out.Enabled {
			continue
		}
		var engines []exporter
		if out.Type == unsdata.OutputData || out.Type == unsdata.OutputBoth {
			e, err := export.NewDataExporter(slogger, pool, db.topics,
				values, sparkplug.NopCodec{}, cfg.ID, out)
			if err != nil {
				slogger.Errorf("output %s: %v", out.Name, err)
				continue
			}
			engines = append(engines, e)
		}
		if out.Type == unsdata.OutputModel || out.Type == unsdata.OutputBoth {
			e, err := export.NewModelExporter(slogger, pool, tree, bus,
				cfg.ID, out)
			if err != nil {
				slogger.Errorf("output %s: %v", out.Name, err)
				continue
			}
			engines = append(engines, e)
		}
		for _, e := range engines {
			if err := e.Start(ctx); err != nil {
				slogger.Errorf("output %s start: %v", out.Name, err)
				connectionFailures.Inc()
				continue
			}
			*exporters = append(*exporters, e)
		}
	}
}

func main() {
	flag.Parse()
	zapSetup()
	ctx := context.Background()

	var env envConfig
	if err := envcfg.Unmarshal(&env); err != nil {
		slogger.Fatalf("bad environment: %s", err)
	}
	if *configFlag != "" {
		env.ConfigPath = *configFlag
	}
	if env.PrometheusPort != "" {
		*addr = env.PrometheusPort
	}
	slogger.Infof("starting %s %s", pname, Version)

	var boot *fileConfig
	if env.ConfigPath != "" {
		var err error
		if boot, err = loadFileConfig(env.ConfigPath); err != nil {
			slogger.Fatalf("bootstrap config: %s", err)
		}
	}

	db, err := openStores(&env)
	if err != nil {
		slogger.Fatalf("storage: %s", err)
	}
	defer db.closer()

	hier, err := activeHierarchy(ctx, db, boot)
	if err != nil {
		slogger.Fatalf("hierarchy: %s", err)
	}

	var history store.HistoricalStore
	if env.HistoryPath != "" {
		h, err := store.OpenHistorical(env.HistoryPath)
		if err != nil {
			slogger.Fatalf("history store: %s", err)
		}
		history = h
		defer h.Close()
	}

	mqttcli.LogToZap(logger)
	bus := eventbus.New(slogger, env.DispatchWidth)
	values := store.NewMemRealtimeStore()
	tree := nstree.New(slogger, hier, db.instances, db.namespaces, db.topics, bus)
	pool := connmgr.New(slogger, db.connections, nil)

	registerMetrics()
	prometheus.MustRegister(bus.Collectors()...)
	prometheus.MustRegister(ingest.Collectors()...)
	prometheus.MustRegister(automap.Collectors()...)
	prometheus.MustRegister(export.Collectors()...)
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(*addr, nil)
	slogger.Debugf("prometheus client launched on %s", *addr)

	mapper := automap.New(slogger, db.topics, tree, hier, bus)
	mapper.Attach()
	fanout := realtime.New(slogger, values, history)
	fanout.Attach(bus)
	browse := browser.New(slogger, db.topics, tree, bus)
	browse.Attach()

	conns, err := syncConnections(ctx, db, boot)
	if err != nil {
		slogger.Fatalf("connections: %s", err)
	}
	var sessions []*ingest.Session
	var exporters []exporter
	for _, cfg := range conns {
		if !cfg.AutoStart {
			continue
		}
		startConnection(ctx, cfg, pool, bus, mapper, db, values, tree,
			&sessions, &exporters)
	}
	slogger.Infof("%d ingest sessions, %d exporters running",
		len(sessions), len(exporters))

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slogger.Infof("Signal (%v) received, shutting down", s)

	var wg sync.WaitGroup
	for _, e := range exporters {
		wg.Add(1)
		go func(e exporter) {
			defer wg.Done()
			e.Stop(ctx)
		}(e)
	}
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *ingest.Session) {
			defer wg.Done()
			sess.Stop(ctx)
		}(sess)
	}
	wg.Wait()
	fanout.Drain()
	pool.StopAll()
	slogger.Infof("Exiting")
}
