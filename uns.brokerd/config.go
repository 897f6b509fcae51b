/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package main

import (
	"encoding/json"
	"io/ioutil"

	"github.com/pkg/errors"

	"uns/common/hierpath"
	"uns/common/unsdata"
)

// envConfig is populated from the environment at startup.  Flags
// override the listen address and config path.
type envConfig struct {
	PrometheusPort string `envcfg:"UNS_PROMETHEUS_PORT"`
	StoreProvider  string `envcfg:"UNS_STORE_PROVIDER"`
	StoreConnect   string `envcfg:"UNS_STORE_CONNECT"`
	HistoryPath    string `envcfg:"UNS_HISTORY_PATH"`
	ConfigPath     string `envcfg:"UNS_CONFIG_PATH"`
	DispatchWidth  int    `envcfg:"UNS_DISPATCH_WIDTH"`
}

// fileConfig is the optional JSON bootstrap document.  Connections are
// upserted into the store at startup, so the file and the store agree
// on every daemon restart.
type fileConfig struct {
	Hierarchy   *hierpath.Configuration           `json:"hierarchy,omitempty"`
	Connections []unsdata.ConnectionConfiguration `json:"connections,omitempty"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	cfg := &fileConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}
