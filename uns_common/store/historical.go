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
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"uns/common/unsdata"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS datapoint_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	topic      TEXT NOT NULL,
	value_json TEXT NOT NULL,
	value_kind TEXT NOT NULL,
	ts         TIMESTAMP NOT NULL,
	source     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS datapoint_history_topic ON datapoint_history (topic, ts);
`

// SQLiteHistoricalStore appends every ingested data point to a local
// sqlite file.  Writes are best-effort; the fan-out logs failures and
// moves on.
type SQLiteHistoricalStore struct {
	db *sqlx.DB
}

// OpenHistorical opens (creating if necessary) the append-only history
// database at the given path.
func OpenHistorical(path string) (*SQLiteHistoricalStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening historical store")
	}
	// A single writer avoids sqlite lock contention on the append path.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "bootstrapping history schema")
	}
	return &SQLiteHistoricalStore{db: db}, nil
}

// Append implements HistoricalStore.
func (s *SQLiteHistoricalStore) Append(ctx context.Context, point unsdata.DataPoint) error {
	val, err := json.Marshal(point.Value)
	if err != nil {
		return errors.Wrap(err, "encoding value")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO datapoint_history (topic, value_json, value_kind, ts, source)
		 VALUES (?, ?, ?, ?, ?)`,
		point.Topic, string(val), point.Value.Kind().String(),
		point.Timestamp, point.Source)
	return errors.Wrap(err, "appending data point")
}

// Close implements HistoricalStore.
func (s *SQLiteHistoricalStore) Close() error {
	return s.db.Close()
}
