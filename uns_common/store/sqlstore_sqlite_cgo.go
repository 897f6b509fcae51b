//go:build cgo
// +build cgo

/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package store

import sqlite3 "github.com/mattn/go-sqlite3"

func isSQLiteUniqueViolation(err error) bool {
	if se, ok := err.(sqlite3.Error); ok {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
