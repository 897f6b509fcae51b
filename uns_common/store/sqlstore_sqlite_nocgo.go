//go:build !cgo
// +build !cgo

/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package store

// Without cgo the sqlite3 driver is a stub whose Open always fails, so a
// sqlite unique-constraint error can never be observed; sqlite3.Error is
// also not compiled in that configuration.
func isSQLiteUniqueViolation(err error) bool {
	return false
}
