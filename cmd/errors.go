// SPDX-License-Identifier: Apache-2.0

package cmd

import "errors"

var errMissingDatabaseURL = errors.New("no database URL provided, set --db-url or DATABASE_URL")
