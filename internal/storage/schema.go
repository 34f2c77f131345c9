// Copyright 2024 OvlStack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SchemaVersion is stored in layer_info and checked on open
const SchemaVersion = "1"

// FileType is the value of the "type" key of a layer file
const FileType = "layer"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// EnvBusyTimeout overrides the busy_timeout of every layer file
const EnvBusyTimeout = "OVLSTACK_BUSY_TIMEOUT"

// Root inode number
const RootIno = 1

// Package-level config value (set via SetConfigBusyTimeout)
var configBusyTimeout int

// SetConfigBusyTimeout sets the busy_timeout read from the settings file.
// A value of 0 is ignored (use env var or default).
func SetConfigBusyTimeout(timeout int) {
	configBusyTimeout = timeout
}

// GetBusyTimeout returns the busy_timeout value.
// Priority: env > config file > default
func GetBusyTimeout() int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	if configBusyTimeout > 0 {
		return configBusyTimeout
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN for a layer file
func BuildDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, GetBusyTimeout())
}

// Schema SQL for a layer file. Kinds are stored as layer.Kind values.
const layerFileSchema = `
-- Layer identity and schema version
CREATE TABLE IF NOT EXISTS layer_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Inodes; numbers are never reused so a decoded handle is either live or stale
CREATE TABLE IF NOT EXISTS inodes (
    ino INTEGER PRIMARY KEY AUTOINCREMENT,
    kind INTEGER NOT NULL,
    nlink INTEGER NOT NULL DEFAULT 1
);

-- Directory entries
CREATE TABLE IF NOT EXISTS dentries (
    parent_ino INTEGER NOT NULL,
    name TEXT NOT NULL,
    ino INTEGER NOT NULL,
    PRIMARY KEY (parent_ino, name)
);

CREATE INDEX IF NOT EXISTS idx_dentries_ino ON dentries(ino);

-- Extended attributes (overlay xattrs live here)
CREATE TABLE IF NOT EXISTS xattrs (
    ino INTEGER NOT NULL,
    name TEXT NOT NULL,
    value BLOB NOT NULL,
    PRIMARY KEY (ino, name)
);
`

// Initial data for a new layer file: version, type, handle uuid, store id
// and the root
const initLayerFile = `
INSERT OR IGNORE INTO layer_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO layer_info (key, value) VALUES ('type', ?);
INSERT OR IGNORE INTO layer_info (key, value) VALUES ('uuid', ?);
INSERT OR IGNORE INTO layer_info (key, value) VALUES ('store_id', ?);
INSERT OR IGNORE INTO layer_info (key, value) VALUES ('created_at', datetime('now'));

-- Root directory inode (ino=1)
INSERT OR IGNORE INTO inodes (ino, kind, nlink) VALUES (1, ?, 1);
`

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas configures a freshly opened layer file. libsql ignores
// DSN pragma parameters and pragmas are per connection, so the pool is
// pinned to one connection before they are set. busy_timeout goes first
// so switching to WAL waits for locks instead of failing.
func applyPragmas(db *sql.DB, readOnly bool) error {
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("busy_timeout = %d", GetBusyTimeout()),
		"journal_mode = WAL",
		"synchronous = NORMAL",
		"cache_size = -8000",
	}
	if readOnly {
		pragmas = append(pragmas, "query_only = ON")
	}
	for _, p := range pragmas {
		if err := execPragma(db, "PRAGMA "+p); err != nil {
			return fmt.Errorf("failed to set %s: %w", p, err)
		}
	}
	return nil
}

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	argIdx := 0
	for _, stmt := range splitStatements(sqlScript) {
		placeholders := strings.Count(stmt, "?")
		if argIdx+placeholders > len(args) {
			return fmt.Errorf("statement %q: missing arguments", stmt)
		}
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
