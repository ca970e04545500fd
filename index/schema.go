package index

import (
	"fmt"
	"strings"

	"github.com/barecat-go/barecat/barepath"
)

const schemaVersion = 1

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// schemaSQL is rendered once per Open with the root-parent sentinel
// interpolated, since SQLite trigger bodies cannot take bind parameters.
// use_triggers is consulted from config inside every stats trigger's WHEN
// clause, exposed as a scoped guard on the index object.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS config (
	key        TEXT PRIMARY KEY,
	value_int  INTEGER,
	value_text TEXT
);

CREATE TABLE IF NOT EXISTS dirs (
	path           TEXT PRIMARY KEY,
	parent         TEXT NOT NULL,
	num_subdirs    INTEGER NOT NULL DEFAULT 0,
	num_files      INTEGER NOT NULL DEFAULT 0,
	size_tree      INTEGER NOT NULL DEFAULT 0,
	num_files_tree INTEGER NOT NULL DEFAULT 0,
	mode           INTEGER NOT NULL DEFAULT 493,
	uid            INTEGER NOT NULL DEFAULT 0,
	gid            INTEGER NOT NULL DEFAULT 0,
	mtime_ns       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS dirs_parent_idx ON dirs(parent);

CREATE TABLE IF NOT EXISTS files (
	path     TEXT PRIMARY KEY,
	parent   TEXT NOT NULL,
	shard    INTEGER NOT NULL,
	offset   INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	crc32c   INTEGER,
	mode     INTEGER NOT NULL DEFAULT 420,
	uid      INTEGER NOT NULL DEFAULT 0,
	gid      INTEGER NOT NULL DEFAULT 0,
	mtime_ns INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(parent) REFERENCES dirs(path)
);
CREATE INDEX IF NOT EXISTS files_parent_idx ON files(parent);
CREATE UNIQUE INDEX IF NOT EXISTS files_shard_offset_idx ON files(shard, offset);

INSERT OR IGNORE INTO dirs(path, parent) VALUES ('', %[1]s);
INSERT OR IGNORE INTO config(key, value_int) VALUES ('schema_version', %[2]d);
INSERT OR IGNORE INTO config(key, value_int) VALUES ('shard_size_limit', %[3]d);
INSERT OR IGNORE INTO config(key, value_int) VALUES ('use_triggers', 1);

DROP TRIGGER IF EXISTS dirs_ai_stats;
CREATE TRIGGER dirs_ai_stats AFTER INSERT ON dirs
WHEN NEW.path != '' AND (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET num_subdirs = num_subdirs + 1 WHERE path = NEW.parent;
END;

DROP TRIGGER IF EXISTS dirs_ad_stats;
CREATE TRIGGER dirs_ad_stats AFTER DELETE ON dirs
WHEN OLD.path != '' AND (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET num_subdirs = num_subdirs - 1 WHERE path = OLD.parent;
END;

DROP TRIGGER IF EXISTS files_ai_tree;
CREATE TRIGGER files_ai_tree AFTER INSERT ON files
WHEN (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET num_files = num_files + 1 WHERE path = NEW.parent;
	UPDATE dirs SET size_tree = size_tree + NEW.size, num_files_tree = num_files_tree + 1
	WHERE path IN (
		WITH RECURSIVE anc(path) AS (
			SELECT NEW.parent
			UNION ALL
			SELECT dirs.parent FROM dirs, anc WHERE dirs.path = anc.path AND dirs.parent != %[1]s
		)
		SELECT path FROM anc
	);
END;

DROP TRIGGER IF EXISTS files_ad_tree;
CREATE TRIGGER files_ad_tree AFTER DELETE ON files
WHEN (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET num_files = num_files - 1 WHERE path = OLD.parent;
	UPDATE dirs SET size_tree = size_tree - OLD.size, num_files_tree = num_files_tree - 1
	WHERE path IN (
		WITH RECURSIVE anc(path) AS (
			SELECT OLD.parent
			UNION ALL
			SELECT dirs.parent FROM dirs, anc WHERE dirs.path = anc.path AND dirs.parent != %[1]s
		)
		SELECT path FROM anc
	);
END;
`

func renderSchema(sizeLimit int64) string {
	return fmt.Sprintf(schemaTemplate, sqlQuote(barepath.NoParent), schemaVersion, sizeLimit)
}
