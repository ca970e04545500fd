package index

import (
	"context"
	"fmt"
)

// StatMismatch describes one directory whose recorded tree statistics
// disagree with what a fresh recomputation from the files/dirs tables
// produces.
type StatMismatch struct {
	Path                   string
	WantNumFiles, GotNumFiles             int64
	WantNumSubdirs, GotNumSubdirs         int64
	WantSizeTree, GotSizeTree             int64
	WantNumFilesTree, GotNumFilesTree     int64
}

// IntegrityReport summarizes the result of VerifyIntegrity.
type IntegrityReport struct {
	SQLiteErrors  []string
	StatMismatches []StatMismatch
	// Truncated is set when more than ten statistic mismatches were found
	// and collection stopped early.
	Truncated bool
}

func (r IntegrityReport) OK() bool {
	return len(r.SQLiteErrors) == 0 && len(r.StatMismatches) == 0
}

const maxReportedMismatches = 10

// VerifyIntegrity runs SQLite's own consistency checks (PRAGMA
// integrity_check, PRAGMA foreign_key_check) and then recomputes every
// directory's num_subdirs/num_files/size_tree/num_files_tree from scratch
// in a scratch temp table, reporting any directory where the recomputed
// values disagree with what's stored. It does not verify file content
// checksums; that's the archive façade's job.
func (ix *Index) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport

	rows, err := ix.db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return report, err
	}
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			rows.Close()
			return report, err
		}
		if msg != "ok" {
			report.SQLiteErrors = append(report.SQLiteErrors, msg)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report, err
	}
	rows.Close()

	fkRows, err := ix.db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return report, err
	}
	for fkRows.Next() {
		var table string
		var rowid, fkid int64
		var parent string
		if err := fkRows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			fkRows.Close()
			return report, err
		}
		report.SQLiteErrors = append(report.SQLiteErrors, fmt.Sprintf("foreign key violation: %s row %d references missing %s", table, rowid, parent))
	}
	if err := fkRows.Err(); err != nil {
		fkRows.Close()
		return report, err
	}
	fkRows.Close()

	// The directory path must be escaped before it becomes a GLOB prefix
	// ('[' first, since the escape itself is a bracket class), or names
	// containing glob metacharacters mis-aggregate their subtree stats.
	if _, err := ix.db.ExecContext(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS _recomputed_stats AS
		WITH descendant_pattern AS (
			SELECT path,
				CASE WHEN path = '' THEN '*'
				ELSE REPLACE(REPLACE(REPLACE(path, '[', '[[]'), '*', '[*]'), '?', '[?]') || '/*'
				END AS pat
			FROM dirs
		)
		SELECT
			d.path AS path,
			(SELECT COUNT(*) FROM dirs c WHERE c.parent = d.path) AS num_subdirs,
			(SELECT COUNT(*) FROM files f WHERE f.parent = d.path) AS num_files,
			(SELECT COALESCE(SUM(f2.size), 0) FROM files f2 WHERE f2.path GLOB dp.pat OR f2.parent = d.path) AS size_tree,
			(SELECT COUNT(*) FROM files f3 WHERE f3.path GLOB dp.pat OR f3.parent = d.path) AS num_files_tree
		FROM dirs d JOIN descendant_pattern dp ON dp.path = d.path
	`); err != nil {
		return report, err
	}
	defer ix.db.ExecContext(ctx, `DROP TABLE IF EXISTS _recomputed_stats`)

	mrows, err := ix.db.QueryContext(ctx, `
		SELECT d.path, d.num_subdirs, r.num_subdirs, d.num_files, r.num_files,
			d.size_tree, r.size_tree, d.num_files_tree, r.num_files_tree
		FROM dirs d JOIN _recomputed_stats r ON r.path = d.path
		WHERE d.num_subdirs != r.num_subdirs
			OR d.num_files != r.num_files
			OR d.size_tree != r.size_tree
			OR d.num_files_tree != r.num_files_tree
	`)
	if err != nil {
		return report, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var m StatMismatch
		if err := mrows.Scan(&m.Path, &m.GotNumSubdirs, &m.WantNumSubdirs, &m.GotNumFiles, &m.WantNumFiles,
			&m.GotSizeTree, &m.WantSizeTree, &m.GotNumFilesTree, &m.WantNumFilesTree); err != nil {
			return report, err
		}
		if len(report.StatMismatches) >= maxReportedMismatches {
			report.Truncated = true
			break
		}
		report.StatMismatches = append(report.StatMismatches, m)
	}
	return report, mrows.Err()
}
