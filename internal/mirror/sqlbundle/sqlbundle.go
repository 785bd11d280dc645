// Package sqlbundle exposes the mirror DDL for each SQL dialect.
package sqlbundle

import (
	"bufio"
	_ "embed"
	"strings"
)

var (
	//go:embed sqlite.sql
	sqliteDDL string
	//go:embed postgres.sql
	postgresDDL string
)

// SQLite returns the SQLite DDL.
func SQLite() string { return sqliteDDL }

// Postgres returns the Postgres DDL.
func Postgres() string { return postgresDDL }

// SplitStatements splits a semicolon-terminated DDL script into executable
// statements, dropping blank lines and "--" comments.
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return stmts
}
