package sqlbundle

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	ddl := "-- header\nCREATE TABLE a (\n  id TEXT\n);\n\nCREATE INDEX i ON a (id);\nSELECT 1"
	got := SplitStatements(ddl)
	if len(got) != 3 {
		t.Fatalf("statements = %q", got)
	}
	if !strings.HasPrefix(got[0], "CREATE TABLE a") || !strings.HasSuffix(got[0], ");") {
		t.Fatalf("first = %q", got[0])
	}
	if got[2] != "SELECT 1" {
		t.Fatalf("tail = %q", got[2])
	}
}

func TestBundlesDeclareSubmissions(t *testing.T) {
	for name, ddl := range map[string]string{"sqlite": SQLite(), "postgres": Postgres()} {
		stmts := SplitStatements(ddl)
		if len(stmts) != 2 {
			t.Fatalf("%s: statements = %d", name, len(stmts))
		}
		if !strings.Contains(stmts[0], "CREATE TABLE IF NOT EXISTS submissions") {
			t.Fatalf("%s: first = %q", name, stmts[0])
		}
		for _, col := range []string{"id", "form_id", "user_id", "table_name", "submitted_at", "payload"} {
			if !strings.Contains(stmts[0], col+" ") {
				t.Fatalf("%s: missing column %s", name, col)
			}
		}
	}
}
