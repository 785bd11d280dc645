package archive

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyWrappersImportInfra ensures each infra tree is wired by exactly
// one wrapper package. Everything else depends on the wrapper interfaces.
func TestOnlyWrappersImportInfra(t *testing.T) {
	rules := []struct{ infra, allowed string }{
		{"surveycore/internal/infra/archive", "surveycore/internal/archive"},
		{"surveycore/internal/infra/mirror", "surveycore/internal/mirror"},
	}

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "surveycore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, rule := range rules {
		for _, pkg := range pkgs {
			if hasPrefix(pkg.PkgPath, rule.allowed) || hasPrefix(pkg.PkgPath, rule.infra) {
				continue
			}
			for importPath := range pkg.Imports {
				if hasPrefix(importPath, rule.infra) {
					seen[filepath.Join(pkg.PkgPath, "...")+": "+importPath] = struct{}{}
				}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of infra package: %s", v)
		}
		t.Fatalf("found %d forbidden infra imports", len(violations))
	}
}

func hasPrefix(importPath, prefix string) bool {
	return importPath == prefix || strings.HasPrefix(importPath, prefix+"/")
}
