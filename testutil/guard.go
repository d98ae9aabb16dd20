// Package testutil holds test helpers that enforce package layering.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// AssertNoDirectImports parses every non-test .go file in dir and fails if an
// import path satisfies forbidden. Build tags are not evaluated.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	failIfDirectViolations(t, reason, viols)
}

// InternalImportForbidden matches any path inside an internal tree.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/") || strings.HasPrefix(path, "internal/")
}

// StorageDriverImportForbidden matches database drivers and SQL helpers.
func StorageDriverImportForbidden(path string) bool {
	for _, prefix := range []string{
		"database/sql",
		"github.com/jmoiron/sqlx",
		"github.com/jackc/pgx",
		"modernc.org/sqlite",
		"github.com/golang-migrate/migrate",
	} {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// TransportImportForbidden matches HTTP and broker packages.
func TransportImportForbidden(path string) bool {
	return path == "net/http" ||
		strings.HasPrefix(path, "net/http/") ||
		strings.HasPrefix(path, "github.com/gorilla/mux") ||
		strings.HasPrefix(path, "github.com/segmentio/kafka-go")
}

// AnyOf combines predicates.
func AnyOf(preds ...func(string) bool) func(string) bool {
	return func(path string) bool {
		for _, p := range preds {
			if p(path) {
				return true
			}
		}
		return false
	}
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		fileAst, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range fileAst.Imports {
			ip := strings.Trim(imp.Path.Value, "\"")
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfDirectViolations(t fatalLogger, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden direct imports detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}
