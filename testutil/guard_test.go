package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, _ ...any) { r.msg = format }

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package x\n\nimport (\n\t\"fmt\"\n\t\"github.com/jmoiron/sqlx\"\n)\n\nvar _ = fmt.Sprint\nvar _ *sqlx.DB\n")
	writeFile(t, dir, "a_test.go", "package x\n\nimport \"database/sql\"\n\nvar _ *sql.DB\n")
	writeFile(t, dir, "notes.txt", "import \"net/http\"")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o750))

	viols, err := directImportViolations(dir, StorageDriverImportForbidden)
	require.NoError(t, err)
	assert.Equal(t, []string{"github.com/jmoiron/sqlx (in a.go)"}, viols)

	viols, err = directImportViolations(dir, TransportImportForbidden)
	require.NoError(t, err)
	assert.Empty(t, viols)
}

func TestDirectImportViolationsMissingDir(t *testing.T) {
	_, err := directImportViolations(filepath.Join(t.TempDir(), "absent"), InternalImportForbidden)
	assert.Error(t, err)
}

func TestPredicates(t *testing.T) {
	assert.True(t, InternalImportForbidden("exportcore/internal/core"))
	assert.False(t, InternalImportForbidden("exportcore/pkg/domain"))

	assert.True(t, StorageDriverImportForbidden("database/sql"))
	assert.True(t, StorageDriverImportForbidden("github.com/jackc/pgx/v5/pgconn"))
	assert.False(t, StorageDriverImportForbidden("database/sqlx-lookalike"))

	assert.True(t, TransportImportForbidden("net/http/httptest"))
	assert.False(t, TransportImportForbidden("net/url"))

	combined := AnyOf(InternalImportForbidden, TransportImportForbidden)
	assert.True(t, combined("net/http"))
	assert.True(t, combined("exportcore/internal/notify"))
	assert.False(t, combined("context"))
}

func TestFailIfDirectViolations(t *testing.T) {
	var r recordingFatal
	failIfDirectViolations(&r, "reason", nil)
	assert.Empty(t, r.msg)
	failIfDirectViolations(&r, "reason", []string{"x"})
	assert.NotEmpty(t, r.msg)
}
