package sqlstore

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies the embedded migrations for dialect to the database at
// databaseURL. The URL scheme selects the golang-migrate database driver,
// which the caller must have registered (pgx5://, sqlite://).
func Migrate(dialect, databaseURL string) error {
	src, err := iofs.New(migrations, "migrations/"+dialect)
	if err != nil {
		return errors.Wrapf(err, "open %s migrations", dialect)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return errors.Wrapf(err, "init %s migrations", dialect)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrapf(err, "apply %s migrations", dialect)
	}
	return nil
}

// MigrationVersion reports the applied schema version.
func MigrationVersion(dialect, databaseURL string) (uint, bool, error) {
	src, err := iofs.New(migrations, "migrations/"+dialect)
	if err != nil {
		return 0, false, errors.Wrapf(err, "open %s migrations", dialect)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return 0, false, errors.Wrapf(err, "init %s migrations", dialect)
	}
	defer func() { _, _ = m.Close() }()
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
