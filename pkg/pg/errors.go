package pg

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrEmptyConnectionString = errors.New("pg.empty_connection_string")
	ErrInvalidConfig         = errors.New("pg.invalid_config")
	ErrConnectionFailed      = errors.New("pg.connection_failed")
	ErrHealthcheckFailed     = errors.New("pg.healthcheck_failed")
	ErrMigrationFailed       = errors.New("pg.migration_failed")
	ErrMigrationsPathMissing = errors.New("pg.migrations_path_missing")
)

// IsNotFoundError reports whether err is a pgx no-rows result.
func IsNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsDuplicateKeyError reports a unique constraint violation (SQLSTATE 23505).
func IsDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsSerializationError reports a concurrent-update conflict: serialization
// failure (SQLSTATE 40001) or deadlock (40P01). Such statements are safe to
// retry.
func IsSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
