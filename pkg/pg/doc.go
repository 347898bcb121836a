// Package pg bootstraps the PostgreSQL layer backing the usage store: a
// pgx/v5 connection pool with startup retries, goose schema migrations, a
// health check, and error classification helpers used by the data access
// code.
//
// Typical startup sequence:
//
//	var cfg pg.Config
//	config.MustLoad(&cfg)
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, slog.Default()); err != nil {
//	    return err
//	}
package pg
