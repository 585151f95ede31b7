// Command migrate applies the embedded ledger schema migrations against the
// target database. Uses the same schema_migrations table format as
// golang-migrate (bigint version + dirty flag) so the two tools are
// interchangeable.
//
// Usage:
//
//	go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/migrations"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(config.New(), logger)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver is %q; migrations only apply to postgres (sqlite creates its schema on open)", cfg.Database.Driver)
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to database")

	applied, err := migrations.Apply(ctx, db, logger)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", zap.Int("applied", applied))
	return nil
}
