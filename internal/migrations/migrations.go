// Package migrations embeds the schema migration set and runs it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed *.sql
var files embed.FS

// Result reports one migration the runner applied or would apply.
type Result struct {
	Version int64  `json:"version"`
	Source  string `json:"source"`
	Applied bool   `json:"applied"`
}

// Runner applies and rolls back the embedded migration set.
type Runner struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to the database with the stdlib pgx driver and returns a
// runner. The caller owns Close.
func Open(conninfo string, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", conninfo)
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}
	return &Runner{db: db, logger: logger}, nil
}

// Close releases the database connection.
func (r *Runner) Close() error {
	return r.db.Close()
}

func (r *Runner) provider() (*goose.Provider, error) {
	provider, err := goose.NewProvider(goose.DialectPostgres, r.db, files)
	if err != nil {
		return nil, fmt.Errorf("build migration provider: %w", err)
	}
	return provider, nil
}

// Apply migrates up to target, or all the way when target is zero. With
// dryRun the pending set is reported but nothing runs.
func (r *Runner) Apply(ctx context.Context, target int64, dryRun bool) ([]Result, error) {
	provider, err := r.provider()
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	if dryRun {
		return r.pending(ctx, provider, target)
	}

	var applied []*goose.MigrationResult
	if target > 0 {
		applied, err = provider.UpTo(ctx, target)
	} else {
		applied, err = provider.Up(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	results := make([]Result, 0, len(applied))
	for _, m := range applied {
		r.logger.Info("migration applied",
			zap.Int64("version", m.Source.Version),
			zap.String("source", m.Source.Path),
			zap.Duration("took", m.Duration),
		)
		results = append(results, Result{
			Version: m.Source.Version,
			Source:  m.Source.Path,
			Applied: true,
		})
	}
	return results, nil
}

// Rollback undoes the most recent migration. With dryRun it reports the
// current version without changing anything.
func (r *Runner) Rollback(ctx context.Context, dryRun bool) ([]Result, error) {
	provider, err := r.provider()
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	if dryRun {
		version, err := provider.GetDBVersion(ctx)
		if err != nil {
			return nil, fmt.Errorf("read schema version: %w", err)
		}
		if version == 0 {
			return nil, nil
		}
		return []Result{{Version: version, Applied: false}}, nil
	}

	m, err := provider.Down(ctx)
	if err != nil {
		return nil, fmt.Errorf("roll back migration: %w", err)
	}
	r.logger.Info("migration rolled back",
		zap.Int64("version", m.Source.Version),
		zap.String("source", m.Source.Path),
	)
	return []Result{{Version: m.Source.Version, Source: m.Source.Path, Applied: true}}, nil
}

// pending lists migrations that Apply would run.
func (r *Runner) pending(ctx context.Context, provider *goose.Provider, target int64) ([]Result, error) {
	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	var results []Result
	for _, s := range statuses {
		if s.State != goose.StatePending {
			continue
		}
		if target > 0 && s.Source.Version > target {
			continue
		}
		results = append(results, Result{
			Version: s.Source.Version,
			Source:  s.Source.Path,
			Applied: false,
		})
	}
	return results, nil
}
