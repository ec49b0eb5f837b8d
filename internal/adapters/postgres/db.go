package postgres

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PoolConfig bounds the connection pool. Zero values keep driver defaults.
type PoolConfig struct {
	MaxConns        int32
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Connect opens a GORM pool over pgx and pings it before returning.
func Connect(ctx context.Context, databaseURL string, pool PoolConfig) (*gorm.DB, error) {
	logger := slog.Default().With("module", "postgres", "layer", "adapter")
	logger.InfoContext(ctx, "postgres connect started", "operation", "connect", "outcome", "start")

	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if pool.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(int(pool.MaxConns))
		sqlDB.SetMaxIdleConns(max(1, int(pool.MaxConns)/2))
	}
	if pool.ConnMaxIdleTime <= 0 {
		pool.ConnMaxIdleTime = 15 * time.Minute
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = time.Hour
	}
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.InfoContext(ctx, "postgres connect completed", "operation", "connect", "outcome", "success")
	return db, nil
}

// RunMigrations applies embedded SQL files in lexical order, skipping the ones
// already recorded in schema_migrations.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	logger := slog.Default().With("module", "postgres", "layer", "adapter")
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		done, err := migrationApplied(ctx, db, name)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(string(raw)).Error; err != nil {
				return fmt.Errorf("exec migration %s: %w", name, err)
			}
			return tx.Exec("INSERT INTO schema_migrations (name) VALUES (?) ON CONFLICT DO NOTHING", name).Error
		})
		if err != nil {
			return err
		}
		applied++
		logger.InfoContext(ctx, "migration applied", "operation", "apply_migration", "outcome", "success", "migration", name)
	}
	logger.InfoContext(ctx, "postgres migrations completed",
		"operation", "run_migrations",
		"outcome", "success",
		"migration_count", len(names),
		"applied_count", applied,
	)
	return nil
}

func migrationApplied(ctx context.Context, db *gorm.DB, name string) (bool, error) {
	var exists bool
	err := db.WithContext(ctx).
		Raw("SELECT to_regclass('schema_migrations') IS NOT NULL").
		Scan(&exists).Error
	if err != nil {
		return false, fmt.Errorf("check schema_migrations: %w", err)
	}
	if !exists {
		return false, nil
	}
	var count int64
	if err := db.WithContext(ctx).Table("schema_migrations").Where("name = ?", name).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return count > 0, nil
}
