package access

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all access-control migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create assets table",
			SQL: `
				CREATE TABLE IF NOT EXISTS assets (
					id BIGSERIAL PRIMARY KEY,
					parent_id BIGINT NOT NULL DEFAULT 0,
					name VARCHAR(255) NOT NULL,
					title VARCHAR(255) NOT NULL DEFAULT '',
					rules TEXT NOT NULL DEFAULT '{}',
					lft BIGINT NOT NULL,
					rgt BIGINT NOT NULL,
					UNIQUE(name)
				);

				CREATE INDEX idx_assets_parent_id ON assets(parent_id);
				CREATE INDEX idx_assets_lft_rgt ON assets(lft, rgt);
			`,
		},
		{
			Version:     2,
			Description: "Create usergroups table",
			SQL: `
				CREATE TABLE IF NOT EXISTS usergroups (
					id BIGSERIAL PRIMARY KEY,
					parent_id BIGINT NOT NULL DEFAULT 0,
					title VARCHAR(255) NOT NULL DEFAULT '',
					lft BIGINT NOT NULL,
					rgt BIGINT NOT NULL
				);

				CREATE INDEX idx_usergroups_parent_id ON usergroups(parent_id);
				CREATE INDEX idx_usergroups_lft_rgt ON usergroups(lft, rgt);
			`,
		},
		{
			Version:     3,
			Description: "Seed root asset and public group",
			SQL: `
				INSERT INTO assets (id, parent_id, name, title, rules, lft, rgt)
				VALUES (1, 0, 'root.1', 'Root Asset', '{}', 0, 1)
				ON CONFLICT (name) DO NOTHING;

				INSERT INTO usergroups (id, parent_id, title, lft, rgt)
				VALUES (1, 0, 'Public', 0, 1)
				ON CONFLICT (id) DO NOTHING;
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS access_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM access_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO access_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
