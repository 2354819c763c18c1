package access

import (
	"database/sql"
	"io"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wardenhq/warden/pkg/observability"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE assets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			rules TEXT NOT NULL DEFAULT '{}',
			lft INTEGER NOT NULL,
			rgt INTEGER NOT NULL
		);

		CREATE TABLE usergroups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_id INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			lft INTEGER NOT NULL,
			rgt INTEGER NOT NULL
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}

	return db
}

// seedFixture installs the tree used across the package tests.
//
// Assets (nested set):
//
//	root.1 (1)
//	├── com_example (2)      core.edit denied for group 2, core.admin allowed for group 7
//	│   └── com_example.category.1 (3)   empty fragment
//	│       └── com_example.article.5 (4)  core.edit allowed for group 3
//	└── com_other (5)        empty fragment
//
// Groups:
//
//	Public (1)
//	├── Registered (2)
//	│   └── Editors (3)
//	├── Managers (7)
//	└── Super Users (8)      core.admin on root
func seedFixture(t *testing.T, db *sql.DB) {
	t.Helper()

	assets := []struct {
		id       int64
		parentID int64
		name     string
		rules    string
		lft, rgt int64
	}{
		{1, 0, "root.1", `{"core.admin":{"8":1},"core.manage":{"7":1}}`, 0, 13},
		{2, 1, "com_example", `{"core.edit":{"2":0},"core.admin":{"7":1}}`, 1, 8},
		{3, 2, "com_example.category.1", `{}`, 2, 7},
		{4, 3, "com_example.article.5", `{"core.edit":{"3":1}}`, 3, 4},
		{5, 1, "com_other", `{}`, 9, 10},
	}
	for _, a := range assets {
		_, err := db.Exec(
			`INSERT INTO assets (id, parent_id, name, title, rules, lft, rgt) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.id, a.parentID, a.name, a.name, a.rules, a.lft, a.rgt,
		)
		if err != nil {
			t.Fatalf("Failed to seed asset %s: %v", a.name, err)
		}
	}

	groups := []struct {
		id       int64
		parentID int64
		title    string
		lft, rgt int64
	}{
		{1, 0, "Public", 0, 11},
		{2, 1, "Registered", 1, 4},
		{3, 2, "Editors", 2, 3},
		{7, 1, "Managers", 5, 6},
		{8, 1, "Super Users", 7, 8},
	}
	for _, g := range groups {
		_, err := db.Exec(
			`INSERT INTO usergroups (id, parent_id, title, lft, rgt) VALUES ($1, $2, $3, $4, $5)`,
			g.id, g.parentID, g.title, g.lft, g.rgt,
		)
		if err != nil {
			t.Fatalf("Failed to seed group %s: %v", g.title, err)
		}
	}
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

// newTestResolver wires a resolver, directory and store over a seeded
// in-memory database.
func newTestResolver(t *testing.T) (*Resolver, *Directory, *SQLStore, *sql.DB) {
	t.Helper()

	db := setupTestDB(t)
	seedFixture(t, db)

	store := NewSQLStore(db)
	groups := NewDirectory(store, testLogger())
	resolver := NewResolver(store, groups, testLogger())
	return resolver, groups, store, db
}

func strPtr(s string) *string {
	return &s
}
