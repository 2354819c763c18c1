package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectory_PathOf(t *testing.T) {
	db := setupTestDB(t)
	seedFixture(t, db)
	d := NewDirectory(NewSQLStore(db), testLogger())
	ctx := context.Background()

	assert.Equal(t, []int64{1}, d.PathOf(ctx, 1))
	assert.Equal(t, []int64{1, 2}, d.PathOf(ctx, 2))
	assert.Equal(t, []int64{1, 2, 3}, d.PathOf(ctx, 3))
	assert.Equal(t, []int64{1, 8}, d.PathOf(ctx, 8))
	assert.Empty(t, d.PathOf(ctx, 42))
}

func TestDirectory_ParentOf(t *testing.T) {
	db := setupTestDB(t)
	seedFixture(t, db)
	d := NewDirectory(NewSQLStore(db), testLogger())
	ctx := context.Background()

	assert.Equal(t, int64(2), d.ParentOf(ctx, 3))
	assert.Equal(t, int64(1), d.ParentOf(ctx, 2))
	assert.Equal(t, int64(0), d.ParentOf(ctx, 1))
	assert.Equal(t, int64(0), d.ParentOf(ctx, 42))
}

func TestDirectory_ChildrenCount(t *testing.T) {
	db := setupTestDB(t)
	seedFixture(t, db)
	d := NewDirectory(NewSQLStore(db), testLogger())
	ctx := context.Background()

	assert.Equal(t, 3, d.ChildrenCount(ctx, 1))
	assert.Equal(t, 1, d.ChildrenCount(ctx, 2))
	assert.Equal(t, 0, d.ChildrenCount(ctx, 3))
}

func TestDirectory_Exists(t *testing.T) {
	db := setupTestDB(t)
	seedFixture(t, db)
	d := NewDirectory(NewSQLStore(db), testLogger())
	ctx := context.Background()

	assert.True(t, d.Exists(ctx, 3))
	assert.False(t, d.Exists(ctx, 42))
	assert.Equal(t, "Editors", d.TitleOf(ctx, 3))
	assert.Equal(t, "", d.TitleOf(ctx, 42))
}

func TestDirectory_Reset(t *testing.T) {
	db := setupTestDB(t)
	seedFixture(t, db)
	d := NewDirectory(NewSQLStore(db), testLogger())
	ctx := context.Background()

	assert.Empty(t, d.PathOf(ctx, 9))

	_, err := db.Exec(`INSERT INTO usergroups (id, parent_id, title, lft, rgt) VALUES (9, 8, 'Admins', 8, 9)`)
	assert.NoError(t, err)

	// Still served from the snapshot until reset.
	assert.Empty(t, d.PathOf(ctx, 9))

	d.Reset()
	assert.Equal(t, []int64{1, 8, 9}, d.PathOf(ctx, 9))
}

func TestDirectory_StorageFailureYieldsEmpty(t *testing.T) {
	db := setupTestDB(t)
	seedFixture(t, db)
	d := NewDirectory(NewSQLStore(db), testLogger())
	ctx := context.Background()

	db.Close()

	assert.Empty(t, d.PathOf(ctx, 1))
	assert.Equal(t, 0, d.ChildrenCount(ctx, 1))
	assert.False(t, d.Exists(ctx, 1))
}
