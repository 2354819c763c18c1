package access

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Store is the persistence boundary for the access engine. Implementations
// must treat every call as independently fallible: the engine handles
// storage failures per call site rather than assuming a healthy connection.
type Store interface {
	// LoadGroups returns every user group ordered by tree position.
	LoadGroups(ctx context.Context) ([]Group, error)

	// LoadAssetsByExtension returns the root asset plus every asset in the
	// named extension's subtree, ordered by tree position.
	LoadAssetsByExtension(ctx context.Context, extension string) ([]Asset, error)

	// LoadAssetByKey resolves one asset by numeric id or dotted name.
	// Returns (nil, nil) when the asset does not exist.
	LoadAssetByKey(ctx context.Context, key string) (*Asset, error)

	// LoadAssetAncestors returns the ids of the asset's ancestor chain,
	// root-first and including the asset itself.
	LoadAssetAncestors(ctx context.Context, extension string, assetID int64) ([]int64, error)

	// LoadAssetRules fetches the raw rule fragments for an asset without
	// preloading: the full ancestor chain in recursive mode (nested-set
	// containment), the asset and its extension row in recursive-parent
	// mode, or just the one row. Ordered least-specific first.
	LoadAssetRules(ctx context.Context, key string, recursive, recursiveParentAsset bool, extension string) ([]string, error)

	// SaveAsset validates and persists an existing asset row.
	SaveAsset(ctx context.Context, asset *Asset) error

	// CreateAssetUnderParent inserts a new asset as the last child of
	// parentID and returns the new id.
	CreateAssetUnderParent(ctx context.Context, name, title, rules string, parentID int64) (int64, error)
}

// SQLStore implements Store on database/sql against the nested-set
// assets/usergroups schema (see migrations.go). Queries use $N
// placeholders, which both PostgreSQL and the SQLite driver accept.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store backed by db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// LoadGroups returns every user group ordered by tree position.
func (s *SQLStore) LoadGroups(ctx context.Context) ([]Group, error) {
	query := `
		SELECT id, parent_id, title
		FROM usergroups
		ORDER BY lft ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.ParentID, &g.Title); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

// LoadAssetsByExtension returns the root asset row plus the extension's
// subtree. The root row rides along so preloaded merges can reach the
// default rules without a second query.
func (s *SQLStore) LoadAssetsByExtension(ctx context.Context, extension string) ([]Asset, error) {
	query := `
		SELECT a.id, a.parent_id, a.name, a.title, a.rules, a.lft, a.rgt
		FROM assets a
		LEFT JOIN assets e ON e.name = $1
		WHERE a.parent_id = 0 OR (a.lft >= e.lft AND a.rgt <= e.rgt)
		ORDER BY a.lft ASC
	`

	rows, err := s.db.QueryContext(ctx, query, extension)
	if err != nil {
		return nil, fmt.Errorf("failed to load assets for %s: %w", extension, err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.ParentID, &a.Name, &a.Title, &a.Rules, &a.Lft, &a.Rgt); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, a)
	}

	return assets, rows.Err()
}

// LoadAssetByKey resolves one asset by numeric id or dotted name.
func (s *SQLStore) LoadAssetByKey(ctx context.Context, key string) (*Asset, error) {
	column := "name"
	var arg any = key
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		column = "id"
		arg = id
	}

	query := fmt.Sprintf(`
		SELECT id, parent_id, name, title, rules, lft, rgt
		FROM assets
		WHERE %s = $1
	`, column)

	var a Asset
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&a.ID, &a.ParentID, &a.Name, &a.Title, &a.Rules, &a.Lft, &a.Rgt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load asset %s: %w", key, err)
	}

	return &a, nil
}

// LoadAssetAncestors returns the asset's ancestor chain root-first using
// nested-set containment (b.lft <= a.lft AND b.rgt >= a.rgt).
func (s *SQLStore) LoadAssetAncestors(ctx context.Context, extension string, assetID int64) ([]int64, error) {
	query := `
		SELECT b.id
		FROM assets a
		JOIN assets b ON b.lft <= a.lft AND b.rgt >= a.rgt
		WHERE a.id = $1
		ORDER BY b.lft ASC
	`

	rows, err := s.db.QueryContext(ctx, query, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ancestors of asset %d: %w", assetID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ancestor id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// LoadAssetRules is the non-preloading fetch. The WHERE clause mirrors the
// mode flags: the target row always matches, the extension row is added in
// recursive-parent mode, and recursive mode self-joins the tree so every
// row whose range contains the target contributes, ordered outermost
// first.
func (s *SQLStore) LoadAssetRules(ctx context.Context, key string, recursive, recursiveParentAsset bool, extension string) ([]string, error) {
	rulesColumn := "a.rules"
	if recursive {
		rulesColumn = "b.rules"
	}

	var conditions []string
	var args []any

	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		conditions = append(conditions, fmt.Sprintf("a.id = $%d", len(args)+1))
		args = append(args, id)
	} else {
		conditions = append(conditions, fmt.Sprintf("a.name = $%d", len(args)+1))
		args = append(args, key)
	}

	if recursiveParentAsset && (extension != key || isNumeric(key)) {
		conditions = append(conditions, fmt.Sprintf("a.name = $%d", len(args)+1))
		args = append(args, extension)
	}

	if recursive {
		conditions = append(conditions, "a.parent_id = 0")
	}

	query := "SELECT " + rulesColumn + " FROM assets a"
	if recursive {
		query += " LEFT JOIN assets b ON b.lft <= a.lft AND b.rgt >= a.rgt"
	}
	query += " WHERE (" + strings.Join(conditions, " OR ") + ")"
	if recursive {
		// The self-join repeats shared ancestors once per matched row.
		query += " GROUP BY b.id, b.rules, b.lft ORDER BY b.lft ASC"
	} else {
		query += " ORDER BY a.lft ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for asset %s: %w", key, err)
	}
	defer rows.Close()

	var fragments []string
	for rows.Next() {
		var fragment sql.NullString
		if err := rows.Scan(&fragment); err != nil {
			return nil, fmt.Errorf("failed to scan rule fragment: %w", err)
		}
		if fragment.Valid {
			fragments = append(fragments, fragment.String)
		}
	}

	return fragments, rows.Err()
}

// SaveAsset validates and persists an existing asset row. Validation
// failures and storage failures both surface as errors; callers must not
// assume a partial write.
func (s *SQLStore) SaveAsset(ctx context.Context, asset *Asset) error {
	if err := validateAsset(asset); err != nil {
		return err
	}

	query := `
		UPDATE assets
		SET name = $1, title = $2, rules = $3
		WHERE id = $4
	`

	if _, err := s.db.ExecContext(ctx, query, asset.Name, asset.Title, asset.Rules, asset.ID); err != nil {
		return fmt.Errorf("failed to save asset %d: %w", asset.ID, err)
	}

	return nil
}

// CreateAssetUnderParent inserts a new asset as the last child of parentID,
// shifting the nested-set boundaries of everything to the right of the
// insertion point. The whole operation runs in one transaction.
func (s *SQLStore) CreateAssetUnderParent(ctx context.Context, name, title, rules string, parentID int64) (int64, error) {
	if err := validateAsset(&Asset{ID: 1, Name: name, Rules: rules}); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var parentRgt int64
	err = tx.QueryRowContext(ctx, `SELECT rgt FROM assets WHERE id = $1`, parentID).Scan(&parentRgt)
	if err != nil {
		return 0, fmt.Errorf("failed to load parent asset %d: %w", parentID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE assets SET lft = lft + 2 WHERE lft >= $1`, parentRgt); err != nil {
		return 0, fmt.Errorf("failed to shift asset tree: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE assets SET rgt = rgt + 2 WHERE rgt >= $1`, parentRgt); err != nil {
		return 0, fmt.Errorf("failed to shift asset tree: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO assets (parent_id, name, title, rules, lft, rgt)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, parentID, name, title, rules, parentRgt, parentRgt+1).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create asset %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit asset creation: %w", err)
	}

	return id, nil
}

// validateAsset rejects rows that would corrupt the tree or store an
// unreadable fragment.
func validateAsset(asset *Asset) error {
	if asset.Name == "" {
		return fmt.Errorf("%w: asset name is required", ErrAssetSave)
	}
	if asset.Rules != "" {
		var probe map[string]any
		if err := json.Unmarshal([]byte(asset.Rules), &probe); err != nil {
			return fmt.Errorf("%w: invalid rules fragment: %v", ErrAssetSave, err)
		}
	}
	return nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}
