package access

import (
	"context"
	"sync"

	"github.com/wardenhq/warden/pkg/observability"
)

// Directory is the in-memory view of the user group tree. It loads the
// full tree once, lazily, and answers path and parent queries from the
// cached copy until Reset. A storage failure during load is logged and
// leaves the directory empty rather than failing lookups; callers then
// see empty paths, which resolve to Unset everywhere.
type Directory struct {
	store  Store
	logger *observability.Logger

	mu     sync.Mutex
	loaded bool
	groups map[int64]*Group
}

// NewDirectory creates a directory over store. The tree is not loaded
// until first use.
func NewDirectory(store Store, logger *observability.Logger) *Directory {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Directory{
		store:  store,
		logger: logger.Named("groups"),
		groups: make(map[int64]*Group),
	}
}

// ensureLoaded populates the tree on first use. Paths are computed
// root-first by walking parent links; a parent id that points at a
// missing group terminates the walk at that point.
func (d *Directory) ensureLoaded(ctx context.Context) {
	if d.loaded {
		return
	}
	d.loaded = true

	groups, err := d.store.LoadGroups(ctx)
	if err != nil {
		d.logger.WithError(err).Error("failed to load group tree")
		return
	}

	d.groups = make(map[int64]*Group, len(groups))
	for i := range groups {
		g := groups[i]
		d.groups[g.ID] = &g
	}

	for _, g := range d.groups {
		g.Path = d.computePath(g.ID)
	}
}

// computePath walks parent links from id up to the root and returns the
// chain root-first, ending with id itself. Cycles are cut by bounding
// the walk to the tree size.
func (d *Directory) computePath(id int64) []int64 {
	var reversed []int64
	current := id
	for i := 0; i <= len(d.groups); i++ {
		g, ok := d.groups[current]
		if !ok {
			break
		}
		reversed = append(reversed, current)
		if g.ParentID == 0 {
			break
		}
		current = g.ParentID
	}

	path := make([]int64, len(reversed))
	for i, v := range reversed {
		path[len(reversed)-1-i] = v
	}
	return path
}

// PathOf returns the root-first ancestor chain for a group, including
// the group itself. Unknown groups yield an empty path.
func (d *Directory) PathOf(ctx context.Context, id int64) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureLoaded(ctx)

	g, ok := d.groups[id]
	if !ok {
		return nil
	}
	path := make([]int64, len(g.Path))
	copy(path, g.Path)
	return path
}

// ParentOf returns the parent id of a group, or 0 for root groups and
// unknown ids.
func (d *Directory) ParentOf(ctx context.Context, id int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureLoaded(ctx)

	g, ok := d.groups[id]
	if !ok {
		return 0
	}
	return g.ParentID
}

// Exists reports whether the group id is present in the tree.
func (d *Directory) Exists(ctx context.Context, id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureLoaded(ctx)

	_, ok := d.groups[id]
	return ok
}

// ChildrenCount returns the number of direct children of a group.
func (d *Directory) ChildrenCount(ctx context.Context, id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureLoaded(ctx)

	count := 0
	for _, g := range d.groups {
		if g.ParentID == id {
			count++
		}
	}
	return count
}

// TitleOf returns the display title of a group, or "" when unknown.
func (d *Directory) TitleOf(ctx context.Context, id int64) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureLoaded(ctx)

	g, ok := d.groups[id]
	if !ok {
		return ""
	}
	return g.Title
}

// Reset drops the cached tree so the next query reloads from storage.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = false
	d.groups = make(map[int64]*Group)
}
