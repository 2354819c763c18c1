package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wardenhq/warden/pkg/observability"
)

// interningCacheSize bounds the shared merged-rules cache. Distinct
// permission configurations are few in practice, so the cache stays
// small even across many assets.
const interningCacheSize = 512

var actionSeparators = regexp.MustCompile(`[\s\-]+`)

// NormalizeAction lowercases an action name and collapses whitespace and
// hyphen runs to the dotted form, so "Core Admin" and "core-admin" both
// resolve as "core.admin".
func NormalizeAction(action string) string {
	return strings.ToLower(actionSeparators.ReplaceAllString(strings.TrimSpace(action), "."))
}

// Resolver answers permission queries by merging the rule fragments
// stored along an asset's ancestor chain. Resolution never fails:
// missing assets fall back to the extension asset and then the root
// asset, and storage errors degrade to an empty rule set, all logged.
//
// Merged results are interned by content hash in a bounded LRU so
// assets sharing a permission configuration share one Rules value.
type Resolver struct {
	store   Store
	groups  *Directory
	logger  *observability.Logger
	metrics *observability.Metrics

	mu sync.Mutex
	// preloaded holds full extension subtrees: extension name to asset
	// id to asset row, plus a name index per extension.
	preloaded      map[string]map[int64]*Asset
	preloadedNames map[string]map[string]int64
	// assetRules caches merged results per asset id, but only for the
	// fully recursive mode; partial-mode results would collide.
	assetRules map[int64]*Rules
	interned   *lru.Cache[string, *Rules]

	rootOnce sync.Once
	rootID   int64
	rootName string
}

// NewResolver creates a resolver over store using groups for identity
// paths.
func NewResolver(store Store, groups *Directory, logger *observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	interned, _ := lru.New[string, *Rules](interningCacheSize)
	return &Resolver{
		store:          store,
		groups:         groups,
		logger:         logger.Named("resolver"),
		preloaded:      make(map[string]map[int64]*Asset),
		preloadedNames: make(map[string]map[string]int64),
		assetRules:     make(map[int64]*Rules),
		interned:       interned,
	}
}

// SetMetrics attaches metrics instrumentation; nil disables it.
func (r *Resolver) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// CleanAssetKey strips whitespace from an asset key and substitutes the
// root asset key for an empty one.
func (r *Resolver) CleanAssetKey(ctx context.Context, key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanAssetKeyLocked(ctx, key)
}

func (r *Resolver) cleanAssetKeyLocked(ctx context.Context, key string) string {
	cleaned := strings.Join(strings.Fields(key), "")
	if cleaned == "" {
		return r.rootAssetName(ctx)
	}
	return cleaned
}

// ExtensionNameFromKey reduces an asset key to its extension component:
// everything before the first dot, except for the root key which is its
// own extension. Numeric keys are resolved to their asset name first;
// when that lookup fails the key is returned unchanged.
func (r *Resolver) ExtensionNameFromKey(ctx context.Context, key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extensionNameLocked(ctx, key)
}

func (r *Resolver) extensionNameLocked(ctx context.Context, key string) string {
	key = r.cleanAssetKeyLocked(ctx, key)

	if isNumeric(key) {
		name, ok := r.assetNameByID(ctx, key)
		if !ok {
			return key
		}
		key = name
	}

	if key == r.rootAssetName(ctx) {
		return key
	}
	if dot := strings.Index(key, "."); dot != -1 {
		return key[:dot]
	}
	return key
}

// Preload loads the named extension's full asset subtree (and the root
// asset) into memory so subsequent resolutions for that extension avoid
// per-asset queries. Idempotent per extension until ClearCaches.
func (r *Resolver) Preload(ctx context.Context, extension string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preloadLocked(ctx, extension)
}

func (r *Resolver) preloadLocked(ctx context.Context, extension string) error {
	if _, ok := r.preloaded[extension]; ok {
		return nil
	}

	assets, err := r.store.LoadAssetsByExtension(ctx, extension)
	if err != nil {
		return err
	}

	byID := make(map[int64]*Asset, len(assets))
	byName := make(map[string]int64, len(assets))
	for i := range assets {
		a := assets[i]
		byID[a.ID] = &a
		byName[a.Name] = a.ID
	}
	r.preloaded[extension] = byID
	r.preloadedNames[extension] = byName
	return nil
}

// GetAssetRules returns the merged rule set for an asset. The recursive
// flag folds in the full ancestor chain; recursiveParentAsset folds in
// the extension asset. Resolution never fails: unknown assets fall back
// along asset, extension, root, and storage errors yield an empty set.
func (r *Resolver) GetAssetRules(ctx context.Context, assetKey string, recursive, recursiveParentAsset bool) *Rules {
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	assetKey = r.cleanAssetKeyLocked(ctx, assetKey)
	extension := r.extensionNameLocked(ctx, assetKey)

	// The root asset has no ancestors to recurse into.
	if id, err := strconv.ParseInt(assetKey, 10, 64); err == nil && id == r.rootAssetID(ctx) {
		recursive = false
	}
	if assetKey == r.rootAssetName(ctx) {
		recursive = false
	}

	if err := r.preloadLocked(ctx, extension); err != nil {
		r.logger.WithError(err).WithField("extension", extension).
			Warn("preload failed, resolving without cache")
		merged := r.resolveSlowPath(ctx, assetKey, recursive, recursiveParentAsset, extension)
		r.observeResolution("storage", start)
		return merged
	}
	defer r.observeResolution("preloaded", start)

	target := r.findAsset(extension, assetKey)
	if target == nil {
		target = r.fallbackAsset(extension, assetKey)
		if target == nil {
			r.logger.WithField("asset", assetKey).Warn("no asset, extension or root row found")
			return NewRules()
		}
	}

	fullMode := recursive && recursiveParentAsset
	if fullMode {
		if cached, ok := r.assetRules[target.ID]; ok {
			return cached
		}
	}

	fragments := r.collectFragments(extension, target, recursive, recursiveParentAsset)
	merged := r.internFragments(fragments)
	if fullMode {
		r.assetRules[target.ID] = merged
	}
	return merged
}

func (r *Resolver) observeResolution(path string, start time.Time) {
	if r.metrics != nil {
		r.metrics.ResolutionDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}

// findAsset looks an asset up in the preloaded extension subtree by
// numeric id or name.
func (r *Resolver) findAsset(extension, key string) *Asset {
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		return r.preloaded[extension][id]
	}
	if id, ok := r.preloadedNames[extension][key]; ok {
		return r.preloaded[extension][id]
	}
	return nil
}

// fallbackAsset substitutes the extension asset, then the root asset,
// for a key that resolved to nothing. Each substitution is logged since
// it usually means content rows were created without their asset.
func (r *Resolver) fallbackAsset(extension, key string) *Asset {
	if r.metrics != nil {
		r.metrics.FallbacksTotal.WithLabelValues(extension).Inc()
	}
	if id, ok := r.preloadedNames[extension][extension]; ok {
		r.logger.WithFields(map[string]any{
			"asset":    key,
			"fallback": extension,
		}).Info("asset not found, falling back to extension asset")
		return r.preloaded[extension][id]
	}
	if root := r.preloaded[extension][r.rootID]; root != nil {
		r.logger.WithFields(map[string]any{
			"asset":    key,
			"fallback": root.Name,
		}).Info("asset not found, falling back to root asset")
		return root
	}
	return nil
}

// collectFragments gathers the raw rule fragments contributing to the
// target's merge, outermost first. The target always contributes; the
// extension asset joins in recursive-parent mode; the full nested-set
// ancestor chain joins in recursive mode, minus the extension-level
// fragment unless recursive-parent is also set. Empty fragments are
// skipped so they cannot perturb the content hash.
func (r *Resolver) collectFragments(extension string, target *Asset, recursive, recursiveParentAsset bool) []string {
	assets := r.preloaded[extension]

	var chain []*Asset
	for _, a := range assets {
		switch {
		case a.ID == target.ID:
			chain = append(chain, a)
		case recursive && a.Lft < target.Lft && a.Rgt > target.Rgt:
			if a.Name == extension && !recursiveParentAsset {
				continue
			}
			chain = append(chain, a)
		case recursiveParentAsset && a.Name == extension:
			chain = append(chain, a)
		}
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Lft < chain[j].Lft })

	var fragments []string
	for _, a := range chain {
		if a.Rules == "" || a.Rules == "{}" {
			continue
		}
		fragments = append(fragments, a.Rules)
	}
	return fragments
}

// internFragments merges a fragment sequence, deduplicating the result
// through the content-hash cache.
func (r *Resolver) internFragments(fragments []string) *Rules {
	sum := sha256.Sum256([]byte(strings.Join(fragments, "\x00")))
	key := hex.EncodeToString(sum[:])

	if merged, ok := r.interned.Get(key); ok {
		if r.metrics != nil {
			r.metrics.CacheHitsTotal.WithLabelValues("interned_rules").Inc()
		}
		return merged
	}
	if r.metrics != nil {
		r.metrics.CacheMissesTotal.WithLabelValues("interned_rules").Inc()
	}
	merged := NewRules().MergeCollection(fragments)
	r.interned.Add(key, merged)
	return merged
}

// resolveSlowPath fetches fragments straight from storage when the
// preload cache is unavailable. An empty result degrades to the root
// asset's own rules, and a hard storage failure to an empty set.
func (r *Resolver) resolveSlowPath(ctx context.Context, assetKey string, recursive, recursiveParentAsset bool, extension string) *Rules {
	fragments, err := r.store.LoadAssetRules(ctx, assetKey, recursive, recursiveParentAsset, extension)
	if err != nil {
		r.logger.WithError(err).WithField("asset", assetKey).Error("failed to load asset rules")
		if r.metrics != nil {
			r.metrics.StorageErrorsTotal.WithLabelValues("load_asset_rules").Inc()
		}
		return NewRules()
	}

	if len(fragments) == 0 {
		root, err := r.store.LoadAssetByKey(ctx, r.rootAssetName(ctx))
		if err != nil || root == nil {
			r.logger.WithField("asset", assetKey).Warn("no rules found and root asset unavailable")
			return NewRules()
		}
		r.logger.WithField("asset", assetKey).Info("no rules found, using root asset rules")
		fragments = []string{root.Rules}
	}

	return r.internFragments(fragments)
}

// CheckGroup resolves an action for a single group against an asset,
// consulting the group's full ancestor path so inherited decisions
// apply and the most specific explicit decision wins.
func (r *Resolver) CheckGroup(ctx context.Context, groupID int64, action, assetKey string) State {
	action = NormalizeAction(action)
	rules := r.GetAssetRules(ctx, assetKey, true, true)

	path := r.groups.PathOf(ctx, groupID)
	if len(path) == 0 {
		return Unset
	}
	return rules.Allow(action, path...)
}

// CheckActor resolves an action for an actor holding any number of
// group memberships. Each membership resolves independently along its
// own path; an explicit deny from any membership wins over allows from
// the others.
func (r *Resolver) CheckActor(ctx context.Context, actor Actor, action, assetKey string) State {
	action = NormalizeAction(action)
	rules := r.GetAssetRules(ctx, assetKey, true, true)

	result := Unset
	for _, groupID := range actor.Groups {
		path := r.groups.PathOf(ctx, groupID)
		if len(path) == 0 {
			continue
		}
		switch rules.Allow(action, path...) {
		case Deny:
			return Deny
		case Allow:
			result = Allow
		}
	}
	return result
}

// IsSuperUser reports whether the actor holds the admin capability on
// the root asset through any group membership.
func (r *Resolver) IsSuperUser(ctx context.Context, actor Actor) bool {
	return r.CheckActor(ctx, actor, ActionAdmin, r.rootAssetName(ctx)) == Allow
}

// GroupHasSuperUser reports whether the single group resolves the admin
// capability on the root asset.
func (r *Resolver) GroupHasSuperUser(ctx context.Context, groupID int64) bool {
	return r.CheckGroup(ctx, groupID, ActionAdmin, r.rootAssetName(ctx)) == Allow
}

// ClearCaches drops every cached artifact: preloaded subtrees, merged
// per-asset results, the interning cache and the group tree. Required
// after any permission write so later reads observe it.
func (r *Resolver) ClearCaches() {
	r.mu.Lock()
	r.preloaded = make(map[string]map[int64]*Asset)
	r.preloadedNames = make(map[string]map[string]int64)
	r.assetRules = make(map[int64]*Rules)
	r.interned.Purge()
	r.mu.Unlock()

	r.groups.Reset()
}

// rootAssetID resolves and caches the root asset id, defaulting to 1
// when the row cannot be loaded.
func (r *Resolver) rootAssetID(ctx context.Context) int64 {
	r.ensureRoot(ctx)
	return r.rootID
}

// rootAssetName resolves and caches the root asset name.
func (r *Resolver) rootAssetName(ctx context.Context) string {
	r.ensureRoot(ctx)
	return r.rootName
}

func (r *Resolver) ensureRoot(ctx context.Context) {
	r.rootOnce.Do(func() {
		r.rootID = 1
		r.rootName = DefaultRootKey

		root, err := r.store.LoadAssetByKey(ctx, DefaultRootKey)
		if err != nil {
			r.logger.WithError(err).Warn("failed to load root asset, using defaults")
			return
		}
		if root != nil {
			r.rootID = root.ID
			r.rootName = root.Name
		}
	})
}

// assetNameByID resolves a numeric key to its asset name, consulting
// preloaded subtrees before storage.
func (r *Resolver) assetNameByID(ctx context.Context, key string) (string, bool) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return "", false
	}

	for _, byID := range r.preloaded {
		if a, ok := byID[id]; ok {
			return a.Name, true
		}
	}

	a, err := r.store.LoadAssetByKey(ctx, key)
	if err != nil {
		r.logger.WithError(err).WithField("asset", key).Warn("failed to resolve asset name")
		return "", false
	}
	if a == nil {
		return "", false
	}
	return a.Name, true
}
