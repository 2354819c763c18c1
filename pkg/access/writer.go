package access

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wardenhq/warden/pkg/observability"
)

// notSavedSuffix marks a component key whose owning record has not been
// persisted yet. Permissions cannot be attached to it.
const notSavedSuffix = ".false"

// Writer applies one explicit permission change to an asset's stored
// rule fragment: authorization, self-protection guards, merge-patch,
// persistence, cache invalidation and recomputation of the effective
// permission label reported back to the caller.
type Writer struct {
	store    Store
	resolver *Resolver
	groups   *Directory
	logger   *observability.Logger
}

// NewWriter creates a writer sharing the resolver's store and group
// directory.
func NewWriter(store Store, resolver *Resolver, groups *Directory, logger *observability.Logger) *Writer {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Writer{
		store:    store,
		resolver: resolver,
		groups:   groups,
		logger:   logger.Named("writer"),
	}
}

// Store validates, authorizes and applies a permission write, then
// reports the recalculated effective permission. Guard rejections abort
// before any mutation and carry a distinct sentinel; persistence
// failures abort with no partial write. Failures during the
// recalculation after a successful write degrade the reported label
// with an advisory notice instead of failing the write.
func (w *Writer) Store(ctx context.Context, req PermissionRequest, actor Actor) (*PermissionResult, error) {
	component := w.resolver.CleanAssetKey(ctx, req.Component)
	if strings.HasSuffix(component, notSavedSuffix) {
		return nil, ErrSaveBeforeChange
	}

	action := NormalizeAction(req.Action)

	if w.resolver.CheckActor(ctx, actor, ActionAdmin, component) != Allow {
		return nil, ErrNotAuthorized
	}

	// Guards run against pre-change state.
	actorIsSuper := w.resolver.IsSuperUser(ctx, actor)
	groupWasSuper := w.resolver.GroupHasSuperUser(ctx, req.Rule)
	actorInGroup := actorBelongsTo(actor, req.Rule)

	if !actorIsSuper {
		if actorInGroup {
			return nil, ErrChangeOwnGroup
		}
		if w.ruleIsAncestorOfActorGroup(ctx, actor, req.Rule) {
			return nil, ErrChangeParentGroup
		}
		if groupWasSuper {
			return nil, ErrChangeSuperUserGroup
		}
	}
	if groupWasSuper && actorInGroup && action == ActionAdmin {
		return nil, ErrDemoteSelf
	}

	if err := w.applyChange(ctx, component, action, req); err != nil {
		return nil, err
	}

	// One write can change many cascaded answers; drop everything.
	w.resolver.ClearCaches()

	return w.recalculate(ctx, component, action, req.Rule, groupWasSuper), nil
}

// applyChange loads or creates the target asset row and patches its
// stored fragment.
func (w *Writer) applyChange(ctx context.Context, component, action string, req PermissionRequest) error {
	asset, err := w.store.LoadAssetByKey(ctx, component)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAssetSave, err)
	}

	if asset == nil {
		return w.createAsset(ctx, component, action, req)
	}

	rules, err := ParseRules(asset.Rules)
	if err != nil {
		w.logger.WithError(err).WithField("asset", component).
			Warn("stored rules fragment is malformed, rebuilding")
		rules = NewRules()
	}

	switch {
	case req.Value == nil:
		rules.RemoveAction(action)
	case *req.Value == "":
		rules.Remove(action, req.Rule)
	default:
		rules.Set(action, req.Rule, parseRuleValue(*req.Value))
	}

	asset.Rules = rules.String()
	if err := w.store.SaveAsset(ctx, asset); err != nil {
		return fmt.Errorf("%w: %v", ErrAssetSave, err)
	}
	return nil
}

// createAsset synthesizes the asset row for a component that has none
// yet, seeded with the single requested rule. The parent is resolved
// from the key's first dotted segment and falls back to the root.
func (w *Writer) createAsset(ctx context.Context, component, action string, req PermissionRequest) error {
	fragment := "{}"
	if req.Value != nil && *req.Value != "" {
		rules := NewRules()
		rules.Set(action, req.Rule, parseRuleValue(*req.Value))
		fragment = rules.String()
	}

	parentID, err := w.resolveParentAsset(ctx, component)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAssetSave, err)
	}

	title := req.Title
	if title == "" {
		title = component
	}

	if _, err := w.store.CreateAssetUnderParent(ctx, component, title, fragment, parentID); err != nil {
		return fmt.Errorf("%w: %v", ErrAssetSave, err)
	}
	return nil
}

// resolveParentAsset picks the tree position for a new asset row. A
// dotted key hangs under its first segment's asset; everything else,
// and any key whose segment asset is missing, hangs under the root.
func (w *Writer) resolveParentAsset(ctx context.Context, component string) (int64, error) {
	if dot := strings.Index(component, "."); dot != -1 {
		parent, err := w.store.LoadAssetByKey(ctx, component[:dot])
		if err != nil {
			return 0, err
		}
		if parent != nil {
			return parent.ID, nil
		}
	}

	root, err := w.store.LoadAssetByKey(ctx, DefaultRootKey)
	if err != nil {
		return 0, err
	}
	if root == nil {
		return 0, fmt.Errorf("root asset %s is missing", DefaultRootKey)
	}
	return root.ID, nil
}

// recalculate derives the effective permission label for the UI after a
// successful write. The priority order is load-bearing, including the
// late evaluation of the default and locked overrides; reordering it
// changes which label wins for conflicting configurations.
func (w *Writer) recalculate(ctx context.Context, component, action string, groupID int64, groupWasSuper bool) *PermissionResult {
	result := &PermissionResult{Result: true}

	groupIsSuper := w.resolver.GroupHasSuperUser(ctx, groupID)

	if groupWasSuper != groupIsSuper {
		result.Notices = append(result.Notices, NoticeRecalculateGroup)
	}
	if w.groups.ChildrenCount(ctx, groupID) > 0 {
		result.Notices = append(result.Notices, NoticeRecalculateChildGroups)
	}

	if groupIsSuper {
		result.Text = LabelAllowedAdmin
		result.Class = ClassAllowed
		return result
	}

	// The group directory is the canary for the recompute: if the group
	// vanished after the cache flush, storage went away and every value
	// derived below is unreliable.
	if !w.groups.Exists(ctx, groupID) {
		result.Notices = append(result.Notices, NoticeStaleEffectiveLabel)
	}

	effective := w.resolver.CheckGroup(ctx, groupID, action, component)
	if effective == Allow {
		result.Text = LabelAllowedInherited
		result.Class = ClassAllowed
	} else {
		result.Text = LabelNotAllowedInherited
		result.Class = ClassNotAllowed
	}

	ownRules := w.resolver.GetAssetRules(ctx, component, false, false)
	ownState := ownRules.Allow(action, groupID)
	switch ownState {
	case Allow:
		result.Text = LabelAllowed
		result.Class = ClassAllowed
	case Deny:
		result.Text = LabelNotAllowed
		result.Class = ClassNotAllowed
	}

	rootName := w.resolver.rootAssetName(ctx)
	isGlobal := w.resolver.CleanAssetKey(ctx, component) == rootName

	parentGroupID := w.groups.ParentOf(ctx, groupID)
	parentGroupState := Unset
	if parentGroupID != 0 {
		parentGroupState = w.resolver.CheckGroup(ctx, parentGroupID, action, component)
	}

	if isGlobal && parentGroupID == 0 && ownState == Unset {
		result.Text = LabelNotAllowedDefault
		result.Class = ClassNotAllowed
		return result
	}

	// The lock comes from the written asset's tree parent, not its
	// extension: a deny one level up is enough.
	parentAssetDenied := false
	if !isGlobal {
		parentKey := rootName
		if asset, err := w.store.LoadAssetByKey(ctx, component); err == nil && asset != nil && asset.ParentID != 0 {
			parentKey = strconv.FormatInt(asset.ParentID, 10)
		}
		parentAssetDenied = w.resolver.CheckGroup(ctx, groupID, action, parentKey) == Deny
	}
	if parentAssetDenied || parentGroupState == Deny {
		result.Text = LabelNotAllowedLocked
		result.Class = ClassNotAllowed
	}

	return result
}

// ruleIsAncestorOfActorGroup reports whether groupID sits strictly above
// any of the actor's groups in the tree.
func (w *Writer) ruleIsAncestorOfActorGroup(ctx context.Context, actor Actor, groupID int64) bool {
	for _, g := range actor.Groups {
		path := w.groups.PathOf(ctx, g)
		for i := 0; i < len(path)-1; i++ {
			if path[i] == groupID {
				return true
			}
		}
	}
	return false
}

func actorBelongsTo(actor Actor, groupID int64) bool {
	for _, g := range actor.Groups {
		if g == groupID {
			return true
		}
	}
	return false
}

// parseRuleValue maps the wire value onto allow/deny: any non-zero
// numeric value allows, everything else denies.
func parseRuleValue(value string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	return err == nil && n != 0
}
