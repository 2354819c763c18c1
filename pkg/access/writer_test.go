package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) (*Writer, *Resolver, *SQLStore) {
	t.Helper()
	resolver, groups, store, _ := newTestResolver(t)
	return NewWriter(store, resolver, groups, testLogger()), resolver, store
}

var (
	superActor   = Actor{ID: 1, Groups: []int64{8}}
	managerActor = Actor{ID: 2, Groups: []int64{7}}
	plainActor   = Actor{ID: 3, Groups: []int64{2}}
)

func TestWriter_RejectsUnsavedTarget(t *testing.T) {
	w, _, _ := newTestWriter(t)

	_, err := w.Store(context.Background(), PermissionRequest{
		Component: "com_example.article.false",
		Action:    "core.edit",
		Rule:      3,
		Value:     strPtr("1"),
	}, superActor)
	assert.ErrorIs(t, err, ErrSaveBeforeChange)
}

func TestWriter_RejectsUnauthorizedActor(t *testing.T) {
	w, _, _ := newTestWriter(t)

	_, err := w.Store(context.Background(), PermissionRequest{
		Component: "com_example",
		Action:    "core.edit",
		Rule:      3,
		Value:     strPtr("1"),
	}, plainActor)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestWriter_SelfProtectionGuards(t *testing.T) {
	// managerActor holds core.admin on com_example but is not a
	// super-user, so every guard applies to it.
	tests := []struct {
		name string
		rule int64
		want error
	}{
		{"own group", 7, ErrChangeOwnGroup},
		{"parent of own group", 1, ErrChangeParentGroup},
		{"super-user group", 8, ErrChangeSuperUserGroup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, _ := newTestWriter(t)
			_, err := w.Store(context.Background(), PermissionRequest{
				Component: "com_example",
				Action:    "core.edit",
				Rule:      tt.rule,
				Value:     strPtr("1"),
			}, managerActor)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWriter_RejectsSelfDemotion(t *testing.T) {
	w, _, store := newTestWriter(t)
	ctx := context.Background()

	_, err := w.Store(ctx, PermissionRequest{
		Component: "root.1",
		Action:    "core.admin",
		Rule:      8,
		Value:     strPtr("0"),
	}, superActor)
	assert.ErrorIs(t, err, ErrDemoteSelf)

	// Nothing was written.
	root, loadErr := store.LoadAssetByKey(ctx, "root.1")
	require.NoError(t, loadErr)
	assert.Equal(t, `{"core.admin":{"8":1},"core.manage":{"7":1}}`, root.Rules)
}

func TestWriter_CreatesAssetUnderRoot(t *testing.T) {
	w, _, store := newTestWriter(t)
	ctx := context.Background()

	result, err := w.Store(ctx, PermissionRequest{
		Component: "com_newthing",
		Action:    "core.edit",
		Rule:      3,
		Value:     strPtr("1"),
	}, superActor)
	require.NoError(t, err)
	assert.True(t, result.Result)
	assert.Equal(t, LabelAllowed, result.Text)
	assert.Equal(t, ClassAllowed, result.Class)
	assert.Empty(t, result.Notices)

	created, err := store.LoadAssetByKey(ctx, "com_newthing")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, int64(1), created.ParentID)
	assert.Equal(t, `{"core.edit":{"3":1}}`, created.Rules)
}

func TestWriter_CreatesDottedAssetUnderComponent(t *testing.T) {
	w, _, store := newTestWriter(t)
	ctx := context.Background()

	result, err := w.Store(ctx, PermissionRequest{
		Component: "com_example.article.9",
		Action:    "core.edit",
		Rule:      3,
		Value:     strPtr("0"),
	}, superActor)
	require.NoError(t, err)
	assert.True(t, result.Result)

	// The component-level deny for the parent group locks the label
	// even though the item rule is explicit.
	assert.Equal(t, LabelNotAllowedLocked, result.Text)
	assert.Equal(t, ClassNotAllowed, result.Class)

	created, err := store.LoadAssetByKey(ctx, "com_example.article.9")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, int64(2), created.ParentID)
	assert.Equal(t, `{"core.edit":{"3":0}}`, created.Rules)
}

func TestWriter_InheritValueRemovesCell(t *testing.T) {
	w, _, store := newTestWriter(t)
	ctx := context.Background()

	result, err := w.Store(ctx, PermissionRequest{
		Component: "com_example.article.5",
		Action:    "core.edit",
		Rule:      3,
		Value:     strPtr(""),
	}, superActor)
	require.NoError(t, err)
	assert.True(t, result.Result)

	// The only cell for the action is gone, so the action is pruned.
	asset, err := store.LoadAssetByKey(ctx, "com_example.article.5")
	require.NoError(t, err)
	assert.Equal(t, "{}", asset.Rules)

	// With its explicit allow gone the group falls back to the
	// component-level deny inherited through its parent group.
	assert.Equal(t, LabelNotAllowedLocked, result.Text)
}

func TestWriter_ParentAssetDenyLocksLabel(t *testing.T) {
	w, _, store := newTestWriter(t)
	ctx := context.Background()

	// The deny sits on the item's direct parent (the category), not on
	// the component, so only the tree-parent check can see it.
	cat, err := store.LoadAssetByKey(ctx, "com_example.category.1")
	require.NoError(t, err)
	cat.Rules = `{"core.edit":{"7":0}}`
	require.NoError(t, store.SaveAsset(ctx, cat))

	result, err := w.Store(ctx, PermissionRequest{
		Component: "com_example.article.5",
		Action:    "core.edit",
		Rule:      7,
		Value:     strPtr(""),
	}, superActor)
	require.NoError(t, err)

	assert.Equal(t, LabelNotAllowedLocked, result.Text)
	assert.Equal(t, ClassNotAllowed, result.Class)
}

func TestWriter_EmptyComponentTargetsRoot(t *testing.T) {
	w, _, store := newTestWriter(t)
	ctx := context.Background()

	// An empty component key patches the root asset.
	_, err := w.Store(ctx, PermissionRequest{
		Component: "",
		Action:    "core.manage",
		Rule:      7,
	}, superActor)
	require.NoError(t, err)

	root, err := store.LoadAssetByKey(ctx, "root.1")
	require.NoError(t, err)
	assert.Equal(t, `{"core.admin":{"8":1}}`, root.Rules)
}

func TestWriter_NilValueRemovesAction(t *testing.T) {
	w, _, store := newTestWriter(t)
	ctx := context.Background()

	_, err := w.Store(ctx, PermissionRequest{
		Component: "com_example",
		Action:    "core.edit",
		Rule:      2,
	}, superActor)
	require.NoError(t, err)

	asset, err := store.LoadAssetByKey(ctx, "com_example")
	require.NoError(t, err)
	assert.Equal(t, `{"core.admin":{"7":1}}`, asset.Rules)
}

func TestWriter_DefaultLabelAtGlobalScope(t *testing.T) {
	w, _, _ := newTestWriter(t)
	ctx := context.Background()

	result, err := w.Store(ctx, PermissionRequest{
		Component: "root.1",
		Action:    "core.frobnicate",
		Rule:      1,
		Value:     strPtr(""),
	}, superActor)
	require.NoError(t, err)

	assert.Equal(t, LabelNotAllowedDefault, result.Text)
	assert.Equal(t, ClassNotAllowed, result.Class)

	// The root group has children, so the advisory fires.
	assert.Contains(t, result.Notices, NoticeRecalculateChildGroups)
}

func TestWriter_ChildGroupInheritedAtGlobalScope(t *testing.T) {
	w, _, _ := newTestWriter(t)
	ctx := context.Background()

	// Group 2 has a parent group, so the default label never applies to
	// it even when no rule exists anywhere for the action.
	result, err := w.Store(ctx, PermissionRequest{
		Component: "root.1",
		Action:    "core.frobnicate",
		Rule:      2,
		Value:     strPtr(""),
	}, superActor)
	require.NoError(t, err)

	assert.Equal(t, LabelNotAllowedInherited, result.Text)
	assert.Equal(t, ClassNotAllowed, result.Class)
}

func TestWriter_SuperUserFlipNotice(t *testing.T) {
	w, _, _ := newTestWriter(t)
	ctx := context.Background()

	result, err := w.Store(ctx, PermissionRequest{
		Component: "root.1",
		Action:    "core.admin",
		Rule:      7,
		Value:     strPtr("1"),
	}, superActor)
	require.NoError(t, err)

	assert.Equal(t, LabelAllowedAdmin, result.Text)
	assert.Equal(t, ClassAllowed, result.Class)
	assert.Contains(t, result.Notices, NoticeRecalculateGroup)
}

func TestWriter_AllowedInheritedLabel(t *testing.T) {
	w, _, _ := newTestWriter(t)
	ctx := context.Background()

	// Group 7 holds manage at the root; clearing the (absent) override
	// on the component leaves the inherited allow visible.
	result, err := w.Store(ctx, PermissionRequest{
		Component: "com_example",
		Action:    "core.manage",
		Rule:      7,
		Value:     strPtr(""),
	}, superActor)
	require.NoError(t, err)

	assert.Equal(t, LabelAllowedInherited, result.Text)
	assert.Equal(t, ClassAllowed, result.Class)
}

type failingSaveStore struct {
	Store
}

func (f *failingSaveStore) SaveAsset(ctx context.Context, asset *Asset) error {
	return errors.New("connection reset")
}

func TestWriter_PersistenceFailure(t *testing.T) {
	resolver, groups, store, _ := newTestResolver(t)
	w := NewWriter(&failingSaveStore{Store: store}, resolver, groups, testLogger())

	_, err := w.Store(context.Background(), PermissionRequest{
		Component: "com_example",
		Action:    "core.edit",
		Rule:      3,
		Value:     strPtr("1"),
	}, superActor)
	assert.ErrorIs(t, err, ErrAssetSave)
}

func TestWriter_WriteVisibleToSubsequentChecks(t *testing.T) {
	w, resolver, _ := newTestWriter(t)
	ctx := context.Background()

	require.Equal(t, Unset, resolver.CheckGroup(ctx, 7, "core.edit", "com_example.article.5"))

	_, err := w.Store(ctx, PermissionRequest{
		Component: "com_example.article.5",
		Action:    "core.edit",
		Rule:      7,
		Value:     strPtr("1"),
	}, superActor)
	require.NoError(t, err)

	// The cache flush makes the new rule visible immediately.
	assert.Equal(t, Allow, resolver.CheckGroup(ctx, 7, "core.edit", "com_example.article.5"))
}
