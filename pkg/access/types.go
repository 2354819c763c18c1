package access

// State is the tri-state outcome of a permission lookup. Unset means no
// explicit rule was found anywhere along the inheritance chain; it is a
// first-class outcome and is never collapsed into Deny when comparing.
type State int

const (
	Unset State = iota
	Allow
	Deny
)

// String returns a human readable representation of the state
func (s State) String() string {
	switch s {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "unset"
	}
}

// Allowed reports whether the state is an explicit allow
func (s State) Allowed() bool {
	return s == Allow
}

// Well-known actions. ActionAdmin is the blanket admin capability; a group
// holding it at the root scope is a super-user group.
const (
	ActionAdmin  = "core.admin"
	ActionManage = "core.manage"
	ActionCreate = "core.create"
	ActionDelete = "core.delete"
	ActionEdit   = "core.edit"
)

// DefaultRootKey is the canonical key of the root asset. Empty asset keys
// fall back to it.
const DefaultRootKey = "root.1"

// Asset is a securable resource node: a component, a category, an item or
// the global root. Assets form a tree encoded as a nested set (lft/rgt),
// and each row carries its own raw rule fragment.
type Asset struct {
	ID       int64  `json:"id"`
	ParentID int64  `json:"parent_id"`
	Name     string `json:"name"`
	Title    string `json:"title"`
	Rules    string `json:"rules"`
	Lft      int64  `json:"lft"`
	Rgt      int64  `json:"rgt"`
}

// Group is a user group node. Path is the ordered list of ancestor group
// ids from the root group down to (and including) the group itself.
type Group struct {
	ID       int64   `json:"id"`
	ParentID int64   `json:"parent_id"`
	Title    string  `json:"title"`
	Path     []int64 `json:"path"`
}

// Actor is the acting identity for a permission write. Groups holds the
// ids of the groups the actor directly belongs to; ancestor groups are
// resolved through the group directory.
type Actor struct {
	ID     int64   `json:"id"`
	Groups []int64 `json:"groups"`
}

// PermissionRequest drives one permission write: set, change or clear the
// explicit rule for (Component, Action, Rule). Value is "1" to allow, "0"
// to deny, "" to inherit; a nil Value removes the action from the stored
// fragment outright.
type PermissionRequest struct {
	Component string  `json:"component"`
	Action    string  `json:"action"`
	Rule      int64   `json:"rule"`
	Value     *string `json:"value,omitempty"`
	Title     string  `json:"title,omitempty"`
}

// PermissionResult reports the outcome of a permission write, including
// the recalculated effective permission label for the UI.
type PermissionResult struct {
	Text    string   `json:"text"`
	Class   string   `json:"class"`
	Result  bool     `json:"result"`
	Notices []string `json:"notices,omitempty"`
}

// Effective permission labels, in the writer's priority order.
const (
	LabelAllowedAdmin        = "Allowed (Admin)"
	LabelAllowedInherited    = "Allowed (Inherited)"
	LabelNotAllowedInherited = "Not Allowed (Inherited)"
	LabelAllowed             = "Allowed"
	LabelNotAllowed          = "Not Allowed"
	LabelNotAllowedDefault   = "Not Allowed (Default)"
	LabelNotAllowedLocked    = "Not Allowed (Locked)"
)

// CSS classes paired with the labels above.
const (
	ClassAllowed    = "label label-success"
	ClassNotAllowed = "label label-important"
)

// Advisory notices emitted alongside a successful write.
const (
	NoticeRecalculateGroup       = "permissions for this group changed scope; recalculate group permissions"
	NoticeRecalculateChildGroups = "this group has child groups; recalculate child group permissions"
	NoticeStaleEffectiveLabel    = "write succeeded but the effective permission could not be recalculated"
)
