package access

import "errors"

// Validation and authorization failures for permission writes. Each guard
// has its own sentinel so callers can tell the acting user exactly which
// check rejected the request.
var (
	// ErrSaveBeforeChange rejects writes against a not-yet-created item
	// (component key carrying the ".false" sentinel suffix).
	ErrSaveBeforeChange = errors.New("save the record before changing its permissions")

	// ErrNotAuthorized rejects actors without the admin capability on the
	// target component.
	ErrNotAuthorized = errors.New("not authorized to change permissions on this asset")

	// ErrChangeOwnGroup rejects non-super-users changing a group they
	// belong to.
	ErrChangeOwnGroup = errors.New("cannot change permissions of your own group")

	// ErrChangeParentGroup rejects non-super-users changing an ancestor of
	// a group they belong to.
	ErrChangeParentGroup = errors.New("cannot change permissions of a parent of your own group")

	// ErrChangeSuperUserGroup rejects non-super-users changing a
	// super-user group they do not belong to.
	ErrChangeSuperUserGroup = errors.New("cannot change permissions of a super-user group")

	// ErrDemoteSelf rejects stripping the admin capability from a
	// super-user group the actor belongs to.
	ErrDemoteSelf = errors.New("cannot remove super-user permissions from your own group")

	// ErrAssetSave signals a persistence failure; no partial write should
	// be assumed.
	ErrAssetSave = errors.New("failed to save asset permissions")
)
