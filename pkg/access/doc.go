// Package access resolves effective permissions over two independent
// inheritance hierarchies and applies safe mutations to stored
// permission rules.
//
// # Model
//
// Securable resources are assets: components, categories, items and a
// single global root, forming a tree encoded as a nested set (lft/rgt
// boundaries). Each asset row stores a raw JSON rule fragment of the
// shape
//
//	{"core.edit": {"3": 1, "5": 0}}
//
// mapping an action to explicit per-group decisions (1 allow, 0 deny).
// Users belong to groups, which form their own tree; a group inherits
// the decisions of its ancestors.
//
// Every lookup is tri-state: Allow, Deny or Unset. Unset means no
// explicit rule exists anywhere along the inheritance chain and is
// reported as such; callers decide how to treat it (typically as not
// allowed), but the engine never converts it to an explicit deny.
//
// # Resolution
//
// Resolver merges the fragments stored along an asset's ancestor chain
// into a single Rules value, outermost first, with a later explicit
// (action, group) entry overriding an earlier one. Querying a Rules
// value walks the group's root-first ancestor path the same way: the
// most specific explicit decision wins. Two flags control which
// ancestors contribute: recursive folds in the full chain, and
// recursiveParentAsset folds in the extension-level fragment.
//
// Resolution never fails. A key that matches no asset falls back to
// its extension's asset and then to the root asset, and storage
// failures degrade to an empty rule set; both paths log the downgrade.
// Merged results are interned by content hash so unrelated assets with
// identical rule configurations share one Rules value.
//
// # Mutation
//
// Writer applies one explicit permission change at a time. It
// authorizes the actor (core.admin on the target component), enforces
// self-protection guards with distinct sentinel errors, merge-patches
// the target asset's own fragment (creating the asset row if needed),
// persists, invalidates every cache, and recomputes the effective
// permission label reported back to the caller.
//
// Caches are process-scoped and read-mostly: a write clears them all
// rather than invalidating per key, since one fragment change can flip
// cascaded answers across the whole tree.
package access
