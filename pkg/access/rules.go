package access

import (
	"encoding/json"
	"strconv"
)

// Rules is the merged, queryable permission table for an asset: a mapping
// of action name to per-group explicit decisions. A group id missing from
// an action's table means "inherited" (Unset), never deny.
//
// Rules values are built by merging the raw JSON fragments stored on an
// asset's ancestor chain and are treated as immutable once handed out by
// the resolver; the mutating methods exist for the permission writer,
// which patches a single asset's own fragment before persisting it.
type Rules struct {
	data map[string]map[int64]bool
}

// NewRules returns an empty rule set.
func NewRules() *Rules {
	return &Rules{data: make(map[string]map[int64]bool)}
}

// ParseRules builds a rule set from one raw JSON fragment of the shape
// {"action": {"groupID": 0|1, ...}, ...}. Malformed input yields an error;
// an empty or "{}" fragment yields an empty set.
func ParseRules(fragment string) (*Rules, error) {
	r := NewRules()
	if err := r.MergeFragment(fragment); err != nil {
		return nil, err
	}
	return r, nil
}

// MergeFragment folds one raw fragment into the set. An explicit entry for
// an (action, group) cell fully replaces any prior value for that cell;
// cells absent from the fragment keep their prior value.
func (r *Rules) MergeFragment(fragment string) error {
	if fragment == "" || fragment == "{}" {
		return nil
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal([]byte(fragment), &raw); err != nil {
		return err
	}

	for action, identities := range raw {
		for id, value := range identities {
			identity, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				continue
			}
			r.Set(action, identity, truthy(value))
		}
	}

	return nil
}

// MergeCollection folds an ordered sequence of raw fragments, least
// specific first. A later fragment's explicit (action, group) entry
// overwrites an earlier one; malformed fragments are skipped entirely so
// they cannot shadow ancestor rules. Deterministic for a given input
// order.
func (r *Rules) MergeCollection(fragments []string) *Rules {
	for _, fragment := range fragments {
		// Best effort: a bad fragment must not poison the merge.
		_ = r.MergeFragment(fragment)
	}
	return r
}

// Allow resolves the decision for an action against one identity or an
// ordered identity path (root-first, including self). The most specific
// explicit decision wins: entries later in the path override earlier
// ones. Unknown actions and identities resolve to Unset, never an error.
func (r *Rules) Allow(action string, identities ...int64) State {
	table, ok := r.data[action]
	if !ok {
		return Unset
	}

	result := Unset
	for _, identity := range identities {
		if allow, ok := table[identity]; ok {
			if allow {
				result = Allow
			} else {
				result = Deny
			}
		}
	}

	return result
}

// Set records an explicit decision for one (action, group) cell.
func (r *Rules) Set(action string, identity int64, allow bool) {
	table, ok := r.data[action]
	if !ok {
		table = make(map[int64]bool)
		r.data[action] = table
	}
	table[identity] = allow
}

// Remove clears the explicit decision for one (action, group) cell and
// prunes the action entirely once its table is empty.
func (r *Rules) Remove(action string, identity int64) {
	table, ok := r.data[action]
	if !ok {
		return
	}
	delete(table, identity)
	if len(table) == 0 {
		delete(r.data, action)
	}
}

// RemoveAction drops an action and all its per-group decisions.
func (r *Rules) RemoveAction(action string) {
	delete(r.data, action)
}

// Has reports whether the action holds an explicit decision for identity.
func (r *Rules) Has(action string, identity int64) bool {
	_, ok := r.data[action][identity]
	return ok
}

// Len returns the number of actions with at least one explicit decision.
func (r *Rules) Len() int {
	return len(r.data)
}

// String renders the canonical JSON fragment. Keys are emitted sorted, so
// structurally equal rule sets always serialize identically; an empty set
// renders as "{}".
func (r *Rules) String() string {
	out, err := r.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(out)
}

// MarshalJSON implements json.Marshaler using the stored 0/1 convention.
func (r *Rules) MarshalJSON() ([]byte, error) {
	raw := make(map[string]map[string]int, len(r.data))
	for action, table := range r.data {
		identities := make(map[string]int, len(table))
		for id, allow := range table {
			v := 0
			if allow {
				v = 1
			}
			identities[strconv.FormatInt(id, 10)] = v
		}
		raw[action] = identities
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Rules) UnmarshalJSON(data []byte) error {
	r.data = make(map[string]map[int64]bool)
	return r.MergeFragment(string(data))
}

// truthy maps the loosely typed fragment values (0/1 numbers, booleans,
// numeric strings) onto allow/deny.
func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		n, err := strconv.Atoi(v)
		return err == nil && n != 0
	default:
		return false
	}
}
