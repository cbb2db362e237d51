package repository

import (
	"fmt"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
)

// ResolveRuleGroup turns a batch submission into concrete mutations against
// the rules currently stored for the endpoint (keyed by action).
//
// Clearing every role of an action removes its rule rather than storing a
// rule that denies everyone. An action with no roles and no stored rule is
// skipped. A submitted id that does not match the stored rule means the
// editor worked on a stale view, which is reported as a conflict.
func ResolveRuleGroup(endpoint string, stored map[Action]*AbacRule, entries []RuleGroupEntry) ([]RuleChange, error) {
	changes := make([]RuleChange, 0, len(entries))
	for _, entry := range entries {
		current := stored[entry.Action]
		if current != nil && entry.ID != "" && entry.ID != current.ID {
			return nil, errors.Conflict(fmt.Sprintf(
				"rule for %s %s was replaced (submitted id %s, stored id %s)",
				entry.Action, endpoint, entry.ID, current.ID))
		}

		if len(entry.Roles) == 0 {
			if current == nil {
				changes = append(changes, RuleChange{
					Kind: RuleChangeSkip,
					Rule: &AbacRule{Endpoint: endpoint, Action: entry.Action},
				})
				continue
			}
			changes = append(changes, RuleChange{Kind: RuleChangeDelete, Rule: current})
			continue
		}

		rule := &AbacRule{
			Endpoint:     endpoint,
			Action:       entry.Action,
			Roles:        entry.Roles,
			DirectionIDs: entry.DirectionIDs,
			Enabled:      entry.Enabled,
		}
		if current == nil {
			changes = append(changes, RuleChange{Kind: RuleChangeCreate, Rule: rule})
			continue
		}
		rule.ID = current.ID
		rule.CreatedAt = current.CreatedAt
		changes = append(changes, RuleChange{Kind: RuleChangeUpdate, Rule: rule})
	}
	return changes, nil
}
