// Package audit summarises conversation updates for the system log.
package audit

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"messageexchange/api/internal/store"
)

// Snapshot is the stored state an update is compared against.
type Snapshot struct {
	Topic              string
	Participants       []store.Identifier
	ExternalReferences []store.KeyValues
}

// Update holds the fields present in an incoming change. A nil field was not
// sent and is never compared; a non-nil empty slice clears the field.
type Update struct {
	Topic              *string
	Participants       *[]store.Identifier
	ExternalReferences *[]store.KeyValues
}

func SnapshotOf(c store.Conversation) Snapshot {
	return Snapshot{
		Topic:              c.Topic,
		Participants:       c.Participants,
		ExternalReferences: c.ExternalReferences,
	}
}

type reference struct {
	key   string
	value string
}

func flattenReferences(items []store.KeyValues) []reference {
	var out []reference
	for _, item := range items {
		for _, value := range item.Values {
			out = append(out, reference{key: item.Key, value: value})
		}
	}
	return lo.Uniq(out)
}

// Changes lists one fragment per detected change in a fixed order: topic,
// participants added, participants removed, reference added, reference
// removed.
func Changes(before Snapshot, update Update) []string {
	var fragments []string

	if update.Topic != nil && *update.Topic != before.Topic {
		fragments = append(fragments, fmt.Sprintf("Topic changed from '%s' to '%s'", before.Topic, *update.Topic))
	}

	if update.Participants != nil {
		removed, added := lo.Difference(lo.Uniq(before.Participants), lo.Uniq(*update.Participants))
		if len(added) > 0 {
			fragments = append(fragments, fmt.Sprintf("%d participant(s) added", len(added)))
		}
		if len(removed) > 0 {
			fragments = append(fragments, fmt.Sprintf("%d participant(s) removed", len(removed)))
		}
	}

	if update.ExternalReferences != nil {
		removed, added := lo.Difference(flattenReferences(before.ExternalReferences), flattenReferences(*update.ExternalReferences))
		if len(added) > 0 {
			fragments = append(fragments, "Reference added to conversation")
		}
		if len(removed) > 0 {
			fragments = append(fragments, "Reference removed from conversation")
		}
	}

	return fragments
}

// Diff joins Changes into one sentence-per-change summary. It reports false
// when nothing changed.
func Diff(before Snapshot, update Update) (string, bool) {
	fragments := Changes(before, update)
	if len(fragments) == 0 {
		return "", false
	}
	return strings.Join(fragments, ". ") + ".", true
}
