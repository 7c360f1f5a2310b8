// Package skills tracks which skills and spells are attached to a session.
// The tracker holds no data of its own: it is a pure replay over the
// session's event log, reconstructed on demand by the projection.
package skills

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tronlabs/tron/pkg/models"
)

// ErrUnknownEventType is returned by Apply in strict mode for types outside
// the closed set.
var ErrUnknownEventType = errors.New("skills: unknown event type")

// Mode selects how Apply treats events it cannot interpret. Strict is for
// boundary validation; Lenient is for replay, where history may predate the
// current type set.
type Mode int

const (
	Lenient Mode = iota
	Strict
)

// AddedSkill records one skill.added event that is still in effect.
type AddedSkill struct {
	Name    string             `json:"name"`
	EventID string             `json:"eventId"`
	Source  string             `json:"source,omitempty"`
	Method  models.SkillMethod `json:"method,omitempty"`
}

// Snapshot is the tracker state in deterministic order, sorted by name.
type Snapshot struct {
	Added   []AddedSkill `json:"added,omitempty"`
	Removed []string     `json:"removed,omitempty"`
	Used    []string     `json:"used,omitempty"`
}

// Tracker accumulates skill state from events. Zero value is not usable;
// construct with New.
type Tracker struct {
	mode    Mode
	added   map[string]AddedSkill
	removed map[string]struct{}
	used    map[string]struct{}
}

// New returns an empty tracker in the given mode.
func New(mode Mode) *Tracker {
	t := &Tracker{mode: mode}
	t.Reset()
	return t
}

// Reset clears all state, as context.cleared and compact.boundary do.
func (t *Tracker) Reset() {
	t.added = make(map[string]AddedSkill)
	t.removed = make(map[string]struct{})
	t.used = make(map[string]struct{})
}

// Apply folds one event into the tracker. Types outside the closed set fail
// in strict mode and are skipped in lenient mode; the same split applies to
// payloads that do not decode.
func (t *Tracker) Apply(e *models.Event) error {
	if !models.KnownEventType(e.Type) {
		if t.mode == Strict {
			return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
		}
		return nil
	}

	switch e.Type {
	case models.EventSkillAdded:
		p, err := models.DecodePayload(e.Type, e.Payload)
		if err != nil {
			return t.lenientSkip(err)
		}
		payload := p.(*models.SkillAddedPayload)
		if payload.Name == "" {
			return t.lenientSkip(fmt.Errorf("skill.added event %s has no name", e.ID))
		}
		t.added[payload.Name] = AddedSkill{
			Name:    payload.Name,
			EventID: e.ID,
			Source:  payload.Source,
			Method:  payload.Method,
		}
		delete(t.removed, payload.Name)

	case models.EventSkillRemoved:
		p, err := models.DecodePayload(e.Type, e.Payload)
		if err != nil {
			return t.lenientSkip(err)
		}
		payload := p.(*models.SkillRemovedPayload)
		if payload.Name == "" {
			return t.lenientSkip(fmt.Errorf("skill.removed event %s has no name", e.ID))
		}
		delete(t.added, payload.Name)
		t.removed[payload.Name] = struct{}{}

	case models.EventMessageAssistant:
		p, err := models.DecodePayload(e.Type, e.Payload)
		if err != nil {
			return t.lenientSkip(err)
		}
		for _, block := range p.(*models.MessageAssistantPayload).Content.ToolUses() {
			if block.Name != "" {
				t.used[block.Name] = struct{}{}
			}
		}

	case models.EventContextCleared, models.EventCompactBoundary:
		t.Reset()
	}
	return nil
}

func (t *Tracker) lenientSkip(err error) error {
	if t.mode == Strict {
		return err
	}
	return nil
}

// Active reports whether the named skill is currently attached.
func (t *Tracker) Active(name string) bool {
	_, ok := t.added[name]
	return ok
}

// Snapshot returns the current state with every list sorted by name, so two
// replays of the same event chain produce identical output.
func (t *Tracker) Snapshot() Snapshot {
	var snap Snapshot
	for _, s := range t.added {
		snap.Added = append(snap.Added, s)
	}
	sort.Slice(snap.Added, func(i, j int) bool { return snap.Added[i].Name < snap.Added[j].Name })
	snap.Removed = sortedKeys(t.removed)
	snap.Used = sortedKeys(t.used)
	return snap
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
