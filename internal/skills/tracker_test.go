package skills

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/tronlabs/tron/pkg/models"
)

func event(t *testing.T, id string, typ models.EventType, payload any) *models.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &models.Event{ID: id, Type: typ, Payload: raw}
}

func TestTrackerAddRemove(t *testing.T) {
	tr := New(Strict)

	err := tr.Apply(event(t, "evt_1", models.EventSkillAdded, models.SkillAddedPayload{
		Name:   "git-review",
		Source: "workspace",
		Method: models.SkillPersistent,
	}))
	if err != nil {
		t.Fatalf("Apply(skill.added) error = %v", err)
	}
	if !tr.Active("git-review") {
		t.Fatal("Active(git-review) = false after skill.added")
	}

	snap := tr.Snapshot()
	if len(snap.Added) != 1 || snap.Added[0].Name != "git-review" || snap.Added[0].EventID != "evt_1" {
		t.Fatalf("Snapshot().Added = %+v, want one git-review entry from evt_1", snap.Added)
	}

	err = tr.Apply(event(t, "evt_2", models.EventSkillRemoved, models.SkillRemovedPayload{Name: "git-review"}))
	if err != nil {
		t.Fatalf("Apply(skill.removed) error = %v", err)
	}
	if tr.Active("git-review") {
		t.Fatal("Active(git-review) = true after skill.removed")
	}
	snap = tr.Snapshot()
	if len(snap.Added) != 0 {
		t.Fatalf("Snapshot().Added = %+v, want empty", snap.Added)
	}
	if !reflect.DeepEqual(snap.Removed, []string{"git-review"}) {
		t.Fatalf("Snapshot().Removed = %v, want [git-review]", snap.Removed)
	}
}

func TestTrackerReAddClearsRemoved(t *testing.T) {
	tr := New(Strict)
	steps := []*models.Event{
		event(t, "evt_1", models.EventSkillAdded, models.SkillAddedPayload{Name: "deploy"}),
		event(t, "evt_2", models.EventSkillRemoved, models.SkillRemovedPayload{Name: "deploy"}),
		event(t, "evt_3", models.EventSkillAdded, models.SkillAddedPayload{Name: "deploy", Method: models.SkillEphemeral}),
	}
	for _, e := range steps {
		if err := tr.Apply(e); err != nil {
			t.Fatalf("Apply(%s) error = %v", e.ID, err)
		}
	}

	snap := tr.Snapshot()
	if len(snap.Removed) != 0 {
		t.Fatalf("Snapshot().Removed = %v, want empty after re-add", snap.Removed)
	}
	if len(snap.Added) != 1 || snap.Added[0].EventID != "evt_3" {
		t.Fatalf("Snapshot().Added = %+v, want deploy from evt_3", snap.Added)
	}
}

func TestTrackerUsedSpells(t *testing.T) {
	tr := New(Strict)
	payload := models.MessageAssistantPayload{
		Content: models.Blocks{
			models.TextBlock("running your checks"),
			models.ToolUseBlock("call_1", "shell", json.RawMessage(`{"cmd":"go vet"}`)),
			models.ToolUseBlock("call_2", "web_search", nil),
		},
		StopReason: models.StopToolUse,
	}
	if err := tr.Apply(event(t, "evt_1", models.EventMessageAssistant, payload)); err != nil {
		t.Fatalf("Apply(message.assistant) error = %v", err)
	}

	snap := tr.Snapshot()
	if !reflect.DeepEqual(snap.Used, []string{"shell", "web_search"}) {
		t.Fatalf("Snapshot().Used = %v, want [shell web_search]", snap.Used)
	}
}

func TestTrackerResetEvents(t *testing.T) {
	for _, typ := range []models.EventType{models.EventContextCleared, models.EventCompactBoundary} {
		t.Run(string(typ), func(t *testing.T) {
			tr := New(Strict)
			if err := tr.Apply(event(t, "evt_1", models.EventSkillAdded, models.SkillAddedPayload{Name: "notes"})); err != nil {
				t.Fatalf("Apply(skill.added) error = %v", err)
			}
			if err := tr.Apply(&models.Event{ID: "evt_2", Type: typ, Payload: json.RawMessage(`{}`)}); err != nil {
				t.Fatalf("Apply(%s) error = %v", typ, err)
			}
			snap := tr.Snapshot()
			if len(snap.Added) != 0 || len(snap.Removed) != 0 || len(snap.Used) != 0 {
				t.Fatalf("Snapshot() after %s = %+v, want empty", typ, snap)
			}
		})
	}
}

func TestTrackerUnknownTypeModes(t *testing.T) {
	unknown := &models.Event{ID: "evt_1", Type: "mystery.thing"}

	if err := New(Strict).Apply(unknown); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("strict Apply(unknown) error = %v, want ErrUnknownEventType", err)
	}
	if err := New(Lenient).Apply(unknown); err != nil {
		t.Fatalf("lenient Apply(unknown) error = %v, want nil", err)
	}

	// Extension namespaces pass in both modes.
	ext := &models.Event{ID: "evt_2", Type: "acme/custom.ping", Payload: json.RawMessage(`{"x":1}`)}
	if err := New(Strict).Apply(ext); err != nil {
		t.Fatalf("strict Apply(extension) error = %v, want nil", err)
	}
}

func TestTrackerMalformedPayloadModes(t *testing.T) {
	bad := &models.Event{ID: "evt_1", Type: models.EventSkillAdded, Payload: json.RawMessage(`{"name":`)}

	if err := New(Strict).Apply(bad); err == nil {
		t.Fatal("strict Apply(malformed) error = nil, want decode error")
	}
	tr := New(Lenient)
	if err := tr.Apply(bad); err != nil {
		t.Fatalf("lenient Apply(malformed) error = %v, want nil", err)
	}
	if got := tr.Snapshot(); len(got.Added) != 0 {
		t.Fatalf("Snapshot().Added = %+v, want empty after skipped event", got.Added)
	}
}

func TestTrackerSnapshotSorted(t *testing.T) {
	tr := New(Lenient)
	for _, name := range []string{"zsh-helper", "api-docs", "migrations"} {
		if err := tr.Apply(event(t, "evt_"+name, models.EventSkillAdded, models.SkillAddedPayload{Name: name})); err != nil {
			t.Fatalf("Apply error = %v", err)
		}
	}
	snap := tr.Snapshot()
	want := []string{"api-docs", "migrations", "zsh-helper"}
	for i, s := range snap.Added {
		if s.Name != want[i] {
			t.Fatalf("Snapshot().Added[%d].Name = %q, want %q", i, s.Name, want[i])
		}
	}
}
