package approval

import (
	"strings"
	"testing"
)

func TestParkAndRespond(t *testing.T) {
	b := NewBridge()
	id, resp, err := b.Park("fixes a null deref", "patch_greeter_1700000000000", "greeter")
	if err != nil {
		t.Fatalf("Park: %v", err)
	}
	if err := b.Respond(id, true); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	select {
	case approved := <-resp:
		if !approved {
			t.Fatalf("expected approved=true")
		}
	default:
		t.Fatalf("expected response to be ready")
	}
}

func TestParkWhileOccupiedErrors(t *testing.T) {
	b := NewBridge()
	if _, _, err := b.Park("d1", "p1", "s1"); err != nil {
		t.Fatalf("first Park: %v", err)
	}
	if _, _, err := b.Park("d2", "p2", "s2"); err != ErrOccupied {
		t.Fatalf("expected ErrOccupied, got %v", err)
	}
}

func TestRespondWrongIDFails(t *testing.T) {
	b := NewBridge()
	id, _, _ := b.Park("d", "p", "s")
	if err := b.Respond(id+"-wrong", true); err != ErrIDMismatch {
		t.Fatalf("expected ErrIDMismatch, got %v", err)
	}
}

func TestRespondWithNoneOutstanding(t *testing.T) {
	b := NewBridge()
	if err := b.Respond("anything", true); err != ErrNoneOutstanding {
		t.Fatalf("expected ErrNoneOutstanding, got %v", err)
	}
}

func TestPeekReflectsOutstanding(t *testing.T) {
	b := NewBridge()
	if _, ok := b.Peek(); ok {
		t.Fatalf("expected no pending approval initially")
	}
	id, _, _ := b.Park("d", "p", "s")
	snap, ok := b.Peek()
	if !ok || snap.ID != id {
		t.Fatalf("expected peek to reflect parked approval")
	}
	_ = b.Respond(id, false)
	if _, ok := b.Peek(); ok {
		t.Fatalf("expected no pending approval after respond")
	}
}

func TestRenderPromptIncludesSkillAndPatch(t *testing.T) {
	s := Snapshot{ID: "1", Description: "fixes bug", PatchName: "patch_x_1", Skill: "greeter"}
	rendered := RenderPrompt(s)
	if rendered == "" {
		t.Fatalf("expected non-empty rendered prompt")
	}
	if !strings.Contains(rendered, "greeter") || !strings.Contains(rendered, "patch_x_1") {
		t.Fatalf("expected rendered prompt to include skill and patch name, got %q", rendered)
	}
}
