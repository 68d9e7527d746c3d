package rollback

import (
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/sovereign/pagi/internal/kb"
	"github.com/sovereign/pagi/internal/skills"
	"github.com/sovereign/pagi/internal/vault"
)

func openTestStore(t *testing.T) *kb.Store {
	t.Helper()
	key := make([]byte, vault.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	s, err := kb.Open(t.TempDir(), v, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("kb.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "patches"), filepath.Join(dir, "artifacts"))
	loader := skills.New(0, zaptest.NewLogger(t))
	store := openTestStore(t)
	m, err := Open(cfg, store, loader, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func TestSaveFirstVersionBecomesActive(t *testing.T) {
	m := openTestManager(t)
	pv, err := m.SaveVersionedPatch("greeter", "package main\nfunc Execute(s string)(string,error){return s,nil}", "initial")
	if err != nil {
		t.Fatalf("SaveVersionedPatch: %v", err)
	}
	if !pv.IsActive {
		t.Fatalf("first version for a skill must be active immediately")
	}
	if pv.Status != StatusApplied {
		t.Fatalf("expected StatusApplied, got %s", pv.Status)
	}
}

func TestSaveVersionedPatchBlocksKnownDeadEnd(t *testing.T) {
	m := openTestManager(t)
	code := "package main\nfunc Execute(s string)(string,error){return s,nil}"
	if _, err := m.SaveVersionedPatch("greeter", code, "v1"); err != nil {
		t.Fatalf("SaveVersionedPatch v1: %v", err)
	}
	hash := ComputeHash(code)
	m.MarkDeadEnd("greeter", code, "lethal mutation observed")

	_, err := m.SaveVersionedPatch("greeter", code, "retry same code")
	if !errors.Is(err, ErrEvolutionaryDeadEnd) {
		t.Fatalf("expected ErrEvolutionaryDeadEnd, got %v", err)
	}
	var de *DeadEndError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeadEndError, got %T", err)
	}
	if de.Hash != hash {
		t.Fatalf("hash mismatch: got %s want %s", de.Hash, hash)
	}
}

func TestMarkDeadEndIsIdempotentAndMonotone(t *testing.T) {
	m := openTestManager(t)
	code := "package main\nfunc Execute(s string)(string,error){return s,nil}"
	d1 := m.MarkDeadEnd("greeter", code, "first reason")
	d2 := m.MarkDeadEnd("greeter", code, "second reason")
	if d1.OccurrenceCount != 1 {
		t.Fatalf("expected first occurrence count 1, got %d", d1.OccurrenceCount)
	}
	if d2.OccurrenceCount != 2 {
		t.Fatalf("expected second occurrence count 2, got %d", d2.OccurrenceCount)
	}
	if d2.Reason != "second reason" {
		t.Fatalf("expected updated reason, got %q", d2.Reason)
	}
}

func TestRollbackFlipsActiveVersion(t *testing.T) {
	m := openTestManager(t)
	v1, err := m.SaveVersionedPatch("greeter", "package main\nfunc Execute(s string)(string,error){return s+\"1\",nil}", "v1")
	if err != nil {
		t.Fatalf("save v1: %v", err)
	}
	v2, err := m.SaveVersionedPatch("greeter", "package main\nfunc Execute(s string)(string,error){return s+\"2\",nil}", "v2")
	if err != nil {
		t.Fatalf("save v2: %v", err)
	}
	if !v2.IsActive {
		t.Fatalf("a second save for a skill with prior history must activate immediately")
	}
	active, ok := m.GetActiveVersion("greeter")
	if !ok || active.TimestampMs != v2.TimestampMs {
		t.Fatalf("expected v2 active after its own save")
	}
	for _, v := range m.ListVersions("greeter") {
		if v.TimestampMs == v1.TimestampMs && v.Status != StatusSuperseded {
			t.Fatalf("expected v1 to be marked superseded, got %s", v.Status)
		}
	}

	rolledTo, err := m.RollbackSkill("greeter", nil, "regression observed")
	if err != nil {
		t.Fatalf("RollbackSkill: %v", err)
	}
	if rolledTo.TimestampMs != v1.TimestampMs {
		t.Fatalf("expected rollback to land on v1 (%d), got %d", v1.TimestampMs, rolledTo.TimestampMs)
	}
	active, ok := m.GetActiveVersion("greeter")
	if !ok || active.TimestampMs != v1.TimestampMs {
		t.Fatalf("expected v1 active after rollback")
	}

	if _, dead := m.CheckDeadEnd(v2.CodeHash); !dead {
		t.Fatalf("expected superseded version's hash to become a dead end")
	}
}

func TestRollbackRequiresTwoVersions(t *testing.T) {
	m := openTestManager(t)
	if _, err := m.SaveVersionedPatch("lonely", "package main\nfunc Execute(s string)(string,error){return s,nil}", "only version"); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err := m.RollbackSkill("lonely", nil, "no history")
	if !errors.Is(err, ErrNotEnoughHistory) {
		t.Fatalf("expected ErrNotEnoughHistory, got %v", err)
	}
}

func TestRollbackAlreadyAtTarget(t *testing.T) {
	m := openTestManager(t)
	m.SaveVersionedPatch("greeter", "package main\nfunc Execute(s string)(string,error){return s+\"1\",nil}", "v1")
	v2, _ := m.SaveVersionedPatch("greeter", "package main\nfunc Execute(s string)(string,error){return s+\"2\",nil}", "v2")

	ts := v2.TimestampMs
	_, err := m.RollbackSkill("greeter", &ts, "no-op target")
	if !errors.Is(err, ErrAlreadyAtTarget) {
		t.Fatalf("expected ErrAlreadyAtTarget, got %v", err)
	}
}

func TestAtMostOneActiveVersionPerSkill(t *testing.T) {
	m := openTestManager(t)
	for i := 0; i < 5; i++ {
		if _, err := m.SaveVersionedPatch("greeter", "package main\nfunc Execute(s string)(string,error){return s,nil}"+string(rune('a'+i)), "v"); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	active := 0
	for _, v := range m.ListVersions("greeter") {
		if v.IsActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly 1 active version, got %d", active)
	}
}

func TestSaveRejectedPatchNeverActivatesOrTouchesCurrentPointer(t *testing.T) {
	m := openTestManager(t)
	applied, err := m.SaveVersionedPatch("greeter", "package main\nfunc Execute(s string)(string,error){return s,nil}", "v1")
	if err != nil {
		t.Fatalf("save applied version: %v", err)
	}

	pv, err := m.SaveRejectedPatch("greeter", "package main\nbroken", "bad patch", StatusSyntacticHallucination)
	if err != nil {
		t.Fatalf("SaveRejectedPatch: %v", err)
	}
	if pv.IsActive {
		t.Fatalf("a rejected patch must never be active")
	}
	if pv.Status != StatusSyntacticHallucination {
		t.Fatalf("expected StatusSyntacticHallucination, got %s", pv.Status)
	}

	active, ok := m.GetActiveVersion("greeter")
	if !ok || active.TimestampMs != applied.TimestampMs {
		t.Fatalf("expected the originally applied version to remain active")
	}

	versions := m.ListVersions("greeter")
	if len(versions) != 2 {
		t.Fatalf("expected both the applied and rejected rows to be listed, got %d", len(versions))
	}
}

func TestRejectedPatchesSurviveRestartScan(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "patches"), filepath.Join(dir, "artifacts"))
	store := openTestStore(t)
	loader := skills.New(0, zaptest.NewLogger(t))

	m, err := Open(cfg, store, loader, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m.SaveRejectedPatch("greeter", "package main\nbroken", "bad patch", StatusRedTeamRejected); err != nil {
		t.Fatalf("SaveRejectedPatch: %v", err)
	}

	m2, err := Open(cfg, store, loader, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	versions := m2.ListVersions("greeter")
	if len(versions) != 1 {
		t.Fatalf("expected the rejected row to survive a restart scan, got %d", len(versions))
	}
	if versions[0].Status != StatusRedTeamRejected {
		t.Fatalf("expected StatusRedTeamRejected preserved, got %s", versions[0].Status)
	}
	if versions[0].IsActive {
		t.Fatalf("a restart-replayed rejected row must never be active")
	}
}

func TestStartupScanReplaysDurableDeadEnds(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "patches"), filepath.Join(dir, "artifacts"))
	store := openTestStore(t)
	loader := skills.New(0, zaptest.NewLogger(t))

	if err := store.PutDeadEnd(kb.DeadEndRecord{
		Hash: "deadbeef", Skill: "greeter", Reason: "pre-existing", TimestampMs: 1, OccurrenceCount: 3,
	}); err != nil {
		t.Fatalf("PutDeadEnd: %v", err)
	}

	m, err := Open(cfg, store, loader, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d, ok := m.CheckDeadEnd("deadbeef")
	if !ok {
		t.Fatalf("expected replayed dead end to be present")
	}
	if d.OccurrenceCount != 3 {
		t.Fatalf("expected replay to preserve occurrence count, got %d", d.OccurrenceCount)
	}
}

func TestComputeHashDeterministicAndSensitive(t *testing.T) {
	a := ComputeHash("package main\nfunc Execute(s string)(string,error){return s,nil}")
	b := ComputeHash("package main\nfunc Execute(s string)(string,error){return s,nil}")
	c := ComputeHash("package main\nfunc Execute(s string)(string,error){return s,nil } ")
	if a != b {
		t.Fatalf("identical code must hash identically")
	}
	if a == c {
		t.Fatalf("any edit must change the hash")
	}
}
