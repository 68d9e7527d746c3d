package kb

import (
	"crypto/rand"
	"testing"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap/zaptest"

	"github.com/sovereign/pagi/internal/vault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	key := make([]byte, vault.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	s, err := Open(t.TempDir(), v, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.Insert(Logos, "k1", []byte("hello")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok, err := s.Get(Logos, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(got) != "hello" {
		t.Fatalf("Get = %q, %v; want hello, true", got, ok)
	}
}

func TestGetMissingKeyNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(Logos, "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
}

func TestShadowSlotEncryptsAtRest(t *testing.T) {
	s := openTestStore(t)
	anchor := EmotionalAnchor{Type: "stress", Intensity: 0.8, Active: true}
	if err := s.InsertShadowAnchor("anchor/test", anchor); err != nil {
		t.Fatalf("InsertShadowAnchor: %v", err)
	}

	got, ok, err := s.GetShadowAnchor("anchor/test")
	if err != nil {
		t.Fatalf("GetShadowAnchor: %v", err)
	}
	if !ok || *got != anchor {
		t.Fatalf("GetShadowAnchor = %+v, %v; want %+v, true", got, ok, anchor)
	}

	active, err := s.GetActiveShadowAnchors()
	if err != nil {
		t.Fatalf("GetActiveShadowAnchors: %v", err)
	}
	if len(active) != 1 || active[0] != anchor {
		t.Fatalf("GetActiveShadowAnchors = %+v; want one entry %+v", active, anchor)
	}

	var rawBytes []byte
	if err := s.dbs[Shadow].View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(dataBucket)).Get([]byte("anchor/test"))
		rawBytes = append([]byte(nil), v...)
		return nil
	}); err != nil {
		t.Fatalf("raw view: %v", err)
	}
	if string(rawBytes) == `{"type":"stress","intensity":0.8,"active":true}` {
		t.Fatal("raw bytes under shadow key equal plaintext JSON encoding")
	}
}

func TestShadowSlotLockedReturnsErrVaultLocked(t *testing.T) {
	s, err := Open(t.TempDir(), vault.Locked(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.InsertShadowAnchor("anchor/x", EmotionalAnchor{}); err != vault.ErrLocked {
		t.Fatalf("InsertShadowAnchor on locked vault: got %v, want vault.ErrLocked", err)
	}
	if _, _, err := s.GetShadowAnchor("anchor/x"); err != vault.ErrLocked {
		t.Fatalf("GetShadowAnchor on locked vault: got %v, want vault.ErrLocked", err)
	}
}

func TestChronosEventsAppendOnlyAndRecent(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.AppendChronosEvent("agent1", EventRecord{Reflection: "ok"}); err != nil {
			t.Fatalf("AppendChronosEvent: %v", err)
		}
	}
	events, err := s.GetRecentChronosEvents("agent1", 3)
	if err != nil {
		t.Fatalf("GetRecentChronosEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
}

func TestGovernedTaskRoundTripsAction(t *testing.T) {
	// This is a data-model invariant test: the KB layer stores whatever
	// it is given, so the invariant is the Governor's responsibility
	// (internal/governor). This test only checks the store round-trips
	// the Action field faithfully, which the Governor depends on.
	s := openTestStore(t)
	task := GovernedTask{TaskID: "t1", Difficulty: DifficultyCritical, Action: ActionProceed}
	if err := s.PutGovernedTask(task); err != nil {
		t.Fatalf("PutGovernedTask: %v", err)
	}
	tasks, err := s.ListGovernedTasks()
	if err != nil {
		t.Fatalf("ListGovernedTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Action != ActionProceed {
		t.Fatalf("ListGovernedTasks = %+v", tasks)
	}
}

func TestGetEffectiveMentalStateDerivesFromSoma(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetSomaState(SomaState{SleepHours: 4.5, ReadinessScore: 45}); err != nil {
		t.Fatalf("SetSomaState: %v", err)
	}
	ms, err := s.GetEffectiveMentalState("agent1")
	if err != nil {
		t.Fatalf("GetEffectiveMentalState: %v", err)
	}
	if ms.BurnoutRisk < 0.15 {
		t.Fatalf("BurnoutRisk = %v, want >= 0.15", ms.BurnoutRisk)
	}
	if ms.GraceMultiplier != 1.6 {
		t.Fatalf("GraceMultiplier = %v, want 1.6", ms.GraceMultiplier)
	}
}

func TestDeadEndReplay(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutDeadEnd(DeadEndRecord{Hash: "abc123", Skill: "x", Reason: "manual", OccurrenceCount: 1}); err != nil {
		t.Fatalf("PutDeadEnd: %v", err)
	}
	records, err := s.ListDeadEnds()
	if err != nil {
		t.Fatalf("ListDeadEnds: %v", err)
	}
	if len(records) != 1 || records[0].Hash != "abc123" {
		t.Fatalf("ListDeadEnds = %+v", records)
	}
}
