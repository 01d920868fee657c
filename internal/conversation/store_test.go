package conversation

import (
	"fmt"
	"testing"

	"github.com/tenexlabs/tenex/pkg/nostr"
)

func ev(id string, createdAt int64) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    "pk",
		CreatedAt: createdAt,
		Kind:      nostr.KindGenericReply,
		Content:   "content " + id,
	}
}

func TestCreateAndLookup(t *testing.T) {
	s := NewStore(t.TempDir())
	root := ev("root1", 100)

	c := s.Create(root)
	if c.ID != "root1" || c.RootEventID != "root1" {
		t.Errorf("conversation ids = %q/%q", c.ID, c.RootEventID)
	}
	if c.CurrentPhase() != PhaseChat {
		t.Errorf("initial phase = %s, want CHAT", c.CurrentPhase())
	}

	if again := s.Create(root); again != c {
		t.Error("Create with existing root returned a new conversation")
	}

	got, ok := s.GetByAnyEventID("root1")
	if !ok || got != c {
		t.Error("GetByAnyEventID failed for root")
	}
}

func TestAppendKeepsHistoryOrdered(t *testing.T) {
	s := NewStore(t.TempDir())
	c := s.Create(ev("root", 100))

	// Arrival order deliberately scrambled relative to created_at.
	for _, e := range []*nostr.Event{ev("c", 300), ev("a", 150), ev("b", 200), ev("tie2", 200)} {
		if err := s.AppendEvent(c.ID, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	hist := c.HistorySnapshot()
	for i := 1; i < len(hist); i++ {
		if hist[i].Less(hist[i-1]) {
			t.Fatalf("history out of order at %d: %s after %s", i, hist[i].ID, hist[i-1].ID)
		}
	}
	// Tie at created_at 200 breaks by id: "b" < "tie2".
	if hist[2].ID != "b" || hist[3].ID != "tie2" {
		t.Errorf("tie-break order = %s, %s", hist[2].ID, hist[3].ID)
	}
}

func TestAppendDuplicateIsNoOp(t *testing.T) {
	s := NewStore(t.TempDir())
	c := s.Create(ev("root", 100))

	e := ev("x", 150)
	if err := s.AppendEvent(c.ID, e); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(c.ID, ev("x", 999)); err != nil {
		t.Fatal(err)
	}
	if got := len(c.HistorySnapshot()); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}

	got, ok := s.GetByAnyEventID("x")
	if !ok || got != c {
		t.Error("GetByAnyEventID failed for appended event")
	}
}

func TestUpdatePhase(t *testing.T) {
	s := NewStore(t.TempDir())
	c := s.Create(ev("root", 100))
	s.AppendEvent(c.ID, ev("cause", 150))

	if err := s.UpdatePhase(c.ID, PhaseChat, PhasePlan, "planning time", "pm", "cause"); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}
	if c.CurrentPhase() != PhasePlan {
		t.Errorf("phase = %s, want PLAN", c.CurrentPhase())
	}

	// Stale `from` must be rejected without changing state.
	if err := s.UpdatePhase(c.ID, PhaseChat, PhaseExecute, "", "pm", "cause"); err == nil {
		t.Error("stale from accepted")
	}
	if c.CurrentPhase() != PhasePlan {
		t.Error("rejected transition mutated phase")
	}

	// Transition must reference an event in history.
	if err := s.UpdatePhase(c.ID, PhasePlan, PhaseExecute, "", "pm", "nonexistent"); err == nil {
		t.Error("transition with unknown event accepted")
	}

	// Unknown target phase.
	if err := s.UpdatePhase(c.ID, PhasePlan, Phase("LIMBO"), "", "pm", "cause"); err == nil {
		t.Error("unknown phase accepted")
	}

	if len(c.PhaseTransitions) != 1 {
		t.Errorf("transitions recorded = %d, want 1", len(c.PhaseTransitions))
	}
	if tr := c.PhaseTransitions[0]; tr.ByEventID != "cause" || tr.From != PhaseChat || tr.To != PhasePlan {
		t.Errorf("transition = %+v", tr)
	}
}

func TestAgentState(t *testing.T) {
	s := NewStore(t.TempDir())
	c := s.Create(ev("root", 100))

	if _, ok := s.GetAgentState(c.ID, "dev"); ok {
		t.Error("unset agent state reported present")
	}

	s.SetAgentState(c.ID, "dev", AgentState{PendingDelegation: "batch-1", ToolSessionID: "sess-9"})
	st, ok := s.GetAgentState(c.ID, "dev")
	if !ok || st.PendingDelegation != "batch-1" || st.ToolSessionID != "sess-9" {
		t.Errorf("agent state = %+v", st)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(dir)
	c := s.Create(ev("root", 100))
	s.AppendEvent(c.ID, ev("a", 150))
	s.UpdatePhase(c.ID, PhaseChat, PhaseBrainstorm, "ideas", "pm", "a")
	s.SetAgentState(c.ID, "dev", AgentState{LastSeenEventID: "a"})
	s.SetMetadata(c.ID, "title", "Kickoff")

	fresh := NewStore(dir)
	if err := fresh.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	got, ok := fresh.Get("root")
	if !ok {
		t.Fatal("conversation lost across restart")
	}
	if got.CurrentPhase() != PhaseBrainstorm {
		t.Errorf("phase = %s", got.CurrentPhase())
	}
	if len(got.HistorySnapshot()) != 2 {
		t.Errorf("history length = %d, want 2", len(got.HistorySnapshot()))
	}
	if st, _ := fresh.GetAgentState("root", "dev"); st.LastSeenEventID != "a" {
		t.Errorf("agent state = %+v", st)
	}
	if fresh.Metadata("root", "title") != "Kickoff" {
		t.Error("metadata lost")
	}
	if _, ok := fresh.GetByAnyEventID("a"); !ok {
		t.Error("event index not rebuilt on load")
	}

	// Dedup set must be rebuilt too.
	if err := fresh.AppendEvent("root", ev("a", 150)); err != nil {
		t.Fatal(err)
	}
	if got := len(got.HistorySnapshot()); got != 2 {
		t.Errorf("duplicate appended after reload, history length = %d", got)
	}
}

func TestOrphanAnnotation(t *testing.T) {
	s := NewStore(t.TempDir())
	c := s.CreateOrphan(ev("lost", 100))
	if s.Metadata(c.ID, MetadataOrphaned) != "true" {
		t.Error("orphan conversation not annotated")
	}
}

func TestAddressableIDsPersist(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	root := ev("spec-root", 100)
	c := s.Create(root)
	// Conversation ids derived from a-tags contain colons.
	s.mu.Lock()
	delete(s.convs, c.ID)
	c.ID = fmt.Sprintf("%d:pubkey:article", nostr.KindSpecArticle)
	s.convs[c.ID] = c
	s.mu.Unlock()

	if err := s.Persist(c.ID); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	fresh := NewStore(dir)
	if err := fresh.LoadAll(); err != nil {
		t.Fatal(err)
	}
	if _, ok := fresh.Get(c.ID); !ok {
		t.Error("addressable-id conversation lost")
	}
}
