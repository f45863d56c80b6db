package holding

import (
	"testing"
	"time"

	"loom-chat/go-core/internal/engine"
)

func entry(engineID string, key DependencyKey, at time.Time) Entry {
	return Entry{
		Envelope:  engine.InboundEnvelope{EngineIdentifier: []byte(engineID), OwnedIdentity: key.OwnedIdentity},
		Payload:   []byte(`{}`),
		Key:       key,
		CreatedAt: at,
	}
}

func TestKeepForLaterIdempotent(t *testing.T) {
	a := NewArea(48*time.Hour, nil)
	key := DependencyKey{Kind: DependencyGroup, OwnedIdentity: "alice", Identifier: "grp-1"}
	now := time.Now()

	if !a.KeepForLater(entry("eng-1", key, now)) {
		t.Fatal("first keep rejected")
	}
	if !a.KeepForLater(entry("eng-1", key, now.Add(time.Second))) {
		t.Fatal("duplicate keep rejected")
	}
	if got := a.Size(); got != 1 {
		t.Fatalf("size = %d, want 1", got)
	}
}

func TestReplayArrivalOrder(t *testing.T) {
	a := NewArea(48*time.Hour, nil)
	key := DependencyKey{Kind: DependencyGroup, OwnedIdentity: "alice", Identifier: "grp-1"}
	other := DependencyKey{Kind: DependencyContact, OwnedIdentity: "alice", Identifier: "bob"}
	now := time.Now()

	a.KeepForLater(entry("eng-1", key, now))
	a.KeepForLater(entry("eng-2", key, now.Add(time.Second)))
	a.KeepForLater(entry("eng-3", other, now))

	got := a.Replay(key)
	if len(got) != 2 {
		t.Fatalf("replayed %d entries, want 2", len(got))
	}
	if string(got[0].Envelope.EngineIdentifier) != "eng-1" || string(got[1].Envelope.EngineIdentifier) != "eng-2" {
		t.Fatalf("wrong order: %q then %q", got[0].Envelope.EngineIdentifier, got[1].Envelope.EngineIdentifier)
	}
	for _, e := range got {
		if !e.Replayed {
			t.Fatal("replayed entry not marked")
		}
	}
	if a.Replay(key) != nil {
		t.Fatal("second replay returned entries")
	}
	if got := a.Size(); got != 1 {
		t.Fatalf("size after replay = %d, want 1", got)
	}
}

func TestReplayedEntryNotRebuffered(t *testing.T) {
	a := NewArea(48*time.Hour, nil)
	key := DependencyKey{Kind: DependencyContact, OwnedIdentity: "alice", Identifier: "bob"}

	a.KeepForLater(entry("eng-1", key, time.Now()))
	popped := a.Replay(key)
	if len(popped) != 1 {
		t.Fatalf("replayed %d entries, want 1", len(popped))
	}
	if a.KeepForLater(popped[0]) {
		t.Fatal("replayed entry accepted back for the same dependency")
	}
	if a.Size() != 0 {
		t.Fatal("rejected entry was buffered anyway")
	}
}

func TestExpired(t *testing.T) {
	a := NewArea(time.Hour, nil)
	key := DependencyKey{Kind: DependencyGroup, OwnedIdentity: "alice", Identifier: "grp-1"}
	now := time.Now()

	a.KeepForLater(entry("old", key, now.Add(-2*time.Hour)))
	a.KeepForLater(entry("fresh", key, now))

	expired := a.Expired(now)
	if len(expired) != 1 || string(expired[0].Envelope.EngineIdentifier) != "old" {
		t.Fatalf("expired = %v", expired)
	}
	if got := a.Size(); got != 1 {
		t.Fatalf("size = %d, want 1", got)
	}
	// the fresh entry is still replayable
	if got := a.Replay(key); len(got) != 1 {
		t.Fatalf("replay after expiry returned %d entries", len(got))
	}
}
