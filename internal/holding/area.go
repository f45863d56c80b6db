// Package holding implements the kept-for-later buffer: inbound payloads
// that reference a group or contact not yet known locally wait here until
// the dependency appears, then replay through ingestion as if freshly
// received. Entries older than the retention window are failed permanently
// instead of replayed.
package holding

import (
	"log/slog"
	"sync"
	"time"

	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/platform/assertfail"
	"loom-chat/go-core/pkg/models"
)

const (
	DependencyGroup   = "group"
	DependencyContact = "contact"
)

// DependencyKey names the missing piece an entry waits for.
type DependencyKey struct {
	Kind          string
	OwnedIdentity string
	Identifier    string
}

func (k DependencyKey) mapKey() string {
	return k.Kind + "|" + k.OwnedIdentity + "|" + k.Identifier
}

// Entry is one buffered payload. Replayed is set when the entry is popped;
// an entry that comes back for the same dependency after a replay is a
// logic error and is failed permanently.
type Entry struct {
	Envelope  engine.InboundEnvelope
	Payload   []byte
	Key       DependencyKey
	CreatedAt time.Time
	Replayed  bool
}

type Area struct {
	mu      sync.Mutex
	byKey   map[string][]Entry
	present map[string]string // engine id token -> dependency map key
	window  time.Duration
	log     *slog.Logger
	now     func() time.Time
}

func NewArea(window time.Duration, log *slog.Logger) *Area {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Area{
		byKey:   make(map[string][]Entry),
		present: make(map[string]string),
		window:  window,
		log:     log,
		now:     time.Now,
	}
}

// Window returns the retention window; ingestion uses it to fail payloads
// that are already older than any possible replay.
func (a *Area) Window() time.Duration { return a.window }

// KeepForLater buffers the entry. Idempotent: a payload already waiting
// (same engine identifier) is not duplicated. Returns false when the entry
// already went through a replay for this same dependency, which callers
// must treat as a permanent failure.
func (a *Area) KeepForLater(e Entry) bool {
	token := models.EngineIdentifierToken(e.Envelope.EngineIdentifier)
	a.mu.Lock()
	defer a.mu.Unlock()
	if e.Replayed {
		assertfail.Fail(a.log, "replayed payload failed again for the same dependency",
			"engine_id", token, "dependency", e.Key.Identifier)
		return false
	}
	if _, waiting := a.present[token]; waiting {
		return true
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.now()
	}
	key := e.Key.mapKey()
	a.byKey[key] = append(a.byKey[key], e)
	a.present[token] = key
	a.log.Info("payload kept for later",
		"engine_id", token,
		"dependency_kind", e.Key.Kind,
		"owned_identity", e.Key.OwnedIdentity)
	return true
}

// Replay atomically pops every entry waiting on the dependency, in arrival
// order, marked so a second buffering attempt is detected. Replaying a
// dependency nobody waits on returns nil.
func (a *Area) Replay(key DependencyKey) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := a.byKey[key.mapKey()]
	if len(entries) == 0 {
		return nil
	}
	delete(a.byKey, key.mapKey())
	out := make([]Entry, len(entries))
	for i, e := range entries {
		delete(a.present, models.EngineIdentifierToken(e.Envelope.EngineIdentifier))
		e.Replayed = true
		out[i] = e
	}
	return out
}

// Expired pops every entry older than the retention window. The caller
// marks them as permanent processing failures.
func (a *Area) Expired(now time.Time) []Entry {
	cutoff := now.Add(-a.window)
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Entry
	for key, entries := range a.byKey {
		kept := entries[:0]
		for _, e := range entries {
			if e.CreatedAt.Before(cutoff) {
				delete(a.present, models.EngineIdentifierToken(e.Envelope.EngineIdentifier))
				out = append(out, e)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(a.byKey, key)
		} else {
			a.byKey[key] = kept
		}
	}
	return out
}

func (a *Area) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, entries := range a.byKey {
		n += len(entries)
	}
	return n
}
