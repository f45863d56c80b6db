package waku

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"loom-chat/go-core/internal/app"
	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/events"
)

func startedNode(t *testing.T, identity string) *Node {
	t.Helper()
	n := NewNode(DefaultConfig())
	n.SetIdentity(identity)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

func TestNodeLifecycle(t *testing.T) {
	n := NewNode(DefaultConfig())
	if s := n.Status(); s.State != StateDisconnected {
		t.Fatalf("initial state = %s", s.State)
	}
	n.SetIdentity("alice")
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s := n.Status(); s.State != StateConnected {
		t.Fatalf("state after start = %s", s.State)
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s := n.Status(); s.State != StateDisconnected || s.PeerCount != 0 {
		t.Fatalf("state after stop = %+v", s)
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	n := NewNode(DefaultConfig())
	if err := n.PublishFrame(context.Background(), Frame{ID: "f1", Recipient: "bob"}); err == nil {
		t.Fatal("publish on disconnected node succeeded")
	}
}

func TestFramesReachOnlyTheirRecipient(t *testing.T) {
	alice := startedNode(t, "alice")
	bob := startedNode(t, "bob")
	carol := startedNode(t, "carol")

	var mu sync.Mutex
	var bobGot, carolGot []string
	collect := func(dst *[]string) func(Frame) {
		return func(f Frame) {
			mu.Lock()
			*dst = append(*dst, f.ID)
			mu.Unlock()
		}
	}
	if err := bob.SubscribeFrames(collect(&bobGot)); err != nil {
		t.Fatalf("subscribe bob: %v", err)
	}
	if err := carol.SubscribeFrames(collect(&carolGot)); err != nil {
		t.Fatalf("subscribe carol: %v", err)
	}

	if err := alice.PublishFrame(context.Background(), Frame{ID: "f1", SenderID: "alice", Recipient: "bob"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		done := len(bobGot) == 1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never reached bob")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(carolGot) != 0 {
		t.Fatalf("carol received someone else's frames: %v", carolGot)
	}
}

func TestOfflineFramesDrainOnSubscribe(t *testing.T) {
	alice := startedNode(t, "alice")
	bob := startedNode(t, "bob")

	for _, id := range []string{"f1", "f2"} {
		if err := alice.PublishFrame(context.Background(), Frame{ID: id, Recipient: "bob"}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	var got []string
	if err := bob.SubscribeFrames(func(f Frame) { got = append(got, f.ID) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(got) != 2 || got[0] != "f1" || got[1] != "f2" {
		t.Fatalf("mailbox drain order: %v", got)
	}
}

func TestBridgeDispatchesItemFrames(t *testing.T) {
	eng := startedNode(t, "engine")
	core := startedNode(t, "alice-owned")

	router := events.NewRouter(16)
	defer router.Close()
	received := make(chan events.Event, 1)
	cancel := router.Subscribe(events.TopicEnginePayloadReceived, func(e events.Event) {
		select {
		case received <- e:
		default:
		}
	})
	defer cancel()

	bridge := NewBridge(core, router, nil)
	if err := bridge.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}

	body, err := json.Marshal(ItemBody{
		Envelope: engine.InboundEnvelope{
			EngineIdentifier: []byte{1, 2},
			OwnedIdentity:    "alice-owned",
			SenderIdentity:   "bob",
		},
		Raw: json.RawMessage(`{"message":{"sender_thread_id":"t","sender_sequence_number":1,"body":"hi"}}`),
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	err = eng.PublishFrame(context.Background(), Frame{
		ID: "f1", SenderID: "engine", Recipient: "alice-owned",
		Kind: FrameKindItem, Payload: body,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-received:
		p, ok := e.Payload.(app.PayloadReceived)
		if !ok {
			t.Fatalf("payload type %T", e.Payload)
		}
		if p.Envelope.SenderIdentity != "bob" || len(p.Raw) == 0 {
			t.Fatalf("payload content: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("item frame never reached the router")
	}
}

func TestRuntimeStateFollowsPeerCount(t *testing.T) {
	prev := runtimeStatusPollInterval
	runtimeStatusPollInterval = 20 * time.Millisecond
	defer func() { runtimeStatusPollInterval = prev }()

	fake := &fakeBackend{peerCount: 1}
	n := NewNode(Config{Transport: TransportGoWaku})
	n.mu.Lock()
	n.gw = fake
	n.status.State = StateConnected
	n.status.PeerCount = 1
	n.mu.Unlock()
	n.startRuntimeMonitor()
	defer n.stopRuntimeMonitor()

	waitForState(t, n, StateConnected, 300*time.Millisecond)
	fake.setPeerCount(0)
	waitForState(t, n, StateDegraded, 500*time.Millisecond)
	fake.setPeerCount(2)
	waitForState(t, n, StateConnected, 500*time.Millisecond)
}

func TestNormalizeConfig(t *testing.T) {
	cfg := normalizeConfig(Config{
		MinPeers:            -1,
		ReconnectInterval:   5 * time.Second,
		ReconnectBackoffMax: time.Second,
	})
	if cfg.ReconnectBackoffMax != 5*time.Second {
		t.Fatalf("backoff max not raised to interval: %v", cfg.ReconnectBackoffMax)
	}
	if cfg.MinPeers != 0 {
		t.Fatalf("negative minPeers not clamped: %d", cfg.MinPeers)
	}
	if cfg.Transport != TransportMock || cfg.StoreQueryFanout <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestStartupPeerTarget(t *testing.T) {
	if got := startupPeerTarget(Config{}); got != 1 {
		t.Fatalf("default target = %d, want 1", got)
	}
	if got := startupPeerTarget(Config{MinPeers: 3, BootstrapNodes: []string{"a", "b"}}); got != 2 {
		t.Fatalf("target not capped by bootstrap size: %d", got)
	}
}

func TestWaitForStartupPeerCountTimesOut(t *testing.T) {
	fake := &fakeBackend{peerCount: 0}
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	got, err := waitForStartupPeerCount(ctx, fake, Config{
		MinPeers:            2,
		ReconnectInterval:   50 * time.Millisecond,
		ReconnectBackoffMax: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("peer count after timeout = %d, want 0", got)
	}
}

func waitForState(t *testing.T, n *Node, expected string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if n.Status().State == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state=%s, got=%s", expected, n.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeBackend struct {
	mu        sync.RWMutex
	peerCount int
}

func (f *fakeBackend) Start(_ context.Context, _ Config) error { return nil }
func (f *fakeBackend) Stop()                                   {}
func (f *fakeBackend) SetIdentity(_ string)                    {}
func (f *fakeBackend) ListenAddresses() []string               { return nil }
func (f *fakeBackend) SubscribeFrames(_ func(Frame)) error     { return nil }
func (f *fakeBackend) PublishFrame(_ context.Context, _ Frame) error {
	return nil
}
func (f *fakeBackend) FetchFramesSince(_ context.Context, _ string, _ time.Time, _ int) ([]Frame, error) {
	return nil, nil
}
func (f *fakeBackend) PeerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peerCount
}
func (f *fakeBackend) setPeerCount(v int) {
	f.mu.Lock()
	f.peerCount = v
	f.mu.Unlock()
}
