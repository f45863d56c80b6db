package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/holding"
	"loom-chat/go-core/internal/lifecycle"
	"loom-chat/go-core/internal/policy"
	"loom-chat/go-core/internal/storage"
	"loom-chat/go-core/pkg/models"
)

type fakeEffects struct{ fns []func() }

func (e *fakeEffects) Defer(fn func()) { e.fns = append(e.fns, fn) }
func (e *fakeEffects) fire() {
	for _, fn := range e.fns {
		fn()
	}
}

type fixture struct {
	store *storage.Store
	eng   *engine.Recorder
	mach  *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(storage.NewMemoryBackend(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	eng := engine.NewRecorder()
	mgr := lifecycle.NewManager(eng, nil, nil, nil, lifecycle.Options{SendReadReceiptsDefault: true})
	mgr.SetReceiptDispatcher(func(string, engine.ReturnReceipt) {})
	return &fixture{
		store: store,
		eng:   eng,
		mach:  NewMachine(mgr, nil, nil, nil, MachineOptions{AutoDownloadAttachments: true}),
	}
}

func (f *fixture) seedOneToOne(t *testing.T) {
	t.Helper()
	tx := f.store.Begin()
	tx.PutDiscussion(models.Discussion{
		ID: "d1", OwnedIdentity: "alice", Kind: models.DiscussionKindOneToOne, ContactIdentity: "bob",
	})
	tx.PutContact(models.Contact{OwnedIdentity: "alice", Identity: "bob", OneToOneDiscussionID: "d1"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func envelope(engineID string) engine.InboundEnvelope {
	return engine.InboundEnvelope{
		EngineIdentifier: []byte(engineID),
		OwnedIdentity:    "alice",
		SenderIdentity:   "bob",
		UploadedAt:       time.Now(),
		DownloadedAt:     time.Now(),
	}
}

func marshal(t *testing.T, item ItemPayload) []byte {
	t.Helper()
	raw, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func (f *fixture) process(t *testing.T, env engine.InboundEnvelope, raw []byte) Result {
	t.Helper()
	tx := f.store.Begin()
	fx := &fakeEffects{}
	res := f.mach.Process(context.Background(), tx, fx, env, raw)
	if res.Outcome == OutcomeProcessed {
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		fx.fire()
	}
	return res
}

func newMessageItem(seq int, body string) ItemPayload {
	return ItemPayload{Message: &MessagePayload{
		SenderThreadID:       "t1",
		SenderSequenceNumber: seq,
		Body:                 body,
	}}
}

func TestDecodeFailureIsPermanent(t *testing.T) {
	f := newFixture(t)
	res := f.process(t, envelope("e1"), []byte("{not json"))
	if res.Outcome != OutcomePermanentFailure || !errors.Is(res.Err, ErrMalformedPayload) {
		t.Fatalf("res = %+v", res)
	}
}

func TestAmbiguousItemIsPermanent(t *testing.T) {
	f := newFixture(t)
	item := newMessageItem(1, "hi")
	item.Reaction = &ReactionPayload{Emoji: "x"}
	res := f.process(t, envelope("e1"), marshal(t, item))
	if res.Outcome != OutcomePermanentFailure {
		t.Fatalf("res = %+v", res)
	}
}

func TestNewMessageExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.seedOneToOne(t)

	raw := marshal(t, newMessageItem(1, "hello"))
	if res := f.process(t, envelope("e1"), raw); res.Outcome != OutcomeProcessed {
		t.Fatalf("first: %+v", res)
	}
	// same sender coordinates delivered twice
	if res := f.process(t, envelope("e2"), raw); res.Outcome != OutcomeProcessed {
		t.Fatalf("second: %+v", res)
	}
	msgs := f.store.MessagesInDiscussion("d1")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Received.Status != models.ReceivedStatusNew {
		t.Fatalf("fresh message status = %s, want new", msgs[0].Received.Status)
	}
}

func TestNewMessageOverridesProvisionalCopy(t *testing.T) {
	f := newFixture(t)
	f.seedOneToOne(t)

	if res := f.process(t, envelope("e1"), marshal(t, newMessageItem(1, "provisional"))); res.Outcome != OutcomeProcessed {
		t.Fatalf("first: %+v", res)
	}

	item := newMessageItem(1, "authoritative")
	item.Message.OverridePrevious = true
	if res := f.process(t, envelope("e2"), marshal(t, item)); res.Outcome != OutcomeProcessed {
		t.Fatalf("override: %+v", res)
	}

	msgs := f.store.MessagesInDiscussion("d1")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Body != "authoritative" {
		t.Fatalf("body = %q, want the overriding content", msgs[0].Body)
	}
}

func TestOverrideLeavesWipedMessageAlone(t *testing.T) {
	f := newFixture(t)
	f.seedOneToOne(t)

	if res := f.process(t, envelope("e1"), marshal(t, newMessageItem(1, "secret"))); res.Outcome != OutcomeProcessed {
		t.Fatalf("create: %+v", res)
	}
	del := ItemPayload{DeleteMessages: &DeleteMessagesPayload{
		References: []models.MessageReference{{SenderIdentity: "bob", SenderThreadID: "t1", SenderSequenceNumber: 1}},
	}}
	if res := f.process(t, envelope("e2"), marshal(t, del)); res.Outcome != OutcomeProcessed {
		t.Fatalf("wipe: %+v", res)
	}

	item := newMessageItem(1, "resurrected")
	item.Message.OverridePrevious = true
	if res := f.process(t, envelope("e3"), marshal(t, item)); res.Outcome != OutcomeProcessed {
		t.Fatalf("override: %+v", res)
	}
	msgs := f.store.MessagesInDiscussion("d1")
	if !msgs[0].Wiped || msgs[0].Body != "" {
		t.Fatalf("override resurrected a wiped message: %+v", msgs[0])
	}
}

func TestUnknownContactPendsOnDependency(t *testing.T) {
	f := newFixture(t)
	res := f.process(t, envelope("e1"), marshal(t, newMessageItem(1, "hi")))
	if res.Outcome != OutcomePendingDependency {
		t.Fatalf("res = %+v", res)
	}
	want := holding.DependencyKey{Kind: holding.DependencyContact, OwnedIdentity: "alice", Identifier: "bob"}
	if res.MissingDependency == nil || *res.MissingDependency != want {
		t.Fatalf("dependency = %+v", res.MissingDependency)
	}
}

func TestUnknownGroupPendsOnDependency(t *testing.T) {
	f := newFixture(t)
	item := newMessageItem(1, "hi")
	item.Message.GroupIdentifier = "grp-9"
	res := f.process(t, envelope("e1"), marshal(t, item))
	if res.Outcome != OutcomePendingDependency || res.MissingDependency.Kind != holding.DependencyGroup {
		t.Fatalf("res = %+v", res)
	}
}

func TestReplyBeforeReferencedMessage(t *testing.T) {
	f := newFixture(t)
	f.seedOneToOne(t)

	reply := newMessageItem(5, "hi")
	reply.Message.RepliesTo = &models.MessageReference{
		SenderIdentity: "bob", SenderThreadID: "t1", SenderSequenceNumber: 4,
	}
	if res := f.process(t, envelope("e5"), marshal(t, reply)); res.Outcome != OutcomeProcessed {
		t.Fatalf("reply: %+v", res)
	}

	tx := f.store.Begin()
	five, ok := tx.MessageByReference(models.MessageReference{SenderIdentity: "bob", SenderThreadID: "t1", SenderSequenceNumber: 5})
	if !ok || five.RepliesTo.State != models.ReplyToPending {
		t.Fatalf("replies_to = %+v", five.RepliesTo)
	}

	if res := f.process(t, envelope("e4"), marshal(t, newMessageItem(4, "original"))); res.Outcome != OutcomeProcessed {
		t.Fatalf("original: %+v", res)
	}

	tx = f.store.Begin()
	four, _ := tx.MessageByReference(models.MessageReference{SenderIdentity: "bob", SenderThreadID: "t1", SenderSequenceNumber: 4})
	five, _ = tx.MessageByReference(models.MessageReference{SenderIdentity: "bob", SenderThreadID: "t1", SenderSequenceNumber: 5})
	if five.RepliesTo.State != models.ReplyToKnown || five.RepliesTo.MessageID != four.ID {
		t.Fatalf("replies_to after resolution = %+v", five.RepliesTo)
	}
	if pendings := tx.PendingRepliesTo(four.Reference); len(pendings) != 0 {
		t.Fatalf("placeholder not deleted: %+v", pendings)
	}
}

func TestSharedConfigurationVersionGate(t *testing.T) {
	f := newFixture(t)
	tx := f.store.Begin()
	tx.PutDiscussion(models.Discussion{
		ID: "d1", OwnedIdentity: "alice", Kind: models.DiscussionKindOneToOne, ContactIdentity: "bob",
		SharedConfig: models.SharedConfiguration{Version: 3, ReadOnce: true},
	})
	if err := tx.Commit(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stale := ItemPayload{SharedConfiguration: &SharedConfigurationPayload{
		Configuration: models.SharedConfiguration{Version: 2},
	}}
	if res := f.process(t, envelope("e1"), marshal(t, stale)); res.Outcome != OutcomeProcessed {
		t.Fatalf("stale: %+v", res)
	}
	disc, _ := f.store.Discussion("d1")
	if disc.SharedConfig.Version != 3 || !disc.SharedConfig.ReadOnce {
		t.Fatalf("stale update applied: %+v", disc.SharedConfig)
	}

	newer := ItemPayload{SharedConfiguration: &SharedConfigurationPayload{
		Configuration: models.SharedConfiguration{Version: 4, ExistenceDuration: time.Hour},
	}}
	if res := f.process(t, envelope("e2"), marshal(t, newer)); res.Outcome != OutcomeProcessed {
		t.Fatalf("newer: %+v", res)
	}
	disc, _ = f.store.Discussion("d1")
	if disc.SharedConfig.Version != 4 || disc.SharedConfig.ExistenceDuration != time.Hour {
		t.Fatalf("newer update not applied: %+v", disc.SharedConfig)
	}
	// the applied update leaves a settings-update system message
	sys := 0
	for _, msg := range f.store.MessagesInDiscussion("d1") {
		if msg.System != nil && msg.System.Category == models.SystemCategorySettingsUpdate {
			sys++
		}
	}
	if sys != 1 {
		t.Fatalf("system messages = %d, want 1", sys)
	}
}

func TestRemoteDeleteUnauthorized(t *testing.T) {
	f := newFixture(t)
	tx := f.store.Begin()
	tx.PutDiscussion(models.Discussion{
		ID: "g1", OwnedIdentity: "alice", Kind: models.DiscussionKindManagedGroup, GroupIdentifier: "grp-1",
	})
	tx.PutGroup(models.Group{
		OwnedIdentity: "alice", Identifier: "grp-1", Kind: models.DiscussionKindManagedGroup, DiscussionID: "g1",
		Members: []models.GroupMemberRole{
			{Identity: "bob", IsStillMember: true},
			{Identity: "carol", IsStillMember: true},
		},
	})
	carolMsg := models.Message{
		ID: "m1", DiscussionID: "g1", SortIndex: 1, Timestamp: time.Now(), Body: "mine",
		Reference: models.MessageReference{SenderIdentity: "carol", SenderThreadID: "t1", SenderSequenceNumber: 1},
		Kind:      models.MessageKindReceived,
		Received:  &models.ReceivedDetails{ContactIdentity: "carol", EngineIdentifier: []byte("e-c")},
	}
	tx.PutMessage(carolMsg)
	if err := tx.Commit(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	del := ItemPayload{DeleteMessages: &DeleteMessagesPayload{
		Locator:    Locator{GroupIdentifier: "grp-1"},
		References: []models.MessageReference{carolMsg.Reference},
	}}
	res := f.process(t, envelope("e1"), marshal(t, del))
	if res.Outcome != OutcomePermanentFailure || !errors.Is(res.Err, policy.ErrNotAllowed) {
		t.Fatalf("res = %+v", res)
	}
	got, _ := f.store.Message("m1")
	if got.Wiped || got.Body != "mine" {
		t.Fatalf("message mutated despite authorization failure: %+v", got)
	}
}

func TestRemoteDeleteOwnMessage(t *testing.T) {
	f := newFixture(t)
	f.seedOneToOne(t)
	if res := f.process(t, envelope("e1"), marshal(t, newMessageItem(1, "oops"))); res.Outcome != OutcomeProcessed {
		t.Fatalf("create: %+v", res)
	}

	del := ItemPayload{DeleteMessages: &DeleteMessagesPayload{
		References: []models.MessageReference{{SenderIdentity: "bob", SenderThreadID: "t1", SenderSequenceNumber: 1}},
	}}
	if res := f.process(t, envelope("e2"), marshal(t, del)); res.Outcome != OutcomeProcessed {
		t.Fatalf("delete: %+v", res)
	}
	msgs := f.store.MessagesInDiscussion("d1")
	if len(msgs) != 1 || !msgs[0].Wiped || msgs[0].Body != "" {
		t.Fatalf("message not wiped: %+v", msgs)
	}
	if !msgs[0].HasMetadata(models.MetadataKindRemoteWipe) {
		t.Fatal("remote-wipe stamp missing")
	}
}

func TestRemoteDeleteCancelsPendingDownloads(t *testing.T) {
	f := newFixture(t)
	f.seedOneToOne(t)
	env := envelope("e1")
	env.AttachmentCount = 2
	item := newMessageItem(1, "with files")
	item.Message.AttachmentFilenames = []string{"a.jpg", "b.jpg"}
	if res := f.process(t, env, marshal(t, item)); res.Outcome != OutcomeProcessed {
		t.Fatalf("create: %+v", res)
	}

	del := ItemPayload{DeleteMessages: &DeleteMessagesPayload{
		References: []models.MessageReference{{SenderIdentity: "bob", SenderThreadID: "t1", SenderSequenceNumber: 1}},
	}}
	if res := f.process(t, envelope("e2"), marshal(t, del)); res.Outcome != OutcomeProcessed {
		t.Fatalf("delete: %+v", res)
	}
	if cancels := f.eng.Calls("CancelAttachmentDownload"); len(cancels) != 2 {
		t.Fatalf("download cancels = %+v, want both pending attachments", cancels)
	}
	msgs := f.store.MessagesInDiscussion("d1")
	for _, att := range msgs[0].Attachments {
		if att.Status != models.AttachmentStatusWiped {
			t.Fatalf("attachment %d not wiped: %s", att.Number, att.Status)
		}
	}
}

func TestRemoteDiscussionDeleteCancelsPendingDownloads(t *testing.T) {
	f := newFixture(t)
	f.seedOneToOne(t)
	env := envelope("e1")
	env.AttachmentCount = 1
	item := newMessageItem(1, "with file")
	item.Message.AttachmentFilenames = []string{"a.jpg"}
	if res := f.process(t, env, marshal(t, item)); res.Outcome != OutcomeProcessed {
		t.Fatalf("create: %+v", res)
	}

	// A whole-discussion wipe arrives from another owned device.
	del := ItemPayload{DeleteDiscussion: &DeleteDiscussionPayload{Locator: Locator{Contact: "bob"}}}
	env2 := envelope("e2")
	env2.FromOtherOwnedDevice = true
	if res := f.process(t, env2, marshal(t, del)); res.Outcome != OutcomeProcessed {
		t.Fatalf("delete discussion: %+v", res)
	}
	if cancels := f.eng.Calls("CancelAttachmentDownload"); len(cancels) != 1 {
		t.Fatalf("download cancels = %+v, want the pending attachment", cancels)
	}
}

func TestDiscussionReadFromOtherDevice(t *testing.T) {
	f := newFixture(t)
	f.seedOneToOne(t)
	if res := f.process(t, envelope("e1"), marshal(t, newMessageItem(1, "one"))); res.Outcome != OutcomeProcessed {
		t.Fatalf("create: %+v", res)
	}

	env := envelope("e2")
	env.SenderIdentity = ""
	env.FromOtherOwnedDevice = true
	read := ItemPayload{DiscussionRead: &DiscussionReadPayload{
		Locator:  Locator{Contact: "bob"},
		ReadUpTo: time.Now().Add(time.Minute),
	}}
	if res := f.process(t, env, marshal(t, read)); res.Outcome != OutcomeProcessed {
		t.Fatalf("read: %+v", res)
	}
	msgs := f.store.MessagesInDiscussion("d1")
	if msgs[0].Received.Status != models.ReceivedStatusRead {
		t.Fatalf("status = %s", msgs[0].Received.Status)
	}
}

func TestDiscussionReadFromContactRejected(t *testing.T) {
	f := newFixture(t)
	f.seedOneToOne(t)
	read := ItemPayload{DiscussionRead: &DiscussionReadPayload{}}
	if res := f.process(t, envelope("e1"), marshal(t, read)); res.Outcome != OutcomePermanentFailure {
		t.Fatalf("res = %+v", res)
	}
}

func TestNewMessageAttachmentsDirective(t *testing.T) {
	f := newFixture(t)
	f.seedOneToOne(t)
	env := envelope("e1")
	env.AttachmentCount = 2
	item := newMessageItem(1, "with files")
	item.Message.AttachmentFilenames = []string{"a.jpg", "b.jpg"}
	res := f.process(t, env, marshal(t, item))
	if res.Outcome != OutcomeProcessed || res.Directive.Kind != engine.DirectiveDownloadAll {
		t.Fatalf("res = %+v", res)
	}
	msgs := f.store.MessagesInDiscussion("d1")
	if len(msgs[0].Attachments) != 2 || msgs[0].Attachments[0].Filename != "a.jpg" {
		t.Fatalf("attachments = %+v", msgs[0].Attachments)
	}
}
