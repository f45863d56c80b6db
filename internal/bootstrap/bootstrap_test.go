package bootstrap

import (
	"context"
	"testing"
	"time"

	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/lifecycle"
	"loom-chat/go-core/internal/pipeline"
	"loom-chat/go-core/internal/storage"
	"loom-chat/go-core/pkg/models"
)

type fakeBlobs struct {
	kept    map[string]struct{}
	trashed int
}

func (b *fakeBlobs) ListKnownFilenames(context.Context) ([]string, error) { return nil, nil }
func (b *fakeBlobs) TrashFilesNotIn(_ context.Context, keep map[string]struct{}) (int, error) {
	b.kept = keep
	b.trashed = 2
	return b.trashed, nil
}

type fakeReplayer struct {
	replayed int
	failed   int
}

func (r *fakeReplayer) ReplayHeld(context.Context) int      { r.replayed++; return 1 }
func (r *fakeReplayer) FailExpiredHeld(context.Context) int { r.failed++; return 0 }

func newRunner(t *testing.T) (*Runner, *storage.Store, *fakeBlobs, *fakeReplayer) {
	t.Helper()
	store, err := storage.New(storage.NewMemoryBackend(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	pipe := pipeline.New(store, nil, pipeline.Options{})
	t.Cleanup(pipe.Close)
	mgr := lifecycle.NewManager(engine.NewRecorder(), nil, nil, nil, lifecycle.Options{})
	blobs := &fakeBlobs{}
	replayer := &fakeReplayer{}
	return NewRunner(store, pipe, mgr, blobs, replayer, nil), store, blobs, replayer
}

func seed(t *testing.T, store *storage.Store, mutate func(tx *storage.Tx)) {
	t.Helper()
	tx := store.Begin()
	mutate(tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStartupRecomputesSentStatuses(t *testing.T) {
	r, store, _, _ := newRunner(t)
	now := time.Now()
	seed(t, store, func(tx *storage.Tx) {
		tx.PutDiscussion(models.Discussion{ID: "d1", OwnedIdentity: "alice", Kind: models.DiscussionKindOneToOne})
		tx.PutMessage(models.Message{
			ID: "m1", DiscussionID: "d1", SortIndex: 1, Timestamp: now,
			Kind: models.MessageKindSent,
			// stale aggregate persisted before a crash
			Sent: &models.SentDetails{Status: models.SentStatusProcessing},
		})
		tx.PutRecipientInfo(models.RecipientInfo{
			MessageID: "m1", RecipientIdentity: "bob", EngineIdentifier: []byte("e1"),
			TimestampMessageSent: now, TimestampAllAttachments: now,
			TimestampDelivered: now, TimestampRead: now,
		})
	})

	if err := r.RunStartupPasses(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	got, _ := store.Message("m1")
	if got.Sent.Status != models.SentStatusRead {
		t.Fatalf("status = %s, want read", got.Sent.Status)
	}
}

func TestStartupWipesExpiredAndDropsOrphans(t *testing.T) {
	r, store, _, _ := newRunner(t)
	now := time.Now()
	seed(t, store, func(tx *storage.Tx) {
		tx.PutDiscussion(models.Discussion{ID: "d1", OwnedIdentity: "alice", Kind: models.DiscussionKindOneToOne})
		tx.PutMessage(models.Message{
			ID: "m1", DiscussionID: "d1", SortIndex: 1, Timestamp: now.Add(-2 * time.Hour),
			Body: "old", Existence: time.Hour, Kind: models.MessageKindReceived,
			Received: &models.ReceivedDetails{ContactIdentity: "bob", EngineIdentifier: []byte("e1")},
		})
		tx.PutExpiration(storage.Expiration{MessageID: "m1", Kind: storage.ExpirationKindExistence, ExpiresAt: now.Add(-time.Hour)})
		tx.PutPendingReplyTo(models.PendingReplyTo{
			Reference:         models.MessageReference{SenderIdentity: "bob", SenderThreadID: "t", SenderSequenceNumber: 9},
			ReplyingMessageID: "gone",
			OwnedIdentity:     "alice",
			CreatedAt:         now,
		})
		// recipient info left behind by a delete that did not cascade
		tx.PutRecipientInfo(models.RecipientInfo{MessageID: "gone", RecipientIdentity: "bob"})
	})

	if err := r.RunStartupPasses(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if _, ok := store.Message("m1"); ok {
		t.Fatal("existence-expired message survived startup")
	}
	if got := store.PendingReplies(); len(got) != 0 {
		t.Fatalf("orphan placeholders survived: %+v", got)
	}
	if got := store.RecipientInfos("gone"); len(got) != 0 {
		t.Fatalf("orphan recipient infos survived: %+v", got)
	}
}

func TestStartupReconcilesBlobsAndHolding(t *testing.T) {
	r, store, blobs, replayer := newRunner(t)
	seed(t, store, func(tx *storage.Tx) {
		tx.PutDiscussion(models.Discussion{ID: "d1", OwnedIdentity: "alice", Kind: models.DiscussionKindOneToOne})
		tx.PutMessage(models.Message{
			ID: "m1", DiscussionID: "d1", SortIndex: 1, Timestamp: time.Now(),
			Kind:     models.MessageKindReceived,
			Received: &models.ReceivedDetails{ContactIdentity: "bob", EngineIdentifier: []byte("e1")},
			Attachments: []models.Attachment{
				{MessageID: "m1", Number: 0, Filename: "keep.jpg", Status: models.AttachmentStatusComplete},
				{MessageID: "m1", Number: 1, Filename: "wiped.jpg", Status: models.AttachmentStatusWiped},
			},
		})
	})

	if err := r.RunStartupPasses(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if _, ok := blobs.kept["keep.jpg"]; !ok {
		t.Fatal("referenced blob not in keep set")
	}
	if _, ok := blobs.kept["wiped.jpg"]; ok {
		t.Fatal("wiped attachment blob kept")
	}
	if replayer.replayed != 1 || replayer.failed != 1 {
		t.Fatalf("replayer calls = %+v", replayer)
	}
}
