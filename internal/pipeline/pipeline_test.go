package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"loom-chat/go-core/internal/storage"
	"loom-chat/go-core/pkg/models"
)

func newTestPipeline(t *testing.T) (*Pipeline, *storage.Store) {
	t.Helper()
	store, err := storage.New(storage.NewMemoryBackend(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	p := New(store, nil, Options{})
	t.Cleanup(p.Close)
	return p, store
}

func TestStoreUnitCommitsAtomically(t *testing.T) {
	p, store := newTestPipeline(t)
	unit := p.StoreUnit("create discussion and message",
		func(_ context.Context, tx *storage.Tx, _ *Effects) error {
			tx.PutDiscussion(models.Discussion{ID: "d1", OwnedIdentity: "o", Kind: models.DiscussionKindOneToOne, ContactIdentity: "c"})
			return nil
		},
		func(_ context.Context, tx *storage.Tx, _ *Effects) error {
			m := models.Message{ID: "m1", DiscussionID: "d1", Timestamp: time.Now(), Kind: models.MessageKindReceived}
			tx.PlaceMessage(&m)
			tx.PutMessage(m)
			return nil
		},
	)
	p.Enqueue(unit)
	if err := p.Await(context.Background(), unit); err != nil {
		t.Fatalf("unit failed: %v", err)
	}
	if _, ok := store.Message("m1"); !ok {
		t.Fatal("message not committed")
	}
}

func TestStoreUnitFailingStepRollsBackAndSkipsEffects(t *testing.T) {
	p, store := newTestPipeline(t)
	var fired atomic.Bool
	boom := errors.New("boom")
	unit := p.StoreUnit("partial unit",
		func(_ context.Context, tx *storage.Tx, fx *Effects) error {
			tx.PutDiscussion(models.Discussion{ID: "d1", OwnedIdentity: "o", Kind: models.DiscussionKindOneToOne, ContactIdentity: "c"})
			fx.Defer(func() { fired.Store(true) })
			return nil
		},
		func(_ context.Context, _ *storage.Tx, _ *Effects) error {
			return boom
		},
	)
	p.Enqueue(unit)
	err := p.Await(context.Background(), unit)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if _, ok := store.Discussion("d1"); ok {
		t.Fatal("first step's writes must not be committed")
	}
	if fired.Load() {
		t.Fatal("staged effect fired despite cancellation")
	}
}

func TestDependentTasksRunInOrderAndCancelPropagates(t *testing.T) {
	p, _ := newTestPipeline(t)
	var order []string
	first := p.StoreUnit("first", func(_ context.Context, _ *storage.Tx, _ *Effects) error {
		order = append(order, "first")
		return nil
	})
	second := p.StoreUnit("second", func(_ context.Context, _ *storage.Tx, _ *Effects) error {
		order = append(order, "second")
		return nil
	})
	failing := p.StoreUnit("failing", func(_ context.Context, _ *storage.Tx, _ *Effects) error {
		return errors.New("nope")
	})
	dependent := p.StoreUnit("dependent", func(_ context.Context, _ *storage.Tx, _ *Effects) error {
		order = append(order, "dependent")
		return nil
	})
	p.EnqueueAll([]*Task{first, second}, true)
	p.EnqueueAll([]*Task{failing, dependent}, true)

	if err := p.Await(context.Background(), second); err != nil {
		t.Fatalf("second failed: %v", err)
	}
	err := p.Await(context.Background(), dependent)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("dependent of failed task must cancel, got %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestIndependentTaskUnaffectedBySiblingCancellation(t *testing.T) {
	p, _ := newTestPipeline(t)
	cancelledTask := p.EngineTask("doomed", func(context.Context) error { return nil })
	cancelledTask.Cancel("user aborted")
	independent := p.EngineTask("independent", func(context.Context) error { return nil })
	p.Enqueue(cancelledTask)
	p.Enqueue(independent)
	if err := p.Await(context.Background(), independent); err != nil {
		t.Fatalf("independent task affected: %v", err)
	}
	if err := cancelledTask.Err(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestWorkerCompletesBeforeDependentStoreTask(t *testing.T) {
	p, store := newTestPipeline(t)
	var loaded atomic.Bool
	worker := p.WorkerTask("load attachment payload", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		loaded.Store(true)
		return nil
	})
	unit := p.StoreUnit("record attachment", func(_ context.Context, tx *storage.Tx, _ *Effects) error {
		if !loaded.Load() {
			return errors.New("worker had not finished")
		}
		tx.PutDiscussion(models.Discussion{ID: "d1", OwnedIdentity: "o", Kind: models.DiscussionKindOneToOne, ContactIdentity: "c"})
		return nil
	}).After(worker)
	p.Enqueue(worker)
	p.Enqueue(unit)
	if err := p.Await(context.Background(), unit); err != nil {
		t.Fatalf("dependent unit failed: %v", err)
	}
	if _, ok := store.Discussion("d1"); !ok {
		t.Fatal("dependent unit did not commit")
	}
}

func TestEngineLaneDoesNotBlockStoreLane(t *testing.T) {
	p, store := newTestPipeline(t)
	release := make(chan struct{})
	slow := p.EngineTask("slow engine call", func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	p.Enqueue(slow)
	unit := p.StoreUnit("local update", func(_ context.Context, tx *storage.Tx, _ *Effects) error {
		tx.PutDiscussion(models.Discussion{ID: "d1", OwnedIdentity: "o", Kind: models.DiscussionKindOneToOne, ContactIdentity: "c"})
		return nil
	})
	p.Enqueue(unit)
	done := make(chan error, 1)
	go func() { done <- p.Await(context.Background(), unit) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("store unit failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("store lane blocked behind engine lane")
	}
	close(release)
	if err := p.Await(context.Background(), slow); err != nil {
		t.Fatalf("engine task failed: %v", err)
	}
	if _, ok := store.Discussion("d1"); !ok {
		t.Fatal("store unit did not commit")
	}
}
