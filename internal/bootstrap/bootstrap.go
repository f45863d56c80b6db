// Package bootstrap runs the idempotent startup passes and the periodic
// maintenance sweeps. Every pass is safe to run again at any time;
// startup after a crash simply re-runs them all.
package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"loom-chat/go-core/internal/config"
	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/lifecycle"
	"loom-chat/go-core/internal/pipeline"
	"loom-chat/go-core/internal/storage"
	"loom-chat/go-core/pkg/models"
)

// Replayer is the piece of the coordinator the sweeps need: replaying held
// payloads whose dependency appeared, and failing the expired ones.
type Replayer interface {
	ReplayHeld(ctx context.Context) int
	FailExpiredHeld(ctx context.Context) int
}

type Runner struct {
	store    *storage.Store
	pipe     *pipeline.Pipeline
	mgr      *lifecycle.Manager
	blobs    engine.AttachmentStorage
	replayer Replayer
	log      *slog.Logger
	cron     *cron.Cron
	now      func() time.Time
}

func NewRunner(store *storage.Store, pipe *pipeline.Pipeline, mgr *lifecycle.Manager, blobs engine.AttachmentStorage, replayer Replayer, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		store:    store,
		pipe:     pipe,
		mgr:      mgr,
		blobs:    blobs,
		replayer: replayer,
		log:      log,
		now:      time.Now,
	}
}

// RunStartupPasses executes every pass once and waits for completion.
func (r *Runner) RunStartupPasses(ctx context.Context) error {
	unit := r.pipe.StoreUnit("bootstrap",
		r.recomputeSentStatusesStep(),
		r.wipeExpiredStep(),
		r.dropOrphanPendingRepliesStep(),
		r.dropOrphanRecipientInfosStep(),
	)
	r.pipe.Enqueue(unit)
	if err := r.pipe.Await(ctx, unit); err != nil {
		return err
	}

	if r.replayer != nil {
		replayed := r.replayer.ReplayHeld(ctx)
		failed := r.replayer.FailExpiredHeld(ctx)
		if replayed > 0 || failed > 0 {
			r.log.Info("held payloads reconciled", "replayed", replayed, "expired", failed)
		}
	}
	r.trashUnreferencedBlobs(ctx)
	return nil
}

// recomputeSentStatusesStep re-derives every sent message's aggregate from
// its recipient infos. Acknowledgements that raced a crash are folded in.
func (r *Runner) recomputeSentStatusesStep() pipeline.StoreStep {
	return func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
		fixed := 0
		for _, disc := range r.store.Discussions() {
			for _, msg := range tx.MessagesInDiscussion(disc.ID) {
				if msg.Sent == nil {
					continue
				}
				derived := models.RecomputeSentStatus(tx.RecipientInfos(msg.ID))
				if derived != msg.Sent.Status {
					msg.Sent.Status = derived
					tx.PutMessage(msg)
					fixed++
				}
			}
		}
		if fixed > 0 {
			r.log.Info("sent statuses recomputed", "fixed", fixed)
		}
		return nil
	}
}

func (r *Runner) wipeExpiredStep() pipeline.StoreStep {
	return func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
		now := r.now()
		if n := r.mgr.WipeExpired(tx, fx, r.store.ExpiredMessages(now), now); n > 0 {
			r.log.Info("expired messages wiped", "count", n)
		}
		return nil
	}
}

// dropOrphanPendingRepliesStep removes placeholder rows whose replying
// message no longer exists.
func (r *Runner) dropOrphanPendingRepliesStep() pipeline.StoreStep {
	return func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
		dropped := 0
		for _, p := range r.store.PendingReplies() {
			if _, ok := tx.Message(p.ReplyingMessageID); !ok {
				tx.DeletePendingReplyTo(p)
				dropped++
			}
		}
		if dropped > 0 {
			r.log.Info("orphan pending replies dropped", "count", dropped)
		}
		return nil
	}
}

// dropOrphanRecipientInfosStep removes recipient infos whose message was
// deleted by a version that did not cascade over them.
func (r *Runner) dropOrphanRecipientInfosStep() pipeline.StoreStep {
	return func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
		dropped := 0
		for _, info := range r.store.OrphanRecipientInfos() {
			tx.DeleteRecipientInfo(info)
			dropped++
		}
		if dropped > 0 {
			r.log.Info("orphan recipient infos dropped", "count", dropped)
		}
		return nil
	}
}

// trashUnreferencedBlobs reconciles the blob directory against the set of
// filenames still referenced by any attachment.
func (r *Runner) trashUnreferencedBlobs(ctx context.Context) {
	if r.blobs == nil {
		return
	}
	keep := make(map[string]struct{})
	for _, disc := range r.store.Discussions() {
		for _, msg := range r.store.MessagesInDiscussion(disc.ID) {
			for _, att := range msg.Attachments {
				if att.Filename != "" && att.Status != models.AttachmentStatusWiped {
					keep[att.Filename] = struct{}{}
				}
			}
		}
	}
	trashed, err := r.blobs.TrashFilesNotIn(ctx, keep)
	if err != nil {
		r.log.Warn("blob reconciliation failed", "error", err)
		return
	}
	if trashed > 0 {
		r.log.Info("unreferenced blobs trashed", "count", trashed)
	}
}

func (r *Runner) retentionSweep() {
	unit := r.pipe.StoreUnit("retention sweep",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			now := r.now()
			for _, disc := range r.store.Discussions() {
				r.mgr.EnforceRetention(tx, disc, now)
			}
			return nil
		})
	r.pipe.Enqueue(unit)
}

// StartMaintenance schedules the periodic sweeps. Stop cancels them.
func (r *Runner) StartMaintenance(schedules config.MaintenanceConfig) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(schedules.ExpirationSweep, func() {
		r.pipe.Enqueue(r.pipe.StoreUnit("expiration sweep", r.wipeExpiredStep()))
	}); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(schedules.HoldingSweep, func() {
		if r.replayer != nil {
			r.replayer.FailExpiredHeld(context.Background())
		}
	}); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(schedules.RetentionSweep, r.retentionSweep); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *Runner) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}
