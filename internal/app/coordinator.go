// Package app assembles the coordinator: the single entry point the host
// embeds. It owns the store, the operation pipeline, the holding area, the
// ingestion machine and the lifecycle manager, and bridges the notification
// bus to all of them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"loom-chat/go-core/internal/bootstrap"
	"loom-chat/go-core/internal/config"
	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/events"
	"loom-chat/go-core/internal/holding"
	"loom-chat/go-core/internal/ingestion"
	"loom-chat/go-core/internal/lifecycle"
	"loom-chat/go-core/internal/pipeline"
	"loom-chat/go-core/internal/platform/assertfail"
	"loom-chat/go-core/internal/platform/privacylog"
	"loom-chat/go-core/internal/platform/ratelimiter"
	"loom-chat/go-core/internal/storage"
)

// Options carries the external collaborators the coordinator cannot build
// itself.
type Options struct {
	Engine            engine.Engine
	Session           lifecycle.SessionContext
	Signaling         engine.CallSignaling
	AttachmentStorage engine.AttachmentStorage
	// LogHandler receives sanitized records; nil discards all logging.
	LogHandler slog.Handler
	Registerer prometheus.Registerer
	// AutoDownloadAttachments requests every attachment of an inbound
	// message instead of waiting for a user action.
	AutoDownloadAttachments bool
}

type Coordinator struct {
	cfg    config.Config
	log    *slog.Logger
	store  *storage.Store
	pipe   *pipeline.Pipeline
	router *events.Router
	area   *holding.Area
	mach   *ingestion.Machine
	mgr    *lifecycle.Manager
	eng    engine.Engine
	runner *bootstrap.Runner

	unsubscribe []func()
}

func New(cfg config.Config, opts Options) (*Coordinator, error) {
	if opts.Engine == nil {
		opts.Engine = engine.NewRecorder()
	}
	log := privacylog.New(opts.LogHandler)

	var backend storage.Backend
	if cfg.Storage.Path != "" {
		pb, err := storage.OpenPebble(cfg.Storage.Path, cfg.Storage.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		backend = pb
	} else {
		backend = storage.NewMemoryBackend()
	}
	store, err := storage.New(backend, log)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	pipe := pipeline.New(store, log, pipeline.Options{
		QueueCapacity:  cfg.Pipeline.QueueCapacity,
		WorkerPoolSize: cfg.Pipeline.WorkerPoolSize,
		Metrics:        pipeline.NewMetrics(opts.Registerer),
	})

	limiter := ratelimiter.New(cfg.Receipts.PerContactRPS, cfg.Receipts.PerContactBurst, cfg.Receipts.LimiterIdleTTL)
	mgr := lifecycle.NewManager(opts.Engine, opts.Session, limiter, log, lifecycle.Options{
		MaxReceiptRetries:       cfg.Receipts.MaxRetries,
		SendReadReceiptsDefault: cfg.Defaults.SendReadReceipts,
	})

	c := &Coordinator{
		cfg:    cfg,
		log:    log,
		store:  store,
		pipe:   pipe,
		router: events.NewRouter(256),
		area:   holding.NewArea(cfg.Holding.RetentionWindow, log),
		mgr:    mgr,
		eng:    opts.Engine,
	}
	c.mach = ingestion.NewMachine(mgr, opts.Signaling, c.router, log, ingestion.MachineOptions{
		AutoDownloadAttachments: opts.AutoDownloadAttachments,
	})
	c.runner = bootstrap.NewRunner(store, pipe, mgr, opts.AttachmentStorage, c, log)

	// receipts leave the store lane and post on the engine lane
	mgr.SetReceiptDispatcher(func(owned string, receipt engine.ReturnReceipt) {
		pipe.Enqueue(pipe.EngineTask("post return receipt", func(ctx context.Context) error {
			return mgr.SendReturnReceipt(ctx, owned, receipt)
		}))
	})

	c.subscribe()
	return c, nil
}

// Start runs the startup passes and schedules maintenance.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.runner.RunStartupPasses(ctx); err != nil {
		return fmt.Errorf("startup passes: %w", err)
	}
	return c.runner.StartMaintenance(c.cfg.Maintenance)
}

func (c *Coordinator) Close() error {
	for _, cancel := range c.unsubscribe {
		cancel()
	}
	c.runner.Stop()
	c.pipe.Close()
	c.router.Close()
	return c.store.Close()
}

// Events exposes the notification bus for the host UI and the engine
// bridge.
func (c *Coordinator) Events() *events.Router { return c.router }

// Store exposes read access for the host UI.
func (c *Coordinator) Store() *storage.Store { return c.store }

// ProcessInboundPayload runs one decrypted item through the ingestion
// machine and settles its engine-side disposition. Blocks until the store
// unit committed or was cancelled; the engine call itself is asynchronous.
func (c *Coordinator) ProcessInboundPayload(ctx context.Context, env engine.InboundEnvelope, raw []byte) error {
	return c.processItem(ctx, holding.Entry{Envelope: env, Payload: raw, CreatedAt: env.DownloadedAt})
}

func (c *Coordinator) processItem(ctx context.Context, entry holding.Entry) error {
	var res ingestion.Result
	unit := c.pipe.StoreUnit("ingest payload",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			res = c.mach.Process(ctx, tx, fx, entry.Envelope, entry.Payload)
			if res.Outcome != ingestion.OutcomeProcessed {
				return fmt.Errorf("ingestion outcome %s", res.Outcome)
			}
			return nil
		})
	c.pipe.Enqueue(unit)
	if err := c.pipe.Await(ctx, unit); err != nil && res.Outcome == "" {
		return err
	}

	env := entry.Envelope
	switch res.Outcome {
	case ingestion.OutcomeProcessed:
		directive := res.Directive
		c.pipe.Enqueue(c.pipe.EngineTask("mark processed", func(ctx context.Context) error {
			return c.eng.MarkMessageProcessed(ctx, env.OwnedIdentity, env.EngineIdentifier, directive)
		}))
		return nil

	case ingestion.OutcomePendingDependency:
		if window := c.area.Window(); window > 0 && time.Since(entry.CreatedAt) > window {
			// too old for any sweep to ever replay it
			return c.failPermanently(env, fmt.Errorf("dependency %s missing and payload past retention", res.MissingDependency.Identifier))
		}
		entry.Key = *res.MissingDependency
		if c.area.KeepForLater(entry) {
			return nil
		}
		// a replayed entry failed again on the same dependency
		return c.failPermanently(env, fmt.Errorf("dependency %s still missing after replay", entry.Key.Identifier))

	default:
		assertfail.Fail(c.log, "inbound payload failed permanently",
			"engine_id", env.EngineIdentifier, "error", res.Err)
		return c.failPermanently(env, res.Err)
	}
}

// failPermanently discards the envelope at the engine and surfaces the
// cause to the caller. Production fails open: the conversation continues
// without the broken item.
func (c *Coordinator) failPermanently(env engine.InboundEnvelope, cause error) error {
	c.pipe.Enqueue(c.pipe.EngineTask("delete failed payload", func(ctx context.Context) error {
		return c.eng.DeleteMessageAndAttachments(ctx, env.OwnedIdentity, env.EngineIdentifier)
	}))
	return cause
}

// ReplayHeld re-runs every held payload whose dependency is now known.
func (c *Coordinator) ReplayHeld(ctx context.Context) int {
	replayed := 0
	for _, disc := range c.store.Discussions() {
		var key holding.DependencyKey
		switch {
		case disc.GroupIdentifier != "":
			key = holding.DependencyKey{Kind: holding.DependencyGroup, OwnedIdentity: disc.OwnedIdentity, Identifier: disc.GroupIdentifier}
		case disc.ContactIdentity != "":
			key = holding.DependencyKey{Kind: holding.DependencyContact, OwnedIdentity: disc.OwnedIdentity, Identifier: disc.ContactIdentity}
		default:
			continue
		}
		replayed += c.replayDependency(ctx, key)
	}
	return replayed
}

func (c *Coordinator) replayDependency(ctx context.Context, key holding.DependencyKey) int {
	entries := c.area.Replay(key)
	for _, entry := range entries {
		if err := c.processItem(ctx, entry); err != nil {
			c.log.Warn("held payload replay failed", "dependency", key.Identifier, "error", err)
		}
	}
	return len(entries)
}

// FailExpiredHeld permanently fails every held payload older than the
// retention window.
func (c *Coordinator) FailExpiredHeld(ctx context.Context) int {
	expired := c.area.Expired(time.Now())
	for _, entry := range expired {
		env := entry.Envelope
		c.log.Info("held payload expired", "owned_identity", env.OwnedIdentity)
		_ = c.failPermanently(env, fmt.Errorf("held payload older than %s", c.cfg.Holding.RetentionWindow))
	}
	return len(expired)
}
