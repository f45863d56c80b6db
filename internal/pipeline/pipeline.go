// Package pipeline serializes all mutation of the conversation store.
// Tasks run on purpose-dedicated lanes: the store lane is the only place a
// store transaction may begin, the engine lane absorbs network-bound engine
// calls so they never stall local state changes, and a bounded worker pool
// handles independent cancelable background work. Dependencies between
// tasks are explicit; cancellation of a task no-ops its dependents and
// never touches independent tasks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom-chat/go-core/internal/storage"
)

var ErrCancelled = errors.New("pipeline task cancelled")

const (
	laneStore  = "store"
	laneEngine = "engine"
	laneWorker = "worker"
)

// StoreStep is one logical step of a composed store unit. Steps share the
// unit's transaction; effects staged on fx run only after a successful
// commit.
type StoreStep func(ctx context.Context, tx *storage.Tx, fx *Effects) error

// Effects collects side effects (engine notifications, event publications)
// staged by store steps. They fire after commit; a cancelled unit never
// fires them.
type Effects struct {
	fns []func()
}

func (e *Effects) Defer(fn func()) {
	e.fns = append(e.fns, fn)
}

func (e *Effects) fire() {
	for _, fn := range e.fns {
		fn()
	}
}

type taskState int

const (
	statePending taskState = iota
	stateRunning
	stateDone
	stateCancelled
)

type Task struct {
	name string
	lane string

	steps []StoreStep // store units
	run   func(ctx context.Context) error

	mu     sync.Mutex
	state  taskState
	reason string
	err    error
	deps   []*Task
	done   chan struct{}
}

func (t *Task) Name() string { return t.name }

// After declares that t must wait for deps and must not run if any of them
// failed or was cancelled. Returns t for chaining.
func (t *Task) After(deps ...*Task) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps = append(t.deps, deps...)
	return t
}

// Cancel marks a pending task cancelled. Running or finished tasks are
// unaffected; dependents will see the cancellation and no-op.
func (t *Task) Cancel(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != statePending {
		return
	}
	t.state = stateCancelled
	t.reason = reason
	t.err = fmt.Errorf("%w: %s", ErrCancelled, reason)
	close(t.done)
}

// Err returns the task outcome once it completed; nil means success.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateCancelled {
		return
	}
	t.state = stateDone
	t.err = err
	close(t.done)
}

func (t *Task) cancelled() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateCancelled, t.reason
}

func (t *Task) markRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != statePending {
		return false
	}
	t.state = stateRunning
	return true
}

type Pipeline struct {
	store   *storage.Store
	log     *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	storeCh  chan *Task
	engineCh chan *Task
	workCh   chan *Task
	wg       sync.WaitGroup
}

type Options struct {
	QueueCapacity  int
	WorkerPoolSize int
	Metrics        *Metrics
}

func New(store *storage.Store, log *slog.Logger, opts Options) *Pipeline {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 4
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		store:    store,
		log:      log,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		storeCh:  make(chan *Task, opts.QueueCapacity),
		engineCh: make(chan *Task, opts.QueueCapacity),
		workCh:   make(chan *Task, opts.QueueCapacity),
	}
	p.wg.Add(2 + opts.WorkerPoolSize)
	go p.drain(p.storeCh)
	go p.drain(p.engineCh)
	for i := 0; i < opts.WorkerPoolSize; i++ {
		go p.drain(p.workCh)
	}
	return p
}

// Close stops the lanes after the queued tasks finish being accounted for;
// pending tasks are cancelled.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// StoreUnit composes steps into one atomic unit sharing a single store
// transaction. If any step fails the unit is cancelled, later steps do not
// run and nothing is committed.
func (p *Pipeline) StoreUnit(name string, steps ...StoreStep) *Task {
	return &Task{name: name, lane: laneStore, steps: steps, done: make(chan struct{})}
}

// EngineTask wraps a call that crosses into the messaging engine.
func (p *Pipeline) EngineTask(name string, run func(ctx context.Context) error) *Task {
	return &Task{name: name, lane: laneEngine, run: run, done: make(chan struct{})}
}

// WorkerTask wraps independent cancelable background work.
func (p *Pipeline) WorkerTask(name string, run func(ctx context.Context) error) *Task {
	return &Task{name: name, lane: laneWorker, run: run, done: make(chan struct{})}
}

// Enqueue schedules the task. It never returns an error: failures surface
// only through the task's own completion state.
func (p *Pipeline) Enqueue(t *Task) {
	var ch chan *Task
	switch t.lane {
	case laneEngine:
		ch = p.engineCh
	case laneWorker:
		ch = p.workCh
	default:
		ch = p.storeCh
	}
	p.metrics.enqueued(t.lane)
	select {
	case ch <- t:
	case <-p.ctx.Done():
		t.Cancel("pipeline shut down")
	}
}

// EnqueueAll schedules tasks; with dependentInOrder each task waits for its
// predecessor and no-ops if the predecessor failed or was cancelled.
func (p *Pipeline) EnqueueAll(tasks []*Task, dependentInOrder bool) {
	for i, t := range tasks {
		if dependentInOrder && i > 0 {
			t.After(tasks[i-1])
		}
		p.Enqueue(t)
	}
}

// Await blocks until the task completes and returns its outcome.
func (p *Pipeline) Await(ctx context.Context, t *Task) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) drain(ch chan *Task) {
	defer p.wg.Done()
	for {
		select {
		case t := <-ch:
			p.execute(t)
		case <-p.ctx.Done():
			for {
				select {
				case t := <-ch:
					t.Cancel("pipeline shut down")
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) execute(t *Task) {
	for _, dep := range t.deps {
		select {
		case <-dep.done:
		case <-p.ctx.Done():
			t.Cancel("pipeline shut down")
			return
		}
		if err := dep.Err(); err != nil {
			t.Cancel(fmt.Sprintf("dependency %q did not complete: %v", dep.Name(), err))
			p.log.Info("task cancelled", "task", t.name, "lane", t.lane, "reason", t.reason)
			p.metrics.cancelled(t.lane)
			return
		}
	}
	if ok, reason := t.cancelled(); ok {
		p.log.Info("task cancelled", "task", t.name, "lane", t.lane, "reason", reason)
		p.metrics.cancelled(t.lane)
		return
	}
	if !t.markRunning() {
		return
	}

	started := time.Now()
	var err error
	if len(t.steps) > 0 {
		err = p.runUnit(t)
	} else if t.run != nil {
		err = t.run(p.ctx)
	}
	p.metrics.completed(t.lane, time.Since(started), err)
	if err != nil {
		p.log.Warn("task failed", "task", t.name, "lane", t.lane, "error", err)
	}
	t.finish(err)
}

func (p *Pipeline) runUnit(t *Task) error {
	tx := p.store.Begin()
	fx := &Effects{}
	for _, step := range t.steps {
		if err := step(p.ctx, tx, fx); err != nil {
			p.log.Info("unit cancelled", "task", t.name, "reason", err.Error())
			return fmt.Errorf("%w: %s", ErrCancelled, err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	fx.fire()
	return nil
}
