// Package engine is the task orchestration core. It owns the task registry,
// drives each task's state machine through download and upload, applies the
// retry policy, enforces admission through the queue, and publishes progress
// and transition events for reporters to consume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mirrorbot/internal/backends"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/queue"
	"github.com/desertthunder/mirrorbot/internal/resolver"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// Backends holds one downloader per backend kind and one uploader per
// destination kind. The closed set is assembled once at startup.
type Backends struct {
	Downloaders map[models.BackendKind]backends.Downloader
	Uploaders   map[models.DestKind]backends.Uploader
}

// Recorder persists terminal tasks for history queries. Recording is best
// effort; a failing recorder never affects task outcomes.
type Recorder interface {
	Record(task models.Task) error
}

// Opts contains the dependencies for creating an Engine.
type Opts struct {
	Config   *shared.Config
	Backends Backends
	Recorder Recorder
	Logger   *log.Logger
}

// Engine implements the orchestrator contract: Submit, Cancel, Pause,
// Resume, Status, List, and event subscription.
type Engine struct {
	cfg      *shared.Config
	backends Backends
	recorder Recorder
	logger   atomic.Pointer[log.Logger]

	registry *registry
	queue    *queue.Queue
	broker   *broker
	limiter  *ownerLimiter

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates an Engine with the provided configuration and backends.
func New(opts Opts) *Engine {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}

	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      opts.Config,
		backends: opts.Backends,
		recorder: opts.Recorder,
		registry: newRegistry(opts.Config.History.Cap),
		queue:    queue.New(opts.Config.Limits.Global, opts.Config.Limits.PerOwner),
		broker:   newBroker(float64(opts.Config.Limits.Global) * 2),
		limiter:  newOwnerLimiter(opts.Config.Limits.SubmitRate, opts.Config.Limits.SubmitBurst),
		ctx:      ctx,
		stop:     stop,
	}
	e.logger.Store(opts.Logger.With("component", "engine"))
	return e
}

// SetLogger replaces the engine's logger. Safe to call while tasks run; the
// TUI uses it to move logging off stderr.
func (e *Engine) SetLogger(logger *log.Logger) {
	if logger == nil {
		return
	}
	e.logger.Store(logger.With("component", "engine"))
}

func (e *Engine) log() *log.Logger { return e.logger.Load() }

// Submit resolves a reference, creates a task, and starts its lifecycle.
// Returns the task ID, or an error wrapping [shared.ErrResolution] when no
// backend matches the source; no task is created on failure.
func (e *Engine) Submit(ref string, dest models.Destination, owner string) (string, error) {
	kind, err := resolver.Classify(ref)
	if err != nil {
		return "", err
	}
	if _, ok := e.backends.Downloaders[kind]; !ok {
		return "", fmt.Errorf("%w: no downloader for kind %s", shared.ErrResolution, kind)
	}
	if _, ok := e.backends.Uploaders[dest.Kind]; !ok {
		return "", fmt.Errorf("%w: no uploader for destination %s", shared.ErrResolution, dest.Kind)
	}
	if !e.limiter.Allow(owner) {
		return "", fmt.Errorf("%w: owner %s", shared.ErrRateLimit, owner)
	}

	taskCtx, cancel := context.WithCancel(e.ctx)
	ent := &entry{
		task: models.Task{
			ID:          shared.GenerateID(),
			Owner:       owner,
			Source:      models.Source{Kind: kind, Ref: ref},
			Destination: dest,
			State:       models.StateQueued,
			CreatedAt:   time.Now(),
		},
		cancel: cancel,
	}
	if err := ent.task.Validate(); err != nil {
		cancel()
		return "", fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	e.registry.add(ent)
	e.publish(ent, true)
	e.log().Info("task submitted", "task", ent.task.ID, "owner", owner, "kind", kind, "dest", dest.Kind)

	e.wg.Add(1)
	go e.run(taskCtx, ent)

	return ent.task.ID, nil
}

// Cancel requests cancellation of a task. Idempotent: cancelling a terminal
// or already-cancelled task is a no-op. The task reaches Cancelled only
// after its backend confirms teardown.
func (e *Engine) Cancel(id string) error {
	ent, ok := e.registry.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrTaskNotFound, id)
	}

	ent.mu.Lock()
	if ent.task.State.IsTerminal() || ent.task.CancelRequested {
		ent.mu.Unlock()
		return nil
	}
	ent.task.CancelRequested = true
	transfer := ent.transfer
	paused := ent.paused
	cancel := ent.cancel
	ent.mu.Unlock()

	e.log().Info("cancel requested", "task", id)
	if transfer != nil {
		if paused {
			// A suspended transfer cannot observe cancellation.
			backends.Resume(transfer)
		}
		transfer.Cancel()
	}
	// Unblocks admission waits; for active transfers this is a second,
	// harmless teardown path.
	cancel()
	return nil
}

// Pause suspends a downloading task when its backend supports it. On an
// unsupported backend the transfer is cancelled and the task re-queued,
// keeping its place in line semantics but releasing its slot.
func (e *Engine) Pause(id string) error {
	ent, ok := e.registry.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrTaskNotFound, id)
	}

	ent.mu.Lock()
	if ent.task.State != models.StateDownloading || ent.transfer == nil {
		ent.mu.Unlock()
		return fmt.Errorf("%w: task is %s", shared.ErrInvalidInput, ent.task.State)
	}
	transfer := ent.transfer
	ent.mu.Unlock()

	err := backends.Pause(transfer)
	if errors.Is(err, shared.ErrUnsupported) {
		// Fallback: cancel the transfer and let the run loop re-admit.
		ent.mu.Lock()
		ent.requeue = true
		ent.mu.Unlock()
		transfer.Cancel()
		e.log().Info("pause unsupported, re-queueing", "task", id)
		return nil
	}
	if err != nil {
		return err
	}

	ent.mu.Lock()
	ent.paused = true
	ent.mu.Unlock()
	e.transition(ent, models.StatePaused, nil)
	return nil
}

// Resume continues a paused task.
func (e *Engine) Resume(id string) error {
	ent, ok := e.registry.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrTaskNotFound, id)
	}

	ent.mu.Lock()
	if ent.task.State != models.StatePaused || ent.transfer == nil {
		ent.mu.Unlock()
		return fmt.Errorf("%w: task is %s", shared.ErrInvalidInput, ent.task.State)
	}
	transfer := ent.transfer
	ent.mu.Unlock()

	if err := backends.Resume(transfer); err != nil {
		return err
	}

	ent.mu.Lock()
	ent.paused = false
	ent.mu.Unlock()
	e.transition(ent, models.StateDownloading, nil)
	return nil
}

// Status returns a snapshot of a task. It never blocks on backend I/O.
func (e *Engine) Status(id string) (models.Task, error) {
	ent, ok := e.registry.get(id)
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", shared.ErrTaskNotFound, id)
	}
	return ent.snapshot(), nil
}

// List returns snapshots of an owner's tasks in insertion order. An empty
// owner lists every task.
func (e *Engine) List(owner string) []models.Task {
	return e.registry.list(owner)
}

// Subscribe registers an event consumer. See [broker.Subscribe].
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.broker.Subscribe()
}

// Close stops accepting work, cancels every running task, and waits for all
// task goroutines to tear down.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// run drives one task through its lifecycle: admission, download, upload,
// terminal state. Retryable failures release the slot and re-enter the
// admission queue at the back.
func (e *Engine) run(ctx context.Context, ent *entry) {
	defer e.wg.Done()

	owner := ent.snapshot().Owner

	for {
		if err := e.queue.Admit(ctx, owner); err != nil {
			e.finish(ent, models.StateCancelled, nil)
			return
		}
		if ent.cancelRequested() {
			e.queue.Release(owner)
			e.finish(ent, models.StateCancelled, nil)
			return
		}

		downloadPath, done := e.download(ctx, ent, owner)
		if done {
			return
		}
		if downloadPath == "" {
			continue // re-admitted after a retryable failure or pause fallback
		}

		e.upload(ctx, ent, owner, downloadPath)
		return
	}
}

// download runs the download phase while holding an admission slot. Returns
// the artifact path on success. done reports that the task reached a
// terminal state; an empty path with done=false means the slot was released
// and the task re-queued.
func (e *Engine) download(ctx context.Context, ent *entry, owner string) (string, bool) {
	e.transition(ent, models.StateDownloading, func(t *models.Task) {
		if t.StartedAt.IsZero() {
			t.StartedAt = time.Now()
		}
	})

	task := ent.snapshot()
	dl, err := e.backends.Downloaders[task.Source.Kind].Start(ctx, &task)
	if err != nil {
		e.queue.Release(owner)
		if e.shouldRetry(ctx, ent, err) {
			e.transition(ent, models.StateQueued, nil)
			return "", false
		}
		e.finish(ent, models.StateFailed, err)
		return "", true
	}

	ent.setTransfer(dl)
	err = e.watch(ctx, ent, dl)
	ent.setTransfer(nil)

	if ent.takeRequeue() {
		e.queue.Release(owner)
		e.transition(ent, models.StateQueued, nil)
		return "", false
	}
	if err != nil {
		e.queue.Release(owner)
		if ent.cancelRequested() || ctx.Err() != nil || errors.Is(err, shared.ErrCancelled) {
			e.finish(ent, models.StateCancelled, nil)
			return "", true
		}
		if e.shouldRetry(ctx, ent, err) {
			e.transition(ent, models.StateQueued, nil)
			return "", false
		}
		e.finish(ent, models.StateFailed, err)
		return "", true
	}

	path := dl.Path()
	ent.mu.Lock()
	if ent.task.Name == "" && path != "" {
		ent.task.Name = filepath.Base(path)
	}
	ent.mu.Unlock()

	return path, false
}

// upload runs the upload phase to completion. Upload retries happen in
// place (Uploading stays Uploading) while the slot is held, per the state
// machine.
func (e *Engine) upload(ctx context.Context, ent *entry, owner, path string) {
	e.transition(ent, models.StateUploading, nil)

	for {
		task := ent.snapshot()
		up, err := e.backends.Uploaders[task.Destination.Kind].Start(ctx, &task, path)
		if err == nil {
			ent.setTransfer(up)
			err = e.watch(ctx, ent, up)
			ent.setTransfer(nil)
		}

		if err == nil {
			e.queue.Release(owner)
			e.finish(ent, models.StateCompleted, nil)
			return
		}
		if ent.cancelRequested() || ctx.Err() != nil || errors.Is(err, shared.ErrCancelled) {
			e.queue.Release(owner)
			e.finish(ent, models.StateCancelled, nil)
			return
		}
		if e.shouldRetry(ctx, ent, err) {
			e.transition(ent, models.StateUploading, nil)
			continue
		}

		e.queue.Release(owner)
		e.finish(ent, models.StateFailed, err)
		return
	}
}

// watch polls a transfer until it finishes, publishing progress events and
// enforcing the inactivity timeout. Returns the transfer's terminal error;
// a stalled transfer is torn down and reported as transient.
func (e *Engine) watch(ctx context.Context, ent *entry, tr backends.Transfer) error {
	done := make(chan error, 1)
	go func() { done <- tr.Wait() }()

	ticker := time.NewTicker(e.cfg.Transfer.PollInterval())
	defer ticker.Stop()

	timeout := e.cfg.Transfer.InactivityTimeout()
	stalled := false

	for {
		select {
		case err := <-done:
			e.updateProgress(ent, tr.Status())
			if stalled {
				return fmt.Errorf("%w: no progress for %s", shared.ErrTransient, timeout)
			}
			return err

		case <-ticker.C:
			progress := tr.Status()
			e.updateProgress(ent, progress)

			if ent.cancelRequested() || ctx.Err() != nil {
				tr.Cancel()
				continue
			}
			if timeout > 0 && !stalled && !ent.isPaused() &&
				!progress.UpdatedAt.IsZero() && time.Since(progress.UpdatedAt) > timeout {
				stalled = true
				tr.Cancel()
			}
		}
	}
}

// shouldRetry applies the retry policy: transient errors retry with
// exponential backoff until attempts are exhausted; everything else is
// terminal. The backoff sleep aborts early on cancellation.
func (e *Engine) shouldRetry(ctx context.Context, ent *entry, err error) bool {
	if !shared.Retryable(err) {
		return false
	}

	ent.mu.Lock()
	if ent.task.Attempt >= e.cfg.Retry.MaxAttempts {
		ent.mu.Unlock()
		return false
	}
	ent.task.Attempt++
	attempt := ent.task.Attempt
	ent.mu.Unlock()

	delay := e.cfg.Retry.BackoffBase() << (attempt - 1)
	if cap := e.cfg.Retry.BackoffCap(); delay > cap {
		delay = cap
	}
	e.log().Warn("transient failure, retrying", "task", ent.snapshot().ID, "attempt", attempt, "backoff", delay, "err", err)

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// transition moves a task along the state graph and publishes the event.
// Illegal transitions are dropped and logged; they indicate a bug, not a
// recoverable condition.
func (e *Engine) transition(ent *entry, to models.TaskState, mutate func(*models.Task)) {
	ent.mu.Lock()
	from := ent.task.State
	if from != to && !models.CanTransition(from, to) {
		ent.mu.Unlock()
		e.log().Error("illegal transition dropped", "task", ent.task.ID, "from", from, "to", to)
		return
	}
	ent.task.State = to
	if mutate != nil {
		mutate(&ent.task)
	}
	ent.mu.Unlock()

	e.publish(ent, true)
}

// finish moves a task to a terminal state, records it, and evicts per the
// history cap. Safe to call when the task is already terminal.
func (e *Engine) finish(ent *entry, to models.TaskState, cause error) {
	ent.mu.Lock()
	if ent.task.State.IsTerminal() {
		ent.mu.Unlock()
		return
	}
	from := ent.task.State
	if from != to && !models.CanTransition(from, to) {
		// Cancellation can arrive before the first admission completes.
		e.log().Error("illegal terminal transition", "task", ent.task.ID, "from", from, "to", to)
	}
	ent.task.State = to
	ent.task.CompletedAt = time.Now()
	if to == models.StateFailed && cause != nil {
		ent.task.Err = &models.TaskError{Kind: classification(cause), Message: cause.Error()}
	}
	snapshot := ent.task
	ent.mu.Unlock()

	e.publish(ent, true)
	e.registry.markTerminal(snapshot.ID)
	e.log().Info("task finished", "task", snapshot.ID, "state", to, "attempts", snapshot.Attempt)

	if e.recorder != nil {
		if err := e.recorder.Record(snapshot); err != nil {
			e.log().Warn("failed to record task history", "task", snapshot.ID, "err", err)
		}
	}
}

// updateProgress stores a progress snapshot on the task, clamping
// transferred to the known total, and publishes a rate-capped event.
func (e *Engine) updateProgress(ent *entry, p models.Progress) {
	if p.Total > 0 && p.Transferred > p.Total {
		p.Transferred = p.Total
	}

	ent.mu.Lock()
	if ent.task.State.IsActive() {
		ent.task.Progress = p
	}
	ent.mu.Unlock()

	e.publish(ent, false)
}

// publish emits the task's current state as an event.
func (e *Engine) publish(ent *entry, transition bool) {
	t := ent.snapshot()
	e.broker.publish(Event{
		TaskID:    t.ID,
		State:     t.State,
		Progress:  t.Progress,
		Timestamp: time.Now(),
	}, transition)
}

// classification strips a wrapped error down to its taxonomy sentinel.
func classification(err error) error {
	for _, kind := range []error{
		shared.ErrTransient, shared.ErrAuth, shared.ErrQuotaExceeded,
		shared.ErrResolution, shared.ErrCancelled, shared.ErrUnsupported,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Helpers on entry that need only brief locking.

func (e *entry) cancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.CancelRequested
}

func (e *entry) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *entry) setTransfer(t backends.Transfer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transfer = t
}

// takeRequeue consumes the pause-fallback flag.
func (e *entry) takeRequeue() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	requeue := e.requeue
	e.requeue = false
	return requeue
}
