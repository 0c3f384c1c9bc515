// Package engine runs queued grid transfers one at a time. A Manager owns
// the running and error state machine, dequeues transfers from a durable
// queue and hands each one to a runner goroutine that observes pause,
// cancel and the error budget through a ControlBlock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/franksops/gridxfer/store"
)

// Config tunes the manager. Start from DefaultConfig; a zero Checkpoint or
// RecentQueueSize falls back to the defaults.
type Config struct {
	PassPhrase               string
	MaxErrorsBeforeCanceling int
	LogSuccessfulTransfers   bool
	LogRestartFiles          bool
	VerifyChecksum           bool
	ForceOverwrite           bool
	Checkpoint               CheckpointConfig
	RecentQueueSize          int

	// Filter, when set, is installed on every control block.
	Filter func(path string) bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxErrorsBeforeCanceling: DefaultMaxErrorsBeforeCanceling,
		LogSuccessfulTransfers:   true,
		ForceOverwrite:           true,
		Checkpoint:               DefaultCheckpointConfig,
		RecentQueueSize:          20,
	}
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Queue    QueueService
	Accounts Accounts
	Session  Session
	Logger   logrus.FieldLogger
}

// Manager is the transfer orchestrator. Create one per process with New and
// stop it with Shutdown.
type Manager struct {
	cfg      Config
	queue    QueueService
	accounts Accounts
	session  Session
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events *dispatcher

	mu        sync.Mutex
	running   RunningStatus
	errStatus ErrorStatus
	current   *runner
	closed    bool
	// changed is closed and replaced on every state transition.
	changed chan struct{}
}

// New validates the pass phrase, requeues transfers interrupted by a
// previous run and returns an idle manager. Nothing is dequeued until the
// first enqueue or ProcessNextInQueueIfIdle.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Queue == nil || deps.Accounts == nil || deps.Session == nil {
		return nil, errors.New("queue, accounts and session are required")
	}
	if cfg.MaxErrorsBeforeCanceling < Unlimited {
		return nil, fmt.Errorf("max errors before canceling must be >= %d, got %d", Unlimited, cfg.MaxErrorsBeforeCanceling)
	}
	if cfg.RecentQueueSize <= 0 {
		cfg.RecentQueueSize = DefaultConfig().RecentQueueSize
	}
	if cfg.Checkpoint == (CheckpointConfig{}) {
		cfg.Checkpoint = DefaultCheckpointConfig
	}

	log := deps.Logger
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	if err := deps.Accounts.ValidatePassPhrase(cfg.PassPhrase); err != nil {
		return nil, fmt.Errorf("failed to validate pass phrase: %w", err)
	}

	recovered, err := deps.Queue.RecoverAtStartup()
	if err != nil {
		return nil, fmt.Errorf("failed to recover queue: %w", err)
	}
	if recovered > 0 {
		log.WithField("count", recovered).Info("requeued transfers interrupted by a previous run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		queue:     deps.Queue,
		accounts:  deps.Accounts,
		session:   deps.Session,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		events:    newDispatcher(),
		running:   Idle,
		errStatus: StatusOK,
		changed:   make(chan struct{}),
	}, nil
}

// SetListener registers l as the only listener, replacing any previous one.
// A nil listener unregisters.
func (m *Manager) SetListener(l Listener) {
	m.events.setListener(l)
}

// ValidatePassPhrase re-checks a pass phrase against the account store.
func (m *Manager) ValidatePassPhrase(passPhrase string) error {
	return m.accounts.ValidatePassPhrase(passPhrase)
}

func (m *Manager) signalLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// setRunningLocked publishes only actual changes.
func (m *Manager) setRunningLocked(s RunningStatus) {
	if m.running == s {
		return
	}
	m.log.WithFields(logrus.Fields{"from": m.running, "to": s}).Debug("running status changed")
	m.running = s
	m.events.post(func(l Listener) { l.RunningStatusChanged(s) })
	m.signalLocked()
}

func (m *Manager) setErrorLocked(s ErrorStatus) {
	if m.errStatus == s {
		return
	}
	m.log.WithFields(logrus.Fields{"from": m.errStatus, "to": s}).Debug("error status changed")
	m.errStatus = s
	m.events.post(func(l Listener) { l.ErrorStatusChanged(s) })
	m.signalLocked()
}

// RunningStatus reports whether the manager is idle, processing or paused.
func (m *Manager) RunningStatus() RunningStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ErrorStatus reports the health of the current or last transfer.
func (m *Manager) ErrorStatus() ErrorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errStatus
}

// IsPaused is shorthand for RunningStatus() == Paused.
func (m *Manager) IsPaused() bool {
	return m.RunningStatus() == Paused
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid("%s is empty", name)
	}
	return nil
}

// enqueue validates the account reference, persists t and kicks the queue.
func (m *Manager) enqueue(t *store.Transfer) (*store.Transfer, error) {
	if err := requireField("account", t.AccountID); err != nil {
		return nil, err
	}
	ok, err := m.accounts.Exists(t.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up account %s: %w", t.AccountID, err)
	}
	if !ok {
		return nil, invalid("account %q does not exist", t.AccountID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	if err := m.queue.Enqueue(t); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", t.Kind, err)
	}
	m.log.WithFields(logrus.Fields{"transfer_id": t.ID, "kind": t.Kind, "path": t.SourcePath}).Info("transfer enqueued")

	if err := m.processNextLocked(); err != nil {
		return t, err
	}
	return t, nil
}

// EnqueuePut queues an upload of the local path source into the grid
// collection target.
func (m *Manager) EnqueuePut(source, target, resource, account string) (*store.Transfer, error) {
	if err := requireField("local source path", source); err != nil {
		return nil, err
	}
	if err := requireField("grid target path", target); err != nil {
		return nil, err
	}
	return m.enqueue(&store.Transfer{Kind: store.KindPut, SourcePath: source, TargetPath: target, Resource: resource, AccountID: account})
}

// EnqueueGet queues a download of the grid path source into the local
// directory target.
func (m *Manager) EnqueueGet(source, target, resource, account string) (*store.Transfer, error) {
	if err := requireField("grid source path", source); err != nil {
		return nil, err
	}
	if err := requireField("local target path", target); err != nil {
		return nil, err
	}
	return m.enqueue(&store.Transfer{Kind: store.KindGet, SourcePath: source, TargetPath: target, Resource: resource, AccountID: account})
}

// EnqueueReplicate queues a replica of the grid path source onto resource.
func (m *Manager) EnqueueReplicate(source, resource, account string) (*store.Transfer, error) {
	if err := requireField("grid source path", source); err != nil {
		return nil, err
	}
	if err := requireField("target resource", resource); err != nil {
		return nil, err
	}
	return m.enqueue(&store.Transfer{Kind: store.KindReplicate, SourcePath: source, TargetPath: source, Resource: resource, AccountID: account})
}

// EnqueueCopy queues a grid-side copy of source into the collection target.
func (m *Manager) EnqueueCopy(source, target, resource, account string) (*store.Transfer, error) {
	if err := requireField("grid source path", source); err != nil {
		return nil, err
	}
	if err := requireField("grid target path", target); err != nil {
		return nil, err
	}
	return m.enqueue(&store.Transfer{Kind: store.KindCopy, SourcePath: source, TargetPath: target, Resource: resource, AccountID: account})
}

// EnqueueSynch queues a one-way synchronization of the local directory
// source into the grid collection target.
func (m *Manager) EnqueueSynch(source, target, resource, account string) (*store.Transfer, error) {
	if err := requireField("local source path", source); err != nil {
		return nil, err
	}
	if err := requireField("grid target path", target); err != nil {
		return nil, err
	}
	return m.enqueue(&store.Transfer{Kind: store.KindSynch, SourcePath: source, TargetPath: target, Resource: resource, AccountID: account})
}

// ProcessNextInQueueIfIdle starts the oldest queued transfer unless one is
// already running or the manager is paused.
func (m *Manager) ProcessNextInQueueIfIdle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processNextLocked()
}

func (m *Manager) processNextLocked() error {
	if m.closed || m.running != Idle {
		return nil
	}

	t, err := m.queue.Dequeue()
	if err != nil {
		return fmt.Errorf("failed to dequeue: %w", err)
	}
	if t == nil {
		m.setRunningLocked(Idle)
		return nil
	}

	cb := NewControlBlock(t.LastSuccessfulPath, Options{
		Force:          m.cfg.ForceOverwrite,
		VerifyChecksum: m.cfg.VerifyChecksum,
	})
	if err := cb.SetMaxErrorsBeforeCanceling(m.cfg.MaxErrorsBeforeCanceling); err != nil {
		return err
	}
	cb.SetFilter(m.cfg.Filter)

	m.setErrorLocked(StatusOK)
	m.setRunningLocked(Processing)

	r := newRunner(m, t, cb)
	m.current = r
	m.wg.Add(1)
	go r.run(m.ctx)

	m.log.WithFields(logrus.Fields{"transfer_id": t.ID, "kind": t.Kind}).Info("transfer started")
	return nil
}

// Pause suspends the running transfer at its next item boundary and holds
// the queue until Resume.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.running == Paused {
		return
	}
	if m.current != nil {
		m.current.cb.SetPaused(true)
	}
	m.setRunningLocked(Paused)
}

// Resume is a no-op unless paused. A paused runner continues where it
// stopped; otherwise the next queued transfer is started.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.running != Paused {
		return nil
	}
	if m.current != nil {
		m.current.cb.SetPaused(false)
		m.setRunningLocked(Processing)
		return nil
	}
	m.setRunningLocked(Idle)
	return m.processNextLocked()
}

// CancelTransfer cancels the running transfer cooperatively when id matches
// it, or marks a queued transfer CANCELLED directly.
func (m *Manager) CancelTransfer(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.transfer.ID == id {
		m.log.WithField("transfer_id", id).Info("cancelling running transfer")
		m.current.cb.SetCancelled(true)
		return nil
	}
	if err := m.queue.SetCancelled(id); err != nil {
		return fmt.Errorf("failed to cancel transfer %d: %w", id, err)
	}
	return nil
}

// RestartTransfer re-enqueues a finished transfer from its checkpoint.
func (m *Manager) RestartTransfer(id uint64) (*store.Transfer, error) {
	return m.requeue(id, m.queue.Restart)
}

// ResubmitTransfer re-enqueues a finished transfer from the beginning.
func (m *Manager) ResubmitTransfer(id uint64) (*store.Transfer, error) {
	return m.requeue(id, m.queue.Resubmit)
}

func (m *Manager) requeue(id uint64, fn func(uint64) (*store.Transfer, error)) (*store.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	t, err := fn(id)
	if err != nil {
		return nil, err
	}
	if err := m.processNextLocked(); err != nil {
		return t, err
	}
	return t, nil
}

// PurgeAllTransfers removes every transfer that is not running, then resets
// the error status when the manager is idle.
func (m *Manager) PurgeAllTransfers() (int, error) {
	return m.purge(m.queue.Purge)
}

// PurgeSuccessfulTransfers removes transfers that completed without errors,
// then resets the error status when the manager is idle.
func (m *Manager) PurgeSuccessfulTransfers() (int, error) {
	return m.purge(m.queue.PurgeSuccessful)
}

func (m *Manager) purge(fn func() (int, error)) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := fn()
	if err != nil {
		return n, err
	}
	m.resetStatusLocked()
	return n, nil
}

// ResetStatus clears a WARNING or ERROR condition. It only acts while IDLE:
// a running transfer owns the status and a paused manager suppresses changes.
func (m *Manager) ResetStatus() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetStatusLocked()
}

func (m *Manager) resetStatusLocked() {
	if m.running != Idle {
		return
	}
	m.setErrorLocked(StatusOK)
}

// CurrentQueue lists transfers that are queued or running, oldest first.
func (m *Manager) CurrentQueue() ([]*store.Transfer, error) {
	return m.queue.Current()
}

// RecentQueue lists the most recent transfers, newest first.
func (m *Manager) RecentQueue() ([]*store.Transfer, error) {
	return m.queue.Recent(m.cfg.RecentQueueSize)
}

// ErrorQueue lists transfers that ended in error.
func (m *Manager) ErrorQueue() ([]*store.Transfer, error) {
	return m.queue.Errors()
}

// WarningQueue lists transfers that finished with item failures.
func (m *Manager) WarningQueue() ([]*store.Transfer, error) {
	return m.queue.Warnings()
}

// AllTransferItems returns the recorded items of transfer id.
func (m *Manager) AllTransferItems(id uint64) ([]*store.Item, error) {
	return m.queue.Items(id)
}

// ErrorTransferItems returns the failed items of transfer id.
func (m *Manager) ErrorTransferItems(id uint64) ([]*store.Item, error) {
	return m.queue.ErrorItems(id)
}

// CurrentTransfer returns a copy of the running transfer, or nil.
func (m *Manager) CurrentTransfer() *store.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	t := *m.current.transfer
	return &t
}

// CurrentProgress returns the running transfer's counters. ok is false when
// nothing is running.
func (m *Manager) CurrentProgress() (p Progress, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Progress{}, false
	}
	return m.current.cb.Snapshot(), true
}

func (m *Manager) notifyWarningCondition() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == Paused || m.errStatus == StatusError {
		return
	}
	m.setErrorLocked(StatusWarning)
}

func (m *Manager) notifyErrorCondition() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == Paused {
		return
	}
	m.setErrorLocked(StatusError)
}

func (m *Manager) notifyOKCondition() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == Paused {
		return
	}
	m.setErrorLocked(StatusOK)
}

func (m *Manager) notifyItemStatus(s TransferStatus) {
	m.events.post(func(l Listener) { l.ItemStatus(s) })
}

func (m *Manager) notifyOverallStatus(s TransferStatus) {
	m.events.post(func(l Listener) { l.OverallStatus(s) })
}

// notifyComplete is called by a runner once its outcome is persisted.
func (m *Manager) notifyComplete(r *runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == r {
		m.current = nil
	}
	defer m.signalLocked()

	if m.closed || m.running == Paused {
		return
	}
	m.setRunningLocked(Idle)
	if err := m.processNextLocked(); err != nil {
		m.log.WithError(err).Error("failed to start next transfer")
		m.setErrorLocked(StatusError)
	}
}

// WaitIdle blocks until no transfer is running and the manager is not
// processing, then until every pending event reached the listener. A paused
// manager with no live runner counts as idle.
func (m *Manager) WaitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		idle := m.current == nil && (m.running != Processing || m.closed)
		changed := m.changed
		m.mu.Unlock()

		if idle {
			m.events.drain()
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown interrupts the running transfer, which is requeued with its
// checkpoint, and stops event delivery once queued events are flushed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	m.signalLocked()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.events.close()
		<-m.events.done
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("transfer manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
