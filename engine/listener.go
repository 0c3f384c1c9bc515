package engine

import "sync"

// Listener receives the manager's status events. Events are delivered in
// order from a single goroutine; a listener may call back into the manager
// but must not call WaitIdle or Shutdown.
type Listener interface {
	RunningStatusChanged(RunningStatus)
	ErrorStatusChanged(ErrorStatus)
	ItemStatus(TransferStatus)
	OverallStatus(TransferStatus)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	OnRunningStatus func(RunningStatus)
	OnErrorStatus   func(ErrorStatus)
	OnItemStatus    func(TransferStatus)
	OnOverallStatus func(TransferStatus)
}

func (f ListenerFuncs) RunningStatusChanged(s RunningStatus) {
	if f.OnRunningStatus != nil {
		f.OnRunningStatus(s)
	}
}

func (f ListenerFuncs) ErrorStatusChanged(s ErrorStatus) {
	if f.OnErrorStatus != nil {
		f.OnErrorStatus(s)
	}
}

func (f ListenerFuncs) ItemStatus(s TransferStatus) {
	if f.OnItemStatus != nil {
		f.OnItemStatus(s)
	}
}

func (f ListenerFuncs) OverallStatus(s TransferStatus) {
	if f.OnOverallStatus != nil {
		f.OnOverallStatus(s)
	}
}

type event func(Listener)

// dispatcher delivers events to the registered listener outside the
// manager's lock. The queue is unbounded so posting never blocks.
type dispatcher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []event
	pending  int
	listener Listener
	closed   bool
	done     chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) setListener(l Listener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
}

func (d *dispatcher) post(e event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, e)
	d.pending++
	d.cond.Broadcast()
}

func (d *dispatcher) run() {
	defer close(d.done)
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			return
		}
		e := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		l := d.listener

		d.mu.Unlock()
		if l != nil {
			e(l)
		}
		d.mu.Lock()

		d.pending--
		d.cond.Broadcast()
	}
}

// drain blocks until every posted event has been delivered.
func (d *dispatcher) drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 {
		d.cond.Wait()
	}
}

// close stops accepting events; queued ones are still delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}
